// Package fs provides the filesystem surface: open/read/write/close plus
// stat and scandir. Unlike the socket engines these are synchronous — a
// local disk access is treated as fast and never suspends the calling
// fiber — but read buffers still flow through the diagnostic allocator so
// their lifecycle shows up in the shutdown balance.
package fs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/lunetrt/lunet/runtime"
)

var (
	// ErrClosed is returned by operations on an already-closed file.
	ErrClosed = errors.New("fs: file closed")

	// ErrBadMode rejects open modes outside the supported set.
	ErrBadMode = errors.New("fs: unsupported open mode")
)

// File is an open file handle.
type File struct {
	mu     sync.Mutex
	f      *os.File
	root   *runtime.Root
	closed bool
}

// Info is the subset of a stat result exposed to scripts.
type Info struct {
	Name    string
	Size    int64
	Mode    os.FileMode
	ModTime time.Time
	IsDir   bool
}

// DirEntry is one scandir result.
type DirEntry struct {
	Name  string
	IsDir bool
}

// modeFlags maps the script-level open mode strings onto os.OpenFile
// flags.
func modeFlags(mode string) (int, error) {
	switch mode {
	case "", "r":
		return os.O_RDONLY, nil
	case "r+":
		return os.O_RDWR, nil
	case "w":
		return os.O_WRONLY | os.O_CREATE | os.O_TRUNC, nil
	case "w+":
		return os.O_RDWR | os.O_CREATE | os.O_TRUNC, nil
	case "a":
		return os.O_WRONLY | os.O_CREATE | os.O_APPEND, nil
	case "a+":
		return os.O_RDWR | os.O_CREATE | os.O_APPEND, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrBadMode, mode)
	}
}

// Open opens path in the given mode ("r", "r+", "w", "w+", "a", "a+").
func Open(root *runtime.Root, path, mode string) (*File, error) {
	flags, err := modeFlags(mode)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("fs: open: %w", err)
	}
	return &File{f: f, root: root}, nil
}

// Read returns up to n bytes from the file's current position, or nil at
// EOF. The transfer goes through an allocator-owned scratch buffer so the
// bytes handed to the script are a fresh value with no tie to internal
// state.
func (file *File) Read(n int) ([]byte, error) {
	file.mu.Lock()
	defer file.mu.Unlock()
	if file.closed {
		return nil, ErrClosed
	}
	if n <= 0 {
		n = 64 * 1024
	}

	buf := file.root.Alloc.Alloc(n)
	defer file.root.Alloc.Free(buf)

	read, err := file.f.Read(buf)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fs: read: %w", err)
	}
	out := make([]byte, read)
	copy(out, buf[:read])
	return out, nil
}

// Write appends data at the file's current position, returning the byte
// count written. Short writes surface as errors from the underlying file.
func (file *File) Write(data []byte) (int, error) {
	file.mu.Lock()
	defer file.mu.Unlock()
	if file.closed {
		return 0, ErrClosed
	}
	n, err := file.f.Write(data)
	if err != nil {
		return n, fmt.Errorf("fs: write: %w", err)
	}
	return n, nil
}

// Close releases the OS handle. Closing twice is a no-op.
func (file *File) Close() error {
	file.mu.Lock()
	defer file.mu.Unlock()
	if file.closed {
		return nil
	}
	file.closed = true
	if err := file.f.Close(); err != nil {
		return fmt.Errorf("fs: close: %w", err)
	}
	return nil
}

// Stat returns path's metadata.
func Stat(path string) (Info, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Info{}, fmt.Errorf("fs: stat: %w", err)
	}
	return Info{
		Name:    fi.Name(),
		Size:    fi.Size(),
		Mode:    fi.Mode(),
		ModTime: fi.ModTime(),
		IsDir:   fi.IsDir(),
	}, nil
}

// ScanDir lists path's entries in directory order.
func ScanDir(path string) ([]DirEntry, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("fs: scandir: %w", err)
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, DirEntry{Name: e.Name(), IsDir: e.IsDir()})
	}
	return out, nil
}
