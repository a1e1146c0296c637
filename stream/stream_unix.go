//go:build linux || darwin

package stream

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/lunetrt/lunet/fiber"
	"github.com/lunetrt/lunet/internal/bridge"
	"github.com/lunetrt/lunet/runtime"
)

// Listen creates and arms a listening socket. It is synchronous: binding
// and listening never wait on the peer, so the creating fiber may return
// immediately and the listener keeps working.
func Listen(root *runtime.Root, proto Proto, host string, port int) (*Listener, error) {
	var fd int
	var path string
	var err error

	switch proto {
	case ProtoTCP:
		fd, err = listenTCP(host, port)
	case ProtoUnix:
		path = host
		fd, err = listenUnix(path)
	default:
		return nil, ErrBadScheme
	}
	if err != nil {
		return nil, bindErr("listen", err)
	}

	l := &Listener{fd: fd, proto: proto, path: path, root: root}
	if err := root.Bridge.RegisterFD(fd, bridge.EventRead, func(bridge.IOEvents) {
		l.onAcceptReady()
	}); err != nil {
		_ = unix.Close(fd)
		return nil, bindErr("listen", err)
	}
	return l, nil
}

func listenTCP(host string, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, err
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	var addr unix.SockaddrInet4
	addr.Port = port
	if host != "" && host != "0.0.0.0" {
		ip := parseIPv4(host)
		addr.Addr = ip
	}
	if err := unix.Bind(fd, &addr); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 128); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func listenUnix(path string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 128); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func parseIPv4(host string) (out [4]byte) {
	var a, b, c, d int
	if n, _ := fmt.Sscanf(host, "%d.%d.%d.%d", &a, &b, &c, &d); n == 4 {
		out = [4]byte{byte(a), byte(b), byte(c), byte(d)}
	}
	return out
}

// onAcceptReady runs on the loop thread whenever the listening socket has
// one or more pending connections: admit every pending connection now,
// queue it if no fiber is waiting.
func (l *Listener) onAcceptReady() {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return
	}
	var delivered *Client
	var resume func(any, error)
	for {
		cfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK)
		if err != nil {
			break // EAGAIN or any other errno: nothing more pending right now
		}
		c := &Client{fd: cfd, root: l.root, peer: peerString(sa), readBufSize: readBufferSizeDefault}
		if regErr := l.root.Bridge.RegisterFD(cfd, 0, func(events bridge.IOEvents) {
			c.onReady(events)
		}); regErr != nil {
			_ = unix.Close(cfd)
			continue
		}
		if l.acceptResume != nil && resume == nil {
			resume = l.acceptResume
			l.acceptResume = nil
			delivered = c
		} else {
			l.backlog = append(l.backlog, c)
		}
	}
	l.mu.Unlock()

	if resume != nil {
		resume(delivered, nil)
	}
}

func peerString(sa unix.Sockaddr) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%d.%d.%d.%d:%d", v.Addr[0], v.Addr[1], v.Addr[2], v.Addr[3], v.Port)
	case *unix.SockaddrUnix:
		return "unix"
	default:
		return "unknown"
	}
}

// Accept returns the next connected client, suspending the calling fiber
// only if the backlog is currently empty.
func Accept(f *fiber.Fiber, l *Listener) (*Client, error) {
	l.mu.Lock()
	if l.closed || l.closing {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	if len(l.backlog) > 0 {
		c := l.backlog[0]
		l.backlog = l.backlog[1:]
		l.mu.Unlock()
		return c, nil
	}
	if l.acceptResume != nil {
		l.mu.Unlock()
		return nil, ErrAnotherInProgress
	}
	l.mu.Unlock()

	v, err := f.Suspend(func(resume func(any, error)) {
		l.mu.Lock()
		l.acceptResume = resume
		l.mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	return v.(*Client), nil
}

// Connect establishes a client connection, suspending until the kernel
// confirms the connection (or its failure).
func Connect(f *fiber.Fiber, root *runtime.Root, proto Proto, host string, port int) (*Client, error) {
	var fd int
	var err error
	switch proto {
	case ProtoTCP:
		fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	case ProtoUnix:
		fd, err = unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	default:
		return nil, ErrBadScheme
	}
	if err != nil {
		return nil, bindErr("connect", err)
	}

	switch proto {
	case ProtoTCP:
		addr := &unix.SockaddrInet4{Port: port, Addr: parseIPv4(host)}
		err = unix.Connect(fd, addr)
	case ProtoUnix:
		err = unix.Connect(fd, &unix.SockaddrUnix{Name: host})
	}
	if err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return nil, bindErr("connect", err)
	}

	c := &Client{fd: fd, root: root, readBufSize: readBufferSizeDefault}
	if regErr := root.Bridge.RegisterFD(fd, bridge.EventWrite, func(events bridge.IOEvents) {
		c.onReady(events)
	}); regErr != nil {
		_ = unix.Close(fd)
		return nil, bindErr("connect", regErr)
	}

	if err == nil {
		// Connected synchronously (common for unix sockets).
		_ = root.Bridge.ModifyFD(fd, 0)
		c.recordPeer()
		return c, nil
	}

	if _, suspErr := f.Suspend(func(resume func(any, error)) {
		c.mu.Lock()
		c.connectResume = resume
		c.mu.Unlock()
	}); suspErr != nil {
		return nil, suspErr
	}
	c.recordPeer()
	return c, nil
}

// recordPeer fills c.peer from the kernel's view of the connected socket,
// so GetPeerName works for connecting clients the same way it does for
// accepted ones.
func (c *Client) recordPeer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer != "" {
		return
	}
	if sa, err := unix.Getpeername(c.fd); err == nil {
		c.peer = peerString(sa)
	}
}

// onReady runs on the loop thread when fd becomes readable/writable. It
// performs the actual syscalls while holding c.mu, but always releases the
// lock before invoking a fiber's resume callback — resuming a fiber runs
// its script code synchronously, which may immediately re-enter this same
// Client (e.g. issue another read), and that re-entrant call must be able
// to take c.mu itself.
func (c *Client) onReady(events bridge.IOEvents) {
	c.mu.Lock()

	if c.connectResume != nil {
		resume := c.connectResume
		c.connectResume = nil
		errno, _ := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		_ = c.root.Bridge.ModifyFD(c.fd, 0)
		c.mu.Unlock()
		if errno != 0 {
			resume(nil, fmt.Errorf("stream: connect: %w", unix.Errno(errno)))
		} else {
			resume(nil, nil)
		}
		return
	}

	var readResume, writeResume func(any, error)
	var readResult any
	var readErr error
	var writeErr error
	var writeDone bool

	if events&bridge.EventRead != 0 && c.readResume != nil {
		readResume, readResult, readErr = c.doRead()
	}
	if events&bridge.EventWrite != 0 && c.writeArmed {
		writeResume, writeErr, writeDone = c.doWrite()
	}
	c.mu.Unlock()

	if readResume != nil {
		readResume(readResult, readErr)
	}
	if writeDone && writeResume != nil {
		writeResume(nil, writeErr)
	}
}

// doRead performs one non-blocking read, clears the armed state, and
// returns the resume callback and its arguments for the caller to invoke
// once c.mu is released. Caller must hold c.mu.
func (c *Client) doRead() (resume func(any, error), result any, err error) {
	resume = c.readResume
	c.readResume = nil
	c.readArmed = false
	buf := make([]byte, c.readBufSize)
	n, readErr := unix.Read(c.fd, buf)
	_ = c.root.Bridge.ModifyFD(c.fd, writeEventsIfArmed(c))
	switch {
	case n == 0 && readErr == nil:
		return resume, nil, nil // EOF
	case readErr != nil && readErr != unix.EAGAIN:
		return resume, nil, fmt.Errorf("stream: read: %w", readErr)
	default:
		return resume, buf[:n], nil
	}
}

func writeEventsIfArmed(c *Client) bridge.IOEvents {
	if c.writeArmed {
		return bridge.EventWrite
	}
	return 0
}

// Read arms a one-shot read on client. Returns ErrAnotherInProgress if the
// read side is already armed.
func Read(f *fiber.Fiber, c *Client) ([]byte, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.readArmed {
		c.mu.Unlock()
		return nil, ErrAnotherInProgress
	}
	c.mu.Unlock()

	v, err := f.Suspend(func(resume func(any, error)) {
		c.mu.Lock()
		c.readArmed = true
		c.readResume = resume
		events := bridge.EventRead | writeEventsIfArmed(c)
		_ = c.root.Bridge.ModifyFD(c.fd, events)
		c.mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.([]byte), nil
}

// doWrite drains c.writeBuf, re-arming EventWrite until the whole payload
// is flushed, returning the resume callback only once the write side has
// settled (success or failure). Caller must hold c.mu.
func (c *Client) doWrite() (resume func(any, error), err error, done bool) {
	n, writeErr := unix.Write(c.fd, c.writeBuf)
	if writeErr != nil && writeErr != unix.EAGAIN {
		resume = c.writeResume
		c.writeResume = nil
		c.writeArmed = false
		c.writeBuf = nil
		_ = c.root.Bridge.ModifyFD(c.fd, readEventsIfArmed(c))
		return resume, fmt.Errorf("stream: write: %w", writeErr), true
	}
	c.writeBuf = c.writeBuf[n:]
	if len(c.writeBuf) == 0 {
		resume = c.writeResume
		c.writeResume = nil
		c.writeArmed = false
		_ = c.root.Bridge.ModifyFD(c.fd, readEventsIfArmed(c))
		return resume, nil, true
	}
	return nil, nil, false
}

func readEventsIfArmed(c *Client) bridge.IOEvents {
	if c.readArmed {
		return bridge.EventRead
	}
	return 0
}

// Write copies payload into an owned buffer and suspends until the kernel
// has accepted the entire payload; no partial success is exposed to
// scripts.
func Write(f *fiber.Fiber, c *Client, payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.writeArmed {
		c.mu.Unlock()
		return ErrAnotherInProgress
	}
	c.mu.Unlock()

	owned := c.root.Alloc.Alloc(len(payload))
	copy(owned, payload)

	_, err := f.Suspend(func(resume func(any, error)) {
		c.mu.Lock()
		c.writeArmed = true
		c.writeResume = resume
		c.writeBuf = owned
		events := bridge.EventWrite | readEventsIfArmed(c)
		_ = c.root.Bridge.ModifyFD(c.fd, events)
		c.mu.Unlock()
	})
	c.root.Alloc.Free(owned)
	return err
}

// Close implements the two-phase close: mark closing, resolve any armed
// side with ErrCancelled, unregister the fd from the poller, then schedule
// the actual OS close on the loop thread.
func Close(h any) error {
	switch v := h.(type) {
	case *Listener:
		return closeListener(v)
	case *Client:
		return closeClient(v)
	default:
		return fmt.Errorf("stream: close: unknown handle type %T", h)
	}
}

func closeListener(l *Listener) error {
	l.mu.Lock()
	if l.closing || l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closing = true
	if l.acceptResume != nil {
		resume := l.acceptResume
		l.acceptResume = nil
		// Close is typically called from a fiber, which holds the
		// execution token; resuming the waiter synchronously here would
		// deadlock on it. Hand the cancellation to the loop thread, which
		// resumes once the closing fiber has yielded.
		_ = l.root.Bridge.SubmitInternal(func() { resume(nil, ErrCancelled) })
	}
	backlog := l.backlog
	l.backlog = nil
	root := l.root
	fd := l.fd
	path := l.path
	l.mu.Unlock()

	for _, c := range backlog {
		_ = closeClient(c)
	}

	_ = root.Bridge.UnregisterFD(fd)
	return root.Bridge.SubmitInternal(func() {
		_ = unix.Close(fd)
		if path != "" {
			_ = os.Remove(path)
		}
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
	})
}

func closeClient(c *Client) error {
	c.mu.Lock()
	if c.closing || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	// Cancellation resumes are deferred to the loop thread for the same
	// reason as closeListener's: the closing fiber holds the execution
	// token the resume path needs.
	if c.readResume != nil {
		resume := c.readResume
		c.readResume = nil
		c.readArmed = false
		_ = c.root.Bridge.SubmitInternal(func() { resume(nil, ErrCancelled) })
	}
	if c.writeResume != nil {
		resume := c.writeResume
		c.writeResume = nil
		c.writeArmed = false
		c.writeBuf = nil
		_ = c.root.Bridge.SubmitInternal(func() { resume(nil, ErrCancelled) })
	}
	if c.connectResume != nil {
		resume := c.connectResume
		c.connectResume = nil
		_ = c.root.Bridge.SubmitInternal(func() { resume(nil, ErrCancelled) })
	}
	root := c.root
	fd := c.fd
	c.mu.Unlock()

	_ = root.Bridge.UnregisterFD(fd)
	return root.Bridge.SubmitInternal(func() {
		_ = unix.Close(fd)
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
	})
}

// GetPeerName returns the connected peer's address, or ErrNotConnected if
// the client has no recorded peer string (accepted and connected clients
// alike record one when they are set up).
func GetPeerName(c *Client) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer == "" {
		return "", ErrNotConnected
	}
	return c.peer, nil
}

// SetReadBufferSize changes the process-wide default read chunk size. Each
// client copies the default when it is created, so only clients created
// afterwards use the new size.
func SetReadBufferSize(n int) {
	if n > 0 {
		readBufferSizeDefault = n
	}
}

// Unlink removes a unix-domain socket path.
func Unlink(path string) error {
	return os.Remove(path)
}
