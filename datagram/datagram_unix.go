//go:build linux || darwin

package datagram

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/lunetrt/lunet/fiber"
	"github.com/lunetrt/lunet/internal/bridge"
	"github.com/lunetrt/lunet/runtime"
)

// Bind creates a bound datagram socket and permanently arms its receive
// callback.
func Bind(root *runtime.Root, host string, port int) (*Handle, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, wrapErr("bind", err)
	}
	addr := &unix.SockaddrInet4{Port: port, Addr: parseIPv4(host)}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, wrapErr("bind", err)
	}

	h := &Handle{fd: fd, root: root}
	if err := root.Bridge.RegisterFD(fd, bridge.EventRead, func(events bridge.IOEvents) {
		h.onEvents(events)
	}); err != nil {
		_ = unix.Close(fd)
		return nil, wrapErr("bind", err)
	}
	return h, nil
}

func parseIPv4(host string) (out [4]byte) {
	var a, b, c, d int
	if n, _ := fmt.Sscanf(host, "%d.%d.%d.%d", &a, &b, &c, &d); n == 4 {
		out = [4]byte{byte(a), byte(b), byte(c), byte(d)}
	}
	return out
}

func peerAddr(sa unix.Sockaddr) (string, int) {
	if v, ok := sa.(*unix.SockaddrInet4); ok {
		return fmt.Sprintf("%d.%d.%d.%d", v.Addr[0], v.Addr[1], v.Addr[2], v.Addr[3]), v.Port
	}
	return "", 0
}

// onEvents dispatches a poller readiness notification to the read and/or
// write side. Like stream's onReady, it computes every resume callback
// while holding h.mu but fires them only after releasing it, since resuming
// a fiber runs script code that may re-enter this same Handle.
func (h *Handle) onEvents(events bridge.IOEvents) {
	if events&bridge.EventRead != 0 {
		h.drainReadable()
	}
	if events&bridge.EventWrite != 0 {
		h.drainWritable()
	}
}

func (h *Handle) drainReadable() {
	h.mu.Lock()
	var resume func(any, error)
	var delivered datagramEntry
	for {
		buf := make([]byte, 64*1024)
		n, sa, err := unix.Recvfrom(h.fd, buf, 0)
		if err != nil {
			break
		}
		host, port := peerAddr(sa)
		entry := datagramEntry{data: buf[:n], host: host, port: port}
		if h.recvResume != nil && resume == nil {
			resume = h.recvResume
			h.recvResume = nil
			delivered = entry
			continue
		}
		if len(h.inbox) >= inboxCap {
			h.inbox = h.inbox[1:]
			h.dropped++
		}
		h.inbox = append(h.inbox, entry)
	}
	h.mu.Unlock()

	if resume != nil {
		resume(delivered, nil)
	}
}

// drainWritable retries a send parked on EAGAIN once the socket reports
// writable again.
func (h *Handle) drainWritable() {
	h.mu.Lock()
	if h.sendResume == nil {
		h.mu.Unlock()
		return
	}
	buf := h.sendBuf
	addr := h.sendAddr.(unix.Sockaddr)
	h.mu.Unlock()

	err := unix.Sendto(h.fd, buf, 0, addr)
	if isAgain(err) {
		return // stays armed, wait for the next writable notification
	}

	h.mu.Lock()
	resume := h.sendResume
	h.sendResume = nil
	h.sendBuf = nil
	h.sendAddr = nil
	events := bridge.EventRead
	_ = h.root.Bridge.ModifyFD(h.fd, events)
	h.mu.Unlock()

	if resume != nil {
		if err != nil {
			resume(nil, wrapErr("send", err))
		} else {
			resume(nil, nil)
		}
	}
}

func isAgain(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// Recv returns the next datagram, suspending only if the inbox is
// currently empty.
func Recv(f *fiber.Fiber, h *Handle) (data []byte, host string, port int, err error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, "", 0, ErrClosed
	}
	if len(h.inbox) > 0 {
		e := h.inbox[0]
		h.inbox = h.inbox[1:]
		h.mu.Unlock()
		return e.data, e.host, e.port, nil
	}
	if h.recvResume != nil {
		h.mu.Unlock()
		return nil, "", 0, ErrAnotherInProgress
	}
	h.mu.Unlock()

	v, suspErr := f.Suspend(func(resume func(any, error)) {
		h.mu.Lock()
		h.recvResume = resume
		h.mu.Unlock()
	})
	if suspErr != nil {
		return nil, "", 0, suspErr
	}
	e := v.(datagramEntry)
	return e.data, e.host, e.port, nil
}

// Send copies payload into an owned buffer and attempts an immediate send.
// It only suspends the calling fiber if the kernel isn't ready yet
// (EAGAIN), arming the write side and returning once a later readiness
// notification completes it — mirroring stream's armed/idle side model so
// a resume is never invoked synchronously from inside register.
func Send(f *fiber.Fiber, h *Handle, host string, port int, payload []byte) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if h.sendResume != nil {
		h.mu.Unlock()
		return ErrAnotherInProgress
	}
	h.mu.Unlock()

	owned := h.root.Alloc.Alloc(len(payload))
	copy(owned, payload)

	addr := &unix.SockaddrInet4{Port: port, Addr: parseIPv4(host)}
	err := unix.Sendto(h.fd, owned, 0, addr)
	if !isAgain(err) {
		h.root.Alloc.Free(owned)
		return wrapErrOrNil(err)
	}

	_, suspErr := f.Suspend(func(resume func(any, error)) {
		h.mu.Lock()
		h.sendResume = resume
		h.sendBuf = owned
		h.sendAddr = addr
		_ = h.root.Bridge.ModifyFD(h.fd, bridge.EventRead|bridge.EventWrite)
		h.mu.Unlock()
	})
	h.root.Alloc.Free(owned)
	return suspErr
}

func wrapErrOrNil(err error) error {
	if err == nil {
		return nil
	}
	return wrapErr("send", err)
}

// Close implements the two-phase close discipline: mark closing, resolve
// any armed side with a cancellation error, unregister from the poller,
// then schedule the fd close on the loop thread.
func Close(h *Handle) error {
	h.mu.Lock()
	if h.closing || h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closing = true
	recvResume := h.recvResume
	h.recvResume = nil
	sendResume := h.sendResume
	h.sendResume = nil
	root := h.root
	fd := h.fd
	h.mu.Unlock()

	// Close runs on a fiber holding the execution token; the cancellation
	// resumes must reach their waiters via the loop thread or they would
	// deadlock acquiring the token.
	if recvResume != nil {
		_ = root.Bridge.SubmitInternal(func() { recvResume(nil, ErrCancelled) })
	}
	if sendResume != nil {
		_ = root.Bridge.SubmitInternal(func() { sendResume(nil, ErrCancelled) })
	}

	_ = root.Bridge.UnregisterFD(fd)
	return root.Bridge.SubmitInternal(func() {
		_ = unix.Close(fd)
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
	})
}
