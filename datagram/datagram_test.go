package datagram

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunetrt/lunet/fiber"
	"github.com/lunetrt/lunet/runtime"
)

func runLoop(t *testing.T, root *runtime.Root) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = root.Bridge.Run(ctx)
	}()
	return func() {
		cancel()
		_ = root.Bridge.Shutdown(context.Background())
		<-done
		_ = root.Bridge.Close()
	}
}

// TestSelfRoundTrip binds two sockets and checks a send from one arrives at
// the other with its payload intact and the sender's host as the source
// host, the round-trip law implied by loopback round trip.
func TestSelfRoundTrip(t *testing.T) {
	root, err := runtime.New()
	require.NoError(t, err)
	stop := runLoop(t, root)
	defer stop()

	a, err := Bind(root, "127.0.0.1", 19090)
	require.NoError(t, err)
	defer Close(a)

	b, err := Bind(root, "127.0.0.1", 19091)
	require.NoError(t, err)
	defer Close(b)

	result := make(chan []byte, 1)
	fail := make(chan error, 2)

	root.Fibers.Spawn(func(f *fiber.Fiber) {
		data, host, _, err := Recv(f, b)
		if err != nil {
			fail <- err
			return
		}
		assert.Equal(t, "127.0.0.1", host)
		result <- data
	})

	root.Fibers.Spawn(func(f *fiber.Fiber) {
		if err := Send(f, a, "127.0.0.1", 19091, []byte("hello")); err != nil {
			fail <- err
		}
	})

	select {
	case got := <-result:
		assert.Equal(t, "hello", string(got))
	case err := <-fail:
		t.Fatalf("scenario failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for datagram round trip")
	}
}

// TestDroppedCounter replays the inbox's drop-oldest enqueue step past the
// cap on a bare Handle and checks that the observable Dropped counter
// reports every discarded entry, per Open Question 1's resolution.
func TestDroppedCounter(t *testing.T) {
	h := &Handle{}
	for i := 0; i < inboxCap+3; i++ {
		h.mu.Lock()
		if len(h.inbox) >= inboxCap {
			h.inbox = h.inbox[1:]
			h.dropped++
		}
		h.inbox = append(h.inbox, datagramEntry{data: []byte{byte(i)}})
		h.mu.Unlock()
	}
	assert.Equal(t, int64(3), h.Dropped())
	assert.Len(t, h.inbox, inboxCap)
}
