package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunetrt/lunet/fiber"
	"github.com/lunetrt/lunet/runtime"
)

// runLoop starts root.Bridge.Run in the background and returns a function
// that shuts it down cleanly.
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

// TestLoopbackEcho: a listener accepts one connection, echoes one message
// back, and the connecting fiber asserts the echo equals what it sent.
func TestLoopbackEcho(t *testing.T) {
	root, err := runtime.New()
	require.NoError(t, err)
	stop := runLoop(t, root)
	defer stop()

	l, err := Listen(root, ProtoTCP, "127.0.0.1", 18080)
	require.NoError(t, err)

	result := make(chan string, 1)
	fail := make(chan error, 2)

	root.Fibers.Spawn(func(f *fiber.Fiber) {
		c, err := Accept(f, l)
		if err != nil {
			fail <- err
			return
		}
		msg, err := Read(f, c)
		if err != nil {
			fail <- err
			return
		}
		if err := Write(f, c, msg); err != nil {
			fail <- err
			return
		}
		_ = Close(c)
	})

	root.Fibers.Spawn(func(f *fiber.Fiber) {
		c, err := Connect(f, root, ProtoTCP, "127.0.0.1", 18080)
		if err != nil {
			fail <- err
			return
		}
		if err := Write(f, c, []byte("ping")); err != nil {
			fail <- err
			return
		}
		echo, err := Read(f, c)
		if err != nil {
			fail <- err
			return
		}
		result <- string(echo)
		_ = Close(c)
	})

	select {
	case got := <-result:
		assert.Equal(t, "ping", got)
	case err := <-fail:
		t.Fatalf("scenario failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for loopback echo")
	}

	_ = Close(l)
}

// TestBacklogDrain: two peers connect before any accept runs; both
// sequential accepts must return without suspending.
func TestBacklogDrain(t *testing.T) {
	root, err := runtime.New()
	require.NoError(t, err)
	stop := runLoop(t, root)
	defer stop()

	l, err := Listen(root, ProtoUnix, t.TempDir()+"/backlog.sock", 0)
	require.NoError(t, err)
	defer Close(l)

	connected := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		root.Fibers.Spawn(func(f *fiber.Fiber) {
			c, err := Connect(f, root, ProtoUnix, l.path, 0)
			require.NoError(t, err)
			connected <- struct{}{}
			_ = Close(c)
		})
	}

	for i := 0; i < 2; i++ {
		select {
		case <-connected:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for backlog connects")
		}
	}

	time.Sleep(50 * time.Millisecond) // let onAcceptReady drain into the backlog

	accepted := make(chan *Client, 2)
	root.Fibers.Spawn(func(f *fiber.Fiber) {
		for i := 0; i < 2; i++ {
			c, err := Accept(f, l)
			require.NoError(t, err)
			accepted <- c
		}
	})

	for i := 0; i < 2; i++ {
		select {
		case c := <-accepted:
			_ = Close(c)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out draining backlog")
		}
	}
}
