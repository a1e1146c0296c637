package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lunetrt/lunet/fiber"
	"github.com/lunetrt/lunet/runtime"
)

// TestSleepResumesAfterDelay verifies a sleeping fiber resumes once its
// timer fires, without blocking the loop thread meanwhile.
func TestSleepResumesAfterDelay(t *testing.T) {
	root, err := runtime.New()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = root.Bridge.Run(ctx)
	}()
	defer func() {
		cancel()
		_ = root.Bridge.Shutdown(context.Background())
		<-done
		_ = root.Bridge.Close()
	}()

	woke := make(chan time.Time, 1)
	started := time.Now()
	root.Fibers.Spawn(func(f *fiber.Fiber) {
		require.NoError(t, Sleep(f, root, 20*time.Millisecond))
		woke <- time.Now()
	})

	select {
	case at := <-woke:
		require.GreaterOrEqual(t, at.Sub(started), 20*time.Millisecond)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sleep to resume")
	}
}
