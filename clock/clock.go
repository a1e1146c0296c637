// Package clock implements the one-shot sleep timer: a fiber-suspending
// sleep(ms) built directly on the event loop's timer wheel, with no
// script-visible handle since a sleeping fiber already owns its own
// suspension.
package clock

import (
	"time"

	"github.com/lunetrt/lunet/fiber"
	"github.com/lunetrt/lunet/runtime"
)

// Sleep suspends the calling fiber for at least d, then resumes it with no
// result. A non-positive duration resumes on the next loop tick rather
// than synchronously, preserving the always-suspends contract scripts may
// rely on for fairness.
func Sleep(f *fiber.Fiber, root *runtime.Root, d time.Duration) error {
	_, err := f.Suspend(func(resume func(any, error)) {
		scheduleErr := root.Bridge.ScheduleTimer(d, func() {
			resume(nil, nil)
		})
		if scheduleErr != nil {
			// ScheduleTimer failed synchronously (loop already closed):
			// resume must never fire from inside register itself, since
			// the fiber hasn't yielded the execution token yet, so hand
			// the failure to a goroutine that resumes once it has.
			go resume(nil, scheduleErr)
		}
	})
	return err
}
