package fiber

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnRunsToCompletionWithoutSuspending(t *testing.T) {
	rt := NewRuntime()
	var ran bool
	f := rt.Spawn(func(f *Fiber) {
		ran = true
	})
	assert.True(t, ran)
	assert.True(t, f.Done())
}

func TestSpawnSuspendsAndResumes(t *testing.T) {
	rt := NewRuntime()
	var resumeFn func(any, error)
	var result any

	f := rt.Spawn(func(f *Fiber) {
		v, err := f.Suspend(func(resume func(any, error)) {
			resumeFn = resume
		})
		require.NoError(t, err)
		result = v
	})

	assert.False(t, f.Done())
	require.NotNil(t, resumeFn)

	resumeFn("hello", nil)
	assert.True(t, f.Done())
	assert.Equal(t, "hello", result)
}

func TestSuspendPropagatesError(t *testing.T) {
	rt := NewRuntime()
	var resumeFn func(any, error)
	var gotErr error

	f := rt.Spawn(func(f *Fiber) {
		_, err := f.Suspend(func(resume func(any, error)) {
			resumeFn = resume
		})
		gotErr = err
	})

	boom := errors.New("boom")
	resumeFn(nil, boom)
	assert.True(t, f.Done())
	assert.ErrorIs(t, gotErr, boom)
}

func TestDoubleResumePanics(t *testing.T) {
	rt := NewRuntime()
	var resumeFn func(any, error)

	f := rt.Spawn(func(f *Fiber) {
		_, _ = f.Suspend(func(resume func(any, error)) {
			resumeFn = resume
		})
	})
	require.False(t, f.Done())

	resumeFn("first", nil)
	assert.True(t, f.Done())
	assert.PanicsWithValue(t, ErrDoubleResume, func() {
		resumeFn("second", nil)
	})
}

func TestMultipleFibersSuspendIndependently(t *testing.T) {
	rt := NewRuntime()
	var resumeA, resumeB func(any, error)
	var resultA, resultB any

	fa := rt.Spawn(func(f *Fiber) {
		v, _ := f.Suspend(func(resume func(any, error)) { resumeA = resume })
		resultA = v
	})
	fb := rt.Spawn(func(f *Fiber) {
		v, _ := f.Suspend(func(resume func(any, error)) { resumeB = resume })
		resultB = v
	})

	require.False(t, fa.Done())
	require.False(t, fb.Done())

	resumeB("b-done", nil)
	assert.True(t, fb.Done())
	assert.Equal(t, "b-done", resultB)
	assert.False(t, fa.Done())

	resumeA("a-done", nil)
	assert.True(t, fa.Done())
	assert.Equal(t, "a-done", resultA)
}

func TestSpawnPropagatesPanicAsFault(t *testing.T) {
	rt := NewRuntime()
	f := rt.Spawn(func(f *Fiber) {
		panic("script exploded")
	})
	assert.True(t, f.Done())
	assert.ErrorIs(t, f.Err, ErrFiberFault)
}

func TestCurrentTracksRunningFiber(t *testing.T) {
	rt := NewRuntime()
	assert.Nil(t, rt.Current())

	var observed *Fiber
	f := rt.Spawn(func(f *Fiber) {
		observed = rt.Current()
	})
	assert.Same(t, f, observed)
	assert.Nil(t, rt.Current())
}

func TestSpawnViaDefersFirstStep(t *testing.T) {
	rt := NewRuntime()

	var deferred func()
	submit := func(fn func()) error {
		deferred = fn
		return nil
	}

	var ran bool
	f, err := rt.SpawnVia(submit, func(f *Fiber) { ran = true })
	require.NoError(t, err)
	require.NotNil(t, deferred)
	assert.False(t, ran, "first step must not run until submit's task fires")
	assert.False(t, f.Done())

	deferred()
	assert.True(t, ran)
	assert.True(t, f.Done())
}
