package diagalloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceAllocFreeBalances(t *testing.T) {
	a := New(PolicyTrace)
	b := a.Alloc(16)
	require.Len(t, b, 16)
	a.Free(b)
	require.NoError(t, a.CheckBalance())
	stats := a.Stats()
	assert.Equal(t, int64(1), stats.AllocCount)
	assert.Equal(t, int64(1), stats.FreeCount)
	assert.Equal(t, int64(0), stats.InUse)
}

func TestTraceDoubleFreePanics(t *testing.T) {
	a := New(PolicyTrace)
	b := a.Alloc(8)
	a.Free(b)
	assert.PanicsWithError(t, ErrDoubleFree.Error(), func() {
		a.Free(b)
	})
}

func TestTraceFreeNilIsNoOp(t *testing.T) {
	a := New(PolicyTrace)
	assert.NotPanics(t, func() { a.Free(nil) })
}

func TestTracePoisonsOnFree(t *testing.T) {
	a := New(PolicyTrace)
	b := a.Alloc(4)
	for i := range b {
		b[i] = 0x42
	}
	a.Free(b)
	for _, v := range b {
		assert.Equal(t, byte(0xDD), v)
	}
}

func TestReleasePolicyIsPassthrough(t *testing.T) {
	a := New(PolicyRelease)
	b := a.Alloc(32)
	require.Len(t, b, 32)
	assert.NotPanics(t, func() { a.Free(b) })
	assert.Equal(t, Stats{}, a.Stats())
}

func TestArenaScopeReleaseBalancesCounters(t *testing.T) {
	a := New(PolicyArena)
	scope := a.NewScope()
	require.NotNil(t, scope)
	_ = scope.Alloc(100)
	_ = scope.Alloc(200)
	assert.Equal(t, int64(300), a.Stats().InUse)
	scope.Release()
	assert.Equal(t, int64(0), a.Stats().InUse)
	assert.NoError(t, a.CheckBalance())
}

func TestArenaScopeReleaseIsIdempotent(t *testing.T) {
	a := New(PolicyArena)
	scope := a.NewScope()
	_ = scope.Alloc(10)
	scope.Release()
	assert.NotPanics(t, func() { scope.Release() })
	assert.Equal(t, int64(0), a.Stats().InUse)
}

func TestReallocPreservesContent(t *testing.T) {
	a := New(PolicyTrace)
	b := a.Alloc(4)
	copy(b, []byte("abcd"))
	b = a.Realloc(b, 8)
	assert.Equal(t, []byte("abcd"), b[:4])
	a.Free(b)
	require.NoError(t, a.CheckBalance())
}
