package anchor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCreateLookupRelease(t *testing.T) {
	r := NewRegistry[string]()
	id := r.Create("fiber-1")
	v, ok := r.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, "fiber-1", v)

	require.True(t, r.Release(id))
	_, ok = r.Lookup(id)
	assert.False(t, ok)
}

func TestRegistryDoubleReleaseDetected(t *testing.T) {
	r := NewRegistry[int]()
	id := r.Create(42)
	require.True(t, r.Release(id))
	assert.False(t, r.Release(id), "second release of the same id must be observable as a double-release")
}

func TestRegistryBalanceInvariant(t *testing.T) {
	r := NewRegistry[int]()
	ids := make([]ID, 0, 10)
	for i := 0; i < 10; i++ {
		ids = append(ids, r.Create(i))
	}
	assert.False(t, r.Balanced())
	for _, id := range ids {
		r.Release(id)
	}
	assert.True(t, r.Balanced())
	created, released := r.Counts()
	assert.Equal(t, int64(10), created)
	assert.Equal(t, int64(10), released)
}

func TestRegistryForEach(t *testing.T) {
	r := NewRegistry[string]()
	r.Create("a")
	r.Create("b")
	seen := map[string]bool{}
	r.ForEach(func(id ID, v string) { seen[v] = true })
	assert.Equal(t, map[string]bool{"a": true, "b": true}, seen)
}
