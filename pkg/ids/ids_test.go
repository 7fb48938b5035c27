package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_UniqueAndWellFormed(t *testing.T) {
	a := New()
	b := New()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)
}

func TestAllocator_AllocateAndRelease(t *testing.T) {
	alloc := NewAllocator(20100, 4)

	p1, err := alloc.Allocate()
	require.NoError(t, err)
	p2, err := alloc.Allocate()
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)
	assert.Equal(t, 2, alloc.InUse())

	alloc.Release(p1)
	assert.Equal(t, 1, alloc.InUse())

	p3, err := alloc.Allocate()
	require.NoError(t, err)
	assert.Equal(t, p1, p3, "released port should be reusable")
}

func TestAllocator_ExhaustedRange(t *testing.T) {
	alloc := NewAllocator(20200, 1)

	_, err := alloc.Allocate()
	require.NoError(t, err)

	_, err = alloc.Allocate()
	require.Error(t, err)
}

func TestAllocator_ReleaseUnknownPortIsNoop(t *testing.T) {
	alloc := NewAllocator(20300, 2)
	assert.NotPanics(t, func() { alloc.Release(9999) })
	assert.Equal(t, 0, alloc.InUse())
}
