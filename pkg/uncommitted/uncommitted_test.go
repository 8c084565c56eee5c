package uncommitted

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStartThenIsUncommitted(t *testing.T) {
	s := New(0, 1024)
	s.Start(5)
	assert.True(t, s.IsUncommitted(5))
	assert.False(t, s.IsUncommitted(6))
	assert.Equal(t, 1, s.Len())
}

func TestCommittedClearsBit(t *testing.T) {
	s := New(0, 1024)
	s.Start(5)
	s.Committed(5)
	assert.False(t, s.IsUncommitted(5))
	assert.Equal(t, 0, s.Len())
}

func TestAbortClearsBit(t *testing.T) {
	s := New(0, 1024)
	s.Start(5)
	s.Abort(5)
	assert.False(t, s.IsUncommitted(5))
}

func TestClearIsIdempotent(t *testing.T) {
	s := New(0, 1024)
	assert.NotPanics(t, func() { s.Committed(5) })
	s.Start(5)
	s.Committed(5)
	assert.NotPanics(t, func() { s.Committed(5) })
	assert.Equal(t, 0, s.Len())
}

func TestRaiseLowestBucketRecyclesAndReportsOrphans(t *testing.T) {
	s := New(0, 1024)
	s.Start(1)
	s.Start(2)

	windowSize := uint64(len(s.buckets)) * s.bucketSize
	orphaned := s.RaiseLowestBucket(windowSize + 1)

	assert.ElementsMatch(t, []uint64{1, 2}, orphaned)
	assert.Equal(t, 0, s.Len())
	// The timestamps that used to live in the recycled bucket range are no
	// longer trackable — the caller is expected to have resolved them via
	// the returned orphan list.
	assert.False(t, s.IsUncommitted(1))
}

func TestRaiseLowestBucketNoopWhenWithinWindow(t *testing.T) {
	s := New(0, 1024)
	s.Start(1)
	orphaned := s.RaiseLowestBucket(1)
	assert.Empty(t, orphaned)
	assert.True(t, s.IsUncommitted(1))
}

func TestLocateOutsideWindowIsFalse(t *testing.T) {
	s := New(1000, 1024)
	assert.False(t, s.IsUncommitted(0))
}
