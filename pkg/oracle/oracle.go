// Package oracle implements the timestamp oracle of component A: a
// monotone 64-bit counter whose allocations are durably reserved in
// ranges so recovery never hands out a timestamp twice (spec §4.1).
package oracle

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"tso/pkg/journal"
)

// ErrRangeReservationFailed is returned when durably recording a new range
// high-water fails or times out — spec §7's OracleRangeFailure, always
// fatal to the caller.
var ErrRangeReservationFailed = errors.New("oracle: range reservation failed")

// RangeAllocator is the durability dependency Next uses to persist a new
// range high-water before handing out any timestamp within it.
// journal.Journal satisfies this directly.
type RangeAllocator interface {
	AddRecord(ctx context.Context, record []byte) <-chan error
}

// Oracle is the monotone timestamp allocator. It is safe for concurrent
// use: callers besides pkg/tso's single-writer executor (metrics readers,
// watchers) may call Get/First without synchronizing through the
// executor.
type Oracle struct {
	mu sync.Mutex

	alloc     RangeAllocator
	rangeSize uint64

	epoch          uint64 // first() — counter value at which this epoch began
	last           uint64 // last allocated timestamp; 0 means none yet
	rangeHighWater uint64 // largest timestamp currently reserved durable
}

// New constructs an Oracle that resumes from resumeFrom (0 for a fresh
// epoch) using alloc to durably reserve ranges of rangeSize timestamps at
// a time.
func New(alloc RangeAllocator, rangeSize uint64, resumeFrom uint64) *Oracle {
	if rangeSize == 0 {
		rangeSize = 1
	}
	return &Oracle{
		alloc:          alloc,
		rangeSize:      rangeSize,
		epoch:          resumeFrom,
		last:           resumeFrom,
		rangeHighWater: resumeFrom,
	}
}

// Next returns the next timestamp and advances the counter. If the
// returned value would cross the current range's high-water, a new range
// is reserved and its RANGE record acknowledged durable before Next
// returns — no timestamp beyond a durably recorded high-water is ever
// handed out.
func (o *Oracle) Next(ctx context.Context) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	candidate := o.last + 1
	if candidate > o.rangeHighWater {
		newHighWater := o.rangeHighWater + o.rangeSize
		if candidate > newHighWater {
			// Should not happen with rangeSize >= 1, but guard against a
			// misconfigured rangeSize smaller than one allocation's jump.
			newHighWater = candidate
		}
		done := o.alloc.AddRecord(ctx, journal.EncodeRange(newHighWater))
		select {
		case err := <-done:
			if err != nil {
				return 0, errors.Wrap(ErrRangeReservationFailed, err.Error())
			}
		case <-ctx.Done():
			return 0, errors.Wrap(ErrRangeReservationFailed, ctx.Err().Error())
		}
		o.rangeHighWater = newHighWater
	}

	o.last = candidate
	return o.last, nil
}

// First returns the counter value at which this epoch began, used to
// anchor the uncommitted set's bucket window.
func (o *Oracle) First() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.epoch
}

// Get returns the last allocated timestamp without advancing the counter.
func (o *Oracle) Get() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}
