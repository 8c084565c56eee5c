// Package uncommitted implements the uncommitted set of component C: a
// fixed-size ring of bitmap buckets tracking every start timestamp that has
// begun but not yet been observed committed or aborted.
package uncommitted

import "math/bits"

const wordBits = 64

// bucket is a word-bitmap covering [base, base+bucketSize) start
// timestamps, one bit per timestamp.
type bucket struct {
	base uint64
	bits []uint64
}

// Set is the bucketed bitmap described by spec §4.3. It is not safe for
// concurrent use; like commitmap.Map it relies on the single-writer
// executor in pkg/tso for mutual exclusion.
type Set struct {
	bucketSize uint64 // timestamps per bucket, power of two
	buckets    []bucket
	lowest     int // index of the logically-oldest bucket (ring head)
	live       int // count of set bits, for Len/metrics
}

// New builds a Set anchored at epoch (typically the oracle's first()
// value), sized from maxCommits per the spec's "bucketSize and
// bucketNumber rounded up to powers of two derived from MAX_COMMITS" rule.
// Roughly sqrt(maxCommits) buckets of roughly sqrt(maxCommits) timestamps
// each keeps both dimensions small while covering maxCommits outstanding
// transactions before a bucket must be recycled.
func New(epoch uint64, maxCommits int) *Set {
	if maxCommits < 1 {
		maxCommits = 1
	}
	bucketSize := nextPow2(uint64(isqrt(maxCommits)))
	if bucketSize == 0 {
		bucketSize = 1
	}
	bucketNumber := nextPow2(uint64((maxCommits + int(bucketSize) - 1) / int(bucketSize)))
	if bucketNumber == 0 {
		bucketNumber = 1
	}

	base := epoch - (epoch % bucketSize)
	buckets := make([]bucket, bucketNumber)
	words := (bucketSize + wordBits - 1) / wordBits
	for i := range buckets {
		buckets[i] = bucket{
			base: base + uint64(i)*bucketSize,
			bits: make([]uint64, words),
		}
	}
	return &Set{bucketSize: bucketSize, buckets: buckets}
}

// Start marks ts as live. ts must fall within the Set's current window
// (raiseLowestBucket must have been called for any ts below it); Start is
// a no-op for timestamps outside every bucket's range, since such a
// timestamp is already known resolved by construction.
func (s *Set) Start(ts uint64) {
	bi, word, bit, ok := s.locate(ts)
	if !ok {
		return
	}
	b := &s.buckets[bi]
	if b.bits[word]&(1<<bit) == 0 {
		b.bits[word] |= 1 << bit
		s.live++
	}
}

// Abort clears ts's bit (transaction resolved via half/full abort).
func (s *Set) Abort(ts uint64) { s.clear(ts) }

// Committed clears ts's bit (transaction resolved via commit).
func (s *Set) Committed(ts uint64) { s.clear(ts) }

func (s *Set) clear(ts uint64) {
	bi, word, bit, ok := s.locate(ts)
	if !ok {
		return
	}
	b := &s.buckets[bi]
	if b.bits[word]&(1<<bit) != 0 {
		b.bits[word] &^= 1 << bit
		s.live--
	}
}

// IsUncommitted reports whether ts has begun and not yet resolved. A
// timestamp below the window's lowest bucket is reported false: any
// transaction that old has necessarily already been raised out by
// RaiseLowestBucket, which forces its resolution by the caller first.
func (s *Set) IsUncommitted(ts uint64) bool {
	bi, word, bit, ok := s.locate(ts)
	if !ok {
		return false
	}
	return s.buckets[bi].bits[word]&(1<<bit) != 0
}

// RaiseLowestBucket advances the window so that ts falls within the
// highest bucket, recycling (and re-basing) every bucket that ages out in
// the process. It returns the start timestamps that were still marked
// live in recycled buckets — the caller (pkg/tso) must resolve these
// (it records an ABORT for each) since the spec treats recycled bits as
// "long resolved" only once the caller has accounted for them.
func (s *Set) RaiseLowestBucket(ts uint64) []uint64 {
	var orphaned []uint64
	n := len(s.buckets)
	windowSize := uint64(n) * s.bucketSize

	for {
		lowestBase := s.buckets[s.lowest].base
		if ts < lowestBase+windowSize {
			return orphaned
		}
		b := &s.buckets[s.lowest]
		for wi, word := range b.bits {
			for word != 0 {
				bit := bits.TrailingZeros64(word)
				orphaned = append(orphaned, b.base+uint64(wi)*wordBits+uint64(bit))
				s.live--
				word &^= 1 << uint(bit)
			}
		}
		for i := range b.bits {
			b.bits[i] = 0
		}
		b.base = lowestBase + windowSize
		s.lowest = (s.lowest + 1) % n
	}
}

// Len reports the number of currently live (uncommitted) timestamps.
func (s *Set) Len() int { return s.live }

// InWindow reports whether ts currently falls within the Set's bucket
// range. Used by recovery to check whether a chosen epoch still leaves
// room for the oracle's resume point before anchoring the window to an
// older, restored live timestamp.
func (s *Set) InWindow(ts uint64) bool {
	_, _, _, ok := s.locate(ts)
	return ok
}

// locate maps ts to its (bucket index, word index, bit index), returning
// ok=false if ts falls outside every bucket's current range.
func (s *Set) locate(ts uint64) (bucketIdx, word, bit int, ok bool) {
	n := len(s.buckets)
	windowSize := uint64(n) * s.bucketSize
	lowestBase := s.buckets[s.lowest].base
	if ts < lowestBase || ts >= lowestBase+windowSize {
		return 0, 0, 0, false
	}
	offset := ts - lowestBase
	slot := (s.lowest + int(offset/s.bucketSize)) % n
	within := offset % s.bucketSize
	return slot, int(within / wordBits), int(within % wordBits), true
}

func nextPow2(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

func isqrt(n int) int {
	if n < 2 {
		return n
	}
	x := n
	y := (x + 1) / 2
	for y < x {
		x = y
		y = (x + n/x) / 2
	}
	return x
}
