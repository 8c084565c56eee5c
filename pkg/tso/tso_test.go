package tso

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tso/pkg/config"
	"tso/pkg/journal"
)

func newTestTSO(t *testing.T, cfg config.Config) *TSO {
	t.Helper()
	tt := New(cfg)
	t.Cleanup(tt.Shutdown)
	return tt
}

func smallCfg() config.Config {
	cfg := config.Default
	cfg.MaxItems = 100
	cfg.MaxCommits = 100
	return cfg
}

// S1 — clean commit.
func TestCleanCommit(t *testing.T) {
	ctx := context.Background()
	tt := newTestTSO(t, smallCfg())

	ts, err := tt.Begin(ctx)
	require.NoError(t, err)

	h1, h2 := FingerprintCell("t", "r1", "cf", "q"), FingerprintCell("t", "r2", "cf", "q")
	res, err := tt.Commit(ctx, ts, []uint64{h1, h2})
	require.NoError(t, err)
	assert.Greater(t, res.CommitTs, ts)

	tc1, ok := tt.commits.GetLatestWrite(h1)
	require.True(t, ok)
	assert.Equal(t, res.CommitTs, tc1)
	tc2, ok := tt.commits.GetLatestWrite(h2)
	require.True(t, ok)
	assert.Equal(t, res.CommitTs, tc2)
}

// S2 — write-write conflict: a later-ordered commit wins, the
// earlier-started one aborts with ConflictDetected.
func TestWriteWriteConflict(t *testing.T) {
	ctx := context.Background()
	tt := newTestTSO(t, smallCfg())

	tsA, err := tt.Begin(ctx)
	require.NoError(t, err)
	tsB, err := tt.Begin(ctx)
	require.NoError(t, err)

	h1 := FingerprintCell("t", "r1", "cf", "q")

	resB, err := tt.Commit(ctx, tsB, []uint64{h1})
	require.NoError(t, err)
	assert.Greater(t, resB.CommitTs, tsB)

	_, err = tt.Commit(ctx, tsA, []uint64{h1})
	assert.ErrorIs(t, err, ErrConflictDetected)
}

// S3 — stale transaction after eviction.
func TestStaleTransactionAfterEviction(t *testing.T) {
	ctx := context.Background()
	cfg := smallCfg()
	cfg.MaxItems = 1 // force eviction on the second distinct cell
	tt := newTestTSO(t, cfg)

	ts1, err := tt.Begin(ctx)
	require.NoError(t, err)
	h1 := FingerprintCell("t", "r1", "cf", "q")
	res1, err := tt.Commit(ctx, ts1, []uint64{h1})
	require.NoError(t, err)

	ts2, err := tt.Begin(ctx)
	require.NoError(t, err)
	h2 := FingerprintCell("t", "r2", "cf", "q")
	res2, err := tt.Commit(ctx, ts2, []uint64{h2})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, tt.LowWatermark(), res1.CommitTs)
	assert.Less(t, res1.CommitTs, res2.CommitTs)

	h3 := FingerprintCell("t", "r3", "cf", "q")
	_, err = tt.Commit(ctx, ts1, []uint64{h3})
	assert.ErrorIs(t, err, ErrStaleTransaction)
}

// S4 — half-abort blocks until full-abort, then the cell is free again.
// The blocking cell here carries a pure half-abort sentinel (no real
// committed entry), so the test isolates the "blocks unconditionally
// until fullAbort" behavior from ordinary Tc-ordering conflicts.
func TestHalfAbortBlocksUntilFullAbort(t *testing.T) {
	ctx := context.Background()
	cfg := smallCfg()
	cfg.MaxItems = 1 // forces eviction, and with it a StaleTransaction half-abort
	tt := newTestTSO(t, cfg)
	h := FingerprintCell("t", "blocked", "cf", "q")

	tsStale, err := tt.Begin(ctx)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ts, err := tt.Begin(ctx)
		require.NoError(t, err)
		cell := FingerprintCell("t", fmt.Sprintf("filler-%d", i), "cf", "q")
		_, err = tt.Commit(ctx, ts, []uint64{cell})
		require.NoError(t, err)
	}
	require.Greater(t, tt.LowWatermark(), tsStale)

	_, err = tt.Commit(ctx, tsStale, []uint64{h})
	require.ErrorIs(t, err, ErrStaleTransaction)

	tsLater, err := tt.Begin(ctx)
	require.NoError(t, err)
	_, err = tt.Commit(ctx, tsLater, []uint64{h})
	assert.ErrorIs(t, err, ErrConflictDetected, "h must stay blocked until fullAbort(tsStale), even for a later-started transaction")

	require.NoError(t, tt.FullAbort(ctx, tsStale))

	tsFinal, err := tt.Begin(ctx)
	require.NoError(t, err)
	res, err := tt.Commit(ctx, tsFinal, []uint64{h})
	require.NoError(t, err)
	assert.Greater(t, res.CommitTs, tsFinal)
}

// S5 — journal fail-fast: once the journal can't persist, the TSO closes
// and every subsequent call observes the fatal error.
func TestJournalFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	tt := newTestTSO(t, smallCfg())
	tt.journal = failingJournal{}

	ts, err := tt.Begin(ctx)
	require.NoError(t, err)

	_, err = tt.Commit(ctx, ts, []uint64{FingerprintCell("t", "r1", "cf", "q")})
	assert.Error(t, err)

	_, err = tt.Begin(ctx)
	assert.ErrorIs(t, err, journal.ErrUnavailable)
}

type failingJournal struct{}

func (failingJournal) Initialize(ctx context.Context) error { return nil }
func (failingJournal) AddRecord(ctx context.Context, record []byte) <-chan error {
	done := make(chan error, 1)
	done <- errors.New("simulated disk failure")
	return done
}
func (failingJournal) Shutdown() {}

// S6 — recovery: after a crash, the watermark and oracle resume point are
// restored and a stale commit attempt against pre-crash state is rejected.
func TestRecoveryResumesSafely(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")
	ctx := context.Background()

	cfg := smallCfg()
	cfg.JournalPath = path
	cfg.FlushTimeout = 5 * time.Millisecond

	tt, err := Open(ctx, cfg)
	require.NoError(t, err)

	ts1, err := tt.Begin(ctx)
	require.NoError(t, err)
	h1 := FingerprintCell("t", "r1", "cf", "q")
	res1, err := tt.Commit(ctx, ts1, []uint64{h1})
	require.NoError(t, err)

	tt.Shutdown()

	tt2, err := Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(tt2.Shutdown)

	assert.GreaterOrEqual(t, tt2.LowWatermark(), res1.CommitTs)

	tsAfter, err := tt2.Begin(ctx)
	require.NoError(t, err)
	assert.Greater(t, tsAfter, res1.CommitTs)

	_, err = tt2.Commit(ctx, ts1, []uint64{h1})
	assert.ErrorIs(t, err, ErrStaleTransaction)
}

func TestWatchLowWatermarkUnblocksOnAdvance(t *testing.T) {
	ctx := context.Background()
	cfg := smallCfg()
	cfg.MaxItems = 1
	tt := newTestTSO(t, cfg)

	ts1, err := tt.Begin(ctx)
	require.NoError(t, err)
	res1, err := tt.Commit(ctx, ts1, []uint64{FingerprintCell("t", "r1", "cf", "q")})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- tt.WatchLowWatermark(ctx, res1.CommitTs)
	}()

	ts2, err := tt.Begin(ctx)
	require.NoError(t, err)
	_, err = tt.Commit(ctx, ts2, []uint64{FingerprintCell("t", "r2", "cf", "q")})
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WatchLowWatermark did not unblock after watermark advanced")
	}
}

// S7 — the uncommitted window actually slides as Begin issues new start
// timestamps (raiseLowestBucket wiring, property 5): a transaction begun
// and never resolved must eventually be recycled out of C rather than
// pinning its memory forever, and C's Len() must never grow unbounded.
func TestBeginSlidesUncommittedWindowAndRecyclesOrphans(t *testing.T) {
	ctx := context.Background()
	cfg := smallCfg()
	cfg.MaxCommits = 4 // tiny window: a handful of Begins forces a slide
	tt := newTestTSO(t, cfg)

	orphan, err := tt.Begin(ctx)
	require.NoError(t, err)
	assert.True(t, tt.uncommitted.IsUncommitted(orphan))

	for i := 0; i < 200; i++ {
		_, err := tt.Begin(ctx)
		require.NoError(t, err)
		assert.LessOrEqual(t, tt.uncommitted.Len(), 4, "window capacity must stay bounded even though nothing here ever resolves")
	}

	assert.False(t, tt.uncommitted.IsUncommitted(orphan), "orphan must have been recycled out of the window")
}

// S8 — recovery restores C's pre-crash liveness: a transaction begun but
// never committed or aborted before a crash re-enters the uncommitted set
// on Open, per §4.5 and property 7.
func TestRecoveryRestoresLiveUncommitted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")
	ctx := context.Background()

	cfg := smallCfg()
	cfg.JournalPath = path
	cfg.FlushTimeout = 5 * time.Millisecond

	tt, err := Open(ctx, cfg)
	require.NoError(t, err)

	live, err := tt.Begin(ctx)
	require.NoError(t, err)

	resolved, err := tt.Begin(ctx)
	require.NoError(t, err)
	_, err = tt.Commit(ctx, resolved, []uint64{FingerprintCell("t", "r1", "cf", "q")})
	require.NoError(t, err)

	tt.Shutdown()

	tt2, err := Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(tt2.Shutdown)

	assert.True(t, tt2.uncommitted.IsUncommitted(live), "begun-but-unresolved Ts must be restored as live")
	assert.False(t, tt2.uncommitted.IsUncommitted(resolved), "committed Ts must not reappear as live")
}

func TestWatchLowWatermarkRespectsContextCancellation(t *testing.T) {
	tt := newTestTSO(t, smallCfg())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := tt.WatchLowWatermark(ctx, ^uint64(0))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
