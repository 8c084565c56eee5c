// Package tso implements the transaction state machine of component E,
// orchestrating begin/commit/fullAbort against the timestamp oracle (A),
// commit hash map (B), uncommitted set (C) and state journal (D) per the
// core protocol.
package tso

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tso/pkg/commitmap"
	"tso/pkg/config"
	"tso/pkg/journal"
	"tso/pkg/metrics"
	"tso/pkg/oracle"
	"tso/pkg/uncommitted"
)

// CommitResult is the outcome of a successful commit. Only valid when the
// accompanying error is nil.
type CommitResult struct {
	CommitTs uint64
}

// request is the unit of work submitted to the single state-executor
// goroutine. Each public method builds one, sends it over reqCh, and
// blocks on the closure's own completion signal — the same
// channel-actor shape as the reference codebase's TxnExecutor, generalized
// from "apply one batch" to "apply one request of any kind".
type request func()

// TSO owns components A-D for the lifetime of one epoch. All mutation of
// those components happens on the single run() goroutine; every exported
// method is a thin client that submits work to it and waits for a reply.
type TSO struct {
	cfg config.Config
	log *zap.Logger
	rec *metrics.Recorder

	oracle      *oracle.Oracle
	commits     *commitmap.Map
	uncommitted *uncommitted.Set
	journal     journal.Journal

	// watermark is the authoritative low watermark L, touched only from
	// run(). wmPub/wmMu/advanceCh publish it to callers outside
	// the executor (LowWatermark, WatchLowWatermark).
	watermark uint64

	wmMu      sync.Mutex
	wmPub     uint64
	advanceCh chan struct{}

	reqCh  chan request
	stopCh chan struct{}
	doneCh chan struct{}

	fatalMu  sync.Mutex
	fatalErr error
	fatalCh  chan struct{}
}

// Option configures optional dependencies at construction.
type Option func(*TSO)

// WithLogger overrides the default zap logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *TSO) { t.log = l }
}

// WithMetrics attaches a metrics recorder. Omit for no instrumentation.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(t *TSO) { t.rec = rec }
}

// New starts a fresh epoch with an in-memory NoopJournal — suitable for
// tests and for Config.JournalPath == "".
func New(cfg config.Config, opts ...Option) *TSO {
	return newTSO(cfg, journal.NoopJournal{}, 0, 0, 0, nil, opts...)
}

// Open starts (or resumes) an epoch backed by a durable FileJournal at
// cfg.JournalPath, replaying its tail first. Per §4.5, B's per-cell
// entries are not reconstructed from the journal — the wire format
// records only (Ts, Tc) pairs, not write sets — so recovery instead
// folds every pre-crash commit into the low watermark: L resumes at
// max(persisted watermark checkpoint, largest Tc ever committed). Any
// transaction whose Ts is below that value therefore takes the
// StaleTransaction branch instead of risking a false "no conflict" — the
// same conservative behavior normal eviction provides, just applied in
// bulk at startup (spec §8 property 4).
//
// C's pre-crash liveness is restored from surviving BEGIN records
// (state.Live): the uncommitted set's window is anchored at the oldest
// live timestamp instead of at resumeFrom, provided that still leaves
// room for resumeFrom itself inside the window (new begins issue from
// there onward). If the oldest live timestamp predates what the window
// can cover alongside resumeFrom, it is left unrestored rather than
// shrinking the window new transactions need — the same bounded-capacity
// tradeoff raiseLowestBucket already makes in normal operation.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*TSO, error) {
	// Options may carry a metrics recorder the journal needs before
	// construction; apply them to a throwaway TSO first to read it back
	// out (newTSO re-applies opts to the real instance below).
	stub := &TSO{}
	for _, opt := range opts {
		opt(stub)
	}

	state, err := journal.Replay(cfg.JournalPath)
	if err != nil {
		return nil, errors.Wrap(err, "replaying journal")
	}

	fj := journal.NewFileJournal(cfg, cfg.JournalPath)
	fj.SetRecorder(stub.rec)
	if err := fj.Initialize(ctx); err != nil {
		return nil, errors.Wrap(err, "initializing journal")
	}

	resumeFrom := state.MaxRange
	if state.MaxTc > resumeFrom {
		resumeFrom = state.MaxTc
	}
	initialWatermark := state.Watermark
	if state.MaxTc > initialWatermark {
		initialWatermark = state.MaxTc
	}

	var liveTs []uint64
	haveLive := false
	var minLive uint64
	for ts := range state.Live {
		liveTs = append(liveTs, ts)
		if !haveLive || ts < minLive {
			minLive = ts
			haveLive = true
		}
	}
	uncommittedEpoch := resumeFrom
	if haveLive {
		candidate := minLive
		if candidate > resumeFrom {
			candidate = resumeFrom
		}
		if uncommitted.New(candidate, cfg.MaxCommits).InWindow(resumeFrom) {
			uncommittedEpoch = candidate
		}
	}

	return newTSO(cfg, fj, resumeFrom, initialWatermark, uncommittedEpoch, liveTs, opts...), nil
}

func newTSO(cfg config.Config, j journal.Journal, resumeFrom, initialWatermark, uncommittedEpoch uint64, liveTs []uint64, opts ...Option) *TSO {
	t := &TSO{
		cfg:         cfg,
		log:         zap.NewNop(),
		oracle:      oracle.New(j, cfg.RangeSize, resumeFrom),
		commits:     commitmap.New(cfg.MaxItems),
		uncommitted: uncommitted.New(uncommittedEpoch, cfg.MaxCommits),
		journal:     j,
		watermark:   initialWatermark,
		wmPub:       initialWatermark,
		advanceCh:   make(chan struct{}),
		reqCh:       make(chan request),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		fatalCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	for _, ts := range liveTs {
		t.uncommitted.Start(ts)
	}
	t.rec.SetLowWatermark(initialWatermark)
	go t.run()
	return t
}

// Shutdown stops accepting new work, drains in-flight requests, and
// closes the journal.
func (t *TSO) Shutdown() {
	close(t.stopCh)
	<-t.doneCh
	t.journal.Shutdown()
}

func (t *TSO) run() {
	defer close(t.doneCh)
	for {
		select {
		case req := <-t.reqCh:
			req()
		case <-t.stopCh:
			return
		}
	}
}

// submit enqueues req and blocks until the executor has run it, or
// returns ErrClosed immediately if the TSO already took a fatal error.
func (t *TSO) submit(ctx context.Context, req request) error {
	if err := t.checkFatal(); err != nil {
		return err
	}
	done := make(chan struct{})
	wrapped := func() {
		req()
		close(done)
	}
	select {
	case t.reqCh <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.stopCh:
		return ErrClosed
	case <-t.fatalCh:
		return t.checkFatal()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.fatalCh:
		return t.checkFatal()
	}
}

func (t *TSO) checkFatal() error {
	t.fatalMu.Lock()
	defer t.fatalMu.Unlock()
	return t.fatalErr
}

// fatal records an unrecoverable failure and permanently stops releasing
// replies, per §7: JournalUnavailable and OracleRangeFailure cascade.
func (t *TSO) fatal(err error) {
	t.fatalMu.Lock()
	defer t.fatalMu.Unlock()
	if t.fatalErr != nil {
		return
	}
	t.fatalErr = err
	t.log.Error("tso: fatal error, terminating epoch", zap.Error(err))
	close(t.fatalCh)
}

// Begin allocates a fresh start timestamp and marks it live. Allocating
// next also slides C's bucket window forward (raiseLowestBucket, spec
// §4.3): any timestamp the window recycles past without ever seeing a
// commit or abort is a zombie — begun, then abandoned without a
// fullAbort — and is force-resolved here with an abort record and metric,
// since otherwise it would stay "live" in C forever despite the window
// having no room left to track it. Neither that record nor ts's own BEGIN
// record gates this reply the way Commit/Abort's do: losing either to a
// narrow crash window only costs recovery some liveness fidelity, never
// commit safety, since Commit's conflict check never consults C (see
// DESIGN.md).
func (t *TSO) Begin(ctx context.Context) (uint64, error) {
	var ts uint64
	var opErr error
	err := t.submit(ctx, func() {
		next, err := t.oracle.Next(ctx)
		if err != nil {
			opErr = errors.Wrap(err, "allocating start timestamp")
			t.fatal(opErr)
			return
		}
		for _, orphan := range t.uncommitted.RaiseLowestBucket(next) {
			t.rec.RecordAbort(metrics.ReasonStale)
			t.journalAsync(journal.EncodeAbort(orphan))
		}
		t.uncommitted.Start(next)
		t.rec.SetLastIssuedTimestamp(next)
		t.journalAsync(journal.EncodeBegin(next))
		ts = next
	})
	if err != nil {
		return 0, err
	}
	return ts, opErr
}

// journalAsync persists record without gating any client reply on its
// durability — the watermark checkpoint, BEGIN records, and the forced
// aborts raiseLowestBucket produces are all recovery-fidelity
// optimizations, not correctness-load-bearing the way a COMMIT/ABORT
// reply's record is. A persist failure here is still fatal, exactly as it
// is on the synchronous path.
func (t *TSO) journalAsync(record []byte) {
	ack := t.journal.AddRecord(context.Background(), record)
	go func() {
		if err := <-ack; err != nil {
			t.fatal(errors.Wrap(journal.ErrUnavailable, err.Error()))
		}
	}()
}

// Commit attempts to commit the transaction started at ts against
// writeSet. On success it returns a CommitResult carrying the assigned
// commit timestamp with a nil error. ErrConflictDetected and
// ErrStaleTransaction are expected outcomes, not failures — callers
// should surface them to clients as "Aborted", not log them as warnings.
// In every case the reply is held until the journal record for the
// outcome (COMMIT or ABORT) has been acknowledged durable (spec §4.4).
func (t *TSO) Commit(ctx context.Context, ts uint64, writeSet []uint64) (CommitResult, error) {
	var ackCh <-chan error
	var onAck func(error) (CommitResult, error)

	err := t.submit(ctx, func() {
		if ts < t.watermark {
			t.commits.SetHalfAborted(ts, writeSet)
			t.uncommitted.Abort(ts)
			t.rec.RecordAbort(metrics.ReasonStale)
			ackCh = t.journal.AddRecord(ctx, journal.EncodeAbort(ts))
			onAck = t.abortAckHandler(ErrStaleTransaction)
			return
		}
		for _, cell := range writeSet {
			if prev, ok := t.commits.GetLatestWrite(cell); ok && prev > ts {
				t.commits.SetHalfAborted(ts, writeSet)
				t.uncommitted.Abort(ts)
				t.rec.RecordAbort(metrics.ReasonConflict)
				ackCh = t.journal.AddRecord(ctx, journal.EncodeAbort(ts))
				onAck = t.abortAckHandler(ErrConflictDetected)
				return
			}
		}

		tc, oerr := t.oracle.Next(ctx)
		if oerr != nil {
			wrapped := errors.Wrap(oerr, "allocating commit timestamp")
			t.fatal(wrapped)
			ackCh, onAck = nil, func(error) (CommitResult, error) { return CommitResult{}, wrapped }
			return
		}
		if evictedTc, evicted := t.commits.SetCommittedTimestamp(ts, tc, writeSet); evicted {
			t.advanceWatermark(evictedTc)
		}
		t.uncommitted.Committed(ts)
		t.rec.RecordCommit()
		t.rec.SetLastIssuedTimestamp(tc)

		ackCh = t.journal.AddRecord(ctx, journal.EncodeCommit(ts, tc))
		onAck = func(ackErr error) (CommitResult, error) {
			if ackErr != nil {
				wrapped := errors.Wrap(journal.ErrUnavailable, ackErr.Error())
				t.fatal(wrapped)
				return CommitResult{}, wrapped
			}
			return CommitResult{CommitTs: tc}, nil
		}
	})
	if err != nil {
		return CommitResult{}, err
	}
	if ackCh == nil {
		return onAck(nil)
	}
	return onAck(<-ackCh)
}

// abortAckHandler returns the conflict/stale outcome's ack handler: the
// reply surfaces reason (an expected-outcome sentinel) once the ABORT
// record is durable, or escalates to fatal if it could not be persisted.
func (t *TSO) abortAckHandler(reason error) func(error) (CommitResult, error) {
	return func(ackErr error) (CommitResult, error) {
		if ackErr != nil {
			wrapped := errors.Wrap(journal.ErrUnavailable, ackErr.Error())
			t.fatal(wrapped)
			return CommitResult{}, wrapped
		}
		return CommitResult{}, reason
	}
}

// FullAbort records that the client has acknowledged ts's abort, allowing
// B to purge its half-abort entries. Idempotent; no journal record is
// required since the half-abort is already durable.
func (t *TSO) FullAbort(ctx context.Context, ts uint64) error {
	return t.submit(ctx, func() {
		t.commits.SetFullAborted(ts)
	})
}

// LowWatermark returns the current low watermark L without going through
// the executor queue.
func (t *TSO) LowWatermark() uint64 {
	t.wmMu.Lock()
	defer t.wmMu.Unlock()
	return t.wmPub
}

// WatchLowWatermark blocks until LowWatermark() >= atLeast or ctx is done.
func (t *TSO) WatchLowWatermark(ctx context.Context, atLeast uint64) error {
	for {
		t.wmMu.Lock()
		if t.wmPub >= atLeast {
			t.wmMu.Unlock()
			return nil
		}
		ch := t.advanceCh
		t.wmMu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// advanceWatermark must only be called from within the executor. It
// updates the authoritative watermark, publishes it to
// LowWatermark/WatchLowWatermark readers, and best-effort checkpoints it
// to the journal — Open already falls back to the largest committed Tc if
// this checkpoint is missing or stale, so it never gates the reply that
// triggered this advance.
func (t *TSO) advanceWatermark(l uint64) {
	if l <= t.watermark {
		return
	}
	t.watermark = l

	t.wmMu.Lock()
	t.wmPub = l
	close(t.advanceCh)
	t.advanceCh = make(chan struct{})
	t.wmMu.Unlock()

	t.rec.SetLowWatermark(l)
	t.journalAsync(journal.EncodeWatermarkAdvance(l))
}
