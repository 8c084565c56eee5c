// Package journal implements the state journal (WAL) of component D: an
// append-only log that batches mutation records and only acknowledges them
// once durable, so the transaction state machine can honor "persist before
// reply" (spec §4.5).
package journal

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"

	"tso/pkg/config"
	"tso/pkg/metrics"
)

// ErrUnavailable is returned by AddRecord (via its completion channel) when
// the journal cannot persist a batch — spec §7's JournalUnavailable, always
// treated as fatal by the caller.
var ErrUnavailable = errors.New("journal: unavailable, cannot persist record")

// Journal is the contract component E depends on. Implementations must
// guarantee that a completion fires only once the record is durable, and
// that completions for records in the same append order fire in that same
// order (spec §5's ordering guarantee).
type Journal interface {
	Initialize(ctx context.Context) error
	AddRecord(ctx context.Context, record []byte) <-chan error
	Shutdown()
}

// pendingWrite is one buffered append awaiting its flush.
type pendingWrite struct {
	record []byte
	done   chan error
}

// FileJournal is the production Journal: an append-only file, written by a
// single background goroutine that batches records up to cfg.BatchSize
// bytes or cfg.FlushTimeout, whichever comes first — the same
// channel-driven actor shape the reference codebase uses for its
// transaction executor, generalized here to batched durable writes instead
// of a single in-memory apply.
type FileJournal struct {
	cfg  config.Config
	path string
	rec  *metrics.Recorder

	file *os.File

	writeCh chan pendingWrite
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewFileJournal constructs a FileJournal for the given path. Initialize
// must be called before use.
func NewFileJournal(cfg config.Config, path string) *FileJournal {
	return &FileJournal{
		cfg:     cfg,
		path:    path,
		writeCh: make(chan pendingWrite),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// SetRecorder attaches a metrics recorder. Must be called before
// Initialize; a nil recorder (the default) makes every metric call a
// no-op.
func (j *FileJournal) SetRecorder(rec *metrics.Recorder) {
	j.rec = rec
}

func (j *FileJournal) Initialize(ctx context.Context) error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrapf(err, "opening journal file %q", j.path)
	}
	j.file = f
	go j.run()
	return nil
}

func (j *FileJournal) AddRecord(ctx context.Context, record []byte) <-chan error {
	done := make(chan error, 1)
	select {
	case j.writeCh <- pendingWrite{record: record, done: done}:
	case <-ctx.Done():
		done <- ctx.Err()
	case <-j.stopCh:
		done <- ErrUnavailable
	}
	return done
}

func (j *FileJournal) Shutdown() {
	close(j.stopCh)
	<-j.doneCh
	if j.file != nil {
		_ = j.file.Close()
	}
}

func (j *FileJournal) run() {
	defer close(j.doneCh)

	var batch []pendingWrite
	var batchBytes int
	timer := time.NewTimer(j.cfg.FlushTimeout)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		err := j.writeBatch(batch)
		for _, pw := range batch {
			pw.done <- err
		}
		batch = batch[:0]
		batchBytes = 0
		j.rec.SetJournalInFlightBytes(0)
	}

	for {
		select {
		case pw := <-j.writeCh:
			batch = append(batch, pw)
			batchBytes += len(pw.record)
			j.rec.SetJournalInFlightBytes(batchBytes)
			if batchBytes >= j.cfg.BatchSize {
				flush()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(j.cfg.FlushTimeout)
			}
		case <-timer.C:
			flush()
			timer.Reset(j.cfg.FlushTimeout)
		case <-j.stopCh:
			flush()
			return
		}
	}
}

// writeBatch frames each record with a 4-byte big-endian length prefix and
// fsyncs once for the whole batch.
func (j *FileJournal) writeBatch(batch []pendingWrite) error {
	var buf []byte
	for _, pw := range batch {
		var lenPrefix [4]byte
		binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(pw.record)))
		buf = append(buf, lenPrefix[:]...)
		buf = append(buf, pw.record...)
	}
	if _, err := j.file.Write(buf); err != nil {
		return errors.Wrapf(ErrUnavailable, "writing journal batch: %v", err)
	}
	if err := j.file.Sync(); err != nil {
		return errors.Wrapf(ErrUnavailable, "syncing journal batch: %v", err)
	}
	return nil
}

// RecoveryState is the result of replaying a journal on startup (spec
// §4.5).
type RecoveryState struct {
	Commits   map[uint64]uint64 // Ts -> Tc
	Aborted   map[uint64]bool   // Ts -> ABORT record seen (written at half-abort)
	Live      map[uint64]bool   // Ts with no terminal record yet
	Watermark uint64            // last LOW_WATERMARK_ADVANCE seen, if any
	MaxTc     uint64            // largest Tc ever seen in a COMMIT record
	MaxRange  uint64            // largest RANGE high-water seen
}

// Replay reads path in order and reconstructs the state needed to resume an
// epoch. It tolerates a missing file (fresh start).
func Replay(path string) (RecoveryState, error) {
	state := RecoveryState{
		Commits: make(map[uint64]uint64),
		Aborted: make(map[uint64]bool),
		Live:    make(map[uint64]bool),
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return state, nil
	}
	if err != nil {
		return RecoveryState{}, errors.Wrapf(err, "opening journal file %q for replay", path)
	}
	defer f.Close()

	var lenPrefix [4]byte
	for {
		if _, err := io.ReadFull(f, lenPrefix[:]); err != nil {
			break // EOF or a truncated tail write; skip unused tail per §4.1
		}
		n := binary.BigEndian.Uint32(lenPrefix[:])
		body := make([]byte, n)
		if _, err := io.ReadFull(f, body); err != nil {
			break
		}
		rec, err := Decode(body)
		if err != nil {
			return RecoveryState{}, err
		}
		applyRecord(&state, rec)
	}
	return state, nil
}

func applyRecord(state *RecoveryState, rec Record) {
	switch rec.Tag {
	case TagRange:
		if rec.L > state.MaxRange {
			state.MaxRange = rec.L
		}
	case TagBegin:
		state.Live[rec.Ts] = true
	case TagCommit:
		state.Commits[rec.Ts] = rec.Tc
		delete(state.Live, rec.Ts)
		if rec.Tc > state.MaxTc {
			state.MaxTc = rec.Tc
		}
	case TagAbort:
		state.Aborted[rec.Ts] = true
		delete(state.Live, rec.Ts)
	case TagWatermarkAdvance:
		if rec.L > state.Watermark {
			state.Watermark = rec.L
		}
	}
}

