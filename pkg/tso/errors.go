package tso

import "github.com/pkg/errors"

// Expected commit outcomes. Never wrapped — callers compare with
// errors.Is and log them at most at debug level (spec §7).
var (
	ErrConflictDetected = errors.New("tso: conflict detected against a later commit")
	ErrStaleTransaction = errors.New("tso: start timestamp is below the low watermark")
)

// ErrClosed is returned by every operation once the TSO has taken a fatal
// error and stopped releasing replies (spec §7: JournalUnavailable and
// OracleRangeFailure cascade, no further replies are released).
var ErrClosed = errors.New("tso: epoch terminated after a fatal error")
