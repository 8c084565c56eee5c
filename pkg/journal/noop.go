package journal

import "context"

// NoopJournal acks every record immediately without persisting it. Spec
// §4.5 explicitly permits this for testing; tso.New (as opposed to
// tso.Open) uses it when no journal path is configured.
type NoopJournal struct{}

func (NoopJournal) Initialize(ctx context.Context) error { return nil }

func (NoopJournal) AddRecord(ctx context.Context, record []byte) <-chan error {
	done := make(chan error, 1)
	done <- nil
	return done
}

func (NoopJournal) Shutdown() {}
