// Package metrics wires the transaction state machine's observable state
// onto a caller-supplied Prometheus registry. Nothing here registers on
// the global default registry, so a Recorder can be embedded in tests or
// multiple TSO instances within one process without collision.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder holds every metric pkg/tso reports. A nil *Recorder is valid:
// every method on it is a no-op, so instrumentation stays optional.
type Recorder struct {
	lowWatermark    prometheus.Gauge
	lastIssuedTs    prometheus.Gauge
	journalInFlight prometheus.Gauge
	commits         prometheus.Counter
	abortsByReason  *prometheus.CounterVec
}

// New builds a Recorder and registers its collectors on reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		lowWatermark: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tso",
			Name:      "low_watermark",
			Help:      "Largest commit timestamp ever evicted from the commit hash map.",
		}),
		lastIssuedTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tso",
			Name:      "last_issued_timestamp",
			Help:      "Most recent timestamp handed out by the oracle.",
		}),
		journalInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tso",
			Name:      "journal_inflight_batch_bytes",
			Help:      "Bytes buffered in the journal's current unflushed batch.",
		}),
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tso",
			Name:      "commits_total",
			Help:      "Transactions that reached the Committed state.",
		}),
		abortsByReason: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tso",
			Name:      "aborts_total",
			Help:      "Transactions that reached the Aborted state, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(r.lowWatermark, r.lastIssuedTs, r.journalInFlight, r.commits, r.abortsByReason)
	return r
}

const (
	ReasonConflict = "conflict"
	ReasonStale    = "stale"
)

func (r *Recorder) SetLowWatermark(l uint64) {
	if r == nil {
		return
	}
	r.lowWatermark.Set(float64(l))
}

func (r *Recorder) SetLastIssuedTimestamp(ts uint64) {
	if r == nil {
		return
	}
	r.lastIssuedTs.Set(float64(ts))
}

func (r *Recorder) SetJournalInFlightBytes(n int) {
	if r == nil {
		return
	}
	r.journalInFlight.Set(float64(n))
}

func (r *Recorder) RecordCommit() {
	if r == nil {
		return
	}
	r.commits.Inc()
}

func (r *Recorder) RecordAbort(reason string) {
	if r == nil {
		return
	}
	r.abortsByReason.WithLabelValues(reason).Inc()
}
