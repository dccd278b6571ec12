package treesync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks engine activity. A nil *Metrics is a no-op.
type Metrics struct {
	// Entries counts entries written or removed. Labels: op, type.
	Entries *prometheus.CounterVec
	// BytesCopied counts file bytes streamed into destination stores.
	BytesCopied prometheus.Counter
	// Errors counts failed top-level operations by code.
	Errors *prometheus.CounterVec
}

// NewMetrics creates the engine metrics and registers them on reg
// (prometheus.DefaultRegisterer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "treesync_entries_total",
			Help: "Entries created, updated or removed by treesync operations",
		}, []string{"op", "type"}),
		BytesCopied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "treesync_bytes_copied_total",
			Help: "File bytes copied between stores",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "treesync_errors_total",
			Help: "Failed treesync operations by error code",
		}, []string{"code"}),
	}
	reg.MustRegister(m.Entries, m.BytesCopied, m.Errors)
	return m
}

func (m *Metrics) entry(op string, t EntryType) {
	if m == nil {
		return
	}
	m.Entries.WithLabelValues(op, t.String()).Inc()
}

func (m *Metrics) bytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesCopied.Add(float64(n))
}

func (m *Metrics) failure(err error) {
	if m == nil || err == nil {
		return
	}
	m.Errors.WithLabelValues(CodeOf(err).String()).Inc()
}
