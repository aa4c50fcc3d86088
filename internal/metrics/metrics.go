// Package metrics holds the relay's observability counters.
//
// Counters are an explicit, independently owned structure updated via
// synchronized increments. Any component can hold a reference to report into
// it without owning its lifecycle.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Counter is a monotonically increasing counter safe for concurrent use.
type Counter struct {
	v atomic.Uint64
}

// Inc increments the counter by one.
func (c *Counter) Inc() { c.v.Add(1) }

// Add increments the counter by n.
func (c *Counter) Add(n uint64) { c.v.Add(n) }

// Load returns the current value.
func (c *Counter) Load() uint64 { return c.v.Load() }

// Registry aggregates all pipeline counters. Dropped records are never
// silent: every drop path increments exactly one of the Dropped* counters.
type Registry struct {
	// Accepted counts raw input units received from listeners.
	Accepted Counter
	// Parsed counts input units successfully parsed into key/value data.
	Parsed Counter
	// ParseErrors counts input units dropped due to malformed wire data.
	ParseErrors Counter
	// Mapped counts records successfully produced by the field mapper.
	Mapped Counter
	// MapErrors counts records dropped during field mapping.
	MapErrors Counter
	// DroppedOversize counts stream records discarded for exceeding the
	// per-record size limit.
	DroppedOversize Counter
	// DroppedQueueFull counts records rejected under the drop-newest policy.
	DroppedQueueFull Counter
	// DroppedEvicted counts records evicted under the drop-oldest policy.
	DroppedEvicted Counter
	// Submitted counts records delivered to the journal.
	Submitted Counter
	// Retries counts journal submission retry attempts.
	Retries Counter
	// DroppedRetryExhausted counts records dropped after exhausting retries.
	DroppedRetryExhausted Counter
	// DroppedDrain counts records still queued when the drain deadline
	// elapsed or an immediate stop was requested.
	DroppedDrain Counter
}

// NewRegistry creates an empty counter registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Accepted              uint64 `json:"accepted"`
	Parsed                uint64 `json:"parsed"`
	ParseErrors           uint64 `json:"parse_errors"`
	Mapped                uint64 `json:"mapped"`
	MapErrors             uint64 `json:"map_errors"`
	DroppedOversize       uint64 `json:"dropped_oversize"`
	DroppedQueueFull      uint64 `json:"dropped_queue_full"`
	DroppedEvicted        uint64 `json:"dropped_evicted"`
	Submitted             uint64 `json:"submitted"`
	Retries               uint64 `json:"retries"`
	DroppedRetryExhausted uint64 `json:"dropped_retry_exhausted"`
	DroppedDrain          uint64 `json:"dropped_drain"`
}

// Snapshot returns a read-only copy of the current counter values.
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		Accepted:              r.Accepted.Load(),
		Parsed:                r.Parsed.Load(),
		ParseErrors:           r.ParseErrors.Load(),
		Mapped:                r.Mapped.Load(),
		MapErrors:             r.MapErrors.Load(),
		DroppedOversize:       r.DroppedOversize.Load(),
		DroppedQueueFull:      r.DroppedQueueFull.Load(),
		DroppedEvicted:        r.DroppedEvicted.Load(),
		Submitted:             r.Submitted.Load(),
		Retries:               r.Retries.Load(),
		DroppedRetryExhausted: r.DroppedRetryExhausted.Load(),
		DroppedDrain:          r.DroppedDrain.Load(),
	}
}

// Dropped returns the total number of dropped records across all reasons.
func (s Snapshot) Dropped() uint64 {
	return s.ParseErrors + s.MapErrors + s.DroppedOversize + s.DroppedQueueFull +
		s.DroppedEvicted + s.DroppedRetryExhausted + s.DroppedDrain
}

// collector adapts a Registry to the prometheus.Collector interface.
type collector struct {
	reg  *Registry
	desc map[string]*prometheus.Desc
}

// Collector returns a prometheus.Collector exposing the registry's counters
// under the journal_relay namespace. Drop counters share one metric name with
// a reason label.
func (r *Registry) Collector() prometheus.Collector {
	mk := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc("journal_relay_"+name, help, labels, nil)
	}
	return &collector{
		reg: r,
		desc: map[string]*prometheus.Desc{
			"accepted":  mk("records_accepted_total", "Raw input units received."),
			"parsed":    mk("records_parsed_total", "Input units parsed successfully."),
			"mapped":    mk("records_mapped_total", "Records produced by the field mapper."),
			"submitted": mk("records_submitted_total", "Records delivered to the journal."),
			"retries":   mk("submission_retries_total", "Journal submission retry attempts."),
			"dropped":   mk("records_dropped_total", "Records dropped, by reason.", "reason"),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.desc {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := c.reg.Snapshot()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	counter(c.desc["accepted"], s.Accepted)
	counter(c.desc["parsed"], s.Parsed)
	counter(c.desc["mapped"], s.Mapped)
	counter(c.desc["submitted"], s.Submitted)
	counter(c.desc["retries"], s.Retries)

	counter(c.desc["dropped"], s.ParseErrors, "parse_error")
	counter(c.desc["dropped"], s.MapErrors, "map_error")
	counter(c.desc["dropped"], s.DroppedOversize, "oversize")
	counter(c.desc["dropped"], s.DroppedQueueFull, "queue_full")
	counter(c.desc["dropped"], s.DroppedEvicted, "evicted")
	counter(c.desc["dropped"], s.DroppedRetryExhausted, "retry_exhausted")
	counter(c.desc["dropped"], s.DroppedDrain, "drain_deadline")
}
