package courier

import (
	"expvar"
	"strconv"
	"sync/atomic"
)

// metricsSeq generates unique IDs for expvar namespacing across engines.
var metricsSeq atomic.Int64

// Metrics tracks operational counters for an Engine. All counters are
// lock-free (atomic int64) and published to expvar under the "courier."
// prefix for inspection via /debug/vars.
type Metrics struct {
	RequestsSent     atomic.Int64
	RepliesMatched   atomic.Int64
	RepliesOrphaned  atomic.Int64
	Timeouts         atomic.Int64
	Resends          atomic.Int64
	ForwardRedirects atomic.Int64
	ForwardsSent     atomic.Int64
	URIRetries       atomic.Int64
	RequestsServed   atomic.Int64
	HandlerNotFound  atomic.Int64
	FaultDrops       atomic.Int64
	NotServingDrops  atomic.Int64
}

// newMetrics creates a Metrics instance and publishes all counters to
// expvar. Each call gets a unique expvar prefix via a monotonic sequence.
func newMetrics() *Metrics {
	m := &Metrics{}

	// Unique prefix even when multiple engines run in one process
	// (common in tests).
	seq := metricsSeq.Add(1)
	prefix := "courier." + strconv.FormatInt(seq, 10) + "."

	publish := func(name string, v *atomic.Int64) {
		expvar.Publish(prefix+name, expvar.Func(func() any {
			return v.Load()
		}))
	}

	publish("requests_sent", &m.RequestsSent)
	publish("replies_matched", &m.RepliesMatched)
	publish("replies_orphaned", &m.RepliesOrphaned)
	publish("timeouts", &m.Timeouts)
	publish("resends", &m.Resends)
	publish("forward_redirects", &m.ForwardRedirects)
	publish("forwards_sent", &m.ForwardsSent)
	publish("uri_retries", &m.URIRetries)
	publish("requests_served", &m.RequestsServed)
	publish("handler_not_found", &m.HandlerNotFound)
	publish("fault_drops", &m.FaultDrops)
	publish("not_serving_drops", &m.NotServingDrops)

	return m
}

// Snapshot returns all metric values as a map, suitable for JSON
// serialization.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"requests_sent":     m.RequestsSent.Load(),
		"replies_matched":   m.RepliesMatched.Load(),
		"replies_orphaned":  m.RepliesOrphaned.Load(),
		"timeouts":          m.Timeouts.Load(),
		"resends":           m.Resends.Load(),
		"forward_redirects": m.ForwardRedirects.Load(),
		"forwards_sent":     m.ForwardsSent.Load(),
		"uri_retries":       m.URIRetries.Load(),
		"requests_served":   m.RequestsServed.Load(),
		"handler_not_found": m.HandlerNotFound.Load(),
		"fault_drops":       m.FaultDrops.Load(),
		"not_serving_drops": m.NotServingDrops.Load(),
	}
}
