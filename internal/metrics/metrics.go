// Package metrics exposes gateway counters and gauges in the Prometheus text
// exposition format.
//
// Counters are client_golang counters bumped by the workers; gauges are
// GaugeFuncs read at scrape time. Everything lives in a private registry so
// the process collectors of the default registry stay out of /metrics.
package metrics

import (
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const namespace = "amgateway"

// Counter is a monotonically increasing value.
type Counter struct {
	c prometheus.Counter
}

// Inc adds one.
func (c *Counter) Inc() { c.c.Inc() }

// Add adds n, which must not be negative.
func (c *Counter) Add(n int) { c.c.Add(float64(n)) }

// Value returns the current count.
func (c *Counter) Value() int64 {
	var m dto.Metric
	if err := c.c.Write(&m); err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

// Registry holds the gateway's metrics.
type Registry struct {
	BusMessages     *Counter
	BusParseErrors  *Counter
	PeerFrames      *Counter
	PeerFrameErrors *Counter
	BatchesSent     *Counter
	FramesSent      *Counter
	Evictions       *Counter
	Sessions        *Counter
	PublishDropped  *Counter
	SnapshotErrors  *Counter

	reg *prometheus.Registry
}

// New creates a Registry with every gateway counter registered.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}
	r.BusMessages = r.counter("bus_messages_total", "Messages received from the bus.")
	r.BusParseErrors = r.counter("bus_parse_errors_total", "Bus messages discarded as malformed.")
	r.PeerFrames = r.counter("peer_frames_total", "Frames received from the peer.")
	r.PeerFrameErrors = r.counter("peer_frame_errors_total", "Peer frames discarded as malformed.")
	r.BatchesSent = r.counter("batches_sent_total", "Non-empty batches written to the peer.")
	r.FramesSent = r.counter("frames_sent_total", "Frames written to the peer.")
	r.Evictions = r.counter("evictions_total", "Records removed by age eviction.")
	r.Sessions = r.counter("sessions_total", "Peer connections accepted.")
	r.PublishDropped = r.counter("publish_dropped_total", "Peer messages dropped from a full publish buffer.")
	r.SnapshotErrors = r.counter("snapshot_errors_total", "Failed snapshot saves or loads.")
	return r
}

func (r *Registry) counter(name, help string) *Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
	r.reg.MustRegister(c)
	return &Counter{c: c}
}

// Gauge registers fn, evaluated on every scrape, under name. Registering the
// same name twice panics.
func (r *Registry) Gauge(name, help string, fn func() float64) {
	r.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Families gathers the current values, sorted by name. On a collection
// error it returns whatever families were gathered.
func (r *Registry) Families() []*dto.MetricFamily {
	mfs, _ := r.reg.Gather()
	return mfs
}

// Write encodes every family to w in the text exposition format.
func (r *Registry) Write(w io.Writer) error {
	mfs, err := r.reg.Gather()
	if err != nil {
		return fmt.Errorf("metrics: gather: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("metrics: encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Handler serves the registry at GET /metrics.
func (r *Registry) Handler() http.Handler {
	h := promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.ServeHTTP(w, req)
	})
}
