package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Tags annotate one observation. The tag key set of a metric is fixed by its
// first observation, later calls fill absent keys with "".
type Tags map[string]string

// Sink exposes counters, summaries and timers under names chosen at runtime.
// Aggregators derive metric names from message content (sip_invite_messages,
// rtpr_rtp_mos, ...), so vectors are registered lazily on first use.
type Sink struct {
	reg prometheus.Registerer

	mu        sync.Mutex
	counters  map[string]*prometheus.CounterVec
	summaries map[string]*prometheus.SummaryVec
	timers    map[string]*prometheus.HistogramVec
	keys      map[string][]string // sanitized name → fixed label key order
}

// NewSink creates a sink registering on reg. Pass prometheus.DefaultRegisterer
// in production, a private registry in tests.
func NewSink(reg prometheus.Registerer) *Sink {
	return &Sink{
		reg:       reg,
		counters:  make(map[string]*prometheus.CounterVec),
		summaries: make(map[string]*prometheus.SummaryVec),
		timers:    make(map[string]*prometheus.HistogramVec),
		keys:      make(map[string][]string),
	}
}

// Counter returns the counter for name and tags.
func (s *Sink) Counter(name string, tags Tags) prometheus.Counter {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := Sanitize(name)
	keys := s.labelKeys(n, tags)
	vec, ok := s.counters[n]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: n,
			Help: "Runtime counter " + n,
		}, keys)
		s.reg.MustRegister(vec)
		s.counters[n] = vec
	}
	return vec.WithLabelValues(s.labelValues(keys, tags)...)
}

// Summary returns the summary observer for name and tags.
func (s *Sink) Summary(name string, tags Tags) prometheus.Observer {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := Sanitize(name)
	keys := s.labelKeys(n, tags)
	vec, ok := s.summaries[n]
	if !ok {
		vec = prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       n,
			Help:       "Runtime summary " + n,
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, keys)
		s.reg.MustRegister(vec)
		s.summaries[n] = vec
	}
	return vec.WithLabelValues(s.labelValues(keys, tags)...)
}

// Timer records d against the histogram for name and tags.
func (s *Sink) Timer(name string, tags Tags, d time.Duration) {
	s.mu.Lock()

	n := Sanitize(name)
	keys := s.labelKeys(n, tags)
	vec, ok := s.timers[n]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    n,
			Help:    "Runtime timer " + n + " in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms to ~5m
		}, keys)
		s.reg.MustRegister(vec)
		s.timers[n] = vec
	}
	obs := vec.WithLabelValues(s.labelValues(keys, tags)...)
	s.mu.Unlock()

	obs.Observe(d.Seconds())
}

// labelKeys fixes the label key set of a metric on first use.
// Callers hold s.mu.
func (s *Sink) labelKeys(name string, tags Tags) []string {
	if keys, ok := s.keys[name]; ok {
		return keys
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s.keys[name] = keys
	return keys
}

// labelValues orders tag values by the fixed key set, "" for absent tags.
func (s *Sink) labelValues(keys []string, tags Tags) []string {
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = tags[k]
	}
	return values
}

// Sanitize maps a runtime-derived metric name onto the Prometheus name
// charset. Dashes become underscores (r-factor → r_factor), any other
// invalid byte becomes an underscore too.
func Sanitize(name string) string {
	out := []byte(name)
	for i := 0; i < len(out); i++ {
		c := out[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_', c == ':':
		case c >= '0' && c <= '9':
			if i == 0 {
				out[i] = '_'
			}
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
