// Package prometheus exports apiclient metrics through client_golang.
package prometheus

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/goliatone/go-apiclient/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultBuckets suits request latencies that include retry backoff.
var DefaultBuckets = []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120}

// Recorder implements core.MetricsRecorder. Vectors are created on first use
// with the tag keys seen then; later observations with a different key set
// are dropped.
type Recorder struct {
	registry  *prometheus.Registry
	namespace string
	buckets   []float64

	mu         sync.Mutex
	counters   map[string]*counterEntry
	histograms map[string]*histogramEntry
}

type counterEntry struct {
	labels []string
	vec    *prometheus.CounterVec
}

type histogramEntry struct {
	labels []string
	vec    *prometheus.HistogramVec
}

type Option func(*Recorder)

// WithRegistry registers vectors on registry instead of a private one.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(r *Recorder) {
		if registry != nil {
			r.registry = registry
		}
	}
}

func WithNamespace(namespace string) Option {
	return func(r *Recorder) {
		r.namespace = sanitize(namespace)
	}
}

func WithBuckets(buckets []float64) Option {
	return func(r *Recorder) {
		if len(buckets) > 0 {
			r.buckets = append([]float64(nil), buckets...)
		}
	}
}

func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		registry:   prometheus.NewRegistry(),
		buckets:    DefaultBuckets,
		counters:   map[string]*counterEntry{},
		histograms: map[string]*histogramEntry{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Registry returns the registry vectors are registered on.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil || value < 0 {
		return
	}
	labels, values := splitTags(tags)
	vec, ok := r.counter(name, labels)
	if !ok {
		return
	}
	vec.WithLabelValues(values...).Add(float64(value))
}

func (r *Recorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	labels, values := splitTags(tags)
	vec, ok := r.histogram(name, labels)
	if !ok {
		return
	}
	vec.WithLabelValues(values...).Observe(value)
}

func (r *Recorder) counter(name string, labels []string) (*prometheus.CounterVec, bool) {
	metricName := sanitize(name)
	if metricName == "" {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.counters[metricName]; ok {
		return entry.vec, slices.Equal(entry.labels, labels)
	}

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: r.namespace,
		Name:      metricName,
		Help:      "Counter " + name + ".",
	}, labels)
	if err := r.registry.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, false
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, false
		}
		vec = existing
	}
	r.counters[metricName] = &counterEntry{labels: labels, vec: vec}
	return vec, true
}

func (r *Recorder) histogram(name string, labels []string) (*prometheus.HistogramVec, bool) {
	metricName := sanitize(name)
	if metricName == "" {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.histograms[metricName]; ok {
		return entry.vec, slices.Equal(entry.labels, labels)
	}

	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: r.namespace,
		Name:      metricName,
		Help:      "Histogram " + name + ".",
		Buckets:   r.buckets,
	}, labels)
	if err := r.registry.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, false
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return nil, false
		}
		vec = existing
	}
	r.histograms[metricName] = &histogramEntry{labels: labels, vec: vec}
	return vec, true
}

func splitTags(tags map[string]string) ([]string, []string) {
	labels := make([]string, 0, len(tags))
	byLabel := make(map[string]string, len(tags))
	for key, value := range tags {
		label := sanitize(key)
		if label == "" {
			continue
		}
		if _, seen := byLabel[label]; !seen {
			labels = append(labels, label)
		}
		byLabel[label] = value
	}
	slices.Sort(labels)
	values := make([]string, len(labels))
	for i, label := range labels {
		values[i] = byLabel[label]
	}
	return labels, values
}

// sanitize maps a dotted metric or tag name onto the Prometheus charset.
func sanitize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

var _ core.MetricsRecorder = (*Recorder)(nil)
