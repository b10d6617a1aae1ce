// Package metrics provides operation counters shared by the event gateway,
// the P2P layer, and the offline sync engine. Every operation is tracked
// twice: as atomic counters that can be snapshotted into API responses, and
// as Prometheus counters on a private registry served by the metrics
// listener.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OpSnapshot is a point-in-time view of one operation counter. The
// timestamp fields are Unix milliseconds and zero when the outcome has
// never occurred.
type OpSnapshot struct {
	Total         uint64 `json:"total"`
	Failures      uint64 `json:"failures"`
	LastSuccessMS int64  `json:"last_success_ms,omitempty"`
	LastFailureMS int64  `json:"last_failure_ms,omitempty"`
}

// Op counts successes and failures for a single named operation.
type Op struct {
	success       atomic.Uint64
	failure       atomic.Uint64
	lastSuccessMS atomic.Int64
	lastFailureMS atomic.Int64

	promSuccess prometheus.Counter
	promFailure prometheus.Counter
}

// Success records a successful invocation.
func (o *Op) Success() {
	o.success.Add(1)
	o.lastSuccessMS.Store(nowMS())
	if o.promSuccess != nil {
		o.promSuccess.Inc()
	}
}

// Failure records a failed invocation.
func (o *Op) Failure() {
	o.failure.Add(1)
	o.lastFailureMS.Store(nowMS())
	if o.promFailure != nil {
		o.promFailure.Inc()
	}
}

// Record dispatches to Success or Failure depending on err.
func (o *Op) Record(err error) {
	if err != nil {
		o.Failure()
		return
	}
	o.Success()
}

// Snapshot returns the current counter values. Total includes failures.
func (o *Op) Snapshot() OpSnapshot {
	return OpSnapshot{
		Total:         o.success.Load() + o.failure.Load(),
		Failures:      o.failure.Load(),
		LastSuccessMS: o.lastSuccessMS.Load(),
		LastFailureMS: o.lastFailureMS.Load(),
	}
}

// Reset zeroes the atomic counters. Prometheus counters are monotonic and
// are left untouched.
func (o *Op) Reset() {
	o.success.Store(0)
	o.failure.Store(0)
	o.lastSuccessMS.Store(0)
	o.lastFailureMS.Store(0)
}

// Set owns a private Prometheus registry and the named operation counters
// registered on it.
type Set struct {
	reg *prometheus.Registry
	ops *prometheus.CounterVec

	mu    sync.Mutex
	named map[string]*Op
}

// NewSet creates an empty metric set with its own registry.
func NewSet() *Set {
	reg := prometheus.NewRegistry()
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kukuri_operations_total",
		Help: "Operation outcomes by component, operation, and result.",
	}, []string{"component", "op", "outcome"})
	reg.MustRegister(ops)

	return &Set{
		reg:   reg,
		ops:   ops,
		named: make(map[string]*Op),
	}
}

// Op returns the counter for (component, name), creating it on first use.
func (s *Set) Op(component, name string) *Op {
	key := component + "/" + name
	s.mu.Lock()
	defer s.mu.Unlock()

	if op, ok := s.named[key]; ok {
		return op
	}
	op := &Op{
		promSuccess: s.ops.WithLabelValues(component, name, "success"),
		promFailure: s.ops.WithLabelValues(component, name, "failure"),
	}
	s.named[key] = op
	return op
}

// Registry exposes the underlying registry so components can register
// their own gauges alongside the shared operation counters.
func (s *Set) Registry() *prometheus.Registry {
	return s.reg
}

// Handler returns the HTTP handler serving the set in Prometheus
// exposition format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})
}

// ResetAll zeroes every registered operation counter.
func (s *Set) ResetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range s.named {
		op.Reset()
	}
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}
