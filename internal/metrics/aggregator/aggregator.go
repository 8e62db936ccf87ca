// Package aggregator collects metric samples from concurrently running VUs into
// bounded-memory series and serves point-in-time snapshots to the threshold
// evaluator and the summary reporter.
package aggregator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"yqhp/perfsec/pkg/metrics"
)

// ErrTypeConflict marks the aggregator faulted when a sample's type disagrees with
// the series it belongs to.
var ErrTypeConflict = errors.New("metric type conflict")

// MetricSeries is a point-in-time view of one metric.
type MetricSeries struct {
	Name string
	metrics.SinkSnapshot
}

type series struct {
	name       string
	typ        metrics.MetricType
	sink       metrics.Sink
	submetrics []*submetric
}

type submetric struct {
	def  metrics.Submetric
	sink metrics.Sink
}

// Aggregator is the only shared mutable metric state of a run. It is safe for
// concurrent Record calls; each series is guarded by its own sink lock so that
// recorders of different metrics never contend.
type Aggregator struct {
	mu     sync.RWMutex
	series map[string]*series
	// submetric name -> owning series
	subIndex map[string]*submetric

	recorded atomic.Int64
	fault    atomic.Pointer[error]
}

// New creates an empty aggregator.
func New() *Aggregator {
	return &Aggregator{
		series:   make(map[string]*series),
		subIndex: make(map[string]*submetric),
	}
}

// NewWithBuiltins creates an aggregator with every built-in metric declared.
func NewWithBuiltins() *Aggregator {
	a := New()
	for name, typ := range metrics.BuiltinTypes() {
		_ = a.Declare(name, typ)
	}
	return a
}

// Declare registers a metric ahead of its first sample. Declaring an existing
// metric with the same type is a no-op.
func (a *Aggregator) Declare(name string, typ metrics.MetricType) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := a.getOrCreateLocked(name, typ)
	return err
}

// DeclareSubmetric registers a tag-filtered view such as
// "http_req_duration{name:login}". The parent must already be declared.
func (a *Aggregator) DeclareSubmetric(name string) error {
	def, err := metrics.ParseSubmetric(name)
	if err != nil {
		return err
	}
	if len(def.Tags) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.subIndex[def.Name()]; ok {
		return nil
	}
	parent, ok := a.series[def.Parent]
	if !ok {
		return fmt.Errorf("submetric %s: unknown parent metric %s", name, def.Parent)
	}
	sm := &submetric{def: def, sink: metrics.NewSink(parent.typ)}
	parent.submetrics = append(parent.submetrics, sm)
	a.subIndex[def.Name()] = sm
	return nil
}

func (a *Aggregator) getOrCreateLocked(name string, typ metrics.MetricType) (*series, error) {
	if s, ok := a.series[name]; ok {
		if s.typ != typ {
			return nil, fmt.Errorf("%w: %s is %s, got %s", ErrTypeConflict, name, s.typ, typ)
		}
		return s, nil
	}
	s := &series{name: name, typ: typ, sink: metrics.NewSink(typ)}
	a.series[name] = s
	return s, nil
}

// Record adds one sample. It never blocks on other series.
func (a *Aggregator) Record(sample metrics.Sample) {
	a.mu.RLock()
	s, ok := a.series[sample.Metric]
	a.mu.RUnlock()

	if !ok {
		var err error
		a.mu.Lock()
		s, err = a.getOrCreateLocked(sample.Metric, sample.Type)
		a.mu.Unlock()
		if err != nil {
			a.setFault(err)
			return
		}
	} else if s.typ != sample.Type {
		a.setFault(fmt.Errorf("%w: %s is %s, got %s", ErrTypeConflict, s.name, s.typ, sample.Type))
		return
	}

	s.sink.Add(sample)
	// submetrics are only appended under the write lock before the run starts
	for _, sm := range s.submetrics {
		if sm.def.Matches(sample) {
			sm.sink.Add(sample)
		}
	}
	a.recorded.Add(1)
}

func (a *Aggregator) setFault(err error) {
	a.fault.CompareAndSwap(nil, &err)
}

// Fault returns the first internal invariant violation, if any.
func (a *Aggregator) Fault() error {
	if p := a.fault.Load(); p != nil {
		return *p
	}
	return nil
}

// Recorded returns the total number of accepted samples.
func (a *Aggregator) Recorded() int64 {
	return a.recorded.Load()
}

// Has reports whether name is a known metric or submetric.
func (a *Aggregator) Has(name string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if _, ok := a.series[name]; ok {
		return true
	}
	if def, err := metrics.ParseSubmetric(name); err == nil {
		if _, ok := a.subIndex[def.Name()]; ok {
			return true
		}
	}
	return false
}

// TypeOf returns the type of a declared metric or submetric.
func (a *Aggregator) TypeOf(name string) (metrics.MetricType, bool) {
	def, err := metrics.ParseSubmetric(name)
	if err != nil {
		return "", false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.series[def.Parent]
	if !ok {
		return "", false
	}
	return s.typ, true
}

// Snapshot returns a point-in-time copy of one metric or submetric.
func (a *Aggregator) Snapshot(name string) (MetricSeries, bool) {
	a.mu.RLock()
	s, ok := a.series[name]
	var sm *submetric
	if !ok {
		if def, err := metrics.ParseSubmetric(name); err == nil {
			sm = a.subIndex[def.Name()]
			name = def.Name()
		}
	}
	a.mu.RUnlock()

	switch {
	case ok:
		return MetricSeries{Name: name, SinkSnapshot: s.sink.Snapshot()}, true
	case sm != nil:
		return MetricSeries{Name: name, SinkSnapshot: sm.sink.Snapshot()}, true
	default:
		return MetricSeries{}, false
	}
}

// Snapshots returns every metric and submetric, sorted by name.
func (a *Aggregator) Snapshots() []MetricSeries {
	a.mu.RLock()
	names := make([]string, 0, len(a.series)+len(a.subIndex))
	for name := range a.series {
		names = append(names, name)
	}
	for name := range a.subIndex {
		names = append(names, name)
	}
	a.mu.RUnlock()

	sort.Strings(names)
	out := make([]MetricSeries, 0, len(names))
	for _, name := range names {
		if ms, ok := a.Snapshot(name); ok {
			out = append(out, ms)
		}
	}
	return out
}
