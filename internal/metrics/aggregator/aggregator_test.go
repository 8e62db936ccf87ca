package aggregator

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/perfsec/pkg/metrics"
)

func TestAggregator_ConcurrentRecordIsExact(t *testing.T) {
	const workers, perWorker = 32, 500
	a := NewWithBuiltins()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				a.Record(metrics.NewSample(metrics.HTTPReqs, metrics.Counter, 1, nil))
				a.Record(metrics.NewSample(metrics.HTTPReqDuration, metrics.Trend, float64(i%100+1), nil))
				a.Record(metrics.NewSample(metrics.HTTPReqFailed, metrics.Rate, float64(i%2), nil))
			}
		}(w)
	}
	wg.Wait()

	reqs, ok := a.Snapshot(metrics.HTTPReqs)
	require.True(t, ok)
	assert.Equal(t, float64(workers*perWorker), reqs.Sum)

	dur, _ := a.Snapshot(metrics.HTTPReqDuration)
	assert.Equal(t, int64(workers*perWorker), dur.Count)
	assert.Equal(t, 1.0, dur.Min)
	assert.Equal(t, 100.0, dur.Max)

	failed, _ := a.Snapshot(metrics.HTTPReqFailed)
	assert.Equal(t, int64(workers*perWorker/2), failed.Passes)
	assert.Equal(t, failed.Count, failed.Passes+failed.Fails)

	assert.Equal(t, int64(3*workers*perWorker), a.Recorded())
	assert.NoError(t, a.Fault())
}

func TestAggregator_SnapshotIdempotent(t *testing.T) {
	a := New()
	for _, v := range []float64{5, 15, 25, 35} {
		a.Record(metrics.NewSample("custom", metrics.Trend, v, nil))
	}

	first, ok := a.Snapshot("custom")
	require.True(t, ok)
	second, _ := a.Snapshot("custom")

	assert.Equal(t, first.Count, second.Count)
	assert.Equal(t, first.Values(), second.Values())
}

func TestAggregator_Submetric(t *testing.T) {
	a := NewWithBuiltins()
	require.NoError(t, a.DeclareSubmetric("http_req_duration{name:login}"))
	// 重复声明不报错
	require.NoError(t, a.DeclareSubmetric("http_req_duration{ name: login }"))

	a.Record(metrics.NewSample(metrics.HTTPReqDuration, metrics.Trend, 100, map[string]string{"name": "login"}))
	a.Record(metrics.NewSample(metrics.HTTPReqDuration, metrics.Trend, 300, map[string]string{"name": "home"}))

	sub, ok := a.Snapshot("http_req_duration{name:login}")
	require.True(t, ok)
	assert.Equal(t, int64(1), sub.Count)
	assert.Equal(t, 100.0, sub.Max)

	parent, _ := a.Snapshot(metrics.HTTPReqDuration)
	assert.Equal(t, int64(2), parent.Count)

	assert.True(t, a.Has("http_req_duration{name:login}"))
	assert.False(t, a.Has("http_req_duration{name:other}"))

	typ, ok := a.TypeOf("http_req_duration{name:login}")
	require.True(t, ok)
	assert.Equal(t, metrics.Trend, typ)
}

func TestAggregator_SubmetricUnknownParent(t *testing.T) {
	a := New()
	assert.Error(t, a.DeclareSubmetric("nope{a:b}"))
	assert.Error(t, a.DeclareSubmetric("broken{a"))
}

func TestAggregator_TypeConflictFaults(t *testing.T) {
	a := NewWithBuiltins()
	a.Record(metrics.NewSample(metrics.HTTPReqs, metrics.Trend, 1, nil))

	err := a.Fault()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTypeConflict))

	// 冲突样本不应被记录
	reqs, _ := a.Snapshot(metrics.HTTPReqs)
	assert.True(t, reqs.IsEmpty())

	assert.ErrorIs(t, a.Declare(metrics.Checks, metrics.Counter), ErrTypeConflict)
}

func TestAggregator_SnapshotsSorted(t *testing.T) {
	a := New()
	require.NoError(t, a.Declare("zeta", metrics.Counter))
	require.NoError(t, a.Declare("alpha", metrics.Gauge))
	require.NoError(t, a.DeclareSubmetric("alpha{k:v}"))

	all := a.Snapshots()
	names := make([]string, len(all))
	for i, s := range all {
		names[i] = s.Name
	}
	assert.Equal(t, []string{"alpha", "alpha{k:v}", "zeta"}, names)

	_, ok := a.Snapshot("missing")
	assert.False(t, ok)
}
