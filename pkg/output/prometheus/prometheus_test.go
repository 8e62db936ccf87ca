package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/perfsec/pkg/metrics"
	"yqhp/perfsec/pkg/output"
)

func TestOutput_UpdatesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	out, err := output.Create("prometheus", output.Params{Registerer: reg})
	require.NoError(t, err)
	require.NoError(t, out.Start())

	tags := map[string]string{"name": "home", "method": "GET", "status": "200"}
	out.AddMetricSamples([]metrics.Sample{
		metrics.NewSample(metrics.HTTPReqs, metrics.Counter, 1, tags),
		metrics.NewSample(metrics.HTTPReqs, metrics.Counter, 1, tags),
		metrics.NewSample(metrics.HTTPReqDuration, metrics.Trend, 42, tags),
		metrics.NewSample(metrics.HTTPReqFailed, metrics.Rate, 1, tags),
		metrics.NewSample(metrics.HTTPReqFailed, metrics.Rate, 0, tags),
		metrics.NewSample(metrics.VUs, metrics.Gauge, 5, nil),
	})
	require.NoError(t, out.Stop())

	o := out.(*Output)
	assert.Equal(t, 2.0, testutil.ToFloat64(o.collectors[metrics.HTTPReqs].counter.WithLabelValues("home", "GET", "200", "", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.collectors[metrics.HTTPReqFailed].counter.WithLabelValues("home", "GET", "200", "", "", "true")))
	assert.Equal(t, 5.0, testutil.ToFloat64(o.collectors[metrics.VUs].gauge.WithLabelValues("", "", "", "", "")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["perfsec_http_reqs_total"])
	assert.True(t, names["perfsec_http_req_duration_ms"])
	assert.True(t, names["perfsec_vus"])
}

func TestOutput_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	for i := 0; i < 2; i++ {
		out, err := New(output.Params{Registerer: reg})
		require.NoError(t, err)
		require.NoError(t, out.Start())
		out.AddMetricSamples([]metrics.Sample{metrics.NewSample("custom{x}", metrics.Counter, 3, nil)})
		require.NoError(t, out.Stop())
	}
	n, err := testutil.GatherAndCount(reg, "perfsec_custom_x__total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "http_req_duration_name_login_", sanitize("http_req_duration{name:login}"))
}
