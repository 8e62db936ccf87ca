package json

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/perfsec/pkg/metrics"
	"yqhp/perfsec/pkg/output"
)

func TestOutput_WritesNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.ndjson")
	out, err := output.Create("json", output.Params{ConfigArgument: path})
	require.NoError(t, err)
	require.NoError(t, out.Start())

	out.AddMetricSamples([]metrics.Sample{
		metrics.NewSample(metrics.HTTPReqDuration, metrics.Trend, 12.5, map[string]string{"name": "home"}),
		metrics.NewSample(metrics.HTTPReqs, metrics.Counter, 1, nil),
	})
	out.SetRunStatus(output.RunStatus{Status: "completed"})
	require.NoError(t, out.Stop())
	require.NoError(t, out.Stop())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []point
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var p point
		require.NoError(t, sonic.Unmarshal(sc.Bytes(), &p))
		lines = append(lines, p)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "Point", lines[0].Type)
	assert.Equal(t, metrics.HTTPReqDuration, lines[0].Metric)
	assert.Equal(t, 12.5, lines[0].Value)
	assert.Equal(t, "home", lines[0].Tags["name"])
	assert.Nil(t, lines[1].Tags)
}

func TestOutput_StartFailsOnBadPath(t *testing.T) {
	out, err := New(output.Params{ConfigArgument: filepath.Join(t.TempDir(), "missing", "x.ndjson")})
	require.NoError(t, err)
	assert.Error(t, out.Start())
	// samples before a successful start are ignored
	out.AddMetricSamples([]metrics.Sample{metrics.NewSample("x", metrics.Counter, 1, nil)})
	assert.NoError(t, out.Stop())
}
