package csv

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/perfsec/pkg/metrics"
	"yqhp/perfsec/pkg/output"
)

func TestOutput_WritesRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.csv")
	out, err := output.Create("csv", output.Params{ConfigArgument: path})
	require.NoError(t, err)
	require.NoError(t, out.Start())

	out.AddMetricSamples([]metrics.Sample{
		metrics.NewSample(metrics.HTTPReqDuration, metrics.Trend, 12.5,
			map[string]string{"name": "home", "method": "GET", "status": "500", "reason": "bad_status", "check": "x"}),
		metrics.NewSample(metrics.VUs, metrics.Gauge, 3, nil),
	})
	out.SetRunStatus(output.RunStatus{Status: "completed"})
	require.NoError(t, out.Stop())
	require.NoError(t, out.Stop(), "second stop is a no-op")

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 3)
	assert.Equal(t, header, rows[0])
	assert.Equal(t, []string{"http_req_duration", rows[1][1], "12.5", "home", "GET", "500", "check=x&reason=bad_status"}, rows[1])
	assert.Equal(t, "vus", rows[2][0])
	assert.Equal(t, "3", rows[2][2])
	assert.Empty(t, rows[2][6])
}
