package script

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/perfsec/internal/execution"
	"yqhp/perfsec/internal/httpclient"
	"yqhp/perfsec/pkg/metrics"
)

type recorder struct {
	mu      sync.Mutex
	samples []metrics.Sample
}

func (r *recorder) Record(s metrics.Sample) {
	r.mu.Lock()
	r.samples = append(r.samples, s)
	r.mu.Unlock()
}

func (r *recorder) values(name string) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []float64
	for _, s := range r.samples {
		if s.Metric == name {
			out = append(out, s.Value)
		}
	}
	return out
}

type mockServer struct {
	mu       sync.Mutex
	requests []httpclient.Request
	handle   func(req *httpclient.Request) (*httpclient.Response, error)
}

func (m *mockServer) Do(_ context.Context, req *httpclient.Request) (*httpclient.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, *req)
	m.mu.Unlock()
	if m.handle != nil {
		return m.handle(req)
	}
	return &httpclient.Response{Status: 200, Body: []byte(`{}`)}, nil
}

func runScenario(t *testing.T, s *Scenario, client httpclient.Client, iterations int) *recorder {
	t.Helper()
	rec := &recorder{}
	err := execution.RunOnce(context.Background(), &execution.ModeConfig{
		Runner:   s,
		Client:   client,
		Recorder: rec,
		Policy:   httpclient.DefaultPolicy(),
	}, 3, iterations)
	require.NoError(t, err)
	return rec
}

func TestExpand(t *testing.T) {
	vars := map[string]string{"BASE_URL": "http://svc", "VU": "3"}
	assert.Equal(t, "http://svc/users/3", Expand("${BASE_URL}/users/${VU}", vars))
	assert.Equal(t, "http://svc/${UNKNOWN}", Expand("${BASE_URL}/${UNKNOWN}", vars))
	assert.Equal(t, "plain", Expand("plain", vars))
	assert.Equal(t, "$VU", Expand("$VU", vars))
}

func TestNewScenario_Validation(t *testing.T) {
	_, err := NewScenario(nil, nil, 0)
	require.Error(t, err)

	_, err = NewScenario([]Step{{Name: "nothing"}}, nil, 0)
	require.Error(t, err)

	_, err = NewScenario([]Step{{URL: "http://x", Method: "FETCH"}}, nil, 0)
	require.Error(t, err)

	_, err = NewScenario([]Step{{URL: "http://x", Checks: []CheckSpec{{Name: "two", Status: 200, BodyContains: "x"}}}}, nil, 0)
	require.Error(t, err)

	_, err = NewScenario([]Step{{URL: "http://x", SelectorSpec: SelectorSpec{Probability: 2}}}, nil, 0)
	require.Error(t, err)

	s, err := NewScenario([]Step{{URL: "http://x", Method: "post"}, {Sleep: time.Millisecond}}, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "POST", s.steps[0].Method)
}

func TestScenario_TemplatingAndExtraction(t *testing.T) {
	srv := &mockServer{handle: func(req *httpclient.Request) (*httpclient.Response, error) {
		if req.Name == "login" {
			return &httpclient.Response{Status: 200, Body: []byte(`{"token":"abc123","user":{"id":42}}`)}, nil
		}
		return &httpclient.Response{Status: 200, Body: []byte(`{"ok":true}`)}, nil
	}}

	s, err := NewScenario([]Step{
		{
			Name:    "login",
			Method:  "POST",
			URL:     "${BASE_URL}/login",
			Body:    `{"username":"${USERNAME}","password":"${PASSWORD}"}`,
			Extract: map[string]string{"TOKEN": "$.token", "USER_ID": "$.user.id"},
			Checks:  []CheckSpec{{Status: 200}},
		},
		{
			Name:    "profile",
			URL:     "${BASE_URL}/users/${USER_ID}?vu=${VU}&iter=${ITER}",
			Headers: map[string]string{"Authorization": "Bearer ${TOKEN}"},
			Checks:  []CheckSpec{{JSONPath: "$.ok", Equals: "true"}},
		},
	}, map[string]string{"BASE_URL": "http://svc", "USERNAME": "alice", "PASSWORD": "s3cret"}, 1)
	require.NoError(t, err)

	rec := runScenario(t, s, srv, 2)

	require.Len(t, srv.requests, 4)
	login := srv.requests[0]
	assert.Equal(t, "POST", login.Method)
	assert.Equal(t, "http://svc/login", login.URL)
	assert.JSONEq(t, `{"username":"alice","password":"s3cret"}`, string(login.Body))

	profile := srv.requests[1]
	assert.Equal(t, "http://svc/users/42?vu=3&iter=0", profile.URL)
	assert.Equal(t, "Bearer abc123", profile.Headers["Authorization"])
	assert.Equal(t, "http://svc/users/42?vu=3&iter=1", srv.requests[3].URL)

	assert.Equal(t, []float64{1, 1, 1, 1}, rec.values(metrics.Checks))
	assert.Len(t, rec.values(metrics.HTTPReqs), 4)
}

func TestScenario_FailedCallDoesNotAbortIteration(t *testing.T) {
	srv := &mockServer{handle: func(req *httpclient.Request) (*httpclient.Response, error) {
		if req.Name == "broken" {
			return nil, fmt.Errorf("dial: %w", httpclient.ErrConnection)
		}
		return &httpclient.Response{Status: 200}, nil
	}}
	s, err := NewScenario([]Step{
		{Name: "broken", URL: "http://svc/a", Checks: []CheckSpec{{Status: 200}}},
		{Name: "fine", URL: "http://svc/b"},
	}, nil, 1)
	require.NoError(t, err)

	rec := runScenario(t, s, srv, 1)
	require.Len(t, srv.requests, 2)
	assert.Equal(t, []float64{1, 0}, rec.values(metrics.HTTPReqFailed))
	assert.Equal(t, []float64{0}, rec.values(metrics.Checks))
}

func TestScenario_EveryNSelectsIterations(t *testing.T) {
	srv := &mockServer{}
	s, err := NewScenario([]Step{
		{Name: "always", URL: "http://svc/a"},
		{Name: "every third", URL: "http://svc/b", SelectorSpec: SelectorSpec{Every: 3}},
	}, nil, 1)
	require.NoError(t, err)

	runScenario(t, s, srv, 6)
	counts := map[string]int{}
	for _, r := range srv.requests {
		counts[r.Name]++
	}
	assert.Equal(t, 6, counts["always"])
	assert.Equal(t, 2, counts["every third"])
}

func TestScenario_UnnamedStepKeepsTemplateAsName(t *testing.T) {
	srv := &mockServer{}
	s, err := NewScenario([]Step{{URL: "http://svc/users/${VU}"}}, nil, 1)
	require.NoError(t, err)

	runScenario(t, s, srv, 1)
	require.Len(t, srv.requests, 1)
	assert.Equal(t, "http://svc/users/3", srv.requests[0].URL)
	assert.Equal(t, "http://svc/users/${VU}", srv.requests[0].Name)
}

func TestScenario_SleepStopsOnCancel(t *testing.T) {
	s, err := NewScenario([]Step{{Sleep: time.Hour}}, nil, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = execution.RunOnce(ctx, &execution.ModeConfig{Runner: s, Client: &mockServer{}, Recorder: &recorder{}}, 1, 1)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
