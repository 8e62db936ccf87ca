package summary

import (
	"sort"
	"sync"

	"yqhp/perfsec/pkg/metrics"
	"yqhp/perfsec/pkg/types"
)

// maxErrorStats caps the number of entries reported.
const maxErrorStats = 20

// ErrorTracker groups failed requests by request name and failure reason. It
// is a metrics.Recorder and only looks at failed http_req_failed samples.
type ErrorTracker struct {
	mu      sync.Mutex
	entries map[string]*types.ErrorStat
}

// NewErrorTracker creates an empty tracker.
func NewErrorTracker() *ErrorTracker {
	return &ErrorTracker{entries: make(map[string]*types.ErrorStat)}
}

// Record implements metrics.Recorder.
func (t *ErrorTracker) Record(s metrics.Sample) {
	if s.Metric != metrics.HTTPReqFailed || s.Value == 0 {
		return
	}
	name, reason := s.Tags["name"], s.Tags["reason"]
	key := name + "\x00" + reason

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok {
		e.Count++
		e.LastSeen = s.Time
		return
	}
	t.entries[key] = &types.ErrorStat{Name: name, Reason: reason, Count: 1, FirstSeen: s.Time, LastSeen: s.Time}
}

// Stats returns the most frequent entries, highest count first.
func (t *ErrorTracker) Stats() []types.ErrorStat {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]types.ErrorStat, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Reason < out[j].Reason
	})
	if len(out) > maxErrorStats {
		out = out[:maxErrorStats]
	}
	return out
}
