// Package httpclient is the narrow HTTP contract the load core depends on,
// plus the fasthttp-backed implementation used in production runs.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrTimeout 请求超过了调用方配置的超时时间
	ErrTimeout = errors.New("request timed out")
	// ErrConnection 请求在得到响应前失败（拒绝连接、连接重置等）
	ErrConnection = errors.New("connection error")
)

// DefaultTimeout is used when a request does not set one.
const DefaultTimeout = 30 * time.Second

// Request is a single timed call.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
	// Name groups samples of this request under a "name" tag.
	Name string
}

// Response is what the core needs back from a call.
type Response struct {
	Status   int
	Body     []byte
	Headers  map[string]string
	Duration time.Duration
}

// Client issues requests. Implementations must be safe for concurrent use and
// return promptly when ctx is cancelled.
type Client interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req *Request) (*Response, error)

// Do calls f.
func (f ClientFunc) Do(ctx context.Context, req *Request) (*Response, error) { return f(ctx, req) }

// Reason classifies a failed request.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonTimeout    Reason = "timeout"
	ReasonConnection Reason = "connection_error"
	ReasonBadStatus  Reason = "bad_status"
)

// StatusRange is an inclusive range of HTTP status codes.
type StatusRange struct {
	Min int
	Max int
}

// Contains reports whether status is within the range.
func (r StatusRange) Contains(status int) bool {
	return status >= r.Min && status <= r.Max
}

// ParseStatusRange parses "200-399" or "404".
func ParseStatusRange(s string) (StatusRange, error) {
	s = strings.TrimSpace(s)
	first, last, found := strings.Cut(s, "-")
	lo, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return StatusRange{}, fmt.Errorf("invalid status %q", s)
	}
	hi := lo
	if found {
		if hi, err = strconv.Atoi(strings.TrimSpace(last)); err != nil {
			return StatusRange{}, fmt.Errorf("invalid status %q", s)
		}
	}
	if lo < 100 || hi > 599 || lo > hi {
		return StatusRange{}, fmt.Errorf("invalid status range %q", s)
	}
	return StatusRange{Min: lo, Max: hi}, nil
}

// Policy decides which statuses count as successful responses.
type Policy struct {
	ExpectedStatuses []StatusRange
}

// DefaultPolicy treats 200-399 as success.
func DefaultPolicy() Policy {
	return Policy{ExpectedStatuses: []StatusRange{{Min: 200, Max: 399}}}
}

// Expected reports whether status is a success under the policy.
func (p Policy) Expected(status int) bool {
	ranges := p.ExpectedStatuses
	if len(ranges) == 0 {
		ranges = DefaultPolicy().ExpectedStatuses
	}
	for _, r := range ranges {
		if r.Contains(status) {
			return true
		}
	}
	return false
}

// Classify maps a call outcome to a failure reason. ReasonNone means success.
func Classify(err error, status int, policy Policy) Reason {
	if err != nil {
		if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return ReasonTimeout
		}
		return ReasonConnection
	}
	if !policy.Expected(status) {
		return ReasonBadStatus
	}
	return ReasonNone
}
