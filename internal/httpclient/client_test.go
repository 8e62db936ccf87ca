package httpclient

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func startServer(t *testing.T, handler fasthttp.RequestHandler) *FastHTTPClient {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: handler}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	return NewFastHTTPClient(FastHTTPOptions{
		Dial: func(string) (net.Conn, error) { return ln.Dial() },
	})
}

func TestFastHTTPClient_Do(t *testing.T) {
	c := startServer(t, func(ctx *fasthttp.RequestCtx) {
		assert.Equal(t, "POST", string(ctx.Method()))
		assert.Equal(t, "token", string(ctx.Request.Header.Peek("Authorization")))
		ctx.Response.Header.Set("X-Echo", string(ctx.PostBody()))
		ctx.SetStatusCode(201)
		ctx.SetBodyString(`{"ok":true}`)
	})

	resp, err := c.Do(context.Background(), &Request{
		Method:  "POST",
		URL:     "http://api.test/items",
		Headers: map[string]string{"Authorization": "token"},
		Body:    []byte("payload"),
		Timeout: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 201, resp.Status)
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, "payload", resp.Headers["X-Echo"])
	assert.Greater(t, resp.Duration, time.Duration(0))
}

func TestFastHTTPClient_Timeout(t *testing.T) {
	c := startServer(t, func(ctx *fasthttp.RequestCtx) {
		time.Sleep(200 * time.Millisecond)
	})

	_, err := c.Do(context.Background(), &Request{URL: "http://api.test/slow", Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, ReasonTimeout, Classify(err, 0, DefaultPolicy()))
}

func TestFastHTTPClient_ContextCancelReturnsPromptly(t *testing.T) {
	c := startServer(t, func(ctx *fasthttp.RequestCtx) {
		time.Sleep(2 * time.Second)
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := c.Do(ctx, &Request{URL: "http://api.test/slow", Timeout: 5 * time.Second})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFastHTTPClient_ConnectionError(t *testing.T) {
	c := NewFastHTTPClient(FastHTTPOptions{
		Dial: func(string) (net.Conn, error) { return nil, errors.New("connection refused") },
	})
	_, err := c.Do(context.Background(), &Request{URL: "http://api.test/", Timeout: time.Second})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, ReasonConnection, Classify(err, 0, DefaultPolicy()))
}

func TestClassify(t *testing.T) {
	policy := DefaultPolicy()
	assert.Equal(t, ReasonNone, Classify(nil, 200, policy))
	assert.Equal(t, ReasonNone, Classify(nil, 302, policy))
	assert.Equal(t, ReasonBadStatus, Classify(nil, 404, policy))
	assert.Equal(t, ReasonBadStatus, Classify(nil, 503, policy))
	assert.Equal(t, ReasonTimeout, Classify(context.DeadlineExceeded, 0, policy))

	notFoundOK := Policy{ExpectedStatuses: []StatusRange{{200, 299}, {404, 404}}}
	assert.Equal(t, ReasonNone, Classify(nil, 404, notFoundOK))
	assert.Equal(t, ReasonBadStatus, Classify(nil, 302, notFoundOK))
}

func TestParseStatusRange(t *testing.T) {
	r, err := ParseStatusRange("200-399")
	require.NoError(t, err)
	assert.Equal(t, StatusRange{200, 399}, r)

	r, err = ParseStatusRange(" 404 ")
	require.NoError(t, err)
	assert.Equal(t, StatusRange{404, 404}, r)

	for _, bad := range []string{"", "abc", "399-200", "200-", "0-99", "200-700"} {
		_, err := ParseStatusRange(bad)
		assert.Error(t, err, bad)
	}
}
