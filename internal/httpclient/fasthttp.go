package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

// FastHTTPClient 基于 fasthttp 的客户端，所有 VU 共享同一个连接池
type FastHTTPClient struct {
	client *fasthttp.Client
}

// FastHTTPOptions 客户端配置
type FastHTTPOptions struct {
	MaxConnsPerHost    int
	InsecureSkipVerify bool
	// Dial 可选，测试中用于内存监听器
	Dial fasthttp.DialFunc
}

// NewFastHTTPClient 创建客户端
func NewFastHTTPClient(opts FastHTTPOptions) *FastHTTPClient {
	if opts.MaxConnsPerHost <= 0 {
		opts.MaxConnsPerHost = 1000
	}
	return &FastHTTPClient{
		client: &fasthttp.Client{
			MaxConnsPerHost:        opts.MaxConnsPerHost,
			MaxIdleConnDuration:    90 * time.Second,
			TLSConfig:              &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify}, //nolint:gosec
			DisablePathNormalizing: true,
			Dial:                   opts.Dial,
		},
	}
}

type result struct {
	resp *Response
	err  error
}

// Do 执行请求。ctx 取消时立即返回，底层请求在后台结束后释放资源
func (c *FastHTTPClient) Do(ctx context.Context, r *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	done := make(chan result, 1)
	go func() {
		done <- c.do(r, timeout)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		return res.resp, res.err
	}
}

func (c *FastHTTPClient) do(r *Request, timeout time.Duration) result {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	method := r.Method
	if method == "" {
		method = fasthttp.MethodGet
	}
	req.Header.SetMethod(method)
	req.SetRequestURI(r.URL)
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	if len(r.Body) > 0 {
		req.SetBody(r.Body)
		if len(req.Header.ContentType()) == 0 {
			req.Header.SetContentType("application/json")
		}
	}

	start := time.Now()
	deadline := start.Add(timeout)
	err := c.client.DoDeadline(req, resp, deadline)
	elapsed := time.Since(start)

	if err != nil {
		if isTimeout(err) || time.Now().After(deadline) {
			return result{err: fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, err)}
		}
		return result{err: fmt.Errorf("%w: %v", ErrConnection, err)}
	}

	// resp.Body() 引用内部缓冲区，必须复制
	body := make([]byte, len(resp.Body()))
	copy(body, resp.Body())

	headers := make(map[string]string)
	resp.Header.VisitAll(func(key, value []byte) {
		k := string(key)
		if _, exists := headers[k]; !exists {
			headers[k] = string(value)
		}
	})

	return result{resp: &Response{
		Status:   resp.StatusCode(),
		Body:     body,
		Headers:  headers,
		Duration: elapsed,
	}}
}

func isTimeout(err error) bool {
	return errors.Is(err, fasthttp.ErrTimeout) ||
		errors.Is(err, fasthttp.ErrDialTimeout) ||
		errors.Is(err, fasthttp.ErrTLSHandshakeTimeout)
}
