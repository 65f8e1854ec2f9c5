package poller

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jpalmerr/storebox/internal/jsonvalue"
)

// MaxBodySize is the largest response body a source may return.
const MaxBodySize = 1 << 20

// pool limits shared by every source of a scheduler
const (
	maxIdleConns        = 100
	maxIdleConnsPerHost = 10
	maxConnsPerHost     = 10
	idleConnTimeout     = 60 * time.Second
)

// Request is one fetch of a source.
type Request struct {
	// Method defaults to GET.
	Method string

	URL string

	// Headers are sent as is. An Accept header here replaces the JSON default.
	Headers map[string]string

	// Timeout bounds the whole request including the body read.
	// Zero means no deadline beyond the caller's context.
	Timeout time.Duration
}

// requestFor builds the Request that polls src.
func requestFor(src Source) Request {
	return Request{
		Method:  src.Method,
		URL:     src.URL,
		Headers: src.Headers,
		Timeout: src.Timeout,
	}
}

// Response is the outcome of [Client.Fetch].
type Response struct {
	// Body is the raw body. Nil when Error is set.
	Body []byte

	// StatusCode is zero when no response arrived.
	StatusCode int

	Latency time.Duration

	// Error is a transport failure, a [*StatusError] or a [*BodyTooLargeError].
	Error error
}

// StatusError reports a response outside the 2xx range.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d", e.Code)
}

// BodyTooLargeError reports a body larger than [MaxBodySize].
type BodyTooLargeError struct {
	Limit int64
}

func (e *BodyTooLargeError) Error() string {
	return fmt.Sprintf("response body exceeds %d bytes", e.Limit)
}

// Client fetches source documents over HTTP.
//
// There is no client-wide timeout; each [Request] carries its own so sources
// with different deadlines can share one connection pool.
type Client struct {
	httpClient *http.Client
	maxBody    int64
}

// NewClient creates a [Client] with a bounded connection pool: at most 10
// connections per host, 100 idle in total, closed after 60s of idleness.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        maxIdleConns,
				MaxIdleConnsPerHost: maxIdleConnsPerHost,
				MaxConnsPerHost:     maxConnsPerHost,
				IdleConnTimeout:     idleConnTimeout,
			},
		},
		maxBody: MaxBodySize,
	}
}

// Fetch performs req and returns the raw body.
//
// Fetch never returns a separate error: failures are recorded in
// [Response.Error] so the scheduler can report them per source. A non-2xx
// status yields a [*StatusError] with the status code still set.
func (c *Client) Fetch(ctx context.Context, req Request) Response {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := time.Now()
	body, code, err := c.do(ctx, req)
	resp := Response{
		StatusCode: code,
		Latency:    time.Since(start),
		Error:      err,
	}
	if err == nil {
		resp.Body = body
	}
	return resp
}

// FetchJSON performs req and decodes the body with [jsonvalue.Decode].
// A body that is not a single JSON document sets [Response.Error].
func (c *Client) FetchJSON(ctx context.Context, req Request) (any, Response) {
	resp := c.Fetch(ctx, req)
	if resp.Error != nil {
		return nil, resp
	}

	doc, err := jsonvalue.Decode(resp.Body)
	if err != nil {
		resp.Error = err
		return nil, resp
	}
	return doc, resp
}

func (c *Client) do(ctx context.Context, req Request) ([]byte, int, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// one byte past the limit tells a full body from an oversized one
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > c.maxBody {
		return nil, resp.StatusCode, &BodyTooLargeError{Limit: c.maxBody}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return body, resp.StatusCode, &StatusError{Code: resp.StatusCode}
	}
	return body, resp.StatusCode, nil
}

// Close drops idle pooled connections. The client stays usable and Close may
// be called more than once, including on a nil client.
func (c *Client) Close() {
	if c == nil || c.httpClient == nil {
		return
	}
	if transport, ok := c.httpClient.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}
