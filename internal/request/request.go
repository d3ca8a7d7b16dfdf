package request

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
	"go.uber.org/ratelimit"
)

const DefaultTimeout = 20 * time.Second

var defaultHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0",
	"Accept-Language": "en-US,en",
}

// Request describes one HTTP attempt.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	// Body is sent for methods other than GET and HEAD. []byte, string and
	// io.Reader are sent as is; anything else is encoded as JSON.
	Body    any
	Proxies Proxies
	// Timeout bounds dialing, response headers and each body read.
	// Zero uses the client's timeout.
	Timeout time.Duration
}

// Response is the result of a successful attempt. Body must be closed.
type Response struct {
	StatusCode    int
	Header        http.Header
	ContentLength int64
	Body          io.ReadCloser
}

type ClientOption func(*Client)

// Client performs single HTTP attempts. It is safe for concurrent use.
type Client struct {
	headers         map[string]string
	proxies         Proxies
	timeout         time.Duration
	rateLimiter     ratelimit.Limiter
	retryableStatus map[int]struct{}
	transport       http.RoundTripper
	transports      *xsync.Map[string, *http.Client]
	logger          zerolog.Logger
}

func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers[k] = v
		}
	}
}

// WithProxy routes every request through a single proxy.
func WithProxy(proxyURL string) ClientOption {
	return func(c *Client) {
		c.proxies = SingleProxy(proxyURL)
	}
}

// WithProxies sets the default per-scheme proxies. A Request carrying its
// own Proxies overrides them.
func WithProxies(proxies Proxies) ClientOption {
	return func(c *Client) {
		c.proxies = proxies
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
	}
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithRateLimiter(rl ratelimit.Limiter) ClientOption {
	return func(c *Client) {
		c.rateLimiter = rl
	}
}

// WithRetryableStatus marks status codes the retry policy may retry.
func WithRetryableStatus(statusCodes ...int) ClientOption {
	return func(c *Client) {
		for _, code := range statusCodes {
			c.retryableStatus[code] = struct{}{}
		}
	}
}

// WithTransport replaces the per-proxy transports with a fixed one.
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *Client) {
		c.transport = transport
	}
}

func New(options ...ClientOption) *Client {
	c := &Client{
		headers:         make(map[string]string),
		timeout:         DefaultTimeout,
		retryableStatus: make(map[int]struct{}),
		transports:      xsync.NewMap[string, *http.Client](),
		logger:          zerolog.Nop(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

func (c *Client) Logger() zerolog.Logger {
	return c.logger
}

// Timeout returns the client's default per-attempt timeout.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// HTTPClient returns the underlying *http.Client used for the given proxies.
func (c *Client) HTTPClient(proxies Proxies) (*http.Client, error) {
	return c.httpClient(c.resolveProxies(proxies), c.timeout)
}

func (c *Client) resolveProxies(proxies Proxies) Proxies {
	if proxies != nil {
		return proxies
	}
	return c.proxies
}

func (c *Client) httpClient(proxies Proxies, timeout time.Duration) (*http.Client, error) {
	checkRedirect := func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return fmt.Errorf("stopped after %d redirects", len(via))
		}
		return nil
	}
	if c.transport != nil {
		return &http.Client{Transport: c.transport, CheckRedirect: checkRedirect}, nil
	}

	key := fmt.Sprintf("%s|%s", proxies.Signature(), timeout)
	if hc, ok := c.transports.Load(key); ok {
		return hc, nil
	}
	tr, err := newTransport(proxies, timeout)
	if err != nil {
		return nil, err
	}
	hc, _ := c.transports.LoadOrStore(key, &http.Client{Transport: tr, CheckRedirect: checkRedirect})
	return hc, nil
}

// ValidateURL rejects anything that is not an absolute http(s) URL.
func ValidateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &Error{Kind: KindInvalidURL, URL: rawURL, Err: err}
	}
	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Host == "" {
		return nil, &Error{Kind: KindInvalidURL, URL: rawURL, Err: fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)}
	}
	return u, nil
}

func (c *Client) buildHeaders(req *Request) http.Header {
	h := make(http.Header, len(defaultHeaders)+len(c.headers)+len(req.Headers))
	for k, v := range defaultHeaders {
		h.Set(k, v)
	}
	for k, v := range c.headers {
		h.Set(k, v)
	}
	for k, v := range req.Headers {
		h.Set(k, v)
	}
	return h
}

func encodeBody(method string, body any) (io.Reader, string, error) {
	if body == nil || method == http.MethodGet || method == http.MethodHead {
		return nil, "", nil
	}
	switch b := body.(type) {
	case []byte:
		return bytes.NewReader(b), "", nil
	case string:
		return strings.NewReader(b), "", nil
	case io.Reader:
		return b, "", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("encode json body: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

// Do performs exactly one attempt. Non-2xx responses are returned as a
// KindStatus error with the body drained and closed.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if _, err := ValidateURL(req.URL); err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	hc, err := c.httpClient(c.resolveProxies(req.Proxies), timeout)
	if err != nil {
		return nil, &Error{Kind: KindFatal, Op: method, URL: req.URL, Err: err}
	}

	body, contentType, err := encodeBody(method, req.Body)
	if err != nil {
		return nil, &Error{Kind: KindFatal, Op: method, URL: req.URL, Err: err}
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(attemptCtx, method, req.URL, body)
	if err != nil {
		cancel()
		return nil, &Error{Kind: KindInvalidURL, Op: method, URL: req.URL, Err: err}
	}
	httpReq.Header = c.buildHeaders(req)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	if c.rateLimiter != nil {
		c.rateLimiter.Take()
	}

	// The transport bounds the header phase; this guards clients built with
	// WithTransport as well.
	headerTimer := time.AfterFunc(timeout, cancel)
	resp, err := hc.Do(httpReq)
	stopped := headerTimer.Stop()
	if err != nil {
		cancel()
		if !stopped && ctx.Err() == nil {
			err = fmt.Errorf("%w: %w", errReadTimeout, err)
		}
		c.logger.Trace().Err(err).Str("method", method).Str("url", req.URL).Msg("Request attempt failed")
		return nil, Wrap(method, req.URL, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.CopyN(io.Discard, resp.Body, 64*1024)
		resp.Body.Close()
		cancel()
		_, retryable := c.retryableStatus[resp.StatusCode]
		return nil, &Error{
			Kind:       KindStatus,
			Op:         method,
			URL:        req.URL,
			StatusCode: resp.StatusCode,
			Retryable:  retryable,
			Err:        fmt.Errorf("unexpected status: %s", resp.Status),
		}
	}

	return &Response{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		Body: &idleTimeoutBody{
			body:    resp.Body,
			timeout: timeout,
			cancel:  cancel,
			ctx:     ctx,
		},
	}, nil
}

// idleTimeoutBody fails a Read that blocks for longer than timeout.
type idleTimeoutBody struct {
	body    io.ReadCloser
	timeout time.Duration
	cancel  context.CancelFunc
	ctx     context.Context
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	timer := time.AfterFunc(b.timeout, b.cancel)
	n, err := b.body.Read(p)
	if !timer.Stop() && err != nil && err != io.EOF && b.ctx.Err() == nil {
		err = fmt.Errorf("%w: %w", errReadTimeout, err)
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	err := b.body.Close()
	b.cancel()
	return err
}
