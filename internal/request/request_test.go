package request

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func TestDoRejectsNonHTTPURL(t *testing.T) {
	called := false
	client := New(WithTransport(roundTripFunc(func(r *http.Request) (*http.Response, error) {
		called = true
		return nil, errors.New("should not be called")
	})))

	for _, u := range []string{"ftp://example.com/file", "file:///etc/passwd", "example.com/video", ""} {
		_, err := client.Do(context.Background(), &Request{URL: u})
		if KindOf(err) != KindInvalidURL {
			t.Errorf("Do(%q): expected KindInvalidURL, got %v", u, err)
		}
		if !errors.Is(err, ErrInvalidURL) {
			t.Errorf("Do(%q): expected errors.Is ErrInvalidURL", u)
		}
	}
	if called {
		t.Error("transport must not be reached for invalid URLs")
	}
}

func TestDoMergesDefaultHeaders(t *testing.T) {
	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer server.Close()

	client := New(WithHeaders(map[string]string{"X-Client": "client"}))
	resp, err := client.Do(context.Background(), &Request{
		URL:     server.URL,
		Headers: map[string]string{"accept-language": "de-DE", "X-Extra": "1"},
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if got.Get("User-Agent") != "Mozilla/5.0" {
		t.Errorf("expected default user agent, got %q", got.Get("User-Agent"))
	}
	if got.Get("Accept-Language") != "de-DE" {
		t.Errorf("expected caller to override accept-language, got %q", got.Get("Accept-Language"))
	}
	if got.Get("X-Client") != "client" {
		t.Errorf("expected client header, got %q", got.Get("X-Client"))
	}
	if got.Get("X-Extra") != "1" {
		t.Errorf("expected request header, got %q", got.Get("X-Extra"))
	}
}

func TestDoEncodesStructuredBodyAsJSON(t *testing.T) {
	var (
		contentType string
		body        map[string]any
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&body)
	}))
	defer server.Close()

	client := New()
	resp, err := client.Do(context.Background(), &Request{
		Method: http.MethodPost,
		URL:    server.URL,
		Body:   map[string]any{"videoId": "abc"},
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if contentType != "application/json" {
		t.Errorf("expected application/json, got %q", contentType)
	}
	if body["videoId"] != "abc" {
		t.Errorf("expected encoded body, got %v", body)
	}
}

func TestDoPassesRawBodyThrough(t *testing.T) {
	var (
		contentType string
		raw         []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		raw, _ = io.ReadAll(r.Body)
	}))
	defer server.Close()

	client := New()
	resp, err := client.Do(context.Background(), &Request{
		Method: http.MethodPost,
		URL:    server.URL,
		Body:   `{"already":"json"}`,
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if string(raw) != `{"already":"json"}` {
		t.Errorf("expected raw body, got %q", raw)
	}
	if contentType != "" {
		t.Errorf("expected no content type for raw body, got %q", contentType)
	}
}

func TestDoDropsBodyOnGet(t *testing.T) {
	var n int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		n = len(data)
	}))
	defer server.Close()

	client := New()
	resp, err := client.Do(context.Background(), &Request{URL: server.URL, Body: map[string]string{"a": "b"}})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if n != 0 {
		t.Errorf("expected no body on GET, got %d bytes", n)
	}
}

func TestDoStatusErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/forbidden":
			w.WriteHeader(http.StatusForbidden)
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	client := New(WithRetryableStatus(http.StatusServiceUnavailable))

	_, err := client.Do(context.Background(), &Request{URL: server.URL + "/forbidden"})
	var reqErr *Error
	if !errors.As(err, &reqErr) || reqErr.Kind != KindStatus || reqErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 status error, got %v", err)
	}
	if IsRetryable(err) {
		t.Error("403 must not be retryable")
	}

	_, err = client.Do(context.Background(), &Request{URL: server.URL + "/busy"})
	if !IsRetryable(err) {
		t.Errorf("expected 503 to be retryable when configured, got %v", err)
	}
}

func TestDoResponseHeaderTimeoutIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	client := New(WithTimeout(50 * time.Millisecond))
	_, err := client.Do(context.Background(), &Request{URL: server.URL})
	if KindOf(err) != KindTransient {
		t.Fatalf("expected transient timeout, got %v (%s)", err, KindOf(err))
	}
}

func TestDoBodyReadTimeoutIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	client := New(WithTimeout(50 * time.Millisecond))
	resp, err := client.Do(context.Background(), &Request{URL: server.URL})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	_, err = io.ReadAll(resp.Body)
	if err == nil {
		t.Fatal("expected read error")
	}
	if KindOf(err) != KindTransient {
		t.Errorf("expected transient read timeout, got %v (%s)", err, KindOf(err))
	}
}

func TestProxiesSignature(t *testing.T) {
	a := Proxies{"https": "http://p2:8080", "http": "http://p1:8080"}
	b := Proxies{"http": "http://p1:8080", "https": "http://p2:8080"}
	if a.Signature() != b.Signature() {
		t.Errorf("signature must not depend on map order: %q vs %q", a.Signature(), b.Signature())
	}
	if a.Signature() != "http=http://p1:8080;https=http://p2:8080" {
		t.Errorf("unexpected signature %q", a.Signature())
	}
	if Proxies(nil).Signature() != "" {
		t.Error("expected empty signature for nil proxies")
	}
}

func TestProxyIsUsedForScheme(t *testing.T) {
	var proxied string
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied = r.URL.String()
		_, _ = w.Write([]byte("via proxy"))
	}))
	defer proxy.Close()

	client := New()
	body, err := client.Get(context.Background(), "http://media.invalid/videoplayback?id=1", nil, Proxies{"http": proxy.URL})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if body != "via proxy" {
		t.Errorf("expected proxied body, got %q", body)
	}
	if !strings.HasPrefix(proxied, "http://media.invalid/videoplayback") {
		t.Errorf("expected absolute URL at proxy, got %q", proxied)
	}
}

func TestHeadLowercasesHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD, got %s", r.Method)
		}
		w.Header().Set("Content-Length", "1024")
		w.Header().Set("X-Segment", "7")
	}))
	defer server.Close()

	headers, err := New().Head(context.Background(), server.URL, nil)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if headers["content-length"] != "1024" {
		t.Errorf("expected content-length 1024, got %q", headers["content-length"])
	}
	if headers["x-segment"] != "7" {
		t.Errorf("expected x-segment 7, got %q", headers["x-segment"])
	}
}

func TestPostJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		JSONResponse(w, map[string]string{"echo": in["q"]}, http.StatusOK)
	}))
	defer server.Close()

	var out map[string]string
	err := New().PostJSON(context.Background(), server.URL, nil, map[string]string{"q": "hi"}, &out, nil)
	if err != nil {
		t.Fatalf("PostJSON: %v", err)
	}
	if out["echo"] != "hi" {
		t.Errorf("expected echo hi, got %v", out)
	}
}

func TestParseRateLimit(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"10/second", true},
		{"200/minute", true},
		{"5/h", true},
		{"", false},
		{"ten/second", false},
		{"10/fortnight", false},
		{"10", false},
	}
	for _, tt := range tests {
		got := ParseRateLimit(tt.in) != nil
		if got != tt.want {
			t.Errorf("ParseRateLimit(%q) limiter=%v, want %v", tt.in, got, tt.want)
		}
	}
}
