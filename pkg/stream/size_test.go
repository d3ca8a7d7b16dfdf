package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirrobot01/streamfetch/internal/request"
)

func TestSizeIsMemoizedPerProxyConfig(t *testing.T) {
	var heads atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD, got %s", r.Method)
		}
		heads.Add(1)
		w.Header().Set("Content-Length", "4096")
	}))
	defer server.Close()

	sizer := NewSizer(request.New(), NewSizeCache(0), DefaultOptions())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		size, err := sizer.Size(ctx, server.URL, nil)
		if err != nil {
			t.Fatalf("Size: %v", err)
		}
		if size != 4096 {
			t.Errorf("expected 4096, got %d", size)
		}
	}
	if heads.Load() != 1 {
		t.Fatalf("expected a single network lookup, got %d", heads.Load())
	}

	// an https-only proxy leaves the plain http request direct but is a
	// different configuration
	if _, err := sizer.Size(ctx, server.URL, request.Proxies{"https": "http://127.0.0.1:1"}); err != nil {
		t.Fatalf("Size with proxies: %v", err)
	}
	if heads.Load() != 2 {
		t.Errorf("expected a fresh lookup for a new proxy map, got %d", heads.Load())
	}
	if sizer.Cache().Len() != 2 {
		t.Errorf("expected 2 cache entries, got %d", sizer.Cache().Len())
	}
}

func TestSizeMissingContentLength(t *testing.T) {
	var heads atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		heads.Add(1)
	}))
	defer server.Close()

	opts := DefaultOptions()
	opts.MaxRetries = 3
	sizer := NewSizer(request.New(), nil, opts)
	_, err := sizer.Size(context.Background(), server.URL, nil)
	if !errors.Is(err, request.ErrInvalidContentLength) {
		t.Fatalf("expected ErrInvalidContentLength, got %v", err)
	}
	if request.KindOf(err) != request.KindProtocol {
		t.Errorf("expected KindProtocol, got %s", request.KindOf(err))
	}
	if heads.Load() != 1 {
		t.Errorf("protocol failures must not be retried, got %d attempts", heads.Load())
	}
	if sizer.Cache().Len() != 0 {
		t.Error("failed lookups must not be cached")
	}
}

func TestSeqSize(t *testing.T) {
	segs := fourSegments()
	srv := &segmentServer{segments: segs}
	server := httptest.NewServer(srv)
	defer server.Close()

	sizer := NewSizer(request.New(), NewSizeCache(0), DefaultOptions())
	want := int64(len(segs[0]) + len(segs[1]) + len(segs[2]) + len(segs[3]))

	for i := 0; i < 2; i++ {
		size, err := sizer.SeqSize(context.Background(), server.URL+"/videoplayback?id=1", nil)
		if err != nil {
			t.Fatalf("SeqSize: %v", err)
		}
		if size != want {
			t.Errorf("expected %d, got %d", want, size)
		}
	}

	heads, gets := srv.calls()
	if gets != 1 || heads != 3 {
		t.Errorf("expected 1 GET and 3 HEADs in total, got %d GETs and %d HEADs", gets, heads)
	}
}

func TestSeqSizeZeroCount(t *testing.T) {
	server := httptest.NewServer(&segmentServer{segments: map[int][]byte{0: []byte("Segment-Count: 0\r\n")}})
	defer server.Close()

	_, err := NewSizer(request.New(), nil, DefaultOptions()).SeqSize(context.Background(), server.URL+"/v", nil)
	if !errors.Is(err, request.ErrPatternNotFound) {
		t.Fatalf("expected ErrPatternNotFound, got %v", err)
	}
	if request.KindOf(err) != request.KindProtocol {
		t.Errorf("expected KindProtocol, got %s", request.KindOf(err))
	}
}

func TestSizeConcurrentLookupsShareOneRequest(t *testing.T) {
	var heads atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		heads.Add(1)
		<-release
		w.Header().Set("Content-Length", "10")
	}))
	defer server.Close()

	sizer := NewSizer(request.New(), nil, DefaultOptions())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := sizer.Size(context.Background(), server.URL, nil); err != nil {
				t.Errorf("Size: %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if heads.Load() != 1 {
		t.Errorf("expected one request for concurrent lookups, got %d", heads.Load())
	}
}

func TestSizeSharedLookupSurvivesCallerCancel(t *testing.T) {
	var heads atomic.Int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		heads.Add(1)
		started <- struct{}{}
		<-release
		w.Header().Set("Content-Length", "321")
	}))
	defer server.Close()

	sizer := NewSizer(request.New(), nil, DefaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := sizer.Size(ctx, server.URL, nil)
		first <- err
	}()
	<-started

	type result struct {
		size int64
		err  error
	}
	second := make(chan result, 1)
	go func() {
		size, err := sizer.Size(context.Background(), server.URL, nil)
		second <- result{size, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Errorf("expected the cancelled caller to see context.Canceled, got %v", err)
	}
	close(release)

	got := <-second
	if got.err != nil {
		t.Fatalf("caller with a live context failed: %v", got.err)
	}
	if got.size != 321 {
		t.Errorf("expected 321, got %d", got.size)
	}
	if heads.Load() != 1 {
		t.Errorf("expected one shared request, got %d", heads.Load())
	}
	if size, ok := sizer.Cache().Get(ModeRange, server.URL, nil); !ok || size != 321 {
		t.Errorf("expected the shared result to be cached, got %d, %v", size, ok)
	}
}

func TestSizeCacheTTL(t *testing.T) {
	cache := NewSizeCache(time.Minute)
	now := time.Now()
	cache.now = func() time.Time { return now }

	cache.Put(ModeRange, "https://a", nil, 10)
	cache.Put(ModeSequential, "https://a", nil, 20)
	cache.Put(ModeRange, "https://b", nil, 30)

	if size, ok := cache.Get(ModeSequential, "https://a", nil); !ok || size != 20 {
		t.Errorf("Get = %d, %v", size, ok)
	}

	now = now.Add(2 * time.Minute)
	if _, ok := cache.Get(ModeRange, "https://b", nil); ok {
		t.Error("expected expired entry to miss")
	}
	if removed := cache.Sweep(); removed != 2 {
		t.Errorf("expected sweep to remove 2 entries, got %d", removed)
	}
	if cache.Len() != 0 {
		t.Errorf("expected empty cache, got %d", cache.Len())
	}
}

func TestSizeCacheInvalidate(t *testing.T) {
	cache := NewSizeCache(0)
	cache.Put(ModeRange, "https://a", nil, 10)
	cache.Put(ModeRange, "https://a", request.SingleProxy("http://p:1"), 10)
	cache.Put(ModeSequential, "https://a", nil, 20)
	cache.Put(ModeRange, "https://b", nil, 30)

	if !cache.Delete(ModeSequential, "https://a", nil) {
		t.Error("expected Delete to find the sequential entry")
	}
	if cache.Delete(ModeSequential, "https://a", nil) {
		t.Error("second Delete must report a miss")
	}
	if _, ok := cache.Get(ModeRange, "https://a", nil); !ok {
		t.Error("Delete must leave the other mode alone")
	}
	cache.Put(ModeSequential, "https://a", nil, 20)

	if removed := cache.Invalidate("https://a"); removed != 3 {
		t.Errorf("expected 3 removed, got %d", removed)
	}
	if _, ok := cache.Get(ModeRange, "https://b", nil); !ok {
		t.Error("unrelated entry must survive")
	}
	if cache.Sweep() != 0 {
		t.Error("entries without a TTL never expire")
	}
	cache.Clear()
	if cache.Len() != 0 || len(cache.Entries()) != 0 {
		t.Error("expected cleared cache")
	}
}
