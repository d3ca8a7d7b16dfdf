package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
	"github.com/sirrobot01/streamfetch/internal/request"
	"golang.org/x/sync/singleflight"
)

type sizeKey struct {
	mode    Mode
	url     string
	proxies string
}

func (k sizeKey) String() string {
	return string(k.mode) + "|" + k.url + "|" + k.proxies
}

type sizeEntry struct {
	size     int64
	storedAt time.Time
}

// CacheEntry is a snapshot of one cached size.
type CacheEntry struct {
	Mode     Mode      `json:"mode"`
	URL      string    `json:"url"`
	Proxies  string    `json:"proxies,omitempty"`
	Size     int64     `json:"size"`
	StoredAt time.Time `json:"stored_at"`
}

// SizeCache maps (mode, URL, proxy signature) to a resolved size. With a
// zero TTL entries never expire.
type SizeCache struct {
	entries *xsync.Map[sizeKey, sizeEntry]
	ttl     time.Duration
	now     func() time.Time
}

func NewSizeCache(ttl time.Duration) *SizeCache {
	return &SizeCache{
		entries: xsync.NewMap[sizeKey, sizeEntry](),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *SizeCache) TTL() time.Duration {
	return c.ttl
}

func (c *SizeCache) expired(e sizeEntry) bool {
	return c.ttl > 0 && c.now().Sub(e.storedAt) > c.ttl
}

func (c *SizeCache) Get(mode Mode, url string, proxies request.Proxies) (int64, bool) {
	key := sizeKey{mode, url, proxies.Signature()}
	e, ok := c.entries.Load(key)
	if !ok {
		return 0, false
	}
	if c.expired(e) {
		c.entries.Delete(key)
		return 0, false
	}
	return e.size, true
}

func (c *SizeCache) Put(mode Mode, url string, proxies request.Proxies, size int64) {
	c.entries.Store(sizeKey{mode, url, proxies.Signature()}, sizeEntry{size: size, storedAt: c.now()})
}

// Delete drops the single entry for (mode, url, proxies) and reports whether
// it was present.
func (c *SizeCache) Delete(mode Mode, url string, proxies request.Proxies) bool {
	_, ok := c.entries.LoadAndDelete(sizeKey{mode, url, proxies.Signature()})
	return ok
}

// Invalidate drops the entries for url in both modes and for every proxy
// configuration. It returns how many entries were removed.
func (c *SizeCache) Invalidate(url string) int {
	removed := 0
	c.entries.Range(func(k sizeKey, _ sizeEntry) bool {
		if k.url == url {
			c.entries.Delete(k)
			removed++
		}
		return true
	})
	return removed
}

func (c *SizeCache) Clear() {
	c.entries.Clear()
}

// Sweep removes expired entries.
func (c *SizeCache) Sweep() int {
	if c.ttl <= 0 {
		return 0
	}
	removed := 0
	c.entries.Range(func(k sizeKey, e sizeEntry) bool {
		if c.expired(e) {
			c.entries.Delete(k)
			removed++
		}
		return true
	})
	return removed
}

func (c *SizeCache) Len() int {
	return c.entries.Size()
}

func (c *SizeCache) Entries() []CacheEntry {
	out := make([]CacheEntry, 0, c.entries.Size())
	c.entries.Range(func(k sizeKey, e sizeEntry) bool {
		out = append(out, CacheEntry{
			Mode:     k.mode,
			URL:      k.url,
			Proxies:  k.proxies,
			Size:     e.size,
			StoredAt: e.storedAt,
		})
		return true
	})
	return out
}

// Sizer resolves remote sizes and memoizes them in its cache. Concurrent
// lookups for the same key share one network round.
type Sizer struct {
	client *request.Client
	cache  *SizeCache
	opts   Options
	group  singleflight.Group
	logger zerolog.Logger
}

func NewSizer(client *request.Client, cache *SizeCache, opts Options) *Sizer {
	if cache == nil {
		cache = NewSizeCache(0)
	}
	opts = opts.withDefaults()
	return &Sizer{
		client: client,
		cache:  cache,
		opts:   opts,
		logger: opts.Logger,
	}
}

func (z *Sizer) Cache() *SizeCache {
	return z.cache
}

// Size returns the Content-Length reported by a HEAD request.
func (z *Sizer) Size(ctx context.Context, url string, proxies request.Proxies) (int64, error) {
	return z.lookup(ctx, ModeRange, url, proxies, func(ctx context.Context) (int64, error) {
		return z.headSize(ctx, url, proxies)
	})
}

// SeqSize returns the total size of a segmented resource: the full length of
// segment 0 plus the Content-Length of every following segment.
func (z *Sizer) SeqSize(ctx context.Context, url string, proxies request.Proxies) (int64, error) {
	return z.lookup(ctx, ModeSequential, url, proxies, func(ctx context.Context) (int64, error) {
		return z.seqSize(ctx, url, proxies)
	})
}

// SizeFor dispatches on mode.
func (z *Sizer) SizeFor(ctx context.Context, mode Mode, url string, proxies request.Proxies) (int64, error) {
	if mode == ModeSequential {
		return z.SeqSize(ctx, url, proxies)
	}
	return z.Size(ctx, url, proxies)
}

func (z *Sizer) lookup(ctx context.Context, mode Mode, url string, proxies request.Proxies, fetch func(context.Context) (int64, error)) (int64, error) {
	if size, ok := z.cache.Get(mode, url, proxies); ok {
		return size, nil
	}
	key := sizeKey{mode, url, proxies.Signature()}
	// The shared fetch outlives any single caller; each caller only stops
	// waiting when its own context is done.
	fetchCtx := context.WithoutCancel(ctx)
	ch := z.group.DoChan(key.String(), func() (any, error) {
		if size, ok := z.cache.Get(mode, url, proxies); ok {
			return size, nil
		}
		size, err := fetch(fetchCtx)
		if err != nil {
			return int64(0), err
		}
		z.cache.Put(mode, url, proxies, size)
		z.logger.Debug().
			Str("mode", string(mode)).
			Int64("size", size).
			Msg("Resolved remote size")
		return size, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return 0, res.Err
	}
	if res.Shared {
		z.logger.Trace().Str("url", url).Msg("Size lookup shared with a concurrent caller")
	}
	return res.Val.(int64), nil
}

func (z *Sizer) proxiesFor(proxies request.Proxies) request.Proxies {
	if proxies == nil {
		return z.opts.Proxies
	}
	return proxies
}

func (z *Sizer) headSize(ctx context.Context, url string, proxies request.Proxies) (int64, error) {
	var size int64
	err := z.opts.policy(z.logger).Do(ctx, func(ctx context.Context, attempt int) error {
		resp, err := z.client.Do(ctx, &request.Request{
			Method:  http.MethodHead,
			URL:     url,
			Headers: z.opts.headers(nil),
			Proxies: z.proxiesFor(proxies),
			Timeout: z.opts.Timeout,
		})
		if err != nil {
			return err
		}
		resp.Body.Close()
		size, err = parseContentLength(resp.Header.Get("Content-Length"))
		if err != nil {
			return request.ProtocolError(http.MethodHead, url, err)
		}
		return nil
	})
	return size, err
}

func (z *Sizer) seqSize(ctx context.Context, url string, proxies request.Proxies) (int64, error) {
	seg, err := newSegmenter(url)
	if err != nil {
		return 0, err
	}

	header := seg.url(0)
	var body []byte
	err = z.opts.policy(z.logger).Do(ctx, func(ctx context.Context, attempt int) error {
		resp, err := z.client.Do(ctx, &request.Request{
			Method:  http.MethodGet,
			URL:     header,
			Headers: z.opts.headers(nil),
			Proxies: z.proxiesFor(proxies),
			Timeout: z.opts.Timeout,
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return request.Wrap(http.MethodGet, header, err)
		}
		body = data
		return nil
	})
	if err != nil {
		return 0, err
	}

	count, err := ParseSegmentCount(body)
	if err != nil {
		return 0, request.ProtocolError(http.MethodGet, header, err)
	}
	if count == 0 {
		return 0, request.ProtocolError(http.MethodGet, header,
			fmt.Errorf("%w: segment count is zero", request.ErrPatternNotFound))
	}

	total := int64(len(body))
	for seq := 1; seq <= count; seq++ {
		n, err := z.headSize(ctx, seg.url(seq), proxies)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func parseContentLength(v string) (int64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("%w: header missing", request.ErrInvalidContentLength)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", request.ErrInvalidContentLength, v)
	}
	return n, nil
}
