package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sirrobot01/streamfetch/internal/request"
)

var ErrClosed = errors.New("stream: closed")

// RangeStream yields the body of one URL as a sequence of chunks, fetched
// with successive Range requests. The total size is provisional (one chunk)
// until the server reports it.
//
// A RangeStream is not safe for concurrent use.
type RangeStream struct {
	client *request.Client
	url    string
	opts   Options
	policy request.Policy
	logger zerolog.Logger

	downloaded int64
	total      int64
	exact      bool
	probed     bool

	// untilEOF is set when the server ignored the range and did not report a
	// length; the body is then read to its end.
	untilEOF bool
	eof      bool

	body      io.ReadCloser
	bodyBytes int64
	failures  int
	err       error
}

func NewRangeStream(client *request.Client, url string, opts Options) *RangeStream {
	opts = opts.withDefaults()
	logger := opts.Logger.With().
		Str("stream_id", uuid.NewString()).
		Str("mode", string(ModeRange)).
		Logger()
	return &RangeStream{
		client: client,
		url:    url,
		opts:   opts,
		policy: opts.policy(logger),
		logger: logger,
		total:  opts.ChunkSize,
	}
}

// Downloaded returns the number of bytes yielded so far.
func (s *RangeStream) Downloaded() int64 {
	return s.downloaded
}

// Size returns the current total size and whether it was reported by the
// server rather than assumed.
func (s *RangeStream) Size() (int64, bool) {
	return s.total, s.exact
}

// Next returns the next chunk. It returns io.EOF once the stream is complete;
// any other error is terminal and returned again by every later call.
func (s *RangeStream) Next(ctx context.Context) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	for {
		if s.body != nil {
			chunk, err := s.readChunk()
			if err != nil {
				return nil, s.fail(err)
			}
			if len(chunk) > 0 {
				return chunk, nil
			}
			continue
		}

		if s.finished() {
			if !s.exact {
				s.logger.Warn().
					Int64("downloaded", s.downloaded).
					Msg("Server never reported a size, stream ended at the provisional size")
			}
			s.err = io.EOF
			return nil, io.EOF
		}

		if err := s.open(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				s.err = io.EOF
				return nil, io.EOF
			}
			return nil, s.fail(err)
		}
	}
}

func (s *RangeStream) Close() error {
	var err error
	if s.body != nil {
		err = s.body.Close()
		s.body = nil
	}
	if s.err == nil {
		s.err = ErrClosed
	}
	return err
}

func (s *RangeStream) fail(err error) error {
	s.closeBody()
	s.err = err
	return err
}

func (s *RangeStream) finished() bool {
	if s.untilEOF {
		return s.eof
	}
	return s.downloaded >= s.total
}

func (s *RangeStream) closeBody() {
	if s.body != nil {
		_ = s.body.Close()
		s.body = nil
	}
}

func (s *RangeStream) rangeHeader() string {
	if s.untilEOF {
		return fmt.Sprintf("bytes=%d-", s.downloaded)
	}
	stop := min(s.downloaded+s.opts.ChunkSize, s.total) - 1
	return fmt.Sprintf("bytes=%d-%d", s.downloaded, stop)
}

func (s *RangeStream) get(ctx context.Context, headers map[string]string) (*request.Response, error) {
	var resp *request.Response
	err := s.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		r, err := s.client.Do(ctx, &request.Request{
			Method:  http.MethodGet,
			URL:     s.url,
			Headers: s.opts.headers(headers),
			Proxies: s.opts.Proxies,
			Timeout: s.opts.Timeout,
		})
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

// open issues the range request for the next chunk. On the very first call
// it also probes the real size.
func (s *RangeStream) open(ctx context.Context) error {
	rangeHeader := s.rangeHeader()
	resp, err := s.get(ctx, map[string]string{"Range": rangeHeader})
	if err != nil {
		var reqErr *request.Error
		if !errors.As(err, &reqErr) || reqErr.StatusCode != http.StatusRequestedRangeNotSatisfiable {
			return err
		}
		switch {
		case !s.probed:
			// an empty resource cannot satisfy any range
			s.probed = true
			if perr := s.probe(ctx, nil); perr != nil {
				return perr
			}
			if s.exact && s.downloaded >= s.total {
				return io.EOF
			}
		case !s.exact && s.downloaded > 0:
			// the provisional size overshot; the resource ends here
			s.total = s.downloaded
			s.exact = true
			s.logger.Debug().Int64("size", s.total).Msg("Resolved stream size from end of range")
			return io.EOF
		}
		return err
	}

	s.logger.Trace().
		Str("range", rangeHeader).
		Int("status", resp.StatusCode).
		Msg("Range response")

	if !s.probed {
		s.probed = true
		if err := s.probe(ctx, resp); err != nil {
			resp.Body.Close()
			return err
		}
	}

	if resp.StatusCode != http.StatusPartialContent {
		if err := s.rangeIgnored(resp); err != nil {
			resp.Body.Close()
			return err
		}
	}

	s.body = resp.Body
	s.bodyBytes = 0
	return nil
}

// rangeIgnored realigns a 200 response, which starts at byte zero, with the
// current offset.
func (s *RangeStream) rangeIgnored(resp *request.Response) error {
	s.logger.Warn().
		Int64("offset", s.downloaded).
		Int("status", resp.StatusCode).
		Msg("Server ignored range request")

	switch {
	case resp.ContentLength >= 0:
		s.total = resp.ContentLength
		s.exact = true
	case !s.exact:
		s.untilEOF = true
	}

	if s.downloaded > 0 {
		n, err := io.CopyN(io.Discard, resp.Body, s.downloaded)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return request.ProtocolError(http.MethodGet, s.url,
					fmt.Errorf("body ended at %d while skipping to offset %d", n, s.downloaded))
			}
			return request.Wrap(http.MethodGet, s.url, err)
		}
	}
	return nil
}

// probe fires a plain GET to learn the real size from Content-Length. Its
// body is never read. A missing or unparseable header is logged and the
// Content-Range of the first ranged response, if any, is used instead.
func (s *RangeStream) probe(ctx context.Context, ranged *request.Response) error {
	resp, err := s.get(ctx, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()

	contentLength := resp.Header.Get("Content-Length")
	size, perr := strconv.ParseInt(strings.TrimSpace(contentLength), 10, 64)
	if perr == nil && size >= 0 {
		s.total = size
		s.exact = true
		s.logger.Debug().Int64("size", size).Msg("Resolved stream size")
		return nil
	}

	s.logger.Error().
		Err(perr).
		Str("content_length", contentLength).
		Msg("Could not read content length from probe")

	if ranged != nil {
		if _, _, total, err := ParseContentRange(ranged.Header.Get("Content-Range")); err == nil && total >= 0 {
			s.total = total
			s.exact = true
			s.logger.Debug().Int64("size", total).Msg("Resolved stream size from content range")
		}
	}
	return nil
}

func (s *RangeStream) readChunk() ([]byte, error) {
	size := s.opts.ChunkSize
	if s.exact && !s.untilEOF {
		remaining := s.total - s.downloaded
		if remaining <= 0 {
			s.checkOverrun()
			s.closeBody()
			return nil, nil
		}
		size = min(size, remaining)
	}

	buf := make([]byte, size)
	n, err := fill(s.body, buf)
	if n > 0 {
		s.downloaded += int64(n)
		s.bodyBytes += int64(n)
		s.failures = 0
	}

	if err != nil {
		s.closeBody()
		switch {
		case errors.Is(err, io.EOF):
			if s.untilEOF {
				s.eof = true
				s.total = s.downloaded
				s.exact = true
			} else if s.bodyBytes == 0 && !s.finished() {
				s.err = request.ProtocolError(http.MethodGet, s.url,
					fmt.Errorf("empty response at offset %d of %d", s.downloaded, s.total))
			}
		case !request.IsRetryable(err):
			s.err = request.Wrap(http.MethodGet, s.url, err)
		default:
			s.failures++
			if s.failures > s.opts.MaxRetries {
				s.err = &request.Error{
					Kind: request.KindRetriesExhausted,
					Op:   http.MethodGet,
					URL:  s.url,
					Err:  request.Wrap(http.MethodGet, s.url, err),
				}
			} else {
				s.logger.Debug().
					Err(err).
					Int64("offset", s.downloaded).
					Int("failures", s.failures).
					Msg("Body read failed, resuming from offset")
			}
		}
	}

	if n > 0 {
		return buf[:n], nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, nil
}

// checkOverrun reports a server sending more than the size it announced. The
// extra bytes are not yielded.
func (s *RangeStream) checkOverrun() {
	var probe [1]byte
	if n, _ := s.body.Read(probe[:]); n > 0 {
		s.logger.Warn().
			Int64("size", s.total).
			Msg("Server sent more bytes than announced, truncating")
	}
}

func fill(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// ParseContentRange parses "bytes start-end/total". total is -1 when the
// server sent "*".
func ParseContentRange(header string) (start, end, total int64, err error) {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "bytes ") {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
	}
	header = strings.TrimPrefix(header, "bytes ")
	rangePart, totalPart, ok := strings.Cut(header, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
	}

	if totalPart == "*" {
		total = -1
	} else if total, err = strconv.ParseInt(totalPart, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
	}

	if rangePart == "*" {
		return -1, -1, total, nil
	}
	startStr, endStr, ok := strings.Cut(rangePart, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
	}
	if start, err = strconv.ParseInt(startStr, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}
	if end, err = strconv.ParseInt(endStr, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}
	return start, end, total, nil
}
