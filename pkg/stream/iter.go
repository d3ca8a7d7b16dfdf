package stream

import (
	"context"
	"errors"
	"io"
	"iter"

	"github.com/sirrobot01/streamfetch/internal/request"
)

// Stream is a pull-based sequence of chunks. Nothing is fetched until Next is
// called. Next returns io.EOF once the stream is complete.
type Stream interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

var (
	_ Stream = (*RangeStream)(nil)
	_ Stream = (*SegmentStream)(nil)
)

// Open returns the streamer for mode.
func Open(client *request.Client, url string, mode Mode, opts Options) Stream {
	if mode == ModeSequential {
		return NewSegmentStream(client, url, opts)
	}
	return NewRangeStream(client, url, opts)
}

// All adapts s to a range-over-func sequence. The sequence ends after the
// last chunk, or after yielding a terminal error. Breaking out of the loop
// closes the stream.
func All(ctx context.Context, s Stream) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		defer s.Close()
		for {
			chunk, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

type reader struct {
	ctx     context.Context
	stream  Stream
	pending []byte
	err     error
}

// NewReader exposes s as an io.ReadCloser.
func NewReader(ctx context.Context, s Stream) io.ReadCloser {
	return &reader{ctx: ctx, stream: s}
}

func (r *reader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		r.pending, r.err = r.stream.Next(r.ctx)
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *reader) Close() error {
	return r.stream.Close()
}

// Copy writes every chunk of s to w and closes s.
func Copy(ctx context.Context, w io.Writer, s Stream) (int64, error) {
	var written int64
	for chunk, err := range All(ctx, s) {
		if err != nil {
			return written, err
		}
		n, werr := w.Write(chunk)
		written += int64(n)
		if werr != nil {
			return written, werr
		}
	}
	return written, nil
}
