package stream

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sirrobot01/streamfetch/internal/request"
)

// SegmentStream yields a segmented resource in order. Segment 0 is the
// header segment; its "Segment-Count" line announces how many media segments
// follow. Each segment is itself fetched as a RangeStream.
type SegmentStream struct {
	client *request.Client
	opts   Options
	logger zerolog.Logger
	seg    *segmenter

	seq     int
	count   int
	header  []byte
	current *RangeStream
	err     error
}

// NewSegmentStream never fails; an invalid URL is reported by the first call
// to Next.
func NewSegmentStream(client *request.Client, url string, opts Options) *SegmentStream {
	opts = opts.withDefaults()
	s := &SegmentStream{
		client: client,
		opts:   opts,
		logger: opts.Logger.With().
			Str("stream_id", uuid.NewString()).
			Str("mode", string(ModeSequential)).
			Logger(),
		count: -1,
	}
	seg, err := newSegmenter(url)
	if err != nil {
		s.err = err
		return s
	}
	s.seg = seg
	return s
}

// Seq returns the number of the segment being streamed.
func (s *SegmentStream) Seq() int {
	return s.seq
}

// Count returns the announced number of media segments, or -1 before the
// header segment has been read.
func (s *SegmentStream) Count() int {
	return s.count
}

func (s *SegmentStream) Next(ctx context.Context) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	for {
		if s.current == nil {
			if s.count >= 0 && s.seq > s.count {
				s.err = io.EOF
				return nil, io.EOF
			}
			s.current = s.segment(s.seq)
		}

		chunk, err := s.current.Next(ctx)
		if err == nil {
			if s.seq == 0 {
				s.header = append(s.header, chunk...)
			}
			return chunk, nil
		}
		if !errors.Is(err, io.EOF) {
			return nil, s.fail(err)
		}

		s.current = nil
		if s.seq == 0 {
			count, perr := ParseSegmentCount(s.header)
			if perr != nil {
				return nil, s.fail(request.ProtocolError(http.MethodGet, s.seg.url(0), perr))
			}
			s.count = count
			s.header = nil
			s.logger.Debug().Int("segments", count).Msg("Parsed segment count")
		}
		s.seq++
	}
}

func (s *SegmentStream) segment(seq int) *RangeStream {
	opts := s.opts
	opts.Logger = s.logger.With().Int("seq", seq).Logger()
	return NewRangeStream(s.client, s.seg.url(seq), opts)
}

func (s *SegmentStream) fail(err error) error {
	if s.current != nil {
		_ = s.current.Close()
		s.current = nil
	}
	s.err = err
	return err
}

func (s *SegmentStream) Close() error {
	var err error
	if s.current != nil {
		err = s.current.Close()
		s.current = nil
	}
	if s.err == nil {
		s.err = ErrClosed
	}
	return err
}
