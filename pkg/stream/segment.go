package stream

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirrobot01/streamfetch/internal/request"
)

// SeqParam is the query parameter carrying the segment number.
const SeqParam = "sq"

var segmentCountPattern = regexp.MustCompile(`Segment-Count: (\d+)`)

// Query is an insertion-ordered set of query parameters. Setting an existing
// key replaces its value in place.
type Query struct {
	keys   []string
	values map[string]string
}

// ParseQuery parses a raw query string. Repeated keys keep their first
// position and their last value; blank values are kept.
func ParseQuery(raw string) (*Query, error) {
	q := &Query{values: make(map[string]string)}
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, fmt.Errorf("invalid query key %q: %w", k, err)
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			return nil, fmt.Errorf("invalid query value for %q: %w", key, err)
		}
		q.Set(key, value)
	}
	return q, nil
}

func (q *Query) Set(key, value string) {
	if _, ok := q.values[key]; !ok {
		q.keys = append(q.keys, key)
	}
	q.values[key] = value
}

func (q *Query) Get(key string) (string, bool) {
	v, ok := q.values[key]
	return v, ok
}

func (q *Query) Len() int {
	return len(q.keys)
}

func (q *Query) Encode() string {
	var b strings.Builder
	for i, k := range q.keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(q.values[k]))
	}
	return b.String()
}

// segmenter rebuilds a URL as scheme://host/path?<params> with the sq
// parameter replaced.
type segmenter struct {
	base  string
	query *Query
}

func newSegmenter(rawURL string) (*segmenter, error) {
	u, err := request.ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}
	q, err := ParseQuery(u.RawQuery)
	if err != nil {
		return nil, &request.Error{Kind: request.KindInvalidURL, URL: rawURL, Err: err}
	}
	return &segmenter{
		base:  fmt.Sprintf("%s://%s%s", u.Scheme, u.Host, u.EscapedPath()),
		query: q,
	}, nil
}

func (s *segmenter) url(seq int) string {
	s.query.Set(SeqParam, strconv.Itoa(seq))
	return s.base + "?" + s.query.Encode()
}

// SegmentURL returns rawURL rewritten to request segment seq, keeping the
// parameters of the source URL in order.
func SegmentURL(rawURL string, seq int) (string, error) {
	s, err := newSegmenter(rawURL)
	if err != nil {
		return "", err
	}
	return s.url(seq), nil
}

// ParseSegmentCount scans the CRLF-separated header segment for a
// "Segment-Count: N" line. When several lines match, the last one wins.
func ParseSegmentCount(header []byte) (int, error) {
	count, found := 0, false
	for _, line := range bytes.Split(header, []byte("\r\n")) {
		m := segmentCountPattern.FindSubmatch(line)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(string(m[1]))
		if err != nil {
			return 0, fmt.Errorf("invalid segment count %q: %w", m[1], err)
		}
		count, found = n, true
	}
	if !found {
		return 0, fmt.Errorf("%w: %s", request.ErrPatternNotFound, segmentCountPattern.String())
	}
	return count, nil
}
