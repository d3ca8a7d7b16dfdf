package stream

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sirrobot01/streamfetch/internal/request"
)

// DefaultChunkSize is the range size requested per call, and the provisional
// total size assumed until the server reports the real one.
const DefaultChunkSize int64 = 9437184 // 9MiB

type Mode string

const (
	ModeRange      Mode = "range"
	ModeSequential Mode = "seq"
)

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "range":
		return ModeRange, nil
	case "seq", "sequential":
		return ModeSequential, nil
	default:
		return "", fmt.Errorf("unknown stream mode %q", s)
	}
}

type Options struct {
	ChunkSize int64
	// Timeout applies to every HTTP attempt separately.
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
	Headers    map[string]string
	Proxies    request.Proxies
	Logger     zerolog.Logger
}

func DefaultOptions() Options {
	return Options{
		ChunkSize: DefaultChunkSize,
		Timeout:   request.DefaultTimeout,
		Logger:    zerolog.Nop(),
	}
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Timeout <= 0 {
		o.Timeout = request.DefaultTimeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	return o
}

func (o Options) policy(logger zerolog.Logger) request.Policy {
	return request.Policy{
		MaxRetries: o.MaxRetries,
		Backoff:    o.Backoff,
		MaxBackoff: o.MaxBackoff,
		Logger:     logger,
	}
}

func (o Options) headers(extra map[string]string) map[string]string {
	h := make(map[string]string, len(o.Headers)+len(extra))
	for k, v := range o.Headers {
		h[k] = v
	}
	for k, v := range extra {
		h[k] = v
	}
	return h
}
