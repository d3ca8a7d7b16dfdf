package main

import (
	"flag"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/sirrobot01/streamfetch/internal/config"
	"github.com/sirrobot01/streamfetch/internal/logger"
	"github.com/sirrobot01/streamfetch/internal/request"
	"github.com/sirrobot01/streamfetch/pkg/stream"
)

// commonFlags are shared by every command that talks to a remote server.
type commonFlags struct {
	configDir string
	logLevel  string
	seq       bool
	retries   int
	timeout   time.Duration
	chunk     string
	proxy     string
}

func (f *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configDir, "config", "", "Config folder (config.yaml or config.json); environment only when empty")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	fs.BoolVar(&f.seq, "seq", false, "Sequential segment mode (sq=0..N)")
	fs.IntVar(&f.retries, "retries", -1, "Retries per request after a transient failure")
	fs.DurationVar(&f.timeout, "timeout", 0, "Timeout per HTTP attempt")
	fs.StringVar(&f.chunk, "chunk", "", "Range chunk size, e.g. 9MiB")
	fs.StringVar(&f.proxy, "proxy", "", "Proxy URI for http and https (http://, socks5://)")
}

func (f *commonFlags) mode() stream.Mode {
	if f.seq {
		return stream.ModeSequential
	}
	return stream.ModeRange
}

// load reads the configuration and applies flag overrides on top.
func (f *commonFlags) load() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if f.configDir != "" {
		config.SetConfigPath(f.configDir)
		cfg, err = config.Load(f.configDir)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return nil, err
	}

	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.retries >= 0 {
		cfg.Stream.MaxRetries = f.retries
	}
	if f.timeout > 0 {
		cfg.Stream.Timeout = f.timeout.String()
	}
	if f.chunk != "" {
		cfg.Stream.ChunkSize = f.chunk
	}
	if f.proxy != "" {
		cfg.Proxy = f.proxy
		cfg.Proxies = nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config, fileLogs bool) error {
	dir := ""
	if fileLogs && cfg.Path != "" {
		dir = filepath.Join(cfg.Path, "logs")
	}
	return logger.Setup(cfg.LogLevel, dir)
}

func newClient(cfg *config.Config, l zerolog.Logger) *request.Client {
	return request.New(
		request.WithHeaders(cfg.Stream.Headers),
		request.WithProxies(cfg.GetProxies()),
		request.WithTimeout(cfg.GetTimeout()),
		request.WithRateLimiter(request.ParseRateLimit(cfg.Stream.RateLimit)),
		request.WithRetryableStatus(cfg.Stream.RetryableStatus...),
		request.WithLogger(l),
	)
}

func streamOptions(cfg *config.Config, l zerolog.Logger) stream.Options {
	opts := stream.DefaultOptions()
	opts.ChunkSize = cfg.GetChunkSize()
	opts.Timeout = cfg.GetTimeout()
	opts.MaxRetries = cfg.Stream.MaxRetries
	opts.Backoff = cfg.GetBackoff()
	opts.MaxBackoff = cfg.GetMaxBackoff()
	opts.Proxies = cfg.GetProxies()
	opts.Logger = l
	return opts
}
