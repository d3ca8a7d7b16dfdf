package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/sirrobot01/streamfetch/internal/config"
	"github.com/sirrobot01/streamfetch/internal/logger"
	"github.com/sirrobot01/streamfetch/pkg/server"
	"github.com/sirrobot01/streamfetch/pkg/stream"
	"golang.org/x/sync/errgroup"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configDir := fs.String("config", "/data", "Config folder (config.yaml or config.json)")
	port := fs.String("port", "", "Listen port (overrides config)")
	setAuth := fs.String("set-auth", "", "Store gateway credentials as user:password in auth.json and exit")

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: streamfetch serve [options]

Run the HTTP gateway. Send SIGHUP to reload the configuration.

Options:`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}
	if *setAuth != "" {
		return saveCredentials(*configDir, *setAuth)
	}
	config.SetConfigPath(*configDir)
	defer logger.Close()

	ctx, cancel := signalContext()
	defer cancel()

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)

	for {
		cfg := config.Get()
		if *port != "" {
			cfg.Port = *port
		}
		if err := setupLogging(cfg, true); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return ExitGeneralError
		}
		_log := logger.Default()
		_log.Info().
			Str("port", cfg.Port).
			Str("log_level", cfg.LogLevel).
			Str("chunk_size", cfg.Stream.ChunkSize).
			Msg("Starting streamfetch gateway")

		svcCtx, cancelSvc := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			done <- startServices(svcCtx, cfg)
		}()

		select {
		case <-ctx.Done():
			cancelSvc()
			if err := <-done; err != nil {
				_log.Error().Err(err).Msg("Error stopping services")
				return ExitGeneralError
			}
			return ExitSuccess

		case err := <-done:
			cancelSvc()
			if err != nil {
				_log.Error().Err(err).Msg("Service error detected")
				return ExitGeneralError
			}
			return ExitSuccess

		case <-reload:
			_log.Info().Msg("Reloading configuration...")
			cancelSvc()
			<-done
			config.Reload()
		}
	}
}

// saveCredentials hashes the password from a "user:password" pair into the
// auth file of the config folder.
func saveCredentials(dir, pair string) int {
	username, password, ok := strings.Cut(pair, ":")
	if !ok || username == "" || password == "" {
		fmt.Fprintln(stderr, "Error: -set-auth expects user:password")
		return ExitInvalidArgs
	}
	cfg, err := config.Load(dir)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	if err := cfg.SetCredentials(username, password); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitOutputError
	}
	fmt.Fprintf(stdout, "Credentials for %s saved to %s\n", username, cfg.AuthFile())
	if !cfg.UseAuth {
		fmt.Fprintln(stderr, "Note: set use_auth to true in the config to require them")
	}
	return ExitSuccess
}

// startServices runs the gateway until ctx is done or a service fails.
func startServices(ctx context.Context, cfg *config.Config) error {
	_log := logger.Default()
	l := logger.New("stream")
	opts := streamOptions(cfg, l)
	client := newClient(cfg, l)
	sizer := stream.NewSizer(client, stream.NewSizeCache(cfg.GetCacheTTL()), opts)
	srv := server.New(cfg, client, sizer, opts)

	g, gCtx := errgroup.WithContext(ctx)
	safeGo := func(f func() error) {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					_log.Error().
						Interface("panic", r).
						Str("stack", string(debug.Stack())).
						Msg("Recovered from panic in goroutine")
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return f()
		})
	}

	safeGo(func() error {
		return srv.Start(gCtx)
	})

	return g.Wait()
}
