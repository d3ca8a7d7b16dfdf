package main

import (
	"encoding/json"
	"flag"
	"fmt"

	"github.com/sirrobot01/streamfetch/internal/logger"
	"github.com/sirrobot01/streamfetch/internal/utils"
	"github.com/sirrobot01/streamfetch/pkg/stream"
)

func runSize(args []string) int {
	fs := flag.NewFlagSet("size", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var flags commonFlags
	flags.register(fs)
	asJSON := fs.Bool("json", false, "Print a JSON object instead of a bare number")

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: streamfetch size [options] <url>

Print the size in bytes of a remote resource. Range mode sends one HEAD
request; -seq reads segment 0 and sums the HEAD sizes of every segment.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Error: exactly one URL is required")
		fs.Usage()
		return ExitInvalidArgs
	}
	url := fs.Arg(0)

	cfg, err := flags.load()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	if err := setupLogging(cfg, false); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitGeneralError
	}
	l := logger.New("size")

	ctx, cancel := signalContext()
	defer cancel()

	opts := streamOptions(cfg, l)
	sizer := stream.NewSizer(newClient(cfg, l), stream.NewSizeCache(0), opts)
	size, err := sizer.SizeFor(ctx, flags.mode(), url, opts.Proxies)
	if err != nil {
		l.Error().Err(err).Str("url", utils.MaskURL(url)).Msg("Size lookup failed")
		return exitCode(err)
	}

	if *asJSON {
		_ = json.NewEncoder(stdout).Encode(map[string]any{
			"url":  url,
			"mode": flags.mode(),
			"size": size,
		})
	} else {
		fmt.Fprintln(stdout, size)
	}
	return ExitSuccess
}
