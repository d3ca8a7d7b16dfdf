package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/cavaliergopher/grab/v3"
	"github.com/sirrobot01/streamfetch/internal/logger"
	"github.com/sirrobot01/streamfetch/internal/request"
	"github.com/sirrobot01/streamfetch/internal/utils"
	"github.com/sirrobot01/streamfetch/pkg/stream"
)

func runFetch(args []string) int {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var flags commonFlags
	flags.register(fs)
	output := fs.String("o", "", "Output file (stdout when empty or -)")
	direct := fs.Bool("direct", false, "Download with a resumable file client instead of the range streamer (range mode and -o only)")

	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: streamfetch fetch [options] <url>

Stream a remote resource chunk by chunk. Range mode issues successive
Range requests; -seq fetches the numbered segments announced by segment 0.

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
	l := logger.New("fetch")
	client := newClient(cfg, l)

	ctx, cancel := signalContext()
	defer cancel()

	toStdout := *output == "" || *output == "-"
	if *direct {
		if flags.seq || toStdout {
			fmt.Fprintln(stderr, "Error: -direct needs range mode and -o")
			return ExitInvalidArgs
		}
		if err := grabFile(ctx, client, url, *output); err != nil {
			l.Error().Err(err).Str("url", utils.MaskURL(url)).Msg("Download failed")
			return exitCode(err)
		}
		return ExitSuccess
	}

	st := stream.Open(client, url, flags.mode(), streamOptions(cfg, l))
	start := time.Now()

	var written int64
	if toStdout {
		written, err = stream.Copy(ctx, stdout, st)
	} else {
		written, err = copyToFile(ctx, *output, st)
	}
	if err != nil {
		l.Error().Err(err).Str("url", utils.MaskURL(url)).Int64("written", written).Msg("Fetch failed")
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			return ExitOutputError
		}
		return exitCode(err)
	}
	l.Info().
		Int64("bytes", written).
		Str("elapsed", time.Since(start).Round(time.Millisecond).String()).
		Msg("Fetch complete")
	return ExitSuccess
}

// copyToFile writes into path.part and renames it once the stream completed,
// so a failed fetch never leaves a file that looks whole.
func copyToFile(ctx context.Context, path string, st stream.Stream) (int64, error) {
	partial := path + ".part"
	f, err := os.Create(partial)
	if err != nil {
		_ = st.Close()
		return 0, err
	}
	written, err := stream.Copy(ctx, f, st)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(partial)
		return written, err
	}
	return written, os.Rename(partial, path)
}

// grabFile downloads url to filename, reporting progress every two seconds.
func grabFile(ctx context.Context, client *request.Client, url, filename string) error {
	if _, err := request.ValidateURL(url); err != nil {
		return err
	}
	hc, err := client.HTTPClient(nil)
	if err != nil {
		return err
	}
	gc := &grab.Client{
		UserAgent:  "Mozilla/5.0",
		HTTPClient: hc,
	}

	req, err := grab.NewRequest(filename, url)
	if err != nil {
		return &request.Error{Kind: request.KindInvalidURL, URL: url, Err: err}
	}
	req = req.WithContext(ctx)

	resp := gc.Do(req)
	l := client.Logger()

	t := time.NewTicker(time.Second * 2)
	defer t.Stop()
Loop:
	for {
		select {
		case <-t.C:
			l.Info().
				Int64("downloaded", resp.BytesComplete()).
				Int64("size", resp.Size()).
				Int64("speed", int64(resp.BytesPerSecond())).
				Msg("Downloading")
		case <-resp.Done:
			break Loop
		}
	}

	if err := resp.Err(); err != nil {
		return request.Wrap("GET", url, err)
	}
	l.Info().Int64("bytes", resp.BytesComplete()).Str("file", resp.Filename).Msg("Download complete")
	return nil
}
