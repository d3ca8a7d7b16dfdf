package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirrobot01/streamfetch/internal/request"
)

// Exit codes
const (
	ExitSuccess          = 0
	ExitGeneralError     = 1
	ExitInvalidArgs      = 2
	ExitSourceNotAccess  = 3
	ExitRetriesExhausted = 4
	ExitProtocolError    = 5
	ExitOutputError      = 6
)

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "fetch":
		return runFetch(cmdArgs)
	case "size":
		return runSize(cmdArgs)
	case "serve":
		return runServe(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(stderr, `Usage: streamfetch <command> [options]

Commands:
  fetch   Stream a remote resource to stdout or a file
  size    Print the size of a remote resource
  serve   Run the HTTP gateway

Run 'streamfetch <command> -h' for command-specific help.`)
}

// exitCode maps a fetch failure to a process exit code.
func exitCode(err error) int {
	switch request.KindOf(err) {
	case request.KindNone:
		return ExitSuccess
	case request.KindInvalidURL:
		return ExitInvalidArgs
	case request.KindStatus:
		return ExitSourceNotAccess
	case request.KindRetriesExhausted, request.KindTransient:
		return ExitRetriesExhausted
	case request.KindProtocol:
		return ExitProtocolError
	default:
		return ExitGeneralError
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(stderr, "\n[streamfetch] Received interrupt, shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
