package request

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// Kind classifies the outcome of a single request attempt.
type Kind int

const (
	KindNone Kind = iota
	// KindInvalidURL is returned before any network call for non-HTTP(S) URLs.
	KindInvalidURL
	// KindTransient covers timeouts and connection-level failures. Retried.
	KindTransient
	// KindRetriesExhausted is returned once the retry budget is spent.
	KindRetriesExhausted
	// KindProtocol means the server answered but not in the expected shape.
	KindProtocol
	// KindStatus is a non-2xx response.
	KindStatus
	// KindFatal is every other failure. Never retried.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInvalidURL:
		return "invalid_url"
	case KindTransient:
		return "transient"
	case KindRetriesExhausted:
		return "retries_exhausted"
	case KindProtocol:
		return "protocol"
	case KindStatus:
		return "status"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	ErrInvalidURL           = errors.New("invalid URL")
	ErrRetriesExhausted     = errors.New("max retries exceeded")
	ErrPatternNotFound      = errors.New("pattern not found")
	ErrInvalidContentLength = errors.New("missing or invalid content-length")
	errReadTimeout          = timeoutError{}
)

// Error is the error type returned by the client and the retry policy.
type Error struct {
	Kind       Kind
	Op         string
	URL        string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("request")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.URL != "" {
		b.WriteString(" ")
		b.WriteString(e.URL)
	}
	b.WriteString(" [")
	b.WriteString(e.Kind.String())
	b.WriteString("]")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " HTTP %d", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrRetriesExhausted:
		return e.Kind == KindRetriesExhausted
	case ErrInvalidURL:
		return e.Kind == KindInvalidURL
	}
	return false
}

// KindOf reports the Kind of err. Errors not produced by this package are
// classified by inspecting the underlying network error.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var reqErr *Error
	if errors.As(err, &reqErr) {
		return reqErr.Kind
	}
	return classify(err)
}

// IsRetryable reports whether the retry policy will try again after err.
func IsRetryable(err error) bool {
	var reqErr *Error
	if errors.As(err, &reqErr) {
		switch reqErr.Kind {
		case KindTransient:
			return true
		case KindStatus:
			return reqErr.Retryable
		default:
			return false
		}
	}
	return classify(err) == KindTransient
}

// Wrap attaches op and url to err, classifying it when it is not already a
// *Error.
func Wrap(op, url string, err error) error {
	if err == nil {
		return nil
	}
	var reqErr *Error
	if errors.As(err, &reqErr) {
		return err
	}
	return &Error{Kind: classify(err), Op: op, URL: url, Err: err}
}

// ProtocolError reports a response that arrived but could not be understood.
// It is never retried.
func ProtocolError(op, url string, err error) error {
	return &Error{Kind: KindProtocol, Op: op, URL: url, Err: err}
}

func classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, errReadTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	if errors.Is(err, context.Canceled) {
		return KindFatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindTransient
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial", "read", "write":
			return KindTransient
		}
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return KindTransient
	}

	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "connection reset by peer") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "server closed idle connection") {
		return KindTransient
	}

	return KindFatal
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "read timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
