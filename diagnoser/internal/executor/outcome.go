package executor

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// FailureKind classifies why a probe produced no value.
type FailureKind string

const (
	FailureTimeout           FailureKind = "TIMEOUT"
	FailureConnectionError   FailureKind = "CONNECTION_ERROR"
	FailureMalformedResponse FailureKind = "MALFORMED_RESPONSE"
	FailureUnexpectedError   FailureKind = "UNEXPECTED_ERROR"
)

// Failure is a classified probe failure. It implements error so executors can
// return one directly when they already know the classification.
type Failure struct {
	Kind   FailureKind `json:"kind"`
	Detail string      `json:"detail"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

// Malformed returns a MALFORMED_RESPONSE failure.
func Malformed(format string, args ...any) *Failure {
	return &Failure{Kind: FailureMalformedResponse, Detail: fmt.Sprintf(format, args...)}
}

// Unexpected returns an UNEXPECTED_ERROR failure.
func Unexpected(format string, args ...any) *Failure {
	return &Failure{Kind: FailureUnexpectedError, Detail: fmt.Sprintf(format, args...)}
}

// Outcome is the result of one probe execution: a payload or a Failure, never both.
type Outcome struct {
	Probe     string          `json:"probe"`
	Kind      Kind            `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Elapsed   time.Duration   `json:"elapsed"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Failure   *Failure        `json:"failure,omitempty"`
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool {
	return o.Failure == nil
}

func succeeded(spec Spec, started time.Time, payload json.RawMessage) Outcome {
	return Outcome{
		Probe:     spec.Name,
		Kind:      spec.Kind,
		Timestamp: started,
		Elapsed:   time.Since(started),
		Payload:   payload,
	}
}

func failed(spec Spec, started time.Time, f *Failure) Outcome {
	return Outcome{
		Probe:     spec.Name,
		Kind:      spec.Kind,
		Timestamp: started,
		Elapsed:   time.Since(started),
		Failure:   f,
	}
}

// Classify maps an arbitrary error into the failure taxonomy.
func Classify(err error) *Failure {
	if err == nil {
		return nil
	}

	var f *Failure
	if errors.As(err, &f) {
		return f
	}

	return &Failure{Kind: classifyKind(err), Detail: err.Error()}
}

func classifyKind(err error) FailureKind {
	if errors.Is(err, context.Canceled) {
		return FailureUnexpectedError
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return FailureMalformedResponse
	}

	var (
		dnsErr       *net.DNSError
		opErr        *net.OpError
		urlErr       *url.Error
		certErr      *tls.CertificateVerificationError
		recordErr    tls.RecordHeaderError
		authorityErr x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		closeErr     *websocket.CloseError
	)
	switch {
	case errors.As(err, &dnsErr),
		errors.As(err, &opErr),
		errors.As(err, &certErr),
		errors.As(err, &recordErr),
		errors.As(err, &authorityErr),
		errors.As(err, &hostnameErr),
		errors.As(err, &closeErr),
		errors.Is(err, websocket.ErrBadHandshake),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.As(err, &urlErr):
		return FailureConnectionError
	}

	return FailureUnexpectedError
}
