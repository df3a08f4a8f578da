package ollama

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures returned by Client operations.
type ErrorKind int

const (
	// KindConnectivity means the server could not be reached or the stream broke mid-read.
	KindConnectivity ErrorKind = iota + 1
	// KindStatus means the server answered with a non-2xx status.
	KindStatus
	// KindCancelled means the caller's context ended the operation.
	KindCancelled
	// KindDecode means a buffered response body was not the expected JSON.
	KindDecode
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity"
	case KindStatus:
		return "status"
	case KindCancelled:
		return "cancelled"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Error is returned by every Client operation that talks to the server.
type Error struct {
	Kind       ErrorKind
	Op         string
	Model      string
	Path       string
	StatusCode int
	Detail     string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Model != "" {
		fmt.Fprintf(&b, " %s", e.Model)
	}
	switch e.Kind {
	case KindStatus:
		fmt.Fprintf(&b, ": %s returned status %d", e.Path, e.StatusCode)
		if e.Detail != "" {
			fmt.Fprintf(&b, ": %s", e.Detail)
		}
	case KindCancelled:
		b.WriteString(": cancelled")
	default:
		if e.Err != nil {
			fmt.Fprintf(&b, ": %v", e.Err)
		} else if e.Detail != "" {
			fmt.Fprintf(&b, ": %s", e.Detail)
		}
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// IsCancelled reports whether err ended because the caller's context was done.
// A timeout imposed by the client itself is a connectivity error, not a
// cancellation.
func IsCancelled(err error) bool {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind == KindCancelled
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsStatus reports whether err is a non-2xx response with the given code.
// A code of 0 matches any status error.
func IsStatus(err error, code int) bool {
	var oe *Error
	if !errors.As(err, &oe) || oe.Kind != KindStatus {
		return false
	}
	return code == 0 || oe.StatusCode == code
}

// IsConnectivity reports whether err means the server could not be reached.
func IsConnectivity(err error) bool {
	var oe *Error
	return errors.As(err, &oe) && oe.Kind == KindConnectivity
}

// requestError classifies a failure from http.Client.Do or a body read. ctx
// must be the caller's context, not one derived with the client's own timeout.
func requestError(ctx context.Context, op, model, path string, err error) *Error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &Error{Kind: KindCancelled, Op: op, Model: model, Path: path, Err: ctxErr}
	}
	return &Error{Kind: KindConnectivity, Op: op, Model: model, Path: path, Err: err}
}

// Timeout turns a cancellation caused by ctx's deadline into a connectivity
// error. Callers use it when they derived ctx with their own time limit and
// the outer context is still live. Other errors are returned as is.
func Timeout(ctx context.Context, err error) error {
	var oe *Error
	if !errors.As(err, &oe) || oe.Kind != KindCancelled || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return err
	}
	return &Error{Kind: KindConnectivity, Op: oe.Op, Model: oe.Model, Path: oe.Path, Err: fmt.Errorf("timed out: %w", oe.Err)}
}
