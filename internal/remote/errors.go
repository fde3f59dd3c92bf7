package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies failures surfaced by the core.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConnectionFailed
	KindAuthFailed
	KindElevationDenied
	KindParseFailed
	KindVerificationFailed
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnectionFailed:
		return "connection failed"
	case KindAuthFailed:
		return "authentication failed"
	case KindElevationDenied:
		return "elevation denied"
	case KindParseFailed:
		return "parse failed"
	case KindVerificationFailed:
		return "verification failed"
	case KindTimeout:
		return "timeout"
	default:
		return "error"
	}
}

// Error is the uniform error type handed to callers of the core.
type Error struct {
	Kind ErrorKind
	Op   string
	Host string
	// Reason is set for KindElevationDenied.
	Reason ElevationReason
	// Raw carries the offending remote output for parse and elevation
	// failures.
	Raw string
	Err error
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrConnectionFailed   = &Error{Kind: KindConnectionFailed}
	ErrAuthFailed         = &Error{Kind: KindAuthFailed}
	ErrElevationDenied    = &Error{Kind: KindElevationDenied}
	ErrParseFailed        = &Error{Kind: KindParseFailed}
	ErrVerificationFailed = &Error{Kind: KindVerificationFailed}
	ErrTimeout            = &Error{Kind: KindTimeout}
)

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Host != "" {
		b.WriteString(e.Host)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Kind == KindElevationDenied && e.Reason != ReasonNone {
		b.WriteString(" (")
		b.WriteString(e.Reason.String())
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Raw != "" {
		fmt.Fprintf(&b, " [raw: %q]", truncate(e.Raw, 200))
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Host == "" && t.Err == nil && t.Kind == e.Kind
}

// NewError builds an *Error.
func NewError(kind ErrorKind, op, host string, err error) *Error {
	return &Error{Kind: kind, Op: op, Host: host, Err: err}
}

// ParseError reports remote output that did not match the expected shape.
func ParseError(op, raw string, err error) *Error {
	return &Error{Kind: KindParseFailed, Op: op, Raw: raw, Err: err}
}

// ElevationError reports a denied elevation with its reason.
func ElevationError(op, host string, reason ElevationReason, raw string) *Error {
	return &Error{Kind: KindElevationDenied, Op: op, Host: host, Reason: reason, Raw: raw}
}

// KindOf returns the kind of the first *Error in the chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTransportError reports failures of the channel itself, which callers
// must see rather than have absorbed into partial results.
func IsTransportError(err error) bool {
	switch KindOf(err) {
	case KindConnectionFailed, KindAuthFailed, KindTimeout:
		return true
	}
	return false
}

// ClassifyDialError maps a dial or handshake failure to the taxonomy.
// authHints are substrings that identify a rejected login for the backend.
func ClassifyDialError(op, host string, err error, authHints ...string) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, op, host, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return NewError(KindTimeout, op, host, err)
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range authHints {
		if strings.Contains(msg, strings.ToLower(hint)) {
			return NewError(KindAuthFailed, op, host, err)
		}
	}
	return NewError(KindConnectionFailed, op, host, err)
}

// ContextError converts an expired context into a Timeout error. It
// returns nil when the context is still live.
func ContextError(ctx context.Context, op, host string) error {
	switch ctx.Err() {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return NewError(KindTimeout, op, host, ctx.Err())
	default:
		return ctx.Err()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
