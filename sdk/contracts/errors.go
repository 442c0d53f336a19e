package contracts

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the closed set of failure categories every backend maps its native errors onto.
type ErrorKind uint8

const (
	// KindOther carries a native code and description that fit no other kind.
	KindOther ErrorKind = iota
	// KindBackendUnavailable means the driver subsystem itself cannot be reached.
	KindBackendUnavailable
	// KindInvalidPort means the descriptor no longer refers to a live device.
	KindInvalidPort
	// KindConnectionFailed means the native API refused the connection (busy, permission denied).
	KindConnectionFailed
	// KindNotSupported means the backend lacks the requested capability.
	KindNotSupported
	// KindDisconnected means the connection is closed or its device went away.
	KindDisconnected
	// KindInvalidMessage means the caller supplied bytes that cannot be sent.
	KindInvalidMessage
)

var kindNames = [...]string{
	KindOther:              "other",
	KindBackendUnavailable: "backend unavailable",
	KindInvalidPort:        "invalid port",
	KindConnectionFailed:   "connection failed",
	KindNotSupported:       "not supported",
	KindDisconnected:       "disconnected",
	KindInvalidMessage:     "invalid message",
}

func (k ErrorKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Sentinel errors for matching with errors.Is. Any *Error of the same kind matches.
var (
	ErrBackendUnavailable = &Error{Kind: KindBackendUnavailable}
	ErrInvalidPort        = &Error{Kind: KindInvalidPort}
	ErrConnectionFailed   = &Error{Kind: KindConnectionFailed}
	ErrNotSupported       = &Error{Kind: KindNotSupported}
	ErrDisconnected       = &Error{Kind: KindDisconnected}
	ErrInvalidMessage     = &Error{Kind: KindInvalidMessage}
)

// Error is the single error type surfaced by the SDK and every backend.
type Error struct {
	Kind        ErrorKind
	Op          string // Operation that failed, e.g. "open input".
	Backend     string // Backend name, when known.
	Code        int    // Native error code, meaningful for KindOther and diagnostics.
	Description string // Native or human readable description.
	Err         error  // Underlying cause, if any.
}

// NewError builds an error of the given kind. cause may be nil.
func NewError(kind ErrorKind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Errorf builds an error of the given kind with a formatted description.
func Errorf(kind ErrorKind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Description: fmt.Sprintf(format, args...)}
}

// Native builds a KindOther error preserving the native diagnostic.
func Native(op string, code int, description string) *Error {
	return &Error{Kind: KindOther, Op: op, Code: code, Description: description}
}

// WithBackend returns a copy of e tagged with the backend name.
func (e *Error) WithBackend(name string) *Error {
	c := *e
	c.Backend = name
	return &c
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("midi")
	if e.Backend != "" {
		b.WriteString(" ")
		b.WriteString(e.Backend)
	}
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Kind == KindOther && e.Code != 0 {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}
	if e.Description != "" {
		b.WriteString(": ")
		b.WriteString(e.Description)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or KindOther.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

// AsError converts any error into an *Error, keeping an existing one untouched.
// Foreign errors become KindOther with their text as description.
func AsError(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindOther, Op: op, Err: err}
}
