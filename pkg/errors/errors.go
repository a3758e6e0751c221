// Package errors defines the error taxonomy shared by the walker, indexer,
// store, watcher and query engine. Sentinels are matched with errors.Is and
// classified into a Kind that decides whether an operation continues.
package errors

import (
	"errors"
	"fmt"
)

var (
	ErrQuerySyntax      = errors.New("query syntax error")
	ErrCorruptSegment   = errors.New("segment checksum mismatch")
	ErrCorruptManifest  = errors.New("manifest checksum mismatch")
	ErrNoManifest       = errors.New("no valid manifest")
	ErrIndexUnwritable  = errors.New("index directory unwritable")
	ErrPermissionDenied = errors.New("permission denied")
	ErrTimeout          = errors.New("operation timed out")
	ErrOverflow         = errors.New("watch event overflow")
	ErrInvalidRoot      = errors.New("invalid scan root")
	ErrClosed           = errors.New("engine closed")
	ErrJournalDisabled  = errors.New("scan journal not enabled")
)

// Kind groups errors by how the caller must react to them.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient errors skip the affected entry and are recorded in diagnostics.
	KindTransient
	// KindCorruption errors exclude the affected segment or manifest.
	KindCorruption
	// KindOverflow errors trigger a fallback rescan.
	KindOverflow
	// KindSyntax errors are returned to the query caller.
	KindSyntax
	// KindFatal errors abort the in-progress scan or flush.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindCorruption:
		return "corruption"
	case KindOverflow:
		return "overflow"
	case KindSyntax:
		return "syntax"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries the operation and path an underlying error belongs to.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with an operation, a path and an explicit kind.
func New(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// Syntaxf builds a query syntax error.
func Syntaxf(format string, args ...any) error {
	return &Error{
		Kind: KindSyntax,
		Op:   "parse query",
		Err:  fmt.Errorf("%w: %s", ErrQuerySyntax, fmt.Sprintf(format, args...)),
	}
}

// KindOf classifies err. An explicit *Error kind wins over sentinel matching.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != KindUnknown {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrTimeout), errors.Is(err, ErrInvalidRoot):
		return KindTransient
	case errors.Is(err, ErrCorruptSegment), errors.Is(err, ErrCorruptManifest):
		return KindCorruption
	case errors.Is(err, ErrOverflow):
		return KindOverflow
	case errors.Is(err, ErrQuerySyntax):
		return KindSyntax
	case errors.Is(err, ErrIndexUnwritable), errors.Is(err, ErrNoManifest):
		return KindFatal
	default:
		return KindUnknown
	}
}

// IsFatal reports whether err must abort the surrounding operation.
func IsFatal(err error) bool {
	return KindOf(err) == KindFatal
}
