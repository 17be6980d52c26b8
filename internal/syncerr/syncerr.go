// Package syncerr defines the error kinds surfaced by the sync engine.
//
// Every failure leaving the engine is classified by a Kind. Callers match
// kinds with errors.Is against the exported sentinels, or use KindOf to get
// the kind of an arbitrary error chain.
package syncerr

import (
	"errors"
	"fmt"
	"io/fs"
)

// Kind identifies a class of sync failure. Kinds are strings so they
// serialize naturally in API responses and logs.
type Kind string

const (
	// KindIO indicates a directory or file create, read, write or delete failure.
	KindIO Kind = "IO_ERROR"

	// KindFormat indicates a malformed persisted or remote manifest.
	KindFormat Kind = "FORMAT_ERROR"

	// KindTransfer indicates a non-success response or a failed stream read.
	KindTransfer Kind = "TRANSFER_ERROR"

	// KindHashMismatch indicates downloaded content that does not match its declared hash.
	KindHashMismatch Kind = "HASH_MISMATCH"

	// KindCancelled indicates a run stopped by a cancel request.
	KindCancelled Kind = "CANCELLED"

	// KindPaused indicates a run stopped by a pause request.
	KindPaused Kind = "PAUSED"

	// KindArchive indicates a corrupt or unreadable archive payload.
	KindArchive Kind = "ARCHIVE_ERROR"

	// KindInvalidInput indicates a request or manifest entry that cannot be acted on.
	KindInvalidInput Kind = "INVALID_INPUT"
)

// Sentinels for errors.Is. They carry only a kind.
var (
	ErrIO           = &Error{Kind: KindIO}
	ErrFormat       = &Error{Kind: KindFormat}
	ErrTransfer     = &Error{Kind: KindTransfer}
	ErrHashMismatch = &Error{Kind: KindHashMismatch}
	ErrCancelled    = &Error{Kind: KindCancelled}
	ErrPaused       = &Error{Kind: KindPaused}
	ErrArchive      = &Error{Kind: KindArchive}
	ErrInvalidInput = &Error{Kind: KindInvalidInput}
)

// Error is a classified failure with the operation and path it concerns.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Op is the operation that failed (e.g. "save manifest", "fetch").
	Op string

	// Path is the file or URL involved, if any.
	Path string

	// Err is the underlying cause.
	Err error
}

// New creates a classified error.
func New(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// IO wraps err as an IO_ERROR for op on path.
func IO(op, path string, err error) *Error {
	return New(KindIO, op, path, err)
}

// Format wraps err as a FORMAT_ERROR for op on path.
func Format(op, path string, err error) *Error {
	return New(KindFormat, op, path, err)
}

// Invalid reports an INVALID_INPUT with a formatted message.
func Invalid(op, format string, args ...any) *Error {
	return New(KindInvalidInput, op, "", fmt.Errorf(format, args...))
}

func (e *Error) Error() string {
	if e.Op == "" && e.Err == nil {
		return string(e.Kind)
	}
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		if msg == "" {
			return e.Err.Error()
		}
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Path == "" && t.Err == nil && t.Kind == e.Kind
}

// HashMismatchError reports downloaded content whose digest differs from the declared one.
type HashMismatchError struct {
	Name     string
	Expected string
	Actual   string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("file hash mismatch for %s: expected %s, got %s", e.Name, e.Expected, e.Actual)
}

// Is matches ErrHashMismatch.
func (e *HashMismatchError) Is(target error) bool {
	return target == ErrHashMismatch
}

// StatusError reports a non-success response from the remote source.
type StatusError struct {
	Name       string
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("failed to download file: %s received %d response", e.Name, e.StatusCode)
}

// Is matches ErrTransfer.
func (e *StatusError) Is(target error) bool {
	return target == ErrTransfer
}

// KindOf returns the kind of the first classified error in err's chain.
// Unclassified filesystem errors count as IO_ERROR; anything else is "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var hm *HashMismatchError
	if errors.As(err, &hm) {
		return KindHashMismatch
	}
	var se *StatusError
	if errors.As(err, &se) {
		return KindTransfer
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return KindIO
	}
	return ""
}
