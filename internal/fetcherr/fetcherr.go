// Package fetcherr defines the tagged errors returned by the fetch pipeline.
//
// Every failure is reported as an *Error carrying a Kind. Kind implements
// error, so callers can match with errors.Is(err, fetcherr.HashMismatch).
package fetcherr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a pipeline failure.
type Kind uint8

const (
	Unknown Kind = iota
	DirectoryCreateFailed
	NetworkFailed
	HashMismatch
	PersistFailed
	UnsupportedArchiveFormat
	ExternalToolFailed
	StreamSpliceFailed
	FilesystemEnumerationFailed
	MoveConflict
	MoveFailed
	DirectoryDeleteFailed
	InvalidRequest
	ArchiveTooLarge
)

var kindNames = map[Kind]string{
	Unknown:                     "unknown error",
	DirectoryCreateFailed:       "directory create failed",
	NetworkFailed:               "network failed",
	HashMismatch:                "hash mismatch",
	PersistFailed:               "persist failed",
	UnsupportedArchiveFormat:    "unsupported archive format",
	ExternalToolFailed:          "external tool failed",
	StreamSpliceFailed:          "stream splice failed",
	FilesystemEnumerationFailed: "filesystem enumeration failed",
	MoveConflict:                "move conflict",
	MoveFailed:                  "move failed",
	DirectoryDeleteFailed:       "directory delete failed",
	InvalidRequest:              "invalid request",
	ArchiveTooLarge:             "archive too large",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error makes a Kind usable as an errors.Is target.
func (k Kind) Error() string {
	return k.String()
}

// Error is a tagged pipeline failure.
type Error struct {
	Kind Kind
	// Path is the file, directory or URL the failure relates to. May be empty.
	Path string
	Err  error
}

// New returns an *Error of the given kind.
func New(kind Kind, path string, err error) *Error {
	return &Error{Kind: kind, Path: path, Err: err}
}

// Errorf returns an *Error of the given kind with a formatted cause.
func Errorf(kind Kind, path string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Path: path, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Path != "" {
		b.WriteString(" (")
		b.WriteString(e.Path)
		b.WriteString(")")
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

// Is reports whether target is the Kind of e.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the Kind of the outermost *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// HashMismatchError reports a downloaded payload whose digest differs from
// the expected one.
type HashMismatchError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("wrong sha256 for %s, expected %s, was %s", e.Path, e.Expected, e.Actual)
}

// ToolError describes a failed external tool invocation.
type ToolError struct {
	Tool string
	Args []string
	// ExitCode is -1 when the process never started or was killed.
	ExitCode int
	// Stderr holds the tail of the tool's standard error, if captured.
	Stderr string
	Err    error
}

func (e *ToolError) Error() string {
	var b strings.Builder
	b.WriteString(e.Tool)
	if e.ExitCode >= 0 {
		fmt.Fprintf(&b, " exited with status %d", e.ExitCode)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		b.WriteString(": ")
		b.WriteString(s)
	}
	return b.String()
}

func (e *ToolError) Unwrap() error {
	return e.Err
}
