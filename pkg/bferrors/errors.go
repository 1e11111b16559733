// Package bferrors provides a structured error system for the cache
// engine, carrying the severity kinds the engine distinguishes between
// rather than a bare errno.
package bferrors

import (
	"fmt"
	"syscall"
)

// Kind identifies one of the six error kinds the cache engine
// distinguishes between: five severities, listed in decreasing
// severity, plus KindOverflow, split out of KindBadInput.
type Kind string

const (
	// KindInvariantViolation marks queue corruption or other state the
	// engine refuses to operate on further without an operator-triggered
	// orphan sweep.
	KindInvariantViolation Kind = "invariant_violation"
	// KindTransientDiskFull marks ENOSPC conditions that a caller should
	// retry after the engine has forced an eviction.
	KindTransientDiskFull Kind = "transient_disk_full"
	// KindBackingChanged marks an mtime mismatch between the cache and
	// the backing store, resulting in invalidation.
	KindBackingChanged Kind = "backing_changed"
	// KindAbsent marks a benign cache miss.
	KindAbsent Kind = "absent"
	// KindBadInput marks a caller-supplied offset/length violation.
	KindBadInput Kind = "bad_input"
	// KindOverflow marks an Add payload larger than the configured block
	// size, distinct from KindBadInput per the external interface table
	// (EOVERFLOW, not EINVAL).
	KindOverflow Kind = "overflow"
)

// Errno returns the POSIX errno this kind is reported to a FUSE driver
// as, per the external interface table.
func (k Kind) Errno() syscall.Errno {
	switch k {
	case KindInvariantViolation:
		return syscall.EIO
	case KindTransientDiskFull:
		return syscall.EAGAIN
	case KindBackingChanged, KindAbsent:
		return syscall.ENOENT
	case KindBadInput:
		return syscall.EINVAL
	case KindOverflow:
		return syscall.EOVERFLOW
	default:
		return syscall.EIO
	}
}

// Error is a structured error carrying the kind, the failing operation
// and path, and an optional wrapped cause.
type Error struct {
	Kind  Kind
	Op    string
	Path  string
	Cause error
}

// New creates an Error of the given kind for the named operation.
func New(kind Kind, op string, message string) *Error {
	return &Error{Kind: kind, Op: op, Cause: fmt.Errorf("%s", message)}
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is compares by Kind, so errors.Is(err, &bferrors.Error{Kind: k})
// matches any *Error of kind k in err's chain.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// WithPath sets the path the error pertains to.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithCause replaces the wrapped cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// Errno returns the POSIX errno a FUSE layer should surface for err, or
// syscall.EIO if err is not a *Error.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var bferr *Error
	if ok := as(err, &bferr); ok {
		return bferr.Kind.Errno()
	}
	return syscall.EIO
}

func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Absent builds a KindAbsent error, the engine's benign-miss case.
func Absent(op, path string) *Error {
	return &Error{Kind: KindAbsent, Op: op, Path: path, Cause: syscall.ENOENT}
}

// BadInput builds a KindBadInput error for a rejected offset/length.
func BadInput(op, path string, cause error) *Error {
	return &Error{Kind: KindBadInput, Op: op, Path: path, Cause: cause}
}

// Overflow builds a KindOverflow error for an Add payload larger than
// the configured block size.
func Overflow(op, path string, cause error) *Error {
	return &Error{Kind: KindOverflow, Op: op, Path: path, Cause: cause}
}

// TransientDiskFull builds a KindTransientDiskFull error signalling the
// caller should retry after the engine evicted to make room.
func TransientDiskFull(op, path string) *Error {
	return &Error{Kind: KindTransientDiskFull, Op: op, Path: path, Cause: syscall.EAGAIN}
}

// BackingChanged builds a KindBackingChanged error for an mtime mismatch.
func BackingChanged(op, path string) *Error {
	return &Error{Kind: KindBackingChanged, Op: op, Path: path, Cause: syscall.ENOENT}
}

// InvariantViolation builds a KindInvariantViolation error for corrupted
// queue state detected mid-operation.
func InvariantViolation(op, path, message string) *Error {
	return &Error{Kind: KindInvariantViolation, Op: op, Path: path, Cause: fmt.Errorf("%s", message)}
}
