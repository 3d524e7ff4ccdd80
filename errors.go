package cowdb

import (
	"errors"
	"fmt"
)

// Error represents a cowdb error with an error code
type Error struct {
	Code    ErrorCode
	Message string
	Err     error // wrapped error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cowdb: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("cowdb: %s", e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a cowdb error with the same code, so that
// errors.Is(err, ErrNotFoundError) matches wrapped variants too.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Kind returns the class of failure this error belongs to.
func (e *Error) Kind() Kind {
	return kindOf(e.Code)
}

// ErrorCode identifies a specific failure.
type ErrorCode int

const (
	// Success indicates the operation completed successfully
	Success ErrorCode = 0

	// ErrKeyExist indicates the key already exists (NoOverwrite, Append)
	ErrKeyExist ErrorCode = -30799

	// ErrNotFound indicates the key was not found, or a cursor ran off an end
	ErrNotFound ErrorCode = -30798

	// ErrPageNotFound indicates a page number outside the file was referenced
	ErrPageNotFound ErrorCode = -30797

	// ErrCorrupted indicates a checksum or structural mismatch
	ErrCorrupted ErrorCode = -30796

	// ErrPanic indicates a fatal environment error
	ErrPanic ErrorCode = -30795

	// ErrVersionMismatch indicates the file was written by an incompatible format version
	ErrVersionMismatch ErrorCode = -30794

	// ErrInvalid indicates the environment or file is not usable
	ErrInvalid ErrorCode = -30793

	// ErrMapFull indicates the configured map size was reached
	ErrMapFull ErrorCode = -30792

	// ErrDBsFull indicates the maximum number of named databases was reached
	ErrDBsFull ErrorCode = -30791

	// ErrReadersFull indicates every reader slot is taken
	ErrReadersFull ErrorCode = -30790

	// ErrTxnFull indicates the staging area cannot hold more dirty pages
	ErrTxnFull ErrorCode = -30788

	// ErrCursorFull indicates the tree is deeper than the cursor stack (corruption)
	ErrCursorFull ErrorCode = -30787

	// ErrIncompatible indicates incompatible operation or flags
	ErrIncompatible ErrorCode = -30784

	// ErrBadTxn indicates the transaction has finished or cannot continue
	ErrBadTxn ErrorCode = -30782

	// ErrBadValSize indicates an empty or oversized key, or an oversized value
	ErrBadValSize ErrorCode = -30781

	// ErrBadDBI indicates the DBI handle is invalid
	ErrBadDBI ErrorCode = -30780

	// ErrProblem indicates an unexpected internal error
	ErrProblem ErrorCode = -30779

	// ErrBusy indicates another write transaction is running
	ErrBusy ErrorCode = -30778

	// ErrPermissionDenied indicates a write on a read-only transaction or environment
	ErrPermissionDenied ErrorCode = 13
)

// Kind groups error codes by how a caller is expected to react.
type Kind int

const (
	// KindNone is returned for nil errors and non-cowdb errors.
	KindNone Kind = iota
	// KindEnvironment: the file could not be opened, created or grown.
	KindEnvironment
	// KindProtocol: the caller used a handle in the wrong state.
	KindProtocol
	// KindCapacity: a configured limit was hit; smaller input or a larger limit helps.
	KindCapacity
	// KindIntegrity: the file is damaged; the engine refuses to continue.
	KindIntegrity
	// KindNotFound: a normal outcome, not a failure.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindEnvironment:
		return "environment"
	case KindProtocol:
		return "protocol"
	case KindCapacity:
		return "capacity"
	case KindIntegrity:
		return "integrity"
	case KindNotFound:
		return "not-found"
	}
	return "none"
}

func kindOf(code ErrorCode) Kind {
	switch code {
	case Success:
		return KindNone
	case ErrNotFound:
		return KindNotFound
	case ErrCorrupted, ErrPageNotFound, ErrCursorFull:
		return KindIntegrity
	case ErrMapFull, ErrBadValSize, ErrTxnFull:
		return KindCapacity
	case ErrBadTxn, ErrBusy, ErrPermissionDenied, ErrIncompatible, ErrBadDBI,
		ErrKeyExist, ErrDBsFull, ErrReadersFull:
		return KindProtocol
	}
	return KindEnvironment
}

var errorMessages = map[ErrorCode]string{
	Success:             "success",
	ErrKeyExist:         "key/data pair already exists",
	ErrNotFound:         "key/data pair not found",
	ErrPageNotFound:     "requested page not found",
	ErrCorrupted:        "database is corrupted",
	ErrPanic:            "fatal environment error",
	ErrVersionMismatch:  "database version mismatch",
	ErrInvalid:          "invalid environment or database file",
	ErrMapFull:          "environment map size limit reached",
	ErrDBsFull:          "environment maxdbs limit reached",
	ErrReadersFull:      "environment maxreaders limit reached",
	ErrTxnFull:          "transaction has too many dirty pages",
	ErrCursorFull:       "cursor stack overflow",
	ErrIncompatible:     "incompatible operation or flags",
	ErrBadTxn:           "transaction is invalid",
	ErrBadValSize:       "invalid key or value size",
	ErrBadDBI:           "invalid DBI handle",
	ErrProblem:          "unexpected internal error",
	ErrBusy:             "another write transaction is running",
	ErrPermissionDenied: "permission denied",
}

// NewError creates a new Error with the given code
func NewError(code ErrorCode) *Error {
	msg, ok := errorMessages[code]
	if !ok {
		msg = fmt.Sprintf("unknown error code %d", code)
	}
	return &Error{Code: code, Message: msg}
}

// WrapError creates a new Error wrapping another error
func WrapError(code ErrorCode, err error) *Error {
	e := NewError(code)
	e.Err = err
	return e
}

// corruptf reports an integrity failure with detail.
func corruptf(format string, args ...any) *Error {
	return WrapError(ErrCorrupted, fmt.Errorf(format, args...))
}

// Common error variables for convenience
var (
	ErrKeyExistError         = NewError(ErrKeyExist)
	ErrNotFoundError         = NewError(ErrNotFound)
	ErrPageNotFoundError     = NewError(ErrPageNotFound)
	ErrCorruptedError        = NewError(ErrCorrupted)
	ErrVersionMismatchError  = NewError(ErrVersionMismatch)
	ErrInvalidError          = NewError(ErrInvalid)
	ErrMapFullError          = NewError(ErrMapFull)
	ErrDBsFullError          = NewError(ErrDBsFull)
	ErrReadersFullError      = NewError(ErrReadersFull)
	ErrTxnFullError          = NewError(ErrTxnFull)
	ErrIncompatibleError     = NewError(ErrIncompatible)
	ErrBadTxnError           = NewError(ErrBadTxn)
	ErrBadValSizeError       = NewError(ErrBadValSize)
	ErrBadDBIError           = NewError(ErrBadDBI)
	ErrBusyError             = NewError(ErrBusy)
	ErrPermissionDeniedError = NewError(ErrPermissionDenied)
)

// IsNotFound returns true if the error is ErrNotFound
func IsNotFound(err error) bool {
	return Code(err) == ErrNotFound
}

// IsKeyExist returns true if the error is ErrKeyExist
func IsKeyExist(err error) bool {
	return Code(err) == ErrKeyExist
}

// IsCorrupted returns true if the error indicates database corruption
func IsCorrupted(err error) bool {
	return KindOf(err) == KindIntegrity
}

// IsMapFull returns true if the error is ErrMapFull
func IsMapFull(err error) bool {
	return Code(err) == ErrMapFull
}

// IsBusy returns true if a write transaction could not be started because
// another one is active.
func IsBusy(err error) bool {
	return Code(err) == ErrBusy
}

// KindOf classifies err. Errors that did not come from cowdb are KindNone.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind()
	}
	return KindNone
}

// Code returns the error code from an error, or ErrProblem if not a cowdb error
func Code(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrProblem
}
