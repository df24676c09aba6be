package apperr

import (
	"strings"

	"github.com/pkg/errors"
)

// Code classifies a failure so callers can branch on it without string matching.
type Code int

const (
	CodeOK Code = iota
	CodeNotFound
	CodeExists
	CodeInvalid
	CodeIO
	CodeLockContention
	CodeCorrupted
	CodeEndOfTree
	// CodeFatal means a recovery path itself failed and the files must be
	// considered inconsistent.
	CodeFatal
)

var codeNames = map[Code]string{
	CodeOK:             "ok",
	CodeNotFound:       "not_found",
	CodeExists:         "exists",
	CodeInvalid:        "invalid",
	CodeIO:             "io",
	CodeLockContention: "lock_contention",
	CodeCorrupted:      "corrupted",
	CodeEndOfTree:      "end_of_tree",
	CodeFatal:          "fatal",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return "unknown"
}

// AppError is the error type returned across package boundaries.
type AppError struct {
	Code    Code
	Message string
	Cause   error
}

// Sentinels for errors.Is. Matching is by code, so any AppError carrying the
// same code satisfies errors.Is against these.
var (
	ErrNotFound       = &AppError{Code: CodeNotFound, Message: MsgNotFound}
	ErrExists         = &AppError{Code: CodeExists, Message: MsgExists}
	ErrInvalid        = &AppError{Code: CodeInvalid, Message: MsgInvalid}
	ErrIO             = &AppError{Code: CodeIO, Message: MsgIO}
	ErrLockContention = &AppError{Code: CodeLockContention, Message: MsgLockContention}
	ErrCorrupted      = &AppError{Code: CodeCorrupted, Message: MsgCorrupted}
	ErrEndOfTree      = &AppError{Code: CodeEndOfTree, Message: MsgEndOfTree}
	ErrFatal          = &AppError{Code: CodeFatal, Message: MsgFatal}
)

// Error implements the error interface.
func (e *AppError) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap implements the errors.Wrapper interface.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an AppError with the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an AppError.
func New(code Code, msg string, cause error) *AppError {
	return &AppError{Code: code, Message: msg, Cause: cause}
}

// Wrap wraps err with a code and message. A nil err yields nil.
func Wrap(err error, code Code, msg string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: msg, Cause: err}
}

// CodeOf extracts the code of the outermost AppError in err's chain.
// Errors outside the taxonomy are reported as CodeIO.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *AppError
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeIO
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
