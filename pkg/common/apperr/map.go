package apperr

import (
	"fmt"
)

// Generic messages
const (
	MsgNotFound       = "key not found"
	MsgExists         = "key already exists"
	MsgInvalid        = "invalid argument"
	MsgIO             = "i/o failure"
	MsgLockContention = "lock held by another process"
	MsgCorrupted      = "corrupted file"
	MsgEndOfTree      = "end of tree"
	MsgFatal          = "recovery failed, file inconsistent"
)

// Action messages
const (
	MsgReadFailed     = "failed to read"
	MsgWriteFailed    = "failed to write"
	MsgLockFailed     = "failed to lock"
	MsgTruncateFailed = "failed to truncate"
	MsgOpenFailed     = "failed to open"
)

// MapError wraps err with a standardized "<component> <msg>" message. err must
// already be classified or it is treated as an I/O failure.
func MapError(component string, err error, msg string) *AppError {
	if err == nil {
		return nil
	}

	formattedMsg := fmt.Sprintf("%s %s", component, msg)
	return Wrap(err, CodeOf(err), formattedMsg)
}

// NewError creates a new AppError with standardized message format
func NewError(component string, code Code, msg string, cause error) *AppError {
	formattedMsg := fmt.Sprintf("%s %s", component, msg)
	return New(code, formattedMsg, cause)
}
