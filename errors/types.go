package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorCode represents a specific error condition
type ErrorCode string

const (
	// Configuration errors
	ErrCodeConfigNotFound ErrorCode = "CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  ErrorCode = "CONFIG_INVALID"

	// Session errors
	ErrCodeSessionNotFound    ErrorCode = "SESSION_NOT_FOUND"
	ErrCodeSessionConflict    ErrorCode = "SESSION_CONFLICT"
	ErrCodeInvalidTransition  ErrorCode = "INVALID_TRANSITION"
	ErrCodePreconditionFailed ErrorCode = "PRECONDITION_FAILED"
	ErrCodeNoActiveProject    ErrorCode = "NO_ACTIVE_PROJECT"

	// Working copy errors
	ErrCodeWorktreeNotFound   ErrorCode = "WORKTREE_NOT_FOUND"
	ErrCodeAllocationConflict ErrorCode = "ALLOCATION_CONFLICT"
	ErrCodeNotARepository     ErrorCode = "NOT_A_REPOSITORY"
	ErrCodeGitFailed          ErrorCode = "GIT_FAILED"

	// Process errors
	ErrCodeProcessSpawnFailed ErrorCode = "PROCESS_SPAWN_FAILED"
	ErrCodeProcessTimeout     ErrorCode = "PROCESS_TIMEOUT"

	// Command execution errors
	ErrCodeCommandTimeout  ErrorCode = "COMMAND_TIMEOUT"
	ErrCodeCommandNotFound ErrorCode = "COMMAND_NOT_FOUND"
	ErrCodeCommandFailed   ErrorCode = "COMMAND_FAILED"

	// Storage errors
	ErrCodeStoreFailed ErrorCode = "STORE_FAILED"

	// General errors
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// CrystalError represents a structured error with context
type CrystalError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *CrystalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *CrystalError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error
func (e *CrystalError) WithDetail(key string, value interface{}) *CrystalError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ToJSON converts the error to JSON
func (e *CrystalError) ToJSON() string {
	data, _ := json.MarshalIndent(e, "", "  ")
	return string(data)
}

// New creates a new CrystalError
func New(code ErrorCode, message string) *CrystalError {
	return &CrystalError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a CrystalError
func Wrap(err error, code ErrorCode, message string) *CrystalError {
	return &CrystalError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Is checks if an error is a specific CrystalError code
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	cerr, ok := err.(*CrystalError)
	if !ok {
		// Try to unwrap
		if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
			return Is(unwrapper.Unwrap(), code)
		}
		return false
	}

	return cerr.Code == code
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}

	cerr, ok := err.(*CrystalError)
	if !ok {
		// Try to unwrap
		if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
			return GetCode(unwrapper.Unwrap())
		}
		return ""
	}

	return cerr.Code
}
