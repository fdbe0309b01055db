package pkgerrors

import (
	"errors"
	"fmt"
)

const (
	CodeNonExistingKey = -1001
	CodeJSONParsing    = -1002
	CodeDuplicateKey   = -1003
	CodeValidation     = -1004
	CodeStaleRejection = -1005
	CodeUnknown        = -9999
)

type AppError struct {
	Code    int
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any AppError carrying the same code, so the package level
// sentinels work with errors.Is.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

var (
	ErrDuplicateKey   = &AppError{Code: CodeDuplicateKey, Message: "duplicate key violation"}
	ErrNonExistingKey = &AppError{Code: CodeNonExistingKey, Message: "non-existing key"}
	ErrJSONParsing    = &AppError{Code: CodeJSONParsing, Message: "JSON parsing failed"}
	ErrValidation     = &AppError{Code: CodeValidation, Message: "validation failed"}
	ErrStaleRejection = &AppError{Code: CodeStaleRejection, Message: "stale write rejected"}
)

func NewDuplicateKeyError(err error) *AppError {
	return &AppError{
		Code:    CodeDuplicateKey,
		Message: "duplicate key violation",
		Err:     err,
	}
}

func NewNonExistingKeyError(err error) *AppError {
	return &AppError{
		Code:    CodeNonExistingKey,
		Message: "key does not exist",
		Err:     err,
	}
}

func NewJSONParsingError(err error) *AppError {
	return &AppError{
		Code:    CodeJSONParsing,
		Message: "failed to parse JSON",
		Err:     err,
	}
}

func NewValidationError(format string, args ...any) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: "validation failed",
		Err:     fmt.Errorf(format, args...),
	}
}

func IsDuplicateKeyError(err error) bool {
	return GetErrorCode(err) == CodeDuplicateKey
}

func IsNonExistingKeyError(err error) bool {
	return GetErrorCode(err) == CodeNonExistingKey
}

func IsJSONParsingError(err error) bool {
	return GetErrorCode(err) == CodeJSONParsing
}

func IsValidationError(err error) bool {
	return GetErrorCode(err) == CodeValidation
}

// IsMalformedError reports whether err means the payload itself is unusable
// and retrying it can never succeed.
func IsMalformedError(err error) bool {
	code := GetErrorCode(err)
	return code == CodeJSONParsing || code == CodeValidation
}

func GetErrorCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}
