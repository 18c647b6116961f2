package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeDuplicate    = "DUPLICATE"
	ErrCodeAccessDenied = "ACCESS_DENIED"
	ErrCodeEncryption   = "ENCRYPTION_ERROR"
	ErrCodeDecryption   = "DECRYPTION_ERROR"
	ErrCodeValidation   = "VALIDATION_ERROR"
)

// VaultError is the structured error type for all vault operations.
type VaultError struct {
	Code         string         `json:"code"`
	Message      string         `json:"message"`
	Details      map[string]any `json:"details,omitempty"`
	CredentialID string         `json:"credential_id,omitempty"`
	Cause        error          `json:"-"`
}

func (e *VaultError) Error() string {
	if e.CredentialID != "" {
		return fmt.Sprintf("[%s] credential %s: %s", e.Code, e.CredentialID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *VaultError) Unwrap() error {
	return e.Cause
}

// NewError creates a new VaultError.
func NewError(code, message string) *VaultError {
	return &VaultError{Code: code, Message: message}
}

// NewErrorf creates a new VaultError with a formatted message.
func NewErrorf(code, format string, args ...any) *VaultError {
	return &VaultError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCredential attaches a credential ID to the error.
func (e *VaultError) WithCredential(id string) *VaultError {
	e.CredentialID = id
	return e
}

// WithCause attaches an underlying cause.
func (e *VaultError) WithCause(err error) *VaultError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *VaultError) WithDetails(details map[string]any) *VaultError {
	e.Details = details
	return e
}

// HasCode reports whether err is a VaultError carrying the given code.
func HasCode(err error, code string) bool {
	var ve *VaultError
	return errors.As(err, &ve) && ve.Code == code
}

// IsNotFound reports whether err is a NOT_FOUND vault error.
func IsNotFound(err error) bool { return HasCode(err, ErrCodeNotFound) }

// IsDuplicate reports whether err is a DUPLICATE vault error.
func IsDuplicate(err error) bool { return HasCode(err, ErrCodeDuplicate) }

// IsAccessDenied reports whether err is an ACCESS_DENIED vault error.
func IsAccessDenied(err error) bool { return HasCode(err, ErrCodeAccessDenied) }

// IsDecryption reports whether err is a DECRYPTION_ERROR vault error.
func IsDecryption(err error) bool { return HasCode(err, ErrCodeDecryption) }
