package identity

import (
	"context"
	"errors"
	"fmt"
)

// Provider error codes.
const (
	CodeMissingSession     = "provider.missing_session"
	CodeExchangeFailed     = "provider.exchange_failed"
	CodeInvalidToken       = "provider.invalid_token"
	CodeProfileFailed      = "provider.profile_failed"
	CodeUnverifiedEmail    = "provider.unverified_email"
	CodeIncompleteIdentity = "provider.incomplete_identity"
	CodeTimeout            = "provider.timeout"
	CodeProviderDenied     = "provider.denied"
)

// ProviderError reports a handshake the provider did not verify.
// The flow is not retried; the user has to restart authentication.
type ProviderError struct {
	Code    string
	Message string
	Err     error
}

func (providerError *ProviderError) Error() string {
	if providerError.Err != nil {
		return fmt.Sprintf("%s: %s: %v", providerError.Code, providerError.Message, providerError.Err)
	}
	return fmt.Sprintf("%s: %s", providerError.Code, providerError.Message)
}

func (providerError *ProviderError) Unwrap() error {
	return providerError.Err
}

// NewDeniedError wraps an error reported by the provider on the redirect.
func NewDeniedError(reason string) error {
	return newProviderError(CodeProviderDenied, reason, nil)
}

func newProviderError(code string, message string, cause error) *ProviderError {
	if cause != nil && (errors.Is(cause, context.DeadlineExceeded) || errors.Is(cause, context.Canceled)) {
		code = CodeTimeout
		message = "provider did not answer in time"
	}
	return &ProviderError{Code: code, Message: message, Err: cause}
}
