package authkit

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tyemirov/communityauth/internal/accounts"
	"github.com/tyemirov/communityauth/internal/identity"
	"github.com/tyemirov/communityauth/pkg/sessionvalidator"
)

// Error kinds reported in the error body.
const (
	ErrorKindProvider = "provider"
	ErrorKindSync     = "sync"
	ErrorKindToken    = "token"
	ErrorKindPolicy   = "policy"
	ErrorKindRequest  = "request"
	ErrorKindInternal = "internal"
)

// APIError is the body returned for every failed request.
type APIError struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ClassifyError maps a typed failure to its HTTP status and error body.
func ClassifyError(err error) (int, APIError) {
	var providerErr *identity.ProviderError
	var syncErr *accounts.SyncError
	var policyErr *accounts.PolicyError
	var tokenErr *sessionvalidator.TokenError
	switch {
	case errors.As(err, &providerErr):
		return http.StatusUnauthorized, APIError{Kind: ErrorKindProvider, Code: providerErr.Code, Message: providerErr.Message}
	case errors.As(err, &syncErr):
		status := http.StatusConflict
		if syncErr.Code == accounts.CodeStoreUnavailable || syncErr.Code == accounts.CodeStoreTimeout {
			status = http.StatusServiceUnavailable
		}
		return status, APIError{Kind: ErrorKindSync, Code: syncErr.Code, Message: syncErr.Message}
	case errors.As(err, &policyErr):
		status := http.StatusUnprocessableEntity
		switch policyErr.Code {
		case accounts.CodeAlreadyFinalized:
			status = http.StatusConflict
		case accounts.CodeNotEligible:
			status = http.StatusForbidden
		}
		return status, APIError{Kind: ErrorKindPolicy, Code: policyErr.Code, Message: policyErr.Message}
	case errors.As(err, &tokenErr):
		return http.StatusUnauthorized, APIError{Kind: ErrorKindToken, Code: tokenErr.Code(), Message: "session is missing or invalid"}
	default:
		return http.StatusInternalServerError, APIError{Kind: ErrorKindInternal, Code: "internal.unexpected", Message: "unexpected server error"}
	}
}

func abortWithError(contextGin *gin.Context, err error) {
	status, body := ClassifyError(err)
	contextGin.AbortWithStatusJSON(status, gin.H{"error": body})
}

func abortWithRequestError(contextGin *gin.Context, status int, code string, message string) {
	contextGin.AbortWithStatusJSON(status, gin.H{"error": APIError{Kind: ErrorKindRequest, Code: code, Message: message}})
}
