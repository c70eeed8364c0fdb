package models

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes for structured error handling.
const (
	ErrCodeAuth        = "AUTH_ERROR"
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeNetwork     = "NETWORK_ERROR"
	ErrCodeRateLimit   = "RATE_LIMIT"
	ErrCodeServerError = "SERVER_ERROR"
	ErrCodeProtocol    = "PROTOCOL_ERROR"
)

// Sentinel errors
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrTokenExpired     = errors.New("token expired")
	ErrStreamClosed     = errors.New("stream closed")
	ErrUnknownMessage   = errors.New("unknown message type")
	ErrRateLimited      = errors.New("rate limited")
)

// APIError represents an error from the API.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
	RequestID  string `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// Retryable reports whether the request may succeed if repeated.
func (e *APIError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

// Unauthorized reports whether the platform rejected the credential.
func (e *APIError) Unauthorized() bool {
	return e != nil && (e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// SyncError provides detailed synchronization failure information.
type SyncError struct {
	Code       string
	Phase      string
	Collection Collection
	ResourceID string
	Err        error
}

func (e *SyncError) Error() string {
	if e.ResourceID != "" {
		return fmt.Sprintf("sync %s [%s]: %s %s: %v", e.Phase, e.Code, e.Collection, e.ResourceID, e.Err)
	}
	return fmt.Sprintf("sync %s [%s]: %s: %v", e.Phase, e.Code, e.Collection, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}
