package model

import (
	"fmt"
	"strings"
	"time"
)

// MaxKeyLen bounds task keys. Keys end up in SSE payloads, log lines and the
// roster table, so a caller-controlled megabyte key is rejected early.
const MaxKeyLen = 128

// MaxInputValueLen bounds the value submitted for an input request.
const MaxInputValueLen = 4 * 1024

// ValidateKey checks that a task key is present, bounded, and printable.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	if len(key) > MaxKeyLen {
		return fmt.Errorf("key exceeds maximum length of %d bytes", MaxKeyLen)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("key must not contain control characters")
		}
	}
	return nil
}

// APIResponse is the standard response envelope for non-viewer endpoints.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// ResultResponse is the flat {success} shape the viewer scripts read.
type ResultResponse struct {
	Success bool   `json:"success"`
	New     *bool  `json:"new,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TaskRunRequest is the request body for POST /task-run.
type TaskRunRequest struct {
	Key string `json:"key"`
}

// TaskInputRequest is the request body for POST /task-input.
type TaskInputRequest struct {
	Callback string `json:"callback"`
	Value    string `json:"value"`
}

// AccountCheckRequest is the request body for POST /accounts/check.
type AccountCheckRequest struct {
	Key string `json:"key"`
}

// AccountCheckResponse is the response body for POST /accounts/check.
type AccountCheckResponse struct {
	Exists bool `json:"exists"`
}

// AccountAddRequest is the request body for POST /accounts.
type AccountAddRequest struct {
	Key   string `json:"key"`
	Label string `json:"label,omitempty"`
}

// AdminLoginRequest is the request body for POST /admin/login.
type AdminLoginRequest struct {
	Password string `json:"password"`
}

// AdminLoginResponse carries the admin session token.
type AdminLoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// MaskedAccount is a roster entry as shown on the admin dashboard. Key is
// the handle for deletion; Masked is what the dashboard displays.
type MaskedAccount struct {
	Key       string    `json:"key"`
	Masked    string    `json:"masked"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Roster      string `json:"roster"`
	ActiveTasks int    `json:"active_tasks"`
	Viewers     int    `json:"viewers"`
	Uptime      int64  `json:"uptime_seconds"`
}
