package syncbridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrQueueFull          = errors.New("queue full")
	ErrNotImplemented     = errors.New("not implemented")
	ErrConnectionInactive = errors.New("connection inactive")
	ErrDuplicate          = errors.New("duplicate")
	ErrSyncTokenExpired   = errors.New("sync token expired")
	ErrInFlightLimit      = errors.New("in-flight limit reached")

	ErrAuth                  = errors.New("authentication failed")
	ErrValidation            = errors.New("validation failed")
	ErrRemoteNotFound        = errors.New("remote entity not found")
	ErrRateLimited           = errors.New("rate limited")
	ErrConflict              = errors.New("concurrency conflict")
	ErrTransient             = errors.New("transient failure")
	ErrUnsupportedEntityType = errors.New("unsupported entity type")
)

type ErrorClass string

const (
	ClassAuth                  ErrorClass = "auth"
	ClassValidation            ErrorClass = "validation"
	ClassNotFound              ErrorClass = "not_found"
	ClassRateLimit             ErrorClass = "rate_limit"
	ClassConflict              ErrorClass = "conflict"
	ClassTransient             ErrorClass = "transient"
	ClassUnsupportedEntityType ErrorClass = "unsupported_entity_type"
	ClassUnknown               ErrorClass = "unknown"
)

// Retryable reports whether a later re-enqueue may succeed without user action.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassRateLimit, ClassConflict, ClassTransient:
		return true
	default:
		return false
	}
}

func (c ErrorClass) sentinel() error {
	switch c {
	case ClassAuth:
		return ErrAuth
	case ClassValidation:
		return ErrValidation
	case ClassNotFound:
		return ErrRemoteNotFound
	case ClassRateLimit:
		return ErrRateLimited
	case ClassConflict:
		return ErrConflict
	case ClassTransient:
		return ErrTransient
	case ClassUnsupportedEntityType:
		return ErrUnsupportedEntityType
	default:
		return nil
	}
}

type SyncError struct {
	Class        ErrorClass
	Op           string
	StatusCode   int
	ProviderCode string
	Message      string
	RetryAfter   time.Duration
	Err          error
}

func (e *SyncError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Class))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status=%d", e.StatusCode)
	}
	if e.ProviderCode != "" {
		b.WriteString(" code=")
		b.WriteString(e.ProviderCode)
	}
	switch {
	case e.Message != "":
		b.WriteString(": ")
		b.WriteString(e.Message)
	case e.Err != nil:
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

func (e *SyncError) Is(target error) bool {
	sentinel := e.Class.sentinel()
	return sentinel != nil && target == sentinel
}

func (e *SyncError) Retryable() bool {
	return e.Class.Retryable()
}

func newSyncError(class ErrorClass, op, message string) *SyncError {
	return &SyncError{Class: class, Op: op, Message: message}
}

func asSyncError(err error, op string) *SyncError {
	if err == nil {
		return nil
	}
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr
	}
	return &SyncError{Class: ClassifyError(err), Op: op, Err: err}
}

// ClassifyError maps any error onto the sync error taxonomy. Typed errors win;
// anything else is inspected by status code and message.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Class
	}
	switch {
	case errors.Is(err, ErrUnsupportedEntityType):
		return ClassUnsupportedEntityType
	case errors.Is(err, ErrAuth):
		return ClassAuth
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidInput):
		return ClassValidation
	case errors.Is(err, ErrRemoteNotFound):
		return ClassNotFound
	case errors.Is(err, ErrRateLimited):
		return ClassRateLimit
	case errors.Is(err, ErrConflict):
		return ClassConflict
	case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	switch normalizeFailureCode(err.Error()) {
	case "rate_limited":
		return ClassRateLimit
	case "timeout", "provider_unavailable":
		return ClassTransient
	case "unauthorized":
		return ClassAuth
	case "not_found":
		return ClassNotFound
	case "conflict":
		return ClassConflict
	default:
		return ClassUnknown
	}
}

func classFromStatus(status int) ErrorClass {
	switch {
	case status == http.StatusUnauthorized:
		return ClassAuth
	case status == http.StatusNotFound, status == http.StatusGone:
		return ClassNotFound
	case status == http.StatusConflict, status == http.StatusPreconditionFailed:
		return ClassConflict
	case status == http.StatusTooManyRequests:
		return ClassRateLimit
	case status == http.StatusRequestTimeout, status >= 500:
		return ClassTransient
	case status >= 400:
		return ClassValidation
	default:
		return ClassUnknown
	}
}

func normalizeFailureCode(errText string) string {
	normalized := strings.ToLower(strings.TrimSpace(errText))
	if normalized == "" {
		return "unknown"
	}
	switch {
	case strings.Contains(normalized, "429"), strings.Contains(normalized, "rate limit"), strings.Contains(normalized, "rate_limited"), strings.Contains(normalized, "throttl"):
		return "rate_limited"
	case strings.Contains(normalized, "timeout"), strings.Contains(normalized, "timed out"), strings.Contains(normalized, "deadline exceeded"), strings.Contains(normalized, "connection reset"), strings.Contains(normalized, "connection refused"):
		return "timeout"
	case strings.Contains(normalized, "401"), strings.Contains(normalized, "unauthorized"), strings.Contains(normalized, "invalid_token"):
		return "unauthorized"
	case strings.Contains(normalized, "404"), strings.Contains(normalized, "not found"):
		return "not_found"
	case strings.Contains(normalized, "409"), strings.Contains(normalized, "412"), strings.Contains(normalized, "conflict"), strings.Contains(normalized, "stale"):
		return "conflict"
	case strings.Contains(normalized, "500"), strings.Contains(normalized, "502"), strings.Contains(normalized, "503"), strings.Contains(normalized, "504"), strings.Contains(normalized, "internal server"):
		return "provider_unavailable"
	default:
		return "unknown"
	}
}
