package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies every failure the reconciler can observe. Only
// KindTransient is allowed to produce a response that makes an upstream
// webhook sender retry.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindValidation
	KindAuthentication
	KindTransient
	KindTerminalIntegration
	KindInvariant
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindAuthentication:
		return "authentication_error"
	case KindTransient:
		return "transient_external_error"
	case KindTerminalIntegration:
		return "terminal_integration_error"
	case KindInvariant:
		return "invariant_violation"
	default:
		return "unknown_error"
	}
}

type KindError struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *KindError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *KindError) Unwrap() error {
	return e.Err
}

func ValidationFailure(op, format string, args ...interface{}) error {
	return &KindError{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

func AuthenticationFailure(op string, err error) error {
	return &KindError{Kind: KindAuthentication, Op: op, Message: "authentication failed", Err: err}
}

func TransientFailure(op string, err error) error {
	return &KindError{Kind: KindTransient, Op: op, Err: err}
}

func TerminalIntegrationFailure(op string, err error) error {
	return &KindError{Kind: KindTerminalIntegration, Op: op, Message: "integration requires re-authorization", Err: err}
}

func InvariantViolation(op, format string, args ...interface{}) error {
	return &KindError{Kind: KindInvariant, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the classification of err. Unclassified failures, including
// deadlines and network errors, are treated as transient so that the caller
// retries rather than silently dropping work.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var e *KindError
	if errors.As(err, &e) && e.Kind != KindUnknown {
		return e.Kind
	}

	var ve ValidationErrors
	if errors.As(err, &ve) {
		return KindValidation
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	return KindTransient
}

func IsRetryableError(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

func GetHTTPStatusFromError(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}

	switch KindOf(err) {
	case KindValidation, KindInvariant:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindTerminalIntegration:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
	Details string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return e.Message
}

func NewAPIError(code int, message string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
	}
}

// ToAPIError converts an internal error into the body returned to HTTP
// callers. Transient details are not echoed back.
func ToAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	kind := KindOf(err)
	out := &APIError{
		Code: GetHTTPStatusFromError(err),
		Kind: kind.String(),
	}

	switch kind {
	case KindValidation, KindInvariant, KindTerminalIntegration:
		out.Message = err.Error()
	case KindAuthentication:
		out.Message = "Unauthorized"
	default:
		out.Message = "Internal server error"
	}
	return out
}

var (
	ErrInvalidRequest          = NewAPIError(http.StatusBadRequest, "Invalid request")
	ErrNotFound                = NewAPIError(http.StatusNotFound, "Resource not found")
	ErrWebhookInvalidSignature = NewAPIError(http.StatusUnauthorized, "Invalid webhook signature")
)

func LogError(ctx context.Context, err error, message string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}

	fields["error"] = err.Error()
	fields["error_kind"] = KindOf(err).String()

	Error(ctx, message, fields)
}
