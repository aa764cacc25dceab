package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/pharmaportal/pharmaportal-backend/pkg/i18n"
)

// Standard error types
var (
	ErrNotFound               = errors.New("resource not found")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrForbidden              = errors.New("forbidden")
	ErrBadRequest             = errors.New("bad request")
	ErrConflict               = errors.New("resource conflict")
	ErrValidation             = errors.New("validation error")
	ErrTokenExpired           = errors.New("token expired")
	ErrTokenInvalid           = errors.New("invalid token")
	ErrAlreadyOrdered         = errors.New("already ordered")
	ErrUnresolvedCatalogEntry = errors.New("unresolved catalog entry")
	ErrConcurrentModification = errors.New("concurrent modification")
)

// Error codes returned in the API envelope
const (
	CodeNotFound               = "NOT_FOUND"
	CodeAlreadyOrdered         = "ALREADY_ORDERED"
	CodeUnresolvedCatalogEntry = "UNRESOLVED_CATALOG_ENTRY"
	CodeConcurrentModification = "CONCURRENT_MODIFICATION"
	CodeValidation             = "VALIDATION_ERROR"
)

// AppError represents an application error with context
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	MessageKey string            `json:"-"` // i18n key for localization
	Params     map[string]string `json:"-"` // Parameters for i18n interpolation
	Code       string            `json:"code"`
	StatusCode int               `json:"status_code"`
	Details    map[string]string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Err
}

// Localize returns a localized version of the error message
func (e *AppError) Localize(ctx context.Context) string {
	if e.MessageKey == "" {
		return e.Message
	}
	return i18n.TFromContext(ctx, e.MessageKey, e.Params)
}

// New creates a new AppError
func New(code string, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// WithDetails merges details into an AppError
func (e *AppError) WithDetails(details map[string]string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// Common error constructors

// NotFoundWithKey creates a not found error with a localized resource name
func NotFoundWithKey(resourceKey string) *AppError {
	resourceName := i18n.T("resources." + resourceKey)
	return &AppError{
		Err:        ErrNotFound,
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resourceName),
		MessageKey: "errors.not_found",
		Params:     map[string]string{"resource": resourceName},
		StatusCode: http.StatusNotFound,
	}
}

// GroupNotFound is returned when no consolidated group exists for a drug
func GroupNotFound(drugID string) *AppError {
	return NotFoundWithKey("consolidated_group").WithDetails(map[string]string{"drug_id": drugID})
}

// OrderItemNotFound is returned for an unknown order item id
func OrderItemNotFound(orderItemID string) *AppError {
	return NotFoundWithKey("order_item").WithDetails(map[string]string{"order_item_id": orderItemID})
}

// AlreadyOrdered signals that the drug's group was already placed with the
// distributor. Callers may treat it as success.
func AlreadyOrdered(drugID string) *AppError {
	params := map[string]string{"drug_id": drugID}
	return &AppError{
		Err:        ErrAlreadyOrdered,
		Code:       CodeAlreadyOrdered,
		Message:    i18n.T("errors.already_ordered", params),
		MessageKey: "errors.already_ordered",
		Params:     params,
		StatusCode: http.StatusConflict,
		Details:    map[string]string{"drug_id": drugID},
	}
}

// UnresolvedCatalogEntry is returned when a drug id matches no catalog partition
func UnresolvedCatalogEntry(drugID string) *AppError {
	params := map[string]string{"drug_id": drugID}
	return &AppError{
		Err:        ErrUnresolvedCatalogEntry,
		Code:       CodeUnresolvedCatalogEntry,
		Message:    i18n.T("errors.unresolved_catalog_entry", params),
		MessageKey: "errors.unresolved_catalog_entry",
		Params:     params,
		StatusCode: http.StatusUnprocessableEntity,
		Details:    map[string]string{"drug_id": drugID},
	}
}

// ConcurrentModification is returned when a compare-and-set on a group loses.
// The whole call should be retried.
func ConcurrentModification(drugID string) *AppError {
	params := map[string]string{"drug_id": drugID}
	return &AppError{
		Err:        ErrConcurrentModification,
		Code:       CodeConcurrentModification,
		Message:    i18n.T("errors.concurrent_modification", params),
		MessageKey: "errors.concurrent_modification",
		Params:     params,
		StatusCode: http.StatusConflict,
		Details:    map[string]string{"drug_id": drugID},
	}
}

// UnderOrdered rejects a distributor order smaller than the consolidated demand
func UnderOrdered(drugID string, quantity, total int) *AppError {
	params := map[string]string{
		"drug_id":  drugID,
		"quantity": strconv.Itoa(quantity),
		"total":    strconv.Itoa(total),
	}
	return &AppError{
		Err:        ErrValidation,
		Code:       CodeValidation,
		Message:    i18n.T("errors.under_ordered", params),
		MessageKey: "errors.under_ordered",
		Params:     params,
		StatusCode: http.StatusBadRequest,
		Details:    params,
	}
}

func Unauthorized(message string) *AppError {
	return &AppError{
		Err:        ErrUnauthorized,
		Code:       "UNAUTHORIZED",
		Message:    message,
		MessageKey: "errors.unauthorized",
		StatusCode: http.StatusUnauthorized,
	}
}

func Forbidden(message string) *AppError {
	return &AppError{
		Err:        ErrForbidden,
		Code:       "FORBIDDEN",
		Message:    message,
		MessageKey: "errors.forbidden",
		StatusCode: http.StatusForbidden,
	}
}

func BadRequest(message string) *AppError {
	return &AppError{
		Err:        ErrBadRequest,
		Code:       "BAD_REQUEST",
		Message:    message,
		MessageKey: "errors.bad_request",
		StatusCode: http.StatusBadRequest,
	}
}

func Conflict(message string) *AppError {
	return &AppError{
		Err:        ErrConflict,
		Code:       "CONFLICT",
		Message:    message,
		MessageKey: "errors.conflict",
		StatusCode: http.StatusConflict,
	}
}

func Validation(details map[string]string) *AppError {
	return &AppError{
		Err:        ErrValidation,
		Code:       CodeValidation,
		Message:    "validation failed",
		MessageKey: "errors.validation_failed",
		StatusCode: http.StatusBadRequest,
		Details:    details,
	}
}

func TokenExpired() *AppError {
	return &AppError{
		Err:        ErrTokenExpired,
		Code:       "TOKEN_EXPIRED",
		Message:    "token has expired",
		MessageKey: "errors.token_expired",
		StatusCode: http.StatusUnauthorized,
	}
}

func TokenInvalid() *AppError {
	return &AppError{
		Err:        ErrTokenInvalid,
		Code:       "TOKEN_INVALID",
		Message:    "invalid token",
		MessageKey: "errors.token_invalid",
		StatusCode: http.StatusUnauthorized,
	}
}

// IsNotFound reports whether err is a not-found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyOrdered reports whether err means the group was already placed
func IsAlreadyOrdered(err error) bool {
	return errors.Is(err, ErrAlreadyOrdered)
}

// IsConcurrentModification reports whether err is a lost compare-and-set
func IsConcurrentModification(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsUnresolvedCatalogEntry reports whether err is an unresolved catalog lookup
func IsUnresolvedCatalogEntry(err error) bool {
	return errors.Is(err, ErrUnresolvedCatalogEntry)
}

// Is checks if the error matches a target error
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As attempts to convert an error to a specific type
func As(err error, target any) bool {
	return errors.As(err, target)
}
