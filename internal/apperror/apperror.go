// Package apperror carries user-facing failures across component boundaries.
package apperror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeNotFound         Code = "NOT_FOUND"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodeTooLarge         Code = "TOO_LARGE"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeUploadFailed     Code = "UPLOAD_FAILED"
	CodeRecordFailed     Code = "RECORD_FAILED"
	CodeInternal         Code = "INTERNAL"
)

// AppError is an error with a code and a message safe to show the user.
type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func InvalidArg(msg string) error { return New(CodeInvalidArgument, msg) }

func NotFound(msg string) error { return New(CodeNotFound, msg) }

func Forbidden(msg string) error { return New(CodePermissionDenied, msg) }

func Unauthorized(msg string) error { return New(CodeUnauthenticated, msg) }

// CodeOf returns the code of the first AppError in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeUploadFailed, CodeRecordFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON renders err as {"error":{"code":..,"message":..}}. Errors that are not
// AppErrors are reported as a generic internal failure so causes never leak.
func WriteJSON(w http.ResponseWriter, err error) {
	body := AppError{Code: CodeInternal, Message: "something went wrong, please try again"}
	var appErr *AppError
	if errors.As(err, &appErr) {
		body.Code = appErr.Code
		body.Message = appErr.Message
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(body.Code))
	_ = json.NewEncoder(w).Encode(map[string]AppError{"error": body})
}
