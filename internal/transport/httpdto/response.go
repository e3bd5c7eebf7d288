package httpdto

import (
	"errors"
	"net/http"

	convosync_errors "convosync/pkg/errors"
)

type Response[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func NewSuccessResponse[T any](data T) Response[T] {
	return Response[T]{
		Success: true,
		Data:    data,
	}
}

func NewErrorResponse(err string, code string) Response[any] {
	return Response[any]{
		Success: false,
		Error:   err,
		Code:    code,
	}
}

// HTTPStatus maps a service error to its status code and error code.
func HTTPStatus(err error) (int, string) {
	switch {
	case errors.Is(err, convosync_errors.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, convosync_errors.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, convosync_errors.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, convosync_errors.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, convosync_errors.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, convosync_errors.ErrCallInProgress):
		return http.StatusConflict, "CALL_IN_PROGRESS"
	case errors.Is(err, convosync_errors.ErrNoActiveCall):
		return http.StatusConflict, "NO_ACTIVE_CALL"
	case errors.Is(err, convosync_errors.ErrAlreadyExists), errors.Is(err, convosync_errors.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, convosync_errors.ErrRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED"
	case errors.Is(err, convosync_errors.ErrTokenUnavailable), errors.Is(err, convosync_errors.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// ErrorMessage hides internal error text from clients.
func ErrorMessage(err error, status int) string {
	if status >= http.StatusInternalServerError {
		return http.StatusText(status)
	}
	return err.Error()
}
