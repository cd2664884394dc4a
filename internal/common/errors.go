package common

import "net/http"

// AppError represents an error with an attached code and HTTP status.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// WithDetails attaches structured details rendered in the error envelope.
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// ErrNotFound builds a 404 AppError.
func ErrNotFound(message string) *AppError {
	return NewAppError("NOT_FOUND", message, http.StatusNotFound, nil)
}

// ErrInvalidInput builds a 400 AppError.
func ErrInvalidInput(message string, err error) *AppError {
	return NewAppError("INVALID_INPUT", message, http.StatusBadRequest, err)
}

// ErrInternal builds a 500 AppError wrapping err.
func ErrInternal(message string, err error) *AppError {
	return NewAppError("INTERNAL", message, http.StatusInternalServerError, err)
}
