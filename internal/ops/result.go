package ops

import (
	"github.com/strandkit/strand/pkg/errors"
)

// ErrorInfo is the serializable error half of a Result. Code is the
// error kind (validation_failed, not_found, conflict, ...), so callers
// branch on it without string matching.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Paging describes the window of a list result.
type Paging struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Result is the uniform envelope every operation returns. Exactly one
// of Data and Error is meaningful, selected by Success.
type Result[T any] struct {
	Success bool       `json:"success"`
	Data    T          `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
	Paging  *Paging    `json:"paging,omitempty"`
}

// Err returns the envelope's error as a Go error, or nil on success.
func (r Result[T]) Err() error {
	if r.Success || r.Error == nil {
		return nil
	}
	return &resultError{code: r.Error.Code, message: r.Error.Message}
}

type resultError struct {
	code    string
	message string
}

func (e *resultError) Error() string { return e.code + ": " + e.message }

// ok wraps a successful payload.
func ok[T any](data T) Result[T] {
	return Result[T]{Success: true, Data: data}
}

// paged wraps a successful list payload with its window.
func paged[T any](data T, total, limit, offset int) Result[T] {
	return Result[T]{
		Success: true,
		Data:    data,
		Paging:  &Paging{Total: total, Limit: limit, Offset: offset},
	}
}

// fail wraps an error, mapping its kind to the envelope code.
func fail[T any](err error) Result[T] {
	return Result[T]{
		Success: false,
		Error: &ErrorInfo{
			Code:    string(errors.KindOf(err)),
			Message: err.Error(),
		},
	}
}
