// Package apierr gives the Orchestration API's HTTP surface a uniform error
// shape: an HTTP status, a stable code, and a wrapped cause.
package apierr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict        = errors.New("conflict")
)

type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	return fmt.Sprintf("api error (%d)", e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

func NotFound(code string, err error) *Error        { return New(404, code, err) }
func InvalidArgument(code string, err error) *Error { return New(422, code, err) }
func Conflict(code string, err error) *Error        { return New(409, code, err) }
