package remote

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrConflict     = errors.New("revision conflict")
	ErrInvalidInput = errors.New("invalid input")
)

type ConflictError struct {
	Path             string
	ExpectedRevision string
	CurrentRevision  string
}

func (e *ConflictError) Error() string {
	if e.Path == "" {
		return "revision conflict"
	}
	if e.CurrentRevision != "" {
		return fmt.Sprintf("revision conflict for %s: expected %s, current %s", e.Path, e.ExpectedRevision, e.CurrentRevision)
	}
	return fmt.Sprintf("revision conflict for %s", e.Path)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// IsPermanent reports whether repeating the same request cannot succeed:
// conflicts, bad input, and client errors other than timeouts and rate limits.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalidInput) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return false
		}
		return httpErr.StatusCode >= 400 && httpErr.StatusCode <= 499
	}
	return false
}
