package model

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusClass buckets transport failures for routing decisions.
type StatusClass string

const (
	// ClassRateLimited is a 429 style response. Triggers fallback and a cooldown.
	ClassRateLimited StatusClass = "rate_limited"
	// ClassServerTransient is a configured transient server status. Triggers fallback only.
	ClassServerTransient StatusClass = "server_transient"
	// ClassFatal is any non-retriable failure.
	ClassFatal StatusClass = "fatal"
)

// DefaultTransientStatusCodes are server statuses retried on the next model.
var DefaultTransientStatusCodes = []int{
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
	529, // provider overloaded
}

// StatusError carries a raw provider status code. Adapters return it and the
// router classifies it against its configured transient set.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("model call failed with status %d: %v", e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// RetriableError is a classified failure that moves the call to the next model.
type RetriableError struct {
	Class      StatusClass
	StatusCode int
	Err        error
}

// NewRetriableError creates a RetriableError.
func NewRetriableError(class StatusClass, statusCode int, err error) *RetriableError {
	return &RetriableError{Class: class, StatusCode: statusCode, Err: err}
}

func (e *RetriableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (%d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *RetriableError) Unwrap() error { return e.Err }

// FatalError is a classified failure that aborts the fallback chain.
type FatalError struct {
	StatusCode int
	Err        error
}

func (e *FatalError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fatal model error (%d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fatal model error: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// StatusCodeSet turns a list of codes into a lookup set.
func StatusCodeSet(codes []int) map[int]bool {
	set := make(map[int]bool, len(codes))
	for _, c := range codes {
		set[c] = true
	}
	return set
}

// Classify maps a transport error to a StatusClass and reports whether the
// next model in the chain should be tried. 429 is always rate limited.
func Classify(err error, transient map[int]bool) (StatusClass, bool) {
	if err == nil {
		return "", false
	}

	var re *RetriableError
	if errors.As(err, &re) {
		return re.Class, true
	}

	var fe *FatalError
	if errors.As(err, &fe) {
		return ClassFatal, false
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusTooManyRequests:
			return ClassRateLimited, true
		case transient[se.StatusCode]:
			return ClassServerTransient, true
		}
	}

	return ClassFatal, false
}

// StatusCodeOf extracts the provider status code from err, or 0.
func StatusCodeOf(err error) int {
	var re *RetriableError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe.StatusCode
	}
	return 0
}
