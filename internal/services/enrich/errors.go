package enrich

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies upstream failures.
type ErrorKind string

const (
	KindTimeout           ErrorKind = "timeout"
	KindUnauthorized      ErrorKind = "unauthorized"
	KindNotFound          ErrorKind = "not_found"
	KindRateLimited       ErrorKind = "rate_limited"
	KindMalformedResponse ErrorKind = "malformed_response"
	KindNetwork           ErrorKind = "network"
)

// UpstreamError is returned for every failed lookup.
type UpstreamError struct {
	// RetryAfter is set for rate-limited responses when the upstream says
	// when to come back.
	RetryAfter time.Time
	Err        error
	Kind       ErrorKind
	Endpoint   string
	Detail     string
	StatusCode int
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("upstream %s: %s", e.Endpoint, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of an upstream error, or "" for any other error.
func KindOf(err error) ErrorKind {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return ""
}

// IsKind reports whether err is an upstream error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// kindForStatus maps a non-2xx HTTP status to an error kind.
func kindForStatus(status int) ErrorKind {
	switch status {
	case 401, 403:
		return KindUnauthorized
	case 404, 422:
		return KindNotFound
	case 429:
		return KindRateLimited
	default:
		return KindNetwork
	}
}
