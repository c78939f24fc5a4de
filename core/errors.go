package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures for breakers, callers and user-facing responses.
type ErrorKind string

const (
	KindRateLimited       ErrorKind = "rate_limited"
	KindAuthFailure       ErrorKind = "auth_failure"
	KindTransient         ErrorKind = "transient"
	KindNotFound          ErrorKind = "not_found"
	KindAcquisitionFailed ErrorKind = "acquisition_failed"
	KindCooldown          ErrorKind = "cooldown"
	KindInvalidURL        ErrorKind = "invalid_url"
	KindInvalidUser       ErrorKind = "invalid_user"
	KindDuplicate         ErrorKind = "duplicate"
	KindMissingMention    ErrorKind = "missing_mention"
	KindInternal          ErrorKind = "internal"
)

var (
	// ErrPostNotFound means every upstream that answered reported the post missing.
	ErrPostNotFound = errors.New("post not found upstream")
	// ErrAcquisitionFailed means no source answered and there is nothing to estimate from.
	ErrAcquisitionFailed = errors.New("engagement acquisition failed")
	// ErrTrackedPostNotFound is returned by stores for unknown post ids.
	ErrTrackedPostNotFound = errors.New("tracked post not found")
	// ErrDuplicatePost is returned when the external post is already tracked.
	ErrDuplicatePost = errors.New("post already submitted")
	// ErrConcurrentUpdate is returned when a post changed between read and write.
	ErrConcurrentUpdate = errors.New("tracked post modified concurrently")
	// ErrInvalidPostURL is returned for URLs that do not address a single post.
	ErrInvalidPostURL = errors.New("invalid post url")

	errInvalidWeights = errors.New("scoring weights must be finite and non-negative")
)

// SourceError is a classified failure raised by a source client.
type SourceError struct {
	Kind       ErrorKind
	Source     Source
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *SourceError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Source, e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SourceError) Unwrap() error { return e.Err }

// NewSourceError builds a classified error.
func NewSourceError(source Source, kind ErrorKind, status int, err error) *SourceError {
	return &SourceError{Kind: kind, Source: source, StatusCode: status, Err: err}
}

// KindOf classifies an arbitrary error. Unknown errors are transient; deadline
// expiry counts as a transient upstream failure.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrPostNotFound), errors.Is(err, ErrTrackedPostNotFound):
		return KindNotFound
	case errors.Is(err, ErrAcquisitionFailed):
		return KindAcquisitionFailed
	case errors.Is(err, ErrDuplicatePost):
		return KindDuplicate
	case errors.Is(err, ErrInvalidPostURL):
		return KindInvalidURL
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}
	return KindTransient
}
