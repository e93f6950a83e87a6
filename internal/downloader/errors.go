package downloader

import (
	"errors"
	"fmt"
)

// Sentinel errors used with errors.Is.
var (
	ErrInvalidPolicy       = errors.New("invalid retrieval policy")
	ErrInternal            = errors.New("internal downloader error")
	ErrPermanent           = errors.New("permanent fetch error")
	ErrTransient           = errors.New("transient fetch error")
	ErrRateLimited         = errors.New("rate limited")
	ErrRedirectFollowed    = errors.New("redirect followed")
	ErrChallengeUnsolvable = errors.New("challenge unsolvable")
	ErrRetriesExhausted    = errors.New("retries exhausted")
	ErrCommit              = errors.New("commit failed")
	ErrNotFound            = errors.New("not found")
	ErrQueueClosed         = errors.New("queue closed")
)

// ErrorKind classifies a FetchError.
type ErrorKind int

// Fetch error kinds.
const (
	KindPermanent ErrorKind = iota + 1
	KindTransient
	KindRateLimited
	KindRedirectFollowed
	KindChallengeUnsolvable
	KindRetriesExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindRedirectFollowed:
		return "redirect_followed"
	case KindChallengeUnsolvable:
		return "challenge_unsolvable"
	case KindRetriesExhausted:
		return "retries_exhausted"
	default:
		return "unknown"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindPermanent:
		return ErrPermanent
	case KindTransient:
		return ErrTransient
	case KindRateLimited:
		return ErrRateLimited
	case KindRedirectFollowed:
		return ErrRedirectFollowed
	case KindChallengeUnsolvable:
		return ErrChallengeUnsolvable
	case KindRetriesExhausted:
		return ErrRetriesExhausted
	default:
		return nil
	}
}

// FetchError is returned by the retrieval engine for every failed fetch.
type FetchError struct {
	Kind       ErrorKind
	URL        string
	StatusCode int
	// Body holds a short excerpt of the response for permanent failures.
	Body string
	Err  error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("%s fetch error for %s", e.Kind, e.URL)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error kind.
func (e *FetchError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// NewFetchError builds a FetchError.
func NewFetchError(kind ErrorKind, url string, status int, cause error) *FetchError {
	return &FetchError{Kind: kind, URL: url, StatusCode: status, Err: cause}
}

// CommitError wraps a filesystem failure while committing a download.
type CommitError struct {
	Path string
	Op   string
	Err  error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit %s (%s): %v", e.Path, e.Op, e.Err)
}

// Unwrap exposes the filesystem cause.
func (e *CommitError) Unwrap() error {
	return e.Err
}

// Is reports ErrCommit.
func (e *CommitError) Is(target error) bool {
	return target == ErrCommit
}

// KindOf extracts the ErrorKind from err, or zero when err is not a FetchError.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}
