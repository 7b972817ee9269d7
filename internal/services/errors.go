package services

import (
	"context"
	"errors"

	"github.com/xiangteng007/signalfuse/internal/feeds"
)

// Channel failure classes. The alert engine downgrades these to counts; the
// queue layer uses the transient class to decide whether a re-run makes
// sense.
var (
	// ErrChannelConfig marks a dispatch that failed closed before any network
	// call because required channel config was missing or invalid.
	ErrChannelConfig = errors.New("channel config missing or invalid")
	// ErrChannelRejected marks a permanent remote rejection (4xx-equivalent).
	ErrChannelRejected = errors.New("channel rejected message")
	// ErrChannelTransient marks a retryable delivery failure (rate limit,
	// 5xx, network error).
	ErrChannelTransient = errors.New("transient channel failure")
)

// ErrBadJobPayload marks a malformed job payload; surfaced as 4xx-equivalent
// so the queue layer does not retry.
var ErrBadJobPayload = errors.New("malformed job payload")

// IsRetryable reports whether the outer queue should re-invoke the job that
// produced err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBadJobPayload) || errors.Is(err, ErrChannelConfig) || errors.Is(err, ErrChannelRejected) {
		return false
	}
	var upstream *feeds.UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Retryable()
	}
	if errors.Is(err, ErrChannelTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Unclassified failures (store unreachable, etc.) default to retryable.
	return true
}
