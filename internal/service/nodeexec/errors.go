package nodeexec

import "errors"

var (
	// ErrInvalidRequest marks a contract violation at the service boundary:
	// empty required projection, oversized batch, empty input list, or
	// missing plan execution metadata. Never retried.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUpdateFailed marks an unguarded update that matched no record when
	// the caller expected unconditional success.
	ErrUpdateFailed = errors.New("node execution update failed")

	// ErrInternal marks a programming/data-integrity invariant violation,
	// not a recoverable runtime condition.
	ErrInternal = errors.New("unexpected orchestration state")
)
