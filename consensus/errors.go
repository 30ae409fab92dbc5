package consensus

import "errors"

// Sentinel errors returned by the event processor. Callers distinguish
// fatal conditions (persistence/executor failure - the process should
// not keep participating with a possibly-corrupted local state) from
// routine protocol noise (stale or malformed messages, which are
// logged and dropped).
var (
	ErrInvalidMessage      = errors.New("invalid consensus message")
	ErrStaleMessage        = errors.New("stale consensus message")
	ErrMissingAncestor     = errors.New("missing ancestor block")
	ErrSafetyViolation     = errors.New("safety module rejected the action")
	ErrPersistenceFailure  = errors.New("persistent store failure")
	ErrExecutorFailure     = errors.New("state computer failure")
	ErrNetworkFailure      = errors.New("network failure")
	ErrUnauthorizedProposer = errors.New("proposal author is not the round's leader")
)
