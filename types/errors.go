package types

import "errors"

// Error taxonomy. Validation, authorization, illegal-state and not-found
// failures are deterministic rejections with no state change; transient
// failures are retried by callers and never reach the chain.
var (
	// Validation
	ErrLengthMismatch = errors.New("capability tags and weights differ in length")
	ErrOutOfRange     = errors.New("value outside [0,100]")
	ErrBadDeadline    = errors.New("deadline not after creation time")
	ErrBadAmount      = errors.New("amount outside permitted range")

	// Authorization
	ErrUnauthorized = errors.New("caller not permitted")
	ErrBadSignature = errors.New("signature does not match bidder")
	ErrBadNonce     = errors.New("nonce not strictly increasing")

	// IllegalState
	ErrAlreadyRegistered = errors.New("agent already registered")
	ErrIllegalState      = errors.New("operation not valid in current task status")
	ErrDuplicateBid      = errors.New("bid already placed for this task")
	ErrBiddingClosed     = errors.New("bidding window closed")
	ErrAlreadyEvaluated  = errors.New("task already evaluated")

	// Not-found
	ErrAgentNotFound = errors.New("agent not found")
	ErrTaskNotFound  = errors.New("task not found")

	// Policy rejections (off-chain)
	ErrWorkloadExceeded = errors.New("agent workload at capacity")
	ErrLowReputation    = errors.New("reputation below task minimum")
)
