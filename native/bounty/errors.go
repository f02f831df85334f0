package bounty

import "errors"

// Sentinel errors returned by the bounty engine. Hosts and RPC handlers
// dispatch on these with errors.Is; the messages are stable API surface.
var (
	ErrNotAuthorized      = errors.New("bounty: not authorized")
	ErrBountyNotFound     = errors.New("bounty: not found")
	ErrBountyNotOpen      = errors.New("bounty: not open")
	ErrInsufficientFunds  = errors.New("bounty: insufficient funds")
	ErrDeadlinePassed     = errors.New("bounty: deadline passed")
	ErrAlreadySubmitted   = errors.New("bounty: already submitted")
	ErrNotVerifier        = errors.New("bounty: not an approved verifier")
	ErrSubmissionNotFound = errors.New("bounty: submission not found")
	ErrInvalidStatus      = errors.New("bounty: invalid status")
	ErrInvalidAmount      = errors.New("bounty: amount must be positive")
	ErrInvalidMetadata    = errors.New("bounty: invalid metadata")
)
