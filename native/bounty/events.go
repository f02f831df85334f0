package bounty

import (
	"encoding/hex"
	"strconv"

	"bountychain/core/types"
)

const (
	EventTypeBountyCreated   = "bounty.created"
	EventTypeBountySubmitted = "bounty.submitted"
	EventTypeBountyVerified  = "bounty.verified"
	EventTypeBountyCancelled = "bounty.cancelled"
	EventTypeVerifierAdded   = "bounty.verifier_added"
	EventTypeVerifierRemoved = "bounty.verifier_removed"
)

// NewCreatedEvent returns the canonical payload for a newly funded bounty.
func NewCreatedEvent(b *Bounty) *types.Event { return newBountyEvent(EventTypeBountyCreated, b) }

// NewSubmittedEvent returns the payload emitted when a worker submits an
// entry. The bounty status attribute reflects the post-submission state.
func NewSubmittedEvent(b *Bounty, sub *Submission) *types.Event {
	evt := newBountyEvent(EventTypeBountySubmitted, b)
	if sub != nil {
		evt.Attributes["submitter"] = hex.EncodeToString(sub.Submitter[:])
		evt.Attributes["submittedAt"] = strconv.FormatUint(sub.SubmittedAt, 10)
	}
	return evt
}

// NewVerifiedEvent returns the payload emitted when a submission is accepted
// and the escrowed amount is paid out.
func NewVerifiedEvent(b *Bounty, caller [20]byte) *types.Event {
	evt := newBountyEvent(EventTypeBountyVerified, b)
	evt.Attributes["verifiedBy"] = hex.EncodeToString(caller[:])
	return evt
}

// NewCancelledEvent returns the payload emitted when an open bounty is
// cancelled and refunded to its creator.
func NewCancelledEvent(b *Bounty) *types.Event { return newBountyEvent(EventTypeBountyCancelled, b) }

// NewVerifierAddedEvent returns the payload emitted when the owner approves a
// verifier identity.
func NewVerifierAddedEvent(verifier [20]byte) *types.Event {
	return newVerifierEvent(EventTypeVerifierAdded, verifier)
}

// NewVerifierRemovedEvent returns the payload emitted when the owner revokes a
// verifier identity. The registry entry itself is retained.
func NewVerifierRemovedEvent(verifier [20]byte) *types.Event {
	return newVerifierEvent(EventTypeVerifierRemoved, verifier)
}

func newBountyEvent(eventType string, b *Bounty) *types.Event {
	attrs := make(map[string]string)
	if b == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeBounty(b)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(sanitized.ID, 10)
	attrs["creator"] = hex.EncodeToString(sanitized.Creator[:])
	attrs["amount"] = sanitized.Amount.String()
	attrs["deadline"] = strconv.FormatUint(sanitized.Deadline, 10)
	attrs["createdAt"] = strconv.FormatUint(sanitized.CreatedAt, 10)
	attrs["status"] = sanitized.Status.String()
	if sanitized.Winner != nil {
		attrs["winner"] = hex.EncodeToString(sanitized.Winner[:])
	}
	if sanitized.SubmissionURL != "" {
		attrs["submissionUrl"] = sanitized.SubmissionURL
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newVerifierEvent(eventType string, verifier [20]byte) *types.Event {
	return &types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"verifier": hex.EncodeToString(verifier[:]),
		},
	}
}
