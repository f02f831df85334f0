package bounty

import (
	"fmt"
	"math/big"
	"strings"
)

// BountyStatus represents the lifecycle states of a bounty. The zero value is
// deliberately invalid so an unset status is never mistaken for Open.
type BountyStatus uint8

const (
	StatusOpen BountyStatus = iota + 1
	StatusSubmitted
	StatusCompleted
	StatusCancelled
)

// Valid reports whether the status value is within the supported range.
func (s BountyStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusSubmitted, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status absorbs all further transitions.
func (s BountyStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s BountyStatus) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusSubmitted:
		return "submitted"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Field limits applied to caller-supplied metadata, measured in bytes after
// trimming surrounding whitespace.
const (
	MaxTitleLength        = 140
	MaxDescriptionLength  = 4096
	MaxRequirementsLength = 4096
	MaxURLLength          = 512
)

// Bounty is a funded task. Metadata fields are immutable after creation;
// Winner and SubmissionURL stay unset until the bounty completes. Records are
// never deleted, so terminal bounties remain readable forever.
type Bounty struct {
	ID            uint64
	Creator       [20]byte
	Amount        *big.Int
	Title         string
	Description   string
	Requirements  string
	Deadline      uint64
	CreatedAt     uint64
	Status        BountyStatus
	Winner        *[20]byte
	SubmissionURL string
}

// Clone returns a deep copy so callers can mutate the result without touching
// the stored instance.
func (b *Bounty) Clone() *Bounty {
	if b == nil {
		return nil
	}
	clone := *b
	if b.Amount != nil {
		clone.Amount = new(big.Int).Set(b.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	if b.Winner != nil {
		winner := *b.Winner
		clone.Winner = &winner
	}
	return &clone
}

// SanitizeBounty validates a bounty record and returns a cloned instance with
// trimmed metadata and a non-nil amount. The original value is not mutated.
func SanitizeBounty(b *Bounty) (*Bounty, error) {
	if b == nil {
		return nil, fmt.Errorf("nil bounty")
	}
	clone := b.Clone()
	clone.Title = strings.TrimSpace(clone.Title)
	clone.Description = strings.TrimSpace(clone.Description)
	clone.Requirements = strings.TrimSpace(clone.Requirements)
	clone.SubmissionURL = strings.TrimSpace(clone.SubmissionURL)
	if clone.Title == "" || len(clone.Title) > MaxTitleLength {
		return nil, ErrInvalidMetadata
	}
	if len(clone.Description) > MaxDescriptionLength {
		return nil, ErrInvalidMetadata
	}
	if len(clone.Requirements) > MaxRequirementsLength {
		return nil, ErrInvalidMetadata
	}
	if len(clone.SubmissionURL) > MaxURLLength {
		return nil, ErrInvalidMetadata
	}
	if clone.Amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid bounty status: %d", clone.Status)
	}
	return clone, nil
}

// Submission is a worker's entry for a bounty, keyed by (BountyID, Submitter).
// At most one exists per pair; Verified flips to true exactly once, when the
// submission is accepted.
type Submission struct {
	BountyID      uint64
	Submitter     [20]byte
	SubmissionURL string
	Description   string
	SubmittedAt   uint64
	Verified      bool
}

// Clone returns a copy of the submission record.
func (s *Submission) Clone() *Submission {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}

// SanitizeSubmission validates a submission record, returning a trimmed clone.
func SanitizeSubmission(s *Submission) (*Submission, error) {
	if s == nil {
		return nil, fmt.Errorf("nil submission")
	}
	clone := s.Clone()
	clone.SubmissionURL = strings.TrimSpace(clone.SubmissionURL)
	clone.Description = strings.TrimSpace(clone.Description)
	if clone.SubmissionURL == "" || len(clone.SubmissionURL) > MaxURLLength {
		return nil, ErrInvalidMetadata
	}
	if len(clone.Description) > MaxDescriptionLength {
		return nil, ErrInvalidMetadata
	}
	return clone, nil
}
