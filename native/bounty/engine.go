package bounty

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"bountychain/core/events"
	"bountychain/core/types"
)

var errNilState = errors.New("bounty engine: state not configured")

// engineState is the narrow view of chain state the engine depends on. The
// hosting node provides it from the state manager; tests provide a mock.
type engineState interface {
	BountyPut(*Bounty) error
	BountyGet(id uint64) (*Bounty, bool)
	BountyAllocateID() (uint64, error)
	BountyRevertID(id uint64) error
	BountyNextID() (uint64, error)
	SubmissionPut(*Submission) error
	SubmissionGet(bountyID uint64, submitter [20]byte) (*Submission, bool)
	SubmissionList(bountyID uint64) ([]*Submission, error)
	VerifierSet(addr [20]byte, approved bool) error
	VerifierApproved(addr [20]byte) bool
	EscrowCredit(bountyID uint64, amount *big.Int) error
	EscrowDebit(bountyID uint64, amount *big.Int) error
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

type bountyEvent struct {
	evt *types.Event
}

func (e bountyEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e bountyEvent) Event() *types.Event { return e.evt }

// VaultAddress derives the module account that custodies escrowed funds. No
// private key exists for it; only engine transitions move its balance.
func VaultAddress() [20]byte {
	var addr [20]byte
	copy(addr[:], ethcrypto.Keccak256([]byte("bounty/module/vault"))[12:])
	return addr
}

// Config fixes the identities an engine instance is constructed with. Owner
// gates the verifier registry and cannot be transferred afterwards; a zero
// Vault falls back to the derived module address.
type Config struct {
	Owner [20]byte
	Vault [20]byte
}

// Engine wires the bounty state machine to external state and event emitters.
// All operations are synchronous and assume the host serializes calls.
type Engine struct {
	state    engineState
	emitter  events.Emitter
	owner    [20]byte
	vault    [20]byte
	heightFn func() uint64
}

// NewEngine creates a bounty engine with a no-op emitter and a clock pinned
// at height zero. The host supplies both via SetEmitter and SetHeightFunc.
func NewEngine(cfg Config) *Engine {
	vault := cfg.Vault
	if vault == ([20]byte{}) {
		vault = VaultAddress()
	}
	return &Engine{
		emitter:  events.NoopEmitter{},
		owner:    cfg.Owner,
		vault:    vault,
		heightFn: func() uint64 { return 0 },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetHeightFunc overrides the chain-height source used for deadlines and
// timestamps. Passing nil pins the clock at height zero.
func (e *Engine) SetHeightFunc(height func() uint64) {
	if height == nil {
		e.heightFn = func() uint64 { return 0 }
		return
	}
	e.heightFn = height
}

// Owner returns the identity allowed to manage the verifier registry.
func (e *Engine) Owner() [20]byte { return e.owner }

// Vault returns the custodian account holding escrowed funds.
func (e *Engine) Vault() [20]byte { return e.vault }

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(bountyEvent{evt: event})
}

func (e *Engine) height() uint64 {
	if e == nil || e.heightFn == nil {
		return 0
	}
	return e.heightFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

// transfer moves amount between ledger accounts, failing without effect when
// the source balance is too small. Zero amounts are a no-op.
func (e *Engine) transfer(from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("bounty: negative transfer amount")
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	if fromAcc.Balance.Cmp(amt) < 0 {
		return ErrInsufficientFunds
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}

// CreateBounty escrows amount from the creator and records a new open bounty.
// The funding transfer, escrow credit, record write and id advance succeed or
// fail as a unit.
func (e *Engine) CreateBounty(creator [20]byte, amount *big.Int, title, description, requirements string, deadline uint64) (*Bounty, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	title = strings.TrimSpace(title)
	description = strings.TrimSpace(description)
	requirements = strings.TrimSpace(requirements)
	if title == "" || len(title) > MaxTitleLength {
		return nil, ErrInvalidMetadata
	}
	if len(description) > MaxDescriptionLength || len(requirements) > MaxRequirementsLength {
		return nil, ErrInvalidMetadata
	}
	if creator == e.vault {
		return nil, ErrNotAuthorized
	}
	creatorAcc, err := e.state.GetAccount(creator[:])
	if err != nil {
		return nil, err
	}
	if ensureAccount(creatorAcc).Balance.Cmp(amt) < 0 {
		return nil, ErrInsufficientFunds
	}
	now := e.height()
	if deadline <= now {
		return nil, ErrDeadlinePassed
	}
	id, err := e.state.BountyAllocateID()
	if err != nil {
		return nil, err
	}
	if err := e.transfer(creator, e.vault, amt); err != nil {
		if revertErr := e.state.BountyRevertID(id); revertErr != nil {
			return nil, fmt.Errorf("%w (id revert failed: %v)", err, revertErr)
		}
		return nil, err
	}
	if err := e.state.EscrowCredit(id, amt); err != nil {
		return nil, e.unwindCreate(id, creator, amt, false, err)
	}
	b := &Bounty{
		ID:           id,
		Creator:      creator,
		Amount:       amt,
		Title:        title,
		Description:  description,
		Requirements: requirements,
		Deadline:     deadline,
		CreatedAt:    now,
		Status:       StatusOpen,
	}
	if err := e.state.BountyPut(b); err != nil {
		return nil, e.unwindCreate(id, creator, amt, true, err)
	}
	e.emit(NewCreatedEvent(b))
	return b.Clone(), nil
}

// unwindCreate rolls back the funding transfer, escrow credit and id
// allocation after a mid-create failure. Unwind failures are attached to the
// original error.
func (e *Engine) unwindCreate(id uint64, creator [20]byte, amt *big.Int, credited bool, cause error) error {
	if credited {
		if err := e.state.EscrowDebit(id, amt); err != nil {
			return fmt.Errorf("%w (escrow unwind failed: %v)", cause, err)
		}
	}
	if err := e.transfer(e.vault, creator, amt); err != nil {
		return fmt.Errorf("%w (refund unwind failed: %v)", cause, err)
	}
	if err := e.state.BountyRevertID(id); err != nil {
		return fmt.Errorf("%w (id revert failed: %v)", cause, err)
	}
	return cause
}

// SubmitWork records a worker's entry for an active bounty. The first
// submission moves the bounty from Open to Submitted; later workers may keep
// submitting until the deadline. One entry per (bounty, submitter), ever.
func (e *Engine) SubmitWork(bountyID uint64, submitter [20]byte, url, description string) (*Submission, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	b, ok := e.state.BountyGet(bountyID)
	if !ok {
		return nil, ErrBountyNotFound
	}
	if b.Status != StatusOpen && b.Status != StatusSubmitted {
		return nil, ErrBountyNotOpen
	}
	now := e.height()
	if now >= b.Deadline {
		return nil, ErrDeadlinePassed
	}
	if _, exists := e.state.SubmissionGet(bountyID, submitter); exists {
		return nil, ErrAlreadySubmitted
	}
	if submitter == e.vault {
		return nil, ErrNotAuthorized
	}
	url = strings.TrimSpace(url)
	description = strings.TrimSpace(description)
	if url == "" || len(url) > MaxURLLength {
		return nil, ErrInvalidMetadata
	}
	if len(description) > MaxDescriptionLength {
		return nil, ErrInvalidMetadata
	}
	sub := &Submission{
		BountyID:      bountyID,
		Submitter:     submitter,
		SubmissionURL: url,
		Description:   description,
		SubmittedAt:   now,
	}
	if err := e.state.SubmissionPut(sub); err != nil {
		return nil, err
	}
	if b.Status == StatusOpen {
		b.Status = StatusSubmitted
		if err := e.state.BountyPut(b); err != nil {
			return nil, err
		}
	}
	e.emit(NewSubmittedEvent(b, sub))
	return sub.Clone(), nil
}

// VerifySubmission accepts a submission and pays the escrowed amount to its
// submitter. Only the bounty creator or an approved verifier may accept, and
// only while the bounty sits in Submitted; the status guard makes a second
// payout impossible.
func (e *Engine) VerifySubmission(bountyID uint64, submitter, caller [20]byte) (*Bounty, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	b, ok := e.state.BountyGet(bountyID)
	if !ok {
		return nil, ErrBountyNotFound
	}
	if b.Status != StatusSubmitted {
		return nil, ErrInvalidStatus
	}
	sub, ok := e.state.SubmissionGet(bountyID, submitter)
	if !ok {
		return nil, ErrSubmissionNotFound
	}
	if caller != b.Creator && !e.state.VerifierApproved(caller) {
		return nil, ErrNotAuthorized
	}
	amt := cloneBigInt(b.Amount)
	if err := e.state.EscrowDebit(bountyID, amt); err != nil {
		return nil, err
	}
	if err := e.transfer(e.vault, submitter, amt); err != nil {
		if creditErr := e.state.EscrowCredit(bountyID, amt); creditErr != nil {
			return nil, fmt.Errorf("%w (escrow restore failed: %v)", err, creditErr)
		}
		return nil, err
	}
	sub.Verified = true
	if err := e.state.SubmissionPut(sub); err != nil {
		return nil, err
	}
	winner := submitter
	b.Status = StatusCompleted
	b.Winner = &winner
	b.SubmissionURL = sub.SubmissionURL
	if err := e.state.BountyPut(b); err != nil {
		return nil, err
	}
	e.emit(NewVerifiedEvent(b, caller))
	return b.Clone(), nil
}

// CancelBounty refunds an open bounty to its creator. Cancellation stays
// available after the deadline as long as no work was submitted.
func (e *Engine) CancelBounty(bountyID uint64, caller [20]byte) (*Bounty, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	b, ok := e.state.BountyGet(bountyID)
	if !ok {
		return nil, ErrBountyNotFound
	}
	if caller != b.Creator {
		return nil, ErrNotAuthorized
	}
	if b.Status != StatusOpen {
		return nil, ErrInvalidStatus
	}
	amt := cloneBigInt(b.Amount)
	if err := e.state.EscrowDebit(bountyID, amt); err != nil {
		return nil, err
	}
	if err := e.transfer(e.vault, b.Creator, amt); err != nil {
		if creditErr := e.state.EscrowCredit(bountyID, amt); creditErr != nil {
			return nil, fmt.Errorf("%w (escrow restore failed: %v)", err, creditErr)
		}
		return nil, err
	}
	b.Status = StatusCancelled
	if err := e.state.BountyPut(b); err != nil {
		return nil, err
	}
	e.emit(NewCancelledEvent(b))
	return b.Clone(), nil
}

// AddVerifier approves an identity for submission verification. Owner only.
func (e *Engine) AddVerifier(caller, verifier [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if caller == ([20]byte{}) || caller != e.owner {
		return ErrNotAuthorized
	}
	if verifier == ([20]byte{}) {
		return fmt.Errorf("bounty: verifier address required")
	}
	if err := e.state.VerifierSet(verifier, true); err != nil {
		return err
	}
	e.emit(NewVerifierAddedEvent(verifier))
	return nil
}

// RemoveVerifier revokes an identity's verifier approval. The registry entry
// is kept with approved=false so the grant history stays auditable.
func (e *Engine) RemoveVerifier(caller, verifier [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if caller == ([20]byte{}) || caller != e.owner {
		return ErrNotAuthorized
	}
	if verifier == ([20]byte{}) {
		return fmt.Errorf("bounty: verifier address required")
	}
	if err := e.state.VerifierSet(verifier, false); err != nil {
		return err
	}
	e.emit(NewVerifierRemovedEvent(verifier))
	return nil
}

// GetBounty returns a copy of the bounty record.
func (e *Engine) GetBounty(id uint64) (*Bounty, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	b, ok := e.state.BountyGet(id)
	if !ok {
		return nil, ErrBountyNotFound
	}
	return b.Clone(), nil
}

// GetSubmission returns a copy of the submission record for (bounty,
// submitter).
func (e *Engine) GetSubmission(bountyID uint64, submitter [20]byte) (*Submission, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if _, ok := e.state.BountyGet(bountyID); !ok {
		return nil, ErrBountyNotFound
	}
	sub, ok := e.state.SubmissionGet(bountyID, submitter)
	if !ok {
		return nil, ErrSubmissionNotFound
	}
	return sub.Clone(), nil
}

// ListSubmissions returns the bounty's submissions in submission order.
func (e *Engine) ListSubmissions(bountyID uint64) ([]*Submission, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if _, ok := e.state.BountyGet(bountyID); !ok {
		return nil, ErrBountyNotFound
	}
	return e.state.SubmissionList(bountyID)
}

// IsVerifier reports the registry flag for the identity; unknown identities
// and revoked verifiers both read false.
func (e *Engine) IsVerifier(addr [20]byte) bool {
	if e == nil || e.state == nil {
		return false
	}
	return e.state.VerifierApproved(addr)
}

// NextBountyID returns the id the next created bounty will receive.
func (e *Engine) NextBountyID() (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	return e.state.BountyNextID()
}

// BountyCount returns how many bounties were ever created, including
// cancelled and completed ones.
func (e *Engine) BountyCount() (uint64, error) {
	next, err := e.NextBountyID()
	if err != nil {
		return 0, err
	}
	return next - 1, nil
}
