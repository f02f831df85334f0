package state

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"bountychain/native/bounty"
)

var (
	bountyRecordPrefix     = []byte("bounty/record/")
	bountySubmissionPrefix = []byte("bounty/submission/")
	bountySubmittersPrefix = []byte("bounty/submitters/")
	bountyVerifierPrefix   = []byte("bounty/verifier/")
	bountyEscrowPrefix     = []byte("bounty/escrow/")
	bountyCounterKey       = ethcrypto.Keccak256([]byte("bounty/next-id"))
	bountyEscrowTotalKey   = ethcrypto.Keccak256([]byte("bounty/escrow-total"))
)

func bountyStorageKey(id uint64) []byte {
	buf := make([]byte, len(bountyRecordPrefix)+8)
	copy(buf, bountyRecordPrefix)
	binary.BigEndian.PutUint64(buf[len(bountyRecordPrefix):], id)
	return ethcrypto.Keccak256(buf)
}

func submissionStorageKey(id uint64, submitter [20]byte) []byte {
	buf := make([]byte, len(bountySubmissionPrefix)+8+len(submitter))
	copy(buf, bountySubmissionPrefix)
	binary.BigEndian.PutUint64(buf[len(bountySubmissionPrefix):], id)
	copy(buf[len(bountySubmissionPrefix)+8:], submitter[:])
	return ethcrypto.Keccak256(buf)
}

func submitterIndexKey(id uint64) []byte {
	buf := make([]byte, len(bountySubmittersPrefix)+8)
	copy(buf, bountySubmittersPrefix)
	binary.BigEndian.PutUint64(buf[len(bountySubmittersPrefix):], id)
	return ethcrypto.Keccak256(buf)
}

func verifierStorageKey(addr [20]byte) []byte {
	buf := make([]byte, len(bountyVerifierPrefix)+len(addr))
	copy(buf, bountyVerifierPrefix)
	copy(buf[len(bountyVerifierPrefix):], addr[:])
	return ethcrypto.Keccak256(buf)
}

func escrowStorageKey(id uint64) []byte {
	buf := make([]byte, len(bountyEscrowPrefix)+8)
	copy(buf, bountyEscrowPrefix)
	binary.BigEndian.PutUint64(buf[len(bountyEscrowPrefix):], id)
	return ethcrypto.Keccak256(buf)
}

type storedBounty struct {
	ID            uint64
	Creator       [20]byte
	Amount        *big.Int
	Title         string
	Description   string
	Requirements  string
	Deadline      uint64
	CreatedAt     uint64
	Status        uint8
	HasWinner     bool
	Winner        [20]byte
	SubmissionURL string
}

func newStoredBounty(b *bounty.Bounty) *storedBounty {
	if b == nil {
		return nil
	}
	amount := big.NewInt(0)
	if b.Amount != nil {
		amount = new(big.Int).Set(b.Amount)
	}
	record := &storedBounty{
		ID:            b.ID,
		Creator:       b.Creator,
		Amount:        amount,
		Title:         b.Title,
		Description:   b.Description,
		Requirements:  b.Requirements,
		Deadline:      b.Deadline,
		CreatedAt:     b.CreatedAt,
		Status:        uint8(b.Status),
		SubmissionURL: b.SubmissionURL,
	}
	if b.Winner != nil {
		record.HasWinner = true
		record.Winner = *b.Winner
	}
	return record
}

func (s *storedBounty) toBounty() (*bounty.Bounty, error) {
	if s == nil {
		return nil, fmt.Errorf("state: nil bounty record")
	}
	out := &bounty.Bounty{
		ID:            s.ID,
		Creator:       s.Creator,
		Amount:        big.NewInt(0),
		Title:         s.Title,
		Description:   s.Description,
		Requirements:  s.Requirements,
		Deadline:      s.Deadline,
		CreatedAt:     s.CreatedAt,
		Status:        bounty.BountyStatus(s.Status),
		SubmissionURL: s.SubmissionURL,
	}
	if s.Amount != nil {
		out.Amount = new(big.Int).Set(s.Amount)
	}
	if s.HasWinner {
		winner := s.Winner
		out.Winner = &winner
	}
	if !out.Status.Valid() {
		return nil, fmt.Errorf("state: invalid bounty status %d", s.Status)
	}
	return out, nil
}

type storedSubmission struct {
	BountyID      uint64
	Submitter     [20]byte
	SubmissionURL string
	Description   string
	SubmittedAt   uint64
	Verified      bool
}

func newStoredSubmission(s *bounty.Submission) *storedSubmission {
	if s == nil {
		return nil
	}
	return &storedSubmission{
		BountyID:      s.BountyID,
		Submitter:     s.Submitter,
		SubmissionURL: s.SubmissionURL,
		Description:   s.Description,
		SubmittedAt:   s.SubmittedAt,
		Verified:      s.Verified,
	}
}

func (s *storedSubmission) toSubmission() *bounty.Submission {
	if s == nil {
		return nil
	}
	return &bounty.Submission{
		BountyID:      s.BountyID,
		Submitter:     s.Submitter,
		SubmissionURL: s.SubmissionURL,
		Description:   s.Description,
		SubmittedAt:   s.SubmittedAt,
		Verified:      s.Verified,
	}
}

// BountyPut validates and persists a bounty record. Existing records are
// overwritten in place; nothing is ever deleted.
func (m *Manager) BountyPut(b *bounty.Bounty) error {
	sanitized, err := bounty.SanitizeBounty(b)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(newStoredBounty(sanitized))
	if err != nil {
		return err
	}
	return m.writeRaw(bountyStorageKey(sanitized.ID), encoded)
}

// BountyGet loads the bounty stored under the given id.
func (m *Manager) BountyGet(id uint64) (*bounty.Bounty, bool) {
	data, err := m.readRaw(bountyStorageKey(id))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	stored := new(storedBounty)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false
	}
	record, err := stored.toBounty()
	if err != nil {
		return nil, false
	}
	return record, true
}

// BountyNextID reports the id the next created bounty will take. Ids start at
// one; the counter record is created lazily on first allocation.
func (m *Manager) BountyNextID() (uint64, error) {
	value, ok, err := m.loadUint64(bountyCounterKey)
	if err != nil {
		return 0, err
	}
	if !ok || value == 0 {
		return 1, nil
	}
	return value, nil
}

// BountyAllocateID hands out the next bounty id and advances the counter.
func (m *Manager) BountyAllocateID() (uint64, error) {
	next, err := m.BountyNextID()
	if err != nil {
		return 0, err
	}
	if err := m.writeUint64(bountyCounterKey, next+1); err != nil {
		return 0, err
	}
	return next, nil
}

// BountyRevertID rewinds the id counter after a failed create. Only the most
// recent allocation can be reverted; anything older would reissue a live id.
func (m *Manager) BountyRevertID(id uint64) error {
	next, err := m.BountyNextID()
	if err != nil {
		return err
	}
	if next != id+1 {
		return fmt.Errorf("state: cannot revert bounty id %d at counter %d", id, next)
	}
	return m.writeUint64(bountyCounterKey, id)
}

// SubmissionPut validates and persists a submission record, registering the
// submitter in the bounty's index on first write.
func (m *Manager) SubmissionPut(sub *bounty.Submission) error {
	sanitized, err := bounty.SanitizeSubmission(sub)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(newStoredSubmission(sanitized))
	if err != nil {
		return err
	}
	key := submissionStorageKey(sanitized.BountyID, sanitized.Submitter)
	existing, err := m.readRaw(key)
	if err != nil {
		return err
	}
	if err := m.writeRaw(key, encoded); err != nil {
		return err
	}
	if len(existing) == 0 {
		return m.submitterIndexAppend(sanitized.BountyID, sanitized.Submitter)
	}
	return nil
}

func (m *Manager) submitterIndexAppend(id uint64, submitter [20]byte) error {
	key := submitterIndexKey(id)
	data, err := m.readRaw(key)
	if err != nil {
		return err
	}
	var members [][]byte
	if len(data) > 0 {
		if err := rlp.DecodeBytes(data, &members); err != nil {
			return err
		}
	}
	for _, member := range members {
		if bytes.Equal(member, submitter[:]) {
			return nil
		}
	}
	members = append(members, append([]byte(nil), submitter[:]...))
	encoded, err := rlp.EncodeToBytes(members)
	if err != nil {
		return err
	}
	return m.writeRaw(key, encoded)
}

// SubmissionGet loads the submission stored for (bounty, submitter).
func (m *Manager) SubmissionGet(id uint64, submitter [20]byte) (*bounty.Submission, bool) {
	data, err := m.readRaw(submissionStorageKey(id, submitter))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	stored := new(storedSubmission)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false
	}
	return stored.toSubmission(), true
}

// SubmissionList returns all submissions for a bounty in arrival order.
func (m *Manager) SubmissionList(id uint64) ([]*bounty.Submission, error) {
	data, err := m.readRaw(submitterIndexKey(id))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return []*bounty.Submission{}, nil
	}
	var members [][]byte
	if err := rlp.DecodeBytes(data, &members); err != nil {
		return nil, err
	}
	out := make([]*bounty.Submission, 0, len(members))
	for _, member := range members {
		if len(member) != 20 {
			return nil, fmt.Errorf("state: malformed submitter index entry")
		}
		var submitter [20]byte
		copy(submitter[:], member)
		sub, ok := m.SubmissionGet(id, submitter)
		if !ok {
			return nil, fmt.Errorf("state: submitter index references missing submission")
		}
		out = append(out, sub)
	}
	return out, nil
}

// VerifierSet writes the registry flag for an identity. Entries are never
// deleted; revocation stores approved=false so the grant history survives.
func (m *Manager) VerifierSet(addr [20]byte, approved bool) error {
	encoded, err := rlp.EncodeToBytes(approved)
	if err != nil {
		return err
	}
	return m.writeRaw(verifierStorageKey(addr), encoded)
}

// VerifierApproved reports whether the identity currently holds verifier
// approval. Unknown and revoked identities both read false.
func (m *Manager) VerifierApproved(addr [20]byte) bool {
	data, err := m.readRaw(verifierStorageKey(addr))
	if err != nil || len(data) == 0 {
		return false
	}
	var approved bool
	if err := rlp.DecodeBytes(data, &approved); err != nil {
		return false
	}
	return approved
}

// VerifierEntry reports the stored flag and whether the identity was ever
// registered, letting callers distinguish revoked from never-granted.
func (m *Manager) VerifierEntry(addr [20]byte) (bool, bool, error) {
	data, err := m.readRaw(verifierStorageKey(addr))
	if err != nil {
		return false, false, err
	}
	if len(data) == 0 {
		return false, false, nil
	}
	var approved bool
	if err := rlp.DecodeBytes(data, &approved); err != nil {
		return false, false, err
	}
	return approved, true, nil
}

// EscrowCredit increases the per-bounty escrow ledger entry and the running
// total held by the vault.
func (m *Manager) EscrowCredit(id uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: invalid escrow credit")
	}
	key := escrowStorageKey(id)
	current, err := m.loadBigInt(key)
	if err != nil {
		return err
	}
	if err := m.writeBigInt(key, new(big.Int).Add(current, amount)); err != nil {
		return err
	}
	total, err := m.loadBigInt(bountyEscrowTotalKey)
	if err != nil {
		return err
	}
	return m.writeBigInt(bountyEscrowTotalKey, new(big.Int).Add(total, amount))
}

// EscrowDebit decreases the per-bounty escrow ledger entry and the running
// total. The entry can never go negative.
func (m *Manager) EscrowDebit(id uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: invalid escrow debit")
	}
	key := escrowStorageKey(id)
	current, err := m.loadBigInt(key)
	if err != nil {
		return err
	}
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("state: escrow balance for bounty %d below debit", id)
	}
	if err := m.writeBigInt(key, new(big.Int).Sub(current, amount)); err != nil {
		return err
	}
	total, err := m.loadBigInt(bountyEscrowTotalKey)
	if err != nil {
		return err
	}
	if total.Cmp(amount) < 0 {
		return fmt.Errorf("state: escrow total below debit")
	}
	return m.writeBigInt(bountyEscrowTotalKey, new(big.Int).Sub(total, amount))
}

// EscrowBalance returns the ledger entry for a single bounty.
func (m *Manager) EscrowBalance(id uint64) (*big.Int, error) {
	return m.loadBigInt(escrowStorageKey(id))
}

// EscrowTotal returns the amount the vault should hold across all active
// bounties. Comparing it against the vault account balance is the custody
// check surfaced by the node.
func (m *Manager) EscrowTotal() (*big.Int, error) {
	return m.loadBigInt(bountyEscrowTotalKey)
}
