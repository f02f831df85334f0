package state

import (
	"math/big"
	"testing"

	"bountychain/core/types"
	"bountychain/native/bounty"
	"bountychain/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(storage.NewMemDB())
}

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func TestBountyRoundTrip(t *testing.T) {
	manager := newTestManager(t)
	winner := testAddr(0x02)
	record := &bounty.Bounty{
		ID:            1,
		Creator:       testAddr(0x01),
		Amount:        big.NewInt(750),
		Title:         "Fix parser crash",
		Description:   "Crashes on empty input",
		Requirements:  "Regression test required",
		Deadline:      500,
		CreatedAt:     120,
		Status:        bounty.StatusCompleted,
		Winner:        &winner,
		SubmissionURL: "https://git.example/fix",
	}
	if err := manager.BountyPut(record); err != nil {
		t.Fatalf("put bounty: %v", err)
	}
	loaded, ok := manager.BountyGet(1)
	if !ok {
		t.Fatalf("expected bounty to load")
	}
	if loaded.Title != record.Title || loaded.Amount.Cmp(record.Amount) != 0 {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
	if loaded.Winner == nil || *loaded.Winner != winner {
		t.Fatalf("winner lost in round trip: %+v", loaded.Winner)
	}
	if loaded.Status != bounty.StatusCompleted {
		t.Fatalf("status lost in round trip: %v", loaded.Status)
	}

	open := &bounty.Bounty{
		ID:       2,
		Creator:  testAddr(0x01),
		Amount:   big.NewInt(10),
		Title:    "Open task",
		Deadline: 300,
		Status:   bounty.StatusOpen,
	}
	if err := manager.BountyPut(open); err != nil {
		t.Fatalf("put open bounty: %v", err)
	}
	loaded, ok = manager.BountyGet(2)
	if !ok {
		t.Fatalf("expected open bounty to load")
	}
	if loaded.Winner != nil {
		t.Fatalf("open bounty must have no winner, got %v", loaded.Winner)
	}

	if _, ok := manager.BountyGet(99); ok {
		t.Fatalf("unknown id must not resolve")
	}
}

func TestBountyIDCounter(t *testing.T) {
	manager := newTestManager(t)
	next, err := manager.BountyNextID()
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	if next != 1 {
		t.Fatalf("expected fresh counter to report 1, got %d", next)
	}
	first, err := manager.BountyAllocateID()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	second, err := manager.BountyAllocateID()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if first != 1 || second != 2 {
		t.Fatalf("expected sequential ids 1,2, got %d,%d", first, second)
	}
	if err := manager.BountyRevertID(first); err == nil {
		t.Fatalf("reverting a stale allocation must fail")
	}
	if err := manager.BountyRevertID(second); err != nil {
		t.Fatalf("revert latest: %v", err)
	}
	next, err = manager.BountyNextID()
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	if next != 2 {
		t.Fatalf("expected counter rewound to 2, got %d", next)
	}
}

func TestSubmissionIndexAndList(t *testing.T) {
	manager := newTestManager(t)
	alice := testAddr(0x0A)
	bob := testAddr(0x0B)

	put := func(submitter [20]byte, url string, verified bool) {
		t.Helper()
		err := manager.SubmissionPut(&bounty.Submission{
			BountyID:      7,
			Submitter:     submitter,
			SubmissionURL: url,
			SubmittedAt:   42,
			Verified:      verified,
		})
		if err != nil {
			t.Fatalf("put submission: %v", err)
		}
	}

	put(alice, "https://git.example/a", false)
	put(bob, "https://git.example/b", false)
	put(alice, "https://git.example/a", true)

	subs, err := manager.SubmissionList(7)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("expected two submissions, got %d", len(subs))
	}
	if subs[0].Submitter != alice || subs[1].Submitter != bob {
		t.Fatalf("expected arrival order preserved, got %+v", subs)
	}
	if !subs[0].Verified {
		t.Fatalf("expected rewrite to update the stored record")
	}

	if _, ok := manager.SubmissionGet(7, testAddr(0x0C)); ok {
		t.Fatalf("unknown submitter must not resolve")
	}
	empty, err := manager.SubmissionList(8)
	if err != nil {
		t.Fatalf("list empty: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty list for unknown bounty, got %d", len(empty))
	}
}

func TestVerifierRegistry(t *testing.T) {
	manager := newTestManager(t)
	verifier := testAddr(0x0D)

	if manager.VerifierApproved(verifier) {
		t.Fatalf("unknown identity must not be approved")
	}
	if _, exists, err := manager.VerifierEntry(verifier); err != nil || exists {
		t.Fatalf("unknown identity must have no entry, exists=%v err=%v", exists, err)
	}
	if err := manager.VerifierSet(verifier, true); err != nil {
		t.Fatalf("set verifier: %v", err)
	}
	if !manager.VerifierApproved(verifier) {
		t.Fatalf("expected approval")
	}
	if err := manager.VerifierSet(verifier, false); err != nil {
		t.Fatalf("revoke verifier: %v", err)
	}
	if manager.VerifierApproved(verifier) {
		t.Fatalf("expected revocation")
	}
	approved, exists, err := manager.VerifierEntry(verifier)
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if !exists || approved {
		t.Fatalf("revoked identity must keep its entry with approved=false, got exists=%v approved=%v", exists, approved)
	}
}

func TestEscrowLedger(t *testing.T) {
	manager := newTestManager(t)
	if err := manager.EscrowCredit(1, big.NewInt(300)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := manager.EscrowCredit(2, big.NewInt(200)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	total, err := manager.EscrowTotal()
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if total.Int64() != 500 {
		t.Fatalf("expected total 500, got %s", total)
	}
	if err := manager.EscrowDebit(1, big.NewInt(300)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	balance, err := manager.EscrowBalance(1)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("expected drained entry, got %s", balance)
	}
	if err := manager.EscrowDebit(2, big.NewInt(500)); err == nil {
		t.Fatalf("over-debit must fail")
	}
	total, err = manager.EscrowTotal()
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if total.Int64() != 200 {
		t.Fatalf("expected total 200 after failed debit, got %s", total)
	}
	if err := manager.EscrowCredit(3, big.NewInt(-1)); err == nil {
		t.Fatalf("negative credit must fail")
	}
}

func TestAccountsRoundTrip(t *testing.T) {
	manager := newTestManager(t)
	addr := testAddr(0x01)

	fresh, err := manager.GetAccount(addr[:])
	if err != nil {
		t.Fatalf("get fresh account: %v", err)
	}
	if fresh.Balance.Sign() != 0 || fresh.Nonce != 0 {
		t.Fatalf("fresh account must be empty, got %+v", fresh)
	}

	if err := manager.PutAccount(addr[:], &types.Account{Nonce: 3, Balance: big.NewInt(901)}); err != nil {
		t.Fatalf("put account: %v", err)
	}
	loaded, err := manager.GetAccount(addr[:])
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if loaded.Nonce != 3 || loaded.Balance.Int64() != 901 {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}

	if err := manager.PutAccount(addr[:], &types.Account{Balance: big.NewInt(-5)}); err == nil {
		t.Fatalf("negative balance must be rejected")
	}
	if err := manager.PutAccount(nil, &types.Account{}); err == nil {
		t.Fatalf("empty address must be rejected")
	}
}

func TestOwnerRecord(t *testing.T) {
	manager := newTestManager(t)
	if _, ok, err := manager.Owner(); err != nil || ok {
		t.Fatalf("expected no owner before genesis, ok=%v err=%v", ok, err)
	}
	if err := manager.OwnerSet([20]byte{}); err == nil {
		t.Fatalf("zero owner must be rejected")
	}
	owner := testAddr(0x0E)
	if err := manager.OwnerSet(owner); err != nil {
		t.Fatalf("set owner: %v", err)
	}
	loaded, ok, err := manager.Owner()
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if !ok || loaded != owner {
		t.Fatalf("owner mismatch: ok=%v got=%x", ok, loaded)
	}
}

func TestHeightRecord(t *testing.T) {
	manager := newTestManager(t)
	height, err := manager.Height()
	if err != nil {
		t.Fatalf("height: %v", err)
	}
	if height != 0 {
		t.Fatalf("expected zero height before genesis, got %d", height)
	}
	if err := manager.HeightPut(41); err != nil {
		t.Fatalf("put height: %v", err)
	}
	height, err = manager.Height()
	if err != nil {
		t.Fatalf("height: %v", err)
	}
	if height != 41 {
		t.Fatalf("expected height 41, got %d", height)
	}
}
