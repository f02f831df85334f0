package core

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"bountychain/core/events"
	"bountychain/core/genesis"
	bountystate "bountychain/core/state"
	"bountychain/core/types"
	"bountychain/crypto"
	"bountychain/native/bounty"
	"bountychain/observability"
	"bountychain/storage"
)

// DefaultBlockInterval is how often the chain height advances when the node
// runs its own clock.
const DefaultBlockInterval = 5 * time.Second

// devGenesisAlloc funds the operator account when a chain is auto-created
// without a genesis file.
const devGenesisAlloc = "1000000000000000000000000"

// Node is the central controller. It owns the database, serializes all state
// transitions behind one mutex, and fans engine events out to subscribers.
type Node struct {
	db          storage.Database
	operatorKey *crypto.PrivateKey
	owner       [20]byte
	logger      *slog.Logger

	stateMu       sync.Mutex
	height        atomic.Uint64
	blockInterval time.Duration

	eventMu      sync.Mutex
	eventSeq     uint64
	eventHistory []Event
	eventSubs    map[uint64]chan Event
	eventNextID  uint64
}

// NewNode opens or creates a chain in the provided database. A fresh database
// requires either a genesis spec path or, with allowAutogenesis, an operator
// key whose address becomes the contract owner.
func NewNode(db storage.Database, key *crypto.PrivateKey, genesisPath string, allowAutogenesis bool) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("database must not be nil")
	}
	n := &Node{
		db:            db,
		operatorKey:   key,
		logger:        slog.Default(),
		blockInterval: DefaultBlockInterval,
		eventSubs:     make(map[uint64]chan Event),
	}

	manager := bountystate.NewManager(db)
	owner, initialised, err := manager.Owner()
	if err != nil {
		return nil, fmt.Errorf("read owner record: %w", err)
	}
	if !initialised {
		spec, err := resolveGenesisSpec(key, genesisPath, allowAutogenesis)
		if err != nil {
			return nil, err
		}
		if err := genesis.ApplyGenesisSpec(spec, manager); err != nil {
			return nil, fmt.Errorf("apply genesis: %w", err)
		}
		owner, _, err = manager.Owner()
		if err != nil {
			return nil, fmt.Errorf("read owner record: %w", err)
		}
	}
	n.owner = owner

	height, err := manager.Height()
	if err != nil {
		return nil, fmt.Errorf("read chain height: %w", err)
	}
	n.height.Store(height)
	observability.Chain().SetHeight(height)
	return n, nil
}

func resolveGenesisSpec(key *crypto.PrivateKey, genesisPath string, allowAutogenesis bool) (*genesis.GenesisSpec, error) {
	if strings.TrimSpace(genesisPath) != "" {
		return genesis.LoadGenesisSpec(genesisPath)
	}
	if !allowAutogenesis {
		return nil, fmt.Errorf("database is empty and no genesis file was provided")
	}
	if key == nil {
		return nil, fmt.Errorf("autogenesis requires an operator key")
	}
	operator := key.PubKey().Address().String()
	spec := &genesis.GenesisSpec{
		GenesisTime: time.Now().UTC().Format(time.RFC3339),
		ChainName:   "bountychain-dev",
		Owner:       operator,
		Alloc:       map[string]string{operator: devGenesisAlloc},
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("build autogenesis spec: %w", err)
	}
	return spec, nil
}

// SetLogger replaces the node logger. Passing nil resets to the default.
func (n *Node) SetLogger(logger *slog.Logger) {
	if logger == nil {
		n.logger = slog.Default()
		return
	}
	n.logger = logger
}

// SetBlockInterval overrides how often Start advances the chain height.
func (n *Node) SetBlockInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	n.blockInterval = interval
}

// Height returns the current chain height.
func (n *Node) Height() uint64 { return n.height.Load() }

// ContractOwner returns the identity fixed at genesis that manages the
// verifier registry.
func (n *Node) ContractOwner() [20]byte { return n.owner }

// VaultAddress returns the module account custodying escrowed funds.
func (n *Node) VaultAddress() [20]byte { return bounty.VaultAddress() }

// Start runs the height ticker until the context is cancelled. Every tick
// advances the height by one and persists it.
func (n *Node) Start(ctx context.Context) error {
	ticker := time.NewTicker(n.blockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := n.advanceHeight(); err != nil {
				n.logger.Error("advance height", "err", err)
			}
		}
	}
}

func (n *Node) advanceHeight() error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	next := n.height.Load() + 1
	manager := bountystate.NewManager(n.db)
	if err := manager.HeightPut(next); err != nil {
		return err
	}
	n.height.Store(next)
	observability.Chain().SetHeight(next)
	n.logger.Debug("height advanced", "height", next)
	return nil
}

type bountyEventEmitter struct {
	node *Node
}

type eventWithPayload interface {
	Event() *types.Event
}

func (e bountyEventEmitter) Emit(evt events.Event) {
	if e.node == nil || evt == nil {
		return
	}
	payload, ok := evt.(eventWithPayload)
	if !ok {
		return
	}
	event := payload.Event()
	if event == nil {
		return
	}
	e.node.publishEvent(event)
}

func (n *Node) newBountyEngine(manager *bountystate.Manager) *bounty.Engine {
	engine := bounty.NewEngine(bounty.Config{Owner: n.owner})
	engine.SetState(manager)
	engine.SetEmitter(bountyEventEmitter{node: n})
	engine.SetHeightFunc(n.Height)
	return engine
}

// BountyCreate escrows the amount from the creator and opens a new bounty.
func (n *Node) BountyCreate(creator [20]byte, amount *big.Int, title, description, requirements string, deadline uint64) (*bounty.Bounty, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := bountystate.NewManager(n.db)
	engine := n.newBountyEngine(manager)
	return engine.CreateBounty(creator, amount, title, description, requirements, deadline)
}

// BountySubmit records a worker's submission for a bounty.
func (n *Node) BountySubmit(id uint64, submitter [20]byte, url, description string) (*bounty.Submission, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := bountystate.NewManager(n.db)
	engine := n.newBountyEngine(manager)
	return engine.SubmitWork(id, submitter, url, description)
}

// BountyVerify accepts a submission and pays out the escrowed amount.
func (n *Node) BountyVerify(id uint64, submitter, caller [20]byte) (*bounty.Bounty, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := bountystate.NewManager(n.db)
	engine := n.newBountyEngine(manager)
	return engine.VerifySubmission(id, submitter, caller)
}

// BountyCancel refunds an open bounty to its creator.
func (n *Node) BountyCancel(id uint64, caller [20]byte) (*bounty.Bounty, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := bountystate.NewManager(n.db)
	engine := n.newBountyEngine(manager)
	return engine.CancelBounty(id, caller)
}

// BountyAddVerifier approves a verifier identity. Owner only.
func (n *Node) BountyAddVerifier(caller, verifier [20]byte) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := bountystate.NewManager(n.db)
	engine := n.newBountyEngine(manager)
	return engine.AddVerifier(caller, verifier)
}

// BountyRemoveVerifier revokes a verifier identity. Owner only.
func (n *Node) BountyRemoveVerifier(caller, verifier [20]byte) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := bountystate.NewManager(n.db)
	engine := n.newBountyEngine(manager)
	return engine.RemoveVerifier(caller, verifier)
}

// BountyGet returns the bounty stored under the id.
func (n *Node) BountyGet(id uint64) (*bounty.Bounty, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := bountystate.NewManager(n.db)
	engine := n.newBountyEngine(manager)
	return engine.GetBounty(id)
}

// BountySubmissionGet returns the submission for (bounty, submitter).
func (n *Node) BountySubmissionGet(id uint64, submitter [20]byte) (*bounty.Submission, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := bountystate.NewManager(n.db)
	engine := n.newBountyEngine(manager)
	return engine.GetSubmission(id, submitter)
}

// BountySubmissions returns all submissions for a bounty in arrival order.
func (n *Node) BountySubmissions(id uint64) ([]*bounty.Submission, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := bountystate.NewManager(n.db)
	engine := n.newBountyEngine(manager)
	return engine.ListSubmissions(id)
}

// BountyList returns a page of bounties ordered by ascending id, plus the
// total number matching the filter. A zero status matches every bounty.
func (n *Node) BountyList(status bounty.BountyStatus, offset, limit uint64) ([]*bounty.Bounty, uint64, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := bountystate.NewManager(n.db)
	next, err := manager.BountyNextID()
	if err != nil {
		return nil, 0, err
	}

	var total uint64
	page := make([]*bounty.Bounty, 0, limit)
	for id := uint64(1); id < next; id++ {
		b, ok := manager.BountyGet(id)
		if !ok {
			return nil, 0, fmt.Errorf("bounty %d missing from dense id range", id)
		}
		if status != 0 && b.Status != status {
			continue
		}
		total++
		if total <= offset {
			continue
		}
		if limit == 0 || uint64(len(page)) < limit {
			page = append(page, b)
		}
	}
	return page, total, nil
}

// BountyIsVerifier reports whether the identity holds verifier approval.
func (n *Node) BountyIsVerifier(addr [20]byte) bool {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := bountystate.NewManager(n.db)
	engine := n.newBountyEngine(manager)
	return engine.IsVerifier(addr)
}

// BountyNextID returns the id the next created bounty will receive.
func (n *Node) BountyNextID() (uint64, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := bountystate.NewManager(n.db)
	engine := n.newBountyEngine(manager)
	return engine.NextBountyID()
}

// BountyCount returns how many bounties were ever created.
func (n *Node) BountyCount() (uint64, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := bountystate.NewManager(n.db)
	engine := n.newBountyEngine(manager)
	return engine.BountyCount()
}

// GetAccount returns the ledger account stored under the address.
func (n *Node) GetAccount(addr []byte) (*types.Account, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := bountystate.NewManager(n.db)
	return manager.GetAccount(addr)
}

// CustodyStatus reports the vault account balance next to the escrow ledger
// total. The two match unless state was mutated outside the engine.
func (n *Node) CustodyStatus() (*big.Int, *big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := bountystate.NewManager(n.db)
	vault := bounty.VaultAddress()
	account, err := manager.GetAccount(vault[:])
	if err != nil {
		return nil, nil, err
	}
	total, err := manager.EscrowTotal()
	if err != nil {
		return nil, nil, err
	}
	return account.Balance, total, nil
}
