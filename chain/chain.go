// Package chain implements the contract layer of the Agora marketplace: the
// authoritative registry of agents, tasks, bids, evaluations and learning
// events, together with the state-transition guards, the auction, and the
// incentive engine. All mutations are serialized under a single lock; every
// operation either commits atomically or rejects with no state change.
package chain

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/openagora/agora/types"
)

// Params are the protocol constants. The update laws are defined over
// integers in [0,100]; fractional constants are carried as fixed-point
// numerators so results are exact and platform-independent.
type Params struct {
	Mu              int           // Capability EMA retention (70)
	AlphaTenths     int           // Task-score quality weight ×10 (6)
	DeltaTenths     int           // Task-score delay weight ×10 (4)
	BetaTenths      int           // Reputation EMA retention ×10 (8)
	EtaPct          int           // Learning rate ×100 (5)
	RingSize        int           // Recent-history ring capacity (20)
	LMax            int           // Workload cap (10)
	BiddingWindow   time.Duration // Default per-task bidding window
	MaxEmptyRounds  int           // Empty finalizations before cancellation (3)
	AutoEvalHorizon time.Duration // Delay before system auto-evaluation (48h)
	AutoEvalQuality int           // Quality assumed by auto-evaluation (60)
	BurnRemainder   bool          // Burn unclaimed reward instead of refunding
}

// DefaultParams returns the canonical protocol constants.
func DefaultParams() Params {
	return Params{
		Mu:              70,
		AlphaTenths:     6,
		DeltaTenths:     4,
		BetaTenths:      8,
		EtaPct:          5,
		RingSize:        20,
		LMax:            10,
		BiddingWindow:   60 * time.Second,
		MaxEmptyRounds:  3,
		AutoEvalHorizon: 48 * time.Hour,
		AutoEvalQuality: 60,
		BurnRemainder:   false,
	}
}

// Chain holds the full marketplace state. Agents, tasks, bids and
// evaluations are owned here; collaboration record bodies live off-chain
// with only their hash anchored through a learning event.
type Chain struct {
	mu     sync.Mutex
	params Params
	now    func() time.Time

	agents      map[common.Address]*types.Agent
	tasks       map[common.Hash]*types.Task
	bids        map[common.Hash][]*types.Bid // Submission order preserved
	evaluations map[common.Hash]*types.Evaluation
	learning    []*types.LearningEvent
	nonces      map[common.Address]uint64

	balances map[common.Address]*big.Int
	escrow   map[common.Hash]*big.Int
	burned   *big.Int

	feed  *Feed
	txSeq uint64
	idSeq uint64
}

// Option configures a Chain.
type Option func(*Chain)

// WithClock replaces the wall clock, used by tests and the simulator.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

// New creates an empty chain with the given protocol parameters.
func New(params Params, opts ...Option) *Chain {
	c := &Chain{
		params:      params,
		now:         time.Now,
		agents:      make(map[common.Address]*types.Agent),
		tasks:       make(map[common.Hash]*types.Task),
		bids:        make(map[common.Hash][]*types.Bid),
		evaluations: make(map[common.Hash]*types.Evaluation),
		nonces:      make(map[common.Address]uint64),
		balances:    make(map[common.Address]*big.Int),
		escrow:      make(map[common.Hash]*big.Int),
		burned:      new(big.Int),
		feed:        newFeed(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Params returns the protocol constants.
func (c *Chain) Params() Params { return c.params }

// Subscribe registers an event listener. The returned cancel function must
// be called to release the subscription.
func (c *Chain) Subscribe() (<-chan Event, func()) { return c.feed.subscribe() }

// ─── Token Ledger ────────────────────────────────────────────────────────────

// Credit adds funds to an address. Task creators must hold at least the
// reward before creating a task.
func (c *Chain) Credit(addr common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creditLocked(addr, amount)
}

// Balance returns the spendable balance of an address.
func (c *Chain) Balance(addr common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Burned returns the total burned remainder.
func (c *Chain) Burned() *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.burned)
}

// Escrowed returns the amount currently locked for a task.
func (c *Chain) Escrowed(taskID common.Hash) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.escrow[taskID]; ok {
		return new(big.Int).Set(e)
	}
	return new(big.Int)
}

func (c *Chain) creditLocked(addr common.Address, amount *big.Int) {
	b, ok := c.balances[addr]
	if !ok {
		b = new(big.Int)
		c.balances[addr] = b
	}
	b.Add(b, amount)
}

// ─── Internal Helpers ────────────────────────────────────────────────────────

// nextTxHash fabricates a transaction anchor for audit records.
func (c *Chain) nextTxHash() common.Hash {
	c.txSeq++
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(c.txSeq >> (8 * (7 - i)))
	}
	return crypto.Keccak256Hash([]byte("agora/tx"), buf[:])
}

// nextTaskID derives a fresh 32-byte task identifier.
func (c *Chain) nextTaskID(creator common.Address, title string) common.Hash {
	c.idSeq++
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(c.idSeq >> (8 * (7 - i)))
	}
	return crypto.Keccak256Hash(creator.Bytes(), []byte(title), buf[:])
}

func copyAgent(a *types.Agent) *types.Agent {
	cp := *a
	cp.CapabilityTags = append([]string(nil), a.CapabilityTags...)
	cp.CapabilityWts = append([]int(nil), a.CapabilityWts...)
	cp.History = append([]types.TaskScore(nil), a.History...)
	return &cp
}

func copyTask(t *types.Task) *types.Task {
	cp := *t
	if t.Reward != nil {
		cp.Reward = new(big.Int).Set(t.Reward)
	}
	if t.MinBid != nil {
		cp.MinBid = new(big.Int).Set(t.MinBid)
	}
	if t.MaxBid != nil {
		cp.MaxBid = new(big.Int).Set(t.MaxBid)
	}
	if t.AssignedAgent != nil {
		addr := *t.AssignedAgent
		cp.AssignedAgent = &addr
	}
	cp.RequiredCaps = append([]string(nil), t.RequiredCaps...)
	cp.AssignedAgents = append([]common.Address(nil), t.AssignedAgents...)
	return &cp
}

func copyBid(b *types.Bid) *types.Bid {
	cp := *b
	if b.Amount != nil {
		cp.Amount = new(big.Int).Set(b.Amount)
	}
	cp.Signature = append([]byte(nil), b.Signature...)
	return &cp
}
