package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openagora/agora/identity"
	"github.com/openagora/agora/metrics"
	"github.com/openagora/agora/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BID AUCTION
// One bid per (task, bidder) inside the bidding window; after the window,
// finalization picks argmax u·R·b with earliest-submission tie-break. A
// finalization that finds no winner leaves the task Open with a fresh
// window, and cancels after MaxEmptyRounds empty rounds.
// ═══════════════════════════════════════════════════════════════════════════════

// PlaceBid submits a signed bid on an open task. The signature must recover
// to the bidder and the nonce must be strictly greater than the bidder's
// last accepted nonce.
func (c *Chain) PlaceBid(taskID common.Hash, bidder common.Address, utility int, amount *big.Int, sig []byte, nonce uint64) error {
	if !inScoreRange(utility) {
		return types.ErrOutOfRange
	}
	if amount == nil || amount.Sign() < 0 {
		return types.ErrBadAmount
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.tasks[taskID]
	if !ok {
		return types.ErrTaskNotFound
	}
	agent, ok := c.agents[bidder]
	if !ok || !agent.Active {
		return types.ErrAgentNotFound
	}
	if agent.Workload >= c.params.LMax {
		return fmt.Errorf("%w: workload %d at cap", types.ErrWorkloadExceeded, agent.Workload)
	}
	if task.Status != types.TaskOpen {
		return illegal(task.Status, "bid on")
	}
	if !c.now().Before(task.BiddingDeadline) {
		return types.ErrBiddingClosed
	}
	if amount.Cmp(task.MinBid) < 0 || amount.Cmp(task.MaxBid) > 0 {
		return fmt.Errorf("%w: bid outside [min_bid, max_bid]", types.ErrBadAmount)
	}
	for _, b := range c.bids[taskID] {
		if b.Bidder == bidder {
			return fmt.Errorf("%w: %s on %s", types.ErrDuplicateBid, bidder.Hex(), taskID.Hex())
		}
	}
	if nonce <= c.nonces[bidder] {
		return types.ErrBadNonce
	}
	if err := c.verifyBidSignatureLocked(taskID, bidder, utility, amount, sig, nonce); err != nil {
		return err
	}

	c.nonces[bidder] = nonce
	c.bids[taskID] = append(c.bids[taskID], &types.Bid{
		TaskID:      taskID,
		Bidder:      bidder,
		Utility:     utility,
		Amount:      new(big.Int).Set(amount),
		Signature:   append([]byte(nil), sig...),
		Nonce:       nonce,
		SubmittedAt: c.now(),
	})
	c.emit(EvBidPlaced, bidder, taskID)
	return nil
}

// HasAgentBid reports whether the agent already bid on the task.
func (c *Chain) HasAgentBid(taskID common.Hash, bidder common.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.bids[taskID] {
		if b.Bidder == bidder {
			return true
		}
	}
	return false
}

// IsBiddingOpen reports whether the task currently accepts bids.
func (c *Chain) IsBiddingOpen(taskID common.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[taskID]
	return ok && task.Status == types.TaskOpen && c.now().Before(task.BiddingDeadline)
}

// TaskBids returns copies of the bids on a task, in submission order.
func (c *Chain) TaskBids(taskID common.Hash) []*types.Bid {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.Bid, 0, len(c.bids[taskID]))
	for _, b := range c.bids[taskID] {
		out = append(out, copyBid(b))
	}
	return out
}

// PendingNonce returns the last accepted nonce for an agent; the next bid
// must carry a strictly greater one.
func (c *Chain) PendingNonce(addr common.Address) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[addr]
}

// FinalizeAuction closes the bidding window and selects a winner by the
// weighted score u·R·b. Returns the winner address, or nil when no eligible
// bid exists; the task then re-opens (or cancels after repeated empty
// rounds). Finalization never fails the task itself.
func (c *Chain) FinalizeAuction(taskID common.Hash) (*common.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.tasks[taskID]
	if !ok {
		return nil, types.ErrTaskNotFound
	}
	if task.Status != types.TaskOpen {
		return nil, illegal(task.Status, "finalize")
	}
	if c.now().Before(task.BiddingDeadline) {
		return nil, fmt.Errorf("%w: bidding window still open", types.ErrIllegalState)
	}

	var (
		winner    *types.Bid
		bestScore = new(big.Int)
	)
	for _, bid := range c.bids[taskID] {
		agent, ok := c.agents[bid.Bidder]
		if !ok || !agent.Active {
			continue
		}
		if agent.Reputation < task.MinReputation {
			continue
		}
		if agent.Workload >= c.params.LMax {
			continue
		}
		// score = u · R · b; earlier submission wins ties, which the strict
		// comparison preserves given submission-ordered iteration.
		score := new(big.Int).Mul(
			big.NewInt(int64(bid.Utility*agent.Reputation)),
			bid.Amount,
		)
		if winner == nil || score.Cmp(bestScore) > 0 {
			winner = bid
			bestScore = score
		}
	}

	if winner == nil {
		task.EmptyRounds++
		if task.EmptyRounds >= c.params.MaxEmptyRounds {
			c.cancelLocked(task)
			metrics.AuctionsFinalized.WithLabelValues("cancelled").Inc()
			return nil, nil
		}
		task.BiddingDeadline = c.now().Add(c.params.BiddingWindow)
		c.emit(EvAuctionFinalized, common.Address{}, taskID)
		metrics.AuctionsFinalized.WithLabelValues("empty").Inc()
		return nil, nil
	}

	agent := c.agents[winner.Bidder]
	c.assignLocked(task, agent, nil)
	c.emit(EvAuctionFinalized, winner.Bidder, taskID)
	metrics.AuctionsFinalized.WithLabelValues("winner").Inc()
	addr := winner.Bidder
	return &addr, nil
}

// ─── Utility View ────────────────────────────────────────────────────────────

// CalculateUtility is the side-effect-free on-chain utility estimate in
// [0,100] that workers consult before pricing a bid. It is the on-chain
// slice of the selection composite: capability match with a partial-cover
// penalty, reputation, and workload headroom.
//
//	cap_score = (Σ w_c / |M| / 100) · (0.5 + 0.5·|M|/|Q|)   over matched tags M
//	utility   = round(100·(0.60·cap_score + 0.25·R/100 + 0.15·max(0, 1−L/L_max)))
//
// An agent matching none of the required tags scores zero. The reward is
// part of the call signature so callers quote the full task economics, but
// it does not enter the estimate: utility measures fit, pricing handles
// payment.
func (c *Chain) CalculateUtility(addr common.Address, requiredCaps []string, reward *big.Int, workload int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	agent, ok := c.agents[addr]
	if !ok {
		return 0, types.ErrAgentNotFound
	}
	if len(requiredCaps) == 0 {
		return 0, nil
	}

	matched := 0
	weightSum := 0
	for _, tag := range requiredCaps {
		if w, ok := agent.CapabilityWeight(tag); ok {
			matched++
			weightSum += w
		}
	}
	if matched == 0 {
		return 0, nil
	}

	capScore := float64(weightSum) / float64(matched) / 100.0
	capScore *= 0.5 + 0.5*float64(matched)/float64(len(requiredCaps))

	headroom := 1.0 - float64(workload)/float64(c.params.LMax)
	if headroom < 0 {
		headroom = 0
	}

	u := 100.0 * (0.60*capScore + 0.25*float64(agent.Reputation)/100.0 + 0.15*headroom)
	return types.ClampScore(int(u + 0.5)), nil
}

func (c *Chain) verifyBidSignatureLocked(taskID common.Hash, bidder common.Address, utility int, amount *big.Int, sig []byte, nonce uint64) error {
	digest := identity.BidDigest(taskID, bidder, amount, utility, nonce)
	recovered, err := identity.RecoverBidder(digest, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrBadSignature, err)
	}
	if recovered != bidder {
		return types.ErrBadSignature
	}
	return nil
}
