package chain

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/openagora/agora/types"
)

// ─── Background Sweeps ───────────────────────────────────────────────────────
// Periodic maintenance driven by the node runner: auctions whose window
// closed get finalized, overdue assigned work gets failed, and stale
// completed tasks get auto-evaluated (see SweepAutoEvaluations).

// SweepAuctions finalizes every open task whose bidding window has closed.
// Returns the number of auctions finalized, counting empty rounds.
func (c *Chain) SweepAuctions() int {
	c.mu.Lock()
	var due []common.Hash
	for id, task := range c.tasks {
		if task.Status == types.TaskOpen && !c.now().Before(task.BiddingDeadline) {
			due = append(due, id)
		}
	}
	c.mu.Unlock()

	for _, id := range due {
		_, _ = c.FinalizeAuction(id)
	}
	return len(due)
}

// SweepDeadlines fails every assigned or in-progress task whose deadline has
// passed. Returns the number of tasks failed.
func (c *Chain) SweepDeadlines() int {
	c.mu.Lock()
	var overdue []common.Hash
	for id, task := range c.tasks {
		if (task.Status == types.TaskAssigned || task.Status == types.TaskInProgress) && c.deadlinePassedLocked(task) {
			overdue = append(overdue, id)
		}
	}
	c.mu.Unlock()

	for _, id := range overdue {
		_ = c.EnforceDeadline(id)
	}
	return len(overdue)
}
