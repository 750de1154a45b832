package chain

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openagora/agora/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TASK LIFECYCLE
// Guarded state machine: Created → Open → Assigned → InProgress →
// Completed/Failed, with Open|Assigned → Cancelled. The reward is escrowed
// at creation and leaves escrow only at a terminal state.
// ═══════════════════════════════════════════════════════════════════════════════

// TaskSpec carries the creator-supplied fields of a new task.
type TaskSpec struct {
	Title         string
	Description   string
	RequiredCaps  []string
	MinReputation int
	Reward        *big.Int
	MinBid        *big.Int
	MaxBid        *big.Int
	Deadline      time.Time
	Complexity    int
	Collaborative bool
}

// CreateTask escrows the reward and records the task in Created status.
func (c *Chain) CreateTask(creator common.Address, spec TaskSpec) (common.Hash, error) {
	if spec.Reward == nil || spec.Reward.Sign() <= 0 {
		return common.Hash{}, types.ErrBadAmount
	}
	if spec.MinBid == nil || spec.MaxBid == nil || spec.MinBid.Sign() < 0 || spec.MinBid.Cmp(spec.MaxBid) > 0 {
		return common.Hash{}, types.ErrBadAmount
	}
	if !inScoreRange(spec.MinReputation) {
		return common.Hash{}, types.ErrOutOfRange
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !spec.Deadline.After(now) {
		return common.Hash{}, types.ErrBadDeadline
	}

	bal, ok := c.balances[creator]
	if !ok || bal.Cmp(spec.Reward) < 0 {
		return common.Hash{}, fmt.Errorf("%w: insufficient balance for reward", types.ErrBadAmount)
	}
	bal.Sub(bal, spec.Reward)

	id := c.nextTaskID(creator, spec.Title)
	c.tasks[id] = &types.Task{
		ID:            id,
		Title:         spec.Title,
		Description:   spec.Description,
		RequiredCaps:  append([]string(nil), spec.RequiredCaps...),
		MinReputation: spec.MinReputation,
		Reward:        new(big.Int).Set(spec.Reward),
		MinBid:        new(big.Int).Set(spec.MinBid),
		MaxBid:        new(big.Int).Set(spec.MaxBid),
		Deadline:      spec.Deadline,
		Complexity:    spec.Complexity,
		Creator:       creator,
		Status:        types.TaskCreated,
		Collaborative: spec.Collaborative,
		CreatedAt:     now,
	}
	c.escrow[id] = new(big.Int).Set(spec.Reward)
	c.emit(EvTaskCreated, creator, id)
	return id, nil
}

// PublishTask opens a created task for bidding and starts its window.
func (c *Chain) PublishTask(caller common.Address, taskID common.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.tasks[taskID]
	if !ok {
		return types.ErrTaskNotFound
	}
	if caller != task.Creator {
		return types.ErrUnauthorized
	}
	if task.Status != types.TaskCreated {
		return illegal(task.Status, "publish")
	}
	task.Status = types.TaskOpen
	task.BiddingDeadline = c.now().Add(c.params.BiddingWindow)
	return nil
}

// AssignTask lets the creator assign an open task directly, bypassing the
// auction. The orchestrator uses this edge for collaboration teams.
func (c *Chain) AssignTask(caller common.Address, taskID common.Hash, agent common.Address, team []common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.tasks[taskID]
	if !ok {
		return types.ErrTaskNotFound
	}
	if caller != task.Creator {
		return types.ErrUnauthorized
	}
	if task.Status != types.TaskOpen {
		return illegal(task.Status, "assign")
	}
	a, ok := c.agents[agent]
	if !ok || !a.Active {
		return types.ErrAgentNotFound
	}
	if a.Reputation < task.MinReputation {
		return types.ErrLowReputation
	}
	c.assignLocked(task, a, team)
	return nil
}

// assignLocked performs the Open→Assigned transition, increments workloads,
// and stamps the assignment time. Caller holds the chain lock.
func (c *Chain) assignLocked(task *types.Task, agent *types.Agent, team []common.Address) {
	addr := agent.Address
	task.AssignedAgent = &addr
	task.AssignedAgents = append([]common.Address(nil), team...)
	task.Status = types.TaskAssigned
	task.AssignedAt = c.now()

	agent.Workload++
	for _, member := range team {
		if member == addr {
			continue
		}
		if m, ok := c.agents[member]; ok {
			m.Workload++
		}
	}
	c.emit(EvTaskAssigned, addr, task.ID)
	if len(team) > 1 {
		c.emit(EvAgentCollaborationStarted, addr, task.ID)
	}
}

// StartTask moves an assigned task into execution. Only the winner starts.
func (c *Chain) StartTask(caller common.Address, taskID common.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.tasks[taskID]
	if !ok {
		return types.ErrTaskNotFound
	}
	if task.AssignedAgent == nil || caller != *task.AssignedAgent {
		return types.ErrUnauthorized
	}
	if task.Status != types.TaskAssigned {
		return illegal(task.Status, "start")
	}
	if c.deadlinePassedLocked(task) {
		c.failLocked(task)
		return fmt.Errorf("%w: deadline passed", types.ErrIllegalState)
	}
	task.Status = types.TaskInProgress
	c.emit(EvTaskStarted, caller, taskID)
	return nil
}

// CompleteTask records the result artifact hash and moves the task to
// Completed. The escrow stays locked until the incentive engine releases it
// at evaluation time.
func (c *Chain) CompleteTask(caller common.Address, taskID common.Hash, resultHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.tasks[taskID]
	if !ok {
		return types.ErrTaskNotFound
	}
	if task.AssignedAgent == nil || caller != *task.AssignedAgent {
		return types.ErrUnauthorized
	}
	if task.Status != types.TaskInProgress {
		return illegal(task.Status, "complete")
	}
	if c.deadlinePassedLocked(task) {
		c.failLocked(task)
		return fmt.Errorf("%w: deadline passed", types.ErrIllegalState)
	}
	task.Status = types.TaskCompleted
	task.CompletedAt = c.now()
	task.Result = resultHash
	c.releaseWorkloadLocked(task)
	c.emit(EvTaskCompleted, caller, taskID)
	return nil
}

// FailTask marks an assigned or in-progress task as failed and refunds the
// escrow to the creator. Callable by the assigned agent, the creator, or
// internally on deadline expiry.
func (c *Chain) FailTask(caller common.Address, taskID common.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.tasks[taskID]
	if !ok {
		return types.ErrTaskNotFound
	}
	authorized := caller == task.Creator ||
		(task.AssignedAgent != nil && caller == *task.AssignedAgent)
	if !authorized {
		return types.ErrUnauthorized
	}
	if task.Status != types.TaskAssigned && task.Status != types.TaskInProgress {
		return illegal(task.Status, "fail")
	}
	c.failLocked(task)
	return nil
}

// CancelTask cancels an open or assigned task and refunds the escrow.
func (c *Chain) CancelTask(caller common.Address, taskID common.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.tasks[taskID]
	if !ok {
		return types.ErrTaskNotFound
	}
	if caller != task.Creator {
		return types.ErrUnauthorized
	}
	if task.Status != types.TaskOpen && task.Status != types.TaskAssigned {
		return illegal(task.Status, "cancel")
	}
	c.cancelLocked(task)
	return nil
}

// EnforceDeadline fails the task if its deadline has passed while it was
// assigned or in progress. Harmless to call on any task.
func (c *Chain) EnforceDeadline(taskID common.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.tasks[taskID]
	if !ok {
		return types.ErrTaskNotFound
	}
	if (task.Status == types.TaskAssigned || task.Status == types.TaskInProgress) && c.deadlinePassedLocked(task) {
		c.failLocked(task)
	}
	return nil
}

// ─── Views ───────────────────────────────────────────────────────────────────

// GetTask returns a copy of a task.
func (c *Chain) GetTask(taskID common.Hash) (*types.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[taskID]
	if !ok {
		return nil, types.ErrTaskNotFound
	}
	return copyTask(task), nil
}

// AllTasks returns copies of every task.
func (c *Chain) AllTasks() []*types.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, copyTask(t))
	}
	return out
}

// TasksByStatus returns copies of the tasks currently in the given status.
func (c *Chain) TasksByStatus(status types.TaskStatus) []*types.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*types.Task
	for _, t := range c.tasks {
		if t.Status == status {
			out = append(out, copyTask(t))
		}
	}
	return out
}

// ─── Internal Transitions ────────────────────────────────────────────────────

func (c *Chain) deadlinePassedLocked(task *types.Task) bool {
	return c.now().After(task.Deadline)
}

func (c *Chain) failLocked(task *types.Task) {
	task.Status = types.TaskFailed
	task.CompletedAt = c.now()
	c.releaseWorkloadLocked(task)
	c.refundEscrowLocked(task)
	var agent common.Address
	if task.AssignedAgent != nil {
		agent = *task.AssignedAgent
	}
	c.emit(EvTaskFailed, agent, task.ID)
}

func (c *Chain) cancelLocked(task *types.Task) {
	wasAssigned := task.Status == types.TaskAssigned
	task.Status = types.TaskCancelled
	task.CompletedAt = c.now()
	if wasAssigned {
		c.releaseWorkloadLocked(task)
	}
	task.AssignedAgent = nil
	task.AssignedAgents = nil
	c.refundEscrowLocked(task)
	c.emit(EvTaskCancelled, task.Creator, task.ID)
}

// releaseWorkloadLocked decrements the workload of every participant once,
// at the task's terminal transition (or completion, which precedes it).
func (c *Chain) releaseWorkloadLocked(task *types.Task) {
	seen := map[common.Address]bool{}
	if task.AssignedAgent != nil {
		seen[*task.AssignedAgent] = true
	}
	for _, member := range task.AssignedAgents {
		seen[member] = true
	}
	for addr := range seen {
		if a, ok := c.agents[addr]; ok && a.Workload > 0 {
			a.Workload--
		}
	}
}

func (c *Chain) refundEscrowLocked(task *types.Task) {
	if held, ok := c.escrow[task.ID]; ok && held.Sign() > 0 {
		c.creditLocked(task.Creator, held)
		held.SetInt64(0)
	}
}

func illegal(status types.TaskStatus, op string) error {
	return fmt.Errorf("%w: cannot %s task in status %s", types.ErrIllegalState, op, status)
}
