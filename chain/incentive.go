package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openagora/agora/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// INCENTIVE ENGINE
// Exactly one evaluation per completed task: either the creator's, or a
// system auto-evaluation once the horizon passes. Evaluation releases the
// escrowed reward proportionally to the task score and propagates feedback
// into every participating agent.
// ═══════════════════════════════════════════════════════════════════════════════

// SubmitEvaluation records the creator's quality verdict for a completed
// task and runs the full incentive cycle. A second evaluation of any kind
// rejects with ErrAlreadyEvaluated.
func (c *Chain) SubmitEvaluation(evaluator common.Address, taskID common.Hash, quality int, tagScores map[string]int) error {
	if !inScoreRange(quality) {
		return types.ErrOutOfRange
	}
	for _, s := range tagScores {
		if !inScoreRange(s) {
			return types.ErrOutOfRange
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.tasks[taskID]
	if !ok {
		return types.ErrTaskNotFound
	}
	if evaluator != task.Creator {
		return types.ErrUnauthorized
	}
	if task.Status != types.TaskCompleted {
		return illegal(task.Status, "evaluate")
	}
	if _, done := c.evaluations[taskID]; done {
		return fmt.Errorf("%w: %s", types.ErrAlreadyEvaluated, taskID.Hex())
	}

	c.evaluateLocked(task, evaluator, types.EvaluatorUser, quality, tagScores)
	return nil
}

// SweepAutoEvaluations applies a system evaluation to every completed task
// whose user evaluation never arrived within the horizon. Idempotent: tasks
// with any existing evaluation are skipped.
func (c *Chain) SweepAutoEvaluations() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	swept := 0
	for _, task := range c.tasks {
		if task.Status != types.TaskCompleted {
			continue
		}
		if _, done := c.evaluations[task.ID]; done {
			continue
		}
		if c.now().Sub(task.CompletedAt) < c.params.AutoEvalHorizon {
			continue
		}
		q := c.params.AutoEvalQuality
		tagScores := make(map[string]int, len(task.RequiredCaps))
		for _, tag := range task.RequiredCaps {
			tagScores[tag] = q
		}
		c.evaluateLocked(task, common.Address{}, types.EvaluatorSystem, q, tagScores)
		swept++
	}
	return swept
}

// GetEvaluation returns the evaluation of a task, if any.
func (c *Chain) GetEvaluation(taskID common.Hash) (*types.Evaluation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev, ok := c.evaluations[taskID]
	if !ok {
		return nil, types.ErrTaskNotFound
	}
	cp := *ev
	return &cp, nil
}

// evaluateLocked freezes the evaluation, pays out the escrow proportionally
// to T, and applies the feedback laws to every participant. Caller holds the
// chain lock and has verified no prior evaluation exists.
func (c *Chain) evaluateLocked(task *types.Task, evaluator common.Address, kind types.EvaluatorKind, quality int, tagScores map[string]int) {
	d := c.delayRatioLocked(task)

	c.evaluations[task.ID] = &types.Evaluation{
		TaskID:     task.ID,
		Quality:    quality,
		TagScores:  tagScores,
		Evaluator:  evaluator,
		Kind:       kind,
		DelayRatio: d,
		CreatedAt:  c.now(),
	}

	var t int
	for _, addr := range c.participantsLocked(task) {
		agent, ok := c.agents[addr]
		if !ok {
			continue
		}
		t = c.applyFeedbackLocked(agent, task.ID, quality, d, tagScores)
	}

	c.releaseRewardLocked(task, t)
	c.emit(EvTaskEvaluated, evaluator, task.ID)
}

// delayRatioLocked computes d = min(100, 100·(completed−assigned)/(deadline−assigned)).
func (c *Chain) delayRatioLocked(task *types.Task) int {
	window := task.Deadline.Sub(task.AssignedAt)
	if window <= 0 {
		return 100
	}
	used := task.CompletedAt.Sub(task.AssignedAt)
	if used <= 0 {
		return 0
	}
	d := int(100 * used / window)
	if d > 100 {
		d = 100
	}
	return d
}

// participantsLocked lists the agents sharing the task outcome: the full
// collaboration team, or just the assigned winner.
func (c *Chain) participantsLocked(task *types.Task) []common.Address {
	if len(task.AssignedAgents) > 0 {
		return task.AssignedAgents
	}
	if task.AssignedAgent != nil {
		return []common.Address{*task.AssignedAgent}
	}
	return nil
}

// releaseRewardLocked pays floor(reward·T/100) out of escrow, split equally
// across participants with dust going to the first. The remainder is burned
// or refunded to the creator per the BurnRemainder policy flag.
func (c *Chain) releaseRewardLocked(task *types.Task, t int) {
	held, ok := c.escrow[task.ID]
	if !ok || held.Sign() == 0 {
		return
	}
	participants := c.participantsLocked(task)
	if len(participants) == 0 || t <= 0 {
		c.settleRemainderLocked(task, held)
		return
	}

	payout := new(big.Int).Mul(held, big.NewInt(int64(t)))
	payout.Div(payout, big.NewInt(100))

	share := new(big.Int).Div(payout, big.NewInt(int64(len(participants))))
	dust := new(big.Int).Sub(payout, new(big.Int).Mul(share, big.NewInt(int64(len(participants)))))
	for i, addr := range participants {
		amt := new(big.Int).Set(share)
		if i == 0 {
			amt.Add(amt, dust)
		}
		c.creditLocked(addr, amt)
	}

	remainder := new(big.Int).Sub(held, payout)
	c.settleRemainderLocked(task, remainder)
	held.SetInt64(0)
}

func (c *Chain) settleRemainderLocked(task *types.Task, remainder *big.Int) {
	if remainder.Sign() <= 0 {
		return
	}
	if c.params.BurnRemainder {
		c.burned.Add(c.burned, remainder)
	} else {
		c.creditLocked(task.Creator, remainder)
	}
	if held, ok := c.escrow[task.ID]; ok {
		held.SetInt64(0)
	}
}

// RecordCollaboration anchors an off-chain collaboration artifact: sets the
// task result hash and appends a collaboration learning event for every
// participant.
func (c *Chain) RecordCollaboration(caller common.Address, taskID common.Hash, collaborationID string, participants []common.Address, artifactHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.tasks[taskID]
	if !ok {
		return types.ErrTaskNotFound
	}
	if caller != task.Creator {
		return types.ErrUnauthorized
	}
	task.Result = artifactHash

	for _, addr := range participants {
		c.recordLearningLocked(&types.LearningEvent{
			Agent: addr,
			Kind:  types.EventCollaboration,
			Collaboration: &types.CollaborationPayload{
				CollaborationID: collaborationID,
				TaskID:          taskID,
				Participants:    append([]common.Address(nil), participants...),
				ArtifactHash:    artifactHash,
			},
		})
	}
	return nil
}
