package chain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/openagora/agora/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// AGENT REGISTRY
// Registration, capability vectors, bidding strategy, and the feedback laws
// that propagate evaluation results into weights and reputation.
// ═══════════════════════════════════════════════════════════════════════════════

// RegisterAgent creates an agent at the given address. A live agent at the
// same address rejects with ErrAlreadyRegistered; registering over a
// deactivated agent replaces it with fresh state.
func (c *Chain) RegisterAgent(addr common.Address, name string, kind types.AgentKind, tags []string, weights []int, reputation, confidence int) error {
	if err := validateCapabilities(tags, weights); err != nil {
		return err
	}
	if !inScoreRange(reputation) || !inScoreRange(confidence) {
		return types.ErrOutOfRange
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.agents[addr]; ok && existing.Active {
		return fmt.Errorf("%w: %s", types.ErrAlreadyRegistered, addr.Hex())
	}

	c.agents[addr] = &types.Agent{
		Address:        addr,
		Name:           name,
		Kind:           kind,
		CapabilityTags: append([]string(nil), tags...),
		CapabilityWts:  append([]int(nil), weights...),
		Reputation:     reputation,
		Active:         true,
		RegisteredAt:   c.now(),
		Strategy: types.BiddingStrategy{
			Confidence:    confidence,
			RiskTolerance: 50,
			LastUpdated:   c.now(),
		},
	}
	c.emit(EvAgentRegistered, addr, common.Hash{})
	return nil
}

// DeactivateAgent soft-deletes an agent: the address remains known but the
// agent is excluded from selection until reactivated.
func (c *Chain) DeactivateAgent(caller, addr common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	agent, ok := c.agents[addr]
	if !ok {
		return types.ErrAgentNotFound
	}
	if caller != addr {
		return types.ErrUnauthorized
	}
	agent.Active = false
	c.emit(EvAgentDeactivated, addr, common.Hash{})
	return nil
}

// ActivateAgent re-enables a deactivated agent. Stale workload is not
// resurrected: the counter restarts at zero.
func (c *Chain) ActivateAgent(caller, addr common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	agent, ok := c.agents[addr]
	if !ok {
		return types.ErrAgentNotFound
	}
	if caller != addr {
		return types.ErrUnauthorized
	}
	agent.Active = true
	agent.Workload = 0
	c.emit(EvAgentActivated, addr, common.Hash{})
	return nil
}

// SetCapabilities replaces an agent's capability vector.
func (c *Chain) SetCapabilities(caller, addr common.Address, tags []string, weights []int) error {
	if err := validateCapabilities(tags, weights); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	agent, ok := c.agents[addr]
	if !ok {
		return types.ErrAgentNotFound
	}
	if caller != addr {
		return types.ErrUnauthorized
	}
	agent.CapabilityTags = append([]string(nil), tags...)
	agent.CapabilityWts = append([]int(nil), weights...)
	c.emit(EvCapabilitiesUpdated, addr, common.Hash{})
	return nil
}

// UpdateBiddingStrategy sets an agent's confidence and risk tolerance. Only
// the agent itself may call; the incentive engine adjusts through feedback.
func (c *Chain) UpdateBiddingStrategy(caller, addr common.Address, confidence, riskTolerance int) error {
	if !inScoreRange(confidence) || !inScoreRange(riskTolerance) {
		return types.ErrOutOfRange
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	agent, ok := c.agents[addr]
	if !ok {
		return types.ErrAgentNotFound
	}
	if caller != addr {
		return types.ErrUnauthorized
	}
	agent.Strategy.Confidence = confidence
	agent.Strategy.RiskTolerance = riskTolerance
	agent.Strategy.LastUpdated = c.now()
	c.emit(EvBiddingStrategyUpdated, addr, common.Hash{})
	return nil
}

// ─── Views ───────────────────────────────────────────────────────────────────

// GetAgent returns a copy of the agent record.
func (c *Chain) GetAgent(addr common.Address) (*types.Agent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	agent, ok := c.agents[addr]
	if !ok {
		return nil, types.ErrAgentNotFound
	}
	return copyAgent(agent), nil
}

// AllAgents returns copies of every registered agent, active or not.
func (c *Chain) AllAgents() []*types.Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.Agent, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, copyAgent(a))
	}
	return out
}

// GetAgentBiddingStrategy returns the agent's current strategy parameters.
func (c *Chain) GetAgentBiddingStrategy(addr common.Address) (types.BiddingStrategy, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	agent, ok := c.agents[addr]
	if !ok {
		return types.BiddingStrategy{}, types.ErrAgentNotFound
	}
	return agent.Strategy, nil
}

// LearningState is the view a worker syncs before bidding.
type LearningState struct {
	Reputation     int               `json:"reputation"`
	Workload       int               `json:"workload"`
	TasksCompleted int               `json:"tasks_completed"`
	History        []types.TaskScore `json:"history"`
}

// GetAgentLearningState returns reputation, workload and recent history.
func (c *Chain) GetAgentLearningState(addr common.Address) (*LearningState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	agent, ok := c.agents[addr]
	if !ok {
		return nil, types.ErrAgentNotFound
	}
	return &LearningState{
		Reputation:     agent.Reputation,
		Workload:       agent.Workload,
		TasksCompleted: agent.TasksCompleted,
		History:        append([]types.TaskScore(nil), agent.History...),
	}, nil
}

// GetLearningEvents returns the append-only learning log for an agent.
func (c *Chain) GetLearningEvents(addr common.Address) []*types.LearningEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*types.LearningEvent
	for _, ev := range c.learning {
		if ev.Agent == addr {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out
}

// ─── Feedback Laws ───────────────────────────────────────────────────────────

// taskScore computes T = round(α·q + δ·(100−d)) with fixed-point tenths.
func (c *Chain) taskScore(quality, delayRatio int) int {
	t := c.params.AlphaTenths*quality + c.params.DeltaTenths*(100-delayRatio)
	return types.ClampScore((t + 5) / 10)
}

// applyFeedbackLocked propagates an evaluation into one agent's capability
// weights, reputation, history ring, and bidding strategy. Caller holds the
// chain lock. Returns the task score T.
func (c *Chain) applyFeedbackLocked(agent *types.Agent, taskID common.Hash, quality, delayRatio int, tagScores map[string]int) int {
	t := c.taskScore(quality, delayRatio)

	// Capability EMA: w' = round((μ·w + (100−μ)·s)/100), unmentioned tags
	// untouched.
	var changedTags []string
	var oldWts, newWts []int
	for i, tag := range agent.CapabilityTags {
		s, ok := tagScores[tag]
		if !ok {
			continue
		}
		old := agent.CapabilityWts[i]
		next := types.EMA100(c.params.Mu, old, types.ClampScore(s))
		if next != old {
			agent.CapabilityWts[i] = next
			changedTags = append(changedTags, tag)
			oldWts = append(oldWts, old)
			newWts = append(newWts, next)
		}
	}
	if len(changedTags) > 0 {
		c.recordLearningLocked(&types.LearningEvent{
			Agent: agent.Address,
			Kind:  types.EventCapabilityUpdate,
			CapabilityUpdate: &types.CapabilityUpdatePayload{
				Tags:       changedTags,
				OldWeights: oldWts,
				NewWeights: newWts,
			},
		})
	}

	// Reputation EMA: R' = round(β·R + (1−β)·T).
	beta := c.params.BetaTenths
	agent.Reputation = types.ClampScore((beta*agent.Reputation + (10-beta)*t + 5) / 10)

	// History ring of the latest K scores.
	agent.History = append(agent.History, types.TaskScore{TaskID: taskID, Score: t})
	if len(agent.History) > c.params.RingSize {
		agent.History = agent.History[len(agent.History)-c.params.RingSize:]
	}
	agent.TasksCompleted++

	c.tuneStrategyLocked(agent, t)

	c.recordLearningLocked(&types.LearningEvent{
		Agent: agent.Address,
		Kind:  types.EventTaskEvaluation,
		TaskEvaluation: &types.TaskEvaluationPayload{
			TaskID:        taskID,
			Quality:       quality,
			DelayRatio:    delayRatio,
			TaskScore:     t,
			NewReputation: agent.Reputation,
		},
	})
	return t
}

// tuneStrategyLocked applies the post-feedback auto-tuning rules to the
// agent's bidding parameters.
func (c *Chain) tuneStrategyLocked(agent *types.Agent, t int) {
	avg := agent.AverageHistoryScore()
	confStep := c.params.EtaPct           // round(η·100)
	riskStep := c.params.EtaPct * 60 / 100 // round(η·60)

	before := agent.Strategy
	switch {
	case avg >= 70:
		agent.Strategy.Confidence = min(100, agent.Strategy.Confidence+confStep)
	case avg >= 0 && avg <= 50:
		agent.Strategy.Confidence = max(30, agent.Strategy.Confidence-confStep)
	}
	if agent.Reputation >= 70 && t >= 70 {
		agent.Strategy.RiskTolerance = min(80, agent.Strategy.RiskTolerance+riskStep)
	} else if agent.Reputation <= 40 || t <= 40 {
		agent.Strategy.RiskTolerance = max(20, agent.Strategy.RiskTolerance-riskStep)
	}

	if agent.Strategy != before {
		agent.Strategy.LastUpdated = c.now()
		c.recordLearningLocked(&types.LearningEvent{
			Agent: agent.Address,
			Kind:  types.EventBiddingUpdate,
			BiddingUpdate: &types.BiddingUpdatePayload{
				Confidence:    agent.Strategy.Confidence,
				RiskTolerance: agent.Strategy.RiskTolerance,
			},
		})
		c.emit(EvBiddingStrategyUpdated, agent.Address, common.Hash{})
	}
}

// recordLearningLocked appends an event to the learning log with a fresh id
// and transaction anchor. Caller holds the chain lock.
func (c *Chain) recordLearningLocked(ev *types.LearningEvent) {
	tx := c.emit(EvLearningEventRecorded, ev.Agent, taskOf(ev))
	ev.ID = uuid.NewString()
	ev.ProducedAt = c.now()
	ev.TxAnchor = &tx
	c.learning = append(c.learning, ev)
}

func taskOf(ev *types.LearningEvent) common.Hash {
	switch {
	case ev.TaskEvaluation != nil:
		return ev.TaskEvaluation.TaskID
	case ev.Collaboration != nil:
		return ev.Collaboration.TaskID
	}
	return common.Hash{}
}

func validateCapabilities(tags []string, weights []int) error {
	if len(tags) != len(weights) {
		return types.ErrLengthMismatch
	}
	for _, w := range weights {
		if !inScoreRange(w) {
			return types.ErrOutOfRange
		}
	}
	return nil
}

func inScoreRange(v int) bool { return v >= 0 && v <= 100 }

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
