// Package orchestrator runs collaborative tasks: it drafts a team from the
// selection policy, moderates a bounded round-robin conversation through the
// LLM backend, pins the canonical transcript to the content-addressed store,
// and anchors the result on-chain.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openagora/agora/cas"
	"github.com/openagora/agora/chain"
	"github.com/openagora/agora/config"
	"github.com/openagora/agora/llm"
	"github.com/openagora/agora/metrics"
	"github.com/openagora/agora/policy"
	"github.com/openagora/agora/types"
)

const (
	turnRetries  = 2
	retryBackoff = 2 * time.Second
)

// Orchestrator coordinates multi-agent task execution on behalf of a task
// creator.
type Orchestrator struct {
	chain *chain.Chain
	store cas.Store
	llm   llm.Provider
	cfg   config.Config
	log   *zap.Logger
}

// New creates an orchestrator.
func New(c *chain.Chain, store cas.Store, provider llm.Provider, cfg config.Config, log *zap.Logger) *Orchestrator {
	return &Orchestrator{chain: c, store: store, llm: provider, cfg: cfg, log: log}
}

// Result summarizes a finished collaboration.
type Result struct {
	CollaborationID string
	Team            []common.Address
	Rounds          int
	ArtifactHash    string
}

// Run executes a collaborative task end to end: team selection, assignment,
// conversation, anchoring, completion. The caller must be the task creator.
func (o *Orchestrator) Run(ctx context.Context, creator common.Address, taskID common.Hash) (*Result, error) {
	task, err := o.chain.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != types.TaskOpen {
		return nil, fmt.Errorf("%w: collaboration needs an open task", types.ErrIllegalState)
	}

	team := o.SelectTeam(task)
	if len(team) == 0 {
		return nil, fmt.Errorf("%w: no eligible agents for %v", types.ErrAgentNotFound, task.RequiredCaps)
	}
	lead := team[0]

	if err := o.chain.AssignTask(creator, taskID, lead, team); err != nil {
		return nil, fmt.Errorf("assign collaboration team: %w", err)
	}
	if err := o.chain.StartTask(lead, taskID); err != nil {
		return nil, fmt.Errorf("start collaboration: %w", err)
	}

	log := o.log.With(zap.String("task", taskID.Hex()), zap.Int("team", len(team)))
	log.Info("collaboration started")

	conversation, rounds, err := o.converse(ctx, task, team)
	if err != nil {
		log.Error("collaboration failed", zap.Error(err))
		if ferr := o.chain.FailTask(creator, taskID); ferr != nil {
			log.Warn("fail transition rejected", zap.Error(ferr))
		}
		return nil, err
	}
	metrics.CollaborationRounds.Observe(float64(rounds))

	record := types.CollaborationRecord{
		Agents:          addressStrings(team),
		CollaborationID: uuid.NewString(),
		Conversation:    conversation,
		TaskID:          taskID.Hex(),
		TaskTitle:       task.Title,
		Timestamp:       time.Now().Unix(),
	}
	hash, err := cas.PinJSON(ctx, o.store, record)
	if err != nil {
		return nil, fmt.Errorf("pin collaboration record: %w", err)
	}

	if err := o.chain.CompleteTask(lead, taskID, hash); err != nil {
		return nil, fmt.Errorf("complete collaboration: %w", err)
	}
	if err := o.chain.RecordCollaboration(creator, taskID, record.CollaborationID, team, hash); err != nil {
		return nil, fmt.Errorf("anchor collaboration: %w", err)
	}

	log.Info("collaboration completed",
		zap.String("collaboration", record.CollaborationID),
		zap.Int("rounds", rounds),
		zap.String("artifact", hash))
	return &Result{
		CollaborationID: record.CollaborationID,
		Team:            team,
		Rounds:          rounds,
		ArtifactHash:    hash,
	}, nil
}

// SelectTeam drafts a team for the task from the active agent set.
func (o *Orchestrator) SelectTeam(task *types.Task) []common.Address {
	return policy.SelectTeam(o.chain.AllAgents(), task.RequiredCaps, o.cfg.LMax, o.cfg.MaxTeamSize)
}

// converse runs up to MaxRounds rounds with one primary speaker per round,
// rotating through the team in order. The final round goes to the lead, who
// is directed to condense the discussion into the deliverable. A speaker
// exhausting its retries leaves a note in the transcript instead of a
// contribution; the collaboration aborts once more than half the rounds
// have failed.
func (o *Orchestrator) converse(ctx context.Context, task *types.Task, team []common.Address) ([]types.Turn, int, error) {
	agents := make(map[common.Address]*types.Agent, len(team))
	for _, addr := range team {
		if a, err := o.chain.GetAgent(addr); err == nil {
			agents[addr] = a
		}
	}

	conversation := []types.Turn{{
		Content: fmt.Sprintf("Task: %s\n\n%s", task.Title, task.Description),
		Role:    "user",
	}}

	failedRounds := 0
	rounds := 0
	for round := 1; round <= o.cfg.MaxRounds; round++ {
		rounds = round
		speaker := team[(round-1)%len(team)]
		if round == o.cfg.MaxRounds {
			speaker = team[0]
			conversation = append(conversation, types.Turn{
				Content: "Summarize the discussion above into the final deliverable for this task.",
				Role:    "user",
			})
		}

		reply, err := o.turn(ctx, agents[speaker], task, conversation)
		if err != nil {
			o.log.Warn("turn failed",
				zap.String("agent", speaker.Hex()),
				zap.Int("round", round),
				zap.Error(err))
			conversation = append(conversation, types.Turn{
				Content: fmt.Sprintf("[%s contributed nothing in round %d]", speakerName(agents[speaker]), round),
				Role:    "user",
			})
			failedRounds++
			if failedRounds > o.cfg.MaxRounds/2 {
				return nil, rounds, fmt.Errorf("collaboration aborted: %d of %d rounds failed", failedRounds, rounds)
			}
			continue
		}
		conversation = append(conversation, types.Turn{
			Content: reply,
			Role:    "assistant",
		})
	}
	return conversation, rounds, nil
}

func speakerName(agent *types.Agent) string {
	if agent == nil {
		return "agent"
	}
	return agent.Name
}

// turn requests one agent's contribution, retrying transient LLM failures.
func (o *Orchestrator) turn(ctx context.Context, agent *types.Agent, task *types.Task, conversation []types.Turn) (string, error) {
	messages := make([]llm.Message, 0, len(conversation)+1)
	messages = append(messages, llm.Message{Role: "system", Content: personaPrompt(agent, task)})
	for _, t := range conversation {
		messages = append(messages, llm.Message{Role: t.Role, Content: t.Content})
	}

	var lastErr error
	for attempt := 0; attempt <= turnRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(retryBackoff * time.Duration(attempt)):
			}
		}
		llmCtx, cancel := context.WithTimeout(ctx, o.cfg.LLMTimeout())
		started := time.Now()
		reply, err := o.llm.Complete(llmCtx, messages)
		metrics.LLMLatency.Observe(time.Since(started).Seconds())
		cancel()
		if err == nil {
			return reply, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("turn exhausted retries: %w", lastErr)
}

func personaPrompt(agent *types.Agent, task *types.Task) string {
	name := "agent"
	caps := task.RequiredCaps
	if agent != nil {
		name = agent.Name
		caps = agent.CapabilityTags
	}
	return fmt.Sprintf(
		"You are %s, collaborating with other agents on a shared task. "+
			"Your specialties: %s. Build on the conversation so far and move the task toward completion.",
		name, strings.Join(caps, ", "))
}

func addressStrings(team []common.Address) []string {
	out := make([]string, len(team))
	for i, addr := range team {
		out[i] = addr.Hex()
	}
	return out
}
