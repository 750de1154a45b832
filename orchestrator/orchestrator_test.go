package orchestrator

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openagora/agora/cas"
	"github.com/openagora/agora/chain"
	"github.com/openagora/agora/config"
	"github.com/openagora/agora/identity"
	"github.com/openagora/agora/llm"
	"github.com/openagora/agora/types"
)

func testSetup(t *testing.T, provider llm.Provider) (*chain.Chain, *cas.MemoryStore, *Orchestrator, common.Address) {
	t.Helper()
	cfg := config.Default()
	cfg.MaxRounds = 2
	c := chain.New(chain.DefaultParams())
	store := cas.NewMemoryStore()
	orch := New(c, store, provider, cfg, zap.NewNop())

	creatorKey, err := identity.Generate()
	require.NoError(t, err)
	creator := creatorKey.Address()
	c.Credit(creator, big.NewInt(1_000_000))

	register := func(name string, tags []string) {
		key, err := identity.Generate()
		require.NoError(t, err)
		require.NoError(t, c.RegisterAgent(key.Address(), name, "llm", tags, weightsFor(tags), 60, 60))
	}
	register("coder", []string{"coding"})
	register("reviewer", []string{"review"})
	register("writer", []string{"writing"})
	return c, store, orch, creator
}

func weightsFor(tags []string) []int {
	w := make([]int, len(tags))
	for i := range w {
		w[i] = 80
	}
	return w
}

func publishCollab(t *testing.T, c *chain.Chain, creator common.Address, caps []string) common.Hash {
	t.Helper()
	id, err := c.CreateTask(creator, chain.TaskSpec{
		Title:         "design and build",
		Description:   "multi-skill deliverable",
		RequiredCaps:  caps,
		Reward:        big.NewInt(9_000),
		MinBid:        big.NewInt(100),
		MaxBid:        big.NewInt(1_000),
		Deadline:      time.Now().Add(10 * time.Hour),
		Collaborative: true,
	})
	require.NoError(t, err)
	require.NoError(t, c.PublishTask(creator, id))
	return id
}

func TestCollaborationRun(t *testing.T) {
	provider := llm.NewScripted("here is my contribution")
	c, store, orch, creator := testSetup(t, provider)
	taskID := publishCollab(t, c, creator, []string{"coding", "review"})

	result, err := orch.Run(context.Background(), creator, taskID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Len(t, result.Team, 2, "one specialist per required capability")
	assert.Equal(t, 2, result.Rounds)
	assert.NotEmpty(t, result.CollaborationID)

	task, err := c.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, task.Status)
	assert.Equal(t, result.ArtifactHash, task.Result)
	assert.Equal(t, result.Team, task.AssignedAgents)

	// The pinned artifact is the canonical transcript.
	data, err := store.Get(context.Background(), result.ArtifactHash)
	require.NoError(t, err)
	var record types.CollaborationRecord
	require.NoError(t, json.Unmarshal(data, &record))
	assert.Equal(t, result.CollaborationID, record.CollaborationID)
	assert.Equal(t, taskID.Hex(), record.TaskID)
	assert.Equal(t, "design and build", record.TaskTitle)
	// Task turn, round-1 speaker, summary directive, lead summary.
	require.Len(t, record.Conversation, 4)
	assert.Equal(t, "user", record.Conversation[0].Role)
	assert.Equal(t, "assistant", record.Conversation[1].Role)
	assert.Equal(t, "user", record.Conversation[2].Role)
	assert.Contains(t, record.Conversation[2].Content, "Summarize")
	assert.Equal(t, "assistant", record.Conversation[3].Role)

	// Every participant got a collaboration learning event.
	for _, addr := range result.Team {
		events := c.GetLearningEvents(addr)
		found := false
		for _, ev := range events {
			if ev.Kind == types.EventCollaboration {
				found = true
				assert.Equal(t, result.ArtifactHash, ev.Collaboration.ArtifactHash)
			}
		}
		assert.True(t, found)
	}
}

func TestCollaborationFailsAfterTooManyBadRounds(t *testing.T) {
	provider := llm.NewScripted("ok")
	c, _, orch, creator := testSetup(t, provider)
	taskID := publishCollab(t, c, creator, []string{"coding", "review"})

	// Every attempt fails: with MaxRounds=2, two failed rounds exceed half.
	provider.Fail(1000)
	_, err := orch.Run(context.Background(), creator, taskID)
	require.Error(t, err)

	task, gerr := c.GetTask(taskID)
	require.NoError(t, gerr)
	assert.Equal(t, types.TaskFailed, task.Status)
}

func TestCollaborationToleratesTransientFailures(t *testing.T) {
	provider := llm.NewScripted("recovered contribution")
	c, _, orch, creator := testSetup(t, provider)
	taskID := publishCollab(t, c, creator, []string{"coding"})

	// Two failures are absorbed by per-turn retries.
	provider.Fail(2)
	result, err := orch.Run(context.Background(), creator, taskID)
	require.NoError(t, err)

	task, gerr := c.GetTask(taskID)
	require.NoError(t, gerr)
	assert.Equal(t, types.TaskCompleted, task.Status)
	assert.NotEmpty(t, result.ArtifactHash)
}

// A round whose speaker exhausts its retries still shows up in the
// transcript, as a note in place of the contribution.
func TestCollaborationRecordsFailedRound(t *testing.T) {
	provider := llm.NewScripted("final summary")
	c, store, orch, creator := testSetup(t, provider)
	taskID := publishCollab(t, c, creator, []string{"coding", "review"})

	// Exactly one round's worth of attempts fails; the summary round recovers.
	provider.Fail(turnRetries + 1)
	result, err := orch.Run(context.Background(), creator, taskID)
	require.NoError(t, err)

	data, err := store.Get(context.Background(), result.ArtifactHash)
	require.NoError(t, err)
	var record types.CollaborationRecord
	require.NoError(t, json.Unmarshal(data, &record))
	require.Len(t, record.Conversation, 4)
	assert.Contains(t, record.Conversation[1].Content, "contributed nothing in round 1")

	task, gerr := c.GetTask(taskID)
	require.NoError(t, gerr)
	assert.Equal(t, types.TaskCompleted, task.Status)
}

func TestCollaborationNeedsOpenTask(t *testing.T) {
	provider := llm.NewScripted("ok")
	c, _, orch, creator := testSetup(t, provider)

	id, err := c.CreateTask(creator, chain.TaskSpec{
		Title:        "unpublished",
		Description:  "still created",
		RequiredCaps: []string{"coding"},
		Reward:       big.NewInt(1_000),
		MinBid:       big.NewInt(10),
		MaxBid:       big.NewInt(100),
		Deadline:     time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	_, err = orch.Run(context.Background(), creator, id)
	assert.ErrorIs(t, err, types.ErrIllegalState)
}
