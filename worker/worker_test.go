package worker

import (
	"context"
	"math/big"
	"math/rand"
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

type testClock struct {
	t time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func testSetup(t *testing.T) (*chain.Chain, *testClock, *Worker, *llm.Scripted, *cas.MemoryStore) {
	t.Helper()
	clock := newTestClock()
	c := chain.New(chain.DefaultParams(), chain.WithClock(clock.Now))

	key, err := identity.Generate()
	require.NoError(t, err)
	require.NoError(t, c.RegisterAgent(key.Address(), "worker-1", "llm",
		[]string{"coding", "review"}, []int{80, 80}, 50, 60))

	provider := llm.NewScripted("the finished artifact")
	store := cas.NewMemoryStore()
	w, err := New(c, key, provider, store, config.Default(), zap.NewNop())
	require.NoError(t, err)
	return c, clock, w, provider, store
}

func fundedCreator(t *testing.T, c *chain.Chain) *identity.Keypair {
	t.Helper()
	key, err := identity.Generate()
	require.NoError(t, err)
	c.Credit(key.Address(), big.NewInt(1_000_000))
	return key
}

func publishTask(t *testing.T, c *chain.Chain, creator *identity.Keypair, clock *testClock, caps []string) common.Hash {
	t.Helper()
	id, err := c.CreateTask(creator.Address(), chain.TaskSpec{
		Title:        "build feature",
		Description:  "implement and review the feature",
		RequiredCaps: caps,
		Reward:       big.NewInt(10_000),
		MinBid:       big.NewInt(100),
		MaxBid:       big.NewInt(1_000),
		Deadline:     clock.Now().Add(10 * time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, c.PublishTask(creator.Address(), id))
	return id
}

// One full worker cycle: bid, win, execute, complete, with the result pinned
// to the store.
func TestWorkerFullCycle(t *testing.T) {
	c, clock, w, provider, store := testSetup(t)
	creator := fundedCreator(t, c)
	taskID := publishTask(t, c, creator, clock, []string{"coding"})

	w.Tick(context.Background())
	require.True(t, c.HasAgentBid(taskID, w.Address()), "worker must bid on a matching open task")

	clock.Advance(61 * time.Second)
	c.SweepAuctions()
	task, err := c.GetTask(taskID)
	require.NoError(t, err)
	require.Equal(t, types.TaskAssigned, task.Status)
	require.Equal(t, w.Address(), *task.AssignedAgent)

	w.Tick(context.Background())
	task, err = c.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, task.Status)
	assert.Equal(t, 1, provider.Calls())

	data, err := store.Get(context.Background(), task.Result)
	require.NoError(t, err)
	assert.Equal(t, "the finished artifact", string(data))
}

func TestWorkerSkipsUnmatchedAndOwnTasks(t *testing.T) {
	c, clock, w, _, _ := testSetup(t)
	creator := fundedCreator(t, c)

	unmatched := publishTask(t, c, creator, clock, []string{"design"})

	// Pin the exploration dice so low-utility tasks are never tried.
	w.Learning().epsilon = 0

	c.Credit(w.Address(), big.NewInt(1_000_000))
	own, err := c.CreateTask(w.Address(), chain.TaskSpec{
		Title:        "own task",
		Description:  "self-created work",
		RequiredCaps: []string{"coding"},
		Reward:       big.NewInt(10_000),
		MinBid:       big.NewInt(100),
		MaxBid:       big.NewInt(1_000),
		Deadline:     clock.Now().Add(10 * time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, c.PublishTask(w.Address(), own))

	w.Tick(context.Background())
	assert.False(t, c.HasAgentBid(unmatched, w.Address()))
	assert.False(t, c.HasAgentBid(own, w.Address()), "a worker never bids on its own task")
}

func TestAdjustedUtility(t *testing.T) {
	c, clock, w, _, _ := testSetup(t)
	creator := fundedCreator(t, c)
	taskID := publishTask(t, c, creator, clock, []string{"coding", "review"})
	require.NoError(t, w.Sync())

	task, err := c.GetTask(taskID)
	require.NoError(t, err)

	u, uAdj, err := w.AdjustedUtility(task)
	require.NoError(t, err)
	assert.Equal(t, 76, u)
	// Neutral preference and zero workload: 0.70·76 + 0.20·100 = 73.2.
	assert.InDelta(t, 73.2, uAdj, 1e-9)

	// A strong preference for this kind raises the adjusted utility.
	w.Learning().ObserveOutcome("coding", 100)
	_, biased, err := w.AdjustedUtility(task)
	require.NoError(t, err)
	assert.Greater(t, biased, uAdj)
}

func TestPriceBidWithinBounds(t *testing.T) {
	c, clock, w, _, _ := testSetup(t)
	creator := fundedCreator(t, c)
	taskID := publishTask(t, c, creator, clock, []string{"coding"})
	task, err := c.GetTask(taskID)
	require.NoError(t, err)

	for _, utility := range []int{0, 30, 76, 100} {
		amount := w.PriceBid(task, utility)
		assert.GreaterOrEqual(t, amount.Cmp(task.MinBid), 0)
		assert.LessOrEqual(t, amount.Cmp(task.MaxBid), 0)
	}

	// Higher utility prices nearer the floor on average.
	low := w.PriceBid(task, 10)
	high := w.PriceBid(task, 95)
	assert.True(t, high.Cmp(low) <= 0 || high.Cmp(task.MinBid) >= 0)
}

// Confidence scales the final utility before the bid threshold: an estimate
// that clears the threshold raw is suppressed once a diffident strategy
// discounts it.
func TestLowConfidenceSuppressesBid(t *testing.T) {
	c, clock, w, _, _ := testSetup(t)
	creator := fundedCreator(t, c)
	taskID := publishTask(t, c, creator, clock, []string{"coding"})

	// Pin exploration off so no jitter can rescue the discounted utility.
	w.Learning().epsilon = 0
	require.NoError(t, c.UpdateBiddingStrategy(w.Address(), w.Address(), 30, 50))

	// u_adj = 73.2, but 73.2·0.30 ≈ 22 falls below the bid threshold of 30.
	w.Tick(context.Background())
	assert.False(t, c.HasAgentBid(taskID, w.Address()), "discounted utility below threshold must not bid")

	require.NoError(t, c.UpdateBiddingStrategy(w.Address(), w.Address(), 60, 50))
	w.Tick(context.Background())
	assert.True(t, c.HasAgentBid(taskID, w.Address()))
}

// A transient LLM outage defers the task instead of failing it: the worker
// retries within the tick, leaves the task in progress on exhaustion, and
// completes it on a later tick once the backend recovers.
func TestWorkerDefersTaskOnLLMOutage(t *testing.T) {
	c, clock, w, provider, _ := testSetup(t)
	creator := fundedCreator(t, c)
	taskID := publishTask(t, c, creator, clock, []string{"coding"})

	w.Tick(context.Background())
	clock.Advance(61 * time.Second)
	c.SweepAuctions()

	provider.Fail(llmRetries + 1)
	w.Tick(context.Background())

	task, err := c.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskInProgress, task.Status, "an exhausted outage leaves the task recoverable")

	w.Tick(context.Background())
	task, err = c.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, task.Status)
}

// The evaluation verdict reaches the worker's preference: a poor task score
// drags the kind preference down and steps the exploration rate.
func TestEvaluationFoldsIntoPreference(t *testing.T) {
	c, clock, w, _, _ := testSetup(t)
	creator := fundedCreator(t, c)
	taskID := publishTask(t, c, creator, clock, []string{"coding"})

	w.Tick(context.Background())
	clock.Advance(61 * time.Second)
	c.SweepAuctions()
	w.Tick(context.Background())

	task, err := c.GetTask(taskID)
	require.NoError(t, err)
	require.Equal(t, types.TaskCompleted, task.Status)

	require.NoError(t, c.SubmitEvaluation(creator.Address(), taskID, 0, nil))
	w.Tick(context.Background())

	// On-time completion with q=0 scores T = (0 + 400 + 5)/10 = 40, so the
	// preference falls: round EMA of 50 toward 40 = 48.
	assert.Equal(t, 48, w.Learning().Preference("coding"))
	assert.InDelta(t, 0.10*0.99, w.Learning().Epsilon(), 1e-12, "epsilon decays once per observed outcome")
}

// ─── Learning State ──────────────────────────────────────────────────────────

func TestEpsilonDecay(t *testing.T) {
	l := NewLearning(0.10, 0.01, 0.5)
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 20; i++ {
		l.Explore(rng)
	}
	assert.Equal(t, 0.10, l.Epsilon(), "rolling the exploration dice never decays epsilon")

	for i := 0; i < 20; i++ {
		l.Decay()
	}
	assert.Equal(t, 0.01, l.Epsilon(), "epsilon must decay to the floor, never below")
}

func TestTypePreferenceEMA(t *testing.T) {
	l := NewLearning(0.1, 0.01, 0.99)
	assert.Equal(t, prefNeutral, l.Preference("coding"))
	assert.InDelta(t, 0.0, l.TypeBias("coding"), 1e-9)

	// pref' = round((80·50 + 20·80)/100) = 56.
	l.ObserveOutcome("coding", 80)
	assert.Equal(t, 56, l.Preference("coding"))
	assert.InDelta(t, 1.2, l.TypeBias("coding"), 1e-9)

	l.ObserveOutcome("coding", 0)
	assert.Equal(t, types.EMA100(prefRetention, 56, 0), l.Preference("coding"))
}

func TestCircuitBreaker(t *testing.T) {
	l := NewLearning(0.1, 0.01, 0.99)
	now := time.Now()

	l.RecordLLMFailure(now)
	l.RecordLLMFailure(now)
	assert.False(t, l.BreakerOpen(now), "breaker stays closed below the trip count")

	l.RecordLLMFailure(now)
	assert.True(t, l.BreakerOpen(now))
	assert.False(t, l.BreakerOpen(now.Add(breakerPause+time.Second)), "breaker re-closes after the pause")

	l.RecordLLMSuccess()
	assert.False(t, l.BreakerOpen(now))
}
