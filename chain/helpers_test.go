package chain

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/openagora/agora/identity"
)

// testClock is an advanceable wall clock for deterministic chain tests.
type testClock struct {
	t time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestChain(t *testing.T) (*Chain, *testClock) {
	t.Helper()
	clock := newTestClock()
	return New(DefaultParams(), WithClock(clock.Now)), clock
}

func newAgent(t *testing.T, c *Chain, name string, tags []string, weights []int, reputation int) *identity.Keypair {
	t.Helper()
	key, err := identity.Generate()
	require.NoError(t, err)
	require.NoError(t, c.RegisterAgent(key.Address(), name, "llm", tags, weights, reputation, 60))
	return key
}

func newFundedCreator(t *testing.T, c *Chain) common.Address {
	t.Helper()
	key, err := identity.Generate()
	require.NoError(t, err)
	c.Credit(key.Address(), big.NewInt(1_000_000))
	return key.Address()
}

func defaultSpec(clock *testClock) TaskSpec {
	return TaskSpec{
		Title:        "summarize corpus",
		Description:  "produce a summary",
		RequiredCaps: []string{"writing"},
		Reward:       big.NewInt(10_000),
		MinBid:       big.NewInt(100),
		MaxBid:       big.NewInt(1_000),
		Deadline:     clock.Now().Add(10 * time.Hour),
	}
}

// openTask creates and publishes a task with the given spec.
func openTask(t *testing.T, c *Chain, creator common.Address, spec TaskSpec) common.Hash {
	t.Helper()
	id, err := c.CreateTask(creator, spec)
	require.NoError(t, err)
	require.NoError(t, c.PublishTask(creator, id))
	return id
}

// placeSignedBid signs and submits a bid with the agent's next nonce.
func placeSignedBid(t *testing.T, c *Chain, key *identity.Keypair, taskID common.Hash, utility int, amount int64) {
	t.Helper()
	nonce := c.PendingNonce(key.Address()) + 1
	amt := big.NewInt(amount)
	sig, err := key.SignBid(taskID, amt, utility, nonce)
	require.NoError(t, err)
	require.NoError(t, c.PlaceBid(taskID, key.Address(), utility, amt, sig, nonce))
}

// winAndComplete drives a published task through bid, finalize, start and
// complete for a single agent, leaving it ready for evaluation.
func winAndComplete(t *testing.T, c *Chain, clock *testClock, key *identity.Keypair, taskID common.Hash, workTime time.Duration) {
	t.Helper()
	placeSignedBid(t, c, key, taskID, 80, 500)
	clock.Advance(61 * time.Second)
	winner, err := c.FinalizeAuction(taskID)
	require.NoError(t, err)
	require.NotNil(t, winner)
	require.Equal(t, key.Address(), *winner)
	require.NoError(t, c.StartTask(key.Address(), taskID))
	clock.Advance(workTime)
	require.NoError(t, c.CompleteTask(key.Address(), taskID, "artifact-hash"))
}
