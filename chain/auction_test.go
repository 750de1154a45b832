package chain

import (
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openagora/agora/metrics"
	"github.com/openagora/agora/types"
)

func TestPlaceBidGuards(t *testing.T) {
	c, clock := newTestChain(t)
	key := newAgent(t, c, "alice", []string{"writing"}, []int{80}, 50)
	creator := newFundedCreator(t, c)
	taskID := openTask(t, c, creator, defaultSpec(clock))

	amt := big.NewInt(500)
	sign := func(utility int, amount *big.Int, nonce uint64) []byte {
		sig, err := key.SignBid(taskID, amount, utility, nonce)
		require.NoError(t, err)
		return sig
	}

	// Utility outside [0,100].
	err := c.PlaceBid(taskID, key.Address(), 101, amt, sign(101, amt, 1), 1)
	assert.ErrorIs(t, err, types.ErrOutOfRange)

	// Amount outside [min_bid, max_bid].
	low := big.NewInt(50)
	err = c.PlaceBid(taskID, key.Address(), 80, low, sign(80, low, 1), 1)
	assert.ErrorIs(t, err, types.ErrBadAmount)

	// Signature over different parameters.
	err = c.PlaceBid(taskID, key.Address(), 80, amt, sign(70, amt, 1), 1)
	assert.ErrorIs(t, err, types.ErrBadSignature)

	// Accepted bid.
	require.NoError(t, c.PlaceBid(taskID, key.Address(), 80, amt, sign(80, amt, 1), 1))
	assert.True(t, c.HasAgentBid(taskID, key.Address()))

	// Duplicate bid from the same agent.
	err = c.PlaceBid(taskID, key.Address(), 80, amt, sign(80, amt, 2), 2)
	assert.ErrorIs(t, err, types.ErrDuplicateBid)

	// Window closed.
	clock.Advance(61 * time.Second)
	bob := newAgent(t, c, "bob", []string{"writing"}, []int{80}, 50)
	sig, err := bob.SignBid(taskID, amt, 80, 1)
	require.NoError(t, err)
	err = c.PlaceBid(taskID, bob.Address(), 80, amt, sig, 1)
	assert.ErrorIs(t, err, types.ErrBiddingClosed)
}

func TestBidNonceMonotonic(t *testing.T) {
	c, clock := newTestChain(t)
	key := newAgent(t, c, "alice", []string{"writing"}, []int{80}, 50)
	creator := newFundedCreator(t, c)

	first := openTask(t, c, creator, defaultSpec(clock))
	placeSignedBid(t, c, key, first, 80, 500)
	require.Equal(t, uint64(1), c.PendingNonce(key.Address()))

	// Replaying a consumed nonce on another task rejects.
	second := openTask(t, c, creator, defaultSpec(clock))
	amt := big.NewInt(500)
	sig, err := key.SignBid(second, amt, 80, 1)
	require.NoError(t, err)
	assert.ErrorIs(t, c.PlaceBid(second, key.Address(), 80, amt, sig, 1), types.ErrBadNonce)

	// Gaps are fine as long as the nonce increases.
	sig, err = key.SignBid(second, amt, 80, 7)
	require.NoError(t, err)
	require.NoError(t, c.PlaceBid(second, key.Address(), 80, amt, sig, 7))
	assert.Equal(t, uint64(7), c.PendingNonce(key.Address()))
}

func TestFinalizeSelectsWeightedBest(t *testing.T) {
	c, clock := newTestChain(t)
	creator := newFundedCreator(t, c)
	taskID := openTask(t, c, creator, defaultSpec(clock))

	// alice: 80·60·500 = 2.40M, bob: 70·90·500 = 3.15M.
	alice := newAgent(t, c, "alice", []string{"writing"}, []int{80}, 60)
	bob := newAgent(t, c, "bob", []string{"writing"}, []int{80}, 90)
	placeSignedBid(t, c, alice, taskID, 80, 500)
	placeSignedBid(t, c, bob, taskID, 70, 500)

	won := testutil.ToFloat64(metrics.AuctionsFinalized.WithLabelValues("winner"))

	clock.Advance(61 * time.Second)
	winner, err := c.FinalizeAuction(taskID)
	require.NoError(t, err)
	require.NotNil(t, winner)
	assert.Equal(t, bob.Address(), *winner)
	assert.Equal(t, won+1, testutil.ToFloat64(metrics.AuctionsFinalized.WithLabelValues("winner")))

	task, _ := c.GetTask(taskID)
	assert.Equal(t, types.TaskAssigned, task.Status)
	assert.Equal(t, bob.Address(), *task.AssignedAgent)
}

// Equal scores resolve to the earliest-submitted bid.
func TestFinalizeTieBreaksEarliest(t *testing.T) {
	c, clock := newTestChain(t)
	creator := newFundedCreator(t, c)
	taskID := openTask(t, c, creator, defaultSpec(clock))

	alice := newAgent(t, c, "alice", []string{"writing"}, []int{80}, 70)
	bob := newAgent(t, c, "bob", []string{"writing"}, []int{80}, 70)
	placeSignedBid(t, c, alice, taskID, 80, 500)
	clock.Advance(time.Second)
	placeSignedBid(t, c, bob, taskID, 80, 500)

	clock.Advance(61 * time.Second)
	winner, err := c.FinalizeAuction(taskID)
	require.NoError(t, err)
	require.NotNil(t, winner)
	assert.Equal(t, alice.Address(), *winner)
}

func TestFinalizeFiltersIneligible(t *testing.T) {
	c, clock := newTestChain(t)
	creator := newFundedCreator(t, c)
	spec := defaultSpec(clock)
	spec.MinReputation = 60
	taskID := openTask(t, c, creator, spec)

	// Higher score but below the reputation floor.
	lowRep := newAgent(t, c, "lowrep", []string{"writing"}, []int{80}, 40)
	eligible := newAgent(t, c, "eligible", []string{"writing"}, []int{80}, 60)
	placeSignedBid(t, c, lowRep, taskID, 100, 1_000)
	placeSignedBid(t, c, eligible, taskID, 50, 200)

	// Deactivated after bidding.
	gone := newAgent(t, c, "gone", []string{"writing"}, []int{80}, 100)
	placeSignedBid(t, c, gone, taskID, 100, 1_000)
	require.NoError(t, c.DeactivateAgent(gone.Address(), gone.Address()))

	clock.Advance(61 * time.Second)
	winner, err := c.FinalizeAuction(taskID)
	require.NoError(t, err)
	require.NotNil(t, winner)
	assert.Equal(t, eligible.Address(), *winner)
}

// No eligible bids: the task re-opens with a fresh window, and cancels after
// MaxEmptyRounds empty finalizations with the escrow refunded.
func TestFinalizeEmptyRounds(t *testing.T) {
	c, clock := newTestChain(t)
	creator := newFundedCreator(t, c)
	taskID := openTask(t, c, creator, defaultSpec(clock))

	empty := testutil.ToFloat64(metrics.AuctionsFinalized.WithLabelValues("empty"))
	cancelled := testutil.ToFloat64(metrics.AuctionsFinalized.WithLabelValues("cancelled"))

	for round := 1; round < c.Params().MaxEmptyRounds; round++ {
		clock.Advance(61 * time.Second)
		winner, err := c.FinalizeAuction(taskID)
		require.NoError(t, err)
		assert.Nil(t, winner)

		task, _ := c.GetTask(taskID)
		assert.Equal(t, types.TaskOpen, task.Status)
		assert.Equal(t, round, task.EmptyRounds)
		assert.True(t, c.IsBiddingOpen(taskID), "window must re-open")
	}

	clock.Advance(61 * time.Second)
	winner, err := c.FinalizeAuction(taskID)
	require.NoError(t, err)
	assert.Nil(t, winner)

	task, _ := c.GetTask(taskID)
	assert.Equal(t, types.TaskCancelled, task.Status)
	assert.Zero(t, c.Escrowed(taskID).Sign())
	assert.Equal(t, big.NewInt(1_000_000), c.Balance(creator))
	assert.Equal(t, empty+float64(c.Params().MaxEmptyRounds-1), testutil.ToFloat64(metrics.AuctionsFinalized.WithLabelValues("empty")))
	assert.Equal(t, cancelled+1, testutil.ToFloat64(metrics.AuctionsFinalized.WithLabelValues("cancelled")))
}

func TestFinalizeRequiresClosedWindow(t *testing.T) {
	c, clock := newTestChain(t)
	creator := newFundedCreator(t, c)
	taskID := openTask(t, c, creator, defaultSpec(clock))

	_, err := c.FinalizeAuction(taskID)
	assert.ErrorIs(t, err, types.ErrIllegalState)

	clock.Advance(61 * time.Second)
	_, err = c.FinalizeAuction(taskID)
	assert.NoError(t, err)
}

// An agent at its workload cap can neither bid nor win.
func TestWorkloadGate(t *testing.T) {
	c, clock := newTestChain(t)
	creator := newFundedCreator(t, c)
	key := newAgent(t, c, "busy", []string{"writing"}, []int{80}, 50)

	// Fill the agent's workload to the cap with direct assignments.
	for i := 0; i < c.Params().LMax; i++ {
		id := openTask(t, c, creator, defaultSpec(clock))
		require.NoError(t, c.AssignTask(creator, id, key.Address(), nil))
	}

	taskID := openTask(t, c, creator, defaultSpec(clock))
	amt := big.NewInt(500)
	sig, err := key.SignBid(taskID, amt, 80, 1)
	require.NoError(t, err)
	assert.ErrorIs(t, c.PlaceBid(taskID, key.Address(), 80, amt, sig, 1), types.ErrWorkloadExceeded)
}

func TestAssignRespectsReputationFloor(t *testing.T) {
	c, clock := newTestChain(t)
	creator := newFundedCreator(t, c)
	key := newAgent(t, c, "junior", []string{"writing"}, []int{80}, 30)

	spec := defaultSpec(clock)
	spec.MinReputation = 60
	taskID := openTask(t, c, creator, spec)
	assert.ErrorIs(t, c.AssignTask(creator, taskID, key.Address(), nil), types.ErrLowReputation)
}

func TestCalculateUtility(t *testing.T) {
	c, _ := newTestChain(t)
	key := newAgent(t, c, "alice", []string{"coding", "review"}, []int{80, 80}, 50)
	reward := big.NewInt(10_000)

	// Full cover, w=80, R=50, idle: 100·(0.60·0.8 + 0.25·0.5 + 0.15·1) = 75.5.
	u, err := c.CalculateUtility(key.Address(), []string{"coding", "review"}, reward, 0)
	require.NoError(t, err)
	assert.Equal(t, 76, u)

	// Partial cover halves-plus the capability term.
	partial, err := c.CalculateUtility(key.Address(), []string{"coding", "design"}, reward, 0)
	require.NoError(t, err)
	assert.Less(t, partial, u)

	// No matching capability scores zero.
	zero, err := c.CalculateUtility(key.Address(), []string{"design"}, reward, 0)
	require.NoError(t, err)
	assert.Zero(t, zero)

	// Workload at the cap removes the headroom term.
	loaded, err := c.CalculateUtility(key.Address(), []string{"coding", "review"}, reward, c.Params().LMax)
	require.NoError(t, err)
	assert.Equal(t, u-15, loaded)

	// The reward is quoted but does not move the estimate.
	richer, err := c.CalculateUtility(key.Address(), []string{"coding", "review"}, big.NewInt(1_000_000), 0)
	require.NoError(t, err)
	assert.Equal(t, u, richer)

	_, err = c.CalculateUtility(key.Address(), nil, reward, 0)
	require.NoError(t, err)
}
