// Package worker runs an autonomous agent against the marketplace: it syncs
// its on-chain learning state, scans open tasks, prices and signs bids,
// executes assigned work through an LLM backend, and folds outcomes back
// into its private preferences.
package worker

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/openagora/agora/cas"
	"github.com/openagora/agora/chain"
	"github.com/openagora/agora/config"
	"github.com/openagora/agora/identity"
	"github.com/openagora/agora/llm"
	"github.com/openagora/agora/metrics"
	"github.com/openagora/agora/policy"
	"github.com/openagora/agora/types"
)

// Worker is one marketplace agent process.
type Worker struct {
	chain *chain.Chain
	key   *identity.Keypair
	llm   llm.Provider
	store cas.Store
	cfg   config.Config
	log   *zap.Logger
	rng   *rand.Rand
	learn *Learning

	caps    []string // Local copy of the registered capability tags
	bid     map[common.Hash]bool
	pending map[common.Hash]string // Completed tasks awaiting evaluation, by kind
	state   *chain.LearningState
}

// New creates a worker for an already-registered agent.
func New(c *chain.Chain, key *identity.Keypair, provider llm.Provider, store cas.Store, cfg config.Config, log *zap.Logger) (*Worker, error) {
	agent, err := c.GetAgent(key.Address())
	if err != nil {
		return nil, fmt.Errorf("load worker agent: %w", err)
	}
	return &Worker{
		chain:   c,
		key:     key,
		llm:     provider,
		store:   store,
		cfg:     cfg,
		log:     log.With(zap.String("agent", key.Address().Hex()), zap.String("name", agent.Name)),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		learn:   NewLearning(cfg.EpsilonInit, cfg.EpsilonFloor, cfg.EpsilonDecay),
		caps:    agent.CapabilityTags,
		bid:     make(map[common.Hash]bool),
		pending: make(map[common.Hash]string),
	}, nil
}

// Address returns the worker's agent address.
func (w *Worker) Address() common.Address { return w.key.Address() }

// Learning exposes the private learning state, mainly for tests and the
// statistics endpoint.
func (w *Worker) Learning() *Learning { return w.learn }

// Run drives the worker loop until ctx is cancelled: a bid scan every
// polling interval and a full state resync every sync interval.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Sync(); err != nil {
		return err
	}

	poll := time.NewTicker(w.cfg.PollingInterval())
	defer poll.Stop()
	sync := time.NewTicker(w.cfg.SyncInterval())
	defer sync.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sync.C:
			if err := w.Sync(); err != nil {
				w.log.Warn("state sync failed", zap.Error(err))
			}
		case <-poll.C:
			w.Tick(ctx)
		}
	}
}

// Sync refreshes the worker's view of its on-chain learning state.
func (w *Worker) Sync() error {
	state, err := w.chain.GetAgentLearningState(w.Address())
	if err != nil {
		return fmt.Errorf("sync learning state: %w", err)
	}
	w.state = state
	w.log.Debug("state synced",
		zap.Int("reputation", state.Reputation),
		zap.Int("workload", state.Workload),
		zap.Int("tasks_completed", state.TasksCompleted))
	return nil
}

// Tick runs one full worker iteration: refresh state, fold in any new
// evaluations, bid on open tasks, and push assigned work forward.
func (w *Worker) Tick(ctx context.Context) {
	if err := w.Sync(); err != nil {
		w.log.Warn("state sync failed", zap.Error(err))
		return
	}
	w.ObserveEvaluations()
	w.ScanAndBid()
	w.ExecuteAssigned(ctx)
	metrics.WorkerEpsilon.WithLabelValues(w.Address().Hex()).Set(w.learn.Epsilon())
}

// ObserveEvaluations pulls the verdicts for tasks this worker completed:
// once a task is evaluated, the resulting task score T is folded into the
// kind preference (pref' = round(0.8·pref + 0.2·T)) and ε decays one step.
func (w *Worker) ObserveEvaluations() {
	for id, kind := range w.pending {
		if _, err := w.chain.GetEvaluation(id); err != nil {
			continue
		}
		score, ok := w.historyScore(id)
		if !ok {
			delete(w.pending, id)
			continue
		}
		w.learn.ObserveOutcome(kind, score)
		w.learn.Decay()
		delete(w.pending, id)
		w.log.Info("evaluation observed",
			zap.String("task", id.Hex()),
			zap.Int("task_score", score),
			zap.Int("preference", w.learn.Preference(kind)))
	}
}

func (w *Worker) historyScore(taskID common.Hash) (int, bool) {
	for _, h := range w.state.History {
		if h.TaskID == taskID {
			return h.Score, true
		}
	}
	return 0, false
}

// ─── Bidding ─────────────────────────────────────────────────────────────────

// ScanAndBid evaluates every open task the worker has not yet bid on. The
// final utility scales the adjusted estimate by the agent's confidence,
// with an exploration jitter added at rate ε:
//
//	u_final = clamp(0,100, u_adj·conf/100 + jitter),  jitter ~ U[−10,+20]
//
// A bid goes out iff u_final clears the threshold and the kind is not
// disliked (pref ≥ 40), unless this scan explores.
func (w *Worker) ScanAndBid() {
	strategy, err := w.chain.GetAgentBiddingStrategy(w.Address())
	if err != nil {
		w.log.Warn("strategy fetch failed", zap.Error(err))
		return
	}

	for _, task := range w.chain.TasksByStatus(types.TaskOpen) {
		if w.bid[task.ID] || task.Creator == w.Address() {
			continue
		}
		if !w.chain.IsBiddingOpen(task.ID) {
			continue
		}
		if w.state.Workload >= w.cfg.LMax {
			w.log.Debug("at workload cap, skipping scan")
			return
		}

		_, uAdj, err := w.AdjustedUtility(task)
		if err != nil {
			w.log.Warn("utility estimate failed", zap.String("task", task.ID.Hex()), zap.Error(err))
			continue
		}

		explore := w.learn.Explore(w.rng)
		jitter := 0.0
		if explore {
			jitter = -10 + 30*w.rng.Float64()
		}
		uFinal := uAdj*float64(strategy.Confidence)/100.0 + jitter
		if uFinal < 0 {
			uFinal = 0
		}
		if uFinal > 100 {
			uFinal = 100
		}

		if uFinal < float64(w.cfg.UThreshold) {
			continue
		}
		kind := TaskKind(task)
		if w.learn.Preference(kind) < dislikeFloor && !explore {
			continue
		}

		utility := int(uFinal + 0.5)
		amount := w.PriceBid(task, utility)
		if err := w.submitBid(task, utility, amount); err != nil {
			metrics.BidsSubmitted.WithLabelValues("rejected").Inc()
			w.log.Warn("bid rejected",
				zap.String("task", task.ID.Hex()),
				zap.Error(err))
			continue
		}
		metrics.BidsSubmitted.WithLabelValues("accepted").Inc()
		w.bid[task.ID] = true
		w.log.Info("bid placed",
			zap.String("task", task.ID.Hex()),
			zap.Int("utility", utility),
			zap.Float64("adjusted", uAdj),
			zap.String("amount", amount.String()),
			zap.Bool("exploratory", explore))
	}
}

// AdjustedUtility combines the chain's utility view with the worker's
// private signals:
//
//	u_adj = 0.70·u_chain + 0.20·cap_match + type_bias − workload_penalty
//
// where type_bias comes from the learned kind preference and the penalty
// grows linearly with current workload.
func (w *Worker) AdjustedUtility(task *types.Task) (int, float64, error) {
	u, err := w.chain.CalculateUtility(w.Address(), task.RequiredCaps, task.Reward, w.state.Workload)
	if err != nil {
		return 0, 0, err
	}
	agent := &types.Agent{CapabilityTags: w.caps, CapabilityWts: make([]int, len(w.caps))}
	match := policy.CapabilityMatchPct(agent, task.RequiredCaps)

	bias := w.learn.TypeBias(TaskKind(task))
	penalty := float64(w.state.Workload) * w.cfg.WorkloadSensitivity * 10.0

	uAdj := 0.70*float64(u) + 0.20*float64(match) + bias - penalty
	return u, uAdj, nil
}

// PriceBid derives the bid amount from the utility estimate and the agent's
// risk tolerance, with a ±5% jitter so identical agents do not collide:
//
//	amount = min + (max−min)·(1−u/100)·(1−risk/100)
//
// Confident, risk-tolerant agents bid near the floor; uncertain ones demand
// a premium. The result is clamped to [min_bid, max_bid].
func (w *Worker) PriceBid(task *types.Task, utility int) *big.Int {
	risk := 50
	if strategy, err := w.chain.GetAgentBiddingStrategy(w.Address()); err == nil {
		risk = strategy.RiskTolerance
	}

	span := new(big.Float).SetInt(new(big.Int).Sub(task.MaxBid, task.MinBid))
	frac := (1.0 - float64(utility)/100.0) * (1.0 - float64(risk)/100.0)
	jitter := 1.0 + (w.rng.Float64()*0.10 - 0.05)

	offset, _ := new(big.Float).Mul(span, big.NewFloat(frac*jitter)).Int(nil)
	amount := new(big.Int).Add(task.MinBid, offset)
	if amount.Cmp(task.MinBid) < 0 {
		amount.Set(task.MinBid)
	}
	if amount.Cmp(task.MaxBid) > 0 {
		amount.Set(task.MaxBid)
	}
	return amount
}

func (w *Worker) submitBid(task *types.Task, utility int, amount *big.Int) error {
	nonce := w.chain.PendingNonce(w.Address()) + 1
	sig, err := w.key.SignBid(task.ID, amount, utility, nonce)
	if err != nil {
		return err
	}
	return w.chain.PlaceBid(task.ID, w.Address(), utility, amount, sig, nonce)
}

// ─── Execution ───────────────────────────────────────────────────────────────

const (
	llmRetries      = 2               // Additional attempts after the first failure
	llmRetryBackoff = 2 * time.Second // Linear backoff step between attempts
)

// ExecuteAssigned starts and runs every task currently assigned to this
// worker. Collaborative tasks are left to the orchestrator.
func (w *Worker) ExecuteAssigned(ctx context.Context) {
	now := time.Now()
	if w.learn.BreakerOpen(now) {
		w.log.Warn("llm breaker open, skipping execution")
		return
	}

	for _, task := range w.chain.AllTasks() {
		if task.AssignedAgent == nil || *task.AssignedAgent != w.Address() {
			continue
		}
		if task.Collaborative {
			continue
		}
		switch task.Status {
		case types.TaskAssigned:
			if err := w.chain.StartTask(w.Address(), task.ID); err != nil {
				w.log.Warn("start failed", zap.String("task", task.ID.Hex()), zap.Error(err))
				continue
			}
			w.execute(ctx, task)
		case types.TaskInProgress:
			w.execute(ctx, task)
		}
	}
}

// execute runs the task through the LLM, pins the result, and completes the
// task with the artifact hash. LLM failures are transient: attempts retry
// with backoff, and on exhaustion the task is left in progress for a later
// tick (or the deadline sweeper). Off-chain failures never fail the task.
func (w *Worker) execute(ctx context.Context, task *types.Task) {
	result, err := w.completeWithRetry(ctx, []llm.Message{
		{Role: "system", Content: w.systemPrompt()},
		{Role: "user", Content: taskPrompt(task)},
	})
	if err != nil {
		w.learn.RecordLLMFailure(time.Now())
		metrics.TasksExecuted.WithLabelValues("failed").Inc()
		w.log.Error("execution deferred", zap.String("task", task.ID.Hex()), zap.Error(err))
		return
	}
	w.learn.RecordLLMSuccess()

	hash, err := w.store.Pin(ctx, []byte(result))
	if err != nil {
		w.log.Error("pin result failed", zap.String("task", task.ID.Hex()), zap.Error(err))
		return
	}
	if err := w.chain.CompleteTask(w.Address(), task.ID, hash); err != nil {
		w.log.Error("complete failed", zap.String("task", task.ID.Hex()), zap.Error(err))
		return
	}
	metrics.TasksExecuted.WithLabelValues("completed").Inc()
	w.pending[task.ID] = TaskKind(task)
	w.log.Info("task completed",
		zap.String("task", task.ID.Hex()),
		zap.String("result", hash))
}

func (w *Worker) completeWithRetry(ctx context.Context, messages []llm.Message) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= llmRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(llmRetryBackoff * time.Duration(attempt)):
			}
		}
		llmCtx, cancel := context.WithTimeout(ctx, w.cfg.LLMTimeout())
		started := time.Now()
		result, err := w.llm.Complete(llmCtx, messages)
		metrics.LLMLatency.Observe(time.Since(started).Seconds())
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("llm attempts exhausted: %w", lastErr)
}

func (w *Worker) systemPrompt() string {
	return fmt.Sprintf(
		"You are an autonomous agent in a task marketplace. Your capabilities: %v. "+
			"Produce a complete, self-contained answer to the task you are given.",
		w.caps)
}

func taskPrompt(task *types.Task) string {
	return fmt.Sprintf("Task: %s\n\n%s\n\nRequired capabilities: %v",
		task.Title, task.Description, task.RequiredCaps)
}

// TaskKind buckets a task for preference learning by its leading required
// capability.
func TaskKind(task *types.Task) string {
	if len(task.RequiredCaps) > 0 {
		return task.RequiredCaps[0]
	}
	return "general"
}
