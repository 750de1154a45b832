// Command agora runs the agent marketplace node: the chain state machine,
// the HTTP API, the NATS event relay, background sweeps, and an optional
// in-process market simulation.
package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openagora/agora/api"
	"github.com/openagora/agora/cas"
	"github.com/openagora/agora/chain"
	"github.com/openagora/agora/config"
	"github.com/openagora/agora/events"
	"github.com/openagora/agora/identity"
	"github.com/openagora/agora/llm"
	"github.com/openagora/agora/orchestrator"
	"github.com/openagora/agora/worker"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "agora",
		Short: "Decentralized agent task marketplace",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config YAML")

	root.AddCommand(newServeCmd(&cfgPath))
	root.AddCommand(newSimCmd(&cfgPath))
	return root
}

// ─── serve ───────────────────────────────────────────────────────────────────

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the marketplace node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			log, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer log.Sync()

			c := chain.New(paramsFrom(cfg))

			relay, err := events.NewRelay(c, cfg.NATSURL, log.Named("relay"))
			if err != nil {
				return err
			}
			defer relay.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go func() {
				if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
					log.Error("relay stopped", zap.Error(err))
				}
			}()
			go runSweeps(ctx, c, cfg, log.Named("sweeps"))

			srv := &http.Server{
				Addr:         cfg.ListenAddr,
				Handler:      api.NewServer(c, log.Named("api")),
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 30 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			log.Info("marketplace node listening", zap.String("addr", cfg.ListenAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		},
	}
}

// runSweeps drives the periodic chain maintenance: auction finalization,
// deadline enforcement, and auto-evaluation.
func runSweeps(ctx context.Context, c *chain.Chain, cfg config.Config, log *zap.Logger) {
	ticker := time.NewTicker(cfg.PollingInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.SweepAuctions(); n > 0 {
				log.Info("auctions finalized", zap.Int("count", n))
			}
			if n := c.SweepDeadlines(); n > 0 {
				log.Warn("deadlines enforced", zap.Int("count", n))
			}
			if n := c.SweepAutoEvaluations(); n > 0 {
				log.Info("auto-evaluations applied", zap.Int("count", n))
			}
		}
	}
}

// ─── sim ─────────────────────────────────────────────────────────────────────

func newSimCmd(cfgPath *string) *cobra.Command {
	var (
		agents int
		tasks  int
	)
	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Run an in-process market simulation with scripted agents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			log, err := zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer log.Sync()
			return runSim(cmd.Context(), cfg, log, agents, tasks)
		},
	}
	cmd.Flags().IntVar(&agents, "agents", 3, "number of worker agents")
	cmd.Flags().IntVar(&tasks, "tasks", 5, "number of tasks to create")
	return cmd
}

// runSim exercises the full loop without external services: registered
// workers bid on published tasks, auctions finalize, winners execute through
// a scripted LLM, and the creator evaluates every completion.
func runSim(ctx context.Context, cfg config.Config, log *zap.Logger, nAgents, nTasks int) error {
	now := time.Now()
	clock := &simClock{t: now}
	c := chain.New(paramsFrom(cfg), chain.WithClock(clock.Now))
	store := cas.NewMemoryStore()
	provider := llm.NewScripted(
		"Here is a structured plan followed by the finished deliverable.",
		"Analysis complete; the result addresses every requirement.",
	)

	creatorKey, err := identity.Generate()
	if err != nil {
		return err
	}
	creator := creatorKey.Address()
	c.Credit(creator, big.NewInt(1_000_000))

	tags := [][]string{
		{"coding", "review"},
		{"research", "writing"},
		{"coding", "research"},
		{"writing", "review"},
	}
	workers := make([]*worker.Worker, 0, nAgents)
	for i := 0; i < nAgents; i++ {
		key, err := identity.Generate()
		if err != nil {
			return err
		}
		set := tags[i%len(tags)]
		weights := make([]int, len(set))
		for j := range weights {
			weights[j] = 60 + 10*(i%4)
		}
		name := fmt.Sprintf("sim-agent-%d", i)
		if err := c.RegisterAgent(key.Address(), name, "llm", set, weights, 50, 60); err != nil {
			return err
		}
		w, err := worker.New(c, key, provider, store, cfg, log.Named(name))
		if err != nil {
			return err
		}
		workers = append(workers, w)
	}

	orch := orchestrator.New(c, store, provider, cfg, log.Named("orchestrator"))

	for i := 0; i < nTasks; i++ {
		collaborative := i%3 == 2
		spec := chain.TaskSpec{
			Title:         fmt.Sprintf("sim-task-%d", i),
			Description:   "Produce the requested artifact.",
			RequiredCaps:  tags[i%len(tags)],
			Reward:        big.NewInt(10_000),
			MinBid:        big.NewInt(100),
			MaxBid:        big.NewInt(1_000),
			Deadline:      clock.Now().Add(24 * time.Hour),
			Collaborative: collaborative,
		}
		taskID, err := c.CreateTask(creator, spec)
		if err != nil {
			return err
		}
		if err := c.PublishTask(creator, taskID); err != nil {
			return err
		}

		if collaborative {
			if _, err := orch.Run(ctx, creator, taskID); err != nil {
				log.Warn("collaboration failed", zap.Error(err))
				continue
			}
		} else {
			for _, w := range workers {
				w.Tick(ctx)
			}
			clock.Advance(cfg.BiddingWindow() + time.Second)
			c.SweepAuctions()
			for _, w := range workers {
				w.Tick(ctx)
			}
		}

		if err := c.SubmitEvaluation(creator, taskID, 85, scoreAll(spec.RequiredCaps, 85)); err != nil {
			log.Warn("evaluation skipped", zap.String("task", taskID.Hex()), zap.Error(err))
		}
	}

	for _, w := range workers {
		agent, err := c.GetAgent(w.Address())
		if err != nil {
			continue
		}
		log.Info("final agent state",
			zap.String("agent", agent.Name),
			zap.Int("reputation", agent.Reputation),
			zap.Int("tasks_completed", agent.TasksCompleted),
			zap.String("balance", c.Balance(agent.Address).String()))
	}
	return nil
}

func scoreAll(tags []string, score int) map[string]int {
	out := make(map[string]int, len(tags))
	for _, tag := range tags {
		out[tag] = score
	}
	return out
}

// simClock is an advanceable wall clock shared with the chain.
type simClock struct {
	t time.Time
}

func (s *simClock) Now() time.Time          { return s.t }
func (s *simClock) Advance(d time.Duration) { s.t = s.t.Add(d) }

func paramsFrom(cfg config.Config) chain.Params {
	return chain.Params{
		Mu:              cfg.Mu,
		AlphaTenths:     int(cfg.Alpha*10 + 0.5),
		DeltaTenths:     int(cfg.Delta*10 + 0.5),
		BetaTenths:      int(cfg.Beta*10 + 0.5),
		EtaPct:          int(cfg.Eta*100 + 0.5),
		RingSize:        cfg.RingBufferSize,
		LMax:            cfg.LMax,
		BiddingWindow:   cfg.BiddingWindow(),
		MaxEmptyRounds:  cfg.MaxEmptyRounds,
		AutoEvalHorizon: cfg.AutoEvalHorizon(),
		AutoEvalQuality: cfg.AutoEvalQuality,
		BurnRemainder:   cfg.BurnRemainder,
	}
}
