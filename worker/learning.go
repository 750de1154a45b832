package worker

import (
	"math/rand"
	"sync"
	"time"

	"github.com/openagora/agora/types"
)

// ─── Local Learning State ────────────────────────────────────────────────────
// Off-chain knowledge a worker accumulates between evaluations: exploration
// rate, per-kind task preferences, and the LLM circuit breaker. None of this
// is consensus state; losing it only resets the worker to its priors.

const (
	prefNeutral   = 50 // Preference prior for an unseen task kind
	dislikeFloor  = 40 // Below this preference a kind is avoided unless exploring
	breakerTrip   = 3  // Consecutive LLM failures that open the breaker
	breakerPause  = 5 * time.Minute
	prefRetention = 80 // EMA retention for preference updates
)

// Learning holds a worker's private adaptive state.
type Learning struct {
	mu      sync.Mutex
	epsilon float64
	floor   float64
	decay   float64

	prefs map[string]int // Task kind → preference in [0,100]

	failStreak  int
	breakerOpen time.Time
}

// NewLearning seeds the learning state from the configured exploration
// schedule.
func NewLearning(epsilonInit, epsilonFloor, epsilonDecay float64) *Learning {
	return &Learning{
		epsilon: epsilonInit,
		floor:   epsilonFloor,
		decay:   epsilonDecay,
		prefs:   make(map[string]int),
	}
}

// Epsilon returns the current exploration rate.
func (l *Learning) Epsilon() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.epsilon
}

// Explore rolls the exploration dice. The rate only decays when a learning
// adjustment lands, not per roll.
func (l *Learning) Explore(rng *rand.Rand) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return rng.Float64() < l.epsilon
}

// Decay steps ε toward the floor. Called once per observed outcome.
func (l *Learning) Decay() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.epsilon *= l.decay
	if l.epsilon < l.floor {
		l.epsilon = l.floor
	}
}

// TypeBias maps the preference for a task kind onto a utility adjustment in
// [-10, +10]: bias = (pref − 50) / 5.
func (l *Learning) TypeBias(kind string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	pref, ok := l.prefs[kind]
	if !ok {
		pref = prefNeutral
	}
	return float64(pref-prefNeutral) / 5.0
}

// ObserveOutcome folds a task outcome score into the preference for its
// kind, using the same fixed-point EMA the chain uses for capabilities.
func (l *Learning) ObserveOutcome(kind string, score int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pref, ok := l.prefs[kind]
	if !ok {
		pref = prefNeutral
	}
	l.prefs[kind] = types.EMA100(prefRetention, pref, types.ClampScore(score))
}

// Preference returns the current preference for a task kind.
func (l *Learning) Preference(kind string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pref, ok := l.prefs[kind]; ok {
		return pref
	}
	return prefNeutral
}

// ─── LLM Circuit Breaker ─────────────────────────────────────────────────────

// RecordLLMFailure notes a failed completion; after breakerTrip consecutive
// failures the breaker opens for breakerPause.
func (l *Learning) RecordLLMFailure(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failStreak++
	if l.failStreak >= breakerTrip {
		l.breakerOpen = now.Add(breakerPause)
	}
}

// RecordLLMSuccess resets the failure streak and closes the breaker.
func (l *Learning) RecordLLMSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failStreak = 0
	l.breakerOpen = time.Time{}
}

// BreakerOpen reports whether LLM execution is currently suspended.
func (l *Learning) BreakerOpen(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return now.Before(l.breakerOpen)
}
