// Package types defines the core data structures of the Agora agent
// marketplace: agent registrations, task lifecycle state, bids, evaluations,
// learning events, and collaboration records. The chain layer owns Agent,
// Task, Bid and Evaluation authoritatively; collaboration record bodies live
// in the content-addressed store with only their hash anchored on-chain.
package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ─── Agent Identity & Capabilities ───────────────────────────────────────────

// AgentKind distinguishes plain LLM workers from orchestrators and evaluators.
type AgentKind string

const (
	KindLLM          AgentKind = "llm"
	KindOrchestrator AgentKind = "orchestrator"
	KindEvaluator    AgentKind = "evaluator"
)

// BiddingStrategy holds the tunable parameters an agent uses when pricing
// bids. Both values live in [0,100]; LastUpdated is monotonic.
type BiddingStrategy struct {
	Confidence    int       `json:"confidence"`
	RiskTolerance int       `json:"risk_tolerance"`
	LastUpdated   time.Time `json:"last_updated"`
}

// TaskScore is one entry of an agent's bounded recent-history ring.
type TaskScore struct {
	TaskID common.Hash `json:"task_id"`
	Score  int         `json:"score"` // Task score T in [0,100]
}

// Agent is the on-chain registration record. CapabilityTags and
// CapabilityWeights are parallel lists of equal length; every weight and the
// reputation are integers in [0,100].
type Agent struct {
	Address        common.Address  `json:"address"`
	Name           string          `json:"name"`
	Kind           AgentKind       `json:"kind"`
	CapabilityTags []string        `json:"capability_tags"`
	CapabilityWts  []int           `json:"capability_weights"`
	Reputation     int             `json:"reputation"`
	Active         bool            `json:"active"`
	RegisteredAt   time.Time       `json:"registered_at"`
	Workload       int             `json:"workload"` // Rolling active-task counter
	Strategy       BiddingStrategy `json:"strategy"`
	History        []TaskScore     `json:"history"` // Ring of the latest K task scores
	TasksCompleted int             `json:"tasks_completed"`
}

// CapabilityWeight returns the agent's weight for a tag, and whether the tag
// is present in its capability set.
func (a *Agent) CapabilityWeight(tag string) (int, bool) {
	for i, t := range a.CapabilityTags {
		if t == tag {
			return a.CapabilityWts[i], true
		}
	}
	return 0, false
}

// AverageHistoryScore is the mean task score over the history ring, or -1
// when the ring is empty.
func (a *Agent) AverageHistoryScore() int {
	if len(a.History) == 0 {
		return -1
	}
	sum := 0
	for _, h := range a.History {
		sum += h.Score
	}
	return sum / len(a.History)
}

// ─── Task Lifecycle ──────────────────────────────────────────────────────────

// TaskStatus tracks lifecycle states. Permitted transitions:
//
//	Created → Open                  (publish)
//	Open → Assigned                 (auction winner selected)
//	Assigned → InProgress           (winner starts)
//	InProgress → Completed          (result submitted)
//	InProgress → Failed             (deadline miss / explicit fail)
//	Open | Assigned → Cancelled     (creator or system)
type TaskStatus string

const (
	TaskCreated    TaskStatus = "created"
	TaskOpen       TaskStatus = "open"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether a status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Task is the on-chain task record. Reward is held in escrow from creation
// until a terminal state. AssignedAgent is non-nil exactly while status is
// one of Assigned, InProgress, Completed, Failed.
type Task struct {
	ID              common.Hash      `json:"id"`
	Title           string           `json:"title"`
	Description     string           `json:"description"`
	RequiredCaps    []string         `json:"required_capabilities"`
	MinReputation   int              `json:"min_reputation"`
	Reward          *big.Int         `json:"reward"`
	MinBid          *big.Int         `json:"min_bid"`
	MaxBid          *big.Int         `json:"max_bid"`
	Deadline        time.Time        `json:"deadline"`
	BiddingDeadline time.Time        `json:"bidding_deadline"`
	Complexity      int              `json:"complexity"`
	Creator         common.Address   `json:"creator"`
	AssignedAgent   *common.Address  `json:"assigned_agent,omitempty"`
	AssignedAgents  []common.Address `json:"assigned_agents,omitempty"` // Collaboration team
	Status          TaskStatus       `json:"status"`
	Collaborative   bool             `json:"collaborative"`
	CreatedAt       time.Time        `json:"created_at"`
	AssignedAt      time.Time        `json:"assigned_at,omitempty"`
	CompletedAt     time.Time        `json:"completed_at,omitempty"`
	Result          string           `json:"result,omitempty"` // Content hash of the artifact
	EmptyRounds     int              `json:"empty_rounds"`     // Finalizations that found no winner
}

// ─── Bidding ─────────────────────────────────────────────────────────────────

// Bid is a signed offer on an open task. Utility is the bidder's self-reported
// estimate in [0,100]; Amount must lie in [task.MinBid, task.MaxBid]. At most
// one bid per (task, bidder) is accepted, and only inside the bidding window.
type Bid struct {
	TaskID      common.Hash    `json:"task_id"`
	Bidder      common.Address `json:"bidder"`
	Utility     int            `json:"utility"`
	Amount      *big.Int       `json:"amount"`
	Signature   []byte         `json:"signature"`
	Nonce       uint64         `json:"nonce"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// ─── Evaluation ──────────────────────────────────────────────────────────────

// EvaluatorKind marks who produced an evaluation.
type EvaluatorKind string

const (
	EvaluatorUser   EvaluatorKind = "user"
	EvaluatorSystem EvaluatorKind = "system"
)

// Evaluation is the post-completion quality verdict for a task. Exactly one
// user evaluation is accepted per task; a system auto-evaluation only fires
// when no user evaluation exists.
type Evaluation struct {
	TaskID     common.Hash    `json:"task_id"`
	Quality    int            `json:"quality"`    // q in [0,100]
	TagScores  map[string]int `json:"tag_scores"` // Per-capability scores in [0,100]
	Evaluator  common.Address `json:"evaluator"`
	Kind       EvaluatorKind  `json:"kind"`
	DelayRatio int            `json:"delay_ratio"` // d in [0,100]
	CreatedAt  time.Time      `json:"created_at"`
}

// ─── Collaboration Record (off-chain body) ───────────────────────────────────

// Turn is a single utterance of a collaboration transcript. Field order
// matches the canonical sorted-key JSON layout.
type Turn struct {
	Content string `json:"content"`
	Role    string `json:"role"`
}

// CollaborationRecord is the content-addressed artifact of a multi-agent
// task. The struct field order yields lexicographically sorted JSON keys,
// which the store hashes verbatim.
type CollaborationRecord struct {
	Agents          []string `json:"agents"`
	CollaborationID string   `json:"collaboration_id"`
	Conversation    []Turn   `json:"conversation"`
	TaskID          string   `json:"task_id"`
	TaskTitle       string   `json:"task_title"`
	Timestamp       int64    `json:"timestamp"`
}

// ─── Score Arithmetic ────────────────────────────────────────────────────────

// ClampScore confines v to the canonical [0,100] score range.
func ClampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// EMA100 applies the integer moving-average law x' = round((λ·x + (100−λ)·n)/100)
// used for capability weights (λ=70) and type preferences (λ=80).
func EMA100(lambda, x, n int) int {
	return ClampScore((lambda*x + (100-lambda)*n + 50) / 100)
}
