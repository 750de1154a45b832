package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ─── Learning Events ─────────────────────────────────────────────────────────

// LearningEventKind enumerates the closed set of learning-event variants.
type LearningEventKind string

const (
	EventTaskEvaluation   LearningEventKind = "task_evaluation"
	EventCapabilityUpdate LearningEventKind = "capability_update"
	EventBiddingUpdate    LearningEventKind = "bidding_update"
	EventCollaboration    LearningEventKind = "collaboration"
)

// TaskEvaluationPayload records the outcome of one evaluated task.
type TaskEvaluationPayload struct {
	TaskID        common.Hash `json:"task_id"`
	Quality       int         `json:"quality"`
	DelayRatio    int         `json:"delay_ratio"`
	TaskScore     int         `json:"task_score"`
	NewReputation int         `json:"new_reputation"`
}

// CapabilityUpdatePayload records a capability-weight EMA step.
type CapabilityUpdatePayload struct {
	Tags       []string `json:"tags"`
	OldWeights []int    `json:"old_weights"`
	NewWeights []int    `json:"new_weights"`
}

// BiddingUpdatePayload records a bidding-strategy adjustment.
type BiddingUpdatePayload struct {
	Confidence    int `json:"confidence"`
	RiskTolerance int `json:"risk_tolerance"`
}

// CollaborationPayload anchors an off-chain collaboration artifact.
type CollaborationPayload struct {
	CollaborationID string           `json:"collaboration_id"`
	TaskID          common.Hash      `json:"task_id"`
	Participants    []common.Address `json:"participants"`
	ArtifactHash    string           `json:"artifact_hash"`
}

// LearningEvent is an append-only audit record linking an agent to a change.
// Exactly one payload field is set, selected by Kind; events are never
// rewritten once recorded.
type LearningEvent struct {
	ID               string                   `json:"id"`
	Agent            common.Address           `json:"agent"`
	Kind             LearningEventKind        `json:"kind"`
	TaskEvaluation   *TaskEvaluationPayload   `json:"task_evaluation,omitempty"`
	CapabilityUpdate *CapabilityUpdatePayload `json:"capability_update,omitempty"`
	BiddingUpdate    *BiddingUpdatePayload    `json:"bidding_update,omitempty"`
	Collaboration    *CollaborationPayload    `json:"collaboration,omitempty"`
	ProducedAt       time.Time                `json:"produced_at"`
	TxAnchor         *common.Hash             `json:"tx_anchor,omitempty"`
}
