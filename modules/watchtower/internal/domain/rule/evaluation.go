package rule

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Evaluation represents a rule evaluation record with evidence
type Evaluation struct {
	ID           int64           `json:"id"`
	EvaluationID uuid.UUID       `json:"evaluationId"`
	RuleID       uuid.UUID       `json:"ruleId"`
	RuleVersion  int             `json:"ruleVersion"`
	RuleType     RuleType        `json:"ruleType"`
	OriginID     uint32          `json:"originId"`
	Matched      bool            `json:"matched"`
	EvaluatedAt  time.Time       `json:"evaluatedAt"`
	Evidence     json.RawMessage `json:"evidence"`
	EventIDs     []uuid.UUID     `json:"eventIds,omitempty"`
}

// NewEvaluation creates a new Evaluation from a rule
func NewEvaluation(r *Rule, originID uint32, matched bool, evidence json.RawMessage, eventIDs []uuid.UUID) *Evaluation {
	return &Evaluation{
		EvaluationID: uuid.New(),
		RuleID:       r.RuleID,
		RuleVersion:  r.Version,
		RuleType:     r.RuleType,
		OriginID:     originID,
		Matched:      matched,
		EvaluatedAt:  time.Now().UTC(),
		Evidence:     evidence,
		EventIDs:     eventIDs,
	}
}

// Evidence structures for the rule types

// NonceGapEvidence records the gap between consecutive committed nonces
type NonceGapEvidence struct {
	EventID       uuid.UUID `json:"eventId"`
	PreviousNonce uint64    `json:"previousNonce"`
	CurrentNonce  uint64    `json:"currentNonce"`
	Gap           uint64    `json:"gap"`
	MaxGap        uint64    `json:"maxGap"`
	Matched       bool      `json:"matched"`
}

// RejectionBurstEvidence records rejection counts inside the window
type RejectionBurstEvidence struct {
	Count       int         `json:"count"`
	Threshold   int         `json:"threshold"`
	WindowStart time.Time   `json:"windowStart"`
	WindowEnd   time.Time   `json:"windowEnd"`
	Reasons     []string    `json:"reasons,omitempty"`
	EventIDs    []uuid.UUID `json:"eventIds"`
	Matched     bool        `json:"matched"`
}

// StreamSilenceEvidence records how long an origin has been quiet
type StreamSilenceEvidence struct {
	LastCommittedAt *time.Time `json:"lastCommittedAt,omitempty"`
	TimeoutSeconds  int        `json:"timeoutSeconds"`
	ActualGapSecs   float64    `json:"actualGapSeconds"`
	Matched         bool       `json:"matched"`
}

// CapacityThresholdEvidence records the observed utilization
type CapacityThresholdEvidence struct {
	EventID     uuid.UUID `json:"eventId"`
	Utilization float64   `json:"utilization"`
	Threshold   float64   `json:"threshold"`
	Matched     bool      `json:"matched"`
}

// EvaluationFilter represents filters for querying evaluations
type EvaluationFilter struct {
	RuleID   *uuid.UUID
	OriginID *uint32
	Matched  *bool
	Since    *time.Time
	Until    *time.Time
}
