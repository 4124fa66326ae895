package rule

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// RuleType identifies what a rule watches for in the delivery stream.
type RuleType string

const (
	RuleTypeNonceGap          RuleType = "nonce_gap"
	RuleTypeRejectionBurst    RuleType = "rejection_burst"
	RuleTypeStreamSilence     RuleType = "stream_silence"
	RuleTypeCapacityThreshold RuleType = "capacity_threshold"
)

// RuleStatus represents the lifecycle status of a rule
type RuleStatus string

const (
	RuleStatusActive   RuleStatus = "ACTIVE"
	RuleStatusInactive RuleStatus = "INACTIVE"
	RuleStatusArchived RuleStatus = "ARCHIVED"
)

// Severity ranks how urgent a match is
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rule represents a versioned monitoring rule
type Rule struct {
	ID             int64           `json:"id"`
	RuleID         uuid.UUID       `json:"ruleId"`
	Version        int             `json:"version"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	RuleType       RuleType        `json:"ruleType"`
	Config         json.RawMessage `json:"config"`
	Severity       Severity        `json:"severity"`
	EffectiveFrom  time.Time       `json:"effectiveFrom"`
	EffectiveUntil *time.Time      `json:"effectiveUntil,omitempty"`
	Status         RuleStatus      `json:"status"`
	CreatedAt      time.Time       `json:"createdAt"`
	CreatedBy      *string         `json:"createdBy,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	UpdatedBy      *string         `json:"updatedBy,omitempty"`
}

// Rule configuration structures

// NonceGapConfig flags committed nonces that jump more than MaxGap past
// the previous committed nonce for the origin.
type NonceGapConfig struct {
	OriginID uint32 `json:"originId"`
	MaxGap   uint64 `json:"maxGap"`
}

// RejectionBurstConfig flags Count or more rejections inside the window.
type RejectionBurstConfig struct {
	OriginID      uint32 `json:"originId"`
	Count         int    `json:"count"`
	WindowSeconds int    `json:"windowSeconds"`
}

// StreamSilenceConfig flags an origin with no committed message for
// TimeoutSeconds.
type StreamSilenceConfig struct {
	OriginID       uint32 `json:"originId"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// CapacityThresholdConfig flags collection utilization at or above
// Percent.
type CapacityThresholdConfig struct {
	OriginID uint32  `json:"originId"`
	Percent  float64 `json:"percent"`
}

// NewRule creates a new Rule with default values
func NewRule(name string, ruleType RuleType, config json.RawMessage, severity Severity) *Rule {
	now := time.Now().UTC()
	return &Rule{
		RuleID:        uuid.New(),
		Version:       1,
		Name:          name,
		RuleType:      ruleType,
		Config:        config,
		Severity:      severity,
		EffectiveFrom: now,
		Status:        RuleStatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// CreateNewVersion creates a new version of the rule
func (r *Rule) CreateNewVersion() *Rule {
	now := time.Now().UTC()
	return &Rule{
		RuleID:        r.RuleID,
		Version:       r.Version + 1,
		Name:          r.Name,
		Description:   r.Description,
		RuleType:      r.RuleType,
		Config:        r.Config,
		Severity:      r.Severity,
		EffectiveFrom: now,
		Status:        RuleStatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IsEffective checks if the rule is effective at the given time
func (r *Rule) IsEffective(t time.Time) bool {
	if r.Status != RuleStatusActive {
		return false
	}
	if t.Before(r.EffectiveFrom) {
		return false
	}
	if r.EffectiveUntil != nil && t.After(*r.EffectiveUntil) {
		return false
	}
	return true
}

// Activate activates the rule
func (r *Rule) Activate() {
	r.Status = RuleStatusActive
	r.UpdatedAt = time.Now().UTC()
}

// Deactivate deactivates the rule
func (r *Rule) Deactivate() {
	r.Status = RuleStatusInactive
	r.UpdatedAt = time.Now().UTC()
}

// Archive archives the rule
func (r *Rule) Archive() {
	r.Status = RuleStatusArchived
	r.UpdatedAt = time.Now().UTC()
}

// Validate validates the rule definition, including the typed config
// for the declared rule type.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return errors.New("name is required")
	}
	if len(r.Config) == 0 {
		return errors.New("config is required")
	}

	switch r.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	default:
		return errors.New("invalid severity")
	}

	switch r.RuleType {
	case RuleTypeNonceGap:
		var cfg NonceGapConfig
		if err := json.Unmarshal(r.Config, &cfg); err != nil {
			return errors.New("config must be valid JSON")
		}
		if cfg.MaxGap == 0 {
			return errors.New("maxGap must be positive")
		}
	case RuleTypeRejectionBurst:
		var cfg RejectionBurstConfig
		if err := json.Unmarshal(r.Config, &cfg); err != nil {
			return errors.New("config must be valid JSON")
		}
		if cfg.Count <= 0 {
			return errors.New("count must be positive")
		}
		if cfg.WindowSeconds <= 0 {
			return errors.New("windowSeconds must be positive")
		}
	case RuleTypeStreamSilence:
		var cfg StreamSilenceConfig
		if err := json.Unmarshal(r.Config, &cfg); err != nil {
			return errors.New("config must be valid JSON")
		}
		if cfg.TimeoutSeconds <= 0 {
			return errors.New("timeoutSeconds must be positive")
		}
	case RuleTypeCapacityThreshold:
		var cfg CapacityThresholdConfig
		if err := json.Unmarshal(r.Config, &cfg); err != nil {
			return errors.New("config must be valid JSON")
		}
		if cfg.Percent <= 0 || cfg.Percent > 100 {
			return errors.New("percent must be in (0, 100]")
		}
	default:
		return errors.New("invalid ruleType")
	}

	return nil
}

// Filter represents filters for querying rules
type Filter struct {
	RuleType *RuleType
	Status   *RuleStatus
	OriginID *uint32
}
