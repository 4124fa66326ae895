// Package alert holds the alert aggregate raised when a rule evaluation
// matches, with an Open -> Acknowledged -> Resolved lifecycle.
package alert

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/canopyhub/watchtower/internal/domain/rule"
)

// Status represents the lifecycle status of an alert
type Status string

const (
	StatusOpen         Status = "OPEN"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusResolved     Status = "RESOLVED"
)

// RecommendedAction is the operator action suggested for an alert
type RecommendedAction string

const (
	ActionPauseController     RecommendedAction = "PAUSE_CONTROLLER"
	ActionCheckTransport      RecommendedAction = "CHECK_TRANSPORT"
	ActionProvisionCollection RecommendedAction = "PROVISION_COLLECTION"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// Alert represents an open finding raised from a matched evaluation
type Alert struct {
	ID             int64             `json:"id"`
	AlertID        uuid.UUID         `json:"alertId"`
	RuleID         uuid.UUID         `json:"ruleId"`
	RuleVersion    int               `json:"ruleVersion"`
	RuleType       rule.RuleType     `json:"ruleType"`
	EvaluationID   uuid.UUID         `json:"evaluationId"`
	OriginID       uint32            `json:"originId"`
	Severity       rule.Severity     `json:"severity"`
	Title          string            `json:"title"`
	Status         Status            `json:"status"`
	Recommended    RecommendedAction `json:"recommendedAction"`
	CreatedAt      time.Time         `json:"createdAt"`
	AcknowledgedAt *time.Time        `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy *string           `json:"acknowledgedBy,omitempty"`
	ResolvedAt     *time.Time        `json:"resolvedAt,omitempty"`
	ResolvedBy     *string           `json:"resolvedBy,omitempty"`
	Resolution     *string           `json:"resolution,omitempty"`
}

// RecommendFor maps a rule type to the default operator action.
// Integrity findings suggest pausing the controller; the others point
// at transport health or collection capacity.
func RecommendFor(ruleType rule.RuleType) RecommendedAction {
	switch ruleType {
	case rule.RuleTypeNonceGap, rule.RuleTypeRejectionBurst:
		return ActionPauseController
	case rule.RuleTypeCapacityThreshold:
		return ActionProvisionCollection
	default:
		return ActionCheckTransport
	}
}

// NewAlert creates an open alert from a matched evaluation
func NewAlert(r *rule.Rule, e *rule.Evaluation, title string) *Alert {
	return &Alert{
		AlertID:      uuid.New(),
		RuleID:       r.RuleID,
		RuleVersion:  r.Version,
		RuleType:     r.RuleType,
		EvaluationID: e.EvaluationID,
		OriginID:     e.OriginID,
		Severity:     r.Severity,
		Title:        title,
		Status:       StatusOpen,
		Recommended:  RecommendFor(r.RuleType),
		CreatedAt:    time.Now().UTC(),
	}
}

// CanTransitionTo checks if a transition to the target status is valid
func (a *Alert) CanTransitionTo(target Status) bool {
	transitions := map[Status][]Status{
		StatusOpen:         {StatusAcknowledged, StatusResolved},
		StatusAcknowledged: {StatusResolved},
		StatusResolved:     {},
	}

	allowed, ok := transitions[a.Status]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == target {
			return true
		}
	}
	return false
}

// Acknowledge marks the alert as acknowledged
func (a *Alert) Acknowledge(by string) error {
	if !a.CanTransitionTo(StatusAcknowledged) {
		return ErrInvalidTransition
	}
	a.Status = StatusAcknowledged
	now := time.Now().UTC()
	a.AcknowledgedAt = &now
	a.AcknowledgedBy = &by
	return nil
}

// Resolve closes the alert with a resolution note
func (a *Alert) Resolve(by, resolution string) error {
	if !a.CanTransitionTo(StatusResolved) {
		return ErrInvalidTransition
	}
	a.Status = StatusResolved
	now := time.Now().UTC()
	a.ResolvedAt = &now
	a.ResolvedBy = &by
	if resolution != "" {
		a.Resolution = &resolution
	}
	return nil
}

// IsOpen reports whether the alert still needs attention
func (a *Alert) IsOpen() bool {
	return a.Status != StatusResolved
}

// Filter represents filters for querying alerts
type Filter struct {
	RuleID   *uuid.UUID
	OriginID *uint32
	Status   *Status
	Severity *rule.Severity
	Since    *time.Time
}

// Repository persists alerts.
type Repository interface {
	Insert(ctx context.Context, a *Alert) error
	Get(ctx context.Context, alertID uuid.UUID) (*Alert, error)
	List(ctx context.Context, filter Filter, limit int) ([]*Alert, error)
	Update(ctx context.Context, a *Alert) error
	// FindOpenByRuleAndOrigin returns the unresolved alert for the rule
	// and origin, or nil. Used to dedupe repeated matches.
	FindOpenByRuleAndOrigin(ctx context.Context, ruleID uuid.UUID, originID uint32) (*Alert, error)
}
