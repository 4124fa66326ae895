// Package monitor ingests hub delivery events, evaluates the active
// rules against them and raises alerts for matches.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/canopyhub/watchtower/internal/domain/alert"
	"github.com/canopyhub/watchtower/internal/domain/event"
	"github.com/canopyhub/watchtower/internal/domain/rule"
)

// Service evaluates rules over the observed event stream
type Service struct {
	rules  rule.Repository
	alerts alert.Repository
	events event.Repository
	logger zerolog.Logger
}

// NewService creates a new monitor service
func NewService(rules rule.Repository, alerts alert.Repository, events event.Repository, logger zerolog.Logger) *Service {
	return &Service{
		rules:  rules,
		alerts: alerts,
		events: events,
		logger: logger.With().Str("service", "monitor").Logger(),
	}
}

// CreateRule validates and stores a new rule
func (s *Service) CreateRule(ctx context.Context, r *rule.Rule) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}
	if err := s.rules.InsertRule(ctx, r); err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	s.logger.Info().
		Str("ruleId", r.RuleID.String()).
		Str("ruleType", string(r.RuleType)).
		Str("severity", string(r.Severity)).
		Msg("rule created")

	return nil
}

// UpdateRule supersedes the current version with a new one carrying the
// given config. The old version is deactivated.
func (s *Service) UpdateRule(ctx context.Context, ruleID uuid.UUID, config json.RawMessage) (*rule.Rule, error) {
	current, err := s.rules.GetRule(ctx, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	if current == nil {
		return nil, fmt.Errorf("rule %s not found", ruleID)
	}

	next := current.CreateNewVersion()
	next.Config = config
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rule: %w", err)
	}

	if err := s.rules.InsertRule(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to insert rule version: %w", err)
	}
	if err := s.rules.UpdateRuleStatus(ctx, current.RuleID, current.Version, rule.RuleStatusInactive); err != nil {
		s.logger.Warn().Err(err).
			Str("ruleId", current.RuleID.String()).
			Int("version", current.Version).
			Msg("failed to deactivate superseded rule version")
	}

	s.logger.Info().
		Str("ruleId", next.RuleID.String()).
		Int("version", next.Version).
		Msg("rule version created")

	return next, nil
}

// Ingest stores an observed event and evaluates the rules it can
// trigger. It returns the evaluations that matched.
func (s *Service) Ingest(ctx context.Context, evt *event.Event) ([]*rule.Evaluation, error) {
	if err := evt.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}

	// Captured before insert so nonce_gap sees the previous commit.
	var prev *event.Event
	if evt.Kind == event.KindDelivery && evt.Committed {
		p, err := s.events.LastCommitted(ctx, evt.OriginID)
		if err != nil {
			return nil, fmt.Errorf("failed to load last committed event: %w", err)
		}
		prev = p
	}

	if err := s.events.Insert(ctx, evt); err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}

	active, err := s.activeRules(ctx, evt.OriginID, evt.ObservedAt)
	if err != nil {
		return nil, err
	}

	var matched []*rule.Evaluation
	for _, r := range active {
		eval, err := s.evaluate(ctx, r, evt, prev)
		if err != nil {
			s.logger.Warn().Err(err).
				Str("ruleId", r.RuleID.String()).
				Str("ruleType", string(r.RuleType)).
				Msg("rule evaluation failed")
			continue
		}
		if eval == nil {
			continue
		}

		if err := s.rules.InsertEvaluation(ctx, eval); err != nil {
			return matched, fmt.Errorf("failed to insert evaluation: %w", err)
		}
		if eval.Matched {
			matched = append(matched, eval)
			s.raiseAlert(ctx, r, eval)
		}
	}

	return matched, nil
}

// CheckSilence sweeps stream_silence rules against the last committed
// message per origin. Call it periodically; silence has no event to
// ingest.
func (s *Service) CheckSilence(ctx context.Context, now time.Time) ([]*rule.Evaluation, error) {
	ruleType := rule.RuleTypeStreamSilence
	status := rule.RuleStatusActive
	candidates, err := s.rules.ListRules(ctx, rule.Filter{RuleType: &ruleType, Status: &status})
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}

	var matched []*rule.Evaluation
	for _, r := range candidates {
		if !r.IsEffective(now) {
			continue
		}
		var cfg rule.StreamSilenceConfig
		if err := json.Unmarshal(r.Config, &cfg); err != nil {
			s.logger.Warn().Err(err).Str("ruleId", r.RuleID.String()).Msg("bad rule config")
			continue
		}

		last, err := s.events.LastCommitted(ctx, cfg.OriginID)
		if err != nil {
			return matched, fmt.Errorf("failed to load last committed event: %w", err)
		}
		if last == nil {
			// Nothing committed yet; the stream has not started.
			continue
		}

		gap := now.Sub(last.ObservedAt).Seconds()
		isMatch := gap > float64(cfg.TimeoutSeconds)
		lastAt := last.ObservedAt
		evidence, err := json.Marshal(rule.StreamSilenceEvidence{
			LastCommittedAt: &lastAt,
			TimeoutSeconds:  cfg.TimeoutSeconds,
			ActualGapSecs:   gap,
			Matched:         isMatch,
		})
		if err != nil {
			return matched, fmt.Errorf("failed to marshal evidence: %w", err)
		}

		eval := rule.NewEvaluation(r, cfg.OriginID, isMatch, evidence, nil)
		if err := s.rules.InsertEvaluation(ctx, eval); err != nil {
			return matched, fmt.Errorf("failed to insert evaluation: %w", err)
		}
		if isMatch {
			matched = append(matched, eval)
			s.raiseAlert(ctx, r, eval)
		}
	}

	return matched, nil
}

// AcknowledgeAlert moves an open alert to ACKNOWLEDGED
func (s *Service) AcknowledgeAlert(ctx context.Context, alertID uuid.UUID, by string) (*alert.Alert, error) {
	a, err := s.alerts.Get(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	if a == nil {
		return nil, fmt.Errorf("alert %s not found", alertID)
	}
	if err := a.Acknowledge(by); err != nil {
		return nil, err
	}
	if err := s.alerts.Update(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to update alert: %w", err)
	}

	s.logger.Info().
		Str("alertId", alertID.String()).
		Str("by", by).
		Msg("alert acknowledged")

	return a, nil
}

// ResolveAlert closes an alert with a resolution note
func (s *Service) ResolveAlert(ctx context.Context, alertID uuid.UUID, by, resolution string) (*alert.Alert, error) {
	a, err := s.alerts.Get(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	if a == nil {
		return nil, fmt.Errorf("alert %s not found", alertID)
	}
	if err := a.Resolve(by, resolution); err != nil {
		return nil, err
	}
	if err := s.alerts.Update(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to update alert: %w", err)
	}

	s.logger.Info().
		Str("alertId", alertID.String()).
		Str("by", by).
		Msg("alert resolved")

	return a, nil
}

// ListAlerts returns alerts matching the filter
func (s *Service) ListAlerts(ctx context.Context, filter alert.Filter, limit int) ([]*alert.Alert, error) {
	return s.alerts.List(ctx, filter, limit)
}

// activeRules returns the effective rules scoped to the event's origin.
func (s *Service) activeRules(ctx context.Context, originID uint32, at time.Time) ([]*rule.Rule, error) {
	status := rule.RuleStatusActive
	candidates, err := s.rules.ListRules(ctx, rule.Filter{Status: &status, OriginID: &originID})
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}

	effective := candidates[:0]
	for _, r := range candidates {
		if r.IsEffective(at) {
			effective = append(effective, r)
		}
	}
	return effective, nil
}

// evaluate runs one rule against an ingested event. A nil evaluation
// means the rule does not apply to this event kind.
func (s *Service) evaluate(ctx context.Context, r *rule.Rule, evt *event.Event, prev *event.Event) (*rule.Evaluation, error) {
	switch r.RuleType {
	case rule.RuleTypeNonceGap:
		return s.evaluateNonceGap(r, evt, prev)
	case rule.RuleTypeRejectionBurst:
		return s.evaluateRejectionBurst(ctx, r, evt)
	case rule.RuleTypeCapacityThreshold:
		return s.evaluateCapacityThreshold(r, evt)
	default:
		// stream_silence is swept by CheckSilence.
		return nil, nil
	}
}

func (s *Service) evaluateNonceGap(r *rule.Rule, evt *event.Event, prev *event.Event) (*rule.Evaluation, error) {
	if evt.Kind != event.KindDelivery || !evt.Committed || prev == nil {
		return nil, nil
	}
	var cfg rule.NonceGapConfig
	if err := json.Unmarshal(r.Config, &cfg); err != nil {
		return nil, fmt.Errorf("bad rule config: %w", err)
	}

	var gap uint64
	if evt.Nonce > prev.Nonce {
		gap = evt.Nonce - prev.Nonce
	}
	isMatch := gap > cfg.MaxGap

	evidence, err := json.Marshal(rule.NonceGapEvidence{
		EventID:       evt.EventID,
		PreviousNonce: prev.Nonce,
		CurrentNonce:  evt.Nonce,
		Gap:           gap,
		MaxGap:        cfg.MaxGap,
		Matched:       isMatch,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal evidence: %w", err)
	}

	return rule.NewEvaluation(r, evt.OriginID, isMatch, evidence, []uuid.UUID{evt.EventID}), nil
}

func (s *Service) evaluateRejectionBurst(ctx context.Context, r *rule.Rule, evt *event.Event) (*rule.Evaluation, error) {
	if evt.Kind != event.KindDelivery || evt.Committed {
		return nil, nil
	}
	var cfg rule.RejectionBurstConfig
	if err := json.Unmarshal(r.Config, &cfg); err != nil {
		return nil, fmt.Errorf("bad rule config: %w", err)
	}

	windowStart := evt.ObservedAt.Add(-time.Duration(cfg.WindowSeconds) * time.Second)
	count, err := s.events.CountRejectedSince(ctx, evt.OriginID, windowStart)
	if err != nil {
		return nil, fmt.Errorf("failed to count rejections: %w", err)
	}
	isMatch := count >= cfg.Count

	var eventIDs []uuid.UUID
	var reasons []string
	if isMatch {
		sample, err := s.events.RejectedSince(ctx, evt.OriginID, windowStart, cfg.Count)
		if err != nil {
			return nil, fmt.Errorf("failed to load rejections: %w", err)
		}
		for _, e := range sample {
			eventIDs = append(eventIDs, e.EventID)
			reasons = append(reasons, e.Reason)
		}
	}

	evidence, err := json.Marshal(rule.RejectionBurstEvidence{
		Count:       count,
		Threshold:   cfg.Count,
		WindowStart: windowStart,
		WindowEnd:   evt.ObservedAt,
		Reasons:     reasons,
		EventIDs:    eventIDs,
		Matched:     isMatch,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal evidence: %w", err)
	}

	return rule.NewEvaluation(r, evt.OriginID, isMatch, evidence, eventIDs), nil
}

func (s *Service) evaluateCapacityThreshold(r *rule.Rule, evt *event.Event) (*rule.Evaluation, error) {
	if evt.Kind != event.KindCapacity {
		return nil, nil
	}
	var cfg rule.CapacityThresholdConfig
	if err := json.Unmarshal(r.Config, &cfg); err != nil {
		return nil, fmt.Errorf("bad rule config: %w", err)
	}

	isMatch := evt.Utilization >= cfg.Percent

	evidence, err := json.Marshal(rule.CapacityThresholdEvidence{
		EventID:     evt.EventID,
		Utilization: evt.Utilization,
		Threshold:   cfg.Percent,
		Matched:     isMatch,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal evidence: %w", err)
	}

	return rule.NewEvaluation(r, evt.OriginID, isMatch, evidence, []uuid.UUID{evt.EventID}), nil
}

// raiseAlert opens an alert for a matched evaluation unless one is
// already open for the same rule and origin.
func (s *Service) raiseAlert(ctx context.Context, r *rule.Rule, eval *rule.Evaluation) {
	existing, err := s.alerts.FindOpenByRuleAndOrigin(ctx, r.RuleID, eval.OriginID)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("ruleId", r.RuleID.String()).
			Msg("failed to check open alerts")
		return
	}
	if existing != nil {
		s.logger.Debug().
			Str("alertId", existing.AlertID.String()).
			Str("ruleId", r.RuleID.String()).
			Msg("alert already open, match suppressed")
		return
	}

	title := fmt.Sprintf("%s: %s on origin %d", r.Severity, r.Name, eval.OriginID)
	a := alert.NewAlert(r, eval, title)
	if err := s.alerts.Insert(ctx, a); err != nil {
		s.logger.Error().Err(err).
			Str("ruleId", r.RuleID.String()).
			Msg("failed to insert alert")
		return
	}

	s.logger.Warn().
		Str("alertId", a.AlertID.String()).
		Str("ruleType", string(r.RuleType)).
		Str("severity", string(r.Severity)).
		Uint32("originId", eval.OriginID).
		Str("recommended", string(a.Recommended)).
		Msg("alert raised")
}
