package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/canopyhub/watchtower/internal/domain/alert"
	"github.com/canopyhub/watchtower/internal/domain/event"
	"github.com/canopyhub/watchtower/internal/domain/rule"
)

// MockRuleRepository is a mock implementation of rule.Repository
type MockRuleRepository struct {
	mock.Mock
}

func (m *MockRuleRepository) InsertRule(ctx context.Context, r *rule.Rule) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

func (m *MockRuleRepository) GetRule(ctx context.Context, ruleID uuid.UUID) (*rule.Rule, error) {
	args := m.Called(ctx, ruleID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*rule.Rule), args.Error(1)
}

func (m *MockRuleRepository) GetRuleVersion(ctx context.Context, ruleID uuid.UUID, version int) (*rule.Rule, error) {
	args := m.Called(ctx, ruleID, version)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*rule.Rule), args.Error(1)
}

func (m *MockRuleRepository) ListRules(ctx context.Context, filter rule.Filter) ([]*rule.Rule, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*rule.Rule), args.Error(1)
}

func (m *MockRuleRepository) UpdateRuleStatus(ctx context.Context, ruleID uuid.UUID, version int, status rule.RuleStatus) error {
	args := m.Called(ctx, ruleID, version, status)
	return args.Error(0)
}

func (m *MockRuleRepository) InsertEvaluation(ctx context.Context, e *rule.Evaluation) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

func (m *MockRuleRepository) ListEvaluations(ctx context.Context, filter rule.EvaluationFilter, limit int) ([]*rule.Evaluation, error) {
	args := m.Called(ctx, filter, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*rule.Evaluation), args.Error(1)
}

// MockAlertRepository is a mock implementation of alert.Repository
type MockAlertRepository struct {
	mock.Mock
}

func (m *MockAlertRepository) Insert(ctx context.Context, a *alert.Alert) error {
	args := m.Called(ctx, a)
	return args.Error(0)
}

func (m *MockAlertRepository) Get(ctx context.Context, alertID uuid.UUID) (*alert.Alert, error) {
	args := m.Called(ctx, alertID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*alert.Alert), args.Error(1)
}

func (m *MockAlertRepository) List(ctx context.Context, filter alert.Filter, limit int) ([]*alert.Alert, error) {
	args := m.Called(ctx, filter, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*alert.Alert), args.Error(1)
}

func (m *MockAlertRepository) Update(ctx context.Context, a *alert.Alert) error {
	args := m.Called(ctx, a)
	return args.Error(0)
}

func (m *MockAlertRepository) FindOpenByRuleAndOrigin(ctx context.Context, ruleID uuid.UUID, originID uint32) (*alert.Alert, error) {
	args := m.Called(ctx, ruleID, originID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*alert.Alert), args.Error(1)
}

// MockEventRepository is a mock implementation of event.Repository
type MockEventRepository struct {
	mock.Mock
}

func (m *MockEventRepository) Insert(ctx context.Context, e *event.Event) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

func (m *MockEventRepository) LastCommitted(ctx context.Context, originID uint32) (*event.Event, error) {
	args := m.Called(ctx, originID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*event.Event), args.Error(1)
}

func (m *MockEventRepository) CountRejectedSince(ctx context.Context, originID uint32, since time.Time) (int, error) {
	args := m.Called(ctx, originID, since)
	return args.Int(0), args.Error(1)
}

func (m *MockEventRepository) RejectedSince(ctx context.Context, originID uint32, since time.Time, limit int) ([]*event.Event, error) {
	args := m.Called(ctx, originID, since, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*event.Event), args.Error(1)
}

func (m *MockEventRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func newTestService(rules *MockRuleRepository, alerts *MockAlertRepository, events *MockEventRepository) *Service {
	return NewService(rules, alerts, events, zerolog.Nop())
}

func committedEvent(originID uint32, nonce uint64, at time.Time) *event.Event {
	return &event.Event{
		EventID:    uuid.New(),
		Kind:       event.KindDelivery,
		OriginID:   originID,
		GUID:       "guid-" + uuid.NewString(),
		Committed:  true,
		Nonce:      nonce,
		ObservedAt: at,
	}
}

func rejectedEvent(originID uint32, reason string, at time.Time) *event.Event {
	return &event.Event{
		EventID:    uuid.New(),
		Kind:       event.KindDelivery,
		OriginID:   originID,
		Committed:  false,
		Stage:      "guard",
		Reason:     reason,
		ObservedAt: at,
	}
}

func TestCreateRule(t *testing.T) {
	rules := new(MockRuleRepository)
	svc := newTestService(rules, new(MockAlertRepository), new(MockEventRepository))

	r := rule.NewRule("gap watch", rule.RuleTypeNonceGap, json.RawMessage(`{"originId":1,"maxGap":5}`), rule.SeverityHigh)
	rules.On("InsertRule", mock.Anything, r).Return(nil)

	require.NoError(t, svc.CreateRule(context.Background(), r))
	rules.AssertExpectations(t)
}

func TestCreateRule_InvalidConfig(t *testing.T) {
	svc := newTestService(new(MockRuleRepository), new(MockAlertRepository), new(MockEventRepository))

	r := rule.NewRule("gap watch", rule.RuleTypeNonceGap, json.RawMessage(`{"originId":1}`), rule.SeverityHigh)
	err := svc.CreateRule(context.Background(), r)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "maxGap must be positive")
}

func TestIngest_NonceGapMatchRaisesAlert(t *testing.T) {
	rules := new(MockRuleRepository)
	alerts := new(MockAlertRepository)
	events := new(MockEventRepository)
	svc := newTestService(rules, alerts, events)

	now := time.Now().UTC()
	r := rule.NewRule("gap watch", rule.RuleTypeNonceGap, json.RawMessage(`{"originId":1,"maxGap":5}`), rule.SeverityHigh)
	r.EffectiveFrom = now.Add(-time.Hour)

	prev := committedEvent(1, 4, now.Add(-time.Minute))
	evt := committedEvent(1, 12, now)

	events.On("LastCommitted", mock.Anything, uint32(1)).Return(prev, nil)
	events.On("Insert", mock.Anything, evt).Return(nil)
	rules.On("ListRules", mock.Anything, mock.Anything).Return([]*rule.Rule{r}, nil)
	rules.On("InsertEvaluation", mock.Anything, mock.Anything).Return(nil)
	alerts.On("FindOpenByRuleAndOrigin", mock.Anything, r.RuleID, uint32(1)).Return(nil, nil)
	alerts.On("Insert", mock.Anything, mock.Anything).Return(nil)

	matched, err := svc.Ingest(context.Background(), evt)
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.True(t, matched[0].Matched)
	assert.Equal(t, rule.RuleTypeNonceGap, matched[0].RuleType)

	var evidence rule.NonceGapEvidence
	require.NoError(t, json.Unmarshal(matched[0].Evidence, &evidence))
	assert.Equal(t, uint64(8), evidence.Gap)
	assert.Equal(t, uint64(4), evidence.PreviousNonce)

	alerts.AssertCalled(t, "Insert", mock.Anything, mock.MatchedBy(func(a *alert.Alert) bool {
		return a.Recommended == alert.ActionPauseController && a.Status == alert.StatusOpen
	}))
}

func TestIngest_NonceGapWithinBound(t *testing.T) {
	rules := new(MockRuleRepository)
	alerts := new(MockAlertRepository)
	events := new(MockEventRepository)
	svc := newTestService(rules, alerts, events)

	now := time.Now().UTC()
	r := rule.NewRule("gap watch", rule.RuleTypeNonceGap, json.RawMessage(`{"originId":1,"maxGap":5}`), rule.SeverityHigh)
	r.EffectiveFrom = now.Add(-time.Hour)

	prev := committedEvent(1, 4, now.Add(-time.Minute))
	evt := committedEvent(1, 5, now)

	events.On("LastCommitted", mock.Anything, uint32(1)).Return(prev, nil)
	events.On("Insert", mock.Anything, evt).Return(nil)
	rules.On("ListRules", mock.Anything, mock.Anything).Return([]*rule.Rule{r}, nil)
	rules.On("InsertEvaluation", mock.Anything, mock.MatchedBy(func(e *rule.Evaluation) bool {
		return !e.Matched
	})).Return(nil)

	matched, err := svc.Ingest(context.Background(), evt)
	require.NoError(t, err)
	assert.Empty(t, matched)
	alerts.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
}

func TestIngest_FirstCommitHasNoGapEvaluation(t *testing.T) {
	rules := new(MockRuleRepository)
	alerts := new(MockAlertRepository)
	events := new(MockEventRepository)
	svc := newTestService(rules, alerts, events)

	now := time.Now().UTC()
	r := rule.NewRule("gap watch", rule.RuleTypeNonceGap, json.RawMessage(`{"originId":1,"maxGap":5}`), rule.SeverityHigh)
	r.EffectiveFrom = now.Add(-time.Hour)

	evt := committedEvent(1, 1, now)

	events.On("LastCommitted", mock.Anything, uint32(1)).Return(nil, nil)
	events.On("Insert", mock.Anything, evt).Return(nil)
	rules.On("ListRules", mock.Anything, mock.Anything).Return([]*rule.Rule{r}, nil)

	matched, err := svc.Ingest(context.Background(), evt)
	require.NoError(t, err)
	assert.Empty(t, matched)
	rules.AssertNotCalled(t, "InsertEvaluation", mock.Anything, mock.Anything)
}

func TestIngest_RejectionBurst(t *testing.T) {
	rules := new(MockRuleRepository)
	alerts := new(MockAlertRepository)
	events := new(MockEventRepository)
	svc := newTestService(rules, alerts, events)

	now := time.Now().UTC()
	r := rule.NewRule("burst watch", rule.RuleTypeRejectionBurst, json.RawMessage(`{"originId":3,"count":3,"windowSeconds":60}`), rule.SeverityCritical)
	r.EffectiveFrom = now.Add(-time.Hour)

	evt := rejectedEvent(3, "invalid nonce", now)
	window := []*event.Event{
		rejectedEvent(3, "invalid nonce", now.Add(-30*time.Second)),
		rejectedEvent(3, "untrusted peer", now.Add(-10*time.Second)),
		evt,
	}

	events.On("Insert", mock.Anything, evt).Return(nil)
	events.On("CountRejectedSince", mock.Anything, uint32(3), mock.Anything).Return(3, nil)
	events.On("RejectedSince", mock.Anything, uint32(3), mock.Anything, 3).Return(window, nil)
	rules.On("ListRules", mock.Anything, mock.Anything).Return([]*rule.Rule{r}, nil)
	rules.On("InsertEvaluation", mock.Anything, mock.Anything).Return(nil)
	alerts.On("FindOpenByRuleAndOrigin", mock.Anything, r.RuleID, uint32(3)).Return(nil, nil)
	alerts.On("Insert", mock.Anything, mock.Anything).Return(nil)

	matched, err := svc.Ingest(context.Background(), evt)
	require.NoError(t, err)
	require.Len(t, matched, 1)

	var evidence rule.RejectionBurstEvidence
	require.NoError(t, json.Unmarshal(matched[0].Evidence, &evidence))
	assert.Equal(t, 3, evidence.Count)
	assert.Len(t, evidence.EventIDs, 3)
	assert.Contains(t, evidence.Reasons, "untrusted peer")
}

func TestIngest_CapacityThreshold(t *testing.T) {
	rules := new(MockRuleRepository)
	alerts := new(MockAlertRepository)
	events := new(MockEventRepository)
	svc := newTestService(rules, alerts, events)

	now := time.Now().UTC()
	r := rule.NewRule("capacity watch", rule.RuleTypeCapacityThreshold, json.RawMessage(`{"originId":1,"percent":90}`), rule.SeverityMedium)
	r.EffectiveFrom = now.Add(-time.Hour)

	evt := &event.Event{
		EventID:     uuid.New(),
		Kind:        event.KindCapacity,
		OriginID:    1,
		Utilization: 93.75,
		ObservedAt:  now,
	}

	events.On("Insert", mock.Anything, evt).Return(nil)
	rules.On("ListRules", mock.Anything, mock.Anything).Return([]*rule.Rule{r}, nil)
	rules.On("InsertEvaluation", mock.Anything, mock.Anything).Return(nil)
	alerts.On("FindOpenByRuleAndOrigin", mock.Anything, r.RuleID, uint32(1)).Return(nil, nil)
	alerts.On("Insert", mock.Anything, mock.MatchedBy(func(a *alert.Alert) bool {
		return a.Recommended == alert.ActionProvisionCollection
	})).Return(nil)

	matched, err := svc.Ingest(context.Background(), evt)
	require.NoError(t, err)
	require.Len(t, matched, 1)
	alerts.AssertExpectations(t)
}

func TestIngest_OpenAlertSuppressesDuplicate(t *testing.T) {
	rules := new(MockRuleRepository)
	alerts := new(MockAlertRepository)
	events := new(MockEventRepository)
	svc := newTestService(rules, alerts, events)

	now := time.Now().UTC()
	r := rule.NewRule("gap watch", rule.RuleTypeNonceGap, json.RawMessage(`{"originId":1,"maxGap":5}`), rule.SeverityHigh)
	r.EffectiveFrom = now.Add(-time.Hour)

	prev := committedEvent(1, 4, now.Add(-time.Minute))
	evt := committedEvent(1, 20, now)
	eval := rule.NewEvaluation(r, 1, true, json.RawMessage(`{}`), nil)
	open := alert.NewAlert(r, eval, "already open")

	events.On("LastCommitted", mock.Anything, uint32(1)).Return(prev, nil)
	events.On("Insert", mock.Anything, evt).Return(nil)
	rules.On("ListRules", mock.Anything, mock.Anything).Return([]*rule.Rule{r}, nil)
	rules.On("InsertEvaluation", mock.Anything, mock.Anything).Return(nil)
	alerts.On("FindOpenByRuleAndOrigin", mock.Anything, r.RuleID, uint32(1)).Return(open, nil)

	matched, err := svc.Ingest(context.Background(), evt)
	require.NoError(t, err)
	require.Len(t, matched, 1)
	alerts.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
}

func TestIngest_InvalidEvent(t *testing.T) {
	svc := newTestService(new(MockRuleRepository), new(MockAlertRepository), new(MockEventRepository))

	evt := &event.Event{Kind: event.KindDelivery}
	_, err := svc.Ingest(context.Background(), evt)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid event")
}

func TestCheckSilence(t *testing.T) {
	rules := new(MockRuleRepository)
	alerts := new(MockAlertRepository)
	events := new(MockEventRepository)
	svc := newTestService(rules, alerts, events)

	now := time.Now().UTC()
	r := rule.NewRule("silence watch", rule.RuleTypeStreamSilence, json.RawMessage(`{"originId":2,"timeoutSeconds":60}`), rule.SeverityHigh)
	r.EffectiveFrom = now.Add(-time.Hour)

	last := committedEvent(2, 9, now.Add(-5*time.Minute))

	rules.On("ListRules", mock.Anything, mock.Anything).Return([]*rule.Rule{r}, nil)
	events.On("LastCommitted", mock.Anything, uint32(2)).Return(last, nil)
	rules.On("InsertEvaluation", mock.Anything, mock.Anything).Return(nil)
	alerts.On("FindOpenByRuleAndOrigin", mock.Anything, r.RuleID, uint32(2)).Return(nil, nil)
	alerts.On("Insert", mock.Anything, mock.MatchedBy(func(a *alert.Alert) bool {
		return a.Recommended == alert.ActionCheckTransport
	})).Return(nil)

	matched, err := svc.CheckSilence(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, matched, 1)

	var evidence rule.StreamSilenceEvidence
	require.NoError(t, json.Unmarshal(matched[0].Evidence, &evidence))
	assert.InDelta(t, 300, evidence.ActualGapSecs, 1)
	alerts.AssertExpectations(t)
}

func TestCheckSilence_QuietStreamNotStarted(t *testing.T) {
	rules := new(MockRuleRepository)
	events := new(MockEventRepository)
	svc := newTestService(rules, new(MockAlertRepository), events)

	now := time.Now().UTC()
	r := rule.NewRule("silence watch", rule.RuleTypeStreamSilence, json.RawMessage(`{"originId":2,"timeoutSeconds":60}`), rule.SeverityHigh)
	r.EffectiveFrom = now.Add(-time.Hour)

	rules.On("ListRules", mock.Anything, mock.Anything).Return([]*rule.Rule{r}, nil)
	events.On("LastCommitted", mock.Anything, uint32(2)).Return(nil, nil)

	matched, err := svc.CheckSilence(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, matched)
	rules.AssertNotCalled(t, "InsertEvaluation", mock.Anything, mock.Anything)
}

func TestAcknowledgeAndResolveAlert(t *testing.T) {
	alerts := new(MockAlertRepository)
	svc := newTestService(new(MockRuleRepository), alerts, new(MockEventRepository))

	r := rule.NewRule("gap watch", rule.RuleTypeNonceGap, json.RawMessage(`{"originId":1,"maxGap":5}`), rule.SeverityHigh)
	eval := rule.NewEvaluation(r, 1, true, json.RawMessage(`{}`), nil)
	a := alert.NewAlert(r, eval, "gap detected")

	alerts.On("Get", mock.Anything, a.AlertID).Return(a, nil)
	alerts.On("Update", mock.Anything, a).Return(nil)

	acked, err := svc.AcknowledgeAlert(context.Background(), a.AlertID, "ops:alice")
	require.NoError(t, err)
	assert.Equal(t, alert.StatusAcknowledged, acked.Status)

	resolved, err := svc.ResolveAlert(context.Background(), a.AlertID, "ops:alice", "origin resynced")
	require.NoError(t, err)
	assert.Equal(t, alert.StatusResolved, resolved.Status)
	require.NotNil(t, resolved.Resolution)
}

func TestResolveAlert_NotFound(t *testing.T) {
	alerts := new(MockAlertRepository)
	svc := newTestService(new(MockRuleRepository), alerts, new(MockEventRepository))

	id := uuid.New()
	alerts.On("Get", mock.Anything, id).Return(nil, nil)

	_, err := svc.ResolveAlert(context.Background(), id, "ops:alice", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestUpdateRule_CreatesNewVersion(t *testing.T) {
	rules := new(MockRuleRepository)
	svc := newTestService(rules, new(MockAlertRepository), new(MockEventRepository))

	current := rule.NewRule("gap watch", rule.RuleTypeNonceGap, json.RawMessage(`{"originId":1,"maxGap":5}`), rule.SeverityHigh)

	rules.On("GetRule", mock.Anything, current.RuleID).Return(current, nil)
	rules.On("InsertRule", mock.Anything, mock.MatchedBy(func(r *rule.Rule) bool {
		return r.Version == 2 && r.RuleID == current.RuleID
	})).Return(nil)
	rules.On("UpdateRuleStatus", mock.Anything, current.RuleID, 1, rule.RuleStatusInactive).Return(nil)

	next, err := svc.UpdateRule(context.Background(), current.RuleID, json.RawMessage(`{"originId":1,"maxGap":10}`))
	require.NoError(t, err)
	assert.Equal(t, 2, next.Version)
	rules.AssertExpectations(t)
}
