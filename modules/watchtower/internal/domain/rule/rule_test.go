package rule

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRule(t *testing.T) {
	config := json.RawMessage(`{"originId": 7, "maxGap": 10}`)

	r := NewRule("gap watch", RuleTypeNonceGap, config, SeverityHigh)

	require.NotNil(t, r)
	assert.NotEmpty(t, r.RuleID)
	assert.Equal(t, 1, r.Version)
	assert.Equal(t, "gap watch", r.Name)
	assert.Equal(t, RuleTypeNonceGap, r.RuleType)
	assert.Equal(t, config, r.Config)
	assert.Equal(t, SeverityHigh, r.Severity)
	assert.Equal(t, RuleStatusActive, r.Status)
	assert.False(t, r.CreatedAt.IsZero())
	assert.Nil(t, r.EffectiveUntil)
}

func TestRule_CreateNewVersion(t *testing.T) {
	original := NewRule("gap watch", RuleTypeNonceGap, json.RawMessage(`{"originId":7,"maxGap":10}`), SeverityHigh)
	original.Description = "watches origin 7"
	original.Status = RuleStatusInactive

	time.Sleep(1 * time.Millisecond)

	next := original.CreateNewVersion()

	require.NotNil(t, next)
	assert.Equal(t, original.RuleID, next.RuleID)
	assert.Equal(t, 2, next.Version)
	assert.Equal(t, original.Name, next.Name)
	assert.Equal(t, original.Description, next.Description)
	assert.Equal(t, original.Config, next.Config)
	assert.Equal(t, original.Severity, next.Severity)
	// New version is always active
	assert.Equal(t, RuleStatusActive, next.Status)
	assert.True(t, !next.EffectiveFrom.Before(original.EffectiveFrom))
}

func TestRule_IsEffective(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-1 * time.Hour)
	future := now.Add(1 * time.Hour)

	tests := []struct {
		name           string
		status         RuleStatus
		effectiveFrom  time.Time
		effectiveUntil *time.Time
		expected       bool
	}{
		{"active and within range", RuleStatusActive, past, nil, true},
		{"inactive status", RuleStatusInactive, past, nil, false},
		{"archived status", RuleStatusArchived, past, nil, false},
		{"before effective from", RuleStatusActive, future, nil, false},
		{"after effective until", RuleStatusActive, past, &past, false},
		{"within range with until", RuleStatusActive, past, &future, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRule("test", RuleTypeNonceGap, json.RawMessage(`{"maxGap":1}`), SeverityLow)
			r.Status = tt.status
			r.EffectiveFrom = tt.effectiveFrom
			r.EffectiveUntil = tt.effectiveUntil

			assert.Equal(t, tt.expected, r.IsEffective(now))
		})
	}
}

func TestRule_StatusTransitions(t *testing.T) {
	r := NewRule("test", RuleTypeStreamSilence, json.RawMessage(`{"timeoutSeconds":60}`), SeverityMedium)
	before := r.UpdatedAt

	time.Sleep(1 * time.Millisecond)
	r.Deactivate()
	assert.Equal(t, RuleStatusInactive, r.Status)
	assert.True(t, r.UpdatedAt.After(before))

	r.Activate()
	assert.Equal(t, RuleStatusActive, r.Status)

	r.Archive()
	assert.Equal(t, RuleStatusArchived, r.Status)
}

func TestRule_Validate(t *testing.T) {
	tests := []struct {
		name        string
		rule        func() *Rule
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid nonce_gap rule",
			rule: func() *Rule {
				return NewRule("gap", RuleTypeNonceGap, json.RawMessage(`{"originId":1,"maxGap":5}`), SeverityHigh)
			},
			expectError: false,
		},
		{
			name: "valid rejection_burst rule",
			rule: func() *Rule {
				return NewRule("burst", RuleTypeRejectionBurst, json.RawMessage(`{"originId":1,"count":3,"windowSeconds":60}`), SeverityCritical)
			},
			expectError: false,
		},
		{
			name: "valid stream_silence rule",
			rule: func() *Rule {
				return NewRule("silence", RuleTypeStreamSilence, json.RawMessage(`{"originId":1,"timeoutSeconds":120}`), SeverityMedium)
			},
			expectError: false,
		},
		{
			name: "valid capacity_threshold rule",
			rule: func() *Rule {
				return NewRule("capacity", RuleTypeCapacityThreshold, json.RawMessage(`{"originId":1,"percent":90}`), SeverityLow)
			},
			expectError: false,
		},
		{
			name: "empty name",
			rule: func() *Rule {
				return NewRule("", RuleTypeNonceGap, json.RawMessage(`{"maxGap":5}`), SeverityHigh)
			},
			expectError: true,
			errorMsg:    "name is required",
		},
		{
			name: "empty config",
			rule: func() *Rule {
				return NewRule("gap", RuleTypeNonceGap, nil, SeverityHigh)
			},
			expectError: true,
			errorMsg:    "config is required",
		},
		{
			name: "invalid severity",
			rule: func() *Rule {
				return NewRule("gap", RuleTypeNonceGap, json.RawMessage(`{"maxGap":5}`), Severity("URGENT"))
			},
			expectError: true,
			errorMsg:    "invalid severity",
		},
		{
			name: "invalid ruleType",
			rule: func() *Rule {
				return NewRule("gap", RuleType("nope"), json.RawMessage(`{}`), SeverityHigh)
			},
			expectError: true,
			errorMsg:    "invalid ruleType",
		},
		{
			name: "nonce_gap zero maxGap",
			rule: func() *Rule {
				return NewRule("gap", RuleTypeNonceGap, json.RawMessage(`{"originId":1}`), SeverityHigh)
			},
			expectError: true,
			errorMsg:    "maxGap must be positive",
		},
		{
			name: "rejection_burst missing window",
			rule: func() *Rule {
				return NewRule("burst", RuleTypeRejectionBurst, json.RawMessage(`{"count":3}`), SeverityHigh)
			},
			expectError: true,
			errorMsg:    "windowSeconds must be positive",
		},
		{
			name: "stream_silence zero timeout",
			rule: func() *Rule {
				return NewRule("silence", RuleTypeStreamSilence, json.RawMessage(`{"originId":1}`), SeverityHigh)
			},
			expectError: true,
			errorMsg:    "timeoutSeconds must be positive",
		},
		{
			name: "capacity_threshold percent out of range",
			rule: func() *Rule {
				return NewRule("capacity", RuleTypeCapacityThreshold, json.RawMessage(`{"percent":120}`), SeverityHigh)
			},
			expectError: true,
			errorMsg:    "percent must be in (0, 100]",
		},
		{
			name: "malformed config JSON",
			rule: func() *Rule {
				return NewRule("gap", RuleTypeNonceGap, json.RawMessage(`{not json}`), SeverityHigh)
			},
			expectError: true,
			errorMsg:    "config must be valid JSON",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule().Validate()
			if tt.expectError {
				require.Error(t, err)
				assert.Equal(t, tt.errorMsg, err.Error())
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestNewEvaluation(t *testing.T) {
	r := NewRule("gap", RuleTypeNonceGap, json.RawMessage(`{"originId":1,"maxGap":5}`), SeverityHigh)
	evidence, err := json.Marshal(NonceGapEvidence{PreviousNonce: 4, CurrentNonce: 12, Gap: 8, MaxGap: 5, Matched: true})
	require.NoError(t, err)

	e := NewEvaluation(r, 1, true, evidence, nil)

	require.NotNil(t, e)
	assert.NotEmpty(t, e.EvaluationID)
	assert.Equal(t, r.RuleID, e.RuleID)
	assert.Equal(t, r.Version, e.RuleVersion)
	assert.Equal(t, RuleTypeNonceGap, e.RuleType)
	assert.Equal(t, uint32(1), e.OriginID)
	assert.True(t, e.Matched)
	assert.False(t, e.EvaluatedAt.IsZero())

	var parsed NonceGapEvidence
	require.NoError(t, json.Unmarshal(e.Evidence, &parsed))
	assert.Equal(t, uint64(8), parsed.Gap)
}
