package rule

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists rules and their evaluations.
type Repository interface {
	InsertRule(ctx context.Context, r *Rule) error
	GetRule(ctx context.Context, ruleID uuid.UUID) (*Rule, error)
	GetRuleVersion(ctx context.Context, ruleID uuid.UUID, version int) (*Rule, error)
	ListRules(ctx context.Context, filter Filter) ([]*Rule, error)
	UpdateRuleStatus(ctx context.Context, ruleID uuid.UUID, version int, status RuleStatus) error

	InsertEvaluation(ctx context.Context, e *Evaluation) error
	ListEvaluations(ctx context.Context, filter EvaluationFilter, limit int) ([]*Evaluation, error)
}
