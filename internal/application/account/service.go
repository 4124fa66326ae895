// Package account manages operator accounts on the management surface.
package account

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/canopyhub/canopy/internal/domain/envelope"
	domain "github.com/canopyhub/canopy/internal/domain/operator"
)

// Service handles operator account management.
type Service struct {
	repo   domain.Repository
	logger zerolog.Logger
}

// NewService creates an account service.
func NewService(repo domain.Repository, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.With().Str("service", "account").Logger(),
	}
}

// CreateInput defines operator creation input.
type CreateInput struct {
	Username     string
	Password     string
	Role         domain.Role
	Status       domain.Status
	AuthorityKey *envelope.Address
}

// UpdateInput defines operator update input.
type UpdateInput struct {
	Role         *domain.Role
	Status       *domain.Status
	AuthorityKey *envelope.Address
}

func (s *Service) CreateOperator(ctx context.Context, input CreateInput) (*domain.Operator, error) {
	username := domain.NormalizeUsername(input.Username)
	if err := domain.ValidateUsername(username); err != nil {
		return nil, err
	}
	if err := domain.ValidatePassword(input.Password, username); err != nil {
		return nil, err
	}
	if err := domain.ValidateRole(input.Role); err != nil {
		return nil, err
	}
	if input.Status == "" {
		input.Status = domain.StatusActive
	}
	if err := domain.ValidateStatus(input.Status); err != nil {
		return nil, err
	}

	hash, err := domain.HashPassword(input.Password)
	if err != nil {
		return nil, err
	}

	op := &domain.Operator{
		OperatorID:   uuid.New(),
		Username:     username,
		PasswordHash: hash,
		Role:         input.Role,
		Status:       input.Status,
		AuthorityKey: input.AuthorityKey,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, op); err != nil {
		return nil, err
	}

	s.logger.Info().Str("operator_id", op.OperatorID.String()).Str("username", op.Username).Msg("operator created")
	return op, nil
}

func (s *Service) UpdateOperator(ctx context.Context, operatorID uuid.UUID, input UpdateInput) (*domain.Operator, error) {
	op, err := s.repo.GetByID(ctx, operatorID)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, fmt.Errorf("operator not found: %s", operatorID)
	}
	if input.Role != nil {
		if err := domain.ValidateRole(*input.Role); err != nil {
			return nil, err
		}
		op.Role = *input.Role
	}
	if input.Status != nil {
		if err := domain.ValidateStatus(*input.Status); err != nil {
			return nil, err
		}
		op.Status = *input.Status
	}
	if input.AuthorityKey != nil {
		op.AuthorityKey = input.AuthorityKey
	}
	op.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

func (s *Service) SetPassword(ctx context.Context, operatorID uuid.UUID, password string) error {
	op, err := s.repo.GetByID(ctx, operatorID)
	if err != nil {
		return err
	}
	if op == nil {
		return fmt.Errorf("operator not found: %s", operatorID)
	}
	if err := domain.ValidatePassword(password, op.Username); err != nil {
		return err
	}
	hash, err := domain.HashPassword(password)
	if err != nil {
		return err
	}
	op.PasswordHash = hash
	op.UpdatedAt = time.Now().UTC()
	return s.repo.Update(ctx, op)
}

func (s *Service) GetOperator(ctx context.Context, operatorID uuid.UUID) (*domain.Operator, error) {
	return s.repo.GetByID(ctx, operatorID)
}

func (s *Service) GetByUsername(ctx context.Context, username string) (*domain.Operator, error) {
	return s.repo.GetByUsername(ctx, domain.NormalizeUsername(username))
}

func (s *Service) ListOperators(ctx context.Context, filter domain.Filter, limit, offset int) ([]*domain.Operator, error) {
	return s.repo.List(ctx, filter, limit, offset)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

// Bootstrap creates the first admin when the operator table is empty.
// Used at startup so a fresh deployment is reachable.
func (s *Service) Bootstrap(ctx context.Context, username, password string, authorityKey *envelope.Address) (*domain.Operator, error) {
	count, err := s.repo.Count(ctx)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, nil
	}
	return s.CreateOperator(ctx, CreateInput{
		Username:     username,
		Password:     password,
		Role:         domain.RoleAdmin,
		Status:       domain.StatusActive,
		AuthorityKey: authorityKey,
	})
}
