package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	domainOperator "github.com/canopyhub/canopy/internal/domain/operator"
	domainSession "github.com/canopyhub/canopy/internal/domain/session"
)

// Service handles operator authentication.
type Service struct {
	operatorRepo domainOperator.Repository
	sessionRepo  domainSession.Repository
	sessionTTL   time.Duration
	logger       zerolog.Logger
}

// NewService creates an auth service.
func NewService(operatorRepo domainOperator.Repository, sessionRepo domainSession.Repository, sessionTTL time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		operatorRepo: operatorRepo,
		sessionRepo:  sessionRepo,
		sessionTTL:   sessionTTL,
		logger:       logger.With().Str("service", "auth").Logger(),
	}
}

// LoginResult contains login response.
type LoginResult struct {
	Operator *domainOperator.Operator
	Session  *domainSession.Session
	Token    string
}

// Login authenticates an operator and creates a session.
func (s *Service) Login(ctx context.Context, username, password string, userAgent, ipAddress *string) (*LoginResult, error) {
	username = domainOperator.NormalizeUsername(username)
	op, err := s.operatorRepo.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, fmt.Errorf("invalid username or password")
	}
	if !op.IsActive() {
		return nil, fmt.Errorf("operator is disabled")
	}
	if !domainOperator.VerifyPassword(op.PasswordHash, password) {
		return nil, fmt.Errorf("invalid username or password")
	}

	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	tokenHash := hashToken(token)

	now := time.Now().UTC()
	sess := &domainSession.Session{
		SessionID:  uuid.New(),
		TokenHash:  tokenHash,
		OperatorID: op.OperatorID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.sessionTTL),
		LastSeenAt: &now,
		UserAgent:  userAgent,
		IPAddress:  ipAddress,
	}
	if err := s.sessionRepo.Create(ctx, sess); err != nil {
		return nil, err
	}

	s.logger.Info().Str("operator_id", op.OperatorID.String()).Msg("operator login")
	return &LoginResult{Operator: op, Session: sess, Token: token}, nil
}

// Authenticate validates a session token and returns the operator.
func (s *Service) Authenticate(ctx context.Context, token string) (*domainOperator.Operator, *domainSession.Session, error) {
	if token == "" {
		return nil, nil, fmt.Errorf("missing token")
	}
	tokenHash := hashToken(token)
	sess, err := s.sessionRepo.GetByTokenHash(ctx, tokenHash)
	if err != nil {
		return nil, nil, err
	}
	if sess == nil {
		return nil, nil, fmt.Errorf("session not found")
	}
	if sess.IsExpired(time.Now().UTC()) {
		_ = s.sessionRepo.DeleteByID(ctx, sess.SessionID)
		return nil, nil, fmt.Errorf("session expired")
	}
	op, err := s.operatorRepo.GetByID(ctx, sess.OperatorID)
	if err != nil {
		return nil, nil, err
	}
	if op == nil || !op.IsActive() {
		return nil, nil, fmt.Errorf("operator not active")
	}
	_ = s.sessionRepo.UpdateLastSeen(ctx, sess.SessionID)
	return op, sess, nil
}

// Logout deletes a session token.
func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.sessionRepo.DeleteByTokenHash(ctx, hashToken(token))
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
