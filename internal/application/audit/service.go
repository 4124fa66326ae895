// Package audit signs and verifies bulk-operation checkpoints. A signed
// checkpoint proves the recorded progress existed at commit time, so an
// operator can audit a finished operation without trusting the store.
package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/canopyhub/canopy/internal/domain/audit"
	"github.com/canopyhub/canopy/internal/domain/operation"
)

var (
	ErrMissingSignature = errors.New("checkpoint carries no signature")
	ErrBrokenSequence   = errors.New("checkpoint sequence is not dense")
)

// KeyStore resolves signing key material.
type KeyStore interface {
	GetKey(ctx context.Context, keyID string) ([]byte, error)
	GetKeyForKind(ctx context.Context, kind string) (keyID string, key []byte, err error)
}

// Service signs checkpoints at commit time and re-verifies them on demand.
type Service struct {
	keys   KeyStore
	logger zerolog.Logger
}

// NewService creates the checkpoint signing service.
func NewService(keys KeyStore, logger zerolog.Logger) *Service {
	return &Service{
		keys:   keys,
		logger: logger.With().Str("service", "audit").Logger(),
	}
}

// Sign fills the checkpoint's KeyID and Signature using the key
// configured for the operation kind.
func (s *Service) Sign(ctx context.Context, kind operation.Kind, cp *operation.Checkpoint) error {
	keyID, key, err := s.keys.GetKeyForKind(ctx, string(kind))
	if err != nil {
		return fmt.Errorf("failed to resolve signing key: %w", err)
	}
	sig, err := audit.Sign(cp, key)
	if err != nil {
		return err
	}
	cp.KeyID = keyID
	cp.Signature = sig
	return nil
}

// Verify recomputes one checkpoint's signature.
func (s *Service) Verify(ctx context.Context, cp *operation.Checkpoint) (bool, error) {
	if len(cp.Signature) == 0 || cp.KeyID == "" {
		return false, ErrMissingSignature
	}
	key, err := s.keys.GetKey(ctx, cp.KeyID)
	if err != nil {
		return false, fmt.Errorf("failed to resolve verification key: %w", err)
	}
	return audit.Verify(cp, key)
}

// CheckpointResult reports one checkpoint's verification outcome.
type CheckpointResult struct {
	Seq      uint32 `json:"seq"`
	Verified bool   `json:"verified"`
	Message  string `json:"message,omitempty"`
}

// OperationReport is the verification verdict for a whole operation.
type OperationReport struct {
	OperationID string             `json:"operationId"`
	Checkpoints []CheckpointResult `json:"checkpoints"`
	Valid       bool               `json:"valid"`
}

// VerifyOperation validates an operation's full checkpoint chain:
// signatures, dense 1-based sequence, contiguous chunk bounds, and
// monotonically increasing progress.
func (s *Service) VerifyOperation(ctx context.Context, operationID string, cps []*operation.Checkpoint) (*OperationReport, error) {
	report := &OperationReport{OperationID: operationID, Valid: true}

	var prevEnd uint64
	var prevProcessed uint64
	for i, cp := range cps {
		result := CheckpointResult{Seq: cp.Seq, Verified: true}

		if cp.Seq != uint32(i+1) {
			result.Verified = false
			result.Message = fmt.Sprintf("sequence %d at position %d: %v", cp.Seq, i+1, ErrBrokenSequence)
		}
		if result.Verified && i > 0 && cp.ChunkStart != prevEnd {
			result.Verified = false
			result.Message = fmt.Sprintf("chunk starts at %d, previous ended at %d", cp.ChunkStart, prevEnd)
		}
		if result.Verified && i > 0 && cp.ItemsProcessed <= prevProcessed {
			result.Verified = false
			result.Message = "progress did not advance"
		}
		if result.Verified {
			ok, err := s.Verify(ctx, cp)
			if err != nil {
				return nil, err
			}
			if !ok {
				result.Verified = false
				result.Message = "signature mismatch - possible tampering detected"
				s.logger.Warn().
					Str("operationId", operationID).
					Uint32("seq", cp.Seq).
					Msg("checkpoint signature verification failed")
			}
		}

		if !result.Verified {
			report.Valid = false
		}
		prevEnd = cp.ChunkEnd
		prevProcessed = cp.ItemsProcessed
		report.Checkpoints = append(report.Checkpoints, result)
	}

	return report, nil
}
