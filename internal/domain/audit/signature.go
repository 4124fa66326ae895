// Package audit fixes the canonical byte layout a checkpoint signature
// covers and the HMAC primitives computed over it. The application
// layer resolves key material; this package owns what gets signed.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/canopyhub/canopy/internal/domain/operation"
)

// canonicalCheckpoint is the signed portion of a checkpoint. Field
// order matters: changing it invalidates every stored signature.
type canonicalCheckpoint struct {
	OperationID    string `json:"operationId"`
	Seq            uint32 `json:"seq"`
	ChunkStart     uint64 `json:"chunkStart"`
	ChunkEnd       uint64 `json:"chunkEnd"`
	ItemsProcessed uint64 `json:"itemsProcessed"`
	ItemsTotal     uint64 `json:"itemsTotal"`
	CreatedAt      int64  `json:"createdAt"`
}

// CanonicalBytes serializes the signed portion of a checkpoint.
func CanonicalBytes(cp *operation.Checkpoint) ([]byte, error) {
	data, err := json.Marshal(canonicalCheckpoint{
		OperationID:    cp.OperationID,
		Seq:            cp.Seq,
		ChunkStart:     cp.ChunkStart,
		ChunkEnd:       cp.ChunkEnd,
		ItemsProcessed: cp.ItemsProcessed,
		ItemsTotal:     cp.ItemsTotal,
		CreatedAt:      cp.CreatedAt.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize checkpoint: %w", err)
	}
	return data, nil
}

// Sign computes the checkpoint HMAC under key.
func Sign(cp *operation.Checkpoint, key []byte) ([]byte, error) {
	data, err := CanonicalBytes(cp)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil), nil
}

// Verify recomputes the checkpoint HMAC and compares it against the
// stored signature. An unsigned checkpoint never verifies.
func Verify(cp *operation.Checkpoint, key []byte) (bool, error) {
	if len(cp.Signature) == 0 {
		return false, nil
	}
	expected, err := Sign(cp, key)
	if err != nil {
		return false, err
	}
	return hmac.Equal(expected, cp.Signature), nil
}
