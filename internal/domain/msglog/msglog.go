// Package msglog keeps the tamper-evident log of accepted cross-chain
// messages. Each origin has its own hash chain: every committed message
// appends one record whose chain hash covers the previous record, so any
// later rewrite of history is detectable.
package msglog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/canopyhub/canopy/internal/domain/envelope"
)

var (
	ErrChainBroken    = errors.New("message hash chain is broken")
	ErrRecordNotFound = errors.New("message record not found")
)

// Record is one accepted message in an origin's chain.
type Record struct {
	ID         int64            `json:"id"`
	OriginID   uint32           `json:"originId"`
	Sequence   int64            `json:"sequence"` // position within the origin's chain
	Nonce      uint64           `json:"nonce"`
	GUID       string           `json:"guid"` // transport message id, hex
	Sender     envelope.Address `json:"sender"`
	Command    string           `json:"command"`
	RecordHash string           `json:"recordHash"` // SHA-256 of the canonical record content
	PrevHash   string           `json:"prevHash"`   // chain hash of the previous record, empty for genesis
	ChainHash  string           `json:"chainHash"`  // hash(recordHash + prevHash)
	CreatedAt  time.Time        `json:"createdAt"`
}

// hashInput is the canonical content covered by RecordHash.
type hashInput struct {
	OriginID uint32           `json:"originId"`
	Nonce    uint64           `json:"nonce"`
	GUID     string           `json:"guid"`
	Sender   envelope.Address `json:"sender"`
	Command  string           `json:"command"`
}

// ComputeRecordHash hashes the immutable identity of one accepted message.
func ComputeRecordHash(originID uint32, nonce uint64, guid string, sender envelope.Address, command string) (string, error) {
	data, err := json.Marshal(hashInput{
		OriginID: originID,
		Nonce:    nonce,
		GUID:     guid,
		Sender:   sender,
		Command:  command,
	})
	if err != nil {
		return "", fmt.Errorf("failed to serialize record for hashing: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ComputeChainHash links a record hash to its predecessor.
func ComputeChainHash(recordHash, prevHash string) string {
	sum := sha256.Sum256([]byte(recordHash + prevHash))
	return hex.EncodeToString(sum[:])
}

// NewRecord builds the next chain record after prev (nil for genesis).
func NewRecord(prev *Record, originID uint32, nonce uint64, guid string, sender envelope.Address, command string) (*Record, error) {
	recordHash, err := ComputeRecordHash(originID, nonce, guid, sender, command)
	if err != nil {
		return nil, err
	}
	seq := int64(1)
	prevHash := ""
	if prev != nil {
		seq = prev.Sequence + 1
		prevHash = prev.ChainHash
	}
	return &Record{
		OriginID:   originID,
		Sequence:   seq,
		Nonce:      nonce,
		GUID:       guid,
		Sender:     sender,
		Command:    command,
		RecordHash: recordHash,
		PrevHash:   prevHash,
		ChainHash:  ComputeChainHash(recordHash, prevHash),
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Verify recomputes the record's own hashes.
func (r *Record) Verify() bool {
	recordHash, err := ComputeRecordHash(r.OriginID, r.Nonce, r.GUID, r.Sender, r.Command)
	if err != nil {
		return false
	}
	if recordHash != r.RecordHash {
		return false
	}
	return ComputeChainHash(r.RecordHash, r.PrevHash) == r.ChainHash
}

// ChainBreak points at the first record where verification failed.
type ChainBreak struct {
	OriginID     uint32 `json:"originId"`
	Sequence     int64  `json:"sequence"`
	ExpectedHash string `json:"expectedHash"`
	ActualHash   string `json:"actualHash"`
}

// VerifyChain walks records (ascending sequence) and returns the first
// break, or nil when the chain is intact.
func VerifyChain(records []*Record) *ChainBreak {
	prevHash := ""
	for i, rec := range records {
		if i > 0 && rec.PrevHash != prevHash {
			return &ChainBreak{
				OriginID:     rec.OriginID,
				Sequence:     rec.Sequence,
				ExpectedHash: prevHash,
				ActualHash:   rec.PrevHash,
			}
		}
		if !rec.Verify() {
			return &ChainBreak{
				OriginID:     rec.OriginID,
				Sequence:     rec.Sequence,
				ExpectedHash: ComputeChainHash(rec.RecordHash, rec.PrevHash),
				ActualHash:   rec.ChainHash,
			}
		}
		prevHash = rec.ChainHash
	}
	return nil
}
