// Package tree is the boundary to the external tree-compression service.
// The controller core never touches leaf cryptography itself; every
// per-item mutation and every proof check goes through Service, and every
// per-item attribute query goes through ItemIndex.
package tree

import (
	"context"
	"errors"

	"github.com/canopyhub/canopy/internal/domain/envelope"
)

var (
	ErrInvalidProof = errors.New("tree proof is invalid")
	ErrLeafNotFound = errors.New("leaf not found")
)

// Leaf is one item handed to the tree service for insertion.
type Leaf struct {
	Index  uint64           `json:"index"`
	Owner  envelope.Address `json:"owner"`
	Name   string           `json:"name"`
	Symbol string           `json:"symbol"`
	URI    string           `json:"uri"`
}

// Service performs the compressed-tree mutation primitives. All methods
// are atomic per call on the collaborator side; the engine relies on
// that when it commits chunk progress afterwards.
type Service interface {
	Append(ctx context.Context, leaves []Leaf) error
	UpdateLeaf(ctx context.Context, index uint64, uri string, proof [][32]byte) error
	BurnLeaf(ctx context.Context, index uint64, owner envelope.Address, proof [][32]byte) error
	TransferLeaf(ctx context.Context, index uint64, from, to envelope.Address, proof [][32]byte) error
	// VerifyRoot checks a root attestation against the collaborator's
	// view of the tree. The proof must be non-empty.
	VerifyRoot(ctx context.Context, root [32]byte, itemCount, sequence uint64, proof [][32]byte) error
}

// ItemIndex answers per-item queries used by bulk-criteria resolution.
type ItemIndex interface {
	TierOf(ctx context.Context, index uint64) (string, error)
	AttributesOf(ctx context.Context, index uint64) (map[string]interface{}, error)
}
