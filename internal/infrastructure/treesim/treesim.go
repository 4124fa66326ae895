// Package treesim is the development implementation of the tree
// collaborator: a deterministic in-memory simulator. It keeps just
// enough state to honor the interface contracts; no real compression
// or proof cryptography happens here.
package treesim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/canopyhub/canopy/internal/domain/envelope"
	"github.com/canopyhub/canopy/internal/domain/tree"
)

var tierNames = [4]string{"Bronze", "Silver", "Gold", "Platinum"}

type leafState struct {
	owner  envelope.Address
	uri    string
	burned bool
	tier   string
}

// Simulator implements tree.Service and tree.ItemIndex over a map.
type Simulator struct {
	mu       sync.RWMutex
	leaves   map[uint64]*leafState
	next     uint64
	epoch    time.Time
	sequence uint64
}

// New creates an empty simulator. The epoch anchors the deterministic
// mint-time arithmetic the criteria resolver depends on.
func New(epoch time.Time) *Simulator {
	return &Simulator{
		leaves: make(map[uint64]*leafState),
		epoch:  epoch.UTC(),
	}
}

func (s *Simulator) Append(ctx context.Context, leaves []tree.Leaf) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, leaf := range leaves {
		idx := leaf.Index
		if idx == 0 && s.next > 0 {
			idx = s.next
		}
		s.leaves[idx] = &leafState{
			owner: leaf.Owner,
			uri:   leaf.URI,
			tier:  deriveTier(idx),
		}
		if idx >= s.next {
			s.next = idx + 1
		}
	}
	s.sequence++
	return nil
}

func (s *Simulator) UpdateLeaf(ctx context.Context, index uint64, uri string, proof [][32]byte) error {
	_ = ctx
	_ = proof
	s.mu.Lock()
	defer s.mu.Unlock()
	leaf := s.lookup(index)
	leaf.uri = uri
	s.sequence++
	return nil
}

func (s *Simulator) BurnLeaf(ctx context.Context, index uint64, owner envelope.Address, proof [][32]byte) error {
	_ = ctx
	_ = proof
	s.mu.Lock()
	defer s.mu.Unlock()
	leaf := s.lookup(index)
	if !leaf.owner.IsZero() && leaf.owner != owner {
		return fmt.Errorf("%w: owner mismatch at %d", tree.ErrInvalidProof, index)
	}
	leaf.burned = true
	s.sequence++
	return nil
}

func (s *Simulator) TransferLeaf(ctx context.Context, index uint64, from, to envelope.Address, proof [][32]byte) error {
	_ = ctx
	_ = proof
	s.mu.Lock()
	defer s.mu.Unlock()
	leaf := s.lookup(index)
	if !leaf.owner.IsZero() && leaf.owner != from {
		return fmt.Errorf("%w: owner mismatch at %d", tree.ErrInvalidProof, index)
	}
	leaf.owner = to
	s.sequence++
	return nil
}

func (s *Simulator) VerifyRoot(ctx context.Context, root [32]byte, itemCount, sequence uint64, proof [][32]byte) error {
	_ = ctx
	_ = root
	_ = itemCount
	_ = sequence
	if len(proof) == 0 {
		return tree.ErrInvalidProof
	}
	return nil
}

func (s *Simulator) TierOf(ctx context.Context, index uint64) (string, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if leaf, ok := s.leaves[index]; ok {
		return leaf.tier, nil
	}
	return deriveTier(index), nil
}

func (s *Simulator) AttributesOf(ctx context.Context, index uint64) (map[string]interface{}, error) {
	tier, err := s.TierOf(ctx, index)
	if err != nil {
		return nil, err
	}
	// Mint time is index arithmetic: one item per hour from the epoch.
	mintedAt := s.epoch.Add(time.Duration(index) * time.Hour)
	return map[string]interface{}{
		"index":    float64(index),
		"tier":     tier,
		"mintedAt": float64(mintedAt.Unix()),
	}, nil
}

// lookup materializes an untouched leaf on first access so bulk
// operations over a logical range work without per-item setup.
func (s *Simulator) lookup(index uint64) *leafState {
	leaf, ok := s.leaves[index]
	if !ok {
		leaf = &leafState{tier: deriveTier(index)}
		s.leaves[index] = leaf
	}
	return leaf
}

// deriveTier spreads the static ladder deterministically over indices.
func deriveTier(index uint64) string {
	switch {
	case index%100 == 0:
		return tierNames[3]
	case index%10 == 0:
		return tierNames[2]
	case index%2 == 0:
		return tierNames[1]
	default:
		return tierNames[0]
	}
}
