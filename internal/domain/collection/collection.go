// Package collection models the managed item collection: a virtual tree
// holding up to 2^depth items, its theme catalog, and the sizing
// parameters bulk operations chunk their work by.
package collection

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/canopyhub/canopy/internal/domain/envelope"
)

// Bounds accepted by the tree-configuration command. Tighter ranges
// apply when provisioning a large collection, see Plan.
const (
	MinTreeDepth      uint32 = 3
	MaxTreeDepth      uint32 = 30
	MinTreeBufferSize uint32 = 8
	MaxTreeBufferSize uint32 = 2048
)

var (
	ErrInvalidTreeConfig = errors.New("tree configuration out of range")
	ErrCollectionFull    = errors.New("collection is at capacity")
	ErrCollectionClosed  = errors.New("collection is not active")
	ErrTooManyThemes     = errors.New("theme limit reached")
	ErrDuplicateTheme    = errors.New("theme name already registered")
	ErrThemeNotFound     = errors.New("theme not found")
	ErrManagerNotFound   = errors.New("collection manager not found")
	ErrStaleManager      = errors.New("collection manager was modified concurrently")
)

// TreeConfig captures the sizing of the underlying compressed tree and
// the batching parameters derived from it.
type TreeConfig struct {
	MaxDepth      uint32 `json:"maxDepth"`
	MaxBufferSize uint32 `json:"maxBufferSize"`
	BatchSize     uint32 `json:"batchSize"`
	ChunkSize     uint32 `json:"chunkSize"`
}

// ValidateTreeBounds checks a depth/buffer pair against the ranges the
// tree-configuration command accepts.
func ValidateTreeBounds(maxDepth, maxBufferSize uint32) error {
	if maxDepth < MinTreeDepth || maxDepth > MaxTreeDepth {
		return fmt.Errorf("%w: depth %d not in [%d,%d]", ErrInvalidTreeConfig, maxDepth, MinTreeDepth, MaxTreeDepth)
	}
	if maxBufferSize < MinTreeBufferSize || maxBufferSize > MaxTreeBufferSize {
		return fmt.Errorf("%w: buffer %d not in [%d,%d]", ErrInvalidTreeConfig, maxBufferSize, MinTreeBufferSize, MaxTreeBufferSize)
	}
	return nil
}

// Manager is the collection's control record.
type Manager struct {
	ID              uuid.UUID        `json:"id"`
	Authority       envelope.Address `json:"authority"`
	TreeID          uuid.UUID        `json:"treeId"`
	Config          TreeConfig       `json:"config"`
	CurrentTheme    Theme            `json:"currentTheme"`
	AvailableThemes []Theme          `json:"availableThemes"`
	TotalMinted     uint64           `json:"totalMinted"`
	IsActive        bool             `json:"isActive"`
	CreatedAt       time.Time        `json:"createdAt"`
	LastUpdate      time.Time        `json:"lastUpdate"`
}

// NewManager creates an active, empty collection around an existing tree.
func NewManager(authority envelope.Address, treeID uuid.UUID, config TreeConfig, theme Theme) (*Manager, error) {
	if err := ValidateTreeBounds(config.MaxDepth, config.MaxBufferSize); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Manager{
		ID:              uuid.New(),
		Authority:       authority,
		TreeID:          treeID,
		Config:          config,
		CurrentTheme:    theme,
		AvailableThemes: []Theme{theme},
		TotalMinted:     0,
		IsActive:        true,
		CreatedAt:       now,
		LastUpdate:      now,
	}, nil
}

// Capacity is the hard item limit implied by the tree depth.
func (m *Manager) Capacity() uint64 {
	return 1 << m.Config.MaxDepth
}

// Utilization reports how full the collection is, as a percentage.
func (m *Manager) Utilization() float64 {
	return float64(m.TotalMinted) / float64(m.Capacity()) * 100.0
}

// CanMint reports whether count more items fit.
func (m *Manager) CanMint(count uint64) bool {
	return m.TotalMinted+count <= m.Capacity()
}

// IncrementMinted records newly minted items, refusing to overshoot
// capacity.
func (m *Manager) IncrementMinted(count uint64) error {
	if !m.CanMint(count) {
		return fmt.Errorf("%w: %d + %d > %d", ErrCollectionFull, m.TotalMinted, count, m.Capacity())
	}
	m.TotalMinted += count
	m.touch()
	return nil
}

// AddTheme registers an alternative theme. At most MaxThemes may exist
// and names must be unique.
func (m *Manager) AddTheme(theme Theme) error {
	if len(m.AvailableThemes) >= MaxThemes {
		return fmt.Errorf("%w: %d themes registered", ErrTooManyThemes, len(m.AvailableThemes))
	}
	for _, existing := range m.AvailableThemes {
		if existing.Name == theme.Name {
			return fmt.Errorf("%w: %q", ErrDuplicateTheme, theme.Name)
		}
	}
	m.AvailableThemes = append(m.AvailableThemes, theme)
	m.touch()
	return nil
}

// SwitchTheme makes a registered theme current.
func (m *Manager) SwitchTheme(name string) error {
	for _, theme := range m.AvailableThemes {
		if theme.Name == name {
			m.CurrentTheme = theme
			m.touch()
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrThemeNotFound, name)
}

// Theme returns the registered theme by name.
func (m *Manager) Theme(name string) (Theme, bool) {
	for _, theme := range m.AvailableThemes {
		if theme.Name == name {
			return theme, true
		}
	}
	return Theme{}, false
}

// UpdateTreeConfig applies a validated depth/buffer change. Shrinking
// below the already-minted population is refused.
func (m *Manager) UpdateTreeConfig(maxDepth, maxBufferSize uint32) error {
	if err := ValidateTreeBounds(maxDepth, maxBufferSize); err != nil {
		return err
	}
	if newCapacity := uint64(1) << maxDepth; newCapacity < m.TotalMinted {
		return fmt.Errorf("%w: capacity %d below minted %d", ErrInvalidTreeConfig, newCapacity, m.TotalMinted)
	}
	m.Config.MaxDepth = maxDepth
	m.Config.MaxBufferSize = maxBufferSize
	m.touch()
	return nil
}

// Clone returns a deep copy safe to stage changes on.
func (m *Manager) Clone() *Manager {
	clone := *m
	clone.AvailableThemes = make([]Theme, len(m.AvailableThemes))
	for i, theme := range m.AvailableThemes {
		clone.AvailableThemes[i] = theme
		clone.AvailableThemes[i].Attributes = append([]Attribute(nil), theme.Attributes...)
	}
	clone.CurrentTheme.Attributes = append([]Attribute(nil), m.CurrentTheme.Attributes...)
	return &clone
}

func (m *Manager) touch() {
	m.LastUpdate = time.Now().UTC()
}
