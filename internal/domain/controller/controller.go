// Package controller holds the singleton state of the local controller:
// who the authority is, which remote origin it obeys, how far the replay
// cursor has advanced, and the collection-level metadata that inbound
// commands mutate.
package controller

import (
	"errors"
	"fmt"
	"time"

	"github.com/canopyhub/canopy/internal/domain/envelope"
)

const (
	MaxURILength    = 200
	MaxNameLength   = 32
	MaxSymbolLength = 10
)

var (
	ErrURITooLong       = errors.New("metadata uri exceeds maximum length")
	ErrNameTooLong      = errors.New("metadata name exceeds maximum length")
	ErrSymbolTooLong    = errors.New("metadata symbol exceeds maximum length")
	ErrControllerPaused = errors.New("controller is paused")
	ErrNotAuthority     = errors.New("caller is not the controller authority")
	ErrCursorRegression = errors.New("replay cursor may not move backwards")
	ErrNotInitialized   = errors.New("controller state is not initialized")
	ErrAlreadyExists    = errors.New("controller state already initialized")
	ErrStaleState       = errors.New("controller state was modified concurrently")
)

// State is the one mutable record all inbound commands contend on.
type State struct {
	Authority        envelope.Address `json:"authority"`
	OriginID         uint32           `json:"originId"` // the remote chain this controller obeys
	CollectionURI    string           `json:"collectionUri"`
	CollectionName   string           `json:"collectionName"`
	CollectionSymbol string           `json:"collectionSymbol"`
	ReplayCursor     uint64           `json:"replayCursor"` // last accepted nonce
	Paused           bool             `json:"paused"`
	CreatedAt        time.Time        `json:"createdAt"`
	LastUpdate       time.Time        `json:"lastUpdate"`
}

// NewState initializes controller state with a zero cursor.
func NewState(authority envelope.Address, originID uint32, uri, name, symbol string) (*State, error) {
	if err := ValidateMetadata(uri, name, symbol); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &State{
		Authority:        authority,
		OriginID:         originID,
		CollectionURI:    uri,
		CollectionName:   name,
		CollectionSymbol: symbol,
		ReplayCursor:     0,
		Paused:           false,
		CreatedAt:        now,
		LastUpdate:       now,
	}, nil
}

// ValidateMetadata enforces the collection metadata bounds shared by the
// single and batched update commands.
func ValidateMetadata(uri, name, symbol string) error {
	if len(uri) > MaxURILength {
		return fmt.Errorf("%w: %d > %d", ErrURITooLong, len(uri), MaxURILength)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: %d > %d", ErrNameTooLong, len(name), MaxNameLength)
	}
	if len(symbol) > MaxSymbolLength {
		return fmt.Errorf("%w: %d > %d", ErrSymbolTooLong, len(symbol), MaxSymbolLength)
	}
	return nil
}

// SetMetadata replaces the stored collection metadata.
func (s *State) SetMetadata(uri, name, symbol string) error {
	if err := ValidateMetadata(uri, name, symbol); err != nil {
		return err
	}
	s.CollectionURI = uri
	s.CollectionName = name
	s.CollectionSymbol = symbol
	s.touch()
	return nil
}

// TransferAuthority hands control to a new key. The old authority keeps
// no residual rights.
func (s *State) TransferAuthority(next envelope.Address) {
	s.Authority = next
	s.touch()
}

// SetPaused flips the pause flag and nothing else.
func (s *State) SetPaused(paused bool) {
	s.Paused = paused
	s.touch()
}

// AdvanceCursor moves the replay cursor forward. Gaps are legal; moving
// backwards or standing still is not.
func (s *State) AdvanceCursor(nonce uint64) error {
	if nonce <= s.ReplayCursor {
		return fmt.Errorf("%w: %d <= %d", ErrCursorRegression, nonce, s.ReplayCursor)
	}
	s.ReplayCursor = nonce
	s.touch()
	return nil
}

// Clone returns an independent copy, used by the dispatcher to stage
// mutations that must not leak on rejection.
func (s *State) Clone() *State {
	cp := *s
	return &cp
}

func (s *State) touch() {
	s.LastUpdate = time.Now().UTC()
}
