// Package state holds the deterministic in-memory controller machine the
// relay replicates. Every replica applies the same signed transactions in
// the same order; all timestamps and generated ids derive from the tx so
// replicas never diverge.
package state

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/canopyhub/canopy/internal/domain/collection"
	"github.com/canopyhub/canopy/internal/domain/controller"
	"github.com/canopyhub/canopy/internal/domain/envelope"
	"github.com/canopyhub/canopy/internal/domain/guard"
	"github.com/canopyhub/canopy/internal/domain/msglog"
	"github.com/canopyhub/canopy/internal/domain/peer"
	"github.com/canopyhub/canopy/internal/relay/protocol"
)

// Batch bounds enforced before any delivery item is counted. These match
// the limits the persistent message pipeline applies.
const (
	MaxMetadataBatch = 100
	MaxMintBatch     = 50
	MaxBurnBatch     = 100
	MaxTransferBatch = 100
)

const defaultBatchSize = 50

var (
	ErrNotInitialized     = errors.New("relay controller is not initialized")
	ErrAlreadyInitialized = errors.New("relay controller is already initialized")
	ErrUnsupportedCommand = errors.New("unsupported command tag")
	ErrBatchTooLarge      = errors.New("batch exceeds maximum size")
)

type snapshot struct {
	Controller      *controller.State          `json:"controller,omitempty"`
	Peers           map[uint32]peer.Peer       `json:"peers"`
	Collection      *collection.Manager        `json:"collection,omitempty"`
	RecordsByOrigin map[uint32][]msglog.Record `json:"recordsByOrigin"`
	AppliedTx       map[string]bool            `json:"appliedTx"`
}

// Machine is the deterministic controller state machine.
type Machine struct {
	mu sync.RWMutex
	s  snapshot
}

func NewMachine() *Machine {
	m := &Machine{}
	m.s = emptySnapshot()
	return m
}

func emptySnapshot() snapshot {
	return snapshot{
		Peers:           map[uint32]peer.Peer{},
		RecordsByOrigin: map[uint32][]msglog.Record{},
		AppliedTx:       map[string]bool{},
	}
}

// Marshal serializes the current machine snapshot.
func (m *Machine) Marshal() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(m.copySnapshotLocked())
}

// Unmarshal restores machine state from a snapshot payload.
func (m *Machine) Unmarshal(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty snapshot")
	}
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	normalizeSnapshot(&s)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = s
	return nil
}

func normalizeSnapshot(s *snapshot) {
	if s.Peers == nil {
		s.Peers = map[uint32]peer.Peer{}
	}
	if s.RecordsByOrigin == nil {
		s.RecordsByOrigin = map[uint32][]msglog.Record{}
	}
	if s.AppliedTx == nil {
		s.AppliedTx = map[string]bool{}
	}
}

func (m *Machine) copySnapshotLocked() snapshot {
	out := emptySnapshot()
	if m.s.Controller != nil {
		out.Controller = m.s.Controller.Clone()
	}
	if m.s.Collection != nil {
		out.Collection = m.s.Collection.Clone()
	}
	for k, v := range m.s.Peers {
		out.Peers[k] = v
	}
	for k, v := range m.s.RecordsByOrigin {
		out.RecordsByOrigin[k] = append([]msglog.Record(nil), v...)
	}
	for k, v := range m.s.AppliedTx {
		out.AppliedTx[k] = v
	}
	return out
}

// ApplyTx validates and applies one signed transaction. Re-applying a
// transaction id that already landed is a no-op, not an error.
func (m *Machine) ApplyTx(tx protocol.Tx) error {
	if err := tx.Verify(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s.AppliedTx[tx.ID] {
		return nil
	}
	at := tx.Timestamp.UTC()

	var err error
	switch tx.Op {
	case protocol.OpDeliverMessage:
		err = m.applyDeliverLocked(tx, at)
	case protocol.OpSetPeer:
		err = m.applySetPeerLocked(tx, at)
	case protocol.OpSetPaused:
		err = m.applySetPausedLocked(tx, at)
	case protocol.OpTransferAuthority:
		err = m.applyTransferAuthorityLocked(tx, at)
	case protocol.OpInitCollection:
		err = m.applyInitCollectionLocked(tx, at)
	default:
		err = fmt.Errorf("unsupported op: %s", tx.Op)
	}
	if err != nil {
		return err
	}
	m.s.AppliedTx[tx.ID] = true
	return nil
}

// applyDeliverLocked runs one message through the same pipeline the
// persistent dispatcher uses: decode, peer trust, replay guard, command
// execution, chain record. The tx timestamp stands in for wall time so
// every replica reaches the same verdict.
func (m *Machine) applyDeliverLocked(tx protocol.Tx, at time.Time) error {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(tx.Message))
	if err != nil {
		return fmt.Errorf("invalid message base64: %w", err)
	}
	sender, err := envelope.AddressFromHex(strings.TrimSpace(tx.Sender))
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}

	msgType, err := envelope.SniffType(raw)
	if err != nil {
		return err
	}
	if msgType == envelope.TypeCompose {
		return envelope.ErrComposeNotSupported
	}
	env, err := envelope.Decode(raw)
	if err != nil {
		return err
	}
	if !env.Command.Valid() {
		return fmt.Errorf("%w: %d", ErrUnsupportedCommand, uint8(env.Command))
	}

	p, ok := m.s.Peers[tx.OriginID]
	if !ok {
		return peer.ErrPeerNotFound
	}
	if err := p.Authorize(sender); err != nil {
		return err
	}

	if m.s.Controller == nil {
		return ErrNotInitialized
	}
	state := m.s.Controller
	if err := guard.Accept(state.ReplayCursor, env.Nonce, env.Timestamp, at); err != nil {
		return err
	}
	if state.Paused && env.Command != envelope.CmdSetPaused {
		return controller.ErrControllerPaused
	}

	staged := state.Clone()
	stagedMgr := m.s.Collection
	if stagedMgr != nil {
		stagedMgr = stagedMgr.Clone()
	}
	if err := m.dispatchLocked(env, staged, stagedMgr); err != nil {
		return err
	}
	if err := staged.AdvanceCursor(env.Nonce); err != nil {
		return err
	}

	var prev *msglog.Record
	if chain := m.s.RecordsByOrigin[tx.OriginID]; len(chain) > 0 {
		prev = &chain[len(chain)-1]
	}
	record, err := msglog.NewRecord(prev, tx.OriginID, env.Nonce, strings.TrimSpace(tx.GUID), sender, env.Command.String())
	if err != nil {
		return err
	}
	record.CreatedAt = at
	staged.LastUpdate = at
	if stagedMgr != nil {
		stagedMgr.LastUpdate = at
	}

	m.s.Controller = staged
	m.s.Collection = stagedMgr
	m.s.RecordsByOrigin[tx.OriginID] = append(m.s.RecordsByOrigin[tx.OriginID], *record)
	return nil
}

// dispatchLocked executes the decoded command against staged copies.
// Batch commands validate their bounds and count against capacity; the
// relay keeps no per-leaf tree, so item-level proofs are not re-checked
// here.
func (m *Machine) dispatchLocked(env envelope.Envelope, staged *controller.State, mgr *collection.Manager) error {
	switch env.Command {
	case envelope.CmdUpdateCollectionMetadata:
		p, err := envelope.DecodeMetadataPayload(env.Payload)
		if err != nil {
			return err
		}
		return staged.SetMetadata(p.URI, p.Name, p.Symbol)

	case envelope.CmdBatchUpdateMetadata:
		items, err := envelope.DecodeBatchUpdatePayload(env.Payload)
		if err != nil {
			return err
		}
		if len(items) > MaxMetadataBatch {
			return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(items), MaxMetadataBatch)
		}
		return nil

	case envelope.CmdTransferAuthority:
		next, err := envelope.DecodeAuthorityPayload(env.Payload)
		if err != nil {
			return err
		}
		staged.TransferAuthority(next)
		return nil

	case envelope.CmdSetPaused:
		paused, err := envelope.DecodePausePayload(env.Payload)
		if err != nil {
			return err
		}
		staged.SetPaused(paused)
		return nil

	case envelope.CmdMintItems:
		items, err := envelope.DecodeMintPayload(env.Payload)
		if err != nil {
			return err
		}
		if len(items) > MaxMintBatch {
			return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(items), MaxMintBatch)
		}
		if mgr == nil {
			return collection.ErrManagerNotFound
		}
		return mgr.IncrementMinted(uint64(len(items)))

	case envelope.CmdBurnItems:
		items, err := envelope.DecodeBurnPayload(env.Payload)
		if err != nil {
			return err
		}
		if len(items) > MaxBurnBatch {
			return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(items), MaxBurnBatch)
		}
		return nil

	case envelope.CmdTransferItems:
		items, err := envelope.DecodeTransferPayload(env.Payload)
		if err != nil {
			return err
		}
		if len(items) > MaxTransferBatch {
			return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(items), MaxTransferBatch)
		}
		return nil

	case envelope.CmdUpdateTreeConfig:
		p, err := envelope.DecodeTreeConfigPayload(env.Payload)
		if err != nil {
			return err
		}
		if mgr == nil {
			return collection.ErrManagerNotFound
		}
		return mgr.UpdateTreeConfig(p.MaxDepth, p.MaxBufferSize)

	case envelope.CmdVerifyTreeState:
		// The relay replicates controller state only; root attestations
		// need the leaf store and are handled by the persistent service.
		return fmt.Errorf("%w: %s", ErrUnsupportedCommand, env.Command)

	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedCommand, uint8(env.Command))
	}
}

func (m *Machine) applySetPeerLocked(tx protocol.Tx, at time.Time) error {
	payload, err := protocol.DecodePayload[protocol.SetPeerPayload](tx.Payload)
	if err != nil {
		return err
	}
	address, err := envelope.AddressFromHex(strings.TrimSpace(payload.Address))
	if err != nil {
		return fmt.Errorf("invalid peer address: %w", err)
	}
	p := peer.Peer{
		OriginID:  payload.OriginID,
		Address:   address,
		Trusted:   payload.Trusted,
		CreatedAt: at,
		UpdatedAt: at,
	}
	if existing, ok := m.s.Peers[payload.OriginID]; ok {
		p.CreatedAt = existing.CreatedAt
	}
	m.s.Peers[payload.OriginID] = p
	return nil
}

func (m *Machine) applySetPausedLocked(tx protocol.Tx, at time.Time) error {
	payload, err := protocol.DecodePayload[protocol.SetPausedPayload](tx.Payload)
	if err != nil {
		return err
	}
	if m.s.Controller == nil {
		return ErrNotInitialized
	}
	staged := m.s.Controller.Clone()
	staged.SetPaused(payload.Paused)
	staged.LastUpdate = at
	m.s.Controller = staged
	return nil
}

func (m *Machine) applyTransferAuthorityLocked(tx protocol.Tx, at time.Time) error {
	payload, err := protocol.DecodePayload[protocol.TransferAuthorityPayload](tx.Payload)
	if err != nil {
		return err
	}
	next, err := envelope.AddressFromHex(strings.TrimSpace(payload.Authority))
	if err != nil {
		return fmt.Errorf("invalid authority: %w", err)
	}
	if m.s.Controller == nil {
		return ErrNotInitialized
	}
	staged := m.s.Controller.Clone()
	staged.TransferAuthority(next)
	staged.LastUpdate = at
	m.s.Controller = staged
	if m.s.Collection != nil {
		mgr := m.s.Collection.Clone()
		mgr.Authority = next
		mgr.LastUpdate = at
		m.s.Collection = mgr
	}
	return nil
}

// applyInitCollectionLocked bootstraps controller state and the
// collection manager together. Generated ids derive from the tx id so
// every replica mints the same records.
func (m *Machine) applyInitCollectionLocked(tx protocol.Tx, at time.Time) error {
	payload, err := protocol.DecodePayload[protocol.InitCollectionPayload](tx.Payload)
	if err != nil {
		return err
	}
	if m.s.Controller != nil {
		return ErrAlreadyInitialized
	}
	authority, err := envelope.AddressFromHex(strings.TrimSpace(payload.Authority))
	if err != nil {
		return fmt.Errorf("invalid authority: %w", err)
	}
	if err := controller.ValidateMetadata(payload.URI, payload.Name, payload.Symbol); err != nil {
		return err
	}
	if err := collection.ValidateTreeBounds(payload.MaxDepth, payload.MaxBufferSize); err != nil {
		return err
	}

	batchSize := payload.BatchSize
	if batchSize == 0 {
		batchSize = defaultBatchSize
	}
	themeName := strings.TrimSpace(payload.InitialTheme)
	if themeName == "" {
		themeName = "default"
	}
	theme := collection.Theme{Name: themeName, CreatedAt: at}

	m.s.Controller = &controller.State{
		Authority:        authority,
		OriginID:         payload.OriginID,
		CollectionURI:    payload.URI,
		CollectionName:   payload.Name,
		CollectionSymbol: payload.Symbol,
		CreatedAt:        at,
		LastUpdate:       at,
	}
	m.s.Collection = &collection.Manager{
		ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte(tx.ID+"/manager")),
		Authority: authority,
		TreeID:    uuid.NewSHA1(uuid.NameSpaceOID, []byte(tx.ID+"/tree")),
		Config: collection.TreeConfig{
			MaxDepth:      payload.MaxDepth,
			MaxBufferSize: payload.MaxBufferSize,
			BatchSize:     batchSize,
			ChunkSize:     batchSize,
		},
		CurrentTheme:    theme,
		AvailableThemes: []collection.Theme{theme},
		IsActive:        true,
		CreatedAt:       at,
		LastUpdate:      at,
	}
	return nil
}

// Controller returns a copy of the replicated controller state.
func (m *Machine) Controller() (*controller.State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.s.Controller == nil {
		return nil, false
	}
	return m.s.Controller.Clone(), true
}

// Collection returns a copy of the replicated collection manager.
func (m *Machine) Collection() (*collection.Manager, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.s.Collection == nil {
		return nil, false
	}
	return m.s.Collection.Clone(), true
}

// Peer returns the registered peer for an origin.
func (m *Machine) Peer(originID uint32) (peer.Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.s.Peers[originID]
	return p, ok
}

// Peers lists registered peers ordered by origin id.
func (m *Machine) Peers() []peer.Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]peer.Peer, 0, len(m.s.Peers))
	for _, p := range m.s.Peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OriginID < out[j].OriginID })
	return out
}

// Records returns one origin's accepted-message chain, ascending.
func (m *Machine) Records(originID uint32, limit, offset int) []msglog.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.s.RecordsByOrigin[originID]
	start, end := pageWindow(len(chain), limit, offset)
	return append([]msglog.Record(nil), chain[start:end]...)
}

// Stats summarizes the machine for monitoring endpoints.
type Stats struct {
	Initialized  bool   `json:"initialized"`
	Paused       bool   `json:"paused"`
	ReplayCursor uint64 `json:"replayCursor"`
	Peers        int    `json:"peers"`
	Records      int    `json:"records"`
	TotalMinted  uint64 `json:"totalMinted"`
	AppliedTx    int    `json:"appliedTx"`
}

func (m *Machine) StateStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{
		Initialized: m.s.Controller != nil,
		Peers:       len(m.s.Peers),
		AppliedTx:   len(m.s.AppliedTx),
	}
	if m.s.Controller != nil {
		stats.Paused = m.s.Controller.Paused
		stats.ReplayCursor = m.s.Controller.ReplayCursor
	}
	if m.s.Collection != nil {
		stats.TotalMinted = m.s.Collection.TotalMinted
	}
	for _, chain := range m.s.RecordsByOrigin {
		stats.Records += len(chain)
	}
	return stats
}

func pageWindow(total, limit, offset int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return offset, end
}
