package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyhub/canopy/internal/application/engine"
	"github.com/canopyhub/canopy/internal/domain/collection"
	"github.com/canopyhub/canopy/internal/domain/controller"
	"github.com/canopyhub/canopy/internal/domain/envelope"
	"github.com/canopyhub/canopy/internal/domain/guard"
	"github.com/canopyhub/canopy/internal/domain/msglog"
	"github.com/canopyhub/canopy/internal/domain/operation"
	"github.com/canopyhub/canopy/internal/domain/peer"
	"github.com/canopyhub/canopy/internal/infrastructure/treesim"
)

type memRecords struct {
	mu   sync.Mutex
	recs []*msglog.Record
}

func (m *memRecords) Latest(ctx context.Context, originID uint32) (*msglog.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *msglog.Record
	for _, r := range m.recs {
		if r.OriginID == originID {
			latest = r
		}
	}
	return latest, nil
}

func (m *memRecords) ListByOrigin(ctx context.Context, originID uint32, limit int) ([]*msglog.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*msglog.Record, 0)
	for _, r := range m.recs {
		if r.OriginID == originID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRecords) GetByGUID(ctx context.Context, guid string) (*msglog.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.recs {
		if r.GUID == guid {
			return r, nil
		}
	}
	return nil, nil
}

type memControllers struct {
	mu         sync.Mutex
	state      *controller.State
	records    *memRecords
	managers   *memManagers
	failCommit error // returned (once) by the next Commit
}

func (m *memControllers) Get(ctx context.Context) (*controller.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, nil
	}
	return m.state.Clone(), nil
}

func (m *memControllers) Init(ctx context.Context, state *controller.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != nil {
		return controller.ErrAlreadyExists
	}
	m.state = state.Clone()
	return nil
}

func (m *memControllers) Commit(ctx context.Context, commit controller.Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCommit != nil {
		err := m.failCommit
		m.failCommit = nil
		return err
	}
	if m.state == nil {
		return controller.ErrNotInitialized
	}
	if m.state.ReplayCursor != commit.ExpectedCursor {
		return controller.ErrStaleState
	}
	m.state = commit.State.Clone()
	if commit.Manager != nil && m.managers != nil {
		m.managers.mu.Lock()
		m.managers.primary = commit.Manager.Clone()
		m.managers.mu.Unlock()
	}
	m.records.mu.Lock()
	m.records.recs = append(m.records.recs, commit.Record)
	m.records.mu.Unlock()
	return nil
}

func (m *memControllers) UpdateAdmin(ctx context.Context, state *controller.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state.Clone()
	return nil
}

type memPeers struct {
	mu    sync.Mutex
	peers map[uint32]*peer.Peer
}

func (m *memPeers) Get(ctx context.Context, originID uint32) (*peer.Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[originID], nil
}

func (m *memPeers) Upsert(ctx context.Context, p *peer.Peer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[p.OriginID] = p
	return nil
}

func (m *memPeers) List(ctx context.Context) ([]*peer.Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*peer.Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out, nil
}

func (m *memPeers) Delete(ctx context.Context, originID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, originID)
	return nil
}

type memManagers struct {
	mu      sync.Mutex
	primary *collection.Manager
}

func (m *memManagers) Get(ctx context.Context, id uuid.UUID) (*collection.Manager, error) {
	return m.GetPrimary(ctx)
}

func (m *memManagers) GetPrimary(ctx context.Context) (*collection.Manager, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.primary == nil {
		return nil, nil
	}
	return m.primary.Clone(), nil
}

func (m *memManagers) Create(ctx context.Context, manager *collection.Manager) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.primary = manager.Clone()
	return nil
}

func (m *memManagers) Update(ctx context.Context, manager *collection.Manager) error {
	return m.Create(ctx, manager)
}

func (m *memManagers) IncrementMinted(ctx context.Context, id uuid.UUID, expected, count uint64) (*collection.Manager, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.primary.TotalMinted != expected {
		return nil, collection.ErrStaleManager
	}
	if err := m.primary.IncrementMinted(count); err != nil {
		return nil, err
	}
	return m.primary.Clone(), nil
}

// recordingEndpoint counts Clear calls and can be poisoned.
type recordingEndpoint struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (e *recordingEndpoint) Clear(ctx context.Context, originID uint32, sender envelope.Address, nonce uint64, guid string, message []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return e.fail
}

// fakeEngine records submitted batch requests and honors the
// operation-id idempotency contract the real engine enforces.
type fakeEngine struct {
	mu       sync.Mutex
	requests []engine.Request
	seen     map[string]bool
	fail     error
}

func (e *fakeEngine) SubmitAndRun(ctx context.Context, req engine.Request) (*operation.Operation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, req)
	if e.fail != nil {
		return nil, e.fail
	}
	if req.OperationID != "" {
		if e.seen == nil {
			e.seen = map[string]bool{}
		}
		if e.seen[req.OperationID] {
			return nil, operation.ErrDuplicateOperation
		}
		e.seen[req.OperationID] = true
	}
	total := uint64(len(req.Updates) + len(req.MintItems) + len(req.BurnItems) + len(req.TransferItems))
	op, err := operation.New(req.OperationID, req.Kind, nil, total)
	if err != nil {
		return nil, err
	}
	_ = op.Start()
	_ = op.Complete(time.Now().UTC())
	return op, nil
}

type dispatcherFixture struct {
	svc         *Service
	controllers *memControllers
	peers       *memPeers
	records     *memRecords
	managers    *memManagers
	endpoint    *recordingEndpoint
	engine      *fakeEngine
	sender      envelope.Address
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	var sender envelope.Address
	sender[0] = 0x5E

	state, err := controller.NewState(sender, 30101, "https://metadata.test/c.json", "Canopy", "CNP")
	require.NoError(t, err)
	state.ReplayCursor = 4

	records := &memRecords{}
	controllers := &memControllers{state: state, records: records}
	peers := &memPeers{peers: map[uint32]*peer.Peer{
		30101: {OriginID: 30101, Address: sender, Trusted: true},
	}}

	theme := collection.NewTheme("genesis", "https://metadata.test/genesis")
	mgr, err := collection.NewManager(sender, uuid.New(), collection.TreeConfig{
		MaxDepth: 14, MaxBufferSize: 64, BatchSize: 100, ChunkSize: 10,
	}, theme)
	require.NoError(t, err)
	managers := &memManagers{primary: mgr}
	controllers.managers = managers

	ep := &recordingEndpoint{}
	eng := &fakeEngine{}
	svc := NewService(controllers, peers, records, managers, treesim.New(time.Now()), ep, eng, nil, zerolog.Nop())
	return &dispatcherFixture{
		svc:         svc,
		controllers: controllers,
		peers:       peers,
		records:     records,
		managers:    managers,
		endpoint:    ep,
		engine:      eng,
		sender:      sender,
	}
}

func (fx *dispatcherFixture) deliver(t *testing.T, nonce uint64, cmd envelope.Command, payload []byte) (Outcome, error) {
	t.Helper()
	return fx.deliverGUID(t, uuid.New().String(), nonce, cmd, payload)
}

func (fx *dispatcherFixture) deliverGUID(t *testing.T, guid string, nonce uint64, cmd envelope.Command, payload []byte) (Outcome, error) {
	t.Helper()
	msg := envelope.Encode(cmd, nonce, time.Now().Unix(), payload)
	return fx.svc.Deliver(context.Background(), Delivery{
		OriginID: 30101,
		Sender:   fx.sender,
		Nonce:    nonce,
		GUID:     guid,
		Message:  msg,
	})
}

func TestDeliverCommitsAndAdvancesCursor(t *testing.T) {
	fx := newDispatcherFixture(t)

	payload := envelope.EncodeMetadataPayload(envelope.MetadataPayload{
		URI: "https://metadata.test/v2.json", Name: "Canopy V2", Symbol: "CNP2",
	})
	outcome, err := fx.deliver(t, 5, envelope.CmdUpdateCollectionMetadata, payload)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, outcome.Status)
	assert.Equal(t, uint64(5), outcome.Nonce)

	state, err := fx.controllers.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), state.ReplayCursor)
	assert.Equal(t, "Canopy V2", state.CollectionName)

	recs, err := fx.records.ListByOrigin(context.Background(), 30101, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "update_collection_metadata", recs[0].Command)
	assert.True(t, recs[0].Verify())

	// Same nonce again: the cursor has moved, so replay protection fires.
	outcome, err = fx.deliver(t, 5, envelope.CmdUpdateCollectionMetadata, payload)
	assert.ErrorIs(t, err, guard.ErrInvalidNonce)
	assert.Equal(t, StatusRejected, outcome.Status)
}

func TestNonceGapsAreLegal(t *testing.T) {
	fx := newDispatcherFixture(t)

	payload := envelope.EncodePausePayload(true)
	_, err := fx.deliver(t, 42, envelope.CmdSetPaused, payload)
	require.NoError(t, err)

	state, err := fx.controllers.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), state.ReplayCursor)
	assert.True(t, state.Paused)
}

func TestRejectionLeavesStateUntouched(t *testing.T) {
	fx := newDispatcherFixture(t)
	fx.peers.peers[30101].Trusted = false

	payload := envelope.EncodeMetadataPayload(envelope.MetadataPayload{URI: "https://x", Name: "X", Symbol: "X"})
	outcome, err := fx.deliver(t, 5, envelope.CmdUpdateCollectionMetadata, payload)
	assert.ErrorIs(t, err, peer.ErrUntrustedPeer)
	assert.Equal(t, StatusRejected, outcome.Status)

	state, err := fx.controllers.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), state.ReplayCursor, "cursor must not move on rejection")
	assert.Equal(t, "Canopy", state.CollectionName)

	recs, _ := fx.records.ListByOrigin(context.Background(), 30101, 10)
	assert.Empty(t, recs, "rejected messages never enter the log")
	assert.Equal(t, 1, fx.endpoint.calls, "clear still happens before verification")
}

func TestClearFailureRejectsBeforeDecode(t *testing.T) {
	fx := newDispatcherFixture(t)
	fx.endpoint.fail = errors.New("transport unavailable")

	payload := envelope.EncodePausePayload(true)
	_, err := fx.deliver(t, 5, envelope.CmdSetPaused, payload)
	assert.ErrorIs(t, err, ErrEndpointClear)
}

func TestMalformedMessageStillGetsCleared(t *testing.T) {
	fx := newDispatcherFixture(t)

	_, err := fx.svc.Deliver(context.Background(), Delivery{
		OriginID: 30101,
		Sender:   fx.sender,
		Nonce:    5,
		GUID:     uuid.New().String(),
		Message:  []byte{0x01, 0x02},
	})
	assert.ErrorIs(t, err, envelope.ErrMalformedEnvelope)
	assert.Equal(t, 1, fx.endpoint.calls)
}

func TestComposeMessagesRejected(t *testing.T) {
	fx := newDispatcherFixture(t)

	_, err := fx.svc.Deliver(context.Background(), Delivery{
		OriginID: 30101,
		Sender:   fx.sender,
		Nonce:    5,
		GUID:     uuid.New().String(),
		Message:  []byte{0xFF, 0x00, 0x01, 0x02},
	})
	assert.ErrorIs(t, err, envelope.ErrComposeNotSupported)
}

func TestStaleTimestampRejected(t *testing.T) {
	fx := newDispatcherFixture(t)

	msg := envelope.Encode(envelope.CmdSetPaused, 5, time.Now().Add(-2*time.Hour).Unix(),
		envelope.EncodePausePayload(true))
	_, err := fx.svc.Deliver(context.Background(), Delivery{
		OriginID: 30101, Sender: fx.sender, Nonce: 5, GUID: uuid.New().String(), Message: msg,
	})
	assert.ErrorIs(t, err, guard.ErrMessageTooOld)
}

func TestPausedControllerAcceptsOnlySetPaused(t *testing.T) {
	fx := newDispatcherFixture(t)
	fx.controllers.state.Paused = true

	payload := envelope.EncodeMetadataPayload(envelope.MetadataPayload{URI: "https://x", Name: "X", Symbol: "X"})
	_, err := fx.deliver(t, 5, envelope.CmdUpdateCollectionMetadata, payload)
	assert.ErrorIs(t, err, controller.ErrControllerPaused)

	// The unpause command itself must get through, or the controller
	// could never recover cross-chain.
	outcome, err := fx.deliver(t, 6, envelope.CmdSetPaused, envelope.EncodePausePayload(false))
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, outcome.Status)

	state, _ := fx.controllers.Get(context.Background())
	assert.False(t, state.Paused)
}

func TestMintBatchBoundEnforcedBeforeEngine(t *testing.T) {
	fx := newDispatcherFixture(t)

	items := make([]envelope.MintItem, 150)
	for i := range items {
		items[i] = envelope.MintItem{Recipient: fx.sender, Name: "c", Symbol: "c", URI: "https://x"}
	}
	_, err := fx.deliver(t, 5, envelope.CmdMintItems, envelope.EncodeMintPayload(items))
	assert.ErrorIs(t, err, ErrMintBatchTooLarge)
	assert.Empty(t, fx.engine.requests, "oversized batch must not reach the engine")

	state, _ := fx.controllers.Get(context.Background())
	assert.Equal(t, uint64(4), state.ReplayCursor)
}

func TestBatchUpdateDelegatesToEngine(t *testing.T) {
	fx := newDispatcherFixture(t)

	items := []envelope.ItemUpdate{
		{LeafIndex: 1, URI: "https://metadata.test/1.json"},
		{LeafIndex: 2, URI: "https://metadata.test/2.json"},
		{LeafIndex: 3, URI: "https://metadata.test/3.json"},
	}
	outcome, err := fx.deliver(t, 5, envelope.CmdBatchUpdateMetadata, envelope.EncodeBatchUpdatePayload(items))
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, outcome.Status)
	assert.NotEmpty(t, outcome.OperationID)

	require.Len(t, fx.engine.requests, 1)
	assert.Equal(t, operation.KindMetadataUpdate, fx.engine.requests[0].Kind)
	assert.Len(t, fx.engine.requests[0].Updates, 3)
}

func TestTreeConfigCommitsWithControllerState(t *testing.T) {
	fx := newDispatcherFixture(t)

	payload := envelope.EncodeTreeConfigPayload(envelope.TreeConfigPayload{MaxDepth: 16, MaxBufferSize: 128})
	outcome, err := fx.deliver(t, 5, envelope.CmdUpdateTreeConfig, payload)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, outcome.Status)

	mgr, err := fx.managers.GetPrimary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(16), mgr.Config.MaxDepth)
	assert.Equal(t, uint32(128), mgr.Config.MaxBufferSize)

	state, _ := fx.controllers.Get(context.Background())
	assert.Equal(t, uint64(5), state.ReplayCursor)
}

func TestRejectedTreeConfigLeavesManagerUntouched(t *testing.T) {
	fx := newDispatcherFixture(t)
	fx.controllers.failCommit = controller.ErrStaleState

	payload := envelope.EncodeTreeConfigPayload(envelope.TreeConfigPayload{MaxDepth: 20, MaxBufferSize: 256})
	outcome, err := fx.deliver(t, 5, envelope.CmdUpdateTreeConfig, payload)
	assert.ErrorIs(t, err, controller.ErrStaleState)
	assert.Equal(t, StatusRejected, outcome.Status)

	mgr, err := fx.managers.GetPrimary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(14), mgr.Config.MaxDepth, "config must not land without the cursor")

	state, _ := fx.controllers.Get(context.Background())
	assert.Equal(t, uint64(4), state.ReplayCursor)
}

func TestRedeliveredBatchRunsOnce(t *testing.T) {
	fx := newDispatcherFixture(t)
	guid := uuid.New().String()
	payload := envelope.EncodeBatchUpdatePayload([]envelope.ItemUpdate{
		{LeafIndex: 1, URI: "https://metadata.test/1.json"},
	})

	// The batch runs, then the cursor commit loses its race: the
	// message ends up rejected with the operation already executed.
	fx.controllers.failCommit = controller.ErrStaleState
	outcome, err := fx.deliverGUID(t, guid, 5, envelope.CmdBatchUpdateMetadata, payload)
	assert.ErrorIs(t, err, controller.ErrStaleState)
	assert.Equal(t, StatusRejected, outcome.Status)
	require.Len(t, fx.engine.requests, 1)
	assert.Equal(t, "msg-"+guid, fx.engine.requests[0].OperationID)

	// The origin redelivers the same message. The derived operation id
	// collides, so the engine refuses to run the mutation again.
	outcome, err = fx.deliverGUID(t, guid, 5, envelope.CmdBatchUpdateMetadata, payload)
	assert.ErrorIs(t, err, operation.ErrDuplicateOperation)
	assert.Equal(t, StatusRejected, outcome.Status)
	require.Len(t, fx.engine.requests, 2)
	assert.Equal(t, fx.engine.requests[0].OperationID, fx.engine.requests[1].OperationID)
}

func TestTransferAuthorityReplacesKey(t *testing.T) {
	fx := newDispatcherFixture(t)
	var next envelope.Address
	next[0] = 0x99

	_, err := fx.deliver(t, 5, envelope.CmdTransferAuthority, envelope.EncodeAuthorityPayload(next))
	require.NoError(t, err)

	state, _ := fx.controllers.Get(context.Background())
	assert.Equal(t, next, state.Authority)
}

func TestVerifyTreeStateRequiresProof(t *testing.T) {
	fx := newDispatcherFixture(t)

	payload := envelope.EncodeTreeStatePayload(envelope.TreeStatePayload{ItemCount: 1, Sequence: 1})
	_, err := fx.deliver(t, 5, envelope.CmdVerifyTreeState, payload)
	assert.Error(t, err)
}

func TestDiscoveryOrderIsFixed(t *testing.T) {
	fx := newDispatcherFixture(t)

	resources := fx.svc.Discover(context.Background(), 30101, fx.sender.String())
	require.Len(t, resources, 4)
	assert.Equal(t, "controller_state", resources[0].Name)
	assert.True(t, resources[0].Writable)
	assert.Equal(t, "peer", resources[1].Name)
	assert.False(t, resources[1].Writable)
	assert.Equal(t, "type_registry", resources[2].Name)
	assert.Equal(t, "endpoint_clear", resources[3].Name)
}

func TestHashChainLinksAcrossDeliveries(t *testing.T) {
	fx := newDispatcherFixture(t)

	for nonce := uint64(5); nonce <= 7; nonce++ {
		_, err := fx.deliver(t, nonce, envelope.CmdTransferAuthority,
			envelope.EncodeAuthorityPayload(fx.sender))
		require.NoError(t, err)
	}
	recs, err := fx.records.ListByOrigin(context.Background(), 30101, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	breakpoint := msglog.VerifyChain(recs)
	assert.Nil(t, breakpoint)
	assert.Equal(t, recs[0].ChainHash, recs[1].PrevHash)
}
