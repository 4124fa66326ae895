package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyhub/canopy/internal/application/audit"
	"github.com/canopyhub/canopy/internal/domain/collection"
	"github.com/canopyhub/canopy/internal/domain/envelope"
	"github.com/canopyhub/canopy/internal/domain/operation"
	"github.com/canopyhub/canopy/internal/infrastructure/keystore"
	"github.com/canopyhub/canopy/internal/infrastructure/treesim"
)

// memCollections holds a single manager, emulating the primary-row
// semantics of the SQL repository.
type memCollections struct {
	mu      sync.Mutex
	primary *collection.Manager
}

func (m *memCollections) Get(ctx context.Context, id uuid.UUID) (*collection.Manager, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.primary == nil || m.primary.ID != id {
		return nil, nil
	}
	return m.primary.Clone(), nil
}

func (m *memCollections) GetPrimary(ctx context.Context) (*collection.Manager, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.primary == nil {
		return nil, nil
	}
	return m.primary.Clone(), nil
}

func (m *memCollections) Create(ctx context.Context, manager *collection.Manager) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.primary = manager.Clone()
	return nil
}

func (m *memCollections) Update(ctx context.Context, manager *collection.Manager) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.primary = manager.Clone()
	return nil
}

func (m *memCollections) IncrementMinted(ctx context.Context, id uuid.UUID, expected, count uint64) (*collection.Manager, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.primary == nil {
		return nil, collection.ErrManagerNotFound
	}
	if m.primary.TotalMinted != expected {
		return nil, collection.ErrStaleManager
	}
	if err := m.primary.IncrementMinted(count); err != nil {
		return nil, err
	}
	return m.primary.Clone(), nil
}

// memOps stores operations and checkpoints, committing chunks with the
// same guarded semantics the SQL repository provides.
type memOps struct {
	mu          sync.Mutex
	ops         map[string]*operation.Operation
	checkpoints map[string][]*operation.Checkpoint
	collections *memCollections
	nextID      int64
}

func newMemOps(collections *memCollections) *memOps {
	return &memOps{
		ops:         make(map[string]*operation.Operation),
		checkpoints: make(map[string][]*operation.Checkpoint),
		collections: collections,
	}
}

func cloneOp(op *operation.Operation) *operation.Operation {
	cp := *op
	return &cp
}

func (m *memOps) Get(ctx context.Context, operationID string) (*operation.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[operationID]
	if !ok {
		return nil, nil
	}
	return cloneOp(op), nil
}

func (m *memOps) Create(ctx context.Context, op *operation.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ops[op.OperationID]; ok {
		return operation.ErrDuplicateOperation
	}
	m.nextID++
	op.ID = m.nextID
	m.ops[op.OperationID] = cloneOp(op)
	return nil
}

func (m *memOps) Update(ctx context.Context, op *operation.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ops[op.OperationID]; !ok {
		return operation.ErrOperationNotFound
	}
	m.ops[op.OperationID] = cloneOp(op)
	return nil
}

func (m *memOps) CommitChunk(ctx context.Context, commit operation.ChunkCommit) error {
	m.mu.Lock()
	stored, ok := m.ops[commit.Operation.OperationID]
	if !ok {
		m.mu.Unlock()
		return operation.ErrOperationNotFound
	}
	if stored.ItemsProcessed != commit.ExpectedProcessed {
		m.mu.Unlock()
		return operation.ErrStaleProgress
	}
	m.ops[commit.Operation.OperationID] = cloneOp(commit.Operation)
	cp := *commit.Checkpoint
	m.checkpoints[commit.Operation.OperationID] = append(m.checkpoints[commit.Operation.OperationID], &cp)
	m.mu.Unlock()

	if commit.MintIncrement > 0 {
		mgr, err := m.collections.GetPrimary(ctx)
		if err != nil {
			return err
		}
		_, err = m.collections.IncrementMinted(ctx, mgr.ID, mgr.TotalMinted, commit.MintIncrement)
		return err
	}
	return nil
}

func (m *memOps) ListRunnable(ctx context.Context, limit int) ([]*operation.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*operation.Operation, 0)
	for _, op := range m.ops {
		if op.State == operation.StatePending || op.State == operation.StateInProgress {
			out = append(out, cloneOp(op))
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memOps) List(ctx context.Context, limit, offset int) ([]*operation.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*operation.Operation, 0, len(m.ops))
	for _, op := range m.ops {
		out = append(out, cloneOp(op))
	}
	return out, nil
}

func (m *memOps) Checkpoints(ctx context.Context, operationID string) ([]*operation.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cps := m.checkpoints[operationID]
	out := make([]*operation.Checkpoint, len(cps))
	for i, cp := range cps {
		c := *cp
		out[i] = &c
	}
	return out, nil
}

// eventRecorder counts engine fan-out calls.
type eventRecorder struct {
	mu          sync.Mutex
	checkpoints int
	completed   int
	failed      int
}

func (r *eventRecorder) CheckpointCommitted(ctx context.Context, op *operation.Operation, cp *operation.Checkpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkpoints++
}

func (r *eventRecorder) OperationCompleted(ctx context.Context, op *operation.Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed++
}

func (r *eventRecorder) OperationFailed(ctx context.Context, op *operation.Operation, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed++
}

type engineFixture struct {
	svc         *Service
	ops         *memOps
	collections *memCollections
	sim         *treesim.Simulator
	signer      *audit.Service
	events      *eventRecorder
}

func newEngineFixture(t *testing.T, depth, chunkSize uint32, minted uint64) *engineFixture {
	t.Helper()
	theme := collection.NewTheme("genesis", "https://metadata.test/genesis")
	mgr, err := collection.NewManager(addr(0xA1), uuid.New(), collection.TreeConfig{
		MaxDepth:      depth,
		MaxBufferSize: 64,
		BatchSize:     100,
		ChunkSize:     chunkSize,
	}, theme)
	require.NoError(t, err)
	mgr.TotalMinted = minted
	mgr.CreatedAt = time.Date(2023, 12, 31, 20, 0, 0, 0, time.UTC)

	collections := &memCollections{primary: mgr}
	ops := newMemOps(collections)
	sim := treesim.New(mgr.CreatedAt)
	ks := keystore.New(map[string][]byte{"k1": []byte("0123456789abcdef0123456789abcdef")}, "k1")
	signer := audit.NewService(ks, zerolog.Nop())
	events := &eventRecorder{}
	svc := NewService(ops, collections, sim, sim, signer, events, zerolog.Nop())
	return &engineFixture{svc: svc, ops: ops, collections: collections, sim: sim, signer: signer, events: events}
}

func addr(b byte) envelope.Address {
	var a envelope.Address
	a[0] = b
	return a
}

func TestMassMintRunsInChunksAndVerifies(t *testing.T) {
	fx := newEngineFixture(t, 10, 100, 0)
	ctx := context.Background()
	recipient := addr(0xB2)

	op, err := fx.svc.SubmitAndRun(ctx, Request{
		OperationID: "mint-250",
		Kind:        operation.KindMassMint,
		Recipient:   &recipient,
		Count:       250,
	})
	require.NoError(t, err)
	assert.Equal(t, operation.StateCompleted, op.State)
	assert.Equal(t, uint64(250), op.ItemsProcessed)

	cps, err := fx.ops.Checkpoints(ctx, "mint-250")
	require.NoError(t, err)
	require.Len(t, cps, 3)
	assert.Equal(t, uint32(1), cps[0].Seq)
	assert.Equal(t, uint64(0), cps[0].ChunkStart)
	assert.Equal(t, uint64(100), cps[0].ChunkEnd)
	assert.Equal(t, uint32(3), cps[2].Seq)
	assert.Equal(t, uint64(250), cps[2].ChunkEnd)

	mgr, err := fx.collections.GetPrimary(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), mgr.TotalMinted)

	report, err := fx.signer.VerifyOperation(ctx, "mint-250", cps)
	require.NoError(t, err)
	assert.True(t, report.Valid)

	assert.Equal(t, 3, fx.events.checkpoints)
	assert.Equal(t, 1, fx.events.completed)
}

func TestThemeSwapHappensOnlyAfterFinalChunk(t *testing.T) {
	fx := newEngineFixture(t, 10, 10, 25)
	ctx := context.Background()

	mgr, err := fx.collections.GetPrimary(ctx)
	require.NoError(t, err)
	winter := collection.NewTheme("winter", "https://metadata.test/winter")
	require.NoError(t, mgr.AddTheme(winter))
	require.NoError(t, fx.collections.Update(ctx, mgr))

	op, err := fx.svc.Submit(ctx, Request{
		OperationID: "theme-1",
		Kind:        operation.KindThemeUpdate,
		Theme:       "winter",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(25), op.ItemsTotal)

	advanced, err := fx.svc.Advance(ctx, "theme-1")
	require.NoError(t, err)
	assert.True(t, advanced)

	mgr, err = fx.collections.GetPrimary(ctx)
	require.NoError(t, err)
	assert.Equal(t, "genesis", mgr.CurrentTheme.Name, "theme must not swap mid-operation")

	final, err := fx.svc.RunToCompletion(ctx, "theme-1")
	require.NoError(t, err)
	assert.Equal(t, operation.StateCompleted, final.State)

	mgr, err = fx.collections.GetPrimary(ctx)
	require.NoError(t, err)
	assert.Equal(t, "winter", mgr.CurrentTheme.Name)

	cps, err := fx.ops.Checkpoints(ctx, "theme-1")
	require.NoError(t, err)
	assert.Len(t, cps, 3)
}

func TestResumeContinuesFromPersistedProgress(t *testing.T) {
	fx := newEngineFixture(t, 10, 10, 40)
	ctx := context.Background()

	_, err := fx.svc.Submit(ctx, Request{
		OperationID: "meta-1",
		Kind:        operation.KindMetadataUpdate,
		URI:         "https://metadata.test/refresh",
	})
	require.NoError(t, err)

	advanced, err := fx.svc.Advance(ctx, "meta-1")
	require.NoError(t, err)
	require.True(t, advanced)

	// A fresh engine over the same stores must pick up at chunk 2, not
	// chunk 1: progress lives in the store, not the process.
	restarted := NewService(fx.ops, fx.collections, fx.sim, fx.sim, fx.signer, nil, zerolog.Nop())
	final, err := restarted.RunToCompletion(ctx, "meta-1")
	require.NoError(t, err)
	assert.Equal(t, operation.StateCompleted, final.State)
	assert.Equal(t, uint64(40), final.ItemsProcessed)

	cps, err := fx.ops.Checkpoints(ctx, "meta-1")
	require.NoError(t, err)
	require.Len(t, cps, 4)
	for i, cp := range cps {
		assert.Equal(t, uint32(i+1), cp.Seq)
		assert.Equal(t, uint64(i)*10, cp.ChunkStart)
		assert.Equal(t, uint64(i+1)*10, cp.ChunkEnd)
	}
}

func TestMintCapacityFailureLeavesCommittedChunksIntact(t *testing.T) {
	// Depth 4 gives capacity 16; a 30-item mint in chunks of 10 commits
	// one chunk, then fails before any item of the second chunk mints.
	fx := newEngineFixture(t, 4, 10, 0)
	ctx := context.Background()
	recipient := addr(0xC3)

	op, err := fx.svc.SubmitAndRun(ctx, Request{
		OperationID: "mint-over",
		Kind:        operation.KindMassMint,
		Recipient:   &recipient,
		Count:       30,
	})
	require.Error(t, err)
	require.NotNil(t, op)
	assert.Equal(t, operation.StateFailed, op.State)
	assert.Equal(t, uint64(10), op.ItemsProcessed)
	require.NotNil(t, op.ErrorMessage)
	assert.Contains(t, *op.ErrorMessage, "collection is at capacity")

	mgr, err := fx.collections.GetPrimary(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), mgr.TotalMinted)

	cps, err := fx.ops.Checkpoints(ctx, "mint-over")
	require.NoError(t, err)
	assert.Len(t, cps, 1)
	assert.Equal(t, 1, fx.events.failed)
}

func TestEmptyTargetSetCompletesImmediately(t *testing.T) {
	fx := newEngineFixture(t, 10, 10, 0)
	ctx := context.Background()

	op, err := fx.svc.Submit(ctx, Request{
		OperationID: "promote-none",
		Kind:        operation.KindTierPromotion,
		Criteria:    CriteriaAllCurrentTier,
		FromTier:    "Gold",
		ToTier:      "Platinum",
	})
	require.NoError(t, err)
	assert.Equal(t, operation.StateCompleted, op.State)
	assert.Equal(t, uint64(0), op.ItemsTotal)

	cps, err := fx.ops.Checkpoints(ctx, "promote-none")
	require.NoError(t, err)
	assert.Empty(t, cps)
	assert.Equal(t, 1, fx.events.completed)
}

func TestSubmitRejectsDuplicateOperationID(t *testing.T) {
	fx := newEngineFixture(t, 10, 10, 20)
	ctx := context.Background()

	_, err := fx.svc.Submit(ctx, Request{
		OperationID: "dup-1",
		Kind:        operation.KindMetadataUpdate,
		URI:         "https://metadata.test/a",
	})
	require.NoError(t, err)

	_, err = fx.svc.Submit(ctx, Request{
		OperationID: "dup-1",
		Kind:        operation.KindMetadataUpdate,
		URI:         "https://metadata.test/b",
	})
	assert.ErrorIs(t, err, operation.ErrDuplicateOperation)
}

func TestSubmitValidatesTargets(t *testing.T) {
	fx := newEngineFixture(t, 10, 10, 20)
	ctx := context.Background()

	_, err := fx.svc.Submit(ctx, Request{
		Kind:        operation.KindMetadataUpdate,
		URI:         "https://metadata.test/x",
		TargetRange: &Range{Start: 5, End: 5},
	})
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = fx.svc.Submit(ctx, Request{
		Kind:        operation.KindMetadataUpdate,
		URI:         "https://metadata.test/x",
		TargetRange: &Range{Start: 0, End: 21},
	})
	assert.ErrorIs(t, err, ErrRangeOutOfBounds)

	_, err = fx.svc.Submit(ctx, Request{
		Kind:     operation.KindMetadataUpdate,
		URI:      "https://metadata.test/x",
		Criteria: "holders_of_note",
	})
	assert.ErrorIs(t, err, ErrInvalidCriteria)

	_, err = fx.svc.Submit(ctx, Request{
		Kind:            operation.KindMetadataUpdate,
		URI:             "https://metadata.test/x",
		EligibilityExpr: "((index >",
	})
	assert.ErrorIs(t, err, ErrInvalidExpression)

	_, err = fx.svc.Submit(ctx, Request{
		Kind:   operation.KindTierPromotion,
		ToTier: "Bronze",
	})
	assert.Error(t, err)
}

func TestPauseStopsAdvanceUntilResume(t *testing.T) {
	fx := newEngineFixture(t, 10, 10, 30)
	ctx := context.Background()

	_, err := fx.svc.Submit(ctx, Request{
		OperationID: "pausable",
		Kind:        operation.KindMetadataUpdate,
		URI:         "https://metadata.test/p",
	})
	require.NoError(t, err)

	advanced, err := fx.svc.Advance(ctx, "pausable")
	require.NoError(t, err)
	require.True(t, advanced)

	_, err = fx.svc.Pause(ctx, "pausable")
	require.NoError(t, err)

	advanced, err = fx.svc.Advance(ctx, "pausable")
	require.NoError(t, err)
	assert.False(t, advanced, "paused operation must not advance")

	op, err := fx.ops.Get(ctx, "pausable")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), op.ItemsProcessed)

	_, err = fx.svc.Resume(ctx, "pausable")
	require.NoError(t, err)

	final, err := fx.svc.RunToCompletion(ctx, "pausable")
	require.NoError(t, err)
	assert.Equal(t, operation.StateCompleted, final.State)
	assert.Equal(t, uint64(30), final.ItemsProcessed)
}

func TestExplicitBurnBatchAppliesByPosition(t *testing.T) {
	fx := newEngineFixture(t, 10, 10, 50)
	ctx := context.Background()
	owner := addr(0xD4)

	burns := []envelope.BurnItem{
		{LeafIndex: 3, Owner: owner},
		{LeafIndex: 17, Owner: owner},
		{LeafIndex: 42, Owner: owner},
	}
	op, err := fx.svc.SubmitAndRun(ctx, Request{
		OperationID: "burn-3",
		Kind:        operation.KindBurn,
		BurnItems:   burns,
	})
	require.NoError(t, err)
	assert.Equal(t, operation.StateCompleted, op.State)
	assert.Equal(t, uint64(3), op.ItemsTotal)

	cps, err := fx.ops.Checkpoints(ctx, "burn-3")
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, uint64(3), cps[0].ItemsProcessed)
}
