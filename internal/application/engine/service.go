// Package engine runs bulk operations: it resolves a request into a
// deterministic target set, walks it in fixed-size chunks, and commits
// each chunk atomically together with a signed progress checkpoint.
// Resume granularity is the chunk; committed chunks are never re-run.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/canopyhub/canopy/internal/application/audit"
	"github.com/canopyhub/canopy/internal/domain/collection"
	"github.com/canopyhub/canopy/internal/domain/envelope"
	"github.com/canopyhub/canopy/internal/domain/operation"
	"github.com/canopyhub/canopy/internal/domain/tree"
)

var (
	ErrMissingTheme     = errors.New("theme update requires a registered theme")
	ErrMissingRecipient = errors.New("mass mint requires a recipient")
	ErrNothingToMint    = errors.New("mass mint requires a positive count")
)

// Range is a half-open [Start,End) index interval.
type Range struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// Request describes one bulk operation. Exactly one target source
// applies: explicit per-item batches, an index range, a named criteria,
// or (absent all three) the whole minted collection.
type Request struct {
	OperationID     string            `json:"operationId,omitempty"`
	Kind            operation.Kind    `json:"kind"`
	TargetRange     *Range            `json:"targetRange,omitempty"`
	Criteria        string            `json:"criteria,omitempty"`
	MaxItems        uint32            `json:"maxItems,omitempty"`
	EligibilityExpr string            `json:"eligibilityExpr,omitempty"`
	Theme           string            `json:"theme,omitempty"`
	Tier            string            `json:"tier,omitempty"`
	FromTier        string            `json:"fromTier,omitempty"`
	ToTier          string            `json:"toTier,omitempty"`
	URI             string            `json:"uri,omitempty"`
	Recipient       *envelope.Address `json:"recipient,omitempty"`
	Count           uint64            `json:"count,omitempty"`

	// Explicit message-path batches, applied by position.
	Updates       []envelope.ItemUpdate   `json:"updates,omitempty"`
	MintItems     []envelope.MintItem     `json:"mintItems,omitempty"`
	BurnItems     []envelope.BurnItem     `json:"burnItems,omitempty"`
	TransferItems []envelope.TransferItem `json:"transferItems,omitempty"`
}

// explicitItems counts per-item batch entries carried by the request.
func (r Request) explicitItems() int {
	return len(r.Updates) + len(r.MintItems) + len(r.BurnItems) + len(r.TransferItems)
}

// storedRequest is what the operation row persists: the submitted
// request plus the resolved target spec, so Advance re-derives chunks
// without re-consulting mutable collection state.
type storedRequest struct {
	Request Request    `json:"request"`
	Targets targetSpec `json:"targets"`
}

// Events receives engine progress fan-out. A nil Events is legal.
type Events interface {
	CheckpointCommitted(ctx context.Context, op *operation.Operation, cp *operation.Checkpoint)
	OperationCompleted(ctx context.Context, op *operation.Operation)
	OperationFailed(ctx context.Context, op *operation.Operation, reason string)
}

// Service is the bulk operation engine.
type Service struct {
	ops         operation.Repository
	collections collection.Repository
	trees       tree.Service
	items       tree.ItemIndex
	signer      *audit.Service
	events      Events
	logger      zerolog.Logger
}

// NewService creates the engine.
func NewService(
	ops operation.Repository,
	collections collection.Repository,
	trees tree.Service,
	items tree.ItemIndex,
	signer *audit.Service,
	events Events,
	logger zerolog.Logger,
) *Service {
	return &Service{
		ops:         ops,
		collections: collections,
		trees:       trees,
		items:       items,
		signer:      signer,
		events:      events,
		logger:      logger.With().Str("service", "engine").Logger(),
	}
}

// Submit validates a request, resolves its target set, and persists a
// pending operation. An empty target set completes immediately; that is
// a success, not an error.
func (s *Service) Submit(ctx context.Context, req Request) (*operation.Operation, error) {
	if !req.Kind.Valid() {
		return nil, operation.ErrUnknownKind
	}
	mgr, err := s.collections.GetPrimary(ctx)
	if err != nil {
		return nil, err
	}
	if mgr == nil {
		return nil, collection.ErrManagerNotFound
	}
	if !mgr.IsActive {
		return nil, collection.ErrCollectionClosed
	}
	if err := s.validateKind(req, mgr); err != nil {
		return nil, err
	}

	targets, err := s.resolveTargets(ctx, req, mgr)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(storedRequest{Request: req, Targets: targets})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize request: %w", err)
	}

	op, err := operation.New(req.OperationID, req.Kind, raw, targets.totalItems())
	if err != nil {
		return nil, err
	}
	if err := s.ops.Create(ctx, op); err != nil {
		return nil, err
	}

	if op.ItemsTotal == 0 {
		now := time.Now().UTC()
		_ = op.Start()
		_ = op.Complete(now)
		if err := s.ops.Update(ctx, op); err != nil {
			return nil, err
		}
		s.logger.Info().Str("operationId", op.OperationID).Str("kind", string(op.Kind)).
			Msg("operation completed with empty target set")
		if s.events != nil {
			s.events.OperationCompleted(ctx, op)
		}
		return op, nil
	}

	s.logger.Info().
		Str("operationId", op.OperationID).
		Str("kind", string(op.Kind)).
		Uint64("itemsTotal", op.ItemsTotal).
		Msg("operation submitted")
	return op, nil
}

func (s *Service) validateKind(req Request, mgr *collection.Manager) error {
	switch req.Kind {
	case operation.KindThemeUpdate:
		if req.Theme == "" {
			return ErrMissingTheme
		}
		if _, ok := mgr.Theme(req.Theme); !ok {
			return fmt.Errorf("%w: %q", collection.ErrThemeNotFound, req.Theme)
		}
	case operation.KindTierPromotion:
		if _, _, err := collection.ValidatePromotion(req.FromTier, req.ToTier); err != nil {
			return err
		}
	case operation.KindMassMint:
		if len(req.MintItems) == 0 {
			if req.Recipient == nil {
				return ErrMissingRecipient
			}
			if req.Count == 0 {
				return ErrNothingToMint
			}
		}
	}
	return nil
}

// Advance runs exactly one chunk of the operation. It returns true when
// a chunk was committed. Paused and terminal operations are skipped.
func (s *Service) Advance(ctx context.Context, operationID string) (bool, error) {
	op, err := s.ops.Get(ctx, operationID)
	if err != nil {
		return false, err
	}
	if op == nil {
		return false, operation.ErrOperationNotFound
	}
	if op.Terminal() || op.State == operation.StatePaused {
		return false, nil
	}

	var stored storedRequest
	if err := json.Unmarshal(op.Request, &stored); err != nil {
		return false, s.fail(ctx, op, fmt.Errorf("corrupt operation request: %w", err))
	}

	if op.State == operation.StatePending {
		if err := op.Start(); err != nil {
			return false, err
		}
		if err := s.ops.Update(ctx, op); err != nil {
			return false, err
		}
	}

	it := newChunkIterator(op.ItemsTotal, stored.Targets.ChunkSize, op.ItemsProcessed)
	if !it.hasNext() {
		return false, s.finish(ctx, op, stored)
	}
	start, end := it.next()
	chunkLen := end - start
	expected := op.ItemsProcessed

	mgr, err := s.collections.GetPrimary(ctx)
	if err != nil {
		return false, err
	}
	if mgr == nil {
		return false, s.fail(ctx, op, collection.ErrManagerNotFound)
	}

	var mintIncrement uint64
	if op.Kind == operation.KindMassMint {
		// The whole chunk must fit before any item of it mints.
		if !mgr.CanMint(chunkLen) {
			return false, s.fail(ctx, op, fmt.Errorf("%w: %d + %d > %d",
				collection.ErrCollectionFull, mgr.TotalMinted, chunkLen, mgr.Capacity()))
		}
		mintIncrement = chunkLen
	}

	if err := s.applyChunk(ctx, op.Kind, stored, mgr, start, end); err != nil {
		return false, s.fail(ctx, op, err)
	}

	cp := &operation.Checkpoint{
		OperationID:    op.OperationID,
		Seq:            it.seq(),
		ChunkStart:     start,
		ChunkEnd:       end,
		ItemsProcessed: expected + chunkLen,
		ItemsTotal:     op.ItemsTotal,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.signer.Sign(ctx, op.Kind, cp); err != nil {
		return false, s.fail(ctx, op, err)
	}

	op.RecordChunk(chunkLen)
	if err := s.ops.CommitChunk(ctx, operation.ChunkCommit{
		ExpectedProcessed: expected,
		Operation:         op,
		Checkpoint:        cp,
		MintIncrement:     mintIncrement,
	}); err != nil {
		return false, err
	}

	s.logger.Debug().
		Str("operationId", op.OperationID).
		Uint32("seq", cp.Seq).
		Uint64("itemsProcessed", op.ItemsProcessed).
		Msg("chunk committed")
	if s.events != nil {
		s.events.CheckpointCommitted(ctx, op, cp)
	}

	if op.ItemsProcessed >= op.ItemsTotal {
		if err := s.finish(ctx, op, stored); err != nil {
			return true, err
		}
	}
	return true, nil
}

// RunToCompletion drives Advance until the operation is terminal. Used
// for message-path batches, which must finish inside the delivery call.
func (s *Service) RunToCompletion(ctx context.Context, operationID string) (*operation.Operation, error) {
	for {
		advanced, err := s.Advance(ctx, operationID)
		if err != nil {
			op, getErr := s.ops.Get(ctx, operationID)
			if getErr != nil || op == nil {
				return nil, err
			}
			return op, err
		}
		op, getErr := s.ops.Get(ctx, operationID)
		if getErr != nil {
			return nil, getErr
		}
		if op == nil {
			return nil, operation.ErrOperationNotFound
		}
		if op.Terminal() {
			if op.State == operation.StateFailed {
				msg := "operation failed"
				if op.ErrorMessage != nil {
					msg = *op.ErrorMessage
				}
				return op, errors.New(msg)
			}
			return op, nil
		}
		if !advanced {
			// Paused mid-batch; the caller decides what that means.
			return op, nil
		}
	}
}

// SubmitAndRun submits a request and runs it to completion in one call.
func (s *Service) SubmitAndRun(ctx context.Context, req Request) (*operation.Operation, error) {
	op, err := s.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	if op.Terminal() {
		return op, nil
	}
	return s.RunToCompletion(ctx, op.OperationID)
}

// Pause suspends an operation between chunks.
func (s *Service) Pause(ctx context.Context, operationID string) (*operation.Operation, error) {
	op, err := s.ops.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, operation.ErrOperationNotFound
	}
	if err := op.Pause(); err != nil {
		return nil, err
	}
	if err := s.ops.Update(ctx, op); err != nil {
		return nil, err
	}
	s.logger.Info().Str("operationId", op.OperationID).Msg("operation paused")
	return op, nil
}

// Resume puts a paused operation back in progress; the runner picks it
// up on its next tick.
func (s *Service) Resume(ctx context.Context, operationID string) (*operation.Operation, error) {
	op, err := s.ops.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, operation.ErrOperationNotFound
	}
	if err := op.Resume(); err != nil {
		return nil, err
	}
	if err := s.ops.Update(ctx, op); err != nil {
		return nil, err
	}
	s.logger.Info().Str("operationId", op.OperationID).Msg("operation resumed")
	return op, nil
}

// Get returns one operation by its id.
func (s *Service) Get(ctx context.Context, operationID string) (*operation.Operation, error) {
	op, err := s.ops.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, operation.ErrOperationNotFound
	}
	return op, nil
}

// List returns operations, newest first.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*operation.Operation, error) {
	return s.ops.List(ctx, limit, offset)
}

// Checkpoints returns an operation's checkpoints in sequence order.
func (s *Service) Checkpoints(ctx context.Context, operationID string) ([]*operation.Checkpoint, error) {
	if _, err := s.Get(ctx, operationID); err != nil {
		return nil, err
	}
	return s.ops.Checkpoints(ctx, operationID)
}

// Verify re-checks every checkpoint signature and the chain of chunk
// bounds for one operation.
func (s *Service) Verify(ctx context.Context, operationID string) (*audit.OperationReport, error) {
	cps, err := s.Checkpoints(ctx, operationID)
	if err != nil {
		return nil, err
	}
	return s.signer.VerifyOperation(ctx, operationID, cps)
}

// applyChunk pushes one chunk's mutations through the tree collaborator.
func (s *Service) applyChunk(ctx context.Context, kind operation.Kind, stored storedRequest, mgr *collection.Manager, start, end uint64) error {
	req := stored.Request
	switch kind {
	case operation.KindThemeUpdate:
		theme, ok := mgr.Theme(req.Theme)
		if !ok {
			return fmt.Errorf("%w: %q", collection.ErrThemeNotFound, req.Theme)
		}
		for pos := start; pos < end; pos++ {
			idx := stored.Targets.indexAt(pos)
			uri := theme.MetadataURI(idx, s.tierOf(ctx, idx))
			if err := s.trees.UpdateLeaf(ctx, idx, uri, nil); err != nil {
				return err
			}
		}

	case operation.KindTierPromotion:
		for pos := start; pos < end; pos++ {
			idx := stored.Targets.indexAt(pos)
			uri := mgr.CurrentTheme.MetadataURI(idx, req.ToTier)
			if err := s.trees.UpdateLeaf(ctx, idx, uri, nil); err != nil {
				return err
			}
		}

	case operation.KindMetadataUpdate:
		for pos := start; pos < end; pos++ {
			if len(req.Updates) > 0 {
				item := req.Updates[pos]
				if err := s.trees.UpdateLeaf(ctx, uint64(item.LeafIndex), item.URI, item.Proof); err != nil {
					return err
				}
				continue
			}
			idx := stored.Targets.indexAt(pos)
			if err := s.trees.UpdateLeaf(ctx, idx, req.URI, nil); err != nil {
				return err
			}
		}

	case operation.KindMassMint:
		leaves := make([]tree.Leaf, 0, end-start)
		for pos := start; pos < end; pos++ {
			idx := stored.Targets.indexAt(pos)
			if len(req.MintItems) > 0 {
				item := req.MintItems[pos]
				leaves = append(leaves, tree.Leaf{
					Index:  idx,
					Owner:  item.Recipient,
					Name:   item.Name,
					Symbol: item.Symbol,
					URI:    item.URI,
				})
				continue
			}
			leaves = append(leaves, tree.Leaf{
				Index:  idx,
				Owner:  *req.Recipient,
				Name:   mgr.CurrentTheme.Name,
				Symbol: "",
				URI:    mgr.CurrentTheme.MetadataURI(idx, ""),
			})
		}
		if err := s.trees.Append(ctx, leaves); err != nil {
			return err
		}

	case operation.KindBurn:
		for pos := start; pos < end; pos++ {
			item := req.BurnItems[pos]
			if err := s.trees.BurnLeaf(ctx, uint64(item.LeafIndex), item.Owner, item.Proof); err != nil {
				return err
			}
		}

	case operation.KindTransfer:
		for pos := start; pos < end; pos++ {
			item := req.TransferItems[pos]
			if err := s.trees.TransferLeaf(ctx, uint64(item.LeafIndex), item.From, item.To, item.Proof); err != nil {
				return err
			}
		}

	default:
		return operation.ErrUnknownKind
	}
	return nil
}

// finish applies kind-specific finalization and marks completion. Theme
// swaps land here, after the final chunk, never before.
func (s *Service) finish(ctx context.Context, op *operation.Operation, stored storedRequest) error {
	if op.Kind == operation.KindThemeUpdate {
		mgr, err := s.collections.GetPrimary(ctx)
		if err != nil {
			return err
		}
		if mgr == nil {
			return s.fail(ctx, op, collection.ErrManagerNotFound)
		}
		if err := mgr.SwitchTheme(stored.Request.Theme); err != nil {
			return s.fail(ctx, op, err)
		}
		if err := s.collections.Update(ctx, mgr); err != nil {
			return err
		}
	}

	if err := op.Complete(time.Now().UTC()); err != nil {
		return err
	}
	if err := s.ops.Update(ctx, op); err != nil {
		return err
	}
	s.logger.Info().
		Str("operationId", op.OperationID).
		Uint64("itemsProcessed", op.ItemsProcessed).
		Msg("operation completed")
	if s.events != nil {
		s.events.OperationCompleted(ctx, op)
	}
	return nil
}

// fail records the stopping error; committed chunks stay committed.
func (s *Service) fail(ctx context.Context, op *operation.Operation, cause error) error {
	if err := op.Fail(time.Now().UTC(), cause.Error()); err != nil {
		return fmt.Errorf("%v (while recording: %w)", err, cause)
	}
	if err := s.ops.Update(ctx, op); err != nil {
		return err
	}
	s.logger.Warn().
		Str("operationId", op.OperationID).
		Err(cause).
		Msg("operation failed")
	if s.events != nil {
		s.events.OperationFailed(ctx, op, cause.Error())
	}
	return cause
}
