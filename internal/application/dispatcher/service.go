// Package dispatcher is the inbound message pipeline: acknowledge,
// decode, verify the peer, verify replay protection, execute the
// command, and commit the whole outcome atomically. A rejection at any
// stage leaves controller and collection state untouched.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/canopyhub/canopy/internal/application/engine"
	"github.com/canopyhub/canopy/internal/domain/collection"
	"github.com/canopyhub/canopy/internal/domain/controller"
	"github.com/canopyhub/canopy/internal/domain/envelope"
	"github.com/canopyhub/canopy/internal/domain/guard"
	"github.com/canopyhub/canopy/internal/domain/msglog"
	"github.com/canopyhub/canopy/internal/domain/operation"
	"github.com/canopyhub/canopy/internal/domain/peer"
	"github.com/canopyhub/canopy/internal/domain/tree"
)

// Status is the pipeline position a delivery reached.
type Status string

const (
	StatusReceived       Status = "RECEIVED"
	StatusDecoded        Status = "DECODED"
	StatusPeerVerified   Status = "PEER_VERIFIED"
	StatusReplayVerified Status = "REPLAY_VERIFIED"
	StatusDispatched     Status = "DISPATCHED"
	StatusCommitted      Status = "COMMITTED"
	StatusRejected       Status = "REJECTED"
)

// Batch bounds enforced before any item executes.
const (
	MaxMetadataBatch = 100
	MaxMintBatch     = 50
	MaxBurnBatch     = 100
	MaxTransferBatch = 100
)

var (
	ErrUnsupportedCommand = errors.New("unsupported command tag")
	ErrBatchTooLarge      = errors.New("batch exceeds maximum size")
	ErrMintBatchTooLarge  = errors.New("mint batch exceeds maximum size")
	ErrEndpointClear      = errors.New("endpoint clear failed")
)

// Delivery is one raw inbound message with its transport metadata.
type Delivery struct {
	OriginID uint32
	Sender   envelope.Address
	Nonce    uint64
	GUID     string
	Message  []byte
}

// Outcome reports where a delivery terminated.
type Outcome struct {
	Status      Status `json:"status"`
	Command     string `json:"command,omitempty"`
	Nonce       uint64 `json:"nonce,omitempty"` // committed nonce
	OperationID string `json:"operationId,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Endpoint acknowledges message consumption at the transport layer.
type Endpoint interface {
	Clear(ctx context.Context, originID uint32, sender envelope.Address, nonce uint64, guid string, message []byte) error
}

// Engine runs message-path batches to completion inline.
type Engine interface {
	SubmitAndRun(ctx context.Context, req engine.Request) (*operation.Operation, error)
}

// Rejections receives rejection fan-out. A nil Rejections is legal.
type Rejections interface {
	MessageRejected(ctx context.Context, originID uint32, guid string, stage Status, reason string)
}

// Service is the message dispatcher.
type Service struct {
	controllers controller.Repository
	peers       peer.Repository
	records     msglog.Repository
	collections collection.Repository
	trees       tree.Service
	endpoint    Endpoint
	engine      Engine
	rejections  Rejections
	logger      zerolog.Logger
}

// NewService creates the dispatcher.
func NewService(
	controllers controller.Repository,
	peers peer.Repository,
	records msglog.Repository,
	collections collection.Repository,
	trees tree.Service,
	endpoint Endpoint,
	eng Engine,
	rejections Rejections,
	logger zerolog.Logger,
) *Service {
	return &Service{
		controllers: controllers,
		peers:       peers,
		records:     records,
		collections: collections,
		trees:       trees,
		endpoint:    endpoint,
		engine:      eng,
		rejections:  rejections,
		logger:      logger.With().Str("service", "dispatcher").Logger(),
	}
}

// Deliver runs one message through the full pipeline. The returned
// error is the rejection reason; Outcome always reports the terminal
// stage, the caller maps the error onto its transport.
func (s *Service) Deliver(ctx context.Context, d Delivery) (Outcome, error) {
	log := s.logger.With().
		Uint32("originId", d.OriginID).
		Str("guid", d.GUID).
		Uint64("nonce", d.Nonce).
		Logger()

	// Received. The acknowledgment must land before a single payload
	// byte is interpreted; a poisoned payload can then never block the
	// transport channel.
	if err := s.endpoint.Clear(ctx, d.OriginID, d.Sender, d.Nonce, d.GUID, d.Message); err != nil {
		return s.reject(ctx, log, d, StatusReceived, fmt.Errorf("%w: %v", ErrEndpointClear, err))
	}

	// Decoded.
	msgType, err := envelope.SniffType(d.Message)
	if err != nil {
		return s.reject(ctx, log, d, StatusReceived, err)
	}
	if msgType == envelope.TypeCompose {
		return s.reject(ctx, log, d, StatusReceived, envelope.ErrComposeNotSupported)
	}
	env, err := envelope.Decode(d.Message)
	if err != nil {
		return s.reject(ctx, log, d, StatusReceived, err)
	}
	if !env.Command.Valid() {
		return s.reject(ctx, log, d, StatusDecoded, fmt.Errorf("%w: %d", ErrUnsupportedCommand, uint8(env.Command)))
	}

	// PeerVerified.
	p, err := s.peers.Get(ctx, d.OriginID)
	if err != nil {
		return s.reject(ctx, log, d, StatusDecoded, err)
	}
	if err := p.Authorize(d.Sender); err != nil {
		return s.reject(ctx, log, d, StatusDecoded, err)
	}

	// ReplayVerified.
	state, err := s.controllers.Get(ctx)
	if err != nil {
		return s.reject(ctx, log, d, StatusPeerVerified, err)
	}
	if state == nil {
		return s.reject(ctx, log, d, StatusPeerVerified, controller.ErrNotInitialized)
	}
	if err := guard.Accept(state.ReplayCursor, env.Nonce, env.Timestamp, time.Now().UTC()); err != nil {
		return s.reject(ctx, log, d, StatusPeerVerified, err)
	}
	if state.Paused && env.Command != envelope.CmdSetPaused {
		return s.reject(ctx, log, d, StatusPeerVerified, controller.ErrControllerPaused)
	}

	// Dispatched. Mutations stage on clones so nothing leaks if the
	// handler or the commit fails.
	staged := state.Clone()
	operationID, stagedMgr, err := s.dispatch(ctx, d.GUID, env, staged)
	if err != nil {
		return s.reject(ctx, log, d, StatusReplayVerified, err)
	}

	// Committed.
	prev, err := s.records.Latest(ctx, d.OriginID)
	if err != nil {
		return s.reject(ctx, log, d, StatusDispatched, err)
	}
	record, err := msglog.NewRecord(prev, d.OriginID, env.Nonce, d.GUID, d.Sender, env.Command.String())
	if err != nil {
		return s.reject(ctx, log, d, StatusDispatched, err)
	}
	if err := staged.AdvanceCursor(env.Nonce); err != nil {
		return s.reject(ctx, log, d, StatusDispatched, err)
	}
	if err := s.controllers.Commit(ctx, controller.Commit{
		ExpectedCursor: state.ReplayCursor,
		State:          staged,
		Record:         record,
		Manager:        stagedMgr,
	}); err != nil {
		return s.reject(ctx, log, d, StatusDispatched, err)
	}

	log.Info().
		Str("command", env.Command.String()).
		Uint64("cursor", staged.ReplayCursor).
		Msg("message committed")
	return Outcome{
		Status:      StatusCommitted,
		Command:     env.Command.String(),
		Nonce:       env.Nonce,
		OperationID: operationID,
	}, nil
}

// dispatch executes the command against the staged state and the
// collaborators. Batch commands run their operation to completion
// inline and return its id. A command that touches the collection
// manager returns the staged copy; it persists only inside the
// controller commit, never here.
func (s *Service) dispatch(ctx context.Context, guid string, env envelope.Envelope, staged *controller.State) (string, *collection.Manager, error) {
	switch env.Command {
	case envelope.CmdUpdateCollectionMetadata:
		p, err := envelope.DecodeMetadataPayload(env.Payload)
		if err != nil {
			return "", nil, err
		}
		return "", nil, staged.SetMetadata(p.URI, p.Name, p.Symbol)

	case envelope.CmdBatchUpdateMetadata:
		items, err := envelope.DecodeBatchUpdatePayload(env.Payload)
		if err != nil {
			return "", nil, err
		}
		if len(items) > MaxMetadataBatch {
			return "", nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(items), MaxMetadataBatch)
		}
		return s.runBatch(ctx, guid, engine.Request{Kind: operation.KindMetadataUpdate, Updates: items})

	case envelope.CmdTransferAuthority:
		next, err := envelope.DecodeAuthorityPayload(env.Payload)
		if err != nil {
			return "", nil, err
		}
		staged.TransferAuthority(next)
		return "", nil, nil

	case envelope.CmdSetPaused:
		paused, err := envelope.DecodePausePayload(env.Payload)
		if err != nil {
			return "", nil, err
		}
		staged.SetPaused(paused)
		return "", nil, nil

	case envelope.CmdMintItems:
		items, err := envelope.DecodeMintPayload(env.Payload)
		if err != nil {
			return "", nil, err
		}
		if len(items) > MaxMintBatch {
			return "", nil, fmt.Errorf("%w: %d > %d", ErrMintBatchTooLarge, len(items), MaxMintBatch)
		}
		return s.runBatch(ctx, guid, engine.Request{Kind: operation.KindMassMint, MintItems: items})

	case envelope.CmdBurnItems:
		items, err := envelope.DecodeBurnPayload(env.Payload)
		if err != nil {
			return "", nil, err
		}
		if len(items) > MaxBurnBatch {
			return "", nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(items), MaxBurnBatch)
		}
		return s.runBatch(ctx, guid, engine.Request{Kind: operation.KindBurn, BurnItems: items})

	case envelope.CmdTransferItems:
		items, err := envelope.DecodeTransferPayload(env.Payload)
		if err != nil {
			return "", nil, err
		}
		if len(items) > MaxTransferBatch {
			return "", nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(items), MaxTransferBatch)
		}
		return s.runBatch(ctx, guid, engine.Request{Kind: operation.KindTransfer, TransferItems: items})

	case envelope.CmdUpdateTreeConfig:
		p, err := envelope.DecodeTreeConfigPayload(env.Payload)
		if err != nil {
			return "", nil, err
		}
		mgr, err := s.collections.GetPrimary(ctx)
		if err != nil {
			return "", nil, err
		}
		if mgr == nil {
			return "", nil, collection.ErrManagerNotFound
		}
		if err := mgr.UpdateTreeConfig(p.MaxDepth, p.MaxBufferSize); err != nil {
			return "", nil, err
		}
		return "", mgr, nil

	case envelope.CmdVerifyTreeState:
		p, err := envelope.DecodeTreeStatePayload(env.Payload)
		if err != nil {
			return "", nil, err
		}
		if len(p.Proof) == 0 {
			return "", nil, tree.ErrInvalidProof
		}
		return "", nil, s.trees.VerifyRoot(ctx, p.Root, p.ItemCount, p.Sequence, p.Proof)

	default:
		return "", nil, fmt.Errorf("%w: %d", ErrUnsupportedCommand, uint8(env.Command))
	}
}

// batchOperationID derives the batch idempotency key from the delivery
// GUID. A redelivery of the same message reuses the key, so the engine
// refuses to run the batch a second time even when the first attempt's
// cursor commit lost its race.
func batchOperationID(guid string) string {
	return "msg-" + guid
}

func (s *Service) runBatch(ctx context.Context, guid string, req engine.Request) (string, *collection.Manager, error) {
	req.OperationID = batchOperationID(guid)
	op, err := s.engine.SubmitAndRun(ctx, req)
	if err != nil {
		return "", nil, err
	}
	return op.OperationID, nil, nil
}

func (s *Service) reject(ctx context.Context, log zerolog.Logger, d Delivery, stage Status, reason error) (Outcome, error) {
	log.Warn().
		Str("stage", string(stage)).
		Err(reason).
		Msg("message rejected")
	if s.rejections != nil {
		s.rejections.MessageRejected(ctx, d.OriginID, d.GUID, stage, reason.Error())
	}
	return Outcome{Status: StatusRejected, Reason: reason.Error()}, reason
}
