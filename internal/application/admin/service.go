// Package admin is the authority-scoped management surface: peer trust,
// pause control, authority transfer, and collection provisioning. It
// runs outside the message path, so none of this touches the replay
// cursor or the message log.
package admin

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/canopyhub/canopy/internal/domain/collection"
	"github.com/canopyhub/canopy/internal/domain/controller"
	"github.com/canopyhub/canopy/internal/domain/envelope"
	"github.com/canopyhub/canopy/internal/domain/operator"
	"github.com/canopyhub/canopy/internal/domain/peer"
)

var (
	ErrNotAuthorityHolder = errors.New("operator does not hold the controller authority")
	ErrCollectionExists   = errors.New("collection already provisioned")
)

// Service implements administrative mutations.
type Service struct {
	controllers  controller.Repository
	peers        peer.Repository
	collections  collection.Repository
	metadataBase string
	logger       zerolog.Logger
}

// NewService creates the admin service.
func NewService(
	controllers controller.Repository,
	peers peer.Repository,
	collections collection.Repository,
	metadataBase string,
	logger zerolog.Logger,
) *Service {
	return &Service{
		controllers:  controllers,
		peers:        peers,
		collections:  collections,
		metadataBase: metadataBase,
		logger:       logger.With().Str("service", "admin").Logger(),
	}
}

// requireAuthority loads controller state and checks the acting
// operator against the stored authority key. Admins without the key are
// refused too: role gates the route, the key gates the mutation.
func (s *Service) requireAuthority(ctx context.Context, actor *operator.Operator) (*controller.State, error) {
	state, err := s.controllers.Get(ctx)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, controller.ErrNotInitialized
	}
	if actor == nil || !actor.HoldsAuthority(state.Authority) {
		return nil, ErrNotAuthorityHolder
	}
	return state, nil
}

// InitController creates the singleton controller state.
func (s *Service) InitController(ctx context.Context, authority envelope.Address, originID uint32, uri, name, symbol string) (*controller.State, error) {
	state, err := controller.NewState(authority, originID, uri, name, symbol)
	if err != nil {
		return nil, err
	}
	if err := s.controllers.Init(ctx, state); err != nil {
		return nil, err
	}
	s.logger.Info().
		Uint32("originId", originID).
		Str("authority", authority.String()).
		Msg("controller initialized")
	return state, nil
}

// SetPeer registers or updates the trusted endpoint for an origin.
func (s *Service) SetPeer(ctx context.Context, actor *operator.Operator, originID uint32, address envelope.Address, trusted bool) (*peer.Peer, error) {
	if _, err := s.requireAuthority(ctx, actor); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	existing, err := s.peers.Get(ctx, originID)
	if err != nil {
		return nil, err
	}
	p := &peer.Peer{
		OriginID:  originID,
		Address:   address,
		Trusted:   trusted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if existing != nil {
		p.CreatedAt = existing.CreatedAt
	}
	if err := s.peers.Upsert(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info().
		Uint32("originId", originID).
		Bool("trusted", trusted).
		Msg("peer updated")
	return p, nil
}

// ListPeers returns every registered peer.
func (s *Service) ListPeers(ctx context.Context) ([]*peer.Peer, error) {
	return s.peers.List(ctx)
}

// SetPaused flips the controller pause flag from the management surface.
func (s *Service) SetPaused(ctx context.Context, actor *operator.Operator, paused bool) (*controller.State, error) {
	state, err := s.requireAuthority(ctx, actor)
	if err != nil {
		return nil, err
	}
	state.SetPaused(paused)
	if err := s.controllers.UpdateAdmin(ctx, state); err != nil {
		return nil, err
	}
	s.logger.Info().Bool("paused", paused).Msg("pause flag updated")
	return state, nil
}

// TransferAuthority hands the controller to a new authority key.
func (s *Service) TransferAuthority(ctx context.Context, actor *operator.Operator, next envelope.Address) (*controller.State, error) {
	state, err := s.requireAuthority(ctx, actor)
	if err != nil {
		return nil, err
	}
	state.TransferAuthority(next)
	if err := s.controllers.UpdateAdmin(ctx, state); err != nil {
		return nil, err
	}
	s.logger.Info().Str("authority", next.String()).Msg("authority transferred")
	return state, nil
}

// InitCollection provisions the managed collection from a validated
// plan. There is exactly one collection per deployment.
func (s *Service) InitCollection(ctx context.Context, actor *operator.Operator, maxDepth, maxBufferSize, batchSize uint32, initialTheme string) (*collection.Manager, error) {
	state, err := s.requireAuthority(ctx, actor)
	if err != nil {
		return nil, err
	}
	existing, err := s.collections.GetPrimary(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrCollectionExists
	}

	plan, err := collection.NewPlan(maxDepth, maxBufferSize, batchSize, initialTheme)
	if err != nil {
		return nil, err
	}
	theme := plan.BuildInitialTheme(s.metadataBase)
	mgr, err := collection.NewManager(state.Authority, uuid.New(), plan.Config, theme)
	if err != nil {
		return nil, err
	}
	if err := s.collections.Create(ctx, mgr); err != nil {
		return nil, err
	}
	s.logger.Info().
		Uint64("capacity", mgr.Capacity()).
		Uint32("chunkSize", mgr.Config.ChunkSize).
		Str("theme", theme.Name).
		Msg("collection provisioned")
	return mgr, nil
}

// GetCollection returns the managed collection.
func (s *Service) GetCollection(ctx context.Context) (*collection.Manager, error) {
	mgr, err := s.collections.GetPrimary(ctx)
	if err != nil {
		return nil, err
	}
	if mgr == nil {
		return nil, collection.ErrManagerNotFound
	}
	return mgr, nil
}

// AddTheme registers an alternative theme on the collection.
func (s *Service) AddTheme(ctx context.Context, actor *operator.Operator, name, baseURI string, attributes map[string]string) (*collection.Manager, error) {
	if _, err := s.requireAuthority(ctx, actor); err != nil {
		return nil, err
	}
	mgr, err := s.GetCollection(ctx)
	if err != nil {
		return nil, err
	}
	theme := collection.NewTheme(name, baseURI)
	for key, value := range attributes {
		if err := theme.AddAttribute(key, value); err != nil {
			return nil, err
		}
	}
	if err := mgr.AddTheme(theme); err != nil {
		return nil, err
	}
	if err := s.collections.Update(ctx, mgr); err != nil {
		return nil, err
	}
	s.logger.Info().Str("theme", name).Msg("theme registered")
	return mgr, nil
}

// GetController returns the controller state for the status surface.
func (s *Service) GetController(ctx context.Context) (*controller.State, error) {
	state, err := s.controllers.Get(ctx)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, controller.ErrNotInitialized
	}
	return state, nil
}
