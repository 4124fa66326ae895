package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	appAccount "github.com/canopyhub/canopy/internal/application/account"
	appAdmin "github.com/canopyhub/canopy/internal/application/admin"
	appAuth "github.com/canopyhub/canopy/internal/application/auth"
	appDispatcher "github.com/canopyhub/canopy/internal/application/dispatcher"
	appEngine "github.com/canopyhub/canopy/internal/application/engine"
	appNotify "github.com/canopyhub/canopy/internal/application/notify"
	"github.com/canopyhub/canopy/internal/domain/collection"
	"github.com/canopyhub/canopy/internal/domain/controller"
	"github.com/canopyhub/canopy/internal/domain/envelope"
	"github.com/canopyhub/canopy/internal/domain/guard"
	"github.com/canopyhub/canopy/internal/domain/msglog"
	"github.com/canopyhub/canopy/internal/domain/operation"
	domainOperator "github.com/canopyhub/canopy/internal/domain/operator"
	"github.com/canopyhub/canopy/internal/domain/peer"
	"github.com/canopyhub/canopy/internal/infrastructure/sse"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	dispatcherSvc       *appDispatcher.Service
	engineSvc           *appEngine.Service
	notifySvc           *appNotify.Service
	adminSvc            *appAdmin.Service
	accountSvc          *appAccount.Service
	authSvc             *appAuth.Service
	records             msglog.Repository
	sseHub              *sse.Hub
	sessionCookieName   string
	sessionCookieSecure bool
}

func NewServer(
	dispatcherSvc *appDispatcher.Service,
	engineSvc *appEngine.Service,
	notifySvc *appNotify.Service,
	adminSvc *appAdmin.Service,
	accountSvc *appAccount.Service,
	authSvc *appAuth.Service,
	records msglog.Repository,
	sseHub *sse.Hub,
	sessionCookieName string,
	sessionCookieSecure bool,
) *Server {
	return &Server{
		dispatcherSvc:       dispatcherSvc,
		engineSvc:           engineSvc,
		notifySvc:           notifySvc,
		adminSvc:            adminSvc,
		accountSvc:          accountSvc,
		authSvc:             authSvc,
		records:             records,
		sseHub:              sseHub,
		sessionCookieName:   sessionCookieName,
		sessionCookieSecure: sessionCookieSecure,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", s.login)
			r.Post("/bootstrap", s.bootstrapAdmin)
			r.Group(func(r chi.Router) {
				r.Use(s.requireAuth)
				r.Post("/logout", s.logout)
				r.Get("/me", s.me)
			})
		})

		// The message path authenticates itself: peer trust and replay
		// protection run inside the dispatcher, not the session layer.
		r.Route("/messages", func(r chi.Router) {
			r.Post("/deliver", s.deliverMessage)
			r.Get("/discovery", s.discovery)
			r.Get("/log", s.messageLog)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Route("/operations", func(r chi.Router) {
				r.With(s.requireRole(string(domainOperator.RoleAdmin), string(domainOperator.RoleOperator))).Post("/", s.submitOperation)
				r.Get("/", s.listOperations)
				r.Get("/{operationId}", s.getOperation)
				r.Get("/{operationId}/checkpoints", s.listCheckpoints)
				r.Get("/{operationId}/verify", s.verifyOperation)
				r.With(s.requireRole(string(domainOperator.RoleAdmin), string(domainOperator.RoleOperator))).Post("/{operationId}/pause", s.pauseOperation)
				r.With(s.requireRole(string(domainOperator.RoleAdmin), string(domainOperator.RoleOperator))).Post("/{operationId}/resume", s.resumeOperation)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(s.requireRole(string(domainOperator.RoleAdmin)))
				r.Get("/controller", s.getController)
				r.Post("/controller", s.initController)
				r.Get("/peers", s.listPeers)
				r.Put("/peers/{originId}", s.setPeer)
				r.Post("/pause", s.setPaused)
				r.Post("/authority", s.transferAuthority)
				r.Get("/collection", s.getCollection)
				r.Post("/collection", s.initCollection)
				r.Post("/themes", s.addTheme)
				r.Post("/themes/switch", s.switchTheme)
			})

			r.Route("/operators", func(r chi.Router) {
				r.With(s.requireRole(string(domainOperator.RoleAdmin))).Post("/", s.createOperator)
				r.With(s.requireRole(string(domainOperator.RoleAdmin))).Get("/", s.listOperators)
				r.Get("/{operatorId}", s.getOperator)
				r.With(s.requireRole(string(domainOperator.RoleAdmin))).Patch("/{operatorId}", s.updateOperator)
				r.With(s.requireRole(string(domainOperator.RoleAdmin))).Put("/{operatorId}/password", s.setOperatorPassword)
			})

			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", s.listNotifications)
				r.Get("/{notificationId}", s.getNotification)
				r.Get("/{notificationId}/attempts", s.getNotificationAttempts)
				r.Post("/{notificationId}/send", s.sendNotification)
			})

			r.Route("/subscriptions", func(r chi.Router) {
				r.Post("/", s.createSubscription)
				r.Get("/", s.listSubscriptions)
				r.Delete("/{subscriptionId}", s.deleteSubscription)
			})

			r.Get("/events/stream", s.eventStream)
		})
	})

	return r
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	val := chi.URLParam(r, key)
	return uuid.Parse(val)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil {
			offset = o
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func parseAddressField(s string) (envelope.Address, error) {
	return envelope.AddressFromHex(s)
}

// rejectionStatus maps a dispatcher rejection onto an HTTP status.
// Trust failures are 403, replay and concurrency losses are 409,
// everything malformed stays 400.
func rejectionStatus(err error) int {
	switch {
	case errors.Is(err, peer.ErrPeerNotFound),
		errors.Is(err, peer.ErrUntrustedPeer),
		errors.Is(err, peer.ErrUnauthorizedSender):
		return http.StatusForbidden
	case errors.Is(err, guard.ErrInvalidNonce),
		errors.Is(err, guard.ErrMessageTooOld),
		errors.Is(err, guard.ErrMessageFromFuture),
		errors.Is(err, controller.ErrControllerPaused),
		errors.Is(err, controller.ErrStaleState):
		return http.StatusConflict
	case errors.Is(err, controller.ErrNotInitialized):
		return http.StatusServiceUnavailable
	case errors.Is(err, appDispatcher.ErrEndpointClear):
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

// errorStatus maps application errors on the management surface.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, operation.ErrOperationNotFound),
		errors.Is(err, collection.ErrManagerNotFound),
		errors.Is(err, controller.ErrNotInitialized):
		return http.StatusNotFound
	case errors.Is(err, operation.ErrDuplicateOperation),
		errors.Is(err, appAdmin.ErrCollectionExists),
		errors.Is(err, controller.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, appAdmin.ErrNotAuthorityHolder):
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}
