package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/canopyhub/canopy/internal/application/engine"
	"github.com/canopyhub/canopy/internal/domain/operation"
)

func (s *Server) getController(w http.ResponseWriter, r *http.Request) {
	state, err := s.adminSvc.GetController(r.Context())
	if err != nil {
		respondError(w, errorStatus(err), "NOT_FOUND", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, state)
}

type initControllerRequest struct {
	Authority string `json:"authority"`
	OriginID  uint32 `json:"origin_id"`
	URI       string `json:"uri,omitempty"`
	Name      string `json:"name,omitempty"`
	Symbol    string `json:"symbol,omitempty"`
}

func (s *Server) initController(w http.ResponseWriter, r *http.Request) {
	var req initControllerRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	authority, err := parseAddressField(req.Authority)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid authority address")
		return
	}
	state, err := s.adminSvc.InitController(r.Context(), authority, req.OriginID, req.URI, req.Name, req.Symbol)
	if err != nil {
		respondError(w, errorStatus(err), "INVALID_PARAM", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (s *Server) listPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.adminSvc.ListPeers(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"peers": peers})
}

type setPeerRequest struct {
	Address string `json:"address"`
	Trusted bool   `json:"trusted"`
}

func (s *Server) setPeer(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "originId")
	originID, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid originId")
		return
	}
	var req setPeerRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	address, err := parseAddressField(req.Address)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid peer address")
		return
	}
	auth := authOperatorFromContext(r.Context())
	p, err := s.adminSvc.SetPeer(r.Context(), auth.Operator, uint32(originID), address, req.Trusted)
	if err != nil {
		respondError(w, errorStatus(err), "INVALID_PARAM", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) setPaused(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paused bool `json:"paused"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	auth := authOperatorFromContext(r.Context())
	state, err := s.adminSvc.SetPaused(r.Context(), auth.Operator, req.Paused)
	if err != nil {
		respondError(w, errorStatus(err), "INVALID_PARAM", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (s *Server) transferAuthority(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Authority string `json:"authority"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	next, err := parseAddressField(req.Authority)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid authority address")
		return
	}
	auth := authOperatorFromContext(r.Context())
	state, err := s.adminSvc.TransferAuthority(r.Context(), auth.Operator, next)
	if err != nil {
		respondError(w, errorStatus(err), "INVALID_PARAM", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (s *Server) getCollection(w http.ResponseWriter, r *http.Request) {
	mgr, err := s.adminSvc.GetCollection(r.Context())
	if err != nil {
		respondError(w, errorStatus(err), "NOT_FOUND", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, mgr)
}

type initCollectionRequest struct {
	MaxDepth      uint32 `json:"max_depth"`
	MaxBufferSize uint32 `json:"max_buffer_size"`
	BatchSize     uint32 `json:"batch_size"`
	InitialTheme  string `json:"initial_theme"`
}

func (s *Server) initCollection(w http.ResponseWriter, r *http.Request) {
	var req initCollectionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	auth := authOperatorFromContext(r.Context())
	mgr, err := s.adminSvc.InitCollection(r.Context(), auth.Operator, req.MaxDepth, req.MaxBufferSize, req.BatchSize, req.InitialTheme)
	if err != nil {
		respondError(w, errorStatus(err), "INVALID_PARAM", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, mgr)
}

type addThemeRequest struct {
	Name       string            `json:"name"`
	BaseURI    string            `json:"base_uri"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (s *Server) addTheme(w http.ResponseWriter, r *http.Request) {
	var req addThemeRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	auth := authOperatorFromContext(r.Context())
	mgr, err := s.adminSvc.AddTheme(r.Context(), auth.Operator, req.Name, req.BaseURI, req.Attributes)
	if err != nil {
		respondError(w, errorStatus(err), "INVALID_PARAM", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, mgr)
}

type switchThemeRequest struct {
	OperationID string `json:"operation_id,omitempty"`
	Theme       string `json:"theme"`
}

// switchTheme submits a theme_update bulk operation; the background
// runner walks it and the swap itself lands after the final chunk.
func (s *Server) switchTheme(w http.ResponseWriter, r *http.Request) {
	var req switchThemeRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	op, err := s.engineSvc.Submit(r.Context(), engine.Request{
		OperationID: req.OperationID,
		Kind:        operation.KindThemeUpdate,
		Theme:       req.Theme,
	})
	if err != nil {
		respondError(w, errorStatus(err), "INVALID_PARAM", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"operation_id": op.OperationID,
		"state":        op.State,
		"items_total":  op.ItemsTotal,
	})
}
