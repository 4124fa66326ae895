package httpapi

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"

	"github.com/canopyhub/canopy/internal/application/dispatcher"
	"github.com/canopyhub/canopy/internal/domain/msglog"
)

var errInvalidOriginID = errors.New("origin_id must be a 32-bit unsigned integer")

type deliverRequest struct {
	OriginID uint32 `json:"origin_id"`
	Sender   string `json:"sender"` // hex, 32 bytes
	Nonce    uint64 `json:"nonce"`
	GUID     string `json:"guid"`
	Message  string `json:"message"` // base64
}

func (s *Server) deliverMessage(w http.ResponseWriter, r *http.Request) {
	var req deliverRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	sender, err := parseAddressField(req.Sender)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sender address")
		return
	}
	message, err := base64.StdEncoding.DecodeString(req.Message)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "message must be base64")
		return
	}
	if req.GUID == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "guid is required")
		return
	}

	outcome, err := s.dispatcherSvc.Deliver(r.Context(), dispatcher.Delivery{
		OriginID: req.OriginID,
		Sender:   sender,
		Nonce:    req.Nonce,
		GUID:     req.GUID,
		Message:  message,
	})
	if err != nil {
		respondJSON(w, rejectionStatus(err), outcome)
		return
	}
	respondJSON(w, http.StatusOK, outcome)
}

func (s *Server) discovery(w http.ResponseWriter, r *http.Request) {
	originID, err := parseOriginIDQuery(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	sender := r.URL.Query().Get("sender")
	if sender == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "sender is required")
		return
	}
	resources := s.dispatcherSvc.Discover(r.Context(), originID, sender)
	respondJSON(w, http.StatusOK, map[string]interface{}{"resources": resources})
}

type messageLogResponse struct {
	Records     []*msglog.Record   `json:"records"`
	ChainIntact bool               `json:"chain_intact"`
	ChainBreak  *msglog.ChainBreak `json:"chain_break,omitempty"`
}

func (s *Server) messageLog(w http.ResponseWriter, r *http.Request) {
	originID, err := parseOriginIDQuery(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	limit, _ := parseLimitOffset(r, 100, 1000)
	records, err := s.records.ListByOrigin(r.Context(), originID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	br := msglog.VerifyChain(records)
	respondJSON(w, http.StatusOK, messageLogResponse{
		Records:     records,
		ChainIntact: br == nil,
		ChainBreak:  br,
	})
}

func parseOriginIDQuery(r *http.Request) (uint32, error) {
	raw := r.URL.Query().Get("origin_id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, errInvalidOriginID
	}
	return uint32(id), nil
}
