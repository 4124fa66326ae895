package httpapi

import (
	"net/http"

	appAccount "github.com/canopyhub/canopy/internal/application/account"
	"github.com/canopyhub/canopy/internal/domain/envelope"
	domainOperator "github.com/canopyhub/canopy/internal/domain/operator"
)

type operatorCreateRequest struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	Role         string `json:"role"`
	Status       string `json:"status,omitempty"`
	AuthorityKey string `json:"authority_key,omitempty"`
}

func (s *Server) createOperator(w http.ResponseWriter, r *http.Request) {
	var req operatorCreateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	var authorityKey *envelope.Address
	if req.AuthorityKey != "" {
		addr, err := parseAddressField(req.AuthorityKey)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid authority_key")
			return
		}
		authorityKey = &addr
	}
	op, err := s.accountSvc.CreateOperator(r.Context(), appAccount.CreateInput{
		Username:     req.Username,
		Password:     req.Password,
		Role:         domainOperator.Role(req.Role),
		Status:       domainOperator.Status(req.Status),
		AuthorityKey: authorityKey,
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, op)
}

func (s *Server) listOperators(w http.ResponseWriter, r *http.Request) {
	var filter domainOperator.Filter
	if v := r.URL.Query().Get("role"); v != "" {
		role := domainOperator.Role(v)
		filter.Role = &role
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := domainOperator.Status(v)
		filter.Status = &status
	}
	limit, offset := parseLimitOffset(r, 100, 200)
	ops, err := s.accountSvc.ListOperators(r.Context(), filter, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"operators": ops})
}

func (s *Server) getOperator(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "operatorId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid operatorId")
		return
	}
	op, err := s.accountSvc.GetOperator(r.Context(), id)
	if err != nil || op == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "operator not found")
		return
	}
	respondJSON(w, http.StatusOK, op)
}

type operatorUpdateRequest struct {
	Role         *string `json:"role,omitempty"`
	Status       *string `json:"status,omitempty"`
	AuthorityKey *string `json:"authority_key,omitempty"`
}

func (s *Server) updateOperator(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "operatorId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid operatorId")
		return
	}
	var req operatorUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	var input appAccount.UpdateInput
	if req.Role != nil {
		role := domainOperator.Role(*req.Role)
		input.Role = &role
	}
	if req.Status != nil {
		status := domainOperator.Status(*req.Status)
		input.Status = &status
	}
	if req.AuthorityKey != nil {
		addr, err := parseAddressField(*req.AuthorityKey)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid authority_key")
			return
		}
		input.AuthorityKey = &addr
	}
	op, err := s.accountSvc.UpdateOperator(r.Context(), id, input)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, op)
}

func (s *Server) setOperatorPassword(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "operatorId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid operatorId")
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if err := s.accountSvc.SetPassword(r.Context(), id, req.Password); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "OK"})
}
