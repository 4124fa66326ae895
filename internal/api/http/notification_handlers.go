package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/canopyhub/canopy/internal/domain/notification"
)

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	var filter notification.Filter
	if v := r.URL.Query().Get("topic"); v != "" {
		filter.Topic = &v
	}
	if v := r.URL.Query().Get("channel"); v != "" {
		ch := notification.Channel(v)
		filter.Channel = &ch
	}
	if v := r.URL.Query().Get("status"); v != "" {
		st := notification.Status(v)
		filter.Status = &st
	}
	if v := r.URL.Query().Get("severity"); v != "" {
		sev := notification.Severity(v)
		filter.Severity = &sev
	}
	if v := r.URL.Query().Get("operation_id"); v != "" {
		filter.OperationID = &v
	}
	limit, offset := parseLimitOffset(r, 100, 200)
	notifications, err := s.notifySvc.List(r.Context(), filter, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"notifications": notifications})
}

func (s *Server) getNotification(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "notificationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid notificationId")
		return
	}
	n, err := s.notifySvc.Get(r.Context(), id)
	if err != nil || n == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "notification not found")
		return
	}
	respondJSON(w, http.StatusOK, n)
}

func (s *Server) getNotificationAttempts(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "notificationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid notificationId")
		return
	}
	attempts, err := s.notifySvc.Attempts(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"attempts": attempts})
}

func (s *Server) sendNotification(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "notificationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid notificationId")
		return
	}
	if err := s.notifySvc.Send(r.Context(), id); err != nil {
		respondError(w, http.StatusBadRequest, "SEND_FAILED", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "OK"})
}

type subscriptionCreateRequest struct {
	WebhookURL string   `json:"webhook_url"`
	Topics     []string `json:"topics,omitempty"`
}

func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionCreateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	sub, err := s.notifySvc.Subscribe(r.Context(), req.WebhookURL, req.Topics)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.notifySvc.Subscriptions(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"subscriptions": subs})
}

func (s *Server) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "subscriptionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid subscriptionId")
		return
	}
	if err := s.notifySvc.Unsubscribe(r.Context(), id); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "OK"})
}

// eventStream is the live SSE feed: checkpoint broadcasts plus raised
// notifications, optionally narrowed to one operation.
func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.New().String()
	}
	var operationID *string
	if v := r.URL.Query().Get("operation_id"); v != "" {
		operationID = &v
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}

	client := notification.NewSSEClient(clientID, operationID)
	s.sseHub.Register(client)
	defer s.sseHub.Unregister(clientID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Send an initial comment to flush headers and keep the connection alive.
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg := <-client.MessageChan:
			if msg == nil {
				return
			}
			payload, _ := json.Marshal(msg)
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
