// Package endpoint implements the transport acknowledgment collaborator.
// Clear tells the transport layer a message is being consumed; it must
// succeed before the dispatcher interprets a single payload byte.
package endpoint

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/canopyhub/canopy/internal/domain/envelope"
)

// Client clears messages against a remote transport endpoint over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an HTTP endpoint client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type clearRequest struct {
	OriginID uint32 `json:"origin_id"`
	Sender   string `json:"sender"`
	Nonce    uint64 `json:"nonce"`
	GUID     string `json:"guid"`
	Message  string `json:"message"` // base64
}

// Clear acknowledges one inbound message. The transport side is
// idempotent, so redelivered messages may be cleared again safely.
func (c *Client) Clear(ctx context.Context, originID uint32, sender envelope.Address, nonce uint64, guid string, message []byte) error {
	body, err := json.Marshal(clearRequest{
		OriginID: originID,
		Sender:   sender.String(),
		Nonce:    nonce,
		GUID:     guid,
		Message:  base64.StdEncoding.EncodeToString(message),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/clear", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("endpoint clear failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint clear returned status %d", resp.StatusCode)
	}
	return nil
}

// Local is the development endpoint: it clears everything.
type Local struct{}

func (Local) Clear(ctx context.Context, originID uint32, sender envelope.Address, nonce uint64, guid string, message []byte) error {
	_ = ctx
	_ = originID
	_ = sender
	_ = nonce
	_ = guid
	_ = message
	return nil
}
