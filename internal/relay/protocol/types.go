package protocol

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Operation defines supported relay writes.
type Operation string

const (
	OpDeliverMessage    Operation = "deliver_message"
	OpSetPeer           Operation = "set_peer"
	OpSetPaused         Operation = "set_paused"
	OpTransferAuthority Operation = "transfer_authority"
	OpInitCollection    Operation = "init_collection"
)

var validOps = map[Operation]struct{}{
	OpDeliverMessage:    {},
	OpSetPeer:           {},
	OpSetPaused:         {},
	OpTransferAuthority: {},
	OpInitCollection:    {},
}

// Tx is the signed, replicated command envelope. Deliveries carry their
// transport metadata inline; administrative ops carry a typed payload.
type Tx struct {
	ID        string          `json:"id"`
	Op        Operation       `json:"op"`
	OriginID  uint32          `json:"origin_id,omitempty"`
	Sender    string          `json:"sender,omitempty"` // hex address
	Nonce     uint64          `json:"nonce,omitempty"`
	GUID      string          `json:"guid,omitempty"`
	Message   string          `json:"message,omitempty"` // base64 envelope bytes
	Timestamp time.Time       `json:"timestamp"`
	Actor     string          `json:"actor"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	PublicKey string          `json:"public_key"` // base64 raw ed25519 public key
	Signature string          `json:"signature"`  // base64 raw signature
}

type txSignable struct {
	ID        string          `json:"id"`
	Op        Operation       `json:"op"`
	OriginID  uint32          `json:"origin_id,omitempty"`
	Sender    string          `json:"sender,omitempty"`
	Nonce     uint64          `json:"nonce,omitempty"`
	GUID      string          `json:"guid,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Actor     string          `json:"actor"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	PublicKey string          `json:"public_key"`
}

// CanonicalBytes returns the deterministic signing payload.
func (t Tx) CanonicalBytes() ([]byte, error) {
	signable := txSignable{
		ID:        strings.TrimSpace(t.ID),
		Op:        t.Op,
		OriginID:  t.OriginID,
		Sender:    strings.TrimSpace(t.Sender),
		Nonce:     t.Nonce,
		GUID:      strings.TrimSpace(t.GUID),
		Message:   strings.TrimSpace(t.Message),
		Timestamp: t.Timestamp.UTC(),
		Actor:     strings.TrimSpace(t.Actor),
		Payload:   t.Payload,
		PublicKey: strings.TrimSpace(t.PublicKey),
	}
	return json.Marshal(signable)
}

// ValidateBasic checks required immutable tx fields.
func (t Tx) ValidateBasic() error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("id is required")
	}
	if strings.TrimSpace(t.Actor) == "" {
		return errors.New("actor is required")
	}
	if t.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if _, ok := validOps[t.Op]; !ok {
		return fmt.Errorf("unsupported op: %s", t.Op)
	}
	if t.Op == OpDeliverMessage {
		if strings.TrimSpace(t.GUID) == "" {
			return errors.New("guid is required")
		}
		if strings.TrimSpace(t.Message) == "" {
			return errors.New("message is required")
		}
		if strings.TrimSpace(t.Sender) == "" {
			return errors.New("sender is required")
		}
	} else if len(t.Payload) == 0 {
		return errors.New("payload is required")
	}
	if strings.TrimSpace(t.PublicKey) == "" {
		return errors.New("public_key is required")
	}
	if strings.TrimSpace(t.Signature) == "" {
		return errors.New("signature is required")
	}
	return nil
}

// Sign sets tx public key/signature for the given private key.
func (t *Tx) Sign(privateKey ed25519.PrivateKey) error {
	if len(privateKey) != ed25519.PrivateKeySize {
		return errors.New("invalid private key")
	}
	t.PublicKey = base64.StdEncoding.EncodeToString(privateKey.Public().(ed25519.PublicKey))
	payload, err := t.CanonicalBytes()
	if err != nil {
		return err
	}
	sig := ed25519.Sign(privateKey, payload)
	t.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// Verify validates tx signature using included public key.
func (t Tx) Verify() error {
	if err := t.ValidateBasic(); err != nil {
		return err
	}
	pubRaw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(t.PublicKey))
	if err != nil {
		return fmt.Errorf("invalid public_key: %w", err)
	}
	if len(pubRaw) != ed25519.PublicKeySize {
		return errors.New("invalid public_key size")
	}
	sigRaw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(t.Signature))
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if len(sigRaw) != ed25519.SignatureSize {
		return errors.New("invalid signature size")
	}
	payload, err := t.CanonicalBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pubRaw), payload, sigRaw) {
		return errors.New("signature verification failed")
	}
	return nil
}

// DecodePayload decodes operation payloads.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

// SetPeerPayload registers or replaces the trusted peer for an origin.
type SetPeerPayload struct {
	OriginID uint32 `json:"origin_id"`
	Address  string `json:"address"` // hex
	Trusted  bool   `json:"trusted"`
}

// SetPausedPayload flips the controller pause flag.
type SetPausedPayload struct {
	Paused bool `json:"paused"`
}

// TransferAuthorityPayload hands controller authority to a new key.
type TransferAuthorityPayload struct {
	Authority string `json:"authority"` // hex
}

// InitCollectionPayload bootstraps the replicated controller and its
// collection manager in one step.
type InitCollectionPayload struct {
	Authority     string `json:"authority"` // hex
	OriginID      uint32 `json:"origin_id"`
	URI           string `json:"uri,omitempty"`
	Name          string `json:"name,omitempty"`
	Symbol        string `json:"symbol,omitempty"`
	MaxDepth      uint32 `json:"max_depth"`
	MaxBufferSize uint32 `json:"max_buffer_size"`
	BatchSize     uint32 `json:"batch_size,omitempty"`
	InitialTheme  string `json:"initial_theme,omitempty"`
}
