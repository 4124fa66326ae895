package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/canopyhub/canopy/internal/domain/envelope"
	"github.com/canopyhub/canopy/internal/relay/protocol"
)

type options struct {
	op         string
	txID       string
	actor      string
	timestamp  string
	privateKey string

	originID uint32
	sender   string
	nonce    uint64
	guid     string
	message  string

	command   string
	uri       string
	name      string
	symbol    string
	paused    bool
	authority string

	peerAddress string
	trusted     bool

	maxDepth      uint
	maxBufferSize uint
	batchSize     uint
	initialTheme  string
}

func main() {
	var opt options

	flag.StringVar(&opt.op, "op", "", "operation: deliver|set-peer|set-paused|transfer-authority|init-collection")
	flag.StringVar(&opt.txID, "tx-id", "", "tx identifier; auto-generated when empty")
	flag.StringVar(&opt.actor, "actor", "ops:smoke", "actor string")
	flag.StringVar(&opt.timestamp, "timestamp", "", "RFC3339 timestamp; default now UTC")
	flag.StringVar(&opt.privateKey, "private-key", "", "base64 private key (32-byte seed or 64-byte private key); default random")

	var originID uint
	flag.UintVar(&originID, "origin-id", 1, "origin chain id")
	flag.StringVar(&opt.sender, "sender", "", "sender address hex for deliver")
	flag.Uint64Var(&opt.nonce, "nonce", 0, "delivery nonce; default derived from time")
	flag.StringVar(&opt.guid, "guid", "", "transport guid; auto-generated when empty")
	flag.StringVar(&opt.message, "message-b64", "", "raw base64 envelope; built from -command when empty")

	flag.StringVar(&opt.command, "command", "update_collection_metadata", "envelope command when building a message: update_collection_metadata|set_paused|transfer_authority")
	flag.StringVar(&opt.uri, "uri", "", "collection metadata uri")
	flag.StringVar(&opt.name, "name", "", "collection metadata name")
	flag.StringVar(&opt.symbol, "symbol", "", "collection metadata symbol")
	flag.BoolVar(&opt.paused, "paused", true, "pause flag for set-paused")
	flag.StringVar(&opt.authority, "authority", "", "authority address hex")

	flag.StringVar(&opt.peerAddress, "peer-address", "", "peer address hex for set-peer")
	flag.BoolVar(&opt.trusted, "trusted", true, "trust flag for set-peer")

	flag.UintVar(&opt.maxDepth, "max-depth", 14, "tree depth for init-collection")
	flag.UintVar(&opt.maxBufferSize, "max-buffer-size", 64, "tree buffer size for init-collection")
	flag.UintVar(&opt.batchSize, "batch-size", 50, "chunking batch size for init-collection")
	flag.StringVar(&opt.initialTheme, "initial-theme", "default", "initial theme name for init-collection")
	flag.Parse()
	opt.originID = uint32(originID)

	op, err := parseOperation(opt.op)
	if err != nil {
		log.Fatal(err)
	}
	opt.actor = strings.TrimSpace(opt.actor)
	if opt.actor == "" {
		log.Fatal("actor is required")
	}

	privateKey, err := loadPrivateKey(opt.privateKey)
	if err != nil {
		log.Fatal(err)
	}
	ts, err := parseTimestamp(opt.timestamp)
	if err != nil {
		log.Fatal(err)
	}

	txID := strings.TrimSpace(opt.txID)
	if txID == "" {
		txID = autoID("tx", ts)
	}
	tx := protocol.Tx{
		ID:        txID,
		Op:        op,
		Timestamp: ts,
		Actor:     opt.actor,
	}

	switch op {
	case protocol.OpDeliverMessage:
		if err := fillDelivery(&tx, opt, ts); err != nil {
			log.Fatal(err)
		}
	default:
		payload, err := buildPayload(op, opt)
		if err != nil {
			log.Fatal(err)
		}
		tx.Payload = payload
	}

	if err := tx.Sign(privateKey); err != nil {
		log.Fatal(err)
	}

	out, err := json.Marshal(tx)
	if err != nil {
		log.Fatal(err)
	}
	_, _ = os.Stdout.Write(out)
}

func parseOperation(raw string) (protocol.Operation, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "deliver", "deliver-message", "deliver_message":
		return protocol.OpDeliverMessage, nil
	case "set-peer", "set_peer":
		return protocol.OpSetPeer, nil
	case "set-paused", "set_paused":
		return protocol.OpSetPaused, nil
	case "transfer-authority", "transfer_authority":
		return protocol.OpTransferAuthority, nil
	case "init-collection", "init_collection":
		return protocol.OpInitCollection, nil
	default:
		return "", fmt.Errorf("unsupported op: %q", raw)
	}
}

// fillDelivery populates the flat delivery fields, building a signed-over
// envelope from -command when no raw message is supplied.
func fillDelivery(tx *protocol.Tx, opt options, ts time.Time) error {
	sender := strings.TrimSpace(opt.sender)
	if sender == "" {
		return errors.New("sender is required for deliver")
	}
	if _, err := envelope.AddressFromHex(sender); err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}

	nonce := opt.nonce
	if nonce == 0 {
		nonce = uint64(ts.UnixNano())
	}
	guid := strings.TrimSpace(opt.guid)
	if guid == "" {
		guid = autoID("guid", ts)
	}

	message := strings.TrimSpace(opt.message)
	if message == "" {
		raw, err := buildEnvelope(opt, nonce, ts)
		if err != nil {
			return err
		}
		message = base64.StdEncoding.EncodeToString(raw)
	} else if _, err := base64.StdEncoding.DecodeString(message); err != nil {
		return fmt.Errorf("invalid message-b64: %w", err)
	}

	tx.OriginID = opt.originID
	tx.Sender = sender
	tx.Nonce = nonce
	tx.GUID = guid
	tx.Message = message
	return nil
}

func buildEnvelope(opt options, nonce uint64, ts time.Time) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(opt.command)) {
	case "update_collection_metadata", "update-collection-metadata":
		payload := envelope.EncodeMetadataPayload(envelope.MetadataPayload{
			URI:    opt.uri,
			Name:   opt.name,
			Symbol: opt.symbol,
		})
		return envelope.Encode(envelope.CmdUpdateCollectionMetadata, nonce, ts.Unix(), payload), nil
	case "set_paused", "set-paused":
		return envelope.Encode(envelope.CmdSetPaused, nonce, ts.Unix(), envelope.EncodePausePayload(opt.paused)), nil
	case "transfer_authority", "transfer-authority":
		next, err := envelope.AddressFromHex(strings.TrimSpace(opt.authority))
		if err != nil {
			return nil, fmt.Errorf("invalid authority: %w", err)
		}
		return envelope.Encode(envelope.CmdTransferAuthority, nonce, ts.Unix(), envelope.EncodeAuthorityPayload(next)), nil
	default:
		return nil, fmt.Errorf("unsupported command: %q", opt.command)
	}
}

func buildPayload(op protocol.Operation, opt options) (json.RawMessage, error) {
	switch op {
	case protocol.OpSetPeer:
		address := strings.TrimSpace(opt.peerAddress)
		if address == "" {
			return nil, errors.New("peer-address is required for set-peer")
		}
		return json.Marshal(protocol.SetPeerPayload{
			OriginID: opt.originID,
			Address:  address,
			Trusted:  opt.trusted,
		})

	case protocol.OpSetPaused:
		return json.Marshal(protocol.SetPausedPayload{Paused: opt.paused})

	case protocol.OpTransferAuthority:
		authority := strings.TrimSpace(opt.authority)
		if authority == "" {
			return nil, errors.New("authority is required for transfer-authority")
		}
		return json.Marshal(protocol.TransferAuthorityPayload{Authority: authority})

	case protocol.OpInitCollection:
		authority := strings.TrimSpace(opt.authority)
		if authority == "" {
			return nil, errors.New("authority is required for init-collection")
		}
		return json.Marshal(protocol.InitCollectionPayload{
			Authority:     authority,
			OriginID:      opt.originID,
			URI:           opt.uri,
			Name:          opt.name,
			Symbol:        opt.symbol,
			MaxDepth:      uint32(opt.maxDepth),
			MaxBufferSize: uint32(opt.maxBufferSize),
			BatchSize:     uint32(opt.batchSize),
			InitialTheme:  opt.initialTheme,
		})
	}
	return nil, fmt.Errorf("unsupported op: %s", op)
}

func parseTimestamp(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Now().UTC(), nil
	}
	parsed, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	return parsed.UTC(), nil
}

func loadPrivateKey(raw string) (ed25519.PrivateKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		return key, err
	}
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid private-key base64: %w", err)
	}
	switch len(decoded) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(decoded), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(decoded), nil
	default:
		return nil, fmt.Errorf("invalid private-key length: %d (expected 32 or 64 bytes)", len(decoded))
	}
}

func autoID(prefix string, ts time.Time) string {
	return fmt.Sprintf("%s-%d", prefix, ts.UnixNano())
}
