package state

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/canopyhub/canopy/internal/domain/controller"
	"github.com/canopyhub/canopy/internal/domain/envelope"
	"github.com/canopyhub/canopy/internal/domain/guard"
	"github.com/canopyhub/canopy/internal/domain/msglog"
	"github.com/canopyhub/canopy/internal/domain/peer"
	"github.com/canopyhub/canopy/internal/relay/protocol"
)

func mustKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv
}

func addr(b byte) envelope.Address {
	var a envelope.Address
	for i := range a {
		a[i] = b
	}
	return a
}

func adminTx(t *testing.T, priv ed25519.PrivateKey, id string, op protocol.Operation, payload any, ts time.Time) protocol.Tx {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	tx := protocol.Tx{
		ID:        id,
		Op:        op,
		Timestamp: ts,
		Actor:     "ops:test",
		Payload:   raw,
	}
	if err := tx.Sign(priv); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tx
}

func deliverTx(t *testing.T, priv ed25519.PrivateKey, id string, originID uint32, sender envelope.Address, message []byte, ts time.Time) protocol.Tx {
	t.Helper()
	tx := protocol.Tx{
		ID:        id,
		Op:        protocol.OpDeliverMessage,
		OriginID:  originID,
		Sender:    sender.String(),
		GUID:      "guid-" + id,
		Message:   base64.StdEncoding.EncodeToString(message),
		Timestamp: ts,
		Actor:     "relay:test",
	}
	if err := tx.Sign(priv); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tx
}

func mustApply(t *testing.T, m *Machine, tx protocol.Tx) {
	t.Helper()
	if err := m.ApplyTx(tx); err != nil {
		t.Fatalf("apply %s (%s): %v", tx.ID, tx.Op, err)
	}
}

func bootstrap(t *testing.T, m *Machine, priv ed25519.PrivateKey, authority, sender envelope.Address, base time.Time) {
	t.Helper()
	mustApply(t, m, adminTx(t, priv, "tx-init", protocol.OpInitCollection, protocol.InitCollectionPayload{
		Authority:     authority.String(),
		OriginID:      1,
		URI:           "https://example.com/collection.json",
		Name:          "Canopy",
		Symbol:        "CNPY",
		MaxDepth:      14,
		MaxBufferSize: 64,
	}, base))
	mustApply(t, m, adminTx(t, priv, "tx-peer", protocol.OpSetPeer, protocol.SetPeerPayload{
		OriginID: 1,
		Address:  sender.String(),
		Trusted:  true,
	}, base.Add(time.Second)))
}

func TestMachineDeliveryPipeline(t *testing.T) {
	m := NewMachine()
	priv := mustKey(t)
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	authority := addr(0xAA)
	sender := addr(0xBB)
	bootstrap(t, m, priv, authority, sender, base)

	at := base.Add(2 * time.Second)
	message := envelope.Encode(envelope.CmdUpdateCollectionMetadata, 5, at.Unix(),
		envelope.EncodeMetadataPayload(envelope.MetadataPayload{URI: "https://example.com/v2.json", Name: "Canopy V2", Symbol: "CNP2"}))
	tx := deliverTx(t, priv, "tx-d1", 1, sender, message, at)
	mustApply(t, m, tx)

	state, ok := m.Controller()
	if !ok {
		t.Fatalf("controller missing after delivery")
	}
	if state.ReplayCursor != 5 {
		t.Fatalf("cursor = %d, want 5", state.ReplayCursor)
	}
	if state.CollectionName != "Canopy V2" {
		t.Fatalf("metadata not applied: %q", state.CollectionName)
	}

	records := m.Records(1, 0, 0)
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	chain := make([]*msglog.Record, len(records))
	for i := range records {
		chain[i] = &records[i]
	}
	if br := msglog.VerifyChain(chain); br != nil {
		t.Fatalf("chain broken at seq %d", br.Sequence)
	}

	// Re-applying the same tx id must be a no-op.
	mustApply(t, m, tx)
	if got := len(m.Records(1, 0, 0)); got != 1 {
		t.Fatalf("records after replay of tx = %d, want 1", got)
	}

	// A fresh tx reusing the committed nonce is a replay.
	stale := deliverTx(t, priv, "tx-d2", 1, sender, message, at.Add(time.Second))
	if err := m.ApplyTx(stale); !errors.Is(err, guard.ErrInvalidNonce) {
		t.Fatalf("expected ErrInvalidNonce, got %v", err)
	}
}

func TestMachinePeerChecks(t *testing.T) {
	m := NewMachine()
	priv := mustKey(t)
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	sender := addr(0xBB)
	bootstrap(t, m, priv, addr(0xAA), sender, base)

	at := base.Add(2 * time.Second)
	message := envelope.Encode(envelope.CmdSetPaused, 9, at.Unix(), envelope.EncodePausePayload(true))

	// Unknown origin.
	if err := m.ApplyTx(deliverTx(t, priv, "tx-u1", 99, sender, message, at)); !errors.Is(err, peer.ErrPeerNotFound) {
		t.Fatalf("expected ErrPeerNotFound, got %v", err)
	}

	// Sender mismatch.
	if err := m.ApplyTx(deliverTx(t, priv, "tx-u2", 1, addr(0xCC), message, at)); !errors.Is(err, peer.ErrUnauthorizedSender) {
		t.Fatalf("expected ErrUnauthorizedSender, got %v", err)
	}

	// Revoked trust.
	mustApply(t, m, adminTx(t, priv, "tx-revoke", protocol.OpSetPeer, protocol.SetPeerPayload{
		OriginID: 1, Address: sender.String(), Trusted: false,
	}, at))
	if err := m.ApplyTx(deliverTx(t, priv, "tx-u3", 1, sender, message, at)); !errors.Is(err, peer.ErrUntrustedPeer) {
		t.Fatalf("expected ErrUntrustedPeer, got %v", err)
	}
}

func TestMachinePauseGate(t *testing.T) {
	m := NewMachine()
	priv := mustKey(t)
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	sender := addr(0xBB)
	bootstrap(t, m, priv, addr(0xAA), sender, base)

	mustApply(t, m, adminTx(t, priv, "tx-pause", protocol.OpSetPaused, protocol.SetPausedPayload{Paused: true}, base.Add(2*time.Second)))

	at := base.Add(3 * time.Second)
	metadata := envelope.Encode(envelope.CmdUpdateCollectionMetadata, 3, at.Unix(),
		envelope.EncodeMetadataPayload(envelope.MetadataPayload{URI: "u", Name: "n", Symbol: "s"}))
	if err := m.ApplyTx(deliverTx(t, priv, "tx-p1", 1, sender, metadata, at)); !errors.Is(err, controller.ErrControllerPaused) {
		t.Fatalf("expected ErrControllerPaused, got %v", err)
	}

	// set_paused is the one command allowed through while paused.
	unpause := envelope.Encode(envelope.CmdSetPaused, 4, at.Unix(), envelope.EncodePausePayload(false))
	mustApply(t, m, deliverTx(t, priv, "tx-p2", 1, sender, unpause, at))

	state, _ := m.Controller()
	if state.Paused {
		t.Fatalf("controller still paused")
	}
	if state.ReplayCursor != 4 {
		t.Fatalf("cursor = %d, want 4", state.ReplayCursor)
	}
}

func TestMachineMintCounts(t *testing.T) {
	m := NewMachine()
	priv := mustKey(t)
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	sender := addr(0xBB)
	bootstrap(t, m, priv, addr(0xAA), sender, base)

	at := base.Add(2 * time.Second)
	items := []envelope.MintItem{
		{Recipient: addr(0x01), Name: "a", Symbol: "A", URI: "u/1"},
		{Recipient: addr(0x02), Name: "b", Symbol: "B", URI: "u/2"},
		{Recipient: addr(0x03), Name: "c", Symbol: "C", URI: "u/3"},
	}
	mint := envelope.Encode(envelope.CmdMintItems, 10, at.Unix(), envelope.EncodeMintPayload(items))
	mustApply(t, m, deliverTx(t, priv, "tx-m1", 1, sender, mint, at))

	mgr, ok := m.Collection()
	if !ok {
		t.Fatalf("collection missing")
	}
	if mgr.TotalMinted != 3 {
		t.Fatalf("totalMinted = %d, want 3", mgr.TotalMinted)
	}

	oversized := make([]envelope.MintItem, MaxMintBatch+1)
	for i := range oversized {
		oversized[i] = envelope.MintItem{Recipient: addr(0x01), Name: fmt.Sprintf("x%d", i), Symbol: "X", URI: "u/x"}
	}
	big := envelope.Encode(envelope.CmdMintItems, 11, at.Unix(), envelope.EncodeMintPayload(oversized))
	if err := m.ApplyTx(deliverTx(t, priv, "tx-m2", 1, sender, big, at)); !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("expected ErrBatchTooLarge, got %v", err)
	}

	// Rejected batch must not advance the cursor.
	state, _ := m.Controller()
	if state.ReplayCursor != 10 {
		t.Fatalf("cursor = %d, want 10", state.ReplayCursor)
	}
}

func TestMachineSnapshotRoundTrip(t *testing.T) {
	m := NewMachine()
	priv := mustKey(t)
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	sender := addr(0xBB)
	bootstrap(t, m, priv, addr(0xAA), sender, base)

	at := base.Add(2 * time.Second)
	message := envelope.Encode(envelope.CmdUpdateCollectionMetadata, 7, at.Unix(),
		envelope.EncodeMetadataPayload(envelope.MetadataPayload{URI: "u", Name: "n", Symbol: "s"}))
	tx := deliverTx(t, priv, "tx-s1", 1, sender, message, at)
	mustApply(t, m, tx)

	data, err := m.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	restored := NewMachine()
	if err := restored.Unmarshal(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got, want := restored.StateStats(), m.StateStats(); got != want {
		t.Fatalf("stats diverged: %+v vs %+v", got, want)
	}
	state, ok := restored.Controller()
	if !ok || state.ReplayCursor != 7 {
		t.Fatalf("restored cursor wrong: %+v", state)
	}

	// Dedupe state survives the snapshot.
	mustApply(t, restored, tx)
	if got := len(restored.Records(1, 0, 0)); got != 1 {
		t.Fatalf("records after replay = %d, want 1", got)
	}
}

func TestMachineRejectsDoubleInit(t *testing.T) {
	m := NewMachine()
	priv := mustKey(t)
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	bootstrap(t, m, priv, addr(0xAA), addr(0xBB), base)

	again := adminTx(t, priv, "tx-init-2", protocol.OpInitCollection, protocol.InitCollectionPayload{
		Authority: addr(0xAA).String(), OriginID: 1, MaxDepth: 14, MaxBufferSize: 64,
	}, base.Add(time.Minute))
	if err := m.ApplyTx(again); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
}
