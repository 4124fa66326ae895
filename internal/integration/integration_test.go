//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	httpapi "github.com/canopyhub/canopy/internal/api/http"
	"github.com/canopyhub/canopy/internal/application/account"
	"github.com/canopyhub/canopy/internal/application/admin"
	"github.com/canopyhub/canopy/internal/application/audit"
	"github.com/canopyhub/canopy/internal/application/auth"
	"github.com/canopyhub/canopy/internal/application/dispatcher"
	"github.com/canopyhub/canopy/internal/application/engine"
	"github.com/canopyhub/canopy/internal/application/notify"
	"github.com/canopyhub/canopy/internal/domain/envelope"
	"github.com/canopyhub/canopy/internal/infrastructure/endpoint"
	"github.com/canopyhub/canopy/internal/infrastructure/keystore"
	"github.com/canopyhub/canopy/internal/infrastructure/postgres"
	"github.com/canopyhub/canopy/internal/infrastructure/sse"
	"github.com/canopyhub/canopy/internal/infrastructure/treesim"
)

const (
	testUsername = "alice"
	testPassword = "S3cure!Passw0rd"
	testOriginID = 7
)

var (
	authorityHex = strings.Repeat("11", 32)
	senderHex    = strings.Repeat("22", 32)
)

func TestDeliveryPipelineIntegration(t *testing.T) {
	server, cleanup := newTestServer(t)
	defer cleanup()

	client := newAuthedClient(t, server.URL)
	initControllerAndPeer(t, client, server.URL)

	// First delivery commits and advances the cursor.
	payload := envelope.EncodeMetadataPayload(envelope.MetadataPayload{
		URI:    "ipfs://canopy/meta-v2",
		Name:   "Canopy",
		Symbol: "CNPY",
	})
	message := envelope.Encode(envelope.CmdUpdateCollectionMetadata, 1, time.Now().Unix(), payload)

	deliverReq := map[string]interface{}{
		"origin_id": testOriginID,
		"sender":    senderHex,
		"nonce":     1,
		"guid":      "guid-metadata-1",
		"message":   base64.StdEncoding.EncodeToString(message),
	}
	var outcome map[string]interface{}
	postJSON(t, client, server.URL+"/api/v1/messages/deliver", deliverReq, &outcome)
	if outcome["status"] != "COMMITTED" {
		t.Fatalf("expected COMMITTED, got %v", outcome)
	}

	// Replaying the same nonce is rejected with a conflict.
	resp := postJSONRaw(t, client, server.URL+"/api/v1/messages/deliver", deliverReq)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on replay, got %d", resp.StatusCode)
	}

	// The committed delivery landed on the controller state.
	var controllerState map[string]interface{}
	getJSON(t, client, server.URL+"/api/v1/admin/controller", &controllerState)
	raw, _ := json.Marshal(controllerState)
	if !strings.Contains(string(raw), "ipfs://canopy/meta-v2") {
		t.Fatalf("metadata update not applied: %s", raw)
	}

	// The record chain for the origin is intact.
	var logResp struct {
		Records     []json.RawMessage `json:"records"`
		ChainIntact bool              `json:"chain_intact"`
	}
	getJSON(t, client, fmt.Sprintf("%s/api/v1/messages/log?origin_id=%d", server.URL, testOriginID), &logResp)
	if !logResp.ChainIntact {
		t.Fatalf("message log chain broken")
	}
	if len(logResp.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(logResp.Records))
	}
}

func TestBulkOperationIntegration(t *testing.T) {
	server, cleanup := newTestServer(t)
	defer cleanup()

	client := newAuthedClient(t, server.URL)
	initControllerAndPeer(t, client, server.URL)

	submitReq := map[string]interface{}{
		"kind":      "mass_mint",
		"recipient": senderHex,
		"count":     120,
	}
	var submitResp struct {
		OperationID string `json:"operation_id"`
		State       string `json:"state"`
		ItemsTotal  uint64 `json:"items_total"`
	}
	postJSON(t, client, server.URL+"/api/v1/operations", submitReq, &submitResp)
	if submitResp.OperationID == "" {
		t.Fatalf("missing operation id")
	}
	if submitResp.ItemsTotal != 120 {
		t.Fatalf("expected 120 items, got %d", submitResp.ItemsTotal)
	}

	// The background runner walks the operation in chunks.
	deadline := time.Now().Add(15 * time.Second)
	var status struct {
		State          string  `json:"state"`
		ItemsProcessed uint64  `json:"itemsProcessed"`
		Progress       float64 `json:"progress"`
	}
	for {
		getJSON(t, client, server.URL+"/api/v1/operations/"+submitResp.OperationID, &status)
		if status.State == "COMPLETED" {
			break
		}
		if status.State == "FAILED" {
			t.Fatalf("operation failed")
		}
		if time.Now().After(deadline) {
			t.Fatalf("operation did not complete, state=%s processed=%d", status.State, status.ItemsProcessed)
		}
		time.Sleep(200 * time.Millisecond)
	}
	if status.Progress != 1 {
		t.Fatalf("expected progress 1, got %f", status.Progress)
	}

	// Checkpoints were recorded along the way.
	var cpResp struct {
		Checkpoints []json.RawMessage `json:"checkpoints"`
	}
	getJSON(t, client, server.URL+"/api/v1/operations/"+submitResp.OperationID+"/checkpoints", &cpResp)
	if len(cpResp.Checkpoints) == 0 {
		t.Fatalf("expected checkpoints")
	}

	// The signed checkpoint chain verifies.
	var report map[string]interface{}
	getJSON(t, client, server.URL+"/api/v1/operations/"+submitResp.OperationID+"/verify", &report)
	raw, _ := json.Marshal(report)
	if strings.Contains(string(raw), "false") {
		t.Fatalf("verification report flagged a failure: %s", raw)
	}
}

func initControllerAndPeer(t *testing.T, client *http.Client, baseURL string) {
	t.Helper()

	initReq := map[string]interface{}{
		"authority": authorityHex,
		"origin_id": testOriginID,
		"uri":       "ipfs://canopy/meta",
		"name":      "Canopy Genesis",
		"symbol":    "CNPY",
	}
	postJSON(t, client, baseURL+"/api/v1/admin/controller", initReq, nil)

	collReq := map[string]interface{}{
		"max_depth":       14,
		"max_buffer_size": 64,
		"batch_size":      50,
		"initial_theme":   "base",
	}
	postJSON(t, client, baseURL+"/api/v1/admin/collection", collReq, nil)

	peerReq := map[string]interface{}{
		"address": senderHex,
		"trusted": true,
	}
	putJSON(t, client, fmt.Sprintf("%s/api/v1/admin/peers/%d", baseURL, testOriginID), peerReq)
}

func postJSON(t *testing.T, client *http.Client, url string, body interface{}, out interface{}) {
	t.Helper()
	resp := postJSONRaw(t, client, url, body)
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("post %s status %d: %s", url, resp.StatusCode, string(bodyBytes))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
}

func postJSONRaw(t *testing.T, client *http.Client, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func putJSON(t *testing.T, client *http.Client, url string, body interface{}) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("put %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("put %s status %d: %s", url, resp.StatusCode, string(bodyBytes))
	}
}

func getJSON(t *testing.T, client *http.Client, url string, out interface{}) {
	t.Helper()
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("get %s status %d: %s", url, resp.StatusCode, string(bodyBytes))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func newAuthedClient(t *testing.T, baseURL string) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	client := &http.Client{Timeout: 10 * time.Second, Jar: jar}

	// Bootstrap carries the controller authority key so admin
	// operations pass the authority check.
	payload := map[string]string{
		"username":      testUsername,
		"password":      testPassword,
		"authority_key": authorityHex,
	}
	data, _ := json.Marshal(payload)
	resp, err := client.Post(baseURL+"/api/v1/auth/bootstrap", "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bootstrap status %d", resp.StatusCode)
	}

	postJSON(t, client, baseURL+"/api/v1/auth/login", map[string]string{
		"username": testUsername,
		"password": testPassword,
	}, nil)
	return client
}

func newTestServer(t *testing.T) (*httptest.Server, func()) {
	t.Helper()
	dsn := testDatabaseURL(t)

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("db pool: %v", err)
	}

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("migrations: %v", err)
	}
	if err := resetDatabase(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("reset db: %v", err)
	}

	logger := zerolog.Nop()
	controllerRepo := postgres.NewControllerRepository(pool)
	peerRepo := postgres.NewPeerRepository(pool)
	msglogRepo := postgres.NewMessageLogRepository(pool)
	collectionRepo := postgres.NewCollectionRepository(pool)
	operationRepo := postgres.NewOperationRepository(pool)
	operatorRepo := postgres.NewOperatorRepository(pool)
	sessionRepo := postgres.NewSessionRepository(pool)
	notificationRepo := postgres.NewNotificationRepository(pool)

	sseHub := sse.NewHub()
	keyStore := &keystore.StaticKeyStore{}
	trees := treesim.New(time.Now().UTC())

	auditSvc := audit.NewService(keyStore, logger)
	notifySvc := notify.NewService(notificationRepo, sseHub, logger)
	engineSvc := engine.NewService(operationRepo, collectionRepo, trees, trees, auditSvc, notifySvc, logger)
	dispatcherSvc := dispatcher.NewService(controllerRepo, peerRepo, msglogRepo, collectionRepo, trees, endpoint.Local{}, engineSvc, notifySvc, logger)
	adminSvc := admin.NewService(controllerRepo, peerRepo, collectionRepo, "https://metadata.canopyhub.io", logger)
	accountSvc := account.NewService(operatorRepo, logger)
	authSvc := auth.NewService(operatorRepo, sessionRepo, 24*time.Hour, logger)

	apiServer := httpapi.NewServer(dispatcherSvc, engineSvc, notifySvc, adminSvc, accountSvc, authSvc, msglogRepo, sseHub, "canopy_session", false)
	server := httptest.NewServer(apiServer.Router())

	runCtx, stopWorkers := context.WithCancel(context.Background())
	runner := engine.NewRunner(engineSvc, operationRepo, 100*time.Millisecond, logger)
	go runner.Run(runCtx)

	cleanup := func() {
		stopWorkers()
		server.Close()
		pool.Close()
	}

	return server, cleanup
}

func testDatabaseURL(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		return dsn
	}
	t.Skip("TEST_DATABASE_URL not set; skipping integration tests")
	return ""
}

func resetDatabase(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		TRUNCATE TABLE
			delivery_attempts,
			subscriptions,
			notifications,
			operation_checkpoints,
			operations,
			message_log,
			collection_managers,
			peers,
			controller_state,
			sessions,
			operators
		RESTART IDENTITY CASCADE
	`)
	return err
}
