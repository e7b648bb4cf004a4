package http_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/eventloom/ticket-admission/internal/adapters/memstore"
	"github.com/eventloom/ticket-admission/internal/admission"
	"github.com/eventloom/ticket-admission/internal/audit"
	"github.com/eventloom/ticket-admission/internal/config"
	"github.com/eventloom/ticket-admission/internal/domain"
	admhttp "github.com/eventloom/ticket-admission/internal/http"
	"github.com/eventloom/ticket-admission/internal/ledger"
	"github.com/eventloom/ticket-admission/internal/observability"
	"github.com/eventloom/ticket-admission/internal/registry"
)

const testIdempKey = "test-idempotency-key-0001"

type env struct {
	server *httptest.Server
	ctrl   *admission.Controller
	key    ledger.Key
}

// newEnv wires the router against the in-process store, with the optional
// backends (redis, mongo, rabbit) absent the way a single-node deployment
// runs.
func newEnv(t *testing.T, publicLimit, actualLimit int) *env {
	t.Helper()
	store := memstore.New()
	logger := observability.NewLogger()
	ctrl := admission.NewController(store, logger, admission.WithRetry(10, time.Millisecond))
	reg := registry.New(store, nil, nil, logger)
	trail := audit.NewTrail(store)
	cfg := &config.Config{ReservationTTL: 15 * time.Minute}

	h := admhttp.NewHandlers(cfg, ctrl, reg, trail, nil, nil)
	server := httptest.NewServer(admhttp.SetupRouter(h, logger, nil))
	t.Cleanup(server.Close)

	created, err := ctrl.Configure(t.Context(), uuid.New(), domain.TierGeneral, publicLimit, actualLimit, "ops", "initial")
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
	return &env{
		server: server,
		ctrl:   ctrl,
		key:    ledger.Key{EventID: created.EventID, Tier: created.Tier},
	}
}

func (e *env) post(t *testing.T, path string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (e *env) get(t *testing.T, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var decoded map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (e *env) reserve(t *testing.T, quantity int) uuid.UUID {
	t.Helper()
	resp, body := e.post(t, "/v1/reservations", map[string]interface{}{
		"event_id": e.key.EventID,
		"tier":     e.key.Tier,
		"quantity": quantity,
		"buyer_id": "buyer-1",
	}, map[string]string{"Idempotency-Key": testIdempKey})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("reserve: status %d, body %v", resp.StatusCode, body)
	}
	id, err := uuid.Parse(body["reservation_id"].(string))
	if err != nil {
		t.Fatalf("reservation_id: %v", err)
	}
	return id
}

func TestAvailabilityEndpoint(t *testing.T) {
	e := newEnv(t, 8, 10)

	path := fmt.Sprintf("/v1/events/%s/tiers/%s/availability?quantity=9", e.key.EventID, e.key.Tier)
	resp, body := e.get(t, path)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body["admissible"] != false {
		t.Error("9 against public limit 8 must not be admissible")
	}
	if body["available"] != float64(8) {
		t.Errorf("available = %v, want 8", body["available"])
	}
	if _, ok := body["actual_available"]; ok {
		t.Error("public endpoint must not leak the actual limit")
	}
}

func TestAvailabilityUnknownTier(t *testing.T) {
	e := newEnv(t, 8, 10)
	resp, _ := e.get(t, fmt.Sprintf("/v1/events/%s/tiers/vip/availability", uuid.New()))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", resp.StatusCode)
	}
}

func TestCheckEndpointPrivileged(t *testing.T) {
	e := newEnv(t, 8, 10)
	resp, body := e.post(t, "/v1/check", map[string]interface{}{
		"event_id": e.key.EventID,
		"tier":     e.key.Tier,
		"quantity": 9,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body["admissible"] != true {
		t.Errorf("privileged check for 9 against actual limit 10: %v", body)
	}
}

func TestReservationLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t, 10, 10)

	id := e.reserve(t, 3)

	resp, _ := e.post(t, "/v1/payments/callback", map[string]interface{}{
		"reservation_id": id,
		"status":         "SUCCEEDED",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("commit callback: status %d", resp.StatusCode)
	}

	// A second callback for the same reservation is a replay.
	resp, _ = e.post(t, "/v1/payments/callback", map[string]interface{}{
		"reservation_id": id,
		"status":         "SUCCEEDED",
	}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("replayed callback: status %d, want 409", resp.StatusCode)
	}
}

func TestFailedPaymentReleases(t *testing.T) {
	e := newEnv(t, 10, 10)
	id := e.reserve(t, 4)

	resp, _ := e.post(t, "/v1/payments/callback", map[string]interface{}{
		"reservation_id": id,
		"status":         "FAILED",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("failed callback: status %d", resp.StatusCode)
	}

	path := fmt.Sprintf("/v1/events/%s/tiers/%s/availability", e.key.EventID, e.key.Tier)
	_, body := e.get(t, path)
	if body["available"] != float64(10) {
		t.Errorf("capacity not returned after failed payment: %v", body["available"])
	}
}

func TestReleaseEndpoint(t *testing.T) {
	e := newEnv(t, 10, 10)
	id := e.reserve(t, 2)

	resp, _ := e.post(t, "/v1/reservations/"+id.String()+"/release", map[string]interface{}{
		"reason": "user_cancelled",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("release: status %d", resp.StatusCode)
	}

	resp, _ = e.post(t, "/v1/reservations/"+id.String()+"/release", nil, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double release: status %d, want 409", resp.StatusCode)
	}
}

func TestReserveSoldOut(t *testing.T) {
	e := newEnv(t, 2, 2)
	e.reserve(t, 2)

	resp, _ := e.post(t, "/v1/reservations", map[string]interface{}{
		"event_id": e.key.EventID,
		"tier":     e.key.Tier,
		"quantity": 1,
		"buyer_id": "buyer-2",
	}, map[string]string{"Idempotency-Key": "another-key-long-enough-00"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status %d, want 409", resp.StatusCode)
	}
}

func TestReserveRequiresIdempotencyKey(t *testing.T) {
	e := newEnv(t, 10, 10)
	body := map[string]interface{}{
		"event_id": e.key.EventID,
		"tier":     e.key.Tier,
		"quantity": 1,
		"buyer_id": "buyer-1",
	}

	resp, _ := e.post(t, "/v1/reservations", body, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing key: status %d, want 400", resp.StatusCode)
	}

	resp, _ = e.post(t, "/v1/reservations", body, map[string]string{"Idempotency-Key": "short"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("short key: status %d, want 400", resp.StatusCode)
	}
}

func TestAdminConfigureAndExpand(t *testing.T) {
	e := newEnv(t, 8, 10)

	eventID := uuid.New()
	resp, body := e.post(t, "/v1/admin/tiers", map[string]interface{}{
		"event_id":     eventID,
		"tier":         "premium",
		"public_limit": 5,
		"actual_limit": 6,
		"actor":        "ops1",
		"reason":       "new tier",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("configure: status %d, body %v", resp.StatusCode, body)
	}

	resp, body = e.post(t, "/v1/admin/tiers/expand", map[string]interface{}{
		"event_id":         e.key.EventID,
		"tier":             e.key.Tier,
		"additional_spots": 5,
		"actor":            "ops1",
		"reason":           "demand",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expand: status %d", resp.StatusCode)
	}
	if body["new_actual_limit"] != float64(15) {
		t.Errorf("new_actual_limit = %v, want 15", body["new_actual_limit"])
	}

	resp, _ = e.post(t, "/v1/admin/tiers/expand", map[string]interface{}{
		"event_id":         e.key.EventID,
		"tier":             e.key.Tier,
		"additional_spots": -1,
		"actor":            "ops1",
		"reason":           "demand",
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative expand: status %d, want 400", resp.StatusCode)
	}
}

func TestAdminResetAndAuditEndpoints(t *testing.T) {
	e := newEnv(t, 10, 10)
	id := e.reserve(t, 3)
	resp, _ := e.post(t, "/v1/payments/callback", map[string]interface{}{
		"reservation_id": id,
		"status":         "SUCCEEDED",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatal("commit failed")
	}

	resp, _ = e.post(t, "/v1/admin/tiers/reset", map[string]interface{}{
		"event_id": e.key.EventID,
		"tier":     e.key.Tier,
		"actor":    "ops1",
		"reason":   "test teardown",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset: status %d", resp.StatusCode)
	}

	path := fmt.Sprintf("/v1/admin/tiers/%s/%s/transactions", e.key.EventID, e.key.Tier)
	resp, body := e.get(t, path)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("transactions: status %d", resp.StatusCode)
	}
	entries, ok := body["entries"].([]interface{})
	if !ok || len(entries) != 4 {
		t.Fatalf("expected 4 entries (genesis, reserve, commit, reset), got %v", body["entries"])
	}

	path = fmt.Sprintf("/v1/admin/tiers/%s/%s/expansions", e.key.EventID, e.key.Tier)
	resp, body = e.get(t, path)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expansions: status %d", resp.StatusCode)
	}
	entries, ok = body["entries"].([]interface{})
	if !ok || len(entries) != 2 {
		t.Fatalf("expected genesis expand plus reset, got %v", body["entries"])
	}
}

func TestHealthEndpoints(t *testing.T) {
	e := newEnv(t, 1, 1)
	for _, path := range []string{"/v1/healthz", "/v1/readyz", "/metrics"} {
		resp, _ := e.get(t, path)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status %d", path, resp.StatusCode)
		}
	}
}
