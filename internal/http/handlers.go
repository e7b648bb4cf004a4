package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/eventloom/ticket-admission/internal/admission"
	"github.com/eventloom/ticket-admission/internal/adapters/rabbit"
	"github.com/eventloom/ticket-admission/internal/audit"
	"github.com/eventloom/ticket-admission/internal/config"
	"github.com/eventloom/ticket-admission/internal/domain"
	"github.com/eventloom/ticket-admission/internal/idempotency"
	"github.com/eventloom/ticket-admission/internal/ledger"
	"github.com/eventloom/ticket-admission/internal/observability"
	"github.com/eventloom/ticket-admission/internal/registry"
)

type Handlers struct {
	cfg       *config.Config
	ctrl      *admission.Controller
	registry  *registry.Registry
	trail     *audit.Trail
	idemp     *idempotency.Idempotency
	rabbitPub *rabbit.Publisher
}

func NewHandlers(cfg *config.Config, ctrl *admission.Controller, reg *registry.Registry, trail *audit.Trail, idemp *idempotency.Idempotency, rabbitPub *rabbit.Publisher) *Handlers {
	return &Handlers{
		cfg:       cfg,
		ctrl:      ctrl,
		registry:  reg,
		trail:     trail,
		idemp:     idemp,
		rabbitPub: rabbitPub,
	}
}

// writeError translates the engine's error taxonomy into HTTP statuses so
// callers can tell "sold out" from "system degraded".
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrInsufficientCapacity):
		http.Error(w, "sold out", http.StatusConflict)
	case errors.Is(err, domain.ErrReservationNotFound), errors.Is(err, domain.ErrCapacityNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrAlreadyFinalized), errors.Is(err, domain.ErrCapacityExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrStorageUnavailable):
		http.Error(w, "temporarily unavailable, retry", http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

var fallbackLogger = observability.NewLogger()

// requestLogger returns the request-scoped logger installed by
// LoggerMiddleware, so encode failures carry the request id.
func requestLogger(r *http.Request) observability.Logger {
	if l, ok := r.Context().Value(loggerKey).(observability.Logger); ok {
		return l
	}
	return fallbackLogger
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		requestLogger(r).Error("response encode failed: ", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		requestLogger(r).Warn("response write failed: ", err)
	}
	return data
}

func keyFromRequest(r *http.Request) (ledger.Key, error) {
	eventID, err := uuid.Parse(chi.URLParam(r, "event"))
	if err != nil {
		return ledger.Key{}, domain.ErrInvalidArgument
	}
	tier := domain.Tier(chi.URLParam(r, "tier"))
	if tier == "" {
		return ledger.Key{}, domain.ErrInvalidArgument
	}
	return ledger.Key{EventID: eventID, Tier: tier}, nil
}

// Availability is the public-facing availability query: public-limit view
// only, served from the bounded-staleness snapshot cache.
func (h *Handlers) Availability(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	quantity := 1
	if q := r.URL.Query().Get("quantity"); q != "" {
		quantity, err = strconv.Atoi(q)
		if err != nil {
			writeError(w, domain.ErrInvalidArgument)
			return
		}
	}

	decision, err := h.registry.Availability(r.Context(), key, quantity)
	if err != nil {
		writeError(w, err)
		return
	}
	// The actual-limit number is operator-only.
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"admissible": decision.Admissible,
		"available":  decision.PublicAvailable,
	})
}

// Check is the privileged admission check for operator tooling: evaluated
// against the actual limit, always a fresh read.
func (h *Handlers) Check(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventID  uuid.UUID   `json:"event_id"`
		Tier     domain.Tier `json:"tier"`
		Quantity int         `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key := ledger.Key{EventID: req.EventID, Tier: req.Tier}
	decision, err := h.ctrl.Check(r.Context(), key, req.Quantity, true)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, r, http.StatusOK, decision)
}

func (h *Handlers) CreateReservation(w http.ResponseWriter, r *http.Request) {
	idempKey := r.Header.Get("Idempotency-Key")
	if h.idemp != nil {
		existing, err := h.idemp.Get(r.Context(), idempKey)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if existing != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(existing.Status)
			w.Write(existing.Result)
			return
		}
	}

	var req struct {
		EventID  uuid.UUID   `json:"event_id"`
		Tier     domain.Tier `json:"tier"`
		Quantity int         `json:"quantity"`
		BuyerID  string      `json:"buyer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key := ledger.Key{EventID: req.EventID, Tier: req.Tier}

	if err := h.registry.ValidateEvent(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.ctrl.Reserve(r.Context(), key, req.Quantity, h.cfg.ReservationTTL, req.BuyerID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.registry.Invalidate(r.Context(), key)

	data := writeJSON(w, r, http.StatusCreated, map[string]interface{}{
		"reservation_id": res.ID,
		"expires_at":     res.ExpiresAt.Format(time.RFC3339),
	})
	if h.idemp != nil {
		h.idemp.Set(r.Context(), idempKey, idempotency.Response{Status: http.StatusCreated, Result: data})
	}
}

func (h *Handlers) ReleaseReservation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	// Body is optional for a plain cancel.
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = domain.ReasonUserCancelled
	}

	if err := h.ctrl.Release(r.Context(), id, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// PaymentCallback is the payment provider boundary: confirmed payments
// commit the reservation, anything else releases it. The provider is
// responsible for correlating its session id with the reservation id it
// was handed at checkout initiation.
func (h *Handlers) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReservationID uuid.UUID `json:"reservation_id"`
		Status        string    `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var err error
	if req.Status == "SUCCEEDED" {
		err = h.ctrl.Commit(r.Context(), req.ReservationID)
	} else {
		err = h.ctrl.Release(r.Context(), req.ReservationID, domain.ReasonPaymentFailed)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) ConfigureTier(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventID     uuid.UUID   `json:"event_id"`
		Tier        domain.Tier `json:"tier"`
		PublicLimit int         `json:"public_limit"`
		ActualLimit int         `json:"actual_limit"`
		Actor       string      `json:"actor"`
		Reason      string      `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	row, err := h.ctrl.Configure(r.Context(), req.EventID, req.Tier, req.PublicLimit, req.ActualLimit, req.Actor, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, map[string]interface{}{
		"event_id":     row.EventID,
		"tier":         row.Tier,
		"public_limit": row.PublicLimit,
		"actual_limit": row.ActualLimit,
	})
}

func (h *Handlers) ExpandTier(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventID         uuid.UUID   `json:"event_id"`
		Tier            domain.Tier `json:"tier"`
		AdditionalSpots int         `json:"additional_spots"`
		RaisePublic     bool        `json:"raise_public"`
		Actor           string      `json:"actor"`
		Reason          string      `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key := ledger.Key{EventID: req.EventID, Tier: req.Tier}
	newLimit, err := h.ctrl.Expand(r.Context(), key, req.AdditionalSpots, req.RaisePublic, req.Actor, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	h.registry.Invalidate(r.Context(), key)
	writeJSON(w, r, http.StatusOK, map[string]interface{}{"new_actual_limit": newLimit})
}

func (h *Handlers) ResetTier(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventID uuid.UUID   `json:"event_id"`
		Tier    domain.Tier `json:"tier"`
		Actor   string      `json:"actor"`
		Reason  string      `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key := ledger.Key{EventID: req.EventID, Tier: req.Tier}
	if err := h.ctrl.Reset(r.Context(), key, req.Actor, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	h.registry.Invalidate(r.Context(), key)

	if h.rabbitPub != nil {
		payload, _ := json.Marshal(map[string]interface{}{
			"event_id": key.EventID,
			"tier":     key.Tier,
			"actor":    req.Actor,
			"reason":   req.Reason,
			"severity": "critical",
		})
		h.rabbitPub.Publish(r.Context(), "admission.reset.alert", amqp.Publishing{
			MessageId:   uuid.New().String(),
			ContentType: "application/json",
			Body:        payload,
		})
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) Transactions(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		limit, err = strconv.Atoi(q)
		if err != nil || limit <= 0 {
			writeError(w, domain.ErrInvalidArgument)
			return
		}
	}
	entries, err := h.trail.TransactionsFor(r.Context(), key, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (h *Handlers) Expansions(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := h.trail.ExpansionsFor(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}
