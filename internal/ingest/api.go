package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/austindbirch/kmhook/internal/auth"
	"github.com/austindbirch/kmhook/internal/delivery"
	"github.com/austindbirch/kmhook/internal/logging"
	"github.com/austindbirch/kmhook/internal/registry"
)

const maxRequestBody = 1 << 20

// Events is satisfied by *EventPublisher.
type Events interface {
	Publish(ctx context.Context, userID, event string, data json.RawMessage) (EventMessage, error)
}

// Registry is satisfied by *registry.Service.
type Registry interface {
	Create(ctx context.Context, userID, rawURL string, events []string) (registry.Created, error)
	List(ctx context.Context, userID string) ([]delivery.Subscription, error)
	Delete(ctx context.Context, userID, id string) error
	RotateSecret(ctx context.Context, userID, id string) (string, error)
	SetActive(ctx context.Context, userID, id string, active bool) error
	Deliveries(ctx context.Context, userID, id string, limit int) ([]delivery.Attempt, error)
}

// API serves the JSON surface of the ingest service. Callers must already be
// authenticated; the user id is read from the request context.
type API struct {
	events   Events
	registry Registry
	logger   *logging.Logger
}

func NewAPI(events Events, reg Registry, logger *logging.Logger) *API {
	if logger == nil {
		logger = logging.Default()
	}
	return &API{events: events, registry: reg, logger: logger}
}

// Register adds the API routes to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/events", a.publishEvent)
	mux.HandleFunc("POST /v1/webhooks", a.createWebhook)
	mux.HandleFunc("GET /v1/webhooks", a.listWebhooks)
	mux.HandleFunc("DELETE /v1/webhooks/{id}", a.deleteWebhook)
	mux.HandleFunc("POST /v1/webhooks/{id}/rotate", a.rotateSecret)
	mux.HandleFunc("PUT /v1/webhooks/{id}/active", a.setActive)
	mux.HandleFunc("GET /v1/webhooks/{id}/deliveries", a.listDeliveries)
}

type publishRequest struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type publishResponse struct {
	EventID string `json:"event_id"`
}

func (a *API) publishEvent(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.user(w, r)
	if !ok {
		return
	}
	var req publishRequest
	if !a.decode(w, r, &req) {
		return
	}
	msg, err := a.events.Publish(r.Context(), userID, req.Event, req.Data)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, publishResponse{EventID: msg.ID})
}

type createRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

func (a *API) createWebhook(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.user(w, r)
	if !ok {
		return
	}
	var req createRequest
	if !a.decode(w, r, &req) {
		return
	}
	created, err := a.registry.Create(r.Context(), userID, req.URL, req.Events)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) listWebhooks(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.user(w, r)
	if !ok {
		return
	}
	subs, err := a.registry.List(r.Context(), userID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if subs == nil {
		subs = []delivery.Subscription{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": subs})
}

func (a *API) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.user(w, r)
	if !ok {
		return
	}
	if err := a.registry.Delete(r.Context(), userID, r.PathValue("id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) rotateSecret(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.user(w, r)
	if !ok {
		return
	}
	secret, err := a.registry.RotateSecret(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"secret": secret})
}

func (a *API) setActive(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.user(w, r)
	if !ok {
		return
	}
	var req struct {
		Active *bool `json:"active"`
	}
	if !a.decode(w, r, &req) {
		return
	}
	if req.Active == nil {
		writeError(w, http.StatusBadRequest, "active is required")
		return
	}
	if err := a.registry.SetActive(r.Context(), userID, r.PathValue("id"), *req.Active); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listDeliveries(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.user(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	attempts, err := a.registry.Deliveries(r.Context(), userID, r.PathValue("id"), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []delivery.Attempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": attempts})
}

func (a *API) user(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
	}
	return userID, ok
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// fail maps service errors to status codes. Unknown errors are logged and hidden.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "webhook not found")
	case errors.Is(err, registry.ErrUserRequired), errors.Is(err, ErrUserRequired):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, registry.ErrInvalidURL),
		errors.Is(err, registry.ErrInvalidEvents),
		errors.Is(err, ErrInvalidEvent),
		errors.Is(err, ErrInvalidData):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		a.logger.WithContext(r.Context()).WithError(err).
			WithField("method", r.Method).WithField("path", r.URL.Path).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
