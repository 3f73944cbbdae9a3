package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config wires the gateway router.
type Config struct {
	Client        *Client
	Authenticator *Authenticator
	RateLimiter   *RateLimiter
	Idempotency   *IdempotencyStore
	Logger        *slog.Logger
}

type gatewayError struct {
	Error string `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(gatewayError{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// requestID stamps every request with a correlation ID, honouring one the
// caller already set.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

// NewRouter builds the REST facade over the node RPC.
func NewRouter(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{client: cfg.Client, logger: logger}

	r := chi.NewRouter()
	r.Use(requestID)
	if cfg.RateLimiter != nil {
		r.Use(cfg.RateLimiter.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		// Reads are open; every mutation sits behind JWT auth and the
		// idempotency cache.
		v1.Get("/rentals/{id}", h.getRental)
		v1.Get("/rentals/{id}/paused", h.getPaused)
		v1.Get("/registry/owner", h.getOwner)
		v1.Get("/registry/moderators/{address}", h.getModerator)

		v1.Group(func(mut chi.Router) {
			if cfg.Authenticator != nil {
				mut.Use(cfg.Authenticator.Middleware)
			}
			if cfg.Idempotency != nil {
				mut.Use(cfg.Idempotency.Middleware)
			}
			mut.Post("/rentals", h.createRental)
			mut.Post("/rentals/{id}/deposit", h.forwardWithID("rental_deposit"))
			mut.Post("/rentals/{id}/finish", h.forwardWithID("rental_finish"))
			mut.Post("/rentals/{id}/payment", h.forwardWithID("rental_payment"))
			mut.Post("/rentals/{id}/cancel", h.forwardWithID("rental_cancel"))
			mut.Post("/rentals/{id}/resolve", h.forwardWithID("rental_resolveCancel"))
			mut.Post("/rentals/{id}/abort", h.forwardWithID("rental_abort"))
			mut.Post("/rentals/{id}/pause", h.forwardWithID("rental_pause"))
			mut.Post("/rentals/{id}/unpause", h.forwardWithID("rental_unpause"))
			mut.Post("/rentals/{id}/wallet", h.forwardWithID("rental_setTokenWallet"))
			mut.Post("/registry/moderators", h.forward("registry_add"))
			mut.Delete("/registry/moderators", h.forward("registry_remove"))
			mut.Put("/registry/moderators", h.forward("registry_replace"))
		})
	})

	return r
}

type handlers struct {
	client *Client
	logger *slog.Logger
}

func (h *handlers) nodeCall(w http.ResponseWriter, r *http.Request, method string, params interface{}) {
	var result json.RawMessage
	if err := h.client.Call(r.Context(), method, params, &result); err != nil {
		h.writeNodeError(w, r, method, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(result)
}

func (h *handlers) writeNodeError(w http.ResponseWriter, r *http.Request, method string, err error) {
	var nodeErr *NodeError
	if errors.As(err, &nodeErr) {
		status := nodeErr.Status
		if status == 0 || status == http.StatusOK {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, map[string]interface{}{
			"error":  nodeErr.Message,
			"detail": nodeErr.Data,
		})
		return
	}
	h.logger.Error("node call failed",
		"method", method,
		"requestId", w.Header().Get("X-Request-Id"),
		"err", err)
	writeJSONError(w, http.StatusBadGateway, "upstream unavailable")
}

func decodeBody(r *http.Request) (map[string]interface{}, error) {
	params := map[string]interface{}{}
	if r.Body == nil {
		return params, nil
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return params, nil
}

func (h *handlers) createRental(w http.ResponseWriter, r *http.Request) {
	params, err := decodeBody(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	h.nodeCall(w, r, "rental_create", params)
}

// forwardWithID injects the path ID into the request body and relays it.
func (h *handlers) forwardWithID(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := decodeBody(r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		params["id"] = chi.URLParam(r, "id")
		h.nodeCall(w, r, method, params)
	}
}

func (h *handlers) forward(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := decodeBody(r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		h.nodeCall(w, r, method, params)
	}
}

func (h *handlers) getRental(w http.ResponseWriter, r *http.Request) {
	h.nodeCall(w, r, "rental_get", map[string]interface{}{"id": chi.URLParam(r, "id")})
}

func (h *handlers) getPaused(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var paused bool
	if err := h.client.Call(r.Context(), "rental_isPaused", map[string]interface{}{"id": id}, &paused); err != nil {
		h.writeNodeError(w, r, "rental_isPaused", err)
		return
	}
	var duration int64
	if err := h.client.Call(r.Context(), "rental_pauseDuration", map[string]interface{}{"id": id}, &duration); err != nil {
		h.writeNodeError(w, r, "rental_pauseDuration", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"paused":        paused,
		"pauseDuration": duration,
	})
}

func (h *handlers) getOwner(w http.ResponseWriter, r *http.Request) {
	h.nodeCall(w, r, "registry_owner", nil)
}

func (h *handlers) getModerator(w http.ResponseWriter, r *http.Request) {
	h.nodeCall(w, r, "registry_isModerator", map[string]interface{}{
		"address": chi.URLParam(r, "address"),
	})
}
