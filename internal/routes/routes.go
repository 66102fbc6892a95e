// Package routes is a stand-in for the domain route collaborator. The
// gateway only guarantees the registrar hook; everything here could be
// replaced wholesale without the pipeline noticing.
package routes

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/splax/chatgate/internal/apperr"
	"github.com/splax/chatgate/internal/httpx"
	"github.com/splax/chatgate/internal/ws"
	"github.com/splax/chatgate/pkg/token"
)

// Registrar returns the attachment hook for the gateway pipeline.
func Registrar(transport *ws.Transport, tokenSecret string, log *slog.Logger) httpx.Registrar {
	h := &handlers{transport: transport, tokenSecret: tokenSecret, log: log}
	return func(r *httpx.Router) {
		r.Handle("GET /api/v1/ping", h.handlePing)
		r.Handle("POST /api/v1/broadcast", h.handleBroadcast)
	}
}

type handlers struct {
	transport   *ws.Transport
	tokenSecret string
	log         *slog.Logger
}

func (h *handlers) handlePing(w http.ResponseWriter, r *http.Request) error {
	payload := map[string]string{"status": "ok"}
	if claims, ok := httpx.SessionFromContext(r.Context()); ok && claims.Subject != "" {
		payload["subject"] = claims.Subject
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	return json.NewEncoder(w).Encode(payload)
}

// handleBroadcast publishes an event to every session in a scope,
// across all gateway processes.
func (h *handlers) handleBroadcast(w http.ResponseWriter, r *http.Request) error {
	if _, err := h.authorize(r); err != nil {
		return err
	}
	var payload struct {
		Scope string `json:"scope"`
		Event string `json:"event"`
	}
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		return err
	}
	payload.Scope = strings.TrimSpace(payload.Scope)
	if payload.Scope == "" {
		return apperr.BadRequest("scope is required")
	}
	if payload.Event == "" {
		return apperr.BadRequest("event is required")
	}
	h.transport.Broadcast(r.Context(), payload.Scope, []byte(payload.Event))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	return json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
}

func (h *handlers) authorize(r *http.Request) (*token.Claims, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return nil, apperr.Unauthorized("authentication required")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, apperr.Unauthorized("invalid authorization header format")
	}
	claims, err := token.Parse(parts[1], h.tokenSecret)
	if err != nil {
		h.log.Warn("token validation failed", "error", err)
		return nil, apperr.Unauthorized("authentication failed").WithCause(err)
	}
	return claims, nil
}
