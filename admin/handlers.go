package admin

import (
	"encoding/json"
	"net/http"

	"github.com/maxpert/changerelay/relay"
	"github.com/rs/zerolog/log"
)

// StatusProvider exposes the state of a running relay
type StatusProvider interface {
	State() relay.State
	Status() relay.Status
}

// Handlers serves the relay status endpoints
type Handlers struct {
	relay     StatusProvider
	relayID   string
	sessionID string
}

// NewHandlers creates a new Handlers instance
func NewHandlers(provider StatusProvider, relayID, sessionID string) *Handlers {
	return &Handlers{
		relay:     provider,
		relayID:   relayID,
		sessionID: sessionID,
	}
}

// handleRoot answers plain-text liveness probes
func (h *Handlers) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("changerelay is running\n")); err != nil {
		log.Debug().Err(err).Msg("Failed to write liveness response")
	}
}

// handleStatus returns the relay status snapshot
func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"relay_id":   h.relayID,
		"session_id": h.sessionID,
		"relay":      h.relay.Status(),
	}
	writeJSONResponse(w, http.StatusOK, response)
}

// handleHealth reports 200 while the relay is consuming the feed
func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := h.relay.State()
	status := http.StatusOK
	if !state.Active() {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, map[string]interface{}{
		"state":   state.String(),
		"healthy": status == http.StatusOK,
	})
}

// writeJSONResponse writes a JSON response with status
func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
