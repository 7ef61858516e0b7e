package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"procodus.dev/eems/pkg/telemetry"
)

const maxPushBody = 1 << 20

type errorResponse struct {
	Message string `json:"message"`
	Success bool   `json:"success"`
}

type welcomeResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
	Success bool   `json:"success"`
}

type messagesResponse struct {
	Data    map[string][]*telemetry.Reading `json:"data"`
	Count   int                             `json:"count"`
	Success bool                            `json:"success"`
}

type deviceMessagesResponse struct {
	RTUID   string               `json:"rtu"`
	Data    []*telemetry.Reading `json:"data"`
	Count   int                  `json:"count"`
	Success bool                 `json:"success"`
}

type pushResponse struct {
	Delivered int  `json:"delivered"`
	Success   bool `json:"success"`
}

// writeJSON encodes v before writing the header, so an encode failure
// becomes a 500 instead of a truncated body.
func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
		buf.Reset()
		status = http.StatusInternalServerError
		_ = json.NewEncoder(&buf).Encode(errorResponse{Success: false, Message: "Failed to encode response"})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		a.logger.Warn("failed to write response", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, errorResponse{Success: false, Message: message})
}

// handleWelcome serves the service banner.
func (a *API) handleWelcome(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, welcomeResponse{
		Success: true,
		Message: "Welcome to EEMS API",
		Status:  "Server is running",
	})
}

// handleHealth serves the health check endpoint.
func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"devices":   a.registry.Len(),
		"observers": a.hub.Len(),
	})
}

// handleMessages returns the buffered readings of every RTU.
func (a *API) handleMessages(w http.ResponseWriter, _ *http.Request) {
	snapshot := a.registry.Snapshot()
	if len(snapshot) == 0 {
		a.writeError(w, http.StatusNotFound, "No data received yet")
		return
	}
	a.writeJSON(w, http.StatusOK, messagesResponse{
		Success: true,
		Count:   len(snapshot),
		Data:    snapshot,
	})
}

// handleDeviceMessages returns the buffered readings of one RTU.
func (a *API) handleDeviceMessages(w http.ResponseWriter, r *http.Request) {
	rtuID := r.PathValue("rtu")
	history, ok := a.registry.History(rtuID)
	if !ok {
		a.writeError(w, http.StatusNotFound, "No data received for "+rtuID)
		return
	}
	a.writeJSON(w, http.StatusOK, deviceMessagesResponse{
		Success: true,
		RTUID:   rtuID,
		Count:   len(history),
		Data:    history,
	})
}

// handlePush relays a JSON body to every observer without recording it.
func (a *API) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody+1))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "Failed to read body")
		return
	}
	if len(body) > maxPushBody {
		a.writeError(w, http.StatusRequestEntityTooLarge, "Body too large")
		return
	}
	if !json.Valid(body) {
		a.writeError(w, http.StatusBadRequest, "Body must be valid JSON")
		return
	}

	if a.metrics != nil {
		a.metrics.FramesReceived.WithLabelValues("push").Inc()
	}
	delivered := a.hub.Broadcast(body)
	a.logger.Debug("pushed message to observers", "delivered", delivered, "bytes", len(body))
	a.writeJSON(w, http.StatusAccepted, pushResponse{Success: true, Delivered: delivered})
}
