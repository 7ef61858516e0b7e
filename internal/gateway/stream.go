package gateway

import (
	"bytes"
	"net/http"
	"time"

	"procodus.dev/eems/internal/hub"
)

// handleStream serves every broadcast frame as a Server-Sent Event.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}
	// The server write timeout would otherwise end the stream.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := a.hub.Subscribe(hub.KindStream)
	defer a.hub.Unsubscribe(sub)

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	for {
		select {
		case frame, ok := <-sub.C:
			if !ok {
				return
			}
			writeEvent(w, "telemetry", frame)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writeEvent writes one event, splitting multi-line payloads into several
// data lines.
func writeEvent(w http.ResponseWriter, event string, payload []byte) {
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(event)
	buf.WriteByte('\n')
	for line := range bytes.SplitSeq(payload, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(bytes.TrimSuffix(line, []byte("\r")))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	_, _ = w.Write(buf.Bytes())
}
