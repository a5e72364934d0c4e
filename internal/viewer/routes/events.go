package routes

import (
	"net/http"
	"time"
)

const (
	eventBuffer    = 64
	keepAlivePause = 25 * time.Second
)

// RegisterEvents streams coordinator notifications as server-sent events.
// Each connection holds its own subscription, cancelled on disconnect.
func RegisterEvents(mux *http.ServeMux, coord Coordinator) {
	handleGet(mux, "/api/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		notes, cancel := coord.Subscribe(eventBuffer)
		defer cancel()

		_ = writeEvent(w, "connected", map[string]any{
			"peer_id":   coord.SelfID(),
			"connected": coord.Connected(),
		})
		flusher.Flush()

		keepAlive := time.NewTicker(keepAlivePause)
		defer keepAlive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepAlive.C:
				if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
					return
				}
				flusher.Flush()
			case n, ok := <-notes:
				if !ok {
					return
				}
				if err := writeEvent(w, string(n.Type), n); err != nil {
					log.Debugf("event stream closed: %v", err)
					return
				}
				flusher.Flush()
			}
		}
	})
}
