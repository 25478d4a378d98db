package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// ServeSSE returns the GET /events handler: it subscribes the caller to the
// hub and streams messages until the client disconnects.
func ServeSSE(hub *Hub, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		id, ch := hub.Subscribe()
		defer hub.Unsubscribe(id)

		flusher.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case msg, open := <-ch:
				if !open {
					return
				}
				payload, err := json.Marshal(msg)
				if err != nil {
					log.Error("marshal sse message", slog.String("error", err.Error()))
					continue
				}
				fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", msg.ID, msg.Type, payload)
				flusher.Flush()
			}
		}
	}
}
