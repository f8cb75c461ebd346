package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"drcv/internal/metrics"
	"drcv/internal/store"
)

// handleEvents streams session changes to the dashboard over SSE. Each
// observer runs its own poll loop with a private watermark: a tick that
// found changes sends one updates event holding every changed row, a quiet
// tick sends a heartbeat so proxies keep the stream open. Writes that pile
// up between ticks coalesce into a single event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	metrics.FeedObservers.Inc()
	defer metrics.FeedObservers.Dec()

	watermark := store.Stamp(time.Now())
	ticker := time.NewTicker(s.cfg.FeedInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			// stamp before the query: a write racing the query is re-sent
			// next tick rather than lost
			next := store.Stamp(time.Now())
			rows, err := store.FetchUpdatedSince(s.db, watermark)
			if err != nil {
				s.log.Error().Err(err).Msg("change feed query failed")
				continue
			}
			watermark = next

			if len(rows) > 0 {
				payload, err := json.Marshal(rows)
				if err != nil {
					s.log.Error().Err(err).Msg("change feed encode failed")
					continue
				}
				fmt.Fprintf(w, "event: updates\ndata: %s\n\n", payload)
			} else {
				fmt.Fprintf(w, "event: heartbeat\ndata: {\"ts\":%q}\n\n", next)
			}
			fl.Flush()
		}
	}
}
