package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health responds with status 200 while the database answers, 503 otherwise.
// A nil pinger only reports that the process is up.
func Health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		}
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				log.Warn().Err(err).Msg("health check: database unreachable")
				payload["status"] = "degraded"
				payload["database"] = "unreachable"
				writeJSON(w, http.StatusServiceUnavailable, payload)
				return
			}
			payload["database"] = "ok"
		}
		writeJSON(w, http.StatusOK, payload)
	}
}
