package handlers

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/PortNumber53/subscription-sync/internal/models"
)

// JobStatsReader reports background queue counts.
type JobStatsReader interface {
	GetStats(ctx context.Context) (*models.JobStats, error)
}

// Health responds with status 200 to indicate the service is running. When a
// job store is supplied the queue counts are included and a failing database
// turns the response into a 503.
func Health(jobs JobStatsReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		}
		if jobs == nil {
			writeJSON(w, http.StatusOK, payload)
			return
		}

		stats, err := jobs.GetStats(r.Context())
		if err != nil {
			log.Printf("Health: job stats failed: %v", err)
			payload["status"] = "degraded"
			writeJSON(w, http.StatusServiceUnavailable, payload)
			return
		}
		payload["jobs"] = stats
		writeJSON(w, http.StatusOK, payload)
	}
}
