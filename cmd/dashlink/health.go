package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/dashlink/internal/connection"
	"github.com/rickgao/dashlink/internal/journal"
	"github.com/rickgao/dashlink/internal/metrics"
	"github.com/rickgao/dashlink/internal/version"
)

type statusSource interface {
	Status() connection.State
}

type pinger interface {
	Ping(ctx context.Context) error
}

// poolPinger returns nil for a nil pool so the interface stays nil.
func poolPinger(pool *pgxpool.Pool) pinger {
	if pool == nil {
		return nil
	}
	return pool
}

// newHealthHandler serves /health, /version and the metrics endpoint.
func newHealthHandler(client statusSource, db pinger, jrnl *journal.Journal, m *metrics.Metrics, metricsPath string) http.Handler {
	mux := http.NewServeMux()

	mux.Handle(metricsPath, m.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		// Reconnects are expected, so anything short of connected is degraded.
		state := client.Status()
		health.Components["connection"] = state.String()
		if state != connection.StateConnected {
			health.Status = "degraded"
		}

		if db != nil {
			if err := db.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["journal_db"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["journal_db"] = "connected"
			}
		}

		if jrnl != nil {
			stats := jrnl.Stats()
			health.Components["journal"] = map[string]any{
				"pending": jrnl.Pending(),
				"inserts": stats.Inserts,
				"dropped": stats.Dropped,
				"errors":  stats.Errors,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(version.Get())
	})

	return mux
}
