package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const countPending = `SELECT count(*) FROM oauth_pending_authorizations WHERE expires_at > now()`

// PoolStats is the JSON view of pgxpool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// GetPoolStats snapshots pool statistics.
func GetPoolStats(pool *pgxpool.Pool) PoolStats {
	stat := pool.Stat()
	return PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// HealthReport is the body served by HealthHandler.
type HealthReport struct {
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
	Pool   PoolStats `json:"pool"`
	// PendingAuthorizations counts unexpired PKCE states. nil when the
	// database could not be queried.
	PendingAuthorizations *int64 `json:"pending_authorizations,omitempty"`
}

// HealthHandler reports on the state store database: 503 "unhealthy" when it
// is unreachable, 503 "unmigrated" when the state table is missing, 200
// "healthy" otherwise.
func HealthHandler(pool *pgxpool.Pool, timeout time.Duration) echo.HandlerFunc {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
		defer cancel()

		report := HealthReport{Pool: GetPoolStats(pool)}
		if err := pool.Ping(ctx); err != nil {
			report.Status = "unhealthy"
			report.Error = err.Error()
			return c.JSON(http.StatusServiceUnavailable, report)
		}

		var pending int64
		if err := pool.QueryRow(ctx, countPending).Scan(&pending); err != nil {
			report.Status = "unmigrated"
			report.Error = "state table unavailable (run `fhir-import migrate up`): " + err.Error()
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		report.Status = "healthy"
		report.PendingAuthorizations = &pending
		return c.JSON(http.StatusOK, report)
	}
}
