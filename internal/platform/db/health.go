package db

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// Checker is a store health probe. Stats may be nil.
type Checker struct {
	Driver string
	Ping   func(ctx context.Context) error
	Stats  func() interface{}
}

// PoolChecker probes a pgx pool.
func PoolChecker(pool *pgxpool.Pool) Checker {
	return Checker{
		Driver: "postgres",
		Ping:   pool.Ping,
		Stats:  func() interface{} { return GetPoolStats(pool) },
	}
}

// SQLChecker probes a database/sql handle.
func SQLChecker(driver string, db *sql.DB) Checker {
	return Checker{
		Driver: driver,
		Ping:   db.PingContext,
		Stats:  func() interface{} { return db.Stats() },
	}
}

// HealthHandler returns a handler for the database health check endpoint.
func HealthHandler(chk Checker) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		body := map[string]interface{}{
			"driver": chk.Driver,
		}
		if chk.Stats != nil {
			body["pool"] = chk.Stats()
		}

		if err := chk.Ping(ctx); err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}

		body["status"] = "healthy"
		return c.JSON(http.StatusOK, body)
	}
}
