package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Dependency is an external service the health endpoint pings alongside
// Postgres, such as the Redis event bus.
type Dependency struct {
	Name string
	Ping func(ctx context.Context) error
}

// CheckDependencies pings every dependency and returns "ok" or the error text
// per name, plus whether all of them succeeded.
func CheckDependencies(ctx context.Context, deps []Dependency) (map[string]string, bool) {
	results := make(map[string]string, len(deps))
	healthy := true
	for _, d := range deps {
		if err := d.Ping(ctx); err != nil {
			results[d.Name] = err.Error()
			healthy = false
			continue
		}
		results[d.Name] = "ok"
	}
	return results, healthy
}

// HealthHandler serves /health/db. Postgres is always checked; extra
// dependencies are appended to the response.
func HealthHandler(pool *pgxpool.Pool, extra ...Dependency) echo.HandlerFunc {
	deps := append([]Dependency{{Name: "postgres", Ping: pool.Ping}}, extra...)

	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		checks, healthy := CheckDependencies(ctx, deps)
		body := map[string]interface{}{
			"checks": checks,
			"pool":   GetPoolStats(pool),
		}
		if !healthy {
			body["status"] = "unhealthy"
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		body["status"] = "healthy"
		return c.JSON(http.StatusOK, body)
	}
}
