package health

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DatabaseChecker 命令流水数据库；不可达时为降级
type DatabaseChecker struct {
	pool *pgxpool.Pool
}

func NewDatabaseChecker(pool *pgxpool.Pool) *DatabaseChecker {
	return &DatabaseChecker{pool: pool}
}

func (c *DatabaseChecker) Name() string { return "database" }

func (c *DatabaseChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if err := c.pool.Ping(ctx); err != nil {
		return result(start, StatusDegraded, fmt.Sprintf("ping failed: %v", err), nil)
	}
	stats := c.pool.Stat()
	status, msg := StatusHealthy, "ok"
	if stats.MaxConns() > 0 && stats.AcquiredConns() >= stats.MaxConns() {
		status, msg = StatusDegraded, "connection pool exhausted"
	}
	return result(start, status, msg, map[string]any{
		"total_conns":    stats.TotalConns(),
		"acquired_conns": stats.AcquiredConns(),
		"max_conns":      stats.MaxConns(),
	})
}
