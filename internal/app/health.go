package app

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taoyao-code/can-audio/internal/health"
	redisstorage "github.com/taoyao-code/can-audio/internal/storage/redis"
	"github.com/taoyao-code/can-audio/internal/transport"
)

// NewHealthAggregator 总线检查器为两种角色共有
func NewHealthAggregator(t transport.Transport) *health.Aggregator {
	return health.NewAggregator(health.NewTransportChecker(t))
}

// AddStorageCheckers 可选存储检查器，nil 跳过
func AddStorageCheckers(agg *health.Aggregator, rdb *redisstorage.Client, pool *pgxpool.Pool) {
	if rdb != nil {
		agg.AddChecker(health.NewRedisChecker(rdb))
	}
	if pool != nil {
		agg.AddChecker(health.NewDatabaseChecker(pool))
	}
}
