package app

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/can-audio/internal/config"
	"github.com/taoyao-code/can-audio/internal/eventsink"
	"github.com/taoyao-code/can-audio/internal/metrics"
	pgstorage "github.com/taoyao-code/can-audio/internal/storage/pg"
	redisstorage "github.com/taoyao-code/can-audio/internal/storage/redis"
)

const eventQueueSize = 256

// NewEventSink 组装事件出口：日志总是开启，Redis、PostgreSQL、Webhook 按配置追加。
// 返回的 Async 需由调用方 Start。
func NewEventSink(cfg *cfgpkg.Config, rdb *redisstorage.Client, pool *pgxpool.Pool,
	appm *metrics.AppMetrics, log *zap.Logger) (*eventsink.Async, *pgstorage.Journal) {
	multi := eventsink.NewMulti(appm, eventsink.NewLog(log))
	if rdb != nil {
		multi.Add(eventsink.NewRedis(rdb, cfg.Redis.EventList, cfg.Redis.MaxLen))
	}
	if cfg.Webhook.URL != "" {
		multi.Add(eventsink.NewWebhook(cfg.Webhook.URL, cfg.Webhook.APIKey, cfg.Webhook.Secret))
	}
	var journal *pgstorage.Journal
	if pool != nil {
		journal = &pgstorage.Journal{DB: pool}
		multi.Add(journal)
	}
	log.Info("event sinks configured", zap.Strings("sinks", multi.Names()))
	return eventsink.NewAsync(multi, eventQueueSize, log), journal
}
