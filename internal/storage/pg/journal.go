// Package pg PostgreSQL 持久化：音效命令流水。
package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/taoyao-code/can-audio/internal/eventsink"
)

// DB Journal 依赖的最小接口，*pgxpool.Pool 满足
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Journal 把应答、拒绝、完成、超时事件追加到 audio_commands 表
type Journal struct {
	DB DB
}

func (j *Journal) Name() string { return "postgres" }

// Publish 以 event_id 去重追加
func (j *Journal) Publish(ctx context.Context, e eventsink.Event) error {
	const q = `INSERT INTO audio_commands
               (event_id, event_type, instance, block, token, sound_index, queue_id, status, reason, latency_ms, occurred_at)
               VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
               ON CONFLICT (event_id) DO NOTHING`
	_, err := j.DB.Exec(ctx, q,
		e.EventID, string(e.Type), e.Instance,
		int16(e.Block), int32(e.Token), int32(e.Index), int16(e.QueueID),
		e.Status, e.Reason, e.LatencyMs, e.Timestamp)
	if err != nil {
		return fmt.Errorf("insert audio_command: %w", err)
	}
	return nil
}

// Recent 最近的流水，按时间倒序
func (j *Journal) Recent(ctx context.Context, limit int) ([]eventsink.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	const q = `SELECT event_id, event_type, instance, block, token, sound_index, queue_id, status, reason, latency_ms, occurred_at
               FROM audio_commands
               ORDER BY occurred_at DESC, id DESC
               LIMIT $1`
	rows, err := j.DB.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []eventsink.Event
	for rows.Next() {
		var (
			e            eventsink.Event
			typ          string
			block, qid   int16
			token, index int32
		)
		if err := rows.Scan(&e.EventID, &typ, &e.Instance, &block, &token, &index, &qid,
			&e.Status, &e.Reason, &e.LatencyMs, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Type = eventsink.Type(typ)
		e.Block = uint8(block)
		e.Token = uint16(token)
		e.Index = uint16(index)
		e.QueueID = uint8(qid)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountByType 指定时间之后各类事件数量
func (j *Journal) CountByType(ctx context.Context, since time.Time) (map[eventsink.Type]int64, error) {
	const q = `SELECT event_type, COUNT(*) FROM audio_commands WHERE occurred_at >= $1 GROUP BY event_type`
	rows, err := j.DB.Query(ctx, q, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[eventsink.Type]int64)
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		out[eventsink.Type(typ)] = n
	}
	return out, rows.Err()
}
