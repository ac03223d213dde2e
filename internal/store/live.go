package store

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const schema = `
CREATE TABLE IF NOT EXISTS calls (
	call_id          TEXT PRIMARY KEY,
	room_id          TEXT NOT NULL,
	vi_user_id       TEXT NOT NULL,
	volunteer_id     TEXT NOT NULL,
	start_time       TIMESTAMPTZ NOT NULL,
	end_time         TIMESTAMPTZ,
	duration_minutes INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT 'ongoing',
	ended_by         TEXT
);
CREATE INDEX IF NOT EXISTS calls_vi_user_idx ON calls (vi_user_id, start_time DESC);
CREATE INDEX IF NOT EXISTS calls_volunteer_idx ON calls (volunteer_id, start_time DESC);
CREATE INDEX IF NOT EXISTS calls_status_idx ON calls (status);
`

// Live persists call records in Postgres and user stat counters in
// Redis. Both halves are optional at the config level; a process with
// neither configured uses Memory instead.
type Live struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
}

// LiveConfig carries connection settings. Defaults are conservative.
type LiveConfig struct {
	PostgresDSN string
	RedisAddr   string

	DialTimeout time.Duration
	PingTimeout time.Duration
}

func (c LiveConfig) withDefaults() LiveConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenLive connects to Postgres and Redis, validates both with a ping
// and ensures the schema exists.
func OpenLive(ctx context.Context, cfg LiveConfig) (*Live, error) {
	cfg = cfg.withDefaults()
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.RedisAddr,
		DialTimeout: cfg.DialTimeout,
	})
	rdbCtx, cancelR := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancelR()
	if err := rdb.Ping(rdbCtx).Err(); err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Live{pool: pool, rdb: rdb}, nil
}

// Close releases both connections.
func (l *Live) Close() {
	l.pool.Close()
	_ = l.rdb.Close()
}

func (l *Live) CreateCallRecord(ctx context.Context, callID, roomID, viUserID, volunteerID string) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO calls (call_id, room_id, vi_user_id, volunteer_id, start_time, status)
		 VALUES ($1, $2, $3, $4, $5, 'ongoing')
		 ON CONFLICT (call_id) DO NOTHING`,
		callID, roomID, viUserID, volunteerID, time.Now())
	return err
}

func (l *Live) EndCallRecord(ctx context.Context, callID, endedByUserID string) (int, error) {
	var start time.Time
	err := l.pool.QueryRow(ctx,
		`SELECT start_time FROM calls WHERE call_id = $1 AND status = 'ongoing'`,
		callID).Scan(&start)
	if err != nil {
		return 0, ErrCallRecordNotFound
	}

	end := time.Now()
	minutes := roundMinutes(end.Sub(start))
	_, err = l.pool.Exec(ctx,
		`UPDATE calls
		 SET end_time = $2, duration_minutes = $3, status = 'completed', ended_by = $4
		 WHERE call_id = $1`,
		callID, end, minutes, endedByUserID)
	if err != nil {
		return 0, err
	}
	return minutes, nil
}

func (l *Live) IncrementUserStats(ctx context.Context, userID string, durationMinutes int) error {
	key := "user:" + userID + ":stats"
	pipe := l.rdb.Pipeline()
	pipe.HIncrBy(ctx, key, "total_calls", 1)
	pipe.HIncrBy(ctx, key, "total_minutes", int64(durationMinutes))
	_, err := pipe.Exec(ctx)
	return err
}

func roundMinutes(d time.Duration) int {
	return int(math.Round(d.Minutes()))
}
