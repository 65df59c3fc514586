package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Pool sizes the connection pool. Play writes are small and bursty.
type Pool struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
}

func DefaultPool() Pool {
	return Pool{MaxOpen: 25, MaxIdle: 5, MaxLifetime: 30 * time.Minute}
}

// Connect opens the Postgres pool and pings it within ctx.
func Connect(ctx context.Context, databaseURL string, pool Pool) (*sqlx.DB, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is empty")
	}
	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(pool.MaxOpen)
	db.SetMaxIdleConns(pool.MaxIdle)
	db.SetConnMaxLifetime(pool.MaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	log.Printf("[DB] connected, max_open=%d max_idle=%d", pool.MaxOpen, pool.MaxIdle)
	return db, nil
}
