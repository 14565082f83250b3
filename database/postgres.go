package database

import (
	"context"
	"database/sql"
	"time"

	"cdr.dev/slog/v3"
	_ "github.com/lib/pq"
	"golang.org/x/xerrors"
)

type DBClient struct {
	DB  *sql.DB
	log slog.Logger
}

// NewPostgresDB opens a pooled connection to dbURL and pings it.
func NewPostgresDB(ctx context.Context, log slog.Logger, dbURL string) (*DBClient, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, xerrors.Errorf("open postgres connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("ping postgres: %w", err)
	}

	log.Info(ctx, "connected to postgres")
	return &DBClient{DB: db, log: log}, nil
}

func (c *DBClient) Close() {
	if c.DB == nil {
		return
	}
	if err := c.DB.Close(); err != nil {
		c.log.Warn(context.Background(), "close postgres connection", slog.Error(err))
		return
	}
	c.log.Info(context.Background(), "postgres connection closed")
}
