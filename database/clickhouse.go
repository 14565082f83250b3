package database

import (
	"context"
	"fmt"
	"time"

	"cdr.dev/slog/v3"
	"github.com/ClickHouse/clickhouse-go/v2"
	"golang.org/x/xerrors"

	"checkin/live/config"
)

type ClickHouseClient struct {
	Conn clickhouse.Conn
	log  slog.Logger
}

// NewClickHouseDB opens a native TCP connection and pings it.
func NewClickHouseDB(ctx context.Context, log slog.Logger, cfg config.ClickHouseConfig) (*ClickHouseClient, error) {
	options := &clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.NativePort)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{{Name: "checkin-live", Version: "1.0.0"}},
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, xerrors.Errorf("open clickhouse connection: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, xerrors.Errorf("ping clickhouse: %w", err)
	}

	log.Info(ctx, "connected to clickhouse", slog.F("addr", options.Addr[0]), slog.F("database", cfg.Database))
	return &ClickHouseClient{Conn: conn, log: log}, nil
}

func (c *ClickHouseClient) Close() {
	if c.Conn == nil {
		return
	}
	if err := c.Conn.Close(); err != nil {
		c.log.Warn(context.Background(), "close clickhouse connection", slog.Error(err))
		return
	}
	c.log.Info(context.Background(), "clickhouse connection closed")
}
