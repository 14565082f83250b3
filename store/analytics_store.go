package store

import (
	"context"

	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"

	"checkin/live/database"
	"checkin/live/models"
)

const clickhouseSchema = `
	CREATE TABLE IF NOT EXISTS tracking_events (
		event_id    String,
		event_type  LowCardinality(String),
		user_id     String,
		user_type   LowCardinality(String),
		session_id  String,
		timestamp   DateTime64(3, 'UTC'),
		page_path   String,
		referrer    String,
		user_agent  String,
		ip_address  String,
		duration_ms Int64,
		amount      Float64,
		event_data  String
	) ENGINE = MergeTree
	ORDER BY (event_type, timestamp)
`

// AnalyticsStore appends tracking events to ClickHouse for later analysis.
type AnalyticsStore struct {
	DB  *database.ClickHouseClient
	log slog.Logger
}

func NewAnalyticsStore(chClient *database.ClickHouseClient, log slog.Logger) *AnalyticsStore {
	return &AnalyticsStore{
		DB:  chClient,
		log: log,
	}
}

func (*AnalyticsStore) Name() string { return "clickhouse" }

func (s *AnalyticsStore) EnsureSchema(ctx context.Context) error {
	if err := s.DB.Conn.Exec(ctx, clickhouseSchema); err != nil {
		return xerrors.Errorf("create tracking_events: %w", err)
	}
	return nil
}

func (s *AnalyticsStore) Ping(ctx context.Context) error {
	return s.DB.Conn.Ping(ctx)
}

func (s *AnalyticsStore) InsertAnalyticsEvents(ctx context.Context, events []models.AnalyticsEvent) error {
	if len(events) == 0 {
		return nil
	}

	// Column order must match the tracking_events table.
	batch, err := s.DB.Conn.PrepareBatch(ctx, `
		INSERT INTO tracking_events (
			event_id, event_type, user_id, user_type, session_id, timestamp, page_path, referrer,
			user_agent, ip_address, duration_ms, amount, event_data
		)
	`)
	if err != nil {
		return xerrors.Errorf("prepare batch insert: %w", err)
	}

	for _, event := range events {
		err := batch.Append(
			event.EventID,
			event.EventType,
			event.UserID,
			event.UserType,
			event.SessionID,
			event.Timestamp,
			event.PagePath,
			event.Referrer,
			event.UserAgent,
			event.IPAddress,
			event.DurationMs,
			event.Amount,
			string(event.EventData),
		)
		if err != nil {
			s.log.Warn(ctx, "skipping event that does not fit the batch",
				slog.F("event_id", event.EventID), slog.Error(err))
		}
	}

	if err := batch.Send(); err != nil {
		return xerrors.Errorf("send batch: %w", err)
	}

	s.log.Debug(ctx, "inserted tracking events", slog.F("count", len(events)))
	return nil
}
