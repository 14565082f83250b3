package store

import (
	"context"
	"database/sql"

	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"

	"checkin/live/models"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS tracking_event_log (
		event_id    TEXT PRIMARY KEY,
		event_type  TEXT NOT NULL,
		user_id     TEXT NOT NULL,
		user_type   TEXT NOT NULL DEFAULT '',
		session_id  TEXT NOT NULL DEFAULT '',
		occurred_at TIMESTAMPTZ NOT NULL,
		page_path   TEXT NOT NULL DEFAULT '',
		ip_address  TEXT NOT NULL DEFAULT '',
		user_agent  TEXT NOT NULL DEFAULT '',
		duration_ms BIGINT NOT NULL DEFAULT 0,
		amount      NUMERIC(12, 2) NOT NULL DEFAULT 0,
		event_data  JSONB,
		received_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_tracking_event_log_user ON tracking_event_log (user_id, occurred_at);
`

// EventLogStore appends discrete tracking events (logins, selections,
// purchases) to Postgres next to the ticketing tables.
type EventLogStore struct {
	db  *sql.DB
	log slog.Logger
}

func NewEventLogStore(db *sql.DB, log slog.Logger) *EventLogStore {
	return &EventLogStore{db: db, log: log}
}

func (*EventLogStore) Name() string { return "postgres" }

// EnsureSchema creates the event log table. Safe to run multiple times.
func (s *EventLogStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return xerrors.Errorf("create tracking_event_log: %w", err)
	}
	return nil
}

func (s *EventLogStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertAnalyticsEvents writes the batch in one transaction. Rows that
// already exist are skipped, so a retried batch is harmless.
func (s *EventLogStore) InsertAnalyticsEvents(ctx context.Context, events []models.AnalyticsEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("begin event log tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tracking_event_log (
			event_id, event_type, user_id, user_type, session_id, occurred_at,
			page_path, ip_address, user_agent, duration_ms, amount, event_data
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (event_id) DO NOTHING;
	`)
	if err != nil {
		return xerrors.Errorf("prepare event log insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		var data any
		if len(e.EventData) > 0 {
			data = string(e.EventData)
		}
		if _, err := stmt.ExecContext(ctx,
			e.EventID, e.EventType, e.UserID, e.UserType, e.SessionID, e.Timestamp,
			e.PagePath, e.IPAddress, e.UserAgent, e.DurationMs, e.Amount, data,
		); err != nil {
			return xerrors.Errorf("insert event %s: %w", e.EventID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Errorf("commit event log tx: %w", err)
	}
	s.log.Debug(ctx, "appended event log rows", slog.F("count", len(events)))
	return nil
}
