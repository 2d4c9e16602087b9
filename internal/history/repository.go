package history

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-modembridge/internal/infrastructure/database"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 500

	// timestampLayout is fixed width so created_at sorts lexically.
	timestampLayout = "2006-01-02T15:04:05.000000Z07:00"
)

// SQLiteRepository stores bridge history in the modem_messages and
// modem_link_events tables.
type SQLiteRepository struct {
	db  *database.DB
	now func() time.Time
}

// NewSQLiteRepository creates a repository on a migrated database.
func NewSQLiteRepository(db *database.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// RecordMessage inserts a relayed payload.
func (r *SQLiteRepository) RecordMessage(ctx context.Context, topic, payload, direction string) error {
	if topic == "" {
		return fmt.Errorf("topic is required")
	}
	if direction != DirectionInbound && direction != DirectionOutbound {
		return fmt.Errorf("invalid direction %q", direction)
	}

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO modem_messages (topic, payload, direction, created_at) VALUES (?, ?, ?, ?)",
		topic,
		payload,
		direction,
		r.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("inserting modem message: %w", err)
	}
	return nil
}

// RecordLinkEvent inserts a link transition.
func (r *SQLiteRepository) RecordLinkEvent(ctx context.Context, event, detail string) error {
	if event == "" {
		return fmt.Errorf("event is required")
	}

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO modem_link_events (event, detail, created_at) VALUES (?, ?, ?)",
		event,
		detail,
		r.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("inserting link event: %w", err)
	}
	return nil
}

// RecentMessages returns the newest messages first.
// The limit defaults to 50 and is capped at 500.
func (r *SQLiteRepository) RecentMessages(ctx context.Context, limit int) ([]Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, topic, payload, direction, created_at
		 FROM modem_messages
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying modem messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Direction, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning modem message: %w", err)
		}
		if m.CreatedAt, err = parseTimestamp(createdAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating modem messages: %w", err)
	}
	return messages, nil
}

// RecentLinkEvents returns the newest link events first.
func (r *SQLiteRepository) RecentLinkEvents(ctx context.Context, limit int) ([]LinkEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, event, detail, created_at
		 FROM modem_link_events
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying link events: %w", err)
	}
	defer rows.Close()

	var events []LinkEvent
	for rows.Next() {
		var e LinkEvent
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Event, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning link event: %w", err)
		}
		if e.CreatedAt, err = parseTimestamp(createdAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating link events: %w", err)
	}
	return events, nil
}

// Prune deletes messages and link events older than olderThan and returns
// the number of rows removed. The WAL is checkpointed when anything was
// deleted.
func (r *SQLiteRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := r.now().UTC().Add(-olderThan).Format(timestampLayout)

	var total int64
	for _, table := range []string{"modem_messages", "modem_link_events"} {
		result, err := r.db.ExecContext(ctx,
			"DELETE FROM "+table+" WHERE created_at < ?", //nolint:gosec // table names are constants
			cutoff,
		)
		if err != nil {
			return total, fmt.Errorf("pruning %s: %w", table, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("checking rows affected: %w", err)
		}
		total += n
	}

	if total > 0 {
		if err := r.db.Checkpoint(ctx); err != nil {
			return total, err
		}
	}
	return total, nil
}

func (r *SQLiteRepository) timestamp() string {
	return r.now().UTC().Format(timestampLayout)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultRecentLimit
	}
	if limit > maxRecentLimit {
		return maxRecentLimit
	}
	return limit
}

func parseTimestamp(value string) (time.Time, error) {
	t, err := time.Parse(timestampLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return t, nil
}
