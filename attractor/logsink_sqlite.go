// ABOUTME: SQLite-backed LogSink supporting filtered queries, tailing, and retention pruning.
// ABOUTME: One events table indexed by run; event payloads are stored as JSON.
package attractor

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteLogSink stores engine events in a single SQLite database.
type SQLiteLogSink struct {
	db *sql.DB
}

var _ LogSink = (*SQLiteLogSink)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id    TEXT NOT NULL,
	event_id  TEXT NOT NULL,
	type      TEXT NOT NULL,
	node_id   TEXT NOT NULL DEFAULT '',
	data      TEXT NOT NULL DEFAULT '{}',
	timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, seq);
CREATE INDEX IF NOT EXISTS idx_events_run_type ON events(run_id, type);
`

// NewSQLiteLogSink opens (creating if needed) an event database at path.
func NewSQLiteLogSink(path string) (*SQLiteLogSink, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open event database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize event schema: %w", err)
	}
	return &SQLiteLogSink{db: db}, nil
}

// Append inserts one event.
func (s *SQLiteLogSink) Append(runID string, event EngineEvent) error {
	data := "{}"
	if event.Data != nil {
		raw, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		data = string(raw)
	}

	_, err := s.db.Exec(
		`INSERT INTO events (run_id, event_id, type, node_id, data, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, event.ID, string(event.Type), event.NodeID, data, event.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Query returns events matching the filter plus the total match count.
func (s *SQLiteLogSink) Query(runID string, filter EventFilter) ([]EngineEvent, int, error) {
	where := []string{"run_id = ?"}
	args := []any{runID}

	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "type IN ("+strings.Join(placeholders, ",")+")")
	}
	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}
	if filter.Until != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, filter.Until.UTC().Format(time.RFC3339Nano))
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM events WHERE "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	query := "SELECT event_id, type, node_id, data, timestamp FROM events WHERE " + whereClause + " ORDER BY seq"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// Tail returns the last n events of a run in chronological order.
func (s *SQLiteLogSink) Tail(runID string, n int) ([]EngineEvent, error) {
	if n <= 0 {
		n = -1
	}
	rows, err := s.db.Query(
		`SELECT event_id, type, node_id, data, timestamp FROM (
			SELECT * FROM events WHERE run_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq`,
		runID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("tail events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Summarize aggregates the run's events.
func (s *SQLiteLogSink) Summarize(runID string) (*EventSummary, error) {
	events, _, err := s.Query(runID, EventFilter{})
	if err != nil {
		return nil, err
	}
	return summarizeEvents(events), nil
}

// Prune deletes runs whose earliest event is older than the cutoff.
// Returns the number of event rows removed, not the number of runs.
func (s *SQLiteLogSink) Prune(olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	res, err := s.db.Exec(
		`DELETE FROM events WHERE run_id IN (
			SELECT run_id FROM events GROUP BY run_id HAVING MIN(timestamp) < ?
		)`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}

	// Count distinct pruned runs is lost after delete; report rows as a
	// conservative signal when the driver cannot say.
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	if affected > 0 {
		return int(affected), nil
	}
	return 0, nil
}

// Close releases the database handle.
func (s *SQLiteLogSink) Close() error {
	return s.db.Close()
}

func scanEvents(rows *sql.Rows) ([]EngineEvent, error) {
	var events []EngineEvent
	for rows.Next() {
		var evt EngineEvent
		var typ, data, ts string
		if err := rows.Scan(&evt.ID, &typ, &evt.NodeID, &data, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt.Type = EngineEventType(typ)
		if data != "" && data != "{}" {
			if err := json.Unmarshal([]byte(data), &evt.Data); err != nil {
				evt.Data = map[string]any{"_raw": data}
			}
		}
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			evt.Timestamp = parsed
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}
