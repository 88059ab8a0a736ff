package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"pulsetrail/internal/interfaces"
	"pulsetrail/internal/types"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"
)

// openDatabase opens the SQLite database and configures WAL mode so that
// readers observe consistent snapshots while the single writer proceeds
func openDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_fk=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA wal_autocheckpoint = 1000",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to verify journal mode: %w", err)
	}
	// In-memory databases stay in "memory" mode, which is fine for tests
	if journalMode != "wal" && journalMode != "memory" {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode, current mode: %s", journalMode)
	}

	return db, nil
}

// initializeSchema creates the events table and its indexes. The schema is
// kept across restarts so that recorded sessions survive a process exit.
func initializeSchema(db *sql.DB) error {
	createEventsTable := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at INTEGER NOT NULL,
		kind TEXT NOT NULL,

		-- Message fields
		level INTEGER NOT NULL DEFAULT 0,
		label TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL DEFAULT '',
		metadata TEXT,

		-- Network task fields
		task_id TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		method TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT '',
		status_code INTEGER NOT NULL DEFAULT 0,
		duration_ns INTEGER NOT NULL DEFAULT 0,
		request_body BLOB,
		response_body BLOB,
		error_description TEXT NOT NULL DEFAULT ''
	);`

	if _, err := db.Exec(createEventsTable); err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);",
		"CREATE INDEX IF NOT EXISTS idx_events_task_id ON events(task_id);",
		"CREATE INDEX IF NOT EXISTS idx_events_label ON events(label);",
		"CREATE INDEX IF NOT EXISTS idx_events_level ON events(level);",
	}
	for _, indexSQL := range indexes {
		if _, err := db.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// eventColumns lists the columns fetched for event reads. Bodies are
// excluded; they are fetched lazily through TaskBody.
const eventColumns = "id, created_at, kind, level, label, text, metadata, task_id, url, method, state, status_code, duration_ns, error_description"

// scanEvent reads one event row
func scanEvent(rows *sql.Rows) (*types.Event, error) {
	event := &types.Event{}
	var createdAt int64
	var durationNS int64
	var metadataJSON sql.NullString

	err := rows.Scan(&event.ID, &createdAt, &event.Kind, &event.Level, &event.Label,
		&event.Text, &metadataJSON, &event.TaskID, &event.URL, &event.Method,
		&event.State, &event.StatusCode, &durationNS, &event.ErrorDescription)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	event.CreatedAt = time.Unix(0, createdAt).UTC()
	event.Duration = time.Duration(durationNS)

	if metadataJSON.Valid && metadataJSON.String != "" {
		var metadata map[string]string
		if err := json.Unmarshal([]byte(metadataJSON.String), &metadata); err == nil {
			event.Metadata = metadata
		}
	}

	return event, nil
}

// queryEvents runs an event listing query and materializes the rows
func (s *Store) queryEvents(query string, args ...interface{}) ([]*types.Event, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute event query: %w", err)
	}
	defer rows.Close()

	var events []*types.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over rows: %w", err)
	}

	return events, nil
}

// Events lists events within the range in ascending id order. The listing
// is bounded by the last id assigned before the call, so concurrent appends
// do not retroactively appear in the result.
func (s *Store) Events(r interfaces.EventRange) ([]*types.Event, error) {
	snapshotID := s.lastID.Load()
	if r.MaxID == 0 || r.MaxID > snapshotID {
		r.MaxID = snapshotID
	}

	var conditions []string
	var args []interface{}

	conditions = append(conditions, "id <= ?")
	args = append(args, r.MaxID)

	if r.MinID > 0 {
		conditions = append(conditions, "id >= ?")
		args = append(args, r.MinID)
	}
	if r.Start != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, r.Start.UnixNano())
	}
	if r.End != nil {
		conditions = append(conditions, "created_at < ?")
		args = append(args, r.End.UnixNano())
	}

	query := "SELECT " + eventColumns + " FROM events WHERE " +
		strings.Join(conditions, " AND ") + " ORDER BY id ASC"
	if r.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, r.Limit)
	}

	return s.queryEvents(query, args...)
}

// GetByID fetches a single event, or nil if it does not exist
func (s *Store) GetByID(id int64) (*types.Event, error) {
	events, err := s.queryEvents("SELECT "+eventColumns+" FROM events WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[0], nil
}

// GetByIDs fetches the given events in ascending id order, skipping ids
// that no longer exist
func (s *Store) GetByIDs(ids []int64) ([]*types.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := "SELECT " + eventColumns + " FROM events WHERE id IN (" +
		strings.Join(placeholders, ",") + ") ORDER BY id ASC"
	return s.queryEvents(query, args...)
}

// TaskBody lazily fetches a network task's request or response payload
func (s *Store) TaskBody(id int64, response bool) ([]byte, error) {
	column := "request_body"
	if response {
		column = "response_body"
	}

	var body []byte
	err := s.db.QueryRow("SELECT "+column+" FROM events WHERE id = ?", id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch task body: %w", err)
	}
	return body, nil
}

// Labels returns the distinct case-normalized labels seen so far
func (s *Store) Labels() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT lower(label) FROM events WHERE label != '' ORDER BY 1")
	if err != nil {
		return nil, fmt.Errorf("failed to list labels: %w", err)
	}
	defer rows.Close()

	var labels []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		labels = append(labels, label)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over rows: %w", err)
	}

	return labels, nil
}

// Count returns the number of persisted events
func (s *Store) Count() (int64, error) {
	var count int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM events").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}
