package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pulsetrail/internal/interfaces"
	"pulsetrail/internal/metrics"
	"pulsetrail/internal/types"

	"github.com/goccy/go-json"
)

const (
	// DefaultMaxEvents is the default retention ceiling
	DefaultMaxEvents = 100000
	// DefaultObserverBuffer is the default per-observer notification queue size
	DefaultObserverBuffer = 256
)

var (
	// ErrTaskCompleted is returned when a network task update arrives after
	// the task reached a terminal state. The update is a no-op.
	ErrTaskCompleted = errors.New("network task already in a terminal state")

	// ErrClosed is returned by operations on a closed store
	ErrClosed = errors.New("store is closed")
)

// Options configures a store instance
type Options struct {
	// MaxEvents is the retention ceiling; once exceeded, the oldest events
	// are pruned in id order (0 = DefaultMaxEvents)
	MaxEvents int

	// ObserverBuffer is the per-observer notification queue size
	// (0 = DefaultObserverBuffer)
	ObserverBuffer int
}

// Store is a durable, append-mostly event store backed by SQLite. Writes
// are serialized through a single critical section; reads proceed
// concurrently and observe point-in-time snapshots.
type Store struct {
	db             *sql.DB
	maxEvents      int
	observerBuffer int

	// writeMu is the single writer critical section; appends are
	// linearizable with respect to each other
	writeMu sync.Mutex
	lastID  atomic.Int64
	count   atomic.Int64

	// taskRows maps a network task id to its row and lifecycle state. It is
	// consulted only for the NetworkTask kind, to resolve update-vs-insert.
	taskMu   sync.Mutex
	pending  map[string]int64
	terminal map[string]int64

	// observers
	subsMu    sync.Mutex
	subs      map[int64]*subscriber
	nextSubID int64

	stats   interfaces.StoreStats
	statsMu sync.RWMutex

	metrics *metrics.Metrics
	closed  atomic.Bool
}

// New opens (or creates) a store at the given database path
func New(path string, opts Options) (*Store, error) {
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = DefaultMaxEvents
	}
	if opts.ObserverBuffer <= 0 {
		opts.ObserverBuffer = DefaultObserverBuffer
	}

	db, err := openDatabase(path)
	if err != nil {
		return nil, err
	}
	if err := initializeSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:             db,
		maxEvents:      opts.MaxEvents,
		observerBuffer: opts.ObserverBuffer,
		pending:        make(map[string]int64),
		terminal:       make(map[string]int64),
		subs:           make(map[int64]*subscriber),
		metrics:        metrics.Get(),
	}

	if err := s.restoreIndexes(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// restoreIndexes rebuilds the in-memory sequence counter and task index
// from persisted rows after a restart
func (s *Store) restoreIndexes() error {
	var lastID sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(id) FROM events").Scan(&lastID); err != nil {
		return fmt.Errorf("failed to restore sequence counter: %w", err)
	}
	s.lastID.Store(lastID.Int64)

	count, err := s.Count()
	if err != nil {
		return err
	}
	s.count.Store(count)
	s.metrics.StoredEvents.Set(float64(count))

	rows, err := s.db.Query("SELECT id, task_id, state FROM events WHERE kind = ?", types.KindNetworkTask)
	if err != nil {
		return fmt.Errorf("failed to restore task index: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var taskID string
		var state types.TaskState
		if err := rows.Scan(&id, &taskID, &state); err != nil {
			return fmt.Errorf("failed to scan task row: %w", err)
		}
		if state.Terminal() {
			s.terminal[taskID] = id
		} else {
			s.pending[taskID] = id
		}
	}
	return rows.Err()
}

// Append persists an event and returns its assigned sequence id. Message
// events always insert a new row. A network task whose task id is already
// pending replaces the prior snapshot in place and keeps its id; once the
// task is terminal further appends fail with ErrTaskCompleted. The call
// does not return until the event is visible to subsequent reads.
func (s *Store) Append(event *types.Event) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if err := event.Validate(); err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}

	start := time.Now()

	s.writeMu.Lock()
	id, updated, err := s.apply(event)
	var pruned int64
	if err == nil {
		pruned = s.pruneLocked()
		// Enqueue while still inside the writer section so concurrent
		// producers cannot reorder deliveries relative to append order.
		// Pruning is a bulk structural change; observers must re-read the
		// store instead of applying a delta.
		if pruned > 0 {
			s.notify(types.Notification{Resync: true})
		} else {
			s.notify(types.Notification{IDs: []int64{id}})
		}
	}
	s.writeMu.Unlock()

	s.metrics.RecordAppend(time.Since(start), err)

	if err != nil {
		if errors.Is(err, ErrTaskCompleted) {
			s.metrics.RejectedUpdates.Inc()
			s.updateStats(func(stats *interfaces.StoreStats) {
				stats.RejectedUpdates++
			})
		} else {
			s.updateStats(func(stats *interfaces.StoreStats) {
				stats.WriteErrors++
			})
			log.Printf("Store write failed: %v", err)
		}
		return 0, err
	}

	s.updateStats(func(stats *interfaces.StoreStats) {
		if updated {
			stats.UpdatedTasks++
		} else {
			stats.AppendedEvents++
		}
		stats.PrunedEvents += pruned
	})
	if updated {
		s.metrics.TaskUpdatesTotal.Inc()
	}

	event.ID = id
	return id, nil
}

// apply resolves update-vs-insert and writes the row. Caller holds writeMu.
func (s *Store) apply(event *types.Event) (id int64, updated bool, err error) {
	if event.Kind == types.KindNetworkTask {
		s.taskMu.Lock()
		if _, done := s.terminal[event.TaskID]; done {
			s.taskMu.Unlock()
			return 0, false, ErrTaskCompleted
		}
		rowID, exists := s.pending[event.TaskID]
		s.taskMu.Unlock()

		if exists {
			if err := s.updateRow(rowID, event); err != nil {
				return 0, false, err
			}
			s.moveTask(event, rowID)
			return rowID, true, nil
		}
	}

	id, err = s.insertRow(event)
	if err != nil {
		return 0, false, err
	}
	s.count.Add(1)
	s.metrics.StoredEvents.Inc()
	if event.Kind == types.KindNetworkTask {
		s.moveTask(event, id)
	}
	return id, false, nil
}

// moveTask records the task's current row under the map matching its state
func (s *Store) moveTask(event *types.Event, rowID int64) {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	if event.State.Terminal() {
		delete(s.pending, event.TaskID)
		s.terminal[event.TaskID] = rowID
	} else {
		s.pending[event.TaskID] = rowID
	}
}

func marshalMetadata(metadata map[string]string) (string, error) {
	if len(metadata) == 0 {
		return "", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(data), nil
}

func (s *Store) insertRow(event *types.Event) (int64, error) {
	metadataJSON, err := marshalMetadata(event.Metadata)
	if err != nil {
		return 0, err
	}

	result, err := s.db.Exec(`
		INSERT INTO events (created_at, kind, level, label, text, metadata,
			task_id, url, method, state, status_code, duration_ns,
			request_body, response_body, error_description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.CreatedAt.UnixNano(), event.Kind, event.Level, event.Label,
		event.Text, metadataJSON, event.TaskID, event.URL, event.Method,
		event.State, event.StatusCode, int64(event.Duration),
		event.RequestBody, event.ResponseBody, event.ErrorDescription)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get inserted id: %w", err)
	}
	s.lastID.Store(id)
	return id, nil
}

// updateRow replaces a pending network task snapshot in place. The row
// keeps its id, so its position in chronological listings is unchanged.
func (s *Store) updateRow(rowID int64, event *types.Event) error {
	metadataJSON, err := marshalMetadata(event.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		UPDATE events SET created_at = ?, level = ?, label = ?, text = ?,
			metadata = ?, url = ?, method = ?, state = ?, status_code = ?,
			duration_ns = ?, request_body = ?, response_body = ?,
			error_description = ?
		WHERE id = ?`,
		event.CreatedAt.UnixNano(), event.Level, event.Label, event.Text,
		metadataJSON, event.URL, event.Method, event.State, event.StatusCode,
		int64(event.Duration), event.RequestBody, event.ResponseBody,
		event.ErrorDescription, rowID)
	if err != nil {
		return fmt.Errorf("failed to update network task: %w", err)
	}
	return nil
}

// pruneLocked removes the oldest events beyond the retention ceiling.
// Events that are part of a still-pending network task lifecycle are never
// pruned. Caller holds writeMu. Returns the number of pruned rows.
func (s *Store) pruneLocked() int64 {
	excess := s.count.Load() - int64(s.maxEvents)
	if excess <= 0 {
		return 0
	}

	rows, err := s.db.Query(`
		SELECT id, task_id FROM events
		WHERE NOT (kind = ? AND state = ?)
		ORDER BY id ASC LIMIT ?`,
		types.KindNetworkTask, types.TaskPending, excess)
	if err != nil {
		log.Printf("Retention sweep failed: %v", err)
		return 0
	}

	var ids []int64
	var taskIDs []string
	for rows.Next() {
		var id int64
		var taskID string
		if err := rows.Scan(&id, &taskID); err != nil {
			rows.Close()
			log.Printf("Retention sweep failed: %v", err)
			return 0
		}
		ids = append(ids, id)
		if taskID != "" {
			taskIDs = append(taskIDs, taskID)
		}
	}
	rows.Close()
	if len(ids) == 0 {
		return 0
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	if _, err := s.db.Exec("DELETE FROM events WHERE id IN ("+strings.Join(placeholders, ",")+")", args...); err != nil {
		log.Printf("Retention sweep failed: %v", err)
		return 0
	}

	s.taskMu.Lock()
	for _, taskID := range taskIDs {
		delete(s.terminal, taskID)
	}
	s.taskMu.Unlock()

	pruned := int64(len(ids))
	s.count.Add(-pruned)
	s.metrics.StoredEvents.Sub(float64(pruned))
	s.metrics.PrunedEventsTotal.Add(float64(pruned))
	log.Printf("Retention sweep pruned %d events", pruned)
	return pruned
}

// LastID returns the most recently assigned sequence id
func (s *Store) LastID() int64 {
	return s.lastID.Load()
}

// Stats returns store statistics
func (s *Store) Stats() interfaces.StoreStats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()

	stats := s.stats
	s.subsMu.Lock()
	stats.ActiveObservers = len(s.subs)
	s.subsMu.Unlock()
	return stats
}

// updateStats safely updates the store statistics
func (s *Store) updateStats(updateFunc func(*interfaces.StoreStats)) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	updateFunc(&s.stats)
}

// Close stops observer delivery and closes the underlying database
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.subsMu.Lock()
	for id, sub := range s.subs {
		sub.stop()
		delete(s.subs, id)
	}
	s.subsMu.Unlock()
	s.metrics.ObserversActive.Set(0)

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Printf("Warning: failed to checkpoint WAL during close: %v", err)
	}
	return s.db.Close()
}
