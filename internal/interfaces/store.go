package interfaces

import (
	"time"

	"pulsetrail/internal/types"
)

// Observer is a callback registered with an event store. It is invoked once
// per append/update batch, in append order, from a delivery goroutine that
// is decoupled from the writer.
type Observer func(types.Notification)

// EventRange bounds a store listing. Zero values leave the corresponding
// bound open.
type EventRange struct {
	// MinID and MaxID bound the listing by sequence id (inclusive)
	MinID int64
	MaxID int64

	// Start and End bound the listing by creation time, [start, end)
	Start *time.Time
	End   *time.Time

	// Limit caps the number of returned events (0 = no cap)
	Limit int
}

// EventStore is the durable, append-mostly engine of record. Appends are
// serialized internally and are linearizable; reads observe a consistent
// snapshot as of call time.
type EventStore interface {
	// Append persists an event and returns its assigned sequence id. For a
	// network task whose task id is already known and still pending, the
	// existing row is replaced in place and its original id returned; once
	// the task is terminal further appends fail with ErrTaskCompleted.
	Append(event *types.Event) (int64, error)

	// Events lists events within the range in ascending id order. Appends
	// that happen after the call do not appear in the result.
	Events(r EventRange) ([]*types.Event, error)

	// GetByID fetches a single event, or nil if it was pruned or never existed
	GetByID(id int64) (*types.Event, error)

	// GetByIDs fetches the given events in ascending id order, skipping ids
	// that no longer exist
	GetByIDs(ids []int64) ([]*types.Event, error)

	// TaskBody lazily fetches a network task's request or response payload
	TaskBody(id int64, response bool) ([]byte, error)

	// Labels returns the distinct case-normalized labels seen so far
	Labels() ([]string, error)

	// Count returns the number of persisted events
	Count() (int64, error)

	// LastID returns the most recently assigned sequence id
	LastID() int64

	// Subscribe registers an observer and returns a function that removes it
	Subscribe(observer Observer) func()

	// Stats returns store statistics
	Stats() StoreStats

	// Close flushes and closes the underlying database
	Close() error
}

// StoreStats represents statistics about an event store
type StoreStats struct {
	AppendedEvents   int64 `json:"appended_events"`
	UpdatedTasks     int64 `json:"updated_tasks"`
	RejectedUpdates  int64 `json:"rejected_updates"`
	WriteErrors      int64 `json:"write_errors"`
	PrunedEvents     int64 `json:"pruned_events"`
	ObserverOverflow int64 `json:"observer_overflow"`
	ActiveObservers  int   `json:"active_observers"`
}
