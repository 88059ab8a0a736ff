package filter

import (
	"fmt"
	"time"

	"pulsetrail/internal/interfaces"
	"pulsetrail/internal/metrics"
	"pulsetrail/internal/types"
)

// Engine evaluates filter criteria against an event store and maintains
// live, incrementally updated result sets
type Engine struct {
	store   interfaces.EventStore
	metrics *metrics.Metrics
}

// NewEngine creates a filter engine bound to a store
func NewEngine(store interfaces.EventStore) *Engine {
	return &Engine{
		store:   store,
		metrics: metrics.Get(),
	}
}

// Evaluate runs the criteria against a point-in-time snapshot of the
// store. Results are in ascending id order; identical criteria against the
// same snapshot always produce the same result set.
func (e *Engine) Evaluate(criteria types.FilterCriteria) (*types.ResultSet, error) {
	start := time.Now()

	ids, err := e.evaluateIDs(newMatcher(criteria))
	if err != nil {
		return nil, err
	}

	e.metrics.RecordEvaluation(time.Since(start))
	return &types.ResultSet{IDs: ids, Revision: 1}, nil
}

func (e *Engine) evaluateIDs(m *matcher) ([]int64, error) {
	events, err := e.store.Events(interfaces.EventRange{})
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate criteria: %w", err)
	}

	ids := make([]int64, 0, len(events))
	for _, event := range events {
		if m.matches(event) {
			ids = append(ids, event.ID)
		}
	}
	return ids, nil
}

// Subscribe returns a live result set that tracks the criteria as the
// store emits append/update notifications. The handle is owned by a single
// consumer; distinct subscriptions are independent.
func (e *Engine) Subscribe(criteria types.FilterCriteria) (interfaces.LiveResultSet, error) {
	live := &liveResultSet{
		engine:   e,
		criteria: criteria,
		matcher:  newMatcher(criteria),
	}

	// Register with the store before the initial evaluation so no append
	// lands in the gap. A delta delivered while the evaluation is reading
	// the store is parked and replayed once the snapshot is installed, so
	// it cannot be overwritten by the older snapshot.
	live.unsubscribe = e.store.Subscribe(live.handleNotification)

	if err := live.reevaluate(); err != nil {
		live.Close()
		return nil, err
	}

	e.metrics.LiveSubscriptions.Inc()
	return live, nil
}
