package interfaces

import "pulsetrail/internal/types"

// FilterEngine evaluates filter criteria against an event store
type FilterEngine interface {
	// Evaluate runs the criteria against a point-in-time snapshot of the
	// store. Identical criteria against the same snapshot always produce
	// the same result set in the same order.
	Evaluate(criteria types.FilterCriteria) (*types.ResultSet, error)

	// Subscribe returns a live result set that is re-evaluated
	// incrementally as the store emits append/update notifications
	Subscribe(criteria types.FilterCriteria) (LiveResultSet, error)
}

// LiveResultSet is a live handle to the events matching one criteria. It is
// owned by a single consumer; distinct subscriptions are independent.
type LiveResultSet interface {
	// Snapshot returns a copy of the current result set
	Snapshot() types.ResultSet

	// Criteria returns the criteria this subscription evaluates
	Criteria() types.FilterCriteria

	// OnChange registers a callback invoked after every structural change.
	// The callback runs on the delivery goroutine and must not block.
	OnChange(fn func(types.ResultSet))

	// Close detaches the subscription from the store
	Close()
}
