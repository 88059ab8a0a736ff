package filter

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"pulsetrail/internal/types"
)

// liveResultSet is the live output of one subscription: the ordered ids
// matching the criteria, kept current by store notifications. Ids stay in
// ascending order; an in-place network task update never changes its
// position.
type liveResultSet struct {
	engine   *Engine
	criteria types.FilterCriteria
	matcher  *matcher

	mu       sync.RWMutex
	ids      []int64
	revision uint64
	onChange func(types.ResultSet)

	// Deltas that arrive while a full evaluation is reading the store are
	// parked here and replayed once the snapshot is installed, so a racing
	// append is never overwritten by the older snapshot. Guarded by mu.
	evaluating    bool
	pendingIDs    []int64
	pendingResync bool

	// evalMu serializes full evaluations so a later snapshot can never be
	// installed before an earlier one
	evalMu sync.Mutex

	unsubscribe func()
	closed      atomic.Bool
}

// Snapshot returns a copy of the current result set
func (l *liveResultSet) Snapshot() types.ResultSet {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]int64, len(l.ids))
	copy(ids, l.ids)
	return types.ResultSet{IDs: ids, Revision: l.revision}
}

// Criteria returns the criteria this subscription evaluates
func (l *liveResultSet) Criteria() types.FilterCriteria {
	return l.criteria
}

// OnChange registers a callback invoked after every change. It runs on the
// store's delivery goroutine and must not block.
func (l *liveResultSet) OnChange(fn func(types.ResultSet)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// Close detaches the subscription from the store
func (l *liveResultSet) Close() {
	if l.closed.Swap(true) {
		return
	}
	if l.unsubscribe != nil {
		l.unsubscribe()
	}
	l.engine.metrics.LiveSubscriptions.Dec()
}

// handleNotification applies one store notification. A resync forces a
// full re-evaluation; a delta tests only the affected events. Either kind
// arriving while an evaluation is in flight is parked for replay instead.
func (l *liveResultSet) handleNotification(n types.Notification) {
	if l.closed.Load() {
		return
	}

	l.mu.Lock()
	if l.evaluating {
		if n.Resync {
			l.pendingResync = true
		} else {
			l.pendingIDs = append(l.pendingIDs, n.IDs...)
		}
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	if n.Resync {
		l.engine.metrics.FullReevaluations.Inc()
		if err := l.reevaluate(); err != nil {
			log.Printf("Live result set re-evaluation failed: %v", err)
		}
		return
	}

	l.engine.metrics.IncrementalUpdates.Inc()
	l.applyDelta(n.IDs)
}

// applyDelta fetches the affected events and folds them into the id set
func (l *liveResultSet) applyDelta(ids []int64) {
	events, err := l.engine.store.GetByIDs(ids)
	if err != nil {
		log.Printf("Live result set update failed: %v", err)
		return
	}

	fetched := make(map[int64]bool, len(events))
	changed := false

	l.mu.Lock()
	for _, event := range events {
		fetched[event.ID] = true
		if l.applyEventLocked(event) {
			changed = true
		}
	}
	// Ids that vanished between notification and fetch were pruned; drop
	// them from the result set as well
	for _, id := range ids {
		if !fetched[id] && l.removeLocked(id) {
			changed = true
		}
	}
	l.finishLocked(changed)
}

// applyEventLocked tests one event and updates the id set. An update of an
// id already present keeps its position but still counts as a change, so
// consumers repaint the row. Caller holds mu.
func (l *liveResultSet) applyEventLocked(event *types.Event) bool {
	pos, found := l.find(event.ID)
	match := l.matcher.matches(event)

	switch {
	case match && !found:
		l.ids = append(l.ids, 0)
		copy(l.ids[pos+1:], l.ids[pos:])
		l.ids[pos] = event.ID
		return true
	case !match && found:
		l.ids = append(l.ids[:pos], l.ids[pos+1:]...)
		return true
	case match && found:
		// In-place content update; position is unchanged
		return true
	default:
		return false
	}
}

func (l *liveResultSet) removeLocked(id int64) bool {
	pos, found := l.find(id)
	if !found {
		return false
	}
	l.ids = append(l.ids[:pos], l.ids[pos+1:]...)
	return true
}

// find locates the insertion position of id in the ascending id slice
func (l *liveResultSet) find(id int64) (int, bool) {
	pos := sort.Search(len(l.ids), func(i int) bool { return l.ids[i] >= id })
	return pos, pos < len(l.ids) && l.ids[pos] == id
}

// finishLocked bumps the revision and fires the change callback. Caller
// holds mu; the lock is released before the callback runs.
func (l *liveResultSet) finishLocked(changed bool) {
	if !changed {
		l.mu.Unlock()
		return
	}

	l.revision++
	snapshot := types.ResultSet{IDs: make([]int64, len(l.ids)), Revision: l.revision}
	copy(snapshot.IDs, l.ids)
	onChange := l.onChange
	l.mu.Unlock()

	if onChange != nil {
		onChange(snapshot)
	}
}

// reevaluate rebuilds the result set from a fresh store snapshot.
// Notifications delivered while the snapshot read is in flight are parked
// by handleNotification and replayed here after the install; replaying a
// delta the snapshot already covered is idempotent.
func (l *liveResultSet) reevaluate() error {
	l.evalMu.Lock()
	defer l.evalMu.Unlock()

	for {
		l.mu.Lock()
		l.evaluating = true
		l.mu.Unlock()

		ids, err := l.engine.evaluateIDs(l.matcher)

		l.mu.Lock()
		l.evaluating = false
		pending := l.pendingIDs
		resync := l.pendingResync
		l.pendingIDs = nil
		l.pendingResync = false

		if err != nil {
			l.mu.Unlock()
			return err
		}
		if resync {
			// A prune raced the read; the snapshot may hold removed ids.
			// Start over rather than install it.
			l.mu.Unlock()
			continue
		}

		changed := !int64SlicesEqual(l.ids, ids)
		if changed {
			l.ids = ids
		}
		l.finishLocked(changed)

		if len(pending) > 0 {
			l.applyDelta(pending)
		}
		return nil
	}
}

func int64SlicesEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
