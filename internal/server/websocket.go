package server

import (
	"log"
	"net/http"
	"time"

	"pulsetrail/internal/interfaces"
	"pulsetrail/internal/types"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	// streamWriteTimeout bounds a single websocket write
	streamWriteTimeout = 10 * time.Second

	// streamPingInterval keeps idle result streams alive
	streamPingInterval = 30 * time.Second
)

// streamMessage is one frame on the live result stream. A snapshot carries
// the full result set and its events; an update carries only the result
// set, and the viewer fetches rows it does not have.
type streamMessage struct {
	Type   string           `json:"type"` // "snapshot" or "update"
	Result *types.ResultSet `json:"result"`
	Events []*types.Event   `json:"events,omitempty"`
}

// handleResultStream upgrades to a websocket and streams live result sets.
// The client sends a FilterCriteria as its first message and may send a
// new criteria at any time to replace the subscription.
func (s *HTTPServer) handleResultStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Result stream upgrade error from %s: %v", r.RemoteAddr, err)
		s.countRequest(err)
		return
	}
	defer conn.Close()

	s.updateStats(func(stats *HTTPServerStats) {
		stats.ActiveStreams++
	})
	defer s.updateStats(func(stats *HTTPServerStats) {
		stats.ActiveStreams--
	})

	// Reader goroutine: each received message is a replacement criteria
	criteriaChanges := make(chan types.FilterCriteria)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			criteria := types.DefaultCriteria()
			if err := json.Unmarshal(message, &criteria); err != nil {
				log.Printf("Result stream from %s sent invalid criteria: %v", r.RemoteAddr, err)
				continue
			}
			criteria.Labels.NormalizeLabels()
			select {
			case criteriaChanges <- criteria:
			case <-s.ctx.Done():
				return
			}
		}
	}()

	// updates holds the most recent result set only; a viewer that falls
	// behind skips straight to the latest state
	updates := make(chan types.ResultSet, 1)
	pushUpdate := func(rs types.ResultSet) {
		for {
			select {
			case updates <- rs:
				return
			default:
				select {
				case <-updates:
				default:
				}
			}
		}
	}

	var live interfaces.LiveResultSet
	defer func() {
		if live != nil {
			live.Close()
		}
	}()

	subscribe := func(criteria types.FilterCriteria) bool {
		if live != nil {
			if live.Criteria().Equal(criteria) {
				return true
			}
			live.Close()
			live = nil
		}

		newLive, err := s.engine.Subscribe(criteria)
		if err != nil {
			log.Printf("Result stream subscription failed: %v", err)
			return false
		}
		newLive.OnChange(pushUpdate)
		live = newLive

		snapshot := live.Snapshot()
		events, err := s.store.GetByIDs(snapshot.IDs)
		if err != nil {
			log.Printf("Result stream snapshot failed: %v", err)
			return false
		}
		return s.writeStreamMessage(conn, streamMessage{Type: "snapshot", Result: &snapshot, Events: events})
	}

	pingTicker := time.NewTicker(streamPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-readerDone:
			return
		case criteria := <-criteriaChanges:
			if !subscribe(criteria) {
				return
			}
		case rs := <-updates:
			if !s.writeStreamMessage(conn, streamMessage{Type: "update", Result: &rs}) {
				return
			}
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) writeStreamMessage(conn *websocket.Conn, message streamMessage) bool {
	data, err := json.Marshal(message)
	if err != nil {
		log.Printf("Failed to encode stream message: %v", err)
		return false
	}

	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			log.Printf("Result stream write error: %v", err)
		}
		return false
	}
	return true
}
