package server

import (
	"strings"
	"testing"
	"time"

	"pulsetrail/internal/types"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

func dialResultStream(t *testing.T, httpURL string) *websocket.Conn {
	t.Helper()

	wsURL := strings.Replace(httpURL, "http://", "ws://", 1) + "/ws/results"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to dial result stream: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendCriteria(t *testing.T, conn *websocket.Conn, criteria types.FilterCriteria) {
	t.Helper()

	payload, err := json.Marshal(criteria)
	if err != nil {
		t.Fatalf("Failed to marshal criteria: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("Failed to send criteria: %v", err)
	}
}

func readStreamMessage(t *testing.T, conn *websocket.Conn) streamMessage {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read stream message: %v", err)
	}

	var message streamMessage
	if err := json.Unmarshal(payload, &message); err != nil {
		t.Fatalf("Failed to decode stream message %s: %v", payload, err)
	}
	return message
}

func TestResultStream_SnapshotAndUpdates(t *testing.T) {
	_, s, ts := setupTestServer(t, nil)

	existingID := seedMessage(t, s, types.LevelError, "app", "pre-existing failure")

	conn := dialResultStream(t, ts.URL)

	criteria := types.DefaultCriteria()
	criteria.Levels.Levels = types.NewLevelSet(types.LevelError, types.LevelCritical)
	sendCriteria(t, conn, criteria)

	snapshot := readStreamMessage(t, conn)
	if snapshot.Type != "snapshot" {
		t.Fatalf("Expected a snapshot message first, got %q", snapshot.Type)
	}
	if len(snapshot.Result.IDs) != 1 || snapshot.Result.IDs[0] != existingID {
		t.Errorf("Expected snapshot ids [%d], got %v", existingID, snapshot.Result.IDs)
	}
	if len(snapshot.Events) != 1 || snapshot.Events[0].ID != existingID {
		t.Errorf("Expected the snapshot to carry its events, got %v", snapshot.Events)
	}

	// A matching append streams an update
	newID := seedMessage(t, s, types.LevelCritical, "app", "fresh failure")
	update := readStreamMessage(t, conn)
	if update.Type != "update" {
		t.Fatalf("Expected an update message, got %q", update.Type)
	}
	if len(update.Result.IDs) != 2 || update.Result.IDs[1] != newID {
		t.Errorf("Expected update ids [%d %d], got %v", existingID, newID, update.Result.IDs)
	}
}

func TestResultStream_CriteriaReplacement(t *testing.T) {
	_, s, ts := setupTestServer(t, nil)

	infoID := seedMessage(t, s, types.LevelInfo, "app", "routine")
	errorID := seedMessage(t, s, types.LevelError, "app", "failure")

	conn := dialResultStream(t, ts.URL)

	sendCriteria(t, conn, types.DefaultCriteria())
	snapshot := readStreamMessage(t, conn)
	if snapshot.Type != "snapshot" || len(snapshot.Result.IDs) != 2 {
		t.Fatalf("Expected a full snapshot of 2 ids, got %q %v", snapshot.Type, snapshot.Result.IDs)
	}

	// Replacing the criteria produces a fresh snapshot for the new query
	narrowed := types.DefaultCriteria()
	narrowed.Levels.Levels = types.NewLevelSet(types.LevelError)
	sendCriteria(t, conn, narrowed)

	snapshot = readStreamMessage(t, conn)
	if snapshot.Type != "snapshot" {
		t.Fatalf("Expected a snapshot after criteria replacement, got %q", snapshot.Type)
	}
	if len(snapshot.Result.IDs) != 1 || snapshot.Result.IDs[0] != errorID {
		t.Errorf("Expected narrowed ids [%d], got %v (info id %d)", errorID, snapshot.Result.IDs, infoID)
	}
}
