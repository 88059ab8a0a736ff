package interfaces

import "pulsetrail/internal/types"

// Ingestor accepts events arriving from external processes over the wire
// protocol and forwards them to the event store
type Ingestor interface {
	// HandleExternalEvent validates an event received from an external
	// process and applies it to the store
	HandleExternalEvent(event *types.Event) error

	// Start begins accepting connections
	Start() error

	// Stop gracefully shuts the ingestor down
	Stop() error

	// Stats returns ingestor statistics
	Stats() IngestStats
}

// IngestStats represents statistics about the remote ingestor
type IngestStats struct {
	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	FramesReceived    int64 `json:"frames_received"`
	MalformedFrames   int64 `json:"malformed_frames"`
	DroppedEvents     int64 `json:"dropped_events"`
	ConnectionErrors  int64 `json:"connection_errors"`
	IsRunning         bool  `json:"is_running"`
}
