package types

// Config holds all configuration options for the application
type Config struct {
	IngestPort     int    `json:"ingest_port"`
	HTTPPort       int    `json:"http_port"`
	DatabasePath   string `json:"database_path"`
	MaxEvents      int    `json:"max_events"`
	MaxConnections int    `json:"max_connections"`
	IngestBuffer   int    `json:"ingest_buffer"`
	ObserverBuffer int    `json:"observer_buffer"`
	AuthUsername   string `json:"auth_username"`
	AuthPassword   string `json:"auth_password"`
	AuthEnabled    bool   `json:"auth_enabled"`
}
