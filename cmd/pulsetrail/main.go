package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"pulsetrail/internal/config"
	"pulsetrail/internal/filter"
	"pulsetrail/internal/ingest"
	"pulsetrail/internal/server"
	"pulsetrail/internal/store"
	"pulsetrail/internal/types"
)

// Build information (set by build script)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Application wires the store, filter engine, ingestor, and HTTP server
// together. The store created here is the single default instance for the
// process; producers and consumers receive it explicitly.
type Application struct {
	config     *types.Config
	store      *store.Store
	engine     *filter.Engine
	ingestor   *ingest.Ingestor
	httpServer *server.HTTPServer
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.SetPrefix("[PulseTrail] ")

	log.Printf("PulseTrail v%s (built %s, commit %s)", Version, BuildTime, GitCommit)

	app, err := NewApplication()
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := app.Start(); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	log.Printf("PulseTrail started successfully")
	log.Printf("Ingest listener on port %d", app.config.IngestPort)
	log.Printf("Viewer API available at http://localhost:%d", app.config.HTTPPort)
	if app.config.AuthEnabled {
		log.Printf("Authentication enabled for viewer API")
	}

	<-sigChan
	log.Printf("Shutdown signal received, stopping application...")

	if err := app.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
		os.Exit(1)
	}

	log.Printf("PulseTrail stopped successfully")
}

// NewApplication creates a new application instance
func NewApplication() (*Application, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	app := &Application{config: cfg}
	if err := app.initializeComponents(); err != nil {
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}
	return app, nil
}

// initializeComponents initializes all application components
func (app *Application) initializeComponents() error {
	eventStore, err := store.New(app.config.DatabasePath, store.Options{
		MaxEvents:      app.config.MaxEvents,
		ObserverBuffer: app.config.ObserverBuffer,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	app.store = eventStore

	app.engine = filter.NewEngine(eventStore)

	app.ingestor = ingest.New(eventStore, ingest.Options{
		Port:           app.config.IngestPort,
		MaxConnections: app.config.MaxConnections,
		BufferSize:     app.config.IngestBuffer,
	})

	app.httpServer = server.NewHTTPServer(app.config, eventStore, app.engine, app.ingestor)
	return nil
}

// Start starts all application components
func (app *Application) Start() error {
	log.Printf("Starting PulseTrail components...")

	if err := app.ingestor.Start(); err != nil {
		return fmt.Errorf("failed to start ingestor: %w", err)
	}

	if err := app.httpServer.Start(); err != nil {
		app.ingestor.Stop()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Stop gracefully stops all application components in reverse order
func (app *Application) Stop() error {
	log.Printf("Stopping PulseTrail components...")

	var errors []error

	if app.httpServer != nil {
		if err := app.httpServer.Stop(); err != nil {
			errors = append(errors, fmt.Errorf("HTTP server stop error: %w", err))
		}
	}

	if app.ingestor != nil {
		if err := app.ingestor.Stop(); err != nil {
			errors = append(errors, fmt.Errorf("ingestor stop error: %w", err))
		}
	}

	if app.store != nil {
		if err := app.store.Close(); err != nil {
			errors = append(errors, fmt.Errorf("store close error: %w", err))
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("shutdown errors: %v", errors)
	}
	return nil
}
