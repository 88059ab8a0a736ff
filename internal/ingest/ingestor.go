package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"pulsetrail/internal/interfaces"
	"pulsetrail/internal/metrics"
	"pulsetrail/internal/store"
	"pulsetrail/internal/types"

	"github.com/google/uuid"
)

const (
	// DefaultReadTimeout is the idle timeout for ingest connections. A
	// half-received frame older than this is discarded with the connection.
	DefaultReadTimeout = 30 * time.Second

	// DefaultBufferSize is the default bounded ingest buffer capacity
	DefaultBufferSize = 4096

	// flowControlTimeout is how long a connection's read loop stops reading
	// and waits for buffer space before dropping the oldest buffered event
	flowControlTimeout = time.Second
)

// Ingestor accepts connections from external processes advertising events
// over the length-prefixed wire format and forwards them to the event
// store. The network read loops and the store write path are decoupled by
// a bounded buffer so that a blocked append never grows memory without
// bound.
type Ingestor struct {
	port     int
	maxConns int
	store    interfaces.EventStore
	listener net.Listener

	// Bounded ingest buffer; overflow drops the oldest buffered event
	buffer   chan *types.Event
	bufferMu sync.Mutex

	// Connection management
	connections    map[net.Conn]bool
	connectionsMux sync.RWMutex
	activeConns    int64

	// Lifecycle
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	isRunning  bool
	runningMux sync.RWMutex

	stats      interfaces.IngestStats
	statsMutex sync.RWMutex
	metrics    *metrics.Metrics
}

// Options configures an ingestor instance
type Options struct {
	Port           int
	MaxConnections int
	BufferSize     int
}

// New creates an ingestor bound to a store
func New(eventStore interfaces.EventStore, opts Options) *Ingestor {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 100
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Ingestor{
		port:        opts.Port,
		maxConns:    opts.MaxConnections,
		store:       eventStore,
		buffer:      make(chan *types.Event, opts.BufferSize),
		connections: make(map[net.Conn]bool),
		ctx:         ctx,
		cancel:      cancel,
		metrics:     metrics.Get(),
	}
}

// HandleExternalEvent validates an event received from an external process
// and applies it to the store
func (ing *Ingestor) HandleExternalEvent(event *types.Event) error {
	return handleEvent(ing.store, event)
}

// Process applies a validated external event to the given store. It is the
// entry point the thin transport layer calls into.
func Process(event *types.Event, eventStore interfaces.EventStore) error {
	return handleEvent(eventStore, event)
}

func handleEvent(eventStore interfaces.EventStore, event *types.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if _, err := eventStore.Append(event); err != nil {
		return err
	}
	return nil
}

// Start starts listening for ingest connections
func (ing *Ingestor) Start() error {
	ing.runningMux.Lock()
	defer ing.runningMux.Unlock()

	if ing.isRunning {
		return fmt.Errorf("ingestor is already running")
	}

	addr := fmt.Sprintf(":%d", ing.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	ing.listener = listener
	ing.isRunning = true
	ing.updateStats(func(stats *interfaces.IngestStats) {
		stats.IsRunning = true
	})

	ing.wg.Add(2)
	go ing.acceptConnections()
	go ing.drainBuffer()

	log.Printf("Ingestor started on port %d", ing.port)
	return nil
}

// Stop gracefully stops the ingestor
func (ing *Ingestor) Stop() error {
	ing.runningMux.Lock()
	defer ing.runningMux.Unlock()

	if !ing.isRunning {
		return nil
	}

	ing.cancel()
	if ing.listener != nil {
		ing.listener.Close()
	}

	ing.connectionsMux.Lock()
	for conn := range ing.connections {
		conn.Close()
	}
	ing.connectionsMux.Unlock()

	ing.wg.Wait()

	ing.isRunning = false
	ing.updateStats(func(stats *interfaces.IngestStats) {
		stats.IsRunning = false
		stats.ActiveConnections = 0
	})

	log.Printf("Ingestor stopped")
	return nil
}

// Addr returns the address the ingestor is listening on, or nil when it is
// not running. Useful when the configured port is 0.
func (ing *Ingestor) Addr() net.Addr {
	ing.runningMux.RLock()
	defer ing.runningMux.RUnlock()

	if ing.listener == nil {
		return nil
	}
	return ing.listener.Addr()
}

// Stats returns ingestor statistics
func (ing *Ingestor) Stats() interfaces.IngestStats {
	ing.statsMutex.RLock()
	defer ing.statsMutex.RUnlock()

	stats := ing.stats
	stats.ActiveConnections = atomic.LoadInt64(&ing.activeConns)
	return stats
}

// acceptConnections runs in a goroutine to accept incoming connections
func (ing *Ingestor) acceptConnections() {
	defer ing.wg.Done()

	for {
		select {
		case <-ing.ctx.Done():
			return
		default:
			// Set a deadline for Accept to make it interruptible
			if tcpListener, ok := ing.listener.(*net.TCPListener); ok {
				tcpListener.SetDeadline(time.Now().Add(1 * time.Second))
			}

			conn, err := ing.listener.Accept()
			if err != nil {
				select {
				case <-ing.ctx.Done():
					return
				default:
					if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
						continue
					}
					log.Printf("Error accepting connection: %v", err)
					ing.updateStats(func(stats *interfaces.IngestStats) {
						stats.ConnectionErrors++
					})
					continue
				}
			}

			if atomic.LoadInt64(&ing.activeConns) >= int64(ing.maxConns) {
				log.Printf("Connection limit reached (%d), rejecting connection from %s",
					ing.maxConns, conn.RemoteAddr())
				conn.Close()
				ing.updateStats(func(stats *interfaces.IngestStats) {
					stats.ConnectionErrors++
				})
				continue
			}

			ing.wg.Add(1)
			go ing.handleConnection(conn)
		}
	}
}

// handleConnection reads frames from a single connection. Each connection
// is a fresh logical session; no sequence continuity is assumed across
// reconnects. A malformed frame is skipped and logged; the connection is
// torn down only on stream-level errors, where any half-received frame is
// discarded.
func (ing *Ingestor) handleConnection(conn net.Conn) {
	defer ing.wg.Done()
	defer ing.removeConnection(conn)

	ing.addConnection(conn)

	session := uuid.NewString()
	log.Printf("Ingest session %s started from %s", session, conn.RemoteAddr())
	ing.metrics.IngestConnections.Inc()
	defer ing.metrics.IngestConnections.Dec()

	conn.SetReadDeadline(time.Now().Add(DefaultReadTimeout))

	for {
		select {
		case <-ing.ctx.Done():
			return
		default:
		}

		payload, err := ReadFrame(conn)
		if err != nil {
			if errors.Is(err, ErrMalformedEvent) || errors.Is(err, ErrFrameTooLarge) {
				// Frame boundary is intact; skip the frame and continue
				ing.recordMalformed(session, err)
				continue
			}
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				log.Printf("Ingest session %s ended: %v", session, err)
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(DefaultReadTimeout))
		ing.metrics.FramesReceivedTotal.Inc()
		ing.updateStats(func(stats *interfaces.IngestStats) {
			stats.FramesReceived++
		})

		event, err := DecodeEvent(payload)
		if err == nil {
			err = event.Validate()
		}
		if err != nil {
			ing.recordMalformed(session, err)
			continue
		}

		ing.enqueue(event)
	}
}

// enqueue places an event into the bounded ingest buffer. When the buffer
// is full the read loop first stops and waits (flow control); if space
// does not free up in time, the oldest buffered event is dropped and
// counted.
func (ing *Ingestor) enqueue(event *types.Event) {
	select {
	case ing.buffer <- event:
		return
	default:
	}

	timer := time.NewTimer(flowControlTimeout)
	defer timer.Stop()

	select {
	case ing.buffer <- event:
		return
	case <-ing.ctx.Done():
		return
	case <-timer.C:
	}

	// The drain path is stalled; shed the oldest buffered event. The
	// bufferMu keeps two connections from both dropping for one free slot.
	ing.bufferMu.Lock()
	select {
	case <-ing.buffer:
		ing.metrics.DroppedEventsTotal.Inc()
		ing.updateStats(func(stats *interfaces.IngestStats) {
			stats.DroppedEvents++
		})
	default:
	}
	select {
	case ing.buffer <- event:
	default:
		ing.metrics.DroppedEventsTotal.Inc()
		ing.updateStats(func(stats *interfaces.IngestStats) {
			stats.DroppedEvents++
		})
	}
	ing.bufferMu.Unlock()
}

// drainBuffer forwards buffered events to the store
func (ing *Ingestor) drainBuffer() {
	defer ing.wg.Done()

	for {
		select {
		case <-ing.ctx.Done():
			return
		case event := <-ing.buffer:
			if _, err := ing.store.Append(event); err != nil {
				if errors.Is(err, store.ErrTaskCompleted) {
					// Late update for a finished task; drop silently
					continue
				}
				log.Printf("Failed to store ingested event: %v", err)
			}
		}
	}
}

func (ing *Ingestor) recordMalformed(session string, err error) {
	log.Printf("Ingest session %s: skipping malformed frame: %v", session, err)
	ing.metrics.MalformedFramesTotal.Inc()
	ing.updateStats(func(stats *interfaces.IngestStats) {
		stats.MalformedFrames++
	})
}

// addConnection adds a connection to the tracking map
func (ing *Ingestor) addConnection(conn net.Conn) {
	ing.connectionsMux.Lock()
	defer ing.connectionsMux.Unlock()

	ing.connections[conn] = true
	atomic.AddInt64(&ing.activeConns, 1)
	ing.updateStats(func(stats *interfaces.IngestStats) {
		stats.TotalConnections++
	})
}

// removeConnection removes a connection from the tracking map
func (ing *Ingestor) removeConnection(conn net.Conn) {
	ing.connectionsMux.Lock()
	defer ing.connectionsMux.Unlock()

	if _, exists := ing.connections[conn]; exists {
		delete(ing.connections, conn)
		atomic.AddInt64(&ing.activeConns, -1)
		conn.Close()
	}
}

// updateStats safely updates the ingestor statistics
func (ing *Ingestor) updateStats(updateFunc func(*interfaces.IngestStats)) {
	ing.statsMutex.Lock()
	defer ing.statsMutex.Unlock()
	updateFunc(&ing.stats)
}
