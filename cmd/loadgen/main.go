package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"pulsetrail/internal/ingest"
	"pulsetrail/internal/types"

	"github.com/google/uuid"
)

var (
	targetHost  = flag.String("host", "localhost", "Target PulseTrail host")
	ingestPort  = flag.Int("ingest-port", 2253, "Target ingest port")
	duration    = flag.Duration("duration", 60*time.Second, "Test duration")
	writers     = flag.Int("writers", 10, "Number of concurrent writer connections")
	writeDelay  = flag.Duration("write-delay", 1*time.Millisecond, "Delay between frames")
	taskRatio   = flag.Float64("task-ratio", 0.3, "Fraction of events emitted as network tasks")
	logInterval = flag.Duration("log-interval", 5*time.Second, "Stats logging interval")
)

var (
	framesSent   atomic.Int64
	tasksStarted atomic.Int64
	writeErrors  atomic.Int64
)

var sampleLabels = []string{"auth", "network", "analytics", "home", "storage"}

var sampleTexts = []string{
	"User logged in successfully",
	"Failed to load user profile",
	"Processing request",
	"Slow database query detected",
	"Cache miss, falling back to origin",
	"Session about to expire",
}

func main() {
	flag.Parse()

	addr := fmt.Sprintf("%s:%d", *targetHost, *ingestPort)
	log.Printf("Starting load generation against %s with %d writers for %v", addr, *writers, *duration)

	// Test connectivity before spinning up writers
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		log.Fatalf("Failed to connect to target: %v", err)
	}
	conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	go func() {
		ticker := time.NewTicker(*logInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logStats()
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < *writers; i++ {
		wg.Add(1)
		go func(writerID int) {
			defer wg.Done()
			runWriter(ctx, addr, writerID)
		}(i)
	}
	wg.Wait()

	log.Println("Load generation completed")
	logStats()
}

func logStats() {
	log.Printf("Stats: frames=%d tasks=%d errors=%d",
		framesSent.Load(), tasksStarted.Load(), writeErrors.Load())
}

// runWriter holds one ingest connection and emits a mixed stream of
// messages and network task lifecycles
func runWriter(ctx context.Context, addr string, writerID int) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		log.Printf("Writer %d failed to connect: %v", writerID, err)
		writeErrors.Add(1)
		return
	}
	defer conn.Close()

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(writerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var err error
		if rng.Float64() < *taskRatio {
			err = sendTaskLifecycle(conn, rng)
		} else {
			err = sendEvent(conn, randomMessage(rng, writerID))
		}
		if err != nil {
			log.Printf("Writer %d send failed: %v", writerID, err)
			writeErrors.Add(1)
			return
		}

		time.Sleep(*writeDelay)
	}
}

func sendEvent(conn net.Conn, event *types.Event) error {
	payload, err := ingest.EncodeEvent(event)
	if err != nil {
		return err
	}
	if err := ingest.WriteFrame(conn, payload); err != nil {
		return err
	}
	framesSent.Add(1)
	return nil
}

func randomMessage(rng *rand.Rand, writerID int) *types.Event {
	return &types.Event{
		CreatedAt: time.Now().UTC(),
		Kind:      types.KindMessage,
		Level:     types.Level(rng.Intn(int(types.LevelCritical) + 1)),
		Label:     sampleLabels[rng.Intn(len(sampleLabels))],
		Text:      sampleTexts[rng.Intn(len(sampleTexts))],
		Metadata: map[string]string{
			"writer_id":  fmt.Sprintf("%d", writerID),
			"request_id": uuid.NewString(),
		},
	}
}

// sendTaskLifecycle emits a pending network task followed by its terminal
// update, exercising the update-in-place path on the server
func sendTaskLifecycle(conn net.Conn, rng *rand.Rand) error {
	taskID := uuid.NewString()
	url := fmt.Sprintf("https://api.example.com/v1/resource/%d", rng.Intn(1000))

	pending := &types.Event{
		CreatedAt: time.Now().UTC(),
		Kind:      types.KindNetworkTask,
		TaskID:    taskID,
		URL:       url,
		Method:    "GET",
		State:     types.TaskPending,
	}
	if err := sendEvent(conn, pending); err != nil {
		return err
	}
	tasksStarted.Add(1)

	terminal := &types.Event{
		CreatedAt: time.Now().UTC(),
		Kind:      types.KindNetworkTask,
		TaskID:    taskID,
		URL:       url,
		Method:    "GET",
		Duration:  time.Duration(rng.Intn(500)) * time.Millisecond,
	}
	if rng.Float64() < 0.9 {
		terminal.State = types.TaskSuccess
		terminal.StatusCode = []int{200, 200, 201, 404, 500}[rng.Intn(5)]
	} else {
		terminal.State = types.TaskFailure
		terminal.ErrorDescription = "connection reset by peer"
	}
	return sendEvent(conn, terminal)
}
