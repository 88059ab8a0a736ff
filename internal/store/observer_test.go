package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"pulsetrail/internal/types"
)

func TestObserver_DeliveryOrder(t *testing.T) {
	s := setupTestStore(t, Options{})

	notifications := make(chan types.Notification, 16)
	unsubscribe := s.Subscribe(func(n types.Notification) {
		notifications <- n
	})
	defer unsubscribe()

	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := s.Append(testMessage(types.LevelInfo, "test", fmt.Sprintf("message %d", i)))
		if err != nil {
			t.Fatalf("Failed to append event: %v", err)
		}
		ids = append(ids, id)
	}

	for _, expected := range ids {
		select {
		case n := <-notifications:
			if n.Resync {
				t.Fatal("Unexpected resync notification")
			}
			if len(n.IDs) != 1 || n.IDs[0] != expected {
				t.Errorf("Expected notification for id %d, got %v", expected, n.IDs)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out waiting for notification for id %d", expected)
		}
	}
}

func TestObserver_TaskUpdateNotifiesSameID(t *testing.T) {
	s := setupTestStore(t, Options{})

	notifications := make(chan types.Notification, 16)
	unsubscribe := s.Subscribe(func(n types.Notification) {
		notifications <- n
	})
	defer unsubscribe()

	id, err := s.Append(testTask("task-1", types.TaskPending, 0))
	if err != nil {
		t.Fatalf("Failed to append pending task: %v", err)
	}
	if _, err := s.Append(testTask("task-1", types.TaskSuccess, 200)); err != nil {
		t.Fatalf("Failed to complete task: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case n := <-notifications:
			if len(n.IDs) != 1 || n.IDs[0] != id {
				t.Errorf("Expected notification for id %d, got %v", id, n.IDs)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for task notifications")
		}
	}
}

func TestObserver_ConcurrentAppendOrder(t *testing.T) {
	const producers = 8
	const perProducer = 100

	s := setupTestStore(t, Options{ObserverBuffer: producers*perProducer + 16})

	delivered := make(chan int64, producers*perProducer)
	unsubscribe := s.Subscribe(func(n types.Notification) {
		if n.Resync {
			t.Error("Unexpected resync notification")
			return
		}
		delivered <- n.IDs[0]
	})
	defer unsubscribe()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if _, err := s.Append(testMessage(types.LevelInfo, "test", fmt.Sprintf("producer %d message %d", p, i))); err != nil {
					t.Errorf("Append failed: %v", err)
					return
				}
			}
		}(p)
	}
	wg.Wait()

	// Deliveries from racing producers must arrive in append order
	var last int64
	for i := 0; i < producers*perProducer; i++ {
		select {
		case id := <-delivered:
			if id <= last {
				t.Fatalf("Notification for id %d delivered after id %d", id, last)
			}
			last = id
		case <-time.After(5 * time.Second):
			t.Fatalf("Timed out after %d of %d notifications", i, producers*perProducer)
		}
	}
}

func TestObserver_Unsubscribe(t *testing.T) {
	s := setupTestStore(t, Options{})

	notifications := make(chan types.Notification, 16)
	unsubscribe := s.Subscribe(func(n types.Notification) {
		notifications <- n
	})

	if s.Stats().ActiveObservers != 1 {
		t.Errorf("Expected 1 active observer, got %d", s.Stats().ActiveObservers)
	}

	unsubscribe()
	// Unsubscribing twice must be safe
	unsubscribe()

	if s.Stats().ActiveObservers != 0 {
		t.Errorf("Expected 0 active observers, got %d", s.Stats().ActiveObservers)
	}

	if _, err := s.Append(testMessage(types.LevelInfo, "test", "after unsubscribe")); err != nil {
		t.Fatalf("Failed to append event: %v", err)
	}

	select {
	case n := <-notifications:
		t.Errorf("Expected no delivery after unsubscribe, got %v", n)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestObserver_OverflowBecomesResync(t *testing.T) {
	s := setupTestStore(t, Options{ObserverBuffer: 1})

	// The observer blocks on an unbuffered channel until the test starts
	// reading, so appended notifications pile up in the 1-slot queue
	notifications := make(chan types.Notification)
	unsubscribe := s.Subscribe(func(n types.Notification) {
		notifications <- n
	})
	defer unsubscribe()

	for i := 0; i < 10; i++ {
		if _, err := s.Append(testMessage(types.LevelInfo, "test", fmt.Sprintf("message %d", i))); err != nil {
			t.Fatalf("Failed to append event: %v", err)
		}
	}

	// Drain: a missed update must surface as a resync signal
	sawResync := false
	deadline := time.After(2 * time.Second)
	for !sawResync {
		select {
		case n := <-notifications:
			if n.Resync {
				sawResync = true
			}
		case <-deadline:
			t.Fatal("Expected an overflowing observer to receive a resync notification")
		}
	}

	if s.Stats().ObserverOverflow == 0 {
		t.Error("Expected observer overflow to be counted")
	}
}

func TestObserver_SlowObserverDoesNotBlockAppend(t *testing.T) {
	s := setupTestStore(t, Options{ObserverBuffer: 1})

	// An observer that never returns must not stall the writer
	block := make(chan struct{})
	unsubscribe := s.Subscribe(func(n types.Notification) {
		<-block
	})
	defer close(block)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			if _, err := s.Append(testMessage(types.LevelInfo, "test", "fast path")); err != nil {
				t.Errorf("Append failed: %v", err)
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Appends blocked behind a slow observer")
	}
}
