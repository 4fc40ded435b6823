package timer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func startedManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager()
	m.Start()
	t.Cleanup(m.Stop)
	return m
}

func TestManager_Schedule(t *testing.T) {
	m := startedManager(t)

	var executed atomic.Bool
	err := m.Schedule("test1", time.Now().Add(100*time.Millisecond), func() {
		executed.Store(true)
	})
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	time.Sleep(250 * time.Millisecond)

	if !executed.Load() {
		t.Error("Task was not executed")
	}
}

func TestManager_Cancel(t *testing.T) {
	m := startedManager(t)

	var executed atomic.Bool
	if err := m.Schedule("test1", time.Now().Add(100*time.Millisecond), func() {
		executed.Store(true)
	}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	if !m.Cancel("test1") {
		t.Error("Cancel returned false")
	}
	if m.Cancel("test1") {
		t.Error("second Cancel returned true")
	}

	time.Sleep(200 * time.Millisecond)

	if executed.Load() {
		t.Error("Task was executed despite being cancelled")
	}
}

func TestManager_MultipleTasksOrdering(t *testing.T) {
	m := startedManager(t)

	var results []int
	var mu sync.Mutex
	record := func(n int) func() {
		return func() {
			mu.Lock()
			results = append(results, n)
			mu.Unlock()
		}
	}

	// Schedule tasks in reverse order
	m.Schedule("task3", time.Now().Add(150*time.Millisecond), record(3))
	m.Schedule("task1", time.Now().Add(50*time.Millisecond), record(1))
	m.Schedule("task2", time.Now().Add(100*time.Millisecond), record(2))

	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	if results[0] != 1 || results[1] != 2 || results[2] != 3 {
		t.Errorf("Tasks executed in wrong order: %v", results)
	}
}

func TestManager_RescheduleExisting(t *testing.T) {
	m := startedManager(t)

	var count atomic.Int32
	m.Schedule("test1", time.Now().Add(100*time.Millisecond), func() { count.Add(1) })
	// Same ID replaces the first task
	m.Schedule("test1", time.Now().Add(50*time.Millisecond), func() { count.Add(10) })

	time.Sleep(250 * time.Millisecond)

	if got := count.Load(); got != 10 {
		t.Errorf("Expected count=10 (only second task), got %d", got)
	}
}

func TestManager_StartStopIdempotent(t *testing.T) {
	m := NewManager()
	m.Stop()
	m.Start()
	m.Start()
	if !m.Running() {
		t.Fatal("expected manager to run")
	}

	at := time.Now().Add(time.Hour)
	if err := m.Schedule("later", at, func() {}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	m.Stop()
	m.Stop()
	if m.Running() {
		t.Fatal("expected manager to be stopped")
	}
	if err := m.Schedule("x", time.Now(), func() {}); err != ErrManagerStopped {
		t.Errorf("expected ErrManagerStopped, got %v", err)
	}

	// Pending tasks survive a restart
	m.Start()
	defer m.Stop()
	if next, ok := m.Next("later"); !ok || !next.Equal(at) {
		t.Errorf("expected task at %v, got %v %v", at, next, ok)
	}
}

func TestManager_Stats(t *testing.T) {
	m := startedManager(t)

	m.Schedule("task1", time.Now().Add(1*time.Hour), func() {})
	m.Schedule("task2", time.Now().Add(2*time.Hour), func() {})
	m.Every("task3", Interval(time.Hour), func() {})

	stats := m.Stats()
	if stats.ScheduledTasks != 3 {
		t.Errorf("Expected 3 scheduled tasks, got %d", stats.ScheduledTasks)
	}
	if stats.RecurringTasks != 1 {
		t.Errorf("Expected 1 recurring task, got %d", stats.RecurringTasks)
	}
	if !stats.Running {
		t.Error("Expected running manager")
	}
}
