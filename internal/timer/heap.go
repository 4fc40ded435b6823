package timer

import (
	"container/heap"
	"sync"
	"time"
)

// Task is a callback scheduled for a point in time
type Task struct {
	ID       string
	ExpiryAt time.Time
	Callback func()
	index    int // index in the heap (for heap.Interface)
}

// taskHeap is a min-heap of Tasks ordered by ExpiryAt
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	return h[i].ExpiryAt.Before(h[j].ExpiryAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	task := x.(*Task)
	task.index = len(*h)
	*h = append(*h, task)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*h = old[:n-1]
	return task
}

// Manager fires scheduled callbacks from a single loop over a min-heap.
// Callbacks run on their own goroutine. Start and Stop are idempotent and a
// stopped manager can be started again; pending tasks survive a stop.
type Manager struct {
	mu        sync.Mutex
	heap      taskHeap
	tasks     map[string]*Task
	recurring map[string]uint64
	gen       uint64
	wakeup    chan struct{}
	running   bool
	stopCh    chan struct{}
	done      chan struct{}
}

func NewManager() *Manager {
	m := &Manager{
		heap:      make(taskHeap, 0),
		tasks:     make(map[string]*Task),
		recurring: make(map[string]uint64),
		wakeup:    make(chan struct{}, 1),
	}
	heap.Init(&m.heap)
	return m
}

// Start launches the scheduler loop. It is a no-op when already running.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(m.stopCh, m.done)
}

// Stop halts the loop and waits for it to exit. Callbacks already started
// keep running. It is a no-op when not running.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.done
	m.mu.Unlock()

	<-done
}

// Running reports whether the loop is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Schedule runs callback once at expiryAt, replacing any task with the same ID.
func (m *Manager) Schedule(id string, expiryAt time.Time, callback func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return ErrManagerStopped
	}
	delete(m.recurring, id)
	m.pushLocked(id, expiryAt, callback)
	return nil
}

func (m *Manager) pushLocked(id string, expiryAt time.Time, callback func()) {
	if existing, ok := m.tasks[id]; ok {
		heap.Remove(&m.heap, existing.index)
		delete(m.tasks, id)
	}

	task := &Task{
		ID:       id,
		ExpiryAt: expiryAt,
		Callback: callback,
	}
	heap.Push(&m.heap, task)
	m.tasks[id] = task

	// Wake the loop if this is now the earliest task
	if m.heap[0] == task {
		select {
		case m.wakeup <- struct{}{}:
		default:
		}
	}
}

// Cancel removes a scheduled task, one-shot or recurring.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, wasRecurring := m.recurring[id]
	delete(m.recurring, id)

	task, ok := m.tasks[id]
	if !ok {
		return wasRecurring
	}
	heap.Remove(&m.heap, task.index)
	delete(m.tasks, id)
	return true
}

// Next returns when the task with id fires next.
func (m *Manager) Next(id string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return time.Time{}, false
	}
	return task.ExpiryAt, true
}

func (m *Manager) run(stopCh, done chan struct{}) {
	defer close(done)
	for {
		m.mu.Lock()

		var waitDuration time.Duration
		if m.heap.Len() == 0 {
			waitDuration = 24 * time.Hour
		} else {
			next := m.heap[0]
			waitDuration = time.Until(next.ExpiryAt)

			if waitDuration <= 0 {
				task := heap.Pop(&m.heap).(*Task)
				delete(m.tasks, task.ID)
				m.mu.Unlock()

				go task.Callback()
				continue
			}
		}

		m.mu.Unlock()

		timer := time.NewTimer(waitDuration)
		select {
		case <-timer.C:
		case <-m.wakeup:
			timer.Stop()
		case <-stopCh:
			timer.Stop()
			return
		}
	}
}

// Stats returns statistics about the manager
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		ScheduledTasks: len(m.tasks),
		RecurringTasks: len(m.recurring),
		Running:        m.running,
	}
}

// Stats contains statistics about the manager
type Stats struct {
	ScheduledTasks int  `json:"scheduled_tasks"`
	RecurringTasks int  `json:"recurring_tasks"`
	Running        bool `json:"running"`
}

var (
	ErrManagerStopped  = &TimerError{"timer manager is stopped"}
	ErrInvalidSchedule = &TimerError{"invalid schedule"}
)

// TimerError represents a timer error
type TimerError struct {
	msg string
}

func (e *TimerError) Error() string {
	return e.msg
}
