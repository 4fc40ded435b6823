package timer

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule yields successive activation times.
type Schedule interface {
	Next(time.Time) time.Time
}

// ParseSchedule parses a standard five field cron expression or a
// descriptor such as "@daily" or "@every 6h".
func ParseSchedule(expr string) (Schedule, error) {
	s, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidSchedule, expr, err)
	}
	return s, nil
}

// Interval fires every d, rounded to whole seconds.
func Interval(d time.Duration) Schedule {
	return cron.Every(d)
}

// Every runs callback at each activation of s until the task is cancelled or
// replaced. The next activation is queued before callback runs, so a slow
// callback does not delay it.
func (m *Manager) Every(id string, s Schedule, callback func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return ErrManagerStopped
	}
	m.gen++
	gen := m.gen
	m.recurring[id] = gen
	m.scheduleNextLocked(id, gen, s, callback)
	return nil
}

func (m *Manager) scheduleNextLocked(id string, gen uint64, s Schedule, callback func()) {
	at := s.Next(time.Now())
	if at.IsZero() {
		delete(m.recurring, id)
		return
	}
	m.pushLocked(id, at, func() {
		m.mu.Lock()
		if m.recurring[id] == gen {
			m.scheduleNextLocked(id, gen, s, callback)
		}
		m.mu.Unlock()
		callback()
	})
}
