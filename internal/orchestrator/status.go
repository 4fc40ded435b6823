package orchestrator

import (
	"context"
	"time"

	"github.com/smukkama/pellet-ingest/internal/ledger"
)

type TimerStatus struct {
	Enabled  bool       `json:"enabled"`
	Schedule string     `json:"schedule"`
	NextRun  *time.Time `json:"next_run,omitempty"`
}

type WatcherStatus struct {
	Enabled bool     `json:"enabled"`
	Dirs    []string `json:"dirs"`
}

// Status is a point-in-time view for operators.
type Status struct {
	CycleRunning   bool          `json:"cycle_running"`
	Stats          RunStats      `json:"stats"`
	Timer          TimerStatus   `json:"timer"`
	Watcher        WatcherStatus `json:"watcher"`
	MailEnabled    bool          `json:"mail_enabled"`
	MailConfigured bool          `json:"mail_configured"`
	Ledger         *ledger.Stats `json:"ledger,omitempty"`
	LedgerError    string        `json:"ledger_error,omitempty"`
}

func (o *Orchestrator) Stats() RunStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// History returns the most recent cycle results, oldest first.
func (o *Orchestrator) History() []CycleResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]CycleResult(nil), o.history...)
}

func (o *Orchestrator) Status(ctx context.Context) Status {
	o.mu.Lock()
	st := Status{
		CycleRunning: o.running.Load(),
		Stats:        o.stats,
		Timer:        TimerStatus{Enabled: o.timerOn, Schedule: o.schedule},
		Watcher:      WatcherStatus{Enabled: o.watcher.Running(), Dirs: o.opts.DropDirs},
		MailEnabled:  o.opts.MailEnabled,
	}
	o.mu.Unlock()

	if next, ok := o.timers.Next(cycleTaskID); ok && st.Timer.Enabled {
		st.Timer.NextRun = &next
	}
	st.MailConfigured = o.discovery != nil && o.discovery.Configured()

	ls, err := o.ledger.Stats(ctx)
	if err != nil {
		st.LedgerError = err.Error()
	} else {
		st.Ledger = &ls
	}
	return st
}
