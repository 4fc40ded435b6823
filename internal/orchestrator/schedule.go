package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/smukkama/pellet-ingest/internal/timer"
)

// Start begins background operation: the timer manager and the ledger purge
// task always, the cycle timer and the watcher when enabled in Options.
// Cycles started by the timer or the watcher run under ctx.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	o.baseCtx = ctx
	o.stopped = false
	o.mu.Unlock()

	o.timers.Start()
	if err := o.timers.Every(purgeTaskID, timer.Interval(o.opts.PurgeInterval), o.purgeTask); err != nil {
		return fmt.Errorf("schedule ledger purge: %w", err)
	}
	if o.opts.TimerEnabled {
		if err := o.StartTimer(); err != nil {
			return err
		}
	}
	if o.opts.WatchEnabled {
		if err := o.StartWatcher(); err != nil {
			return err
		}
	}
	return nil
}

// Stop halts the watcher and all timers, then waits for cycles they started.
func (o *Orchestrator) Stop() {
	if err := o.watcher.Stop(); err != nil {
		o.logger.Warn("failed to stop watcher", zap.Error(err))
	}
	o.mu.Lock()
	o.timerOn = false
	o.stopped = true
	o.mu.Unlock()
	o.timers.Stop()
	o.bg.Wait()
}

// StartTimer arms the recurring cycle. Calling it while armed is a no-op.
func (o *Orchestrator) StartTimer() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.timerOn {
		return nil
	}
	o.timers.Start()
	if err := o.timers.Every(cycleTaskID, o.sched, o.timerFired); err != nil {
		return err
	}
	o.timerOn = true
	o.logger.Info("cycle timer started", zap.String("schedule", o.schedule))
	return nil
}

// StopTimer disarms the recurring cycle. A running cycle is not interrupted.
func (o *Orchestrator) StopTimer() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.timerOn {
		return
	}
	o.timers.Cancel(cycleTaskID)
	o.timerOn = false
	o.logger.Info("cycle timer stopped")
}

// UpdateSchedule replaces the cycle schedule. An armed timer is re-armed
// with the new schedule; an invalid expression leaves everything unchanged.
func (o *Orchestrator) UpdateSchedule(expr string) error {
	sched, err := timer.ParseSchedule(expr)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.schedule = expr
	o.sched = sched
	if o.timerOn {
		if err := o.timers.Every(cycleTaskID, sched, o.timerFired); err != nil {
			return err
		}
	}
	o.logger.Info("cycle schedule updated", zap.String("schedule", expr))
	return nil
}

func (o *Orchestrator) StartWatcher() error {
	return o.watcher.Start()
}

func (o *Orchestrator) StopWatcher() error {
	return o.watcher.Stop()
}

func (o *Orchestrator) timerFired() {
	o.background(CycleRequest{Trigger: TriggerTimer})
}

// onFileSettled runs a cycle scoped to one file once its writes have settled.
func (o *Orchestrator) onFileSettled(path string) {
	o.background(CycleRequest{Trigger: TriggerWatcher, Files: []string{path}})
}

// background runs a triggered cycle on the caller's goroutine, tracked so
// that Stop can wait for it. A busy orchestrator drops the trigger.
func (o *Orchestrator) background(req CycleRequest) {
	ctx, ok := o.enterBackground()
	if !ok {
		return
	}
	defer o.bg.Done()

	if _, err := o.RunCycle(ctx, req); err != nil {
		if errors.Is(err, ErrCycleInProgress) {
			o.logger.Info("trigger dropped: cycle in progress",
				zap.String("trigger", string(req.Trigger)),
				zap.Strings("files", req.Files),
			)
			return
		}
		o.logger.Error("cycle failed to start", zap.String("trigger", string(req.Trigger)), zap.Error(err))
	}
}

// PurgeLedger removes ledger entries older than the configured retention.
func (o *Orchestrator) PurgeLedger(ctx context.Context) (int64, error) {
	n, err := o.ledger.PurgeOlderThan(ctx, o.opts.LedgerRetention)
	if err != nil {
		return 0, err
	}
	o.metrics.LedgerPurged(n)
	return n, nil
}

func (o *Orchestrator) purgeTask() {
	ctx, ok := o.enterBackground()
	if !ok {
		return
	}
	defer o.bg.Done()

	if _, err := o.PurgeLedger(ctx); err != nil {
		o.logger.Warn("ledger purge failed", zap.Error(err))
	}
}

// enterBackground registers a background task unless Stop has begun.
// Wait blocks until triggered cycles, purges and alert deliveries started so
// far have finished.
func (o *Orchestrator) Wait() {
	o.bg.Wait()
}

func (o *Orchestrator) enterBackground() (context.Context, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return nil, false
	}
	o.bg.Add(1)
	return o.baseCtx, true
}
