// Package orchestrator owns the ingestion cycle: a local drop-folder scan
// followed by optional mail discovery, serialized across the timer, the
// filesystem watcher and manual requests.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smukkama/pellet-ingest/internal/discovery"
	"github.com/smukkama/pellet-ingest/internal/ingest"
	"github.com/smukkama/pellet-ingest/internal/ledger"
	"github.com/smukkama/pellet-ingest/internal/lock"
	"github.com/smukkama/pellet-ingest/internal/mail"
	"github.com/smukkama/pellet-ingest/internal/metrics"
	"github.com/smukkama/pellet-ingest/internal/models"
	"github.com/smukkama/pellet-ingest/internal/normalizer"
	"github.com/smukkama/pellet-ingest/internal/protocol"
	"github.com/smukkama/pellet-ingest/internal/timer"
	"github.com/smukkama/pellet-ingest/internal/watcher"
	"github.com/smukkama/pellet-ingest/internal/window"
	"github.com/smukkama/pellet-ingest/pkg/config"
)

var (
	// ErrCycleInProgress is returned when a trigger arrives while a cycle runs,
	// here or in another process holding the shared lease.
	ErrCycleInProgress = errors.New("orchestrator: cycle already in progress")
	ErrInvalidWindow   = errors.New("orchestrator: window start is after its end")
	// ErrOutsideDropDirs rejects an explicit file that does not sit directly
	// in one of the configured drop directories.
	ErrOutsideDropDirs = errors.New("orchestrator: file is not in a drop directory")
)

type Trigger string

const (
	TriggerTimer   Trigger = "timer"
	TriggerWatcher Trigger = "watcher"
	TriggerManual  Trigger = "manual"
	TriggerStartup Trigger = "startup"
)

type Outcome string

const (
	OutcomeNoNewData       Outcome = "no_new_data"
	OutcomeImported        Outcome = "imported"
	OutcomePartial         Outcome = "partial"
	OutcomeFailed          Outcome = "failed"
	OutcomeDiscoveryFailed Outcome = "discovery_failed"
	OutcomeReauthRequired  Outcome = "reauth_required"
	OutcomeSkippedBusy     Outcome = "skipped_busy"
)

// CycleRequest scopes one cycle. The zero value is a full cycle with the
// configured defaults.
type CycleRequest struct {
	Trigger Trigger
	// Files limits the local scan to these paths.
	Files []string
	// Mail overrides whether discovery runs; nil keeps the configured default.
	Mail *bool
	// Window is the exact day range for discovered files. Zero means any.
	Window  window.Window
	Senders []string
	Subject string
	// ForceDownload fetches attachments even if the ledger has them.
	ForceDownload bool
	// ForceReimport ingests local files even if they are not newer than
	// their last import.
	ForceReimport bool
}

// FileResult is what happened to one file in a cycle.
type FileResult struct {
	Filename string            `json:"filename"`
	Path     string            `json:"path"`
	Source   string            `json:"source"`
	Records  int               `json:"records"`
	Atomic   bool              `json:"atomic"`
	Stats    *normalizer.Stats `json:"stats,omitempty"`
	Status   models.ItemStatus `json:"status"`
	Stage    string            `json:"stage,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// DiscoveryReport summarizes the mail step of a cycle.
type DiscoveryReport struct {
	Query      string           `json:"query"`
	Messages   int              `json:"messages"`
	Downloaded int              `json:"downloaded"`
	Items      []discovery.Item `json:"items"`
	Errors     []string         `json:"errors,omitempty"`
}

// CycleResult is the structured outcome of one cycle.
type CycleResult struct {
	ID              string           `json:"id"`
	Trigger         Trigger          `json:"trigger"`
	Outcome         Outcome          `json:"outcome"`
	StartedAt       time.Time        `json:"started_at"`
	FinishedAt      time.Time        `json:"finished_at"`
	Duration        time.Duration    `json:"duration"`
	FilesProcessed  int              `json:"files_processed"`
	RecordsImported int              `json:"records_imported"`
	Errors          int              `json:"errors"`
	Files           []FileResult     `json:"files"`
	Discovery       *DiscoveryReport `json:"discovery,omitempty"`
	Error           string           `json:"error,omitempty"`
	Warnings        []string         `json:"warnings,omitempty"`
}

// RunStats are process lifetime counters.
type RunStats struct {
	Cycles          int           `json:"cycles"`
	FilesProcessed  int           `json:"files_processed"`
	RecordsImported int           `json:"records_imported"`
	Errors          int           `json:"errors"`
	LastRunAt       time.Time     `json:"last_run_at"`
	LastOutcome     Outcome       `json:"last_outcome,omitempty"`
	LastDuration    time.Duration `json:"last_duration"`
}

// Store is the telemetry store the orchestrator reads and writes.
type Store interface {
	ingest.Store
	LastImport(ctx context.Context, filename string) (*models.ImportedFile, error)
	FindByFilename(ctx context.Context, filename string) ([]models.TelemetryRecord, error)
	DistinctFilenames(ctx context.Context) ([]string, error)
}

type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

type Notifier interface {
	SendCycleAlert(alert *protocol.CycleAlert) error
}

// Options are the static settings of an orchestrator.
type Options struct {
	DropDirs        []string
	FilePrefix      string
	Schedule        string
	TimerEnabled    bool
	WatchEnabled    bool
	MailEnabled     bool
	Senders         []string
	Subject         string
	Label           string
	MarkRead        bool
	MaxResults      int
	DebounceDelay   time.Duration
	CycleTimeout    time.Duration
	HistorySize     int
	LedgerRetention time.Duration
	PurgeInterval   time.Duration
}

// OptionsFromConfig maps the ingest, mail and ledger sections of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DropDirs:        cfg.Ingest.DropDirs,
		FilePrefix:      cfg.Ingest.FilePrefix,
		Schedule:        cfg.Ingest.Schedule,
		TimerEnabled:    cfg.Ingest.TimerEnabled,
		WatchEnabled:    cfg.Ingest.WatchEnabled,
		MailEnabled:     cfg.Ingest.MailEnabled,
		Senders:         cfg.Mail.Senders,
		Subject:         cfg.Mail.Subject,
		Label:           cfg.Mail.Label,
		MarkRead:        cfg.Mail.MarkRead,
		MaxResults:      cfg.Mail.MaxResults,
		DebounceDelay:   cfg.Ingest.DebounceDelay,
		CycleTimeout:    cfg.Ingest.CycleTimeout,
		HistorySize:     cfg.Ingest.HistorySize,
		LedgerRetention: cfg.Ledger.Retention,
		PurgeInterval:   cfg.Ledger.PurgeInterval,
	}
}

// Deps are the collaborators. Discovery, Lock, Publisher and Notifier are
// optional.
type Deps struct {
	Store     Store
	Ledger    *ledger.Ledger
	Discovery *discovery.Client
	Lock      lock.Locker
	Publisher Publisher
	Notifier  Notifier
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

const (
	cycleTaskID    = "ingest-cycle"
	purgeTaskID    = "ledger-purge"
	publishTimeout = 5 * time.Second
)

type Orchestrator struct {
	opts      Options
	store     Store
	ledger    *ledger.Ledger
	discovery *discovery.Client
	lock      lock.Locker
	publisher Publisher
	notifier  Notifier
	metrics   *metrics.Metrics
	logger    *zap.Logger

	ingestor  *ingest.Ingestor
	extractor *window.Extractor
	timers    *timer.Manager
	watcher   *watcher.Watcher

	// running is the single-flight flag shared by every trigger.
	running atomic.Bool

	mu       sync.Mutex
	stats    RunStats
	history  []CycleResult
	schedule string
	sched    timer.Schedule
	timerOn  bool
	baseCtx  context.Context
	stopped  bool

	bg sync.WaitGroup
}

func New(opts Options, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil || deps.Ledger == nil {
		return nil, errors.New("orchestrator: store and ledger are required")
	}
	if len(opts.DropDirs) == 0 {
		return nil, errors.New("orchestrator: at least one drop directory is required")
	}
	sched, err := timer.ParseSchedule(opts.Schedule)
	if err != nil {
		return nil, err
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 50
	}
	if opts.LedgerRetention <= 0 {
		opts.LedgerRetention = ledger.DefaultRetention
	}
	if opts.PurgeInterval <= 0 {
		opts.PurgeInterval = 24 * time.Hour
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		opts:      opts,
		store:     deps.Store,
		ledger:    deps.Ledger,
		discovery: deps.Discovery,
		lock:      deps.Lock,
		publisher: deps.Publisher,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		logger:    logger.Named("orchestrator"),
		ingestor:  ingest.New(deps.Store, deps.Metrics, logger),
		extractor: window.NewExtractor(opts.FilePrefix),
		timers:    timer.NewManager(),
		schedule:  opts.Schedule,
		sched:     sched,
		baseCtx:   context.Background(),
	}
	o.watcher = watcher.New(opts.DropDirs, o.extractor.IsExport, opts.DebounceDelay, o.onFileSettled, logger)
	return o, nil
}

// RunCycle runs one cycle now. It returns ErrCycleInProgress, with a
// skipped_busy result, when another cycle holds the single-flight flag or
// the shared lease. Every other failure is reported inside the result.
//
// Operator alerts are sent after the flag and lease are released.
func (o *Orchestrator) RunCycle(ctx context.Context, req CycleRequest) (*CycleResult, error) {
	res, err := o.runExclusive(ctx, req)
	if err != nil {
		return res, err
	}
	o.dispatchAlert(res)
	return res, nil
}

func (o *Orchestrator) runExclusive(ctx context.Context, req CycleRequest) (*CycleResult, error) {
	if req.Trigger == "" {
		req.Trigger = TriggerManual
	}
	w := req.Window
	if !w.From.IsZero() && !w.To.IsZero() && window.Day(w.From).After(window.Day(w.To)) {
		return nil, ErrInvalidWindow
	}
	files, err := o.checkFiles(req.Files)
	if err != nil {
		return nil, err
	}
	req.Files = files

	if !o.running.CompareAndSwap(false, true) {
		return o.busy(req.Trigger), ErrCycleInProgress
	}
	defer o.running.Store(false)

	if o.lock != nil {
		release, err := o.lock.Acquire(ctx)
		switch {
		case errors.Is(err, lock.ErrLocked):
			return o.busy(req.Trigger), ErrCycleInProgress
		case err != nil:
			o.logger.Warn("shared cycle lease unavailable; relying on the in-process guard", zap.Error(err))
		default:
			defer func() {
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
				defer cancel()
				if err := release(releaseCtx); err != nil {
					o.logger.Warn("failed to release cycle lease", zap.Error(err))
				}
			}()
		}
	}

	if o.opts.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.CycleTimeout)
		defer cancel()
	}
	return o.runLocked(ctx, req), nil
}

func (o *Orchestrator) busy(trigger Trigger) *CycleResult {
	o.metrics.CycleRejected(string(trigger))
	now := time.Now().UTC()
	return &CycleResult{Trigger: trigger, Outcome: OutcomeSkippedBusy, StartedAt: now, FinishedAt: now}
}

// runLocked does the work of one cycle. The caller holds the single-flight flag.
func (o *Orchestrator) runLocked(ctx context.Context, req CycleRequest) *CycleResult {
	res := &CycleResult{
		ID:        uuid.NewString(),
		Trigger:   req.Trigger,
		StartedAt: time.Now().UTC(),
		Files:     []FileResult{},
	}
	log := o.logger.With(zap.String("cycle_id", res.ID), zap.String("trigger", string(req.Trigger)))
	log.Info("cycle started")
	o.metrics.CycleStarted()

	// Local drop folders.
	paths, scanErrs := o.scan(ctx, req)
	for _, e := range scanErrs {
		res.add(e)
	}
	for _, p := range paths {
		res.add(o.processFile(ctx, res.ID, p, metrics.SourceLocal))
	}

	// Mail discovery.
	var reauth, discoveryFailed bool
	if o.mailRequested(req) {
		reauth, discoveryFailed = o.runDiscovery(ctx, req, res, log)
	}

	// Stats are updated whatever the outcome.
	res.FinishedAt = time.Now().UTC()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)
	res.Outcome = outcomeOf(res, reauth, discoveryFailed)
	o.record(res)

	o.metrics.CycleFinished(string(res.Trigger), string(res.Outcome), res.Duration)
	log.Info("cycle finished",
		zap.String("outcome", string(res.Outcome)),
		zap.Int("files", res.FilesProcessed),
		zap.Int("records", res.RecordsImported),
		zap.Int("errors", res.Errors),
		zap.Duration("took", res.Duration),
	)

	o.publishCycle(ctx, res)
	return res
}

func (r *CycleResult) add(f FileResult) {
	r.Files = append(r.Files, f)
	if f.Error != "" {
		r.Errors++
		return
	}
	if f.Status == models.ItemStatusImported {
		r.FilesProcessed++
		r.RecordsImported += f.Records
	}
}

func outcomeOf(res *CycleResult, reauth, discoveryFailed bool) Outcome {
	switch {
	case reauth:
		return OutcomeReauthRequired
	case discoveryFailed:
		return OutcomeDiscoveryFailed
	case res.Errors > 0 && res.FilesProcessed > 0:
		return OutcomePartial
	case res.Errors > 0:
		return OutcomeFailed
	case res.FilesProcessed > 0:
		return OutcomeImported
	default:
		return OutcomeNoNewData
	}
}

func (o *Orchestrator) mailRequested(req CycleRequest) bool {
	if req.Mail != nil {
		return *req.Mail
	}
	// Files-scoped cycles come from the watcher and concern local files only.
	return o.opts.MailEnabled && len(req.Files) == 0
}

// runDiscovery runs the mail step and folds its outcome into res.
func (o *Orchestrator) runDiscovery(ctx context.Context, req CycleRequest, res *CycleResult, log *zap.Logger) (reauth, failed bool) {
	explicit := req.Mail != nil && *req.Mail
	if o.discovery == nil || !o.discovery.Configured() {
		if !explicit {
			log.Debug("mail discovery skipped: not configured")
			return false, false
		}
		res.Error = mail.ErrNotConfigured.Error()
		return true, false
	}

	senders := req.Senders
	if len(senders) == 0 {
		senders = o.opts.Senders
	}
	subject := req.Subject
	if subject == "" {
		subject = o.opts.Subject
	}
	criteria := discovery.Criteria{
		Senders:    senders,
		Subject:    subject,
		Window:     req.Window,
		Mode:       ledger.ModeFor(req.ForceDownload),
		MarkRead:   o.opts.MarkRead,
		Label:      o.opts.Label,
		MaxResults: o.opts.MaxResults,
	}

	processor := discovery.ProcessorFunc(func(ctx context.Context, d discovery.Download) (models.ItemStatus, error) {
		decision := o.extractor.Match(d.Filename, req.Window)
		if !decision.Dated {
			msg := fmt.Sprintf("%s has no date in its name; included", d.Filename)
			log.Warn("undated attachment included", zap.String("filename", d.Filename))
			res.Warnings = append(res.Warnings, msg)
		}
		if !decision.Included {
			log.Debug("attachment outside window",
				zap.String("filename", d.Filename),
				zap.Time("date", decision.Date),
			)
			if err := os.Remove(d.Path); err != nil && !os.IsNotExist(err) {
				log.Warn("failed to discard staged attachment", zap.String("path", d.Path), zap.Error(err))
			}
			return models.ItemStatusSkipped, nil
		}
		path, err := o.promote(d.Path)
		if err != nil {
			f := o.fileFailed(d.Path, metrics.SourceMail, metrics.StageDownload, err)
			res.Files = append(res.Files, f)
			return models.ItemStatusError, err
		}
		f := o.processFile(ctx, res.ID, path, metrics.SourceMail)
		res.Files = append(res.Files, f)
		if f.Error != "" {
			return models.ItemStatusError, errors.New(f.Error)
		}
		res.FilesProcessed++
		res.RecordsImported += f.Records
		return models.ItemStatusImported, nil
	})

	dres, err := o.discovery.Run(ctx, criteria, processor)
	report := &DiscoveryReport{
		Query:      dres.Query,
		Messages:   dres.Messages,
		Downloaded: len(dres.Downloads),
		Items:      dres.Items,
	}
	for _, e := range dres.Errors {
		report.Errors = append(report.Errors, e.Error())
	}
	res.Discovery = report
	res.Errors += dres.ErrorCount()

	if err != nil {
		res.Error = err.Error()
		if mail.IsAuthError(err) {
			log.Error("mail credentials rejected; reauthorization required", zap.Error(err))
			return true, false
		}
		log.Error("mail discovery failed", zap.Error(err))
		return false, true
	}
	return false, false
}

func (o *Orchestrator) record(res *CycleResult) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.stats.Cycles++
	o.stats.FilesProcessed += res.FilesProcessed
	o.stats.RecordsImported += res.RecordsImported
	o.stats.Errors += res.Errors
	o.stats.LastRunAt = res.StartedAt
	o.stats.LastOutcome = res.Outcome
	o.stats.LastDuration = res.Duration

	o.history = append(o.history, *res)
	if extra := len(o.history) - o.opts.HistorySize; extra > 0 {
		o.history = append([]CycleResult(nil), o.history[extra:]...)
	}
}

func (o *Orchestrator) publish(ctx context.Context, key string, data []byte, err error) {
	if o.publisher == nil {
		return
	}
	if err != nil {
		o.logger.Warn("failed to encode event", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := o.publisher.Publish(ctx, key, data); err != nil {
		o.logger.Warn("failed to publish event", zap.String("key", key), zap.Error(err))
	}
}

func (o *Orchestrator) publishCycle(ctx context.Context, res *CycleResult) {
	if o.publisher == nil {
		return
	}
	data, err := protocol.EncodeCycleCompleted(&protocol.CycleCompletedEvent{
		EventID:         uuid.NewString(),
		CycleID:         res.ID,
		Trigger:         string(res.Trigger),
		Outcome:         string(res.Outcome),
		StartedAt:       res.StartedAt,
		FinishedAt:      res.FinishedAt,
		FilesProcessed:  res.FilesProcessed,
		RecordsImported: res.RecordsImported,
		Errors:          res.Errors,
	})
	o.publish(ctx, res.ID, data, err)
}

// dispatchAlert hands the cycle's alert, if any, to a background sender
// tracked by Stop and Wait. Once stopped, the alert is sent inline.
func (o *Orchestrator) dispatchAlert(res *CycleResult) {
	if o.notifier == nil {
		return
	}
	alert := alertFor(res)
	if alert == nil {
		return
	}
	if _, ok := o.enterBackground(); !ok {
		o.sendAlert(alert)
		return
	}
	go func() {
		defer o.bg.Done()
		o.sendAlert(alert)
	}()
}

func (o *Orchestrator) sendAlert(alert *protocol.CycleAlert) {
	if err := o.notifier.SendCycleAlert(alert); err != nil {
		o.logger.Warn("failed to send operator alert", zap.String("type", alert.Type), zap.Error(err))
	}
}

func alertFor(res *CycleResult) *protocol.CycleAlert {
	alert := &protocol.CycleAlert{
		CycleID:   res.ID,
		Trigger:   string(res.Trigger),
		Outcome:   string(res.Outcome),
		StartedAt: res.StartedAt,
		Detail:    res.Error,
	}
	switch res.Outcome {
	case OutcomeReauthRequired:
		alert.Type = protocol.AlertReauthRequired
	case OutcomeDiscoveryFailed:
		alert.Type = protocol.AlertDiscoveryFailed
	case OutcomeFailed:
		alert.Type = protocol.AlertCycleFailed
		alert.Detail = fmt.Sprintf("%d file(s) failed and none were imported.", res.Errors)
	default:
		return nil
	}
	for _, f := range res.Files {
		if f.Error != "" {
			alert.Errors = append(alert.Errors, fmt.Sprintf("%s (%s): %s", f.Filename, f.Stage, f.Error))
		}
	}
	if res.Discovery != nil {
		alert.Errors = append(alert.Errors, res.Discovery.Errors...)
	}
	return alert
}
