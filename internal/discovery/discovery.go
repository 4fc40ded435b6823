// Package discovery finds boiler exports attached to emails, downloads them
// into a staging directory and hands each download to a Processor. The
// staging directory must not be one the local scan reads; the Processor
// decides what to move into a drop directory.
package discovery

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/smukkama/pellet-ingest/internal/ledger"
	"github.com/smukkama/pellet-ingest/internal/mail"
	"github.com/smukkama/pellet-ingest/internal/metrics"
	"github.com/smukkama/pellet-ingest/internal/models"
	"github.com/smukkama/pellet-ingest/internal/window"
)

const (
	// DefaultMaxResults bounds the candidate messages of one search.
	DefaultMaxResults = 50
	// WindowPadding widens an explicit window on both ends before searching.
	WindowPadding = 2
	// sinceSlack is subtracted from the newest ledger entry when no window
	// is given.
	sinceSlack = 24 * time.Hour
)

// Error stages.
const (
	StageMessage  = "message"
	StageLedger   = "ledger"
	StageDownload = "download"
	StageSave     = "save"
	StageProcess  = "process"
)

// Criteria selects the messages to search. Window is the caller's exact
// window; the search itself is padded.
type Criteria struct {
	Senders    []string
	Subject    string
	Window     window.Window
	Mode       ledger.Mode
	MarkRead   bool
	Label      string
	MaxResults int
}

// Candidate is one CSV attachment of one message that was not filtered out
// by the ledger.
type Candidate struct {
	MessageID    string    `json:"message_id"`
	AttachmentID string    `json:"attachment_id"`
	Filename     string    `json:"filename"`
	Sender       string    `json:"sender"`
	Subject      string    `json:"subject"`
	EmailDate    time.Time `json:"email_date"`

	inline []byte
}

// Download is a candidate saved to disk.
type Download struct {
	Candidate
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	Fingerprint string `json:"fingerprint"`
}

// ItemError is a failure confined to one message or attachment.
type ItemError struct {
	MessageID string `json:"message_id"`
	Filename  string `json:"filename,omitempty"`
	Stage     string `json:"stage"`
	Err       error  `json:"-"`
}

func (e ItemError) Error() string {
	if e.Filename == "" {
		return fmt.Sprintf("%s %s: %v", e.Stage, e.MessageID, e.Err)
	}
	return fmt.Sprintf("%s %s/%s: %v", e.Stage, e.MessageID, e.Filename, e.Err)
}

func (e ItemError) Unwrap() error { return e.Err }

// Item is the final status of one candidate in a run.
type Item struct {
	MessageID string            `json:"message_id"`
	Filename  string            `json:"filename"`
	Status    models.ItemStatus `json:"status"`
	Detail    string            `json:"detail,omitempty"`
}

// Discovery is the outcome of the search step.
type Discovery struct {
	Query      string
	Messages   int
	Candidates []Candidate
	// AlreadyHandled are pairs dropped because the ledger has them.
	AlreadyHandled []Item
	Errors         []ItemError
}

// Result is the outcome of Run.
type Result struct {
	Query     string      `json:"query"`
	Messages  int         `json:"messages"`
	Downloads []Download  `json:"downloads"`
	Items     []Item      `json:"items"`
	Errors    []ItemError `json:"-"`
}

// ErrorCount is the number of failed messages or attachments.
func (r *Result) ErrorCount() int {
	if r == nil {
		return 0
	}
	return len(r.Errors)
}

// Processor consumes one download. The returned status is reported for the
// candidate; an error marks it failed.
type Processor interface {
	Process(ctx context.Context, d Download) (models.ItemStatus, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, d Download) (models.ItemStatus, error)

func (f ProcessorFunc) Process(ctx context.Context, d Download) (models.ItemStatus, error) {
	return f(ctx, d)
}

type Client struct {
	mail    mail.Service
	ledger  *ledger.Ledger
	dir     string
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func New(svc mail.Service, l *ledger.Ledger, stagingDir string, m *metrics.Metrics, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		mail:    svc,
		ledger:  l,
		dir:     stagingDir,
		metrics: m,
		logger:  logger.Named("discovery"),
	}
}

// Configured reports whether the mail capability has credentials.
func (c *Client) Configured() bool {
	return c.mail != nil && c.mail.Configured()
}

// Discover searches for candidate attachments. A returned error is fatal to
// the whole discovery step; per-message failures are in Discovery.Errors.
func (c *Client) Discover(ctx context.Context, cr Criteria) (*Discovery, error) {
	if !c.Configured() {
		return nil, mail.ErrNotConfigured
	}

	q, err := c.query(ctx, cr)
	if err != nil {
		return nil, err
	}
	limit := cr.MaxResults
	if limit <= 0 {
		limit = DefaultMaxResults
	}

	d := &Discovery{Query: mail.BuildQuery(q)}
	ids, err := c.mail.SearchMessages(ctx, d.Query, limit)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", d.Query, err)
	}
	d.Messages = len(ids)
	c.logger.Info("searched mailbox",
		zap.String("query", d.Query),
		zap.Int("messages", len(ids)),
	)

	for _, id := range ids {
		msg, err := c.mail.GetMessage(ctx, id)
		if err != nil {
			if mail.IsAuthError(err) {
				return nil, err
			}
			d.Errors = append(d.Errors, ItemError{MessageID: id, Stage: StageMessage, Err: err})
			continue
		}

		csvs := csvAttachments(msg.Attachments)
		if len(csvs) == 0 {
			c.logger.Debug("message has no csv attachment", zap.String("message_id", id))
			continue
		}

		for _, a := range csvs {
			cand := Candidate{
				MessageID:    msg.ID,
				AttachmentID: a.ID,
				Filename:     a.Filename,
				Sender:       msg.From,
				Subject:      msg.Subject,
				EmailDate:    msg.Date,
				inline:       a.Data,
			}
			if cr.Mode == ledger.ModeCreate {
				seen, err := c.ledger.Has(ctx, cand.MessageID, cand.Filename)
				if err != nil {
					d.Errors = append(d.Errors, ItemError{MessageID: id, Filename: a.Filename, Stage: StageLedger, Err: err})
					continue
				}
				if seen {
					d.AlreadyHandled = append(d.AlreadyHandled, Item{
						MessageID: cand.MessageID,
						Filename:  cand.Filename,
						Status:    models.ItemStatusSkipped,
						Detail:    "already processed",
					})
					continue
				}
			}
			d.Candidates = append(d.Candidates, cand)
		}
	}
	return d, nil
}

// query builds search bounds: the padded window when one is given, else the
// newest ledger entry minus a day of slack, else unbounded.
func (c *Client) query(ctx context.Context, cr Criteria) (mail.Query, error) {
	q := mail.Query{Senders: cr.Senders, Subject: cr.Subject}
	if !cr.Window.IsZero() {
		padded := cr.Window.Padded(WindowPadding)
		q.After, q.Before = padded.From, padded.To
		return q, nil
	}
	last, ok, err := c.ledger.LastProcessedAt(ctx)
	if err != nil {
		return mail.Query{}, err
	}
	if ok {
		q.After = window.Day(last.Add(-sinceSlack))
	}
	return q, nil
}

func csvAttachments(all []mail.Attachment) []mail.Attachment {
	var out []mail.Attachment
	for _, a := range all {
		if strings.EqualFold(filepath.Ext(a.Filename), ".csv") {
			out = append(out, a)
		}
	}
	return out
}

// Run discovers, downloads and processes candidates one at a time in search
// order. A returned error means discovery itself failed (credentials,
// search); the partial Result is still returned alongside it.
func (c *Client) Run(ctx context.Context, cr Criteria, p Processor) (*Result, error) {
	d, err := c.Discover(ctx, cr)
	if err != nil {
		c.metrics.FileFailed(metrics.SourceMail, metrics.StageDiscovery)
		return &Result{}, err
	}

	res := &Result{
		Query:    d.Query,
		Messages: d.Messages,
		Items:    append([]Item(nil), d.AlreadyHandled...),
		Errors:   append([]ItemError(nil), d.Errors...),
	}
	touched := make(map[string]bool)

	for _, cand := range d.Candidates {
		dl, err := c.download(ctx, cand)
		if err != nil {
			if mail.IsAuthError(err) {
				return res, err
			}
			c.fail(res, cand, StageDownload, err)
			continue
		}

		rec := &models.ProcessedItem{
			MessageID:   cand.MessageID,
			Filename:    cand.Filename,
			Fingerprint: dl.Fingerprint,
			Sender:      cand.Sender,
			Subject:     cand.Subject,
			EmailDate:   cand.EmailDate,
			Status:      models.ItemStatusProcessed,
		}
		if err := c.ledger.Record(ctx, rec, cr.Mode); err != nil {
			if errors.Is(err, ledger.ErrDuplicateItem) {
				res.Items = append(res.Items, Item{
					MessageID: cand.MessageID,
					Filename:  cand.Filename,
					Status:    models.ItemStatusDuplicate,
				})
				continue
			}
			c.logger.Warn("ledger write failed; continuing",
				zap.String("message_id", cand.MessageID),
				zap.String("filename", cand.Filename),
				zap.Error(err),
			)
		}

		res.Downloads = append(res.Downloads, *dl)
		touched[cand.MessageID] = true

		status, err := p.Process(ctx, *dl)
		if err != nil {
			c.fail(res, cand, StageProcess, err)
			continue
		}
		res.Items = append(res.Items, Item{MessageID: cand.MessageID, Filename: cand.Filename, Status: status})
	}

	c.postProcess(ctx, cr, d.Candidates, touched)
	return res, nil
}

func (c *Client) fail(res *Result, cand Candidate, stage string, err error) {
	c.logger.Warn("candidate failed",
		zap.String("message_id", cand.MessageID),
		zap.String("filename", cand.Filename),
		zap.String("stage", stage),
		zap.Error(err),
	)
	c.metrics.FileFailed(metrics.SourceMail, stage)
	res.Errors = append(res.Errors, ItemError{MessageID: cand.MessageID, Filename: cand.Filename, Stage: stage, Err: err})
	res.Items = append(res.Items, Item{
		MessageID: cand.MessageID,
		Filename:  cand.Filename,
		Status:    models.ItemStatusError,
		Detail:    err.Error(),
	})
}

// download fetches one attachment, fingerprints it and writes it into the
// staging directory.
func (c *Client) download(ctx context.Context, cand Candidate) (*Download, error) {
	data := cand.inline
	if data == nil {
		var err error
		data, err = c.mail.GetAttachment(ctx, cand.MessageID, cand.AttachmentID)
		if err != nil {
			return nil, err
		}
	}

	sum := blake3.Sum256(data)
	path, err := c.save(cand.Filename, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StageSave, err)
	}
	c.logger.Info("attachment saved",
		zap.String("message_id", cand.MessageID),
		zap.String("path", path),
		zap.Int("size", len(data)),
	)
	return &Download{
		Candidate:   cand,
		Path:        path,
		Size:        int64(len(data)),
		Fingerprint: hex.EncodeToString(sum[:]),
	}, nil
}

// save writes through a hidden temporary file and renames it so a watcher
// never sees a partial export.
func (c *Client) save(filename string, data []byte) (string, error) {
	name := filepath.Base(filename)
	if name == "." || name == string(filepath.Separator) {
		return "", fmt.Errorf("invalid attachment name %q", filename)
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(c.dir, "."+name+".*.part")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}

	path := filepath.Join(c.dir, name)
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return path, nil
}

// postProcess marks read and labels every message that yielded at least one
// download. Failures are logged only.
func (c *Client) postProcess(ctx context.Context, cr Criteria, cands []Candidate, touched map[string]bool) {
	mod := mail.Modification{AddLabel: cr.Label, MarkRead: cr.MarkRead}
	if mod.IsZero() {
		return
	}
	done := make(map[string]bool)
	for _, cand := range cands {
		if !touched[cand.MessageID] || done[cand.MessageID] {
			continue
		}
		done[cand.MessageID] = true
		if err := c.mail.ModifyMessage(ctx, cand.MessageID, mod); err != nil {
			c.logger.Warn("post-processing message failed",
				zap.String("message_id", cand.MessageID),
				zap.Error(err),
			)
		}
	}
}
