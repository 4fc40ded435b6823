// ingestctl runs a single ingestion cycle against the configured store and
// prints its result as JSON. It exits non-zero when the cycle needs operator
// attention.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/smukkama/pellet-ingest/internal/app"
	"github.com/smukkama/pellet-ingest/internal/logging"
	"github.com/smukkama/pellet-ingest/internal/orchestrator"
	"github.com/smukkama/pellet-ingest/internal/window"
	"github.com/smukkama/pellet-ingest/pkg/config"
)

const dateLayout = "2006-01-02"

type options struct {
	from, to      string
	senders       []string
	subject       string
	mail          bool
	noMail        bool
	files         []string
	forceDownload bool
	forceReimport bool
	status        bool
	purge         bool
}

func main() {
	if err := run(); err != nil {
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type outcomeError struct{ outcome orchestrator.Outcome }

func (e outcomeError) Error() string { return "cycle outcome " + string(e.outcome) }
func (e outcomeError) ExitCode() int { return 2 }

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("ingestctl", pflag.ContinueOnError)
	flagSet.StringVar(&opts.from, "from", "", "first day of the mail window (YYYY-MM-DD)")
	flagSet.StringVar(&opts.to, "to", "", "last day of the mail window (YYYY-MM-DD)")
	flagSet.StringSliceVar(&opts.senders, "sender", nil, "sender address to search for (repeatable)")
	flagSet.StringVar(&opts.subject, "subject", "", "subject filter for the mail search")
	flagSet.BoolVar(&opts.mail, "mail", false, "run mail discovery even if disabled in configuration")
	flagSet.BoolVar(&opts.noMail, "no-mail", false, "skip mail discovery")
	flagSet.StringSliceVar(&opts.files, "file", nil, "limit the local scan to this file (repeatable)")
	flagSet.BoolVar(&opts.forceDownload, "force-download", false, "download attachments already in the ledger")
	flagSet.BoolVar(&opts.forceReimport, "force-reimport", false, "ingest local files even if unchanged since their last import")
	flagSet.BoolVar(&opts.status, "status", false, "print status instead of running a cycle")
	flagSet.BoolVar(&opts.purge, "purge", false, "purge expired ledger entries instead of running a cycle")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if opts.mail && opts.noMail {
		return fmt.Errorf("--mail and --no-mail are mutually exclusive")
	}
	req, err := opts.cycleRequest()
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	defer a.Orchestrator.Wait()

	switch {
	case opts.status:
		return printJSON(a.Orchestrator.Status(ctx))
	case opts.purge:
		n, err := a.Orchestrator.PurgeLedger(ctx)
		if err != nil {
			return err
		}
		return printJSON(map[string]int64{"purged": n})
	}

	start := time.Now()
	res, err := a.Orchestrator.RunCycle(ctx, req)
	if err != nil {
		return err
	}
	logger.Debug("cycle complete", zap.Duration("took", time.Since(start)))
	if err := printJSON(res); err != nil {
		return err
	}
	switch res.Outcome {
	case orchestrator.OutcomeFailed, orchestrator.OutcomeDiscoveryFailed, orchestrator.OutcomeReauthRequired:
		return outcomeError{res.Outcome}
	}
	return nil
}

func (o options) cycleRequest() (orchestrator.CycleRequest, error) {
	req := orchestrator.CycleRequest{
		Trigger:       orchestrator.TriggerManual,
		Files:         o.files,
		Senders:       o.senders,
		Subject:       o.subject,
		ForceDownload: o.forceDownload,
		ForceReimport: o.forceReimport,
	}
	if o.mail || o.noMail {
		enabled := o.mail
		req.Mail = &enabled
	}
	var err error
	if req.Window, err = parseWindow(o.from, o.to); err != nil {
		return req, err
	}
	return req, nil
}

func parseWindow(from, to string) (window.Window, error) {
	var w window.Window
	var err error
	if from != "" {
		if w.From, err = time.Parse(dateLayout, from); err != nil {
			return w, fmt.Errorf("--from: expected YYYY-MM-DD, got %q", from)
		}
	}
	if to != "" {
		if w.To, err = time.Parse(dateLayout, to); err != nil {
			return w, fmt.Errorf("--to: expected YYYY-MM-DD, got %q", to)
		}
	}
	return w, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
