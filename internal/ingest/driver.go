// Package ingest drives a workflow end to end: subtract the on-disk done-set from the
// enumerated targets, walk each remaining target, persist what it returns and record
// the outcome. A failing target never stops the run; it stays undone on disk and is
// picked up again by the next run.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	perrors "github.com/johnayoung/go-polymarket-ingest/internal/errors"
	"github.com/johnayoung/go-polymarket-ingest/internal/fetcher"
	"github.com/johnayoung/go-polymarket-ingest/internal/logger"
	"github.com/johnayoung/go-polymarket-ingest/internal/progress"
	"github.com/johnayoung/go-polymarket-ingest/internal/shard"
	"github.com/johnayoung/go-polymarket-ingest/internal/storage"
	"github.com/johnayoung/go-polymarket-ingest/internal/walker"
)

// Outcome of one target within a run.
type Outcome string

const (
	OutcomeStored  Outcome = "stored"
	OutcomeNoData  Outcome = "no_data"
	OutcomeFailed  Outcome = storage.OutcomeFailed
	OutcomeSkipped Outcome = "skipped"
)

// Observer receives per-target observations, typically for metrics.
type Observer interface {
	ObserveTarget(workflow, outcome string, records int, elapsed time.Duration)
	SetPending(workflow string, n int)
}

type nopObserver struct{}

func (nopObserver) ObserveTarget(string, string, int, time.Duration) {}
func (nopObserver) SetPending(string, int)                         {}

// Job describes how one per-target workflow fetches and stores a target.
type Job struct {
	Workflow string
	Router   *shard.Router
	Store    *progress.Store
	// PageSize is the page limit, or zero for single-document targets.
	PageSize int
	Request  func(t Target) walker.RequestFunc
	// Decode splits a response into records. Nil expects a JSON array.
	Decode  walker.DecodeFunc
	NewSink func(path string) walker.Sink
	// Done is the done-set computed at startup. Nil makes Run scan Store itself.
	Done progress.Set
}

// Options tunes a Driver.
type Options struct {
	RunID   string
	Workers int
	// TargetTimeout bounds the wall-clock time of one target. Zero means no bound.
	TargetTimeout time.Duration
	ProgressEvery int
}

// Summary counts the outcomes of one run.
type Summary struct {
	RunID    string
	Workflow string
	Total    int
	Skipped  int
	Stored   int
	NoData   int
	Failed   int
	Records  int64
	Duration time.Duration
}

// Processed is the number of targets attempted in this run.
func (s Summary) Processed() int { return s.Stored + s.NoData + s.Failed }

func (s *Summary) add(o Outcome, records int) {
	switch o {
	case OutcomeStored:
		s.Stored++
		s.Records += int64(records)
	case OutcomeNoData:
		s.NoData++
	case OutcomeFailed:
		s.Failed++
	case OutcomeSkipped:
		s.Skipped++
	}
}

// Driver runs jobs against one fetcher client.
type Driver struct {
	client   *fetcher.Client
	opts     Options
	ledger   storage.Ledger
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// NewDriver creates a Driver. A nil ledger keeps no run history.
func NewDriver(client *fetcher.Client, opts Options, log *slog.Logger) *Driver {
	if log == nil {
		log = slog.Default()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.ProgressEvery == 0 {
		opts.ProgressEvery = walker.DefaultProgressEvery
	}
	return &Driver{
		client:   client,
		opts:     opts,
		observer: nopObserver{},
		logger:   log,
		now:      time.Now,
	}
}

// WithLedger attaches a run ledger.
func (d *Driver) WithLedger(l storage.Ledger) *Driver {
	d.ledger = l
	return d
}

// WithObserver attaches an observation sink.
func (d *Driver) WithObserver(o Observer) *Driver {
	if o == nil {
		o = nopObserver{}
	}
	d.observer = o
	return d
}

// Run processes every target of job not already done on disk. It returns an error only
// when the done-set cannot be read or ctx ends before all targets were attempted.
func (d *Driver) Run(ctx context.Context, job Job, targets []Target) (Summary, error) {
	start := d.now()
	sum := Summary{RunID: d.opts.RunID, Workflow: job.Workflow, Total: len(targets)}
	ctx = logger.WithWorkflow(logger.WithRunID(ctx, d.opts.RunID), job.Workflow)
	log := logger.FromContext(ctx, d.logger)

	done := job.Done
	if done == nil {
		var err error
		if done, err = job.Store.Scan(); err != nil {
			return sum, perrors.IO("scan progress", job.Workflow, err)
		}
	}

	remaining := make([]Target, 0, len(targets))
	for _, t := range targets {
		if done.Has(t.ID) {
			sum.add(OutcomeSkipped, 0)
			continue
		}
		remaining = append(remaining, t)
	}

	log.Info("starting run",
		"targets", len(targets),
		"already_done", done.Len(),
		"skipped", sum.Skipped,
		"remaining", len(remaining),
		"workers", d.opts.Workers)

	d.startRun(ctx, sum, start)
	d.observer.SetPending(job.Workflow, len(remaining))

	var mu sync.Mutex
	pending := len(remaining)

	g := new(errgroup.Group)
	g.SetLimit(d.opts.Workers)

	launched := 0
	for i, t := range remaining {
		if ctx.Err() != nil {
			break
		}
		launched++
		g.Go(func() error {
			outcome, records := d.process(ctx, job, t, i, len(remaining))
			mu.Lock()
			sum.add(outcome, records)
			pending--
			d.observer.SetPending(job.Workflow, pending)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sum.Duration = d.now().Sub(start)
	runErr := ctx.Err()
	if launched < len(remaining) && runErr == nil {
		runErr = context.Canceled
	}
	d.finishRun(ctx, sum, runErr)

	log.Info("run finished",
		"stored", sum.Stored,
		"no_data", sum.NoData,
		"failed", sum.Failed,
		"skipped", sum.Skipped,
		"records", sum.Records,
		"duration", sum.Duration)

	if runErr != nil {
		return sum, perrors.New(perrors.ErrorTypeCanceled, "run", job.Workflow, runErr)
	}
	return sum, nil
}

// process walks one target and classifies the result.
func (d *Driver) process(ctx context.Context, job Job, t Target, i, n int) (Outcome, int) {
	start := d.now()
	ctx = logger.WithTarget(ctx, t.ID)
	log := logger.FromContext(ctx, d.logger).With("position", i+1, "of", n)

	parent := ctx
	if d.opts.TargetTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.TargetTimeout)
		defer cancel()
	}

	res := walker.Result{State: walker.StateError}
	path, err := job.Router.Location(t.ID)
	if err != nil {
		err = perrors.New(perrors.ErrorTypeConfiguration, "route target", t.ID, err)
	} else {
		opts := []walker.Option{
			walker.WithLogger(log),
			walker.WithProgressEvery(d.opts.ProgressEvery),
		}
		if job.Decode != nil {
			opts = append(opts, walker.WithDecoder(job.Decode))
		}

		log.Debug("processing target", "path", path)
		res, err = walker.Walk(ctx, d.client.NewSession(t.ID), job.Request(t), job.PageSize, job.NewSink(path), opts...)
	}
	if err != nil && parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = perrors.New(perrors.ErrorTypeTimeout, "process target", t.ID,
			fmt.Errorf("exceeded %s: %w", d.opts.TargetTimeout, err))
	}

	outcome := OutcomeFailed
	switch res.State {
	case walker.StateExhausted:
		outcome = OutcomeStored
		log.Info("stored target", "records", res.Records, "pages", res.Pages, "path", path)
	case walker.StateEmpty:
		if markErr := job.Store.MarkNoData(t.ID); markErr != nil {
			err = perrors.IO("mark no data", t.ID, markErr)
			log.Error("failed to record empty target", "error", err)
			break
		}
		outcome = OutcomeNoData
		log.Info("no data for target")
	default:
		if perrors.GetErrorType(err) != perrors.ErrorTypeTimeout && isCanceled(err) {
			log.Warn("target interrupted", "records_before_interrupt", res.Records)
			break
		}
		log.Error("target failed",
			"error", err,
			"error_type", perrors.GetErrorType(err),
			"records_before_failure", res.Records)
	}

	elapsed := d.now().Sub(start)
	d.observer.ObserveTarget(job.Workflow, string(outcome), res.Records, elapsed)
	d.recordOutcome(ctx, storage.TargetOutcome{
		RunID:     d.opts.RunID,
		Workflow:  job.Workflow,
		TargetID:  t.ID,
		Outcome:   string(outcome),
		ErrorType: errorType(err),
		Error:     errorText(err),
		Pages:     res.Pages,
		Records:   res.Records,
		Duration:  elapsed,
	})
	return outcome, res.Records
}

func (d *Driver) startRun(ctx context.Context, sum Summary, start time.Time) {
	if d.ledger == nil {
		return
	}
	err := d.ledger.StartRun(context.WithoutCancel(ctx), storage.Run{
		ID:        sum.RunID,
		Workflow:  sum.Workflow,
		StartedAt: start,
		Total:     sum.Total,
		Skipped:   sum.Skipped,
	})
	if err != nil {
		d.logger.Warn("failed to record run start", "error", err)
	}
}

func (d *Driver) finishRun(ctx context.Context, sum Summary, runErr error) {
	if d.ledger == nil {
		return
	}
	status := storage.RunStatusCompleted
	if runErr != nil {
		status = storage.RunStatusCanceled
	}
	err := d.ledger.FinishRun(context.WithoutCancel(ctx), storage.Run{
		ID:         sum.RunID,
		Workflow:   sum.Workflow,
		Status:     status,
		FinishedAt: d.now(),
		Total:      sum.Total,
		Skipped:    sum.Skipped,
		Stored:     sum.Stored,
		NoData:     sum.NoData,
		Failed:     sum.Failed,
		Records:    sum.Records,
	})
	if err != nil {
		d.logger.Warn("failed to record run finish", "error", err)
	}
}

func (d *Driver) recordOutcome(ctx context.Context, o storage.TargetOutcome) {
	if d.ledger == nil {
		return
	}
	if err := d.ledger.RecordOutcome(context.WithoutCancel(ctx), o); err != nil {
		d.logger.Warn("failed to record target outcome", "target", o.TargetID, "error", err)
	}
}

func errorType(err error) string {
	if err == nil {
		return ""
	}
	return string(perrors.GetErrorType(err))
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// isCanceled reports whether err came from the run ending rather than the target.
func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || perrors.GetErrorType(err) == perrors.ErrorTypeCanceled
}
