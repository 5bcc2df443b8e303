package ingest

import (
	"context"
	"time"

	perrors "github.com/johnayoung/go-polymarket-ingest/internal/errors"
	"github.com/johnayoung/go-polymarket-ingest/internal/logger"
	"github.com/johnayoung/go-polymarket-ingest/internal/storage"
	"github.com/johnayoung/go-polymarket-ingest/internal/walker"
)

// ListingJob pages through an unkeyed listing, one numbered file per page. StartIndex
// and StartOffset are the resume state computed from existing files before the run.
type ListingJob struct {
	Workflow    string
	Path        func(index int) string
	StartIndex  int
	StartOffset int
	PageSize    int
	Request     walker.RequestFunc
}

// ListingSummary reports what one listing run wrote.
type ListingSummary struct {
	RunID     string
	Workflow  string
	Pages     int
	Records   int
	NextIndex int
	Files     []string
	Outcome   Outcome
	Duration  time.Duration
}

// RunListing walks the listing from its resume point until a short or empty page. A
// request error stops the listing; pages written before it are kept and the next run
// resumes after them.
func (d *Driver) RunListing(ctx context.Context, job ListingJob) (ListingSummary, error) {
	start := d.now()
	ctx = logger.WithWorkflow(logger.WithRunID(ctx, d.opts.RunID), job.Workflow)
	log := logger.FromContext(ctx, d.logger)

	sum := ListingSummary{RunID: d.opts.RunID, Workflow: job.Workflow, NextIndex: job.StartIndex}
	d.startRun(ctx, Summary{RunID: d.opts.RunID, Workflow: job.Workflow}, start)

	log.Info("starting listing",
		"start_index", job.StartIndex,
		"start_offset", job.StartOffset,
		"page_size", job.PageSize)

	sink := &walker.PageFileSink{Path: job.Path, Start: job.StartIndex}
	res, err := walker.Walk(ctx, d.client.NewSession(job.Workflow), job.Request, job.PageSize, sink,
		walker.WithStartOffset(job.StartOffset),
		walker.WithProgressEvery(d.opts.ProgressEvery),
		walker.WithLogger(log))

	sum.Files = sink.Written
	sum.Pages = len(sink.Written)
	sum.NextIndex = job.StartIndex + sum.Pages
	sum.Records = res.Records
	sum.Duration = d.now().Sub(start)

	switch res.State {
	case walker.StateExhausted:
		sum.Outcome = OutcomeStored
	case walker.StateEmpty:
		sum.Outcome = OutcomeNoData
	default:
		sum.Outcome = OutcomeFailed
	}

	d.observer.ObserveTarget(job.Workflow, string(sum.Outcome), sum.Records, sum.Duration)
	d.recordOutcome(ctx, storage.TargetOutcome{
		RunID:     d.opts.RunID,
		Workflow:  job.Workflow,
		TargetID:  job.Workflow,
		Outcome:   string(sum.Outcome),
		ErrorType: errorType(err),
		Error:     errorText(err),
		Pages:     sum.Pages,
		Records:   sum.Records,
		Duration:  sum.Duration,
	})

	run := Summary{RunID: d.opts.RunID, Workflow: job.Workflow, Total: 1, Records: int64(sum.Records)}
	run.add(sum.Outcome, 0)
	runErr := ctx.Err()
	d.finishRun(ctx, run, runErr)

	if err != nil {
		log.Error("listing stopped",
			"error", err,
			"error_type", perrors.GetErrorType(err),
			"pages_written", sum.Pages,
			"resume_index", sum.NextIndex)
		if runErr != nil {
			return sum, perrors.New(perrors.ErrorTypeCanceled, "listing", job.Workflow, runErr)
		}
		return sum, nil
	}

	log.Info("listing finished",
		"pages", sum.Pages,
		"records", sum.Records,
		"next_index", sum.NextIndex,
		"duration", sum.Duration)
	return sum, nil
}
