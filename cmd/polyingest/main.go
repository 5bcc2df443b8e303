// Polymarket ingestion CLI
// This application pages through the closed-events listing, then downloads the price
// history of every CLOB token and the large trades of the highest-volume markets into
// sharded per-target files. Every run resumes from what is already on disk.
//
// Usage:
//
//	polyingest events --config polyingest.yaml
//	polyingest prices --workers 4
//	polyingest trades --percentile 0.05
//	polyingest status
//
// For detailed help on any command, use: polyingest <command> --help
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/johnayoung/go-polymarket-ingest/internal/config"
	"github.com/johnayoung/go-polymarket-ingest/internal/enumerate"
	perrors "github.com/johnayoung/go-polymarket-ingest/internal/errors"
	"github.com/johnayoung/go-polymarket-ingest/internal/fetcher"
	"github.com/johnayoung/go-polymarket-ingest/internal/ingest"
	"github.com/johnayoung/go-polymarket-ingest/internal/logger"
	"github.com/johnayoung/go-polymarket-ingest/internal/metrics"
	"github.com/johnayoung/go-polymarket-ingest/internal/polymarket"
	"github.com/johnayoung/go-polymarket-ingest/internal/progress"
	"github.com/johnayoung/go-polymarket-ingest/internal/shard"
	"github.com/johnayoung/go-polymarket-ingest/internal/storage"
	"github.com/johnayoung/go-polymarket-ingest/internal/version"
	"github.com/johnayoung/go-polymarket-ingest/internal/walker"
)

const (
	AppName    = "polyingest"
	ConfigFile = "polyingest.yaml"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

const (
	workflowEvents = "events"
	workflowPrices = "prices"
	workflowTrades = "trades"
)

// CLI holds the components shared by every command.
type CLI struct {
	config    *config.AppConfig
	loggerMgr *logger.LoggerManager
	logger    *slog.Logger
	ledger    storage.Ledger
	metrics   *metrics.MetricsCollector
	runID     string
}

// commonFlags are accepted by every command.
type commonFlags struct {
	ConfigPath string
	EnvFile    string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(argv []string, stdout, stderr io.Writer) int {
	if len(argv) < 1 {
		printUsage(stderr)
		return ExitUsageError
	}

	command, args := argv[0], argv[1:]
	switch command {
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "%s %s\n", AppName, version.String())
		return ExitSuccess
	case "help", "--help", "-h":
		printUsage(stdout)
		return ExitSuccess
	case workflowEvents, workflowPrices, workflowTrades, "status":
	default:
		fmt.Fprintf(stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage(stderr)
		return ExitUsageError
	}

	fs, common := newFlagSet(command, stderr)
	overrides := bindOverrides(command, fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitSuccess
		}
		return ExitUsageError
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "Error: unexpected arguments: %v\n", fs.Args())
		return ExitUsageError
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cli := &CLI{runID: uuid.NewString()}
	if err := cli.initialize(ctx, command, common, overrides); err != nil {
		fmt.Fprintf(stderr, "Error: Failed to initialize CLI: %v\n", err)
		return ExitConfigError
	}
	defer cli.shutdown()

	ctx = logger.WithRunID(ctx, cli.runID)

	var err error
	switch command {
	case workflowEvents:
		err = cli.handleEvents(ctx, stdout)
	case workflowPrices:
		err = cli.handlePrices(ctx, stdout)
	case workflowTrades:
		err = cli.handleTrades(ctx, stdout)
	case "status":
		err = cli.handleStatus(ctx, stdout)
	}
	if err == nil {
		return ExitSuccess
	}

	cli.logger.Error("command failed", "command", command, "error", err)
	switch perrors.GetErrorType(err) {
	case perrors.ErrorTypeCanceled:
		return ExitInterrupt
	case perrors.ErrorTypeConfiguration:
		return ExitConfigError
	case perrors.ErrorTypeFetchFatal, perrors.ErrorTypeRateLimit, perrors.ErrorTypeTimeout:
		return ExitConnectionErr
	default:
		return ExitDataError
	}
}

func newFlagSet(command string, output io.Writer) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(AppName+" "+command, flag.ContinueOnError)
	fs.SetOutput(output)
	common := &commonFlags{}
	fs.StringVar(&common.ConfigPath, "config", ConfigFile, "configuration file (JSON or YAML)")
	fs.StringVar(&common.EnvFile, "env-file", ".env", "dotenv file loaded before POLYINGEST_* overrides")
	fs.Usage = func() { printCommandHelp(output, command, fs) }
	return fs, common
}

// overrides are command line values applied on top of the loaded configuration.
type overrides struct {
	OutputDir  string
	EventsDir  string
	Workers    int
	PageSize   int
	Percentile float64
}

func bindOverrides(command string, fs *flag.FlagSet) *overrides {
	o := &overrides{}
	fs.StringVar(&o.OutputDir, "dir", "", "output directory (overrides config)")
	switch command {
	case workflowEvents:
		fs.IntVar(&o.PageSize, "page-size", 0, "events per page (overrides config)")
	case workflowPrices:
		fs.StringVar(&o.EventsDir, "events-dir", "", "directory of events_*.json files")
		fs.IntVar(&o.Workers, "workers", 0, "targets fetched in parallel")
	case workflowTrades:
		fs.StringVar(&o.EventsDir, "events-dir", "", "directory of events_*.json files")
		fs.IntVar(&o.Workers, "workers", 0, "targets fetched in parallel")
		fs.IntVar(&o.PageSize, "page-size", 0, "trades per page (overrides config)")
		fs.Float64Var(&o.Percentile, "percentile", 0, "share of markets kept by volume, in (0, 1]")
	}
	return o
}

func (o *overrides) apply(command string, cfg *config.AppConfig) {
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, v int) {
		if v > 0 {
			*dst = v
		}
	}
	switch command {
	case workflowEvents:
		setString(&cfg.Events.OutputDir, o.OutputDir)
		setInt(&cfg.Events.PageSize, o.PageSize)
	case workflowPrices:
		setString(&cfg.Prices.OutputDir, o.OutputDir)
		setString(&cfg.Prices.EventsDir, o.EventsDir)
		setInt(&cfg.Prices.Workers, o.Workers)
	case workflowTrades:
		setString(&cfg.Trades.OutputDir, o.OutputDir)
		setString(&cfg.Trades.EventsDir, o.EventsDir)
		setInt(&cfg.Trades.Workers, o.Workers)
		setInt(&cfg.Trades.PageSize, o.PageSize)
		if o.Percentile > 0 {
			cfg.Trades.Percentile = o.Percentile
		}
	}
}

// initialize sets up the CLI application components
func (cli *CLI) initialize(ctx context.Context, command string, common *commonFlags, o *overrides) error {
	cfg, err := config.NewConfigManager(common.ConfigPath, nil).
		WithEnvFile(common.EnvFile).
		LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if o != nil {
		o.apply(command, cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid command line options: %w", err)
		}
	}
	cli.config = cfg

	loggerMgr, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	cli.loggerMgr = loggerMgr
	cli.logger = loggerMgr.GetComponentLogger("cli").With("run_id", cli.runID)

	ledger, err := storage.NewLedger(cfg.Ledger, loggerMgr.GetComponentLogger("ledger"))
	if err != nil {
		return fmt.Errorf("failed to initialize ledger: %w", err)
	}
	if err := ledger.Initialize(ctx); err != nil {
		ledger.Close()
		return fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	cli.ledger = ledger

	cli.metrics = metrics.NewMetricsCollector(cfg.Metrics, loggerMgr)
	cli.metrics.RegisterHealthChecker(ledger)
	if err := cli.metrics.Start(ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	cli.logger.Debug("CLI initialized",
		"version", version.Version,
		"ledger", cfg.Ledger.Type,
		"metrics", cfg.Metrics.Enabled)
	return nil
}

func (cli *CLI) shutdown() {
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cli.metrics != nil {
		if err := cli.metrics.Stop(stopCtx); err != nil {
			cli.logger.Warn("failed to stop metrics server", "error", err)
		}
	}
	if cli.ledger != nil {
		if err := cli.ledger.Close(); err != nil {
			cli.logger.Warn("failed to close ledger", "error", err)
		}
	}
	if cli.loggerMgr != nil {
		cli.loggerMgr.Close()
	}
}

func (cli *CLI) newDriver(workers int, rateLimit float64) *ingest.Driver {
	client := fetcher.New(
		fetcher.OptionsFromConfig(cli.config.Backoff, rateLimit),
		cli.loggerMgr.GetComponentLogger("fetcher"),
	).WithRecorder(cli.metrics)

	return ingest.NewDriver(client, ingest.Options{
		RunID:         cli.runID,
		Workers:       workers,
		TargetTimeout: cli.config.Backoff.Target(),
		ProgressEvery: walker.DefaultProgressEvery,
	}, cli.loggerMgr.GetComponentLogger("ingest")).
		WithLedger(cli.ledger).
		WithObserver(cli.metrics)
}

// ensureOutputRoot creates a workflow's base output directory. Failing here is the
// only fatal condition of a run.
func ensureOutputRoot(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return perrors.Config("create output root", fmt.Errorf("%s: %w", dir, err))
	}
	return nil
}

func (cli *CLI) handleEvents(ctx context.Context, out io.Writer) error {
	cfg := cli.config.Events
	if err := ensureOutputRoot(cfg.OutputDir); err != nil {
		return err
	}

	listing := progress.NewListing(cfg.OutputDir, enumerate.EventsPrefix, enumerate.EventsExt)
	next, existing, err := listing.NextIndex()
	if err != nil {
		return perrors.IO("scan events", cfg.OutputDir, err)
	}
	window := enumerate.ListingWindow(next, cfg.PageSize)

	cli.logger.Info("collecting closed events",
		"dir", cfg.OutputDir,
		"existing_files", existing,
		"start_index", window.Index,
		"start_offset", window.Offset)

	sum, err := cli.newDriver(1, 0).RunListing(ctx, ingest.ListingJob{
		Workflow:    workflowEvents,
		Path:        listing.Path,
		StartIndex:  window.Index,
		StartOffset: window.Offset,
		PageSize:    window.Limit,
		Request: func(offset, limit int) (string, error) {
			return polymarket.EventsURL(cfg.BaseURL, polymarket.EventsQuery{
				Closed: cfg.Closed,
				Limit:  limit,
				Offset: offset,
			})
		},
	})

	fmt.Fprintf(out, "events: %d new pages, %d events, next index %d (%s)\n",
		sum.Pages, sum.Records, sum.NextIndex, sum.Outcome)
	return err
}

func (cli *CLI) handlePrices(ctx context.Context, out io.Writer) error {
	cfg := cli.config.Prices
	if err := ensureOutputRoot(cfg.OutputDir); err != nil {
		return err
	}

	log := cli.loggerMgr.GetComponentLogger("enumerate")
	targets, err := enumerate.New(log).TokenTargets(cfg.EventsDir, cfg.StartBufferDuration(), time.Now())
	if err != nil {
		return err
	}

	router := shard.New(cfg.OutputDir, workflowPrices, ".json", 10)
	router.Mod = cfg.ShardMod
	store := progress.NewStore(router, cli.loggerMgr.GetComponentLogger("progress"))
	defer store.Close()

	var done progress.Set
	err = logger.TimedOperation(cli.logger, "scan prices progress", func() error {
		var scanErr error
		done, scanErr = store.Scan()
		return scanErr
	})
	if err != nil {
		return perrors.IO("scan progress", cfg.OutputDir, err)
	}
	cli.logger.Info("price targets enumerated",
		"tokens", len(targets),
		"done", done.Len(),
		"resume_index", enumerate.ResumeIndex(targets, done))

	sum, err := cli.newDriver(cfg.Workers, cfg.RateLimit).Run(ctx, ingest.Job{
		Workflow: workflowPrices,
		Router:   router,
		Store:    store,
		Done:     done,
		Request: func(t ingest.Target) walker.RequestFunc {
			return func(offset, limit int) (string, error) {
				return polymarket.PriceHistoryURL(cfg.BaseURL, polymarket.PriceHistoryQuery{
					TokenID:  t.ID,
					Fidelity: cfg.Fidelity,
					StartTS:  t.StartTS,
				})
			}
		},
		Decode:  polymarket.HistoryRecords,
		NewSink: func(path string) walker.Sink { return &walker.JSONFileSink{Path: path} },
	}, targets)

	printSummary(out, sum)
	return err
}

func (cli *CLI) handleTrades(ctx context.Context, out io.Writer) error {
	cfg := cli.config.Trades
	if err := ensureOutputRoot(cfg.OutputDir); err != nil {
		return err
	}

	log := cli.loggerMgr.GetComponentLogger("enumerate")
	all, err := enumerate.New(log).ConditionTargets(cfg.EventsDir)
	if err != nil {
		return err
	}
	targets := enumerate.TopByVolume(all, cfg.Percentile)
	cli.logger.Info("trade targets selected",
		"markets", len(all),
		"selected", len(targets),
		"percentile", cfg.Percentile,
		"selected_volume", enumerate.TotalWeight(targets).StringFixed(2),
		"total_volume", enumerate.TotalWeight(all).StringFixed(2))

	router := shard.New(cfg.OutputDir, workflowTrades, ".json.gz", 16)
	router.Mod = cfg.ShardMod
	router.Accept = []string{".json.gz", ".json"}
	store := progress.NewStore(router, cli.loggerMgr.GetComponentLogger("progress"))
	defer store.Close()

	sum, err := cli.newDriver(cfg.Workers, cfg.RateLimit).Run(ctx, ingest.Job{
		Workflow: workflowTrades,
		Router:   router,
		Store:    store,
		PageSize: cfg.PageSize,
		Request: func(t ingest.Target) walker.RequestFunc {
			return func(offset, limit int) (string, error) {
				return polymarket.TradesURL(cfg.BaseURL, polymarket.TradesQuery{
					ConditionID:  t.ID,
					Limit:        limit,
					Offset:       offset,
					TakerOnly:    cfg.TakerOnly,
					FilterType:   cfg.FilterType,
					FilterAmount: cfg.FilterAmount,
				})
			}
		},
		Decode:  polymarket.ArrayRecords,
		NewSink: func(path string) walker.Sink { return &walker.GzipArraySink{Path: path} },
	}, targets)

	printSummary(out, sum)
	return err
}

func (cli *CLI) handleStatus(ctx context.Context, out io.Writer) error {
	cfg := cli.config

	listing := progress.NewListing(cfg.Events.OutputDir, enumerate.EventsPrefix, enumerate.EventsExt)
	next, existing, err := listing.NextIndex()
	if err != nil {
		return perrors.IO("scan events", cfg.Events.OutputDir, err)
	}
	fmt.Fprintf(out, "%-7s %6d files, next index %d (%s)\n", workflowEvents, existing, next, cfg.Events.OutputDir)

	prices := shard.New(cfg.Prices.OutputDir, workflowPrices, ".json", 10)
	prices.Mod = cfg.Prices.ShardMod
	trades := shard.New(cfg.Trades.OutputDir, workflowTrades, ".json.gz", 16)
	trades.Mod = cfg.Trades.ShardMod
	trades.Accept = []string{".json.gz", ".json"}

	for _, r := range []*shard.Router{prices, trades} {
		done, err := progress.NewStore(r, cli.logger).Scan()
		if err != nil {
			return perrors.IO("scan progress", r.Root, err)
		}
		fmt.Fprintf(out, "%-7s %6d targets done (%s)\n", r.Prefix, done.Len(), r.Root)
	}

	fmt.Fprintln(out)
	for _, workflow := range []string{workflowEvents, workflowPrices, workflowTrades} {
		last, err := cli.ledger.LastRun(ctx, workflow)
		if errors.Is(err, storage.ErrRunNotFound) {
			fmt.Fprintf(out, "%-7s no recorded runs\n", workflow)
			continue
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%-7s last run %s %s at %s: stored %d, no data %d, failed %d, skipped %d, records %d\n",
			workflow, last.ID, last.Status, last.StartedAt.Format(time.RFC3339),
			last.Stored, last.NoData, last.Failed, last.Skipped, last.Records)

		failed, err := storage.FailedTargets(ctx, cli.ledger, last.ID)
		if err != nil {
			return err
		}
		printFailed(out, failed)
	}

	if reporter, ok := cli.ledger.(storage.SchemaReporter); ok {
		status, err := reporter.MigrationStatus(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\nledger schema version %d of %d (%d applied, %d pending)\n",
			status.CurrentVersion, status.LatestVersion, len(status.AppliedMigrations), status.PendingMigrations)
	}
	return nil
}

// maxFailedListed bounds the failed targets printed per workflow by status.
const maxFailedListed = 20

func printFailed(out io.Writer, failed []storage.TargetOutcome) {
	if len(failed) == 0 {
		return
	}
	fmt.Fprintf(out, "        %d failed targets will be retried:\n", len(failed))
	for i, o := range failed {
		if i == maxFailedListed {
			fmt.Fprintf(out, "          ... and %d more\n", len(failed)-maxFailedListed)
			break
		}
		fmt.Fprintf(out, "          %s [%s] %s\n", o.TargetID, o.ErrorType, o.Error)
	}
}

func printSummary(out io.Writer, sum ingest.Summary) {
	fmt.Fprintf(out, "%s: %d targets, %d already done, %d stored, %d no data, %d failed, %d records in %s\n",
		sum.Workflow, sum.Total, sum.Skipped, sum.Stored, sum.NoData, sum.Failed, sum.Records,
		sum.Duration.Round(time.Second))
	if sum.Failed > 0 {
		fmt.Fprintf(out, "%d failed targets will be retried on the next run\n", sum.Failed)
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintf(out, `%s - Polymarket ingestion CLI %s

USAGE:
    %s <command> [options]

COMMANDS:
    events      Page through closed events into numbered listing files
    prices      Download the price history of every CLOB token found in the events
    trades      Download large trades of the highest-volume markets
    status      Show progress on disk and the last recorded run per workflow
    version     Show version information

EXAMPLES:
    # Resume the events listing after the last file on disk
    %s events --dir data/events

    # Fetch price histories with four workers
    %s prices --events-dir data/events --dir data/prices --workers 4

    # Fetch trades for the top 5%% of markets by volume
    %s trades --percentile 0.05

CONFIGURATION:
    Configuration can be provided via:
    - Config file: %s (JSON or YAML, --config)
    - .env file and environment variables: POLYINGEST_* (e.g., POLYINGEST_PRICES_DIR)

For detailed help on any command, use: %s <command> --help
`, AppName, version.Version, AppName, AppName, AppName, AppName, ConfigFile, AppName)
}

func printCommandHelp(out io.Writer, command string, fs *flag.FlagSet) {
	fmt.Fprintf(out, "USAGE:\n    %s %s [options]\n\nOPTIONS:\n", AppName, command)
	fs.PrintDefaults()
}
