package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bobmcallan/tidemark/internal/app"
	"github.com/bobmcallan/tidemark/internal/common"
	"github.com/bobmcallan/tidemark/internal/interfaces"
	"github.com/bobmcallan/tidemark/internal/server"
)

// Exit codes: 0 = success, 1 = completed with failures, 2 = crash or bad usage.
const (
	exitOK       = 0
	exitFailures = 1
	exitCrash    = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitCrash
	}

	switch args[0] {
	case "sync":
		return cmdSync(args[1:])
	case "worker":
		return cmdWorker(args[1:])
	case "catalog":
		return cmdCatalog(args[1:])
	case "status":
		return cmdStatus(args[1:])
	case "purge":
		return cmdPurge(args[1:])
	case "cancel":
		return cmdCancel(args[1:])
	case "version":
		fmt.Println(common.GetFullVersion())
		return exitOK
	case "-h", "--help", "help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		usage()
		return exitCrash
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `tidemark - incremental market-data ingestion

Usage: tidemark <command> [flags]

Commands:
  sync      plan and dispatch a sync run
  worker    run the worker pool and supervisor until interrupted
  catalog   refresh the symbol index from the upstream exchange list
  status    show batch and queue health
  purge     remove finished units and batches past retention
  cancel    cancel a running batch
  version   print version information
`)
}

// syncFlags are the CLI overrides for one sync run.
type syncFlags struct {
	config     string
	entities   string
	series     string
	resolution string
	mode       string
	wait       bool
	from       string
	to         string

	batchSize      int
	windowDays     int
	redundancyDays int
	sleepSeconds   int
	workers        int
}

func cmdSync(args []string) int {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	var f syncFlags
	fs.StringVar(&f.config, "config", "", "config file path")
	fs.StringVar(&f.entities, "entity", "", "comma-separated entity filter (default: all active)")
	fs.StringVar(&f.series, "series", "eod", "comma-separated series kinds (eod,intraday,fundamentals,news,overview)")
	fs.StringVar(&f.resolution, "resolution", "", "series resolution (default per series)")
	fs.StringVar(&f.mode, "mode", interfaces.ModeQueued, "dispatch mode: queued or sync")
	fs.BoolVar(&f.wait, "wait", true, "in queued mode, wait for all batches to finish")
	fs.StringVar(&f.from, "from", "", "explicit range start (2006-01-02), requires -to")
	fs.StringVar(&f.to, "to", "", "explicit range end (2006-01-02), requires -from")
	fs.IntVar(&f.batchSize, "batch-size", 0, "override work units per batch")
	fs.IntVar(&f.windowDays, "window-days", 0, "override maximum fetch window span")
	fs.IntVar(&f.redundancyDays, "redundancy-days", -1, "override re-fetch overlap behind the watermark")
	fs.IntVar(&f.sleepSeconds, "sleep", -1, "override pacing delay between batches, seconds")
	fs.IntVar(&f.workers, "workers", 0, "override worker pool size")
	fs.Parse(args)

	opts := app.SyncOptions{
		Resolution: f.resolution,
		Mode:       f.mode,
		Wait:       f.wait,
	}
	if f.entities != "" {
		opts.Entities = splitList(f.entities)
	}
	if f.series != "" {
		opts.Series = splitList(f.series)
	}

	if (f.from == "") != (f.to == "") {
		fmt.Fprintln(os.Stderr, "-from and -to must be given together")
		return exitCrash
	}
	if f.from != "" {
		var err error
		if opts.From, err = time.Parse("2006-01-02", f.from); err != nil {
			fmt.Fprintf(os.Stderr, "invalid -from date: %v\n", err)
			return exitCrash
		}
		if opts.To, err = time.Parse("2006-01-02", f.to); err != nil {
			fmt.Fprintf(os.Stderr, "invalid -to date: %v\n", err)
			return exitCrash
		}
	}

	a, err := app.NewApp(f.config, overridesFromFlags(f))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize: %v\n", err)
		return exitCrash
	}
	defer a.Close()

	common.PrintBanner(a.Config, a.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Queued-mode runs drain through an in-process pool
	if opts.Mode == interfaces.ModeQueued {
		a.StartWorkers()
	}

	summary, err := a.RunSync(ctx, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sync failed: %v\n", err)
		return exitCrash
	}

	fmt.Println(summary.String())
	if summary.AnyFailure() {
		return exitFailures
	}
	return exitOK
}

// overridesFromFlags maps non-default flag values onto the loaded config.
func overridesFromFlags(f syncFlags) app.Option {
	return func(cfg *common.Config) {
		if f.batchSize > 0 {
			cfg.Sync.BatchSize = f.batchSize
		}
		if f.windowDays > 0 {
			cfg.Sync.WindowDays = f.windowDays
		}
		if f.redundancyDays >= 0 {
			cfg.Sync.RedundancyDays = f.redundancyDays
		}
		if f.sleepSeconds >= 0 {
			cfg.Sync.SleepSeconds = f.sleepSeconds
		}
		if f.workers > 0 {
			cfg.Workers.MaxConcurrent = f.workers
		}
	}
}

func cmdWorker(args []string) int {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	workers := fs.Int("workers", 0, "override worker pool size")
	fs.Parse(args)

	a, err := app.NewApp(*configPath, func(cfg *common.Config) {
		if *workers > 0 {
			cfg.Workers.MaxConcurrent = *workers
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize: %v\n", err)
		return exitCrash
	}
	defer a.Close()

	common.PrintBanner(a.Config, a.Logger)
	a.StartWorkers()

	var srv *server.Server
	if a.Config.Workers.EventsAddress != "" {
		srv = server.NewServer(a)
		go func() {
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				a.Logger.Error().Err(err).Msg("Event server failed")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	a.Logger.Info().Msg("Shutdown signal received")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		srv.Shutdown(shutdownCtx)
		cancel()
	}
	common.PrintShutdownBanner(a.Logger)
	return exitOK
}

func cmdCatalog(args []string) int {
	fs := flag.NewFlagSet("catalog", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	exchange := fs.String("exchange", "", "exchange code to refresh (required)")
	fs.Parse(args)

	if *exchange == "" {
		fmt.Fprintln(os.Stderr, "-exchange is required")
		return exitCrash
	}

	a, err := app.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize: %v\n", err)
		return exitCrash
	}
	defer a.Close()

	count, err := a.CollectCatalog(context.Background(), *exchange)
	if err != nil {
		fmt.Fprintf(os.Stderr, "catalog refresh failed: %v\n", err)
		return exitCrash
	}
	fmt.Printf("catalog refreshed: %d entities\n", count)
	return exitOK
}

func cmdStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	limit := fs.Int("limit", 20, "batches to list")
	failedOnly := fs.Bool("failed", false, "list only batches with failures")
	fs.Parse(args)

	a, err := app.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize: %v\n", err)
		return exitCrash
	}
	defer a.Close()
	ctx := context.Background()

	sample := a.Supervisor.Evaluate(ctx)
	fmt.Printf("queue: state=%s backlog=%d failed_units=%d active_batches=%d\n",
		sample.State, sample.Backlog, sample.FailedUnits, sample.ActiveBatches)

	batches, err := a.Monitor.List(ctx, interfaces.BatchListOptions{Limit: *limit, FailedOnly: *failedOnly})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list batches: %v\n", err)
		return exitCrash
	}
	for _, b := range batches {
		fmt.Printf("%-10s %-30s %-16s total=%-5d pending=%-5d processed=%-5d failed=%d\n",
			b.ID, b.Name, b.Status, b.Total, b.Pending, b.Processed, b.Failed)
	}
	return exitOK
}

func cmdPurge(args []string) int {
	fs := flag.NewFlagSet("purge", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	fs.Parse(args)

	a, err := app.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize: %v\n", err)
		return exitCrash
	}
	defer a.Close()

	units, batches, err := a.Purge(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "purge failed: %v\n", err)
		return exitCrash
	}
	fmt.Printf("purged %d units, %d batches\n", units, batches)
	return exitOK
}

func cmdCancel(args []string) int {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	batchID := fs.String("batch", "", "batch id to cancel (required)")
	fs.Parse(args)

	if *batchID == "" {
		fmt.Fprintln(os.Stderr, "-batch is required")
		return exitCrash
	}

	a, err := app.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize: %v\n", err)
		return exitCrash
	}
	defer a.Close()

	if err := a.Dispatch.Cancel(context.Background(), *batchID); err != nil {
		fmt.Fprintf(os.Stderr, "cancel failed: %v\n", err)
		return exitCrash
	}
	fmt.Printf("batch %s cancelled\n", *batchID)
	return exitOK
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
