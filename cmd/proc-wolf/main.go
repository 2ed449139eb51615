package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/whispr-dev/proc-wolf/config"
	"github.com/whispr-dev/proc-wolf/internal/collect"
	"github.com/whispr-dev/proc-wolf/internal/escalate"
	"github.com/whispr-dev/proc-wolf/internal/evaluate"
	"github.com/whispr-dev/proc-wolf/internal/history"
	"github.com/whispr-dev/proc-wolf/internal/logger"
	"github.com/whispr-dev/proc-wolf/internal/metrics"
	"github.com/whispr-dev/proc-wolf/internal/monitor"
	"github.com/whispr-dev/proc-wolf/internal/output/eventclickhouse"
	"github.com/whispr-dev/proc-wolf/internal/output/eventhttp"
	"github.com/whispr-dev/proc-wolf/internal/output/eventjson"
	"github.com/whispr-dev/proc-wolf/internal/respond"
	"github.com/whispr-dev/proc-wolf/internal/rules"
	"github.com/whispr-dev/proc-wolf/pkg/models"
)

func findConfigFile(configArg string) string {
	if configArg != "" {
		path := configArg
		if _, err := os.Stat(path); err == nil {
			return path
		}
		log.Printf("Warning: config file not found at %s, trying default locations", path)
	}

	if _, err := os.Stat("proc-wolf.yml"); err == nil {
		return "proc-wolf.yml"
	}

	exePath, err := os.Executable()
	if err == nil {
		exeDir := filepath.Dir(exePath)
		path := filepath.Join(exeDir, "proc-wolf.yml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "proc-wolf.yml"
}

func applyDefaults(cfg *config.Config) {
	if cfg.ProcWolf.Monitor.Interval <= 0 {
		cfg.ProcWolf.Monitor.Interval = 5 * time.Second
	}
	if cfg.ProcWolf.Monitor.Workers <= 0 {
		cfg.ProcWolf.Monitor.Workers = 4
	}
	if cfg.ProcWolf.Monitor.CollectTimeout <= 0 {
		cfg.ProcWolf.Monitor.CollectTimeout = 2 * time.Second
	}
	if cfg.ProcWolf.Monitor.HashMaxBytes <= 0 {
		cfg.ProcWolf.Monitor.HashMaxBytes = 64 << 20
	}

	if cfg.ProcWolf.Suspect.CPUPercent <= 0 {
		cfg.ProcWolf.Suspect.CPUPercent = 80
	}
	if cfg.ProcWolf.Suspect.MemoryPercent <= 0 {
		cfg.ProcWolf.Suspect.MemoryPercent = 50
	}

	if cfg.ProcWolf.History.Backend == "" {
		cfg.ProcWolf.History.Backend = "sqlite"
	}
	if cfg.ProcWolf.History.SQLite.Path == "" {
		cfg.ProcWolf.History.SQLite.Path = "proc-wolf.db"
	}
	if cfg.ProcWolf.History.Redis.Addr == "" {
		cfg.ProcWolf.History.Redis.Addr = "127.0.0.1:6379"
	}

	if cfg.ProcWolf.Response.KillWait <= 0 {
		cfg.ProcWolf.Response.KillWait = 3 * time.Second
	}
	if cfg.ProcWolf.Response.MaxWarnings <= 0 {
		cfg.ProcWolf.Response.MaxWarnings = 3
	}
	if cfg.ProcWolf.Response.QuarantineDir == "" {
		cfg.ProcWolf.Response.QuarantineDir = "quarantine"
	}

	if cfg.ProcWolf.Events.Mode == "" {
		cfg.ProcWolf.Events.Mode = "file"
	}
	if cfg.ProcWolf.Events.File.Path == "" {
		cfg.ProcWolf.Events.File.Path = "output/actions.jsonl"
	}
	if cfg.ProcWolf.Events.ClickHouse.Database == "" {
		cfg.ProcWolf.Events.ClickHouse.Database = "procwolf"
	}
	if cfg.ProcWolf.Events.ClickHouse.Table == "" {
		cfg.ProcWolf.Events.ClickHouse.Table = "action_events"
	}

	if cfg.ProcWolf.Metrics.Addr == "" {
		cfg.ProcWolf.Metrics.Addr = "127.0.0.1:9417"
	}

	if cfg.ProcWolf.Logging.Level == "" {
		cfg.ProcWolf.Logging.Level = "info"
	}
}

func openStore(cfg *config.Config) (history.Store, error) {
	switch cfg.ProcWolf.History.Backend {
	case "sqlite":
		return history.NewSQLiteStore(history.SQLiteConfig{
			Path: cfg.ProcWolf.History.SQLite.Path,
		})
	case "redis":
		return history.NewRedisStore(history.RedisConfig{
			Addr:      cfg.ProcWolf.History.Redis.Addr,
			Password:  cfg.ProcWolf.History.Redis.Password,
			DB:        cfg.ProcWolf.History.Redis.DB,
			KeyPrefix: cfg.ProcWolf.History.Redis.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown history backend: %s", cfg.ProcWolf.History.Backend)
	}
}

func runAgent(args []string) {
	configArg := ""
	if len(args) > 0 {
		configArg = args[0]
	}

	configPath := findConfigFile(configArg)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyDefaults(cfg)

	if err := logger.Init(cfg.ProcWolf.Logging.Enabled, cfg.ProcWolf.Logging.Level, cfg.ProcWolf.Logging.File, cfg.ProcWolf.Logging.Console); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	logger.Infof("proc-wolf starting")
	logger.Infof("Config loaded from: %s", configPath)

	// The agent refuses to run without its history store: response
	// decisions lean on kill history, and acting blind would let a
	// resurrecting process start from a clean slate every restart.
	store, err := openStore(cfg)
	if err != nil {
		logger.Errorf("Failed to open history store: %v", err)
		log.Fatalf("Failed to open history store: %v", err)
	}
	defer store.Close()
	logger.Infof("History backend: %s", cfg.ProcWolf.History.Backend)

	evaluator, err := evaluate.NewEvaluator(evaluate.Config{
		SystemCritical: cfg.ProcWolf.Trust.SystemCritical,
		TrustedNames:   cfg.ProcWolf.Trust.TrustedNames,
		TrustedPaths:   cfg.ProcWolf.Trust.TrustedPaths,
		TrustedSigners: cfg.ProcWolf.Trust.TrustedSigners,
		NamePatterns:   cfg.ProcWolf.Suspect.NamePatterns,
	})
	if err != nil {
		logger.Errorf("Failed to build evaluator: %v", err)
		log.Fatalf("Failed to build evaluator: %v", err)
	}

	collector := collect.NewSystemCollector(collect.Config{
		CPUPercent:     cfg.ProcWolf.Suspect.CPUPercent,
		MemoryPercent:  cfg.ProcWolf.Suspect.MemoryPercent,
		Ports:          cfg.ProcWolf.Suspect.Ports,
		OpenFiles:      cfg.ProcWolf.Suspect.OpenFiles,
		HashMaxBytes:   cfg.ProcWolf.Monitor.HashMaxBytes,
		CollectTimeout: cfg.ProcWolf.Monitor.CollectTimeout,
	})

	var engine rules.Engine
	if cfg.ProcWolf.Rules.Enabled {
		if strings.TrimSpace(cfg.ProcWolf.Rules.Path) == "" {
			logger.Warnf("Rules enabled but rules.path is empty; rule tagging disabled")
		} else {
			sigmaEngine, stats, err := rules.NewSigmaEngine(cfg.ProcWolf.Rules.Path)
			if err != nil {
				logger.Errorf("Failed to load Sigma rules from %s: %v", cfg.ProcWolf.Rules.Path, err)
				log.Fatalf("Failed to load Sigma rules: %v", err)
			}
			engine = sigmaEngine
			logger.Infof("Sigma rules loaded: loaded=%d skipped_complex=%d skipped_datasource=%d skipped_invalid=%d files=%d",
				stats.Loaded,
				stats.SkippedComplex,
				stats.SkippedDatasource,
				stats.SkippedInvalid,
				stats.TotalFiles,
			)
			if stats.Loaded == 0 {
				logger.Warnf("No compatible Sigma rules loaded; rule tagging is effectively disabled")
			}
		}
	}

	controller := escalate.NewController(cfg.ProcWolf.Response.MaxWarnings)

	executor := respond.NewExecutor(respond.Config{
		DryRun:        cfg.ProcWolf.Response.DryRun,
		KillWait:      cfg.ProcWolf.Response.KillWait,
		QuarantineDir: cfg.ProcWolf.Response.QuarantineDir,
		Protected:     evaluator.IsCritical,
	}, nil)
	if cfg.ProcWolf.Response.DryRun {
		logger.Infof("Dry-run mode: destructive actions will be logged, not executed")
	}

	var events monitor.EventWriter
	switch cfg.ProcWolf.Events.Mode {
	case "file":
		w, err := eventjson.NewWriter(cfg.ProcWolf.Events.File.Path)
		if err != nil {
			logger.Errorf("Failed to create event file writer: %v", err)
			log.Fatalf("Failed to create event file writer: %v", err)
		}
		events = w
		logger.Infof("Event output mode: file (%s)", cfg.ProcWolf.Events.File.Path)
	case "http":
		w, err := eventhttp.NewWriter(eventhttp.Config{
			URL:     cfg.ProcWolf.Events.HTTP.URL,
			Timeout: cfg.ProcWolf.Events.HTTP.Timeout,
			Headers: cfg.ProcWolf.Events.HTTP.Headers,
		})
		if err != nil {
			logger.Errorf("Failed to create event HTTP writer: %v", err)
			log.Fatalf("Failed to create event HTTP writer: %v", err)
		}
		events = w
		logger.Infof("Event output mode: http (%s)", cfg.ProcWolf.Events.HTTP.URL)
	case "clickhouse":
		w, err := eventclickhouse.NewWriter(eventclickhouse.Config{
			URL:      cfg.ProcWolf.Events.ClickHouse.URL,
			Database: cfg.ProcWolf.Events.ClickHouse.Database,
			Table:    cfg.ProcWolf.Events.ClickHouse.Table,
			Username: cfg.ProcWolf.Events.ClickHouse.Username,
			Password: cfg.ProcWolf.Events.ClickHouse.Password,
			Timeout:  cfg.ProcWolf.Events.ClickHouse.Timeout,
			Headers:  cfg.ProcWolf.Events.ClickHouse.Headers,
		})
		if err != nil {
			logger.Errorf("Failed to create event ClickHouse writer: %v", err)
			log.Fatalf("Failed to create event ClickHouse writer: %v", err)
		}
		events = w
		logger.Infof("Event output mode: clickhouse (%s/%s.%s)", cfg.ProcWolf.Events.ClickHouse.URL, cfg.ProcWolf.Events.ClickHouse.Database, cfg.ProcWolf.Events.ClickHouse.Table)
	case "off":
		logger.Infof("Event output disabled")
	default:
		log.Fatalf("Unknown event output mode: %s", cfg.ProcWolf.Events.Mode)
	}

	met := metrics.New()
	var metricsServer *http.Server
	if cfg.ProcWolf.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", met.Handler())
		metricsServer = &http.Server{Addr: cfg.ProcWolf.Metrics.Addr, Handler: mux}
		go func() {
			logger.Infof("Metrics listening on %s", cfg.ProcWolf.Metrics.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("Metrics server error: %v", err)
			}
		}()
	}

	mon := monitor.New(monitor.Config{
		Interval: cfg.ProcWolf.Monitor.Interval,
		Workers:  cfg.ProcWolf.Monitor.Workers,
	}, collector, evaluator, engine, controller, store, executor, events, met)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := mon.Run(ctx); err != nil && err != context.Canceled {
			logger.Errorf("Monitor error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infof("Shutting down")
	cancel()
	time.Sleep(1 * time.Second)

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Error stopping metrics server: %v", err)
		}
		shutdownCancel()
	}
	if err := mon.Close(); err != nil {
		logger.Errorf("Error closing monitor: %v", err)
	}

	logger.Infof("proc-wolf stopped")
	logger.Close()
}

func runHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	configArg := fs.String("config", "", "Config file path")
	recordID := fs.Int64("record", 0, "Show resurrection events for one record id")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	configPath := findConfigFile(*configArg)
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	applyDefaults(cfg)

	store, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open history store: %v\n", err)
		return 1
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if *recordID > 0 {
		return printResurrections(ctx, store, *recordID)
	}
	return printRecords(ctx, store)
}

func printRecords(ctx context.Context, store history.Store) int {
	records, err := store.Records(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list records: %v\n", err)
		return 1
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tLEVEL\tKILLS\tFIRST SEEN\tLAST SEEN\tPATH")
	for _, rec := range records {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
			rec.ID,
			rec.Name,
			rec.ThreatLevel,
			rec.TimesKilled,
			rec.FirstSeen.Format(time.RFC3339),
			rec.LastSeen.Format(time.RFC3339),
			rec.Path,
		)
	}
	w.Flush()
	fmt.Printf("%d record(s)\n", len(records))
	return 0
}

func printResurrections(ctx context.Context, store history.Store, recordID int64) int {
	rec, err := lookupByID(ctx, store, recordID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load record %d: %v\n", recordID, err)
		return 1
	}
	if rec != nil {
		fmt.Printf("%s (%s), first seen %s, killed %d time(s)\n",
			rec.Name, rec.Path, rec.FirstSeen.Format(time.RFC3339), rec.TimesKilled)
	}

	events, err := store.Resurrections(ctx, recordID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list resurrection events: %v\n", err)
		return 1
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIMESTAMP\tACTION")
	for _, ev := range events {
		fmt.Fprintf(w, "%d\t%s\t%s\n", ev.ID, ev.Timestamp.Format(time.RFC3339), ev.Action)
	}
	w.Flush()
	fmt.Printf("%d event(s)\n", len(events))
	return 0
}

func lookupByID(ctx context.Context, store history.Store, recordID int64) (*models.ProcessRecord, error) {
	records, err := store.Records(ctx)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].ID == recordID {
			return &records[i], nil
		}
	}
	return nil, nil
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			runAgent(os.Args[2:])
			return
		case "history":
			os.Exit(runHistory(os.Args[2:]))
		default:
			// Backward-compatible mode: first arg is config path.
			runAgent(os.Args[1:])
			return
		}
	}

	runAgent(nil)
}
