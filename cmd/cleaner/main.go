package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/apinto/fmc-rule-cleanup/internal/config"
	"github.com/apinto/fmc-rule-cleanup/internal/engine"
	"github.com/apinto/fmc-rule-cleanup/internal/fmc"
	"github.com/apinto/fmc-rule-cleanup/internal/model"
	"github.com/apinto/fmc-rule-cleanup/internal/netrange"
	"github.com/apinto/fmc-rule-cleanup/internal/report"
)

var (
	cfgFile         string
	host            string
	username        string
	password        string
	device          string
	dryRun          bool
	maxRules        int
	excludeZones    []string
	excludePrefixes []string
	matchMode       string
	yearThreshold   int
	ruleActions     []string
	timeout         string
	pageLimit       int
	verifyTLS       bool
	logLevel        string
	logFile         string
	reportFile      string
	disabledFile    string
	auditDB         string
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fmc-rule-cleanup",
		Short: "Disables unused FMC access rules based on hit-count telemetry",
		Long: `fmc-rule-cleanup queries the Firepower Management Center for the
hit counts of a device's access policy and disables rules that have
never matched traffic, subject to age, action, zone and prefix
safeguards. Every decision is written to a CSV report.`,
		SilenceUsage: true,
		RunE:         run,
	}

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "YAML config file (flags override file values)")
	rootCmd.Flags().StringVar(&host, "host", "", "FMC hostname or IP")
	rootCmd.Flags().StringVar(&username, "username", "", "FMC API username")
	rootCmd.Flags().StringVar(&password, "password", "", "FMC API password (or FMC_PASSWORD env)")
	rootCmd.Flags().StringVar(&device, "device", "", "Managed device name whose policy to clean")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be disabled without changing anything")
	rootCmd.Flags().IntVar(&maxRules, "max-rules", 1000, "Maximum rules to disable in one run")
	rootCmd.Flags().StringSliceVar(&excludeZones, "exclude-zones", nil, "Zone names to exclude (case-sensitive)")
	rootCmd.Flags().StringSliceVar(&excludePrefixes, "exclude-prefixes", nil, "IP prefixes to exclude (CIDR or address)")
	rootCmd.Flags().StringVar(&matchMode, "prefix-match-mode", "overlap", "Prefix exclusion mode: 'overlap' or 'subnet'")
	rootCmd.Flags().IntVar(&yearThreshold, "year-threshold", 0, "Disable rules created before this year (default: previous year)")
	rootCmd.Flags().StringSliceVar(&ruleActions, "rule-actions", nil, "Rule actions eligible for disabling (default ALLOW)")
	rootCmd.Flags().StringVar(&timeout, "timeout", "", "Per-request API timeout (default 10s)")
	rootCmd.Flags().IntVar(&pageLimit, "page-limit", 0, "API page size (default 500)")
	rootCmd.Flags().BoolVar(&verifyTLS, "verify-tls", false, "Verify the FMC TLS certificate")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.Flags().StringVar(&logFile, "log-file", "", "Log file path (default: stderr)")
	rootCmd.Flags().StringVar(&reportFile, "report", "", "CSV report of every decision (default report.csv)")
	rootCmd.Flags().StringVar(&disabledFile, "disabled-report", "", "CSV report of disabled rules only (default disabled.csv)")
	rootCmd.Flags().StringVar(&auditDB, "audit-db", "", "MariaDB DSN for the run-history audit store")

	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := setupLogger(logLevel, logFile)
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return err
	}
	applyFlagOverrides(cmd, cfg)

	// The config file may adjust logging; rebuild the logger with the
	// final values.
	logger = setupLogger(cfg.Logging.Level, cfg.Logging.File)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		return err
	}

	prefixSet, err := netrange.ParseSet(cfg.Cleanup.ExcludePrefixes)
	if err != nil {
		slog.Error("Invalid excluded prefix", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startTime := time.Now()
	slog.Info("Starting FMC rule cleanup",
		"host", cfg.FMC.Host, "device", cfg.FMC.Device,
		"dry_run", cfg.Cleanup.DryRun, "year_threshold", cfg.Cleanup.YearThreshold,
		"max_rules", cfg.Cleanup.MaxRules)

	client := fmc.NewClient(fmc.Options{
		Host:      cfg.FMC.Host,
		Username:  cfg.FMC.Username,
		Password:  cfg.FMC.Password,
		Timeout:   cfg.TimeoutDuration(),
		PageLimit: cfg.FMC.PageLimit,
		VerifyTLS: cfg.FMC.VerifyTLS,
	}, logger)

	if err := client.Login(ctx); err != nil {
		slog.Error("FMC login failed", "error", err)
		return err
	}

	dev, err := client.FindDevice(ctx, cfg.FMC.Device)
	if err != nil {
		slog.Error("Failed to locate device", "device", cfg.FMC.Device, "error", err)
		return err
	}
	slog.Info("Found device", "device", dev.Name, "device_id", dev.ID, "policy_id", dev.AccessPolicyID)

	entries, err := client.FetchHitCounts(ctx, dev.AccessPolicyID, dev.ID)
	if err != nil {
		slog.Error("Failed to fetch hit counts", "error", err)
		return err
	}

	candidates := zeroHitCandidates(entries)
	slog.Info("Hit counts fetched", "total_rules", len(entries), "zero_hit", len(candidates))

	actions := make([]model.Action, len(cfg.Cleanup.RuleActions))
	for i, a := range cfg.Cleanup.RuleActions {
		actions[i] = model.Action(a)
	}

	sched := engine.NewScheduler(logger)
	source := &fmcSource{client: client, acpID: dev.AccessPolicyID}

	var disable engine.DisableAction = &fmcDisable{client: client, acpID: dev.AccessPolicyID}
	if cfg.Cleanup.DryRun {
		disable = engine.SimulatedDisable{}
	}

	eng := engine.New(engine.Config{
		MaxRules: cfg.Cleanup.MaxRules,
		DryRun:   cfg.Cleanup.DryRun,
		Criteria: engine.Criteria{
			YearThreshold: cfg.Cleanup.YearThreshold,
			Actions:       actions,
		},
		Zones:    engine.NewZoneMatcher(cfg.Cleanup.ExcludeZones),
		Prefixes: engine.NewPrefixMatcher(prefixSet, engine.MatchMode(cfg.Cleanup.PrefixMatchMode)),
	}, source, disable, sched, logger)

	decisions, status := eng.Run(ctx, candidates)
	stats := engine.BuildStats(len(entries), len(candidates), decisions, status)

	meta := model.RunMetadata{
		Device:    dev.Name,
		Host:      cfg.FMC.Host,
		StartedAt: startTime,
		DryRun:    cfg.Cleanup.DryRun,
		Stats:     stats,
	}

	if err := writeReports(cfg, meta, decisions); err != nil {
		slog.Error("Failed to write reports", "error", err)
		return err
	}

	printSummary(meta, time.Since(startTime))

	if status == model.RunAborted || status == model.RunInterrupted {
		return fmt.Errorf("run %s", status)
	}
	return nil
}

// zeroHitCandidates selects the access rules with no recorded hits.
// Prefilter and category entries in the telemetry are not access rules
// and are skipped. Rows without a hit count are kept as candidates so
// the engine records them as skipped rather than silently dropping
// them; their missing telemetry fails the eligibility check.
func zeroHitCandidates(entries []fmc.HitEntry) []engine.Candidate {
	var candidates []engine.Candidate
	for _, e := range entries {
		if e.RuleType != "" && e.RuleType != "AccessRule" {
			continue
		}
		if e.HasHit && e.HitCount != 0 {
			continue
		}
		candidates = append(candidates, engine.Candidate{
			RuleID:   e.RuleID,
			RuleName: e.RuleName,
			HitCount: e.HitCount,
			HasHit:   e.HasHit,
		})
	}
	return candidates
}

func writeReports(cfg *config.Config, meta model.RunMetadata, decisions []model.Decision) error {
	sinks := []report.Sink{report.NewCSVSink(cfg.Report.File, cfg.Report.DisabledFile)}
	if cfg.Report.AuditDB != "" {
		dbSink, err := report.NewDBSink(cfg.Report.AuditDB)
		if err != nil {
			return fmt.Errorf("open audit database: %w", err)
		}
		defer dbSink.Close()
		sinks = append(sinks, dbSink)
	}
	for _, sink := range sinks {
		if err := sink.Write(meta, decisions); err != nil {
			return err
		}
	}
	return nil
}

func printSummary(meta model.RunMetadata, elapsed time.Duration) {
	verb := "Disabled"
	if meta.DryRun {
		verb = "Would disable"
	}
	fmt.Printf("Run %s for device %s in %s\n", meta.Stats.Status, meta.Device, elapsed.Round(time.Second))
	fmt.Printf("  Rules analyzed:  %d\n", meta.Stats.TotalAnalyzed)
	fmt.Printf("  Zero-hit rules:  %d\n", meta.Stats.ZeroHit)
	fmt.Printf("  %s: %d\n", verb, meta.Stats.Disabled)
	fmt.Printf("  Skipped:         %d\n", meta.Stats.Skipped)
	fmt.Printf("  Errors:          %d\n", meta.Stats.Errors)
}

// applyFlagOverrides copies explicitly set flags over the file config.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.FMC.Host = host
	}
	if flags.Changed("username") {
		cfg.FMC.Username = username
	}
	if flags.Changed("password") {
		cfg.FMC.Password = password
	}
	if cfg.FMC.Password == "" {
		cfg.FMC.Password = os.Getenv("FMC_PASSWORD")
	}
	if flags.Changed("device") {
		cfg.FMC.Device = device
	}
	if flags.Changed("timeout") {
		cfg.FMC.Timeout = timeout
	}
	if flags.Changed("page-limit") {
		cfg.FMC.PageLimit = pageLimit
	}
	if flags.Changed("verify-tls") {
		cfg.FMC.VerifyTLS = verifyTLS
	}
	if flags.Changed("dry-run") {
		cfg.Cleanup.DryRun = dryRun
	}
	if flags.Changed("max-rules") {
		cfg.Cleanup.MaxRules = maxRules
	}
	if flags.Changed("exclude-zones") {
		cfg.Cleanup.ExcludeZones = excludeZones
	}
	if flags.Changed("exclude-prefixes") {
		cfg.Cleanup.ExcludePrefixes = excludePrefixes
	}
	if flags.Changed("prefix-match-mode") {
		cfg.Cleanup.PrefixMatchMode = matchMode
	}
	if flags.Changed("year-threshold") {
		cfg.Cleanup.YearThreshold = yearThreshold
	}
	if flags.Changed("rule-actions") {
		cfg.Cleanup.RuleActions = ruleActions
	}
	if flags.Changed("report") {
		cfg.Report.File = reportFile
	}
	if flags.Changed("disabled-report") {
		cfg.Report.DisabledFile = disabledFile
	}
	if flags.Changed("audit-db") {
		cfg.Report.AuditDB = auditDB
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if flags.Changed("log-file") {
		cfg.Logging.File = logFile
	}
}

// fmcSource binds the client to the device's access policy for the
// engine's rule and object lookups.
type fmcSource struct {
	client *fmc.Client
	acpID  string
}

func (s *fmcSource) FetchRule(ctx context.Context, ruleID string) (*model.Rule, error) {
	return s.client.FetchRule(ctx, s.acpID, ruleID)
}

func (s *fmcSource) FetchObject(ctx context.Context, ref model.NetworkRef) (*model.NetworkObject, error) {
	return s.client.FetchObject(ctx, ref)
}

type fmcDisable struct {
	client *fmc.Client
	acpID  string
}

func (d *fmcDisable) Disable(ctx context.Context, rule *model.Rule, comment string) error {
	return d.client.DisableRule(ctx, d.acpID, rule.ID, comment)
}

func setupLogger(level, logFilePath string) *slog.Logger {
	var logWriter io.Writer = os.Stderr
	if logFilePath != "" {
		f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err == nil {
			logWriter = f
		}
		// We don't log an error here because the logger isn't set up yet.
		// It will just fall back to stderr.
	}

	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "INFO":
		lvl = slog.LevelInfo
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(logWriter, &slog.HandlerOptions{Level: lvl}))
}
