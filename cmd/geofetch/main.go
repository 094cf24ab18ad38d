package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/geofetch/geofetch/internal/config"
	"github.com/geofetch/geofetch/internal/downloader"
	"github.com/geofetch/geofetch/internal/geo"
	"github.com/geofetch/geofetch/internal/logctx"
	"github.com/geofetch/geofetch/internal/ratelimit"
	"github.com/geofetch/geofetch/internal/store"
	"github.com/geofetch/geofetch/internal/telemetry"
	"github.com/geofetch/geofetch/internal/transfer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const serviceName = "geofetch"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

type flags struct {
	inputFile  string
	configFile string
	outputDir  string
	workers    int
	parallel   bool
	delay      time.Duration
	maxRetries int
	retryDelay time.Duration
	noVerify   bool
	dryRun     bool
	force      bool
	logLevel   string
}

func newRootCmd() *cobra.Command {
	var fl flags

	cmd := &cobra.Command{
		Use:   "geofetch [GSE ID...]",
		Short: "Bulk downloader for GEO series raw data files",
		Long: "geofetch resolves the supplementary raw data files of GEO series accessions\n" +
			"and downloads them in parallel with resume, retries, and integrity checks.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd, &fl)
			if err != nil {
				return err
			}

			logger := slog.New(logctx.NewTraceHandler(
				slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
			))
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(logctx.WithLogger(ctx, logger), cfg, &fl, args)
		},
	}

	cmd.Flags().StringVarP(&fl.inputFile, "input-file", "i", "", "file with GSE ids or a GPL platform description")
	cmd.Flags().StringVarP(&fl.configFile, "config", "c", "", "YAML config file")
	cmd.Flags().StringVarP(&fl.outputDir, "output-dir", "o", "", "directory for downloaded files")
	cmd.Flags().IntVarP(&fl.workers, "workers", "w", 0, "number of parallel download workers")
	cmd.Flags().BoolVarP(&fl.parallel, "parallel", "p", false, "enable parallel downloads")
	cmd.Flags().DurationVar(&fl.delay, "delay", 0, "minimum spacing between requests across all workers")
	cmd.Flags().IntVar(&fl.maxRetries, "max-retries", 0, "retries per target after the first attempt")
	cmd.Flags().DurationVar(&fl.retryDelay, "retry-delay", 0, "base backoff between retries")
	cmd.Flags().BoolVar(&fl.noVerify, "no-verify", false, "skip post-download integrity verification")
	cmd.Flags().BoolVarP(&fl.dryRun, "dry-run", "n", false, "report what would be downloaded without any network I/O")
	cmd.Flags().BoolVarP(&fl.force, "force", "f", false, "skip the confirmation prompt and start downloading immediately")
	cmd.Flags().StringVar(&fl.logLevel, "log-level", "", "log level (DEBUG, INFO, WARN, ERROR)")

	return cmd
}

// buildConfig layers the sources: env defaults, then the YAML file, then
// explicitly set flags.
func buildConfig(cmd *cobra.Command, fl *flags) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if fl.configFile != "" {
		if err := cfg.ApplyFile(fl.configFile); err != nil {
			return nil, err
		}
	}

	if cmd.Flags().Changed("output-dir") {
		cfg.OutputDir = fl.outputDir
	}

	if cmd.Flags().Changed("workers") {
		cfg.Workers = fl.workers
		cfg.Parallel = true
	}

	if cmd.Flags().Changed("parallel") {
		cfg.Parallel = fl.parallel
	}

	if cmd.Flags().Changed("delay") {
		cfg.Delay = fl.delay
	}

	if cmd.Flags().Changed("max-retries") {
		cfg.MaxRetries = fl.maxRetries
	}

	if cmd.Flags().Changed("retry-delay") {
		cfg.RetryDelay = fl.retryDelay
	}

	if cmd.Flags().Changed("no-verify") {
		cfg.VerifyIntegrity = !fl.noVerify
	}

	if cmd.Flags().Changed("dry-run") {
		cfg.DryRun = fl.dryRun
	}

	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = fl.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, fl *flags, args []string) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Resolve accession ids
	ids, err := gatherIDs(cfg, fl, args)
	if err != nil {
		return err
	}

	if len(ids) == 0 {
		return fmt.Errorf("no GSE ids provided: pass them as arguments or via --input-file")
	}

	logger.Info("starting geofetch",
		"gse_ids", len(ids),
		"output_dir", cfg.OutputDir,
		"workers", cfg.EffectiveWorkers(),
		"dry_run", cfg.DryRun,
	)

	httpClient := newHTTPClient(cfg.HTTPTimeout)
	resolver := geo.NewResolver(httpClient, geo.DefaultBaseURL, geo.DefaultEUtilsURL, cfg.UserAgent)

	// =========================================================================
	// Preview and confirmation
	if cfg.DryRun || !fl.force {
		previewSeries(ctx, logger, resolver, ids)
	}

	if !cfg.DryRun && !fl.force {
		proceed, err := confirmProceed(os.Stdin, os.Stderr)
		if err != nil {
			return err
		}

		if !proceed {
			logger.Info("download cancelled")

			return nil
		}
	}

	// =========================================================================
	// Start Telemetry
	tel, err := setupTelemetry(ctx, cfg)
	if err != nil {
		return err
	}

	// =========================================================================
	// Start State Store
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	records := store.New(cfg.StatusPath(), logger)
	records.Load()

	// =========================================================================
	// Resolve targets

	var targets []transfer.Target

	for _, id := range ids {
		raw, err := resolver.RawFiles(ctx, id)
		if err != nil {
			logger.Error("failed to resolve series, skipping", "gse_id", id, "err", err)

			continue
		}

		if len(raw) == 0 {
			logger.Warn("series has no raw data files", "gse_id", id)

			continue
		}

		targets = append(targets, raw...)
	}

	// =========================================================================
	// Start Download Engine
	limiter := ratelimit.New(cfg.Delay)

	fetcher := transfer.NewFetcher(httpClient, limiter, records, transfer.Config{
		OutputDir:       cfg.OutputDir,
		ChunkSize:       cfg.ChunkSize,
		MaxRetries:      cfg.MaxRetries,
		RetryDelay:      cfg.RetryDelay,
		VerifyIntegrity: cfg.VerifyIntegrity,
		UserAgent:       cfg.UserAgent,
	}, progressLogger(logger))

	orch := downloader.New(records, fetcher, tel, cfg.EffectiveWorkers(), cfg.DryRun)

	summary, runErr := orch.Run(ctx, targets)

	reportSummary(logger, summary, cfg.DryRun)

	if runErr != nil {
		if ctx.Err() != nil {
			logger.Warn("run interrupted, partial progress persisted", "status_file", records.Path())

			return runErr
		}

		return runErr
	}

	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d targets failed", summary.Failed, summary.Total)
	}

	return nil
}

func gatherIDs(cfg *config.Config, fl *flags, args []string) ([]string, error) {
	text := strings.Join(args, "\n")

	if fl.inputFile != "" {
		data, err := os.ReadFile(fl.inputFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}

		text += "\n" + string(data)
	}

	return geo.ExtractIDs(text, cfg.Pattern), nil
}

// previewSeries reports what each series is before anything is downloaded.
// Metadata lookups are best-effort: a failure is logged and never blocks the
// run.
func previewSeries(ctx context.Context, logger *slog.Logger, resolver *geo.Resolver, ids []string) {
	for _, id := range ids {
		meta, err := resolver.Metadata(ctx, id)
		if err != nil {
			logger.Warn("metadata lookup failed", "gse_id", id, "err", err)

			continue
		}

		logger.Info("series preview",
			"gse_id", meta.Accession,
			"title", meta.Title,
			"organism", meta.Organism,
			"type", meta.ExperimentType,
			"released", meta.SubmissionDate,
		)
	}
}

func confirmProceed(in io.Reader, out io.Writer) (bool, error) {
	fmt.Fprint(out, "Proceed with download? [y/N]: ")

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}

	answer := strings.ToLower(strings.TrimSpace(line))

	return answer == "y" || answer == "yes", nil
}

// progressLogger turns record state transitions into debug log events. It
// only observes; the engine never depends on it.
func progressLogger(logger *slog.Logger) transfer.ProgressFunc {
	return func(id string, status store.Status, received, expected int64) {
		if status == store.StatusInProgress {
			logger.Debug("transfer progress",
				"target_id", id,
				"received", humanize.Bytes(uint64(received)),
				"expected", humanize.Bytes(uint64(expected)),
			)

			return
		}

		logger.Info("transfer state changed",
			"target_id", id,
			"status", string(status),
			"received", humanize.Bytes(uint64(received)),
		)
	}
}

func setupTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	if cfg.MetricsAddr == "" {
		return telemetry.New(telemetry.Config{Enabled: false})
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		logger := logctx.LoggerFromContext(ctx)
		logger.Info("serving metrics", "addr", cfg.MetricsAddr)

		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "err", err)
		}
	}()

	return telemetry.New(telemetry.Config{Enabled: true, ServiceName: serviceName})
}

// newHTTPClient builds a client tuned for long transfers: connect and
// header timeouts only, since an overall deadline would kill multi-gigabyte
// downloads mid-stream.
func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: timeout,
	}

	return &http.Client{Transport: transport}
}

func reportSummary(logger *slog.Logger, summary store.RunSummary, dryRun bool) {
	if dryRun {
		logger.Info("dry run summary",
			"targets", summary.Total,
			"would_download", len(summary.Planned),
			"already_completed", summary.Skipped,
		)

		for _, id := range summary.Planned {
			logger.Info("pending target", "target_id", id)
		}

		return
	}

	logger.Info("run summary",
		"targets", summary.Total,
		"completed", summary.Completed,
		"failed", summary.Failed,
		"partial", summary.Partial,
		"skipped", summary.Skipped,
	)

	for _, f := range summary.Failures {
		logger.Error("target failed", "target_id", f.ID, "cause", f.LastError)
	}
}
