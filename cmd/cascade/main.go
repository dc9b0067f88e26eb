package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cascade-io/cascade"
	"github.com/cascade-io/cascade/pkg/config"
	"github.com/cascade-io/cascade/pkg/events"
	"github.com/cascade-io/cascade/pkg/intake"
	"github.com/cascade-io/cascade/pkg/json"
	"github.com/cascade-io/cascade/pkg/logger"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var (
		configFile  string
		logLevel    string
		metricsAddr string
	)

	root := &cobra.Command{
		Use:   "cascade",
		Short: "Cascade - adaptive large-input processing pipeline",
		Long: `Cascade processes inputs of widely varying size through a caller-supplied
transformation, picking a whole-buffer, streamed, or chunked strategy based on
input size and current resource pressure, and caching results across retention
tiers.`,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Cascade v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	var (
		cacheKey string
		deadline time.Duration
	)
	processCmd := &cobra.Command{
		Use:   "process <file>",
		Short: "Process a single file",
		Long: `Process one file through the pipeline. The strategy is derived from the
file size and current resource pressure; progress is reported on chunk
boundaries for large inputs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(configFile, logLevel, metricsAddr, func(ctx context.Context, system *cascade.System) error {
				opts := &intake.SubmitOptions{
					CacheKey: cacheKey,
					Deadline: deadline,
					OnProgress: func(p intake.ProgressSnapshot) {
						fmt.Fprintf(os.Stderr, "\r%s: %.1f%% (%d/%d bytes)",
							args[0], p.Percent, p.BytesComplete, p.TotalBytes)
					},
				}

				res, err := system.SubmitFile(ctx, args[0], passthrough, opts)
				if err != nil {
					return err
				}
				fmt.Fprintln(os.Stderr)
				return printJSON(struct {
					*intake.Result
					Stats cascade.Stats `json:"stats"`
				}{res, system.Stats()})
			})
		},
	}
	processCmd.Flags().StringVar(&cacheKey, "cache-key", "", "cache the result under this key")
	processCmd.Flags().DurationVar(&deadline, "deadline", 0, "overall job deadline (0 = none)")
	root.AddCommand(processCmd)

	var workers int
	batchCmd := &cobra.Command{
		Use:   "batch <file>...",
		Short: "Process multiple files with bounded concurrency",
		Long: `Process the given files as one batch. Submissions run under the admission
gate; one file's failure does not abort the rest. The summary reports a
result per file.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(configFile, logLevel, metricsAddr, func(ctx context.Context, system *cascade.System) error {
				sub := system.Subscribe(events.TypeJobFailed)
				defer sub.Unsubscribe()
				go func() {
					for evt := range sub.C() {
						if p, ok := evt.Payload.(events.JobFailedPayload); ok {
							fmt.Fprintf(os.Stderr, "job %s failed after %d attempts: %v\n",
								p.JobID, p.Attempts, p.Error)
						}
					}
				}()

				summary, err := system.SubmitFiles(ctx, args, passthrough, workers)
				if err != nil {
					return err
				}
				return printJSON(summary)
			})
		},
	}
	batchCmd.Flags().IntVar(&workers, "workers", 0, "concurrent submissions (0 = CPU count)")
	root.AddCommand(batchCmd)

	var (
		benchSize  string
		benchRuns  int
		benchCache bool
	)
	benchCmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a synthetic throughput benchmark",
		Long: `Generate a synthetic input of the given size and push it through the
pipeline repeatedly, reporting per-run metrics and final statistics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := parseSize(benchSize)
			if err != nil {
				return err
			}
			return withSystem(configFile, logLevel, metricsAddr, func(ctx context.Context, system *cascade.System) error {
				payload := patternBytes(size)

				type runReport struct {
					Run           int           `json:"run"`
					Strategy      string        `json:"strategy"`
					Duration      time.Duration `json:"duration"`
					ThroughputMBs float64       `json:"throughput_mbs"`
					CacheSource   string        `json:"cache_source,omitempty"`
				}
				reports := make([]runReport, 0, benchRuns)

				for i := 0; i < benchRuns; i++ {
					opts := &intake.SubmitOptions{}
					if benchCache {
						opts.CacheKey = fmt.Sprintf("bench_%s", benchSize)
					}
					res, err := system.SubmitBytes(ctx, payload, passthrough, opts)
					if err != nil {
						return err
					}
					reports = append(reports, runReport{
						Run:           i + 1,
						Strategy:      string(res.Strategy),
						Duration:      res.Duration,
						ThroughputMBs: float64(res.BytesIn) / res.Duration.Seconds() / (1 << 20),
						CacheSource:   res.CacheSource,
					})
				}

				return printJSON(struct {
					Size  string        `json:"size"`
					Runs  []runReport   `json:"runs"`
					Stats cascade.Stats `json:"stats"`
				}{benchSize, reports, system.Stats()})
			})
		},
	}
	benchCmd.Flags().StringVar(&benchSize, "size", "32MB", "synthetic input size (e.g. 512KB, 32MB)")
	benchCmd.Flags().IntVar(&benchRuns, "runs", 3, "number of benchmark runs")
	benchCmd.Flags().BoolVar(&benchCache, "cache", false, "route runs through the result cache")
	root.AddCommand(benchCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// passthrough copies its chunk, exercising the full pipeline without
// transforming content. Real deployments supply their own ProcessFunc.
func passthrough(_ context.Context, chunk []byte, _ intake.ChunkMeta) ([]byte, error) {
	out := make([]byte, len(chunk))
	copy(out, chunk)
	return out, nil
}

// withSystem builds a System from flags, runs fn under signal-aware
// cancellation, and tears the System down afterwards.
func withSystem(configFile, logLevel, metricsAddr string, fn func(context.Context, *cascade.System) error) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Observability.LogLevel = logLevel
	}
	if metricsAddr != "" {
		cfg.Observability.MetricsAddr = metricsAddr
	}

	if err := logger.Init(logger.Config{
		Level:    cfg.Observability.LogLevel,
		Encoding: "console",
	}); err != nil {
		return err
	}
	log := logger.Get()
	defer func() { _ = logger.Sync() }()

	system, err := cascade.New(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	system.Start(ctx)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := system.Close(closeCtx); err != nil {
			log.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	if addr := cfg.Observability.MetricsAddr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: promhttp.Handler()}
		go func() {
			log.Info("serving metrics", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	return fn(ctx, system)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig("cascade"), nil
	}
	return config.LoadPipeline(path, "cascade")
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// patternBytes produces a deterministic synthetic payload.
func patternBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// parseSize converts strings like "512KB" or "32MB" to a byte count.
func parseSize(s string) (int, error) {
	var n float64
	var unit string
	if _, err := fmt.Sscanf(s, "%f%s", &n, &unit); err != nil {
		if _, err := fmt.Sscanf(s, "%f", &n); err != nil {
			return 0, fmt.Errorf("invalid size %q", s)
		}
		unit = "B"
	}
	mult := 1.0
	switch unit {
	case "B", "b", "":
		mult = 1
	case "KB", "kb", "K", "k":
		mult = 1 << 10
	case "MB", "mb", "M", "m":
		mult = 1 << 20
	case "GB", "gb", "G", "g":
		mult = 1 << 30
	default:
		return 0, fmt.Errorf("unknown size unit %q", unit)
	}
	size := int(n * mult)
	if size <= 0 {
		return 0, fmt.Errorf("size must be positive, got %q", s)
	}
	return size, nil
}
