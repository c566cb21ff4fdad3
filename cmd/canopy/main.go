// Canopy collects audit and security logs from SaaS APIs on a
// schedule, normalizes them, and delivers them to configured outputs
// with checkpointed, at-least-once semantics.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/canopyhq/canopy/pkg/cache"
	"github.com/canopyhq/canopy/pkg/config"
	"github.com/canopyhq/canopy/pkg/connector"
	"github.com/canopyhq/canopy/pkg/logger"
	"github.com/canopyhq/canopy/pkg/observability"
	"github.com/canopyhq/canopy/pkg/output"
	"github.com/canopyhq/canopy/pkg/scheduler"
	"github.com/canopyhq/canopy/pkg/secrets"
	"github.com/canopyhq/canopy/pkg/transform"

	// Register all connector kinds.
	_ "github.com/canopyhq/canopy/pkg/connector/sources/bigquery"
	_ "github.com/canopyhq/canopy/pkg/connector/sources/github"
	_ "github.com/canopyhq/canopy/pkg/connector/sources/okta"
)

var version = "0.1.0"

func main() {
	_ = godotenv.Load()

	viper.SetEnvPrefix("CANOPY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	root := &cobra.Command{
		Use:          "canopy",
		Short:        "Canopy - scheduled SaaS log collection",
		Long:         "Canopy polls SaaS provider APIs on a schedule, normalizes their audit and security logs, and delivers them to configured outputs with checkpointed at-least-once semantics.",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("config-source", "file", "instance config source kind (file, env)")
	flags.String("config-path", "./instances", "instance document directory for the file config source")
	flags.String("cache", "file", "checkpoint cache kind (memory, file, dynamodb, postgres)")
	flags.StringToString("cache-param", nil, "checkpoint cache parameters, e.g. path=/var/lib/canopy/cache.json")
	flags.String("secrets", "env", "secret source kind (env, file)")
	flags.StringToString("secrets-param", nil, "secret source parameters")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Float64("trace-sampling", 0, "trace sampling rate in [0,1]; 0 disables tracing")
	for _, name := range []string{"config-source", "config-path", "cache", "secrets", "log-level", "trace-sampling"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(daemonCmd(), onceCmd(), tickCmd(), listCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// runtimeDeps are the collaborators every collection command needs.
type runtimeDeps struct {
	store    cache.Cache
	sec      secrets.Source
	configs  config.Source
	shutdown func(context.Context) error
}

func setup(cmd *cobra.Command) (*runtimeDeps, error) {
	ctx := cmd.Context()

	if err := logger.Init(logger.Config{
		Level:    viper.GetString("log-level"),
		Encoding: "json",
	}); err != nil {
		return nil, err
	}

	shutdown, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName:    "canopy",
		ServiceVersion: version,
		SamplingRate:   viper.GetFloat64("trace-sampling"),
	})
	if err != nil {
		return nil, err
	}

	cacheParams, _ := cmd.Flags().GetStringToString("cache-param")
	store, err := cache.Open(ctx, viper.GetString("cache"), cacheParams)
	if err != nil {
		return nil, err
	}

	secretParams, _ := cmd.Flags().GetStringToString("secrets-param")
	sec, err := secrets.Open(ctx, viper.GetString("secrets"), secretParams)
	if err != nil {
		return nil, err
	}

	configs, err := config.Open(ctx, viper.GetString("config-source"), map[string]string{
		"path": viper.GetString("config-path"),
	})
	if err != nil {
		return nil, err
	}

	return &runtimeDeps{store: store, sec: sec, configs: configs, shutdown: shutdown}, nil
}

func schedulerOptions(cmd *cobra.Command) scheduler.Options {
	workers, _ := cmd.Flags().GetInt("workers")
	return scheduler.Options{Workers: workers}
}

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the collection scheduler until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			deps, err := setup(cmd)
			if err != nil {
				return err
			}
			defer deps.shutdown(context.Background())
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				server := &http.Server{Addr: metricsAddr, Handler: mux}
				go func() {
					if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("metrics server failed", zap.Error(err))
					}
				}()
				defer server.Shutdown(context.Background())
				logger.Info("metrics listening", zap.String("addr", metricsAddr))
			}

			sched := scheduler.New(deps.store, deps.sec, deps.configs, schedulerOptions(cmd))
			return sched.Run(ctx)
		},
	}
	cmd.Flags().Int("workers", 4, "maximum concurrent collection runs")
	cmd.Flags().String("metrics-addr", ":9090", "prometheus listen address, empty to disable")
	return cmd
}

func onceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Collect every enabled instance exactly once and exit",
		Long:  "Collects every enabled instance exactly once. Exits nonzero when any instance fails permanently, for use in cron-style deployments.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			deps, err := setup(cmd)
			if err != nil {
				return err
			}
			defer deps.shutdown(context.Background())
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sched := scheduler.New(deps.store, deps.sec, deps.configs, schedulerOptions(cmd))
			return sched.RunOnce(ctx)
		},
	}
	cmd.Flags().Int("workers", 4, "maximum concurrent collection runs")
	return cmd
}

func tickCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Perform a single scheduling pass and exit",
		Long:  "Performs one scheduling pass, collecting instances whose interval has elapsed. Safe to invoke concurrently: the stream lease makes overlapping invocations skip each other's work.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			deps, err := setup(cmd)
			if err != nil {
				return err
			}
			defer deps.shutdown(context.Background())
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sched := scheduler.New(deps.store, deps.sec, deps.configs, schedulerOptions(cmd))
			return sched.Tick(ctx)
		},
	}
	cmd.Flags().Int("workers", 4, "maximum concurrent collection runs")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered connector, cache, output, and transform kinds",
		Run: func(_ *cobra.Command, _ []string) {
			printKinds := func(label string, kinds []string) {
				sort.Strings(kinds)
				fmt.Printf("%s:\n", label)
				for _, kind := range kinds {
					fmt.Printf("  - %s\n", kind)
				}
			}
			printKinds("Connectors", connector.Kinds())
			printKinds("Caches", cache.Kinds())
			printKinds("Outputs", output.Kinds())
			printKinds("Transforms", transform.Kinds())
			printKinds("Secret sources", secrets.Kinds())
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("Canopy v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
