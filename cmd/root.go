// Package cmd defines the groupcrawl command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/groupcrawl/internal/config"
	"github.com/JakeFAU/groupcrawl/internal/logging"
)

// runtimeKeyType is the key for storing loaded settings in the command context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// runtime is what PersistentPreRunE hands to subcommands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// flagBindings maps command line flags to configuration keys.
var flagBindings = map[string]string{
	"threads":           "crawl.threads",
	"group-concurrency": "crawl.group_concurrency",
	"group-buffer-size": "crawl.group_buffer_size",
	"group-throttle":    "crawl.group_throttle",
	"max-retries":       "crawl.max_retries",
	"queue-backend":     "queue.backend",
	"queue-path":        "queue.path",
	"timeout":           "http.timeout",
	"user-agent":        "http.user_agent",
	"server-addr":       "server.addr",
	"log-level":         "logging.level",
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "groupcrawl",
		Short: "A polite concurrent web crawler.",
		Long: `groupcrawl fetches pages in parallel while limiting how many requests
hit each site at once and how often, and streams results as they complete.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFrom(v, cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
				Outputs:     cfg.Logging.Outputs,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), runtimeKey, &runtime{cfg: cfg, logger: logger})
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey).(*runtime); ok {
				_ = rt.logger.Sync()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	flags.Int("threads", 25, "total number of concurrent fetches")
	flags.Int("group-concurrency", 1, "concurrent fetches per origin")
	flags.Int("group-buffer-size", 25, "jobs buffered per origin before the queue stops draining")
	flags.Duration("group-throttle", 0, "minimum delay between dispatches to one origin")
	flags.Int("max-retries", 0, "times a transport failure is retried")
	flags.String("queue-backend", "", "memory, bolt, redis or postgres")
	flags.String("queue-path", "", "bolt queue file; enables resumable crawls")
	flags.Duration("timeout", 0, "per-request timeout")
	flags.String("user-agent", "", "User-Agent header")
	flags.String("server-addr", "", "address for the stats server, e.g. :8080")
	flags.String("log-level", "", "debug, info, warn or error")
	if err := bindFlags(v, cmd); err != nil {
		panic(err)
	}

	cmd.AddCommand(newCrawlCmd())
	return cmd
}

// bindFlags lets a flag override the file and environment only when it is
// actually set on the command line.
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for flag, key := range flagBindings {
		f := cmd.PersistentFlags().Lookup(flag)
		if f == nil {
			return fmt.Errorf("unknown flag %q", flag)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %q: %w", flag, err)
		}
	}
	return nil
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("configuration not loaded")
	}
	return rt, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
