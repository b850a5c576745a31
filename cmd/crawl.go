package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/groupcrawl/internal/app"
	"github.com/JakeFAU/groupcrawl/internal/spider"
)

// fs is the filesystem spider definitions are read from.
var fs = afero.NewOsFs()

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl <spider-file>",
		Short: "Crawl from a spider definition",
		Long: `Loads a spider definition (YAML or JSON with start_url/start_urls and a
scraper rule), crawls from its start URLs and prints every fetched URL.
With --queue-path the crawl can be interrupted and resumed.`,
		Args: cobra.ExactArgs(1),
		RunE: runCrawlCommand,
	}
}

func runCrawlCommand(cmd *cobra.Command, args []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	logger := rt.logger

	s, err := spider.Load(fs, args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, rt.cfg, s, logger, app.Options{Out: cmd.OutOrStdout()})
	if err != nil {
		return fmt.Errorf("init crawler: %w", err)
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.Warn("failed to close crawler", zap.Error(cerr))
		}
	}()

	summary, err := a.Crawl(ctx)
	if err != nil {
		return fmt.Errorf("crawl: %w", err)
	}
	logger.Info("crawl command finished",
		zap.Int("fetched", summary.Fetched),
		zap.Int("failed", summary.Failed),
		zap.Int("canceled", summary.Canceled),
	)
	return nil
}
