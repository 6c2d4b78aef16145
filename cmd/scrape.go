// Package cmd defines the CLI commands for the wikivault executable.
package cmd

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wikivault/wikivault/internal/orchestrator"
	"github.com/wikivault/wikivault/internal/wiki"
)

func newScrapeCmd() *cobra.Command {
	var (
		mode       string
		namespaces []string
		resume     bool
		freshStart bool
	)

	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Archives page revisions from the configured wiki",
		Long: `Walks the wiki's page listings namespace by namespace and fetches
every revision of every page. A full scrape re-reads complete histories;
an incremental scrape only fetches revisions newer than what is already
archived. SIGINT/SIGTERM flush a checkpoint and exit cleanly; pass
--resume on the next invocation to pick up where the run stopped.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScrape(cmd, mode, namespaces, resume, freshStart)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "full", "scrape mode: full or incremental")
	cmd.Flags().StringSliceVar(&namespaces, "namespaces", nil, "namespaces to walk (default from config)")
	cmd.Flags().BoolVar(&resume, "resume", false, "resume from the saved checkpoint")
	cmd.Flags().BoolVar(&freshStart, "fresh-start", false, "discard an unreadable checkpoint and start over")

	return cmd
}

func runScrape(cmd *cobra.Command, mode string, namespaces []string, resume, freshStart bool) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()

	var runMode wiki.RunMode
	switch mode {
	case "full":
		runMode = wiki.ModeFull
	case "incremental":
		runMode = wiki.ModeIncremental
	default:
		return fmt.Errorf("unknown mode %q: want full or incremental", mode)
	}

	if len(namespaces) == 0 {
		namespaces = appInstance.Config().Source.Namespaces
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if apiCfg := appInstance.Config().API; apiCfg.Enabled {
		srv := appInstance.APIServer()
		go func() {
			if serr := srv.Serve(ctx, apiCfg.Addr); serr != nil {
				logger.Warn("api server stopped", zap.Error(serr))
			}
		}()
	}

	res, err := appInstance.Orchestrator().Start(ctx, orchestrator.Options{
		Mode:       runMode,
		Namespaces: namespaces,
		Resume:     resume,
		FreshStart: freshStart,
	})
	if res == nil {
		if err != nil {
			return fmt.Errorf("run scrape: %w", err)
		}
		return errors.New("run scrape: no result")
	}

	logger.Info("scrape finished",
		zap.String("run_id", res.RunID),
		zap.String("state", string(res.State)),
		zap.Int("pages_scraped", res.PagesScraped),
		zap.Int("pages_skipped", res.PagesSkipped),
		zap.Int("pages_failed", len(res.Failures)),
		zap.Int("revisions_added", res.RevisionsAdded),
		zap.Int("files_downloaded", res.FilesDownloaded),
		zap.Duration("duration", res.Duration))
	for _, f := range res.Failures {
		logger.Warn("page failed",
			zap.String("page", f.Page.Key()),
			zap.String("kind", string(f.Kind)),
			zap.String("error", f.Err))
	}

	if code := res.ExitCode(); code != orchestrator.ExitOK {
		return &exitError{code: code, err: err}
	}
	return err
}
