package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wikivault/wikivault/internal/api"
	"github.com/wikivault/wikivault/internal/app"
	"github.com/wikivault/wikivault/internal/config"
	"github.com/wikivault/wikivault/internal/logging"
	"github.com/wikivault/wikivault/internal/orchestrator"
	"github.com/wikivault/wikivault/internal/store"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application surface commands depend on. Using an
// interface lets tests inject a fake container.
type App interface {
	Close(ctx context.Context)
	Config() config.Config
	Logger() *zap.Logger
	Orchestrator() *orchestrator.Orchestrator
	Archive() store.Archive
	APIServer() *api.Server
}

// newApp is the application factory; tests replace it with a fake.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

// exitError carries a process exit code out of a command. A run that
// completed with some pages failed is not a hard error, but it must not
// exit zero either.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit code %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wikivault",
		Short: "Archives the full edit history of a MediaWiki site.",
		Long: `wikivault walks a wiki's page listings, fetches every revision of
every page, and stores deduplicated revision history in Postgres.
Interrupted runs checkpoint their progress and can be resumed without
re-archiving completed pages.`,

		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("initialize services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close(context.Background())
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default uses built-in defaults plus WIKIVAULT_* env vars)")

	cmd.AddCommand(newScrapeCmd())
	cmd.AddCommand(newRevisionCmd())

	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	err := newRootCmd().Execute()
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(os.Stderr, "Error:", ee.err)
		}
		return ee.code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return 1
}
