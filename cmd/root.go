// Package cmd defines the rentalcrawler CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/rental-crawler/internal/app"
	"github.com/JakeFAU/rental-crawler/internal/config"
	"github.com/JakeFAU/rental-crawler/internal/logging"
	"github.com/JakeFAU/rental-crawler/internal/metrics"
)

const closeTimeout = 10 * time.Second

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

type rootOptions struct {
	cfgFile string
	dev     bool
}

// newApp is the application factory; tests replace it.
var newApp = func(ctx context.Context, opts *rootOptions) (*app.App, error) {
	cfg, err := config.Load(opts.cfgFile)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging.Development || opts.dev)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return app.New(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "rentalcrawler",
		Short: "Crawl car-rental listings into resumable JSON snapshots.",
		Long: `rentalcrawler expands a paginated car-rental listing, fetches every
car's detail page and persists each record as soon as it is fetched, so an
interrupted run resumes without fetching anything twice.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), opts)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "",
		"config file (default is $XDG_CONFIG_HOME/rentalcrawler/config.yaml)")
	cmd.PersistentFlags().BoolVar(&opts.dev, "dev", false, "development logging")

	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newDetailsCmd())
	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// executeRoot runs root and then closes the services built by the pre-run
// hook. Cobra skips post-run hooks once RunE fails, so closing happens here.
func executeRoot(ctx context.Context, root *cobra.Command) error {
	cmd, err := root.ExecuteContextC(ctx)
	if cmd != nil {
		closeApp(cmd.Context())
	}
	return err
}

func closeApp(ctx context.Context) {
	if ctx == nil {
		return
	}
	appInstance, err := resolveApp(ctx)
	if err != nil {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := appInstance.Close(closeCtx); err != nil {
		appInstance.Logger().Warn("failed to close application services", zap.Error(err))
	}
	_ = appInstance.Logger().Sync()
}

// runWithMetrics runs fn while serving /metrics when metrics.addr is set.
// The endpoint stops once fn returns.
func runWithMetrics(ctx context.Context, appInstance *app.App, fn func(context.Context) error) error {
	addr := appInstance.Config().Metrics.Addr
	if addr == "" {
		return fn(ctx)
	}
	server, err := metrics.NewServer(appInstance.Registry(), appInstance.Logger().Named("metrics"))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServing := context.WithCancel(gctx)
	g.Go(func() error {
		return server.Serve(serveCtx, addr)
	})
	g.Go(func() error {
		defer stopServing()
		return fn(gctx)
	})
	return g.Wait()
}

// Execute runs the root command until SIGINT or SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := executeRoot(ctx, newRootCmd())
	stop()
	if err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		_ = zap.L().Sync()
		os.Exit(1)
	}
}
