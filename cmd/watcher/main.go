// Watcher reports the contents of one folder to a master.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/folderagg/folderagg/internal/config"
	"github.com/folderagg/folderagg/internal/logging"
	"github.com/folderagg/folderagg/internal/metrics"
	"github.com/folderagg/folderagg/internal/reporter"
	"github.com/folderagg/folderagg/internal/watcher"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	d := config.DefaultWatcher()
	var configPath string

	cmd := &cobra.Command{
		Use:           "watcher",
		Short:         "Report the contents of a folder to a master",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWatcher(configPath)
			if err != nil {
				return err
			}
			var setErr error
			cmd.Flags().Visit(func(f *pflag.Flag) {
				if setErr == nil && f.Name != "config" {
					setErr = cfg.Set(f.Name, f.Value.String())
				}
			})
			if setErr != nil {
				return setErr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
				return fmt.Errorf("logging init: %w", err)
			}
			defer logging.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "YAML configuration file")
	f.String("folder", d.Folder, "point to the folder you'd like to watch")
	f.String("master", d.MasterURL, "the address and port of the master")
	f.String("id", d.ID, "unique ID identifying this watcher (random if empty)")
	f.Duration("tick", d.TickInterval, "how often the folder is listed and reported")
	f.Duration("request-timeout", d.RequestTimeout, "timeout for one report")
	f.Int("max-in-flight", d.MaxInFlight, "concurrent reports allowed (0 = unbounded)")
	f.Bool("notify", d.Notify, "also report as soon as the folder changes")
	f.String("log-level", d.LogLevel, "debug, info, warn or error")
	f.String("log-format", d.LogFormat, "json or console")
	f.String("metrics-address", d.MetricsAddr, "address for the Prometheus endpoint (empty disables)")
	return cmd
}

func run(ctx context.Context, cfg *config.Watcher) error {
	rep := reporter.New(reporter.Config{
		MasterURL: cfg.MasterURL,
		Timeout:   cfg.RequestTimeout,
	})
	w := watcher.New(watcher.Config{
		Folder:      cfg.Folder,
		ID:          cfg.ID,
		Interval:    cfg.TickInterval,
		MaxInFlight: cfg.MaxInFlight,
		Notify:      cfg.Notify,
	}, rep)

	logging.Info("watcher starting",
		logging.String("id", w.ID()),
		logging.String("master", cfg.MasterURL),
		logging.String("folder", cfg.Folder),
		logging.Duration("tick", cfg.TickInterval))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(ctx) })

	if cfg.MetricsAddr != "" {
		ms := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
		g.Go(func() error {
			logging.Info("metrics server listening", logging.String("addr", cfg.MetricsAddr))
			if err := ms.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return ms.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	logging.Info("watcher stopped")
	return err
}
