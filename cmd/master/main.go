// Master aggregates folder listings reported by watchers.
//
// Two listeners are served: the intake that watchers post reports to, and
// the client API with the merged listing, change events and static files.
// Prometheus metrics are served on a third, optional listener.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/folderagg/folderagg/internal/api"
	"github.com/folderagg/folderagg/internal/cleanup"
	"github.com/folderagg/folderagg/internal/config"
	"github.com/folderagg/folderagg/internal/events"
	"github.com/folderagg/folderagg/internal/logging"
	"github.com/folderagg/folderagg/internal/metrics"
	"github.com/folderagg/folderagg/internal/ratelimit"
	"github.com/folderagg/folderagg/internal/store"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	d := config.DefaultMaster()
	var configPath string

	cmd := &cobra.Command{
		Use:           "master",
		Short:         "Aggregate folder listings reported by watchers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadMaster(configPath)
			if err != nil {
				return err
			}
			if err := applyFlags(cmd.Flags(), cfg.Set); err != nil {
				return err
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
	f.String("watcher-address", d.WatcherAddr, "address to listen on for watcher reports")
	f.String("client-address", d.ClientAddr, "address to listen on for client requests")
	f.String("metrics-address", d.MetricsAddr, "address for the Prometheus endpoint (empty disables)")
	f.String("static", d.StaticDir, "directory of static files served to clients")
	f.String("log-level", d.LogLevel, "debug, info, warn or error")
	f.String("log-format", d.LogFormat, "json or console")
	f.Duration("stale-after", d.StaleAfter, "age after which a source's rows are flagged stale")
	f.Duration("expire-after", d.ExpireAfter, "age after which a source is dropped")
	f.Duration("cleanup-interval", d.CleanupInterval, "period of the expiry pass (0 = expire-after)")
	f.Int64("max-body-bytes", d.MaxBodyBytes, "largest accepted report body")
	f.Float64("intake-rate", d.IntakeRate, "reports per second allowed per source (0 = unlimited)")
	f.Int("intake-burst", d.IntakeBurst, "report burst allowed per source")
	f.Int("rate-limit-sources", d.RateLimitSources, "number of sources tracked by the rate limiter")
	f.String("nats-url", d.NATSURL, "NATS server for change events (empty disables)")
	f.String("nats-subject", d.NATSSubject, "subject prefix for change events")
	return cmd
}

// applyFlags copies every flag set on the command line into the config.
func applyFlags(flags *pflag.FlagSet, set func(key, value string) error) error {
	var err error
	flags.Visit(func(f *pflag.Flag) {
		if err != nil || f.Name == "config" {
			return
		}
		err = set(f.Name, f.Value.String())
	})
	return err
}

func run(ctx context.Context, cfg *config.Master) error {
	logging.Info("master starting",
		logging.String("watcher_address", cfg.WatcherAddr),
		logging.String("client_address", cfg.ClientAddr),
		logging.String("static", cfg.StaticDir),
		logging.Duration("stale_after", cfg.StaleAfter),
		logging.Duration("expire_after", cfg.ExpireAfter))

	st := store.New(cfg.StaleAfter)
	broadcaster := events.NewBroadcaster()

	limiter, err := ratelimit.New(cfg.IntakeRate, cfg.IntakeBurst, cfg.RateLimitSources)
	if err != nil {
		return err
	}

	srv, err := api.NewServer(api.Config{
		Store:        st,
		Broadcaster:  broadcaster,
		Limiter:      limiter,
		MaxBodyBytes: cfg.MaxBodyBytes,
		StaticDir:    cfg.StaticDir,
	})
	if err != nil {
		return err
	}

	scheduler := cleanup.New(st, cfg.CleanupInterval, cfg.ExpireAfter,
		cleanup.OnExpire(func(ids []string) {
			for _, id := range ids {
				broadcaster.Publish(events.Event{Type: events.EventExpired, Source: id})
			}
		}))

	var bridge *events.NATSBridge
	if cfg.NATSURL != "" {
		nc, err := events.Connect(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer nc.Drain()
		bridge = events.NewNATSBridge(broadcaster, nc, cfg.NATSSubject)
	}

	g, ctx := errgroup.WithContext(ctx)

	// Requests inherit ctx so event streams end when shutdown starts.
	baseContext := func(net.Listener) context.Context { return ctx }
	servers := []*http.Server{
		{Addr: cfg.WatcherAddr, Handler: srv.IntakeHandler(), BaseContext: baseContext},
		{Addr: cfg.ClientAddr, Handler: srv.ClientHandler(), BaseContext: baseContext},
	}
	if cfg.MetricsAddr != "" {
		servers = append(servers, &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(), BaseContext: baseContext})
	}
	for _, hs := range servers {
		hs := hs
		g.Go(func() error { return serve(hs) })
	}

	g.Go(func() error { return scheduler.Run(ctx) })

	if bridge != nil {
		g.Go(func() error { return bridge.Run(ctx) })
	}

	g.Go(func() error {
		<-ctx.Done()
		logging.Info("shutting down...")
		shutdown(servers)
		return nil
	})

	return g.Wait()
}

func serve(hs *http.Server) error {
	logging.Info("listening", logging.String("addr", hs.Addr))
	if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", hs.Addr, err)
	}
	return nil
}

// shutdown drains every server, closing any that outlive the timeout.
func shutdown(servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, hs := range servers {
		if err := hs.Shutdown(ctx); err != nil {
			logging.Warn("forcing server close", logging.String("addr", hs.Addr), logging.Err(err))
			hs.Close()
		}
	}
}
