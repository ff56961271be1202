package serve

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/taskup/outbox/cmd/config"
	"github.com/taskup/outbox/cmd/util"
	"github.com/taskup/outbox/internal/api"
	apiHttp "github.com/taskup/outbox/internal/api/http"
	"github.com/taskup/outbox/internal/connectivity"
	"github.com/taskup/outbox/internal/connectivity/probe"
	"github.com/taskup/outbox/internal/coordinator"
	"github.com/taskup/outbox/internal/metrics"
	"github.com/taskup/outbox/internal/queue"
	remoteHttp "github.com/taskup/outbox/internal/remote/http"
	"github.com/taskup/outbox/internal/status"
	"github.com/taskup/outbox/pkg/log"
)

func NewCmd(cfg *config.Config, vip *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the outbox sync engine",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return util.ReadConfig(cmd, vip)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Parse(vip); err != nil {
				return err
			}

			return Serve(cfg)
		},
	}

	// bind config file flag
	cmd.Flags().StringP("config", "c", "", "config file (default outbox.yaml)")

	// bind config
	_ = cfg.Bind(cmd.Flags(), vip)

	// bind other flags
	cmd.Flags().Bool("ignore-asserts", false, "ignore-asserts mode")
	_ = viper.BindPFlag("ignore-asserts", cmd.Flags().Lookup("ignore-asserts"))

	// maintain defined order of flags
	cmd.Flags().SortFlags = false

	return cmd
}

func Serve(cfg *config.Config) error {
	// logger
	logger, err := log.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		slog.Error("failed to create logger", "error", err)
		return err
	}
	slog.SetDefault(logger)

	// metrics
	reg := prometheus.NewRegistry()
	metrics := metrics.New(reg)

	// store
	store, err := cfg.Store.New()
	if err != nil {
		slog.Error("failed to open store", "error", err)
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("error closing store", "store", store, "error", err)
		}
	}()

	// remote api
	remote, err := remoteHttp.New(&cfg.Remote)
	if err != nil {
		slog.Error("failed to create remote api client", "error", err)
		return err
	}

	// connectivity
	source, err := cfg.Connectivity.New()
	if err != nil {
		slog.Error("failed to create connectivity signal", "error", err)
		return err
	}

	queue := queue.New(store, &cfg.Store.Queue, metrics)
	monitor := connectivity.NewMonitor(source, cfg.Connectivity.Debounce, metrics)
	reporter := status.NewReporter(queue)
	coordinator := coordinator.New(&cfg.Sync, queue, remote, monitor, reporter, metrics)

	manual, _ := source.(*connectivity.Manual)
	api := api.New(queue, coordinator, reporter, monitor, manual)

	server, err := apiHttp.New(api, &cfg.API)
	if err != nil {
		slog.Error("failed to create control api", "error", err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// start coordinator/monitor
	done := make(chan struct{})
	go func() {
		defer close(done)
		coordinator.Run(ctx)
	}()

	if err := monitor.Start(ctx, coordinator); err != nil {
		slog.Error("failed to start connectivity monitor", "error", err)
		return err
	}

	p, isProbe := source.(*probe.Probe)
	if isProbe {
		if err := p.Start(); err != nil {
			slog.Error("failed to start connectivity probe", "error", err)
			return err
		}
	}

	slog.Info("outbox started", "store", store, "remote", remote, "connectivity", source, "pending", queue.Count(ctx))

	// start control api
	errors := make(chan error, 1)
	go server.Start(errors)

	// metrics server
	var metricsServer *http.Server
	if cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: fmt.Sprintf(":%d", cfg.MetricsPort), Handler: mux}

		go func() {
			for {
				slog.Info("starting metrics server", "addr", metricsServer.Addr)
				if err := metricsServer.ListenAndServe(); err != nil && err == http.ErrServerClosed {
					return
				}

				slog.Error("restarting metrics server...", "error", err)
				time.Sleep(5 * time.Second)
			}
		}()
	}

	// halt until we get a shutdown signal or an error
	// occurs, whichever happens first
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case s := <-sig:
		slog.Info("shutdown signal received, shutting down", "signal", s)
	case err := <-errors:
		slog.Error("control api error received, shutting down", "error", err)
	}

	// stop accepting requests before stopping the engine
	if err := server.Stop(); err != nil {
		slog.Warn("error stopping control api", "error", err)
	}

	if isProbe {
		_ = p.Stop()
	}
	monitor.Stop()

	cancel()
	<-done

	if metricsServer != nil {
		if err := metricsServer.Close(); err != nil {
			slog.Warn("error stopping metrics server", "error", err)
		}
	}

	slog.Info("outbox stopped", "pending", queue.Count(context.Background()))
	return nil
}
