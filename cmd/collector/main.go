// Command collector samples GPUs and Slurm jobs on one node and reports
// them to the aggregator.
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

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/worldland/slurmwatch/internal/adapters/mtls"
	"github.com/worldland/slurmwatch/internal/adapters/nvml"
	"github.com/worldland/slurmwatch/internal/adapters/slurm"
	"github.com/worldland/slurmwatch/internal/config"
	"github.com/worldland/slurmwatch/internal/domain"
	"github.com/worldland/slurmwatch/internal/logger"
	"github.com/worldland/slurmwatch/internal/services"
	"github.com/worldland/slurmwatch/internal/setup"
	"github.com/worldland/slurmwatch/internal/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, identity, aggregatorAddr, listenAddr string
	var preflightOnly bool

	flagSet := pflag.NewFlagSet("collector", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to YAML config (default: $"+config.EnvConfigPath+")")
	flagSet.StringVar(&identity, "identity", "", "override collector.identity (default: hostname)")
	flagSet.StringVar(&aggregatorAddr, "aggregator", "", "override collector.aggregator_addr")
	flagSet.StringVar(&listenAddr, "listen", "", "override collector.listen_addr")
	flagSet.BoolVar(&preflightOnly, "preflight", false, "check required tools and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	preflight := setup.RunPreflight(ctx)
	if preflightOnly {
		preflight.PrintStatus(os.Stdout)
		if !preflight.Ready() {
			return fmt.Errorf("missing: %v", preflight.MissingComponents())
		}
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cc := &cfg.Collector
	if identity != "" {
		cc.Identity = identity
	}
	if aggregatorAddr != "" {
		cc.AggregatorAddr = aggregatorAddr
	}
	if listenAddr != "" {
		cc.ListenAddr = listenAddr
	}
	if err := cc.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	hostname, _ := os.Hostname()
	if cc.Identity == "" {
		cc.Identity = hostname
	}
	if cc.Identity == "" {
		return errors.New("collector identity is required (hostname unavailable)")
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}

	for _, c := range preflight.Components {
		if !c.Installed {
			log.Warn().Str("component", c.Name).Bool("required", c.Required).Msg("Preflight: component missing")
		}
	}

	return collect(ctx, cc, hostname, log)
}

func collect(ctx context.Context, cc *config.CollectorConfig, hostname string, log logger.Logger) error {
	opts := services.CollectorOptions{
		Identity: domain.CollectorIdentity(cc.Identity),
		Node:     cc.Node,
		Interval: cc.Interval.Std(),
		NodeInfo: services.DetectNodeInfo(hostname),
		Logger:   log,
	}

	if cc.AggregatorAddr != "" {
		format, err := wire.ParseFormat(cc.Format)
		if err != nil {
			return err
		}
		pushOpts := mtls.Options{Format: format, MaxRetries: 3, Logger: log}
		if cc.TLS.Enabled() {
			cert, pool, err := cc.TLS.Load()
			if err != nil {
				return fmt.Errorf("collector TLS: %w", err)
			}
			opts.Pusher = mtls.NewTLSClient(cc.AggregatorAddr, cert, pool, pushOpts)
		} else {
			opts.Pusher = mtls.NewClient(cc.AggregatorAddr, pushOpts)
		}
	}

	gpu := nvml.NewNVMLProvider()
	if cc.JobUsage {
		opts.Processes = gpu
		opts.JobPIDs = slurm.NewScontrol()
	}

	daemon := services.NewCollectorDaemon(gpu, slurm.NewSqueue(), opts)
	daemon.Init()
	defer daemon.Close()

	g, gctx := errgroup.WithContext(ctx)

	if opts.Pusher != nil {
		g.Go(func() error { return daemon.Run(gctx) })
	}

	if cc.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/telemetry", daemon)
		server := &http.Server{Addr: cc.ListenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			log.Info().Str("addr", cc.ListenAddr).Msg("Serving telemetry for polling")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
