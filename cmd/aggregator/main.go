// Command aggregator receives telemetry from collectors on a Slurm GPU
// cluster and serves the current cluster view.
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

	"github.com/worldland/slurmwatch/internal/adapters/slurm"
	"github.com/worldland/slurmwatch/internal/aggregator"
	"github.com/worldland/slurmwatch/internal/api"
	"github.com/worldland/slurmwatch/internal/archive"
	"github.com/worldland/slurmwatch/internal/clock"
	"github.com/worldland/slurmwatch/internal/config"
	"github.com/worldland/slurmwatch/internal/ingest"
	"github.com/worldland/slurmwatch/internal/logger"
	"github.com/worldland/slurmwatch/internal/snapshot"
	"github.com/worldland/slurmwatch/internal/sweeper"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var tcpAddr, httpAddr, archiveDir string
	var stalenessWindow config.Duration

	flagSet := pflag.NewFlagSet("aggregator", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to YAML config (default: $"+config.EnvConfigPath+")")
	flagSet.StringVar(&tcpAddr, "tcp-addr", "", "override aggregator.ingest.tcp_addr")
	flagSet.StringVar(&httpAddr, "http-addr", "", "override aggregator.http_addr")
	flagSet.StringVar(&archiveDir, "archive-dir", "", "override aggregator.archive.dir")
	flagSet.Var(&stalenessWindow, "staleness-window", "override aggregator.staleness_window")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ac := &cfg.Aggregator
	if tcpAddr != "" {
		ac.Ingest.TCPAddr = tcpAddr
	}
	if httpAddr != "" {
		ac.HTTPAddr = httpAddr
	}
	if archiveDir != "" {
		ac.Archive.Dir = archiveDir
	}
	if stalenessWindow > 0 {
		ac.StalenessWindow = stalenessWindow
	}
	if err := ac.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, ac, log)
}

func serve(ctx context.Context, ac *config.AggregatorConfig, log logger.Logger) error {
	clk := clock.Real()

	agg := aggregator.New(aggregator.Options{
		StalenessWindow:  ac.StalenessWindow.Std(),
		FailureThreshold: ac.FailureThreshold,
		TimelineSize:     ac.TimelineSize,
		Clock:            clk,
		Logger:           log,
	})

	recorder, err := openArchive(ctx, ac.Archive, agg, clk, log)
	if err != nil {
		return err
	}

	epOpts := ingest.Options{
		MaxInFlight:  ac.Ingest.MaxInFlight,
		MaxClockSkew: ac.MaxClockSkew.Std(),
		Clock:        clk,
		Logger:       log,
	}
	if recorder != nil {
		epOpts.Archiver = recorder
	}
	ep := ingest.NewEndpoint(agg, epOpts)

	tcpOpts := ingest.TCPOptions{
		MaxReportBytes: ac.Ingest.MaxReportBytes,
		ReadTimeout:    ac.Ingest.ReadTimeout.Std(),
		Logger:         log,
	}
	if ac.Ingest.TLS.Enabled() {
		tcpOpts.TLSConfig, err = ac.Ingest.TLS.ServerConfig()
		if err != nil {
			return fmt.Errorf("ingest TLS: %w", err)
		}
	}

	handler := api.NewHandler(snapshot.NewReader(agg), agg, ingest.NewHTTPHandler(ep, ac.Ingest.MaxReportBytes))
	if ac.Sreport != "" {
		sreport := slurm.NewSreport()
		sreport.Binary = ac.Sreport
		handler.WithGPUTime(sreport)
	}
	server := &http.Server{
		Addr:              ac.HTTPAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ingest.NewTCPListener(ep, tcpOpts).ListenAndServe(gctx, ac.Ingest.TCPAddr)
	})

	g.Go(func() error {
		return sweeper.New(agg, ac.SweepInterval.Std(), ac.StalenessWindow.Std(), clk, log).Run(gctx)
	})

	if len(ac.Collectors) > 0 {
		poller := ingest.NewPoller(ep, &ingest.HTTPFetcher{
			Client:   &http.Client{Timeout: ac.PollTimeout.Std()},
			MaxBytes: ac.Ingest.MaxReportBytes,
		}, ac.Collectors, ingest.PollerOptions{
			Interval:   ac.PollInterval.Std(),
			Timeout:    ac.PollTimeout.Std(),
			MaxRetries: ac.PollRetries,
			Clock:      clk,
			Logger:     log,
		})
		g.Go(func() error { return poller.Run(gctx) })
	}

	if recorder != nil {
		g.Go(func() error { return recorder.Run(gctx) })
	}

	g.Go(func() error {
		log.Info().Str("addr", ac.HTTPAddr).Msg("Serving cluster API")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	if recorder != nil {
		if cerr := recorder.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("Archive close failed")
		}
		if n := recorder.Dropped(); n > 0 {
			log.Warn().Uint64("dropped", n).Msg("Reports dropped by a full archive queue")
		}
	}

	log.Info().Int("collectors", agg.Len()).Msg("Aggregator stopped")
	return err
}

// openArchive builds the recorder for the configured sinks and replays the
// file archive when asked. It returns nil when archiving is disabled.
func openArchive(ctx context.Context, cfg config.ArchiveConfig, agg *aggregator.Aggregator, clk clock.Clock, log logger.Logger) (*archive.Recorder, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	var sinks []archive.Sink

	if cfg.Dir != "" {
		fs, err := archive.NewFileSink(cfg.Dir)
		if err != nil {
			return nil, err
		}
		if cfg.Replay {
			n, err := archive.Restore(fs, agg, log, archive.RestoreWindow(clk.Now())...)
			if err != nil {
				log.Warn().Err(err).Msg("Archive replay incomplete")
			}
			log.Info().Int("reports", n).Str("dir", cfg.Dir).Msg("Archive replayed")
		}
		sinks = append(sinks, fs)
	}

	if cfg.PostgresDSN != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		pg, err := archive.OpenPostgres(connectCtx, cfg.PostgresDSN, 5)
		if err != nil {
			for _, s := range sinks {
				s.Close()
			}
			return nil, err
		}
		log.Info().Msg("Connected to postgres archive")
		sinks = append(sinks, pg)
	}

	return archive.NewRecorder(archive.RecorderOptions{
		QueueSize:     cfg.QueueSize,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushEvery.Std(),
		Clock:         clk,
		Logger:        log,
	}, sinks...), nil
}
