package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/worldland/slurmwatch/internal/clock"
	"github.com/worldland/slurmwatch/internal/domain"
	"github.com/worldland/slurmwatch/internal/logger"
	"github.com/worldland/slurmwatch/internal/wire"
)

// Pusher delivers a report to the aggregator.
type Pusher interface {
	Push(ctx context.Context, r wire.Report) (wire.Ack, error)
}

// CollectorOptions configures a CollectorDaemon.
type CollectorOptions struct {
	Identity domain.CollectorIdentity
	// Node is the Slurm node name used to filter jobs. Defaults to Identity.
	Node     string
	Interval time.Duration
	// Pusher is nil in pull-only mode.
	Pusher Pusher
	// NodeInfo is static host information. It is attached until a report
	// carrying it is accepted, again after any failed push, and on every
	// NodeInfoEvery-th report so a restarted aggregator relearns it.
	NodeInfo      *domain.NodeInfo
	NodeInfoEvery int
	// Processes and JobPIDs attribute GPU usage to jobs when both are set.
	Processes domain.ProcessSource
	JobPIDs   domain.JobPIDSource
	Clock     clock.Clock
	Logger    logger.Logger
}

const DefaultNodeInfoEvery = 20

// CollectorDaemon samples GPUs and Slurm jobs on one node. In push mode it
// sends a report every interval; in pull mode it answers GET /telemetry.
type CollectorDaemon struct {
	gpu  domain.GPUProvider
	jobs domain.JobSource
	opts CollectorOptions
	log  logger.Logger

	mu        sync.Mutex
	gpuReady  bool
	sentInfo  bool
	sinceInfo int
}

// NewCollectorDaemon creates a daemon. gpu or jobs may be nil on nodes
// without GPUs or without Slurm.
func NewCollectorDaemon(gpu domain.GPUProvider, jobs domain.JobSource, opts CollectorOptions) *CollectorDaemon {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Node == "" {
		opts.Node = string(opts.Identity)
	}
	if opts.NodeInfoEvery <= 0 {
		opts.NodeInfoEvery = DefaultNodeInfoEvery
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewTestLogger()
	}
	return &CollectorDaemon{
		gpu:  gpu,
		jobs: jobs,
		opts: opts,
		log:  opts.Logger.WithComponent("collector").WithField("collector", string(opts.Identity)),
	}
}

// Init prepares the GPU provider. A node whose GPUs cannot be initialized
// keeps reporting jobs with an empty GPU list.
func (d *CollectorDaemon) Init() {
	if d.gpu == nil {
		return
	}
	if err := d.gpu.Init(); err != nil {
		d.log.Warn().Err(err).Msg("GPU provider init failed, continuing without GPU metrics")
		return
	}

	d.mu.Lock()
	d.gpuReady = true
	d.mu.Unlock()

	if d.opts.NodeInfo != nil && len(d.opts.NodeInfo.GPUs) == 0 {
		if specs, err := d.gpu.GetSpecs(); err == nil {
			d.opts.NodeInfo.GPUs = specs
		}
	}
}

// Close releases the GPU provider.
func (d *CollectorDaemon) Close() {
	d.mu.Lock()
	ready := d.gpuReady
	d.gpuReady = false
	d.mu.Unlock()

	if ready {
		_ = d.gpu.Shutdown()
	}
}

// Collect takes one sample. Any source error fails the whole sample.
func (d *CollectorDaemon) Collect(ctx context.Context) (wire.Report, error) {
	record := &domain.TelemetryRecord{
		GPUs: []domain.GPUMetrics{},
		Jobs: []domain.JobRow{},
	}

	d.mu.Lock()
	ready := d.gpuReady
	d.mu.Unlock()

	if ready {
		metrics, err := d.gpu.GetMetrics()
		if err != nil {
			return wire.Report{}, fmt.Errorf("collect GPU metrics: %w", err)
		}
		record.GPUs = metrics

		usage, err := d.collectUsage(ctx)
		if err != nil {
			return wire.Report{}, err
		}
		record.Usage = usage
	}

	if d.jobs != nil {
		jobs, err := d.jobs.ListJobs(ctx, d.opts.Node)
		if err != nil {
			return wire.Report{}, fmt.Errorf("collect jobs: %w", err)
		}
		if jobs != nil {
			record.Jobs = jobs
		}
	}

	return wire.Report{
		Identity:   d.opts.Identity,
		ObservedAt: d.opts.Clock.Now().UTC(),
		Kind:       wire.KindReport,
		Record:     record,
	}, nil
}

func (d *CollectorDaemon) collectUsage(ctx context.Context) ([]domain.GPUUsage, error) {
	if d.opts.Processes == nil || d.opts.JobPIDs == nil {
		return nil, nil
	}

	procs, err := d.opts.Processes.GetProcesses()
	if err != nil {
		return nil, fmt.Errorf("collect GPU processes: %w", err)
	}
	if len(procs) == 0 {
		return []domain.GPUUsage{}, nil
	}

	pids, err := d.opts.JobPIDs.JobPIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect job pids: %w", err)
	}
	return domain.AttributeUsage(procs, pids), nil
}

// Run pushes a report immediately and then every interval until ctx is done,
// then announces the shutdown to the aggregator.
func (d *CollectorDaemon) Run(ctx context.Context) error {
	if d.opts.Pusher == nil {
		return errors.New("collector has no pusher")
	}

	ticker := d.opts.Clock.Ticker(d.opts.Interval)
	defer ticker.Stop()

	d.log.Info().Dur("interval", d.opts.Interval).Msg("Collector started")

	d.pushOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			d.disconnect()
			return nil
		case <-ticker.Chan():
			d.pushOnce(ctx)
		}
	}
}

func (d *CollectorDaemon) pushOnce(ctx context.Context) {
	report, err := d.Collect(ctx)
	if err != nil {
		d.log.Warn().Err(err).Msg("Collection failed, skipping report")
		return
	}

	d.mu.Lock()
	attachInfo := d.opts.NodeInfo != nil && (!d.sentInfo || d.sinceInfo >= d.opts.NodeInfoEvery)
	d.mu.Unlock()
	if attachInfo {
		report.Record.Node = d.opts.NodeInfo.Clone()
	}

	ack, err := d.opts.Pusher.Push(ctx, report)
	if err != nil {
		// The aggregator may have restarted without our node info.
		d.mu.Lock()
		d.sentInfo = false
		d.mu.Unlock()
		if ctx.Err() == nil {
			d.log.Warn().Err(err).Str("status", string(ack.Status)).Msg("Failed to push report")
		}
		return
	}

	d.mu.Lock()
	switch {
	case attachInfo && ack.Status == wire.StatusAccepted:
		d.sentInfo = true
		d.sinceInfo = 1
	case d.sentInfo:
		d.sinceInfo++
	}
	d.mu.Unlock()

	d.log.Debug().
		Str("status", string(ack.Status)).
		Int("gpus", len(report.Record.GPUs)).
		Int("jobs", len(report.Record.Jobs)).
		Int("usage_rows", len(report.Record.Usage)).
		Msg("Report pushed")
}

func (d *CollectorDaemon) disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := d.opts.Pusher.Push(ctx, wire.Report{
		Identity:   d.opts.Identity,
		ObservedAt: d.opts.Clock.Now().UTC(),
		Kind:       wire.KindDisconnect,
	})
	if err != nil {
		d.log.Warn().Err(err).Msg("Failed to announce disconnect")
		return
	}
	d.log.Info().Msg("Disconnect announced")
}

// ServeHTTP handles GET /telemetry for aggregators that poll. The response
// is CBOR when the request accepts it and JSON otherwise.
func (d *CollectorDaemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	report, err := d.Collect(r.Context())
	if err != nil {
		d.log.Warn().Err(err).Msg("Collection failed for poll")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	report.Record.Node = d.opts.NodeInfo.Clone()

	format := wire.JSON
	if strings.Contains(r.Header.Get("Accept"), wire.ContentTypeCBOR) {
		format = wire.CBOR
	}

	data, err := wire.Encode(format, report)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
