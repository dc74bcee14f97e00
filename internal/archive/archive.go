// Package archive appends accepted reports to durable sinks off the ingest path.
package archive

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/worldland/slurmwatch/internal/clock"
	"github.com/worldland/slurmwatch/internal/domain"
	"github.com/worldland/slurmwatch/internal/logger"
)

// Entry is one archived observation.
type Entry struct {
	ID         uuid.UUID                `json:"id"`
	Identity   domain.CollectorIdentity `json:"identity"`
	ObservedAt time.Time                `json:"observed_at"`
	ReceivedAt time.Time                `json:"received_at"`
	Record     *domain.TelemetryRecord  `json:"record"`
}

// Sink persists batches of entries.
type Sink interface {
	Write(ctx context.Context, entries []Entry) error
	Close() error
}

const (
	DefaultQueueSize     = 1024
	DefaultBatchSize     = 64
	DefaultFlushInterval = 5 * time.Second
)

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	Clock         clock.Clock
	Logger        logger.Logger
}

// Recorder queues observations and writes them from a single goroutine.
// Record never blocks; when the queue is full the observation is dropped.
type Recorder struct {
	sinks   []Sink
	queue   chan Entry
	batch   int
	flush   time.Duration
	clock   clock.Clock
	log     logger.Logger
	dropped atomic.Uint64
}

// NewRecorder creates a Recorder writing to sinks.
func NewRecorder(opts RecorderOptions, sinks ...Sink) *Recorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewTestLogger()
	}
	return &Recorder{
		sinks: sinks,
		queue: make(chan Entry, opts.QueueSize),
		batch: opts.BatchSize,
		flush: opts.FlushInterval,
		clock: opts.Clock,
		log:   opts.Logger.WithComponent("archive"),
	}
}

// Record enqueues obs for archiving.
func (r *Recorder) Record(id domain.CollectorIdentity, obs domain.Observation) {
	e := Entry{
		ID:         uuid.New(),
		Identity:   id,
		ObservedAt: obs.ObservedAt,
		ReceivedAt: r.clock.Now(),
		Record:     obs.Record,
	}
	select {
	case r.queue <- e:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.log.Warn().Str("collector", string(id)).Uint64("dropped", n).Msg("Archive queue full, dropping report")
		}
	}
}

// Dropped returns how many observations were discarded because the queue was full.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Run writes queued entries until ctx is done, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := r.clock.Ticker(r.flush)
	defer ticker.Stop()

	pending := make([]Entry, 0, r.batch)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-r.queue:
					pending = append(pending, e)
				default:
					r.write(pending)
					return nil
				}
			}
		case e := <-r.queue:
			pending = append(pending, e)
			if len(pending) >= r.batch {
				r.write(pending)
				pending = pending[:0]
			}
		case <-ticker.Chan():
			r.write(pending)
			pending = pending[:0]
		}
	}
}

func (r *Recorder) write(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	// Sinks get their own deadline so shutdown still flushes.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, s := range r.sinks {
		if err := s.Write(ctx, entries); err != nil {
			r.log.Error().Err(err).Int("entries", len(entries)).Msg("Archive write failed")
		}
	}
}

// Close closes every sink.
func (r *Recorder) Close() error {
	var errs []error
	for _, s := range r.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
