// Package ingest accepts collector reports and hands them to the aggregator.
//
// The endpoint validates envelopes, enforces per-collector monotonicity and
// bounds the number of reports processed at once. Merge policy lives in the
// aggregator.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/worldland/slurmwatch/internal/aggregator"
	"github.com/worldland/slurmwatch/internal/clock"
	"github.com/worldland/slurmwatch/internal/domain"
	"github.com/worldland/slurmwatch/internal/logger"
	"github.com/worldland/slurmwatch/internal/wire"
)

var (
	// ErrInvalidReport is returned for envelopes missing identity, timestamp or record.
	ErrInvalidReport = errors.New("invalid report")
	// ErrOverloaded is returned when too many reports are in flight.
	ErrOverloaded = errors.New("ingestion overloaded")
	// ErrCollect wraps failures to obtain a report from a collector.
	ErrCollect = errors.New("collect failed")
)

const (
	DefaultMaxInFlight  = 64
	DefaultMaxClockSkew = 5 * time.Minute
)

// Store is the part of the aggregator the endpoint writes to.
type Store interface {
	Report(id domain.CollectorIdentity, record *domain.TelemetryRecord, observedAt time.Time) error
	RecordFailure(id domain.CollectorIdentity, cause error)
	MarkDisconnected(id domain.CollectorIdentity)
	LastReportAt(id domain.CollectorIdentity) (time.Time, bool)
}

// Archiver receives every accepted observation. It must not block.
type Archiver interface {
	Record(id domain.CollectorIdentity, obs domain.Observation)
}

// Options configures an Endpoint.
type Options struct {
	MaxInFlight  int
	MaxClockSkew time.Duration
	Archiver     Archiver
	Clock        clock.Clock
	Logger       logger.Logger
}

// Endpoint is the single entry point for collector data, push or pull.
type Endpoint struct {
	store    Store
	archiver Archiver
	sem      chan struct{}
	skew     time.Duration
	clock    clock.Clock
	log      logger.Logger
}

// NewEndpoint creates an Endpoint writing to store.
func NewEndpoint(store Store, opts Options) *Endpoint {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	if opts.MaxClockSkew <= 0 {
		opts.MaxClockSkew = DefaultMaxClockSkew
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewTestLogger()
	}
	return &Endpoint{
		store:    store,
		archiver: opts.Archiver,
		sem:      make(chan struct{}, opts.MaxInFlight),
		skew:     opts.MaxClockSkew,
		clock:    opts.Clock,
		log:      opts.Logger.WithComponent("ingest"),
	}
}

// Submit processes one report. Stale reports return an error wrapping
// aggregator.ErrStale; callers should treat that as delivered.
func (e *Endpoint) Submit(ctx context.Context, r wire.Report) error {
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	default:
		return ErrOverloaded
	}

	// A cancelled submission must not reach the store.
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := e.validate(r); err != nil {
		e.log.Warn().Str("collector", string(r.Identity)).Err(err).Msg("Invalid report")
		return err
	}

	if r.IsDisconnect() {
		e.store.MarkDisconnected(r.Identity)
		return nil
	}

	if last, ok := e.store.LastReportAt(r.Identity); ok && r.ObservedAt.Before(last) {
		e.log.Debug().
			Str("collector", string(r.Identity)).
			Time("observed_at", r.ObservedAt).
			Time("last_report_at", last).
			Msg("Dropping out-of-order report")
		return fmt.Errorf("%w: observed at %s before %s", aggregator.ErrStale,
			r.ObservedAt.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano))
	}

	err := e.store.Report(r.Identity, r.Record, r.ObservedAt)
	switch {
	case err == nil:
		if e.archiver != nil {
			e.archiver.Record(r.Identity, domain.Observation{ObservedAt: r.ObservedAt, Record: r.Record})
		}
		return nil
	case errors.Is(err, aggregator.ErrStale):
		e.log.Debug().Str("collector", string(r.Identity)).Err(err).Msg("Duplicate report")
	case errors.Is(err, aggregator.ErrRejected):
		e.log.Warn().Str("collector", string(r.Identity)).Err(err).Msg("Report rejected")
	default:
		e.log.Error().Str("collector", string(r.Identity)).Err(err).Msg("Report failed")
	}
	return err
}

// Failure records that a collector could not be reached or read.
func (e *Endpoint) Failure(id domain.CollectorIdentity, cause error) {
	if id == "" {
		return
	}
	e.store.RecordFailure(id, fmt.Errorf("%w: %w", ErrCollect, cause))
}

func (e *Endpoint) validate(r wire.Report) error {
	if r.Identity == "" {
		return fmt.Errorf("%w: %w", ErrInvalidReport, domain.ErrEmptyIdentity)
	}
	switch r.Kind {
	case "", wire.KindReport:
	case wire.KindDisconnect:
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidReport, r.Kind)
	}
	if r.ObservedAt.IsZero() {
		return fmt.Errorf("%w: %w", ErrInvalidReport, domain.ErrZeroObservedAt)
	}
	if r.Record == nil {
		return fmt.Errorf("%w: %w", ErrInvalidReport, domain.ErrNilRecord)
	}
	if ahead := r.ObservedAt.Sub(e.clock.Now()); ahead > e.skew {
		return fmt.Errorf("%w: observed_at %s ahead of aggregator clock", ErrInvalidReport, ahead)
	}
	return nil
}

// Ack maps the result of Submit to the reply sent to the collector.
func Ack(err error) wire.Ack {
	switch {
	case err == nil:
		return wire.Ack{Status: wire.StatusAccepted}
	case errors.Is(err, aggregator.ErrStale):
		return wire.Ack{Status: wire.StatusStale}
	case errors.Is(err, aggregator.ErrRejected):
		return wire.Ack{Status: wire.StatusRejected, Error: err.Error()}
	case errors.Is(err, ErrOverloaded):
		return wire.Ack{Status: wire.StatusOverloaded, Error: err.Error()}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return wire.Ack{Status: wire.StatusUnavailable, Error: err.Error()}
	default:
		return wire.Ack{Status: wire.StatusInvalid, Error: err.Error()}
	}
}
