package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/worldland/slurmwatch/internal/clock"
	"github.com/worldland/slurmwatch/internal/domain"
	"github.com/worldland/slurmwatch/internal/logger"
	"github.com/worldland/slurmwatch/internal/wire"
)

var ErrIdentityMismatch = errors.New("collector answered with a different identity")

// Target is a collector polled by the aggregator.
type Target struct {
	Identity domain.CollectorIdentity `yaml:"identity" json:"identity"`
	URL      string                   `yaml:"url" json:"url"`
}

// Fetcher obtains the current report of one collector.
type Fetcher interface {
	Fetch(ctx context.Context, target Target) (wire.Report, error)
}

// HTTPFetcher fetches reports from a collector's telemetry endpoint.
type HTTPFetcher struct {
	Client   *http.Client
	MaxBytes int64
}

func (f *HTTPFetcher) Fetch(ctx context.Context, target Target) (wire.Report, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return wire.Report{}, backoff.Permanent(err)
	}
	req.Header.Set("Accept", wire.ContentTypeCBOR+", "+wire.ContentTypeJSON)

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return wire.Report{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return wire.Report{}, fmt.Errorf("collector returned %d", resp.StatusCode)
	}

	limit := f.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxReportBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return wire.Report{}, fmt.Errorf("read response: %w", err)
	}
	if int64(len(data)) > limit {
		return wire.Report{}, backoff.Permanent(ErrReportTooLarge)
	}

	format, err := wire.FormatFromContentType(resp.Header.Get("Content-Type"))
	if err != nil {
		format = wire.Sniff(data)
	}
	report, err := wire.DecodeAs(format, data)
	if err != nil {
		return wire.Report{}, backoff.Permanent(err)
	}
	return report, nil
}

// PollerOptions configures a Poller.
type PollerOptions struct {
	Interval time.Duration
	// Timeout bounds one poll including retries.
	Timeout    time.Duration
	MaxRetries uint64
	Clock      clock.Clock
	Logger     logger.Logger
}

// Poller pulls reports from collectors, one goroutine per target. Network
// waits happen here, never while the aggregator holds a lock.
type Poller struct {
	endpoint *Endpoint
	fetcher  Fetcher
	targets  []Target
	opts     PollerOptions
	log      logger.Logger
}

// NewPoller creates a Poller for targets.
func NewPoller(endpoint *Endpoint, fetcher Fetcher, targets []Target, opts PollerOptions) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Timeout <= 0 || opts.Timeout > opts.Interval {
		opts.Timeout = opts.Interval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewTestLogger()
	}
	return &Poller{
		endpoint: endpoint,
		fetcher:  fetcher,
		targets:  targets,
		opts:     opts,
		log:      opts.Logger.WithComponent("poller"),
	}
}

// Run polls every target immediately and then on every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, t := range p.targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			p.loop(ctx, t)
		}(t)
	}
	wg.Wait()
	return nil
}

func (p *Poller) loop(ctx context.Context, t Target) {
	ticker := p.opts.Clock.Ticker(p.opts.Interval)
	defer ticker.Stop()

	p.PollOnce(ctx, t)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.PollOnce(ctx, t)
		}
	}
}

// PollOnce fetches one report from t and submits it. A fetch that fails or
// times out only records a failure. Nothing is recorded when ctx itself is
// cancelled, since that is shutdown rather than a collector problem.
func (p *Poller) PollOnce(ctx context.Context, t Target) error {
	attemptCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	var report wire.Report
	b := backoff.WithContext(backoff.WithMaxRetries(newBackOff(p.opts.Timeout), p.opts.MaxRetries), attemptCtx)
	err := backoff.Retry(func() error {
		var ferr error
		report, ferr = p.fetcher.Fetch(attemptCtx, t)
		return ferr
	}, b)
	if err == nil {
		err = attemptCtx.Err()
	}

	if err == nil {
		if report.Identity == "" {
			report.Identity = t.Identity
		}
		if report.Identity != t.Identity {
			err = fmt.Errorf("%w: %s", ErrIdentityMismatch, report.Identity)
		}
	}

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Warn().Str("collector", string(t.Identity)).Str("url", t.URL).Err(err).Msg("Poll failed")
		p.endpoint.Failure(t.Identity, err)
		return err
	}

	return p.endpoint.Submit(ctx, report)
}

func newBackOff(budget time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = budget
	return b
}
