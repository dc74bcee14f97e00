// Package aggregator holds the cluster-wide view of collector state.
//
// Every collector identity maps to one entry guarded by its own mutex. The map
// itself only grows, so the map lock is held just long enough to find or insert
// an entry. Payloads are cloned on the way in and on the way out; a stored
// payload is never mutated, only replaced.
package aggregator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/worldland/slurmwatch/internal/clock"
	"github.com/worldland/slurmwatch/internal/domain"
	"github.com/worldland/slurmwatch/internal/logger"
)

const (
	DefaultStalenessWindow  = 60 * time.Second
	DefaultFailureThreshold = 3
	DefaultTimelineSize     = 120
)

// Options configures an Aggregator. Zero values fall back to defaults.
type Options struct {
	StalenessWindow  time.Duration
	FailureThreshold int
	TimelineSize     int
	Clock            clock.Clock
	Logger           logger.Logger
}

// CollectorState is a point-in-time copy of one collector's entry.
type CollectorState struct {
	Identity            domain.CollectorIdentity `json:"identity"`
	FirstSeenAt         time.Time                `json:"first_seen_at"`
	LastReportAt        time.Time                `json:"last_report_at"`
	LastPayload         *domain.TelemetryRecord  `json:"payload,omitempty"`
	Node                *domain.NodeInfo         `json:"node,omitempty"`
	Health              Health                   `json:"health"`
	ConsecutiveFailures int                      `json:"consecutive_failures"`
	LastError           string                   `json:"last_error,omitempty"`
}

// HasData reports whether the collector ever delivered an accepted report.
func (s CollectorState) HasData() bool {
	return s.LastPayload != nil
}

// ClusterSnapshot is an immutable copy of all entries, sorted by identity.
type ClusterSnapshot struct {
	TakenAt    time.Time        `json:"taken_at"`
	Collectors []CollectorState `json:"collectors"`
}

type entry struct {
	mu sync.Mutex

	identity     domain.CollectorIdentity
	firstSeenAt  time.Time
	lastReportAt time.Time
	payload      *domain.TelemetryRecord
	node         *domain.NodeInfo
	health       Health
	failures     int
	lastError    string
	timeline     *timeline
}

// Aggregator is the concurrency-safe store of collector state.
type Aggregator struct {
	mu      sync.RWMutex
	entries map[domain.CollectorIdentity]*entry

	window    time.Duration
	threshold int
	tlSize    int
	clock     clock.Clock
	log       logger.Logger
}

// New creates an empty Aggregator.
func New(opts Options) *Aggregator {
	if opts.StalenessWindow <= 0 {
		opts.StalenessWindow = DefaultStalenessWindow
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.TimelineSize <= 0 {
		opts.TimelineSize = DefaultTimelineSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewTestLogger()
	}

	return &Aggregator{
		entries:   make(map[domain.CollectorIdentity]*entry),
		window:    opts.StalenessWindow,
		threshold: opts.FailureThreshold,
		tlSize:    opts.TimelineSize,
		clock:     opts.Clock,
		log:       opts.Logger.WithComponent("aggregator"),
	}
}

// StalenessWindow returns the configured window.
func (a *Aggregator) StalenessWindow() time.Duration { return a.window }

// lookup returns the entry for id or nil.
func (a *Aggregator) lookup(id domain.CollectorIdentity) *entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.entries[id]
}

// getOrCreate returns the entry for id, inserting a new one on first contact.
func (a *Aggregator) getOrCreate(id domain.CollectorIdentity) *entry {
	if e := a.lookup(id); e != nil {
		return e
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[id]; ok {
		return e
	}
	e := &entry{
		identity:    id,
		firstSeenAt: a.clock.Now(),
		health:      Stale,
		timeline:    newTimeline(a.tlSize),
	}
	a.entries[id] = e
	a.log.Info().Str("collector", string(id)).Msg("New collector")
	return e
}

// all copies the entry pointers so per-entry work happens outside the map lock.
func (a *Aggregator) all() []*entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*entry, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e)
	}
	return out
}

// mustHold panics when e is mutated without its lock. Reaching it means a
// concurrency bug in this package, so the process must not continue.
func (e *entry) mustHold() {
	if e.mu.TryLock() {
		e.mu.Unlock()
		panic(fmt.Sprintf("aggregator: entry %q mutated without holding its lock", e.identity))
	}
}

func (e *entry) setHealth(h Health) (prev Health) {
	e.mustHold()
	prev = e.health
	e.health = h
	return prev
}

// Report stores record as the latest state of id when observedAt is newer
// than the stored timestamp. Invalid records return ErrRejected and leave the
// store untouched, including not creating an entry. Reports that are not newer
// return ErrStale.
func (a *Aggregator) Report(id domain.CollectorIdentity, record *domain.TelemetryRecord, observedAt time.Time) error {
	if id == "" {
		return fmt.Errorf("%w: %w", ErrRejected, domain.ErrEmptyIdentity)
	}
	if observedAt.IsZero() {
		return fmt.Errorf("%w: %w", ErrRejected, domain.ErrZeroObservedAt)
	}
	if err := record.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}

	stored := record.Clone()
	now := a.clock.Now()
	health := Fresh
	if now.Sub(observedAt) > a.window {
		health = Stale
	}

	e := a.getOrCreate(id)

	e.mu.Lock()
	if e.payload != nil && !observedAt.After(e.lastReportAt) {
		last := e.lastReportAt
		e.mu.Unlock()
		return fmt.Errorf("%w: observed at %s, stored %s", ErrStale,
			observedAt.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano))
	}
	e.lastReportAt = observedAt
	e.payload = stored
	if stored.Node != nil {
		e.node = stored.Node
	}
	failures := e.failures
	e.failures = 0
	e.lastError = ""
	prev := e.setHealth(health)
	e.timeline.push(domain.Observation{ObservedAt: observedAt, Record: stored})
	e.mu.Unlock()

	if prev != health || failures > 0 {
		a.log.Info().
			Str("collector", string(id)).
			Time("observed_at", observedAt).
			Str("health", health.String()).
			Str("previous", prev.String()).
			Int("failures", failures).
			Msg("Collector state changed")
	}
	return nil
}

// RecordFailure counts a failed ingestion attempt for id. Once the count
// reaches the failure threshold the collector is Unreachable. The entry is
// created if unknown and is never removed.
func (a *Aggregator) RecordFailure(id domain.CollectorIdentity, cause error) {
	e := a.getOrCreate(id)

	e.mu.Lock()
	e.failures++
	failures := e.failures
	if cause != nil {
		e.lastError = cause.Error()
	}
	prev := e.health
	if failures >= a.threshold {
		prev = e.setHealth(Unreachable)
	}
	e.mu.Unlock()

	ev := a.log.Debug()
	if prev != Unreachable && failures >= a.threshold {
		ev = a.log.Warn()
	}
	ev.Str("collector", string(id)).
		Int("failures", failures).
		AnErr("cause", cause).
		Msg("Collector ingestion failed")
}

// MarkDisconnected marks id Unreachable immediately, keeping its last payload.
func (a *Aggregator) MarkDisconnected(id domain.CollectorIdentity) {
	e := a.getOrCreate(id)

	e.mu.Lock()
	prev := e.setHealth(Unreachable)
	e.lastError = "disconnected"
	e.mu.Unlock()

	if prev != Unreachable {
		a.log.Info().Str("collector", string(id)).Msg("Collector disconnected")
	}
}

// LastReportAt returns the stored timestamp for id. ok is false when the
// collector never delivered an accepted report.
func (a *Aggregator) LastReportAt(id domain.CollectorIdentity) (t time.Time, ok bool) {
	e := a.lookup(id)
	if e == nil {
		return time.Time{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReportAt, e.payload != nil
}

// Get returns a copy of the state of a single collector.
func (a *Aggregator) Get(id domain.CollectorIdentity) (CollectorState, bool) {
	e := a.lookup(id)
	if e == nil {
		return CollectorState{}, false
	}
	return e.copyOut(), true
}

// Len returns the number of known collectors.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

// copyOut holds the entry lock only to copy scalars and pointers. The payload
// pointer refers to an immutable value, so the deep copy happens unlocked.
func (e *entry) copyOut() CollectorState {
	e.mu.Lock()
	s := CollectorState{
		Identity:            e.identity,
		FirstSeenAt:         e.firstSeenAt,
		LastReportAt:        e.lastReportAt,
		LastPayload:         e.payload,
		Node:                e.node,
		Health:              e.health,
		ConsecutiveFailures: e.failures,
		LastError:           e.lastError,
	}
	e.mu.Unlock()

	s.LastPayload = s.LastPayload.Clone()
	s.Node = s.Node.Clone()
	return s
}

// Snapshot returns a consistent copy of every entry. Each entry is copied
// atomically; the set as a whole is not linearizable.
func (a *Aggregator) Snapshot() ClusterSnapshot {
	entries := a.all()
	snap := ClusterSnapshot{
		TakenAt:    a.clock.Now(),
		Collectors: make([]CollectorState, 0, len(entries)),
	}
	for _, e := range entries {
		snap.Collectors = append(snap.Collectors, e.copyOut())
	}
	sort.Slice(snap.Collectors, func(i, j int) bool {
		return snap.Collectors[i].Identity < snap.Collectors[j].Identity
	})
	return snap
}

// SweepExpired marks Fresh entries whose last report is older than window as
// Stale and returns how many were marked. Entries are visited one at a time.
func (a *Aggregator) SweepExpired(now time.Time, window time.Duration) int {
	marked := 0
	for _, e := range a.all() {
		e.mu.Lock()
		expired := e.health == Fresh && now.Sub(e.lastReportAt) > window
		if expired {
			e.setHealth(Stale)
		}
		id, last := e.identity, e.lastReportAt
		e.mu.Unlock()

		if expired {
			marked++
			a.log.Warn().
				Str("collector", string(id)).
				Time("last_report_at", last).
				Dur("age", now.Sub(last)).
				Msg("Collector went stale")
		}
	}
	return marked
}

// History returns accepted observations for id with start <= observed_at <= end,
// oldest first. Zero bounds are open and limit <= 0 returns everything retained.
func (a *Aggregator) History(id domain.CollectorIdentity, start, end time.Time, limit int) ([]domain.Observation, error) {
	e := a.lookup(id)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollector, id)
	}

	e.mu.Lock()
	obs := e.timeline.between(start, end, limit)
	e.mu.Unlock()

	for i := range obs {
		obs[i].Record = obs[i].Record.Clone()
	}
	return obs, nil
}
