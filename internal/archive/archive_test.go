package archive

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldland/slurmwatch/internal/clock"
	"github.com/worldland/slurmwatch/internal/domain"
)

var t0 = time.Date(2024, 5, 6, 23, 59, 50, 0, time.UTC)

type memorySink struct {
	mu      sync.Mutex
	batches [][]Entry
	closed  bool
}

func (m *memorySink) Write(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, append([]Entry(nil), entries...))
	return nil
}

func (m *memorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memorySink) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func obs(sec int) domain.Observation {
	return domain.Observation{
		ObservedAt: t0.Add(time.Duration(sec) * time.Second),
		Record:     &domain.TelemetryRecord{GPUs: []domain.GPUMetrics{{DeviceIndex: 0, UtilizationPct: float64(sec)}}},
	}
}

func TestRecorder_BatchesAndFlushesOnTick(t *testing.T) {
	clk := clock.NewFake(t0)
	sink := &memorySink{}
	r := NewRecorder(RecorderOptions{BatchSize: 3, FlushInterval: time.Second, Clock: clk}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	require.Eventually(t, func() bool { return clk.Tickers() == 1 }, time.Second, time.Millisecond)

	for i := 0; i < 4; i++ {
		r.Record("gpu01", obs(i))
	}
	require.Eventually(t, func() bool { return sink.total() == 3 }, time.Second, time.Millisecond)

	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return sink.total() == 4 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.batches, 2)
	assert.Equal(t, domain.CollectorIdentity("gpu01"), sink.batches[0][0].Identity)
	assert.NotEqual(t, sink.batches[0][0].ID, sink.batches[0][1].ID)
	assert.Equal(t, t0, sink.batches[0][0].ReceivedAt)
}

func TestRecorder_FlushesOnShutdown(t *testing.T) {
	sink := &memorySink{}
	r := NewRecorder(RecorderOptions{BatchSize: 100, FlushInterval: time.Hour}, sink)

	r.Record("gpu01", obs(1))
	r.Record("gpu02", obs(2))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))

	assert.Equal(t, 2, sink.total())
	require.NoError(t, r.Close())
	assert.True(t, sink.closed)
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	r := NewRecorder(RecorderOptions{QueueSize: 2}, &memorySink{})

	for i := 0; i < 5; i++ {
		r.Record("gpu01", obs(i))
	}
	assert.Equal(t, uint64(3), r.Dropped())
}
