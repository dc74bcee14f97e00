package aggregator

import (
	"time"

	"github.com/worldland/slurmwatch/internal/domain"
)

// timeline is a fixed-capacity ring of accepted observations, oldest first.
type timeline struct {
	buf   []domain.Observation
	start int
	size  int
}

func newTimeline(capacity int) *timeline {
	return &timeline{buf: make([]domain.Observation, capacity)}
}

func (t *timeline) push(o domain.Observation) {
	if len(t.buf) == 0 {
		return
	}
	if t.size < len(t.buf) {
		t.buf[(t.start+t.size)%len(t.buf)] = o
		t.size++
		return
	}
	t.buf[t.start] = o
	t.start = (t.start + 1) % len(t.buf)
}

// between returns observations with start <= observed_at <= end in chronological order.
// Zero bounds are open. limit <= 0 means no limit.
func (t *timeline) between(start, end time.Time, limit int) []domain.Observation {
	out := make([]domain.Observation, 0, t.size)
	for i := 0; i < t.size; i++ {
		o := t.buf[(t.start+i)%len(t.buf)]
		if !start.IsZero() && o.ObservedAt.Before(start) {
			continue
		}
		if !end.IsZero() && o.ObservedAt.After(end) {
			continue
		}
		out = append(out, o)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
