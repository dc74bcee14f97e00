// Package snapshot classifies aggregator snapshots for presentation.
package snapshot

import (
	"time"

	"github.com/worldland/slurmwatch/internal/aggregator"
	"github.com/worldland/slurmwatch/internal/domain"
)

// Source produces cluster snapshots.
type Source interface {
	Snapshot() aggregator.ClusterSnapshot
}

// CollectorView is one collector as shown to operators.
type CollectorView struct {
	aggregator.CollectorState
	// Age is the time since the last accepted report. Zero when HasData is false.
	Age     time.Duration
	HasData bool
}

// Summary counts collectors per health.
type Summary struct {
	Fresh       int `json:"fresh"`
	Stale       int `json:"stale"`
	Unreachable int `json:"unreachable"`
	Total       int `json:"total"`
}

// View is the classified result of one read.
type View struct {
	TakenAt    time.Time
	Summary    Summary
	Collectors []CollectorView
}

// Reader wraps an aggregator snapshot. It keeps no state between calls.
type Reader struct {
	src Source
}

func NewReader(src Source) *Reader {
	return &Reader{src: src}
}

// Read takes a fresh snapshot. When ids is non-empty only those collectors
// are returned; unknown identities are ignored.
func (r *Reader) Read(ids ...domain.CollectorIdentity) View {
	snap := r.src.Snapshot()

	var want map[domain.CollectorIdentity]struct{}
	if len(ids) > 0 {
		want = make(map[domain.CollectorIdentity]struct{}, len(ids))
		for _, id := range ids {
			want[id] = struct{}{}
		}
	}

	view := View{TakenAt: snap.TakenAt, Collectors: make([]CollectorView, 0, len(snap.Collectors))}
	for _, s := range snap.Collectors {
		if want != nil {
			if _, ok := want[s.Identity]; !ok {
				continue
			}
		}

		cv := CollectorView{CollectorState: s, HasData: s.HasData()}
		if cv.HasData {
			cv.Age = snap.TakenAt.Sub(s.LastReportAt)
			if cv.Age < 0 {
				cv.Age = 0
			}
		}
		view.Collectors = append(view.Collectors, cv)

		switch s.Health {
		case aggregator.Fresh:
			view.Summary.Fresh++
		case aggregator.Stale:
			view.Summary.Stale++
		case aggregator.Unreachable:
			view.Summary.Unreachable++
		}
		view.Summary.Total++
	}
	return view
}

// Health returns the classification of a single collector.
func (r *Reader) Health(id domain.CollectorIdentity) (aggregator.Health, bool) {
	v := r.Read(id)
	if len(v.Collectors) == 0 {
		return 0, false
	}
	return v.Collectors[0].Health, true
}
