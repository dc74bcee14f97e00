package archive

import (
	"errors"
	"time"

	"github.com/worldland/slurmwatch/internal/domain"
	"github.com/worldland/slurmwatch/internal/logger"
)

// Reporter accepts replayed observations.
type Reporter interface {
	Report(id domain.CollectorIdentity, record *domain.TelemetryRecord, observedAt time.Time) error
}

// Restore replays the archive of each day in days into store, oldest day
// first. Entries the store refuses are skipped. A damaged day keeps what
// could be read and the remaining days are still replayed. The count of
// accepted entries is returned with the errors of every damaged day.
func Restore(src *FileSink, store Reporter, log logger.Logger, days ...time.Time) (int, error) {
	accepted := 0
	var errs []error
	for _, day := range days {
		err := src.Replay(day, func(e Entry) error {
			if err := store.Report(e.Identity, e.Record, e.ObservedAt); err == nil {
				accepted++
			}
			return nil
		})
		if err != nil {
			log.Warn().Err(err).Str("day", day.UTC().Format("2006-01-02")).Msg("Skipping damaged archive day")
			errs = append(errs, err)
		}
	}
	return accepted, errors.Join(errs...)
}

// RestoreWindow returns yesterday and today in UTC so a restart shortly
// after midnight still finds recent reports.
func RestoreWindow(now time.Time) []time.Time {
	now = now.UTC()
	return []time.Time{now.AddDate(0, 0, -1), now}
}
