package scheduling

import (
	"context"
)

var (
	upcomingScope  = &StatusScope{Statuses: []string{string(StatusScheduled)}, IncludeNull: true}
	completedScope = &StatusScope{Statuses: []string{string(StatusCompleted)}}
	missedScope    = &StatusScope{Statuses: []string{string(StatusNoShow), legacyMissed}}
)

// StatusAggregator turns raw appointment rows into per-patient reports.
type StatusAggregator struct {
	store StatusStore
}

func NewStatusAggregator(store StatusStore) *StatusAggregator {
	return &StatusAggregator{store: store}
}

// bucket maps a raw status value onto the front-desk counters.
func bucket(counts *StatusCounts, raw string, n int) {
	switch raw {
	case string(StatusCompleted):
		counts.Completed += n
	case string(StatusNoShow), legacyMissed:
		counts.Missed += n
	case string(StatusCancelled):
		counts.Cancelled += n
	default:
		counts.Scheduled += n
	}
}

func (a *StatusAggregator) CountsByStatus(ctx context.Context, caps *Capabilities, patientID int64) (StatusCounts, error) {
	var counts StatusCounts
	raw, err := a.store.CountByStatus(ctx, caps, patientID)
	if err != nil {
		return counts, storageErr("count appointments by status", err)
	}
	for status, n := range raw {
		if !caps.HasStatus() {
			counts.Scheduled += n
			continue
		}
		bucket(&counts, status, n)
	}
	return counts, nil
}

// Summarize builds the status report for one patient. Each date is its own
// aggregate query.
func (a *StatusAggregator) Summarize(ctx context.Context, caps *Capabilities, patientID int64) (*StatusSummary, error) {
	counts, err := a.CountsByStatus(ctx, caps, patientID)
	if err != nil {
		return nil, err
	}
	s := &StatusSummary{PatientID: patientID, HasStatus: caps.HasStatus(), Counts: counts}

	if !caps.HasStatus() {
		s.FirstScheduled, err = a.store.BoundDate(ctx, caps, patientID, Earliest, nil)
		if err != nil {
			return nil, storageErr("earliest appointment", err)
		}
		return s, nil
	}

	if s.FirstScheduled, err = a.store.BoundDate(ctx, caps, patientID, Earliest, upcomingScope); err != nil {
		return nil, storageErr("earliest scheduled appointment", err)
	}
	if s.LastCompleted, err = a.store.BoundDate(ctx, caps, patientID, Latest, completedScope); err != nil {
		return nil, storageErr("latest completed appointment", err)
	}
	if s.LastMissed, err = a.store.BoundDate(ctx, caps, patientID, Latest, missedScope); err != nil {
		return nil, storageErr("latest missed appointment", err)
	}
	return s, nil
}
