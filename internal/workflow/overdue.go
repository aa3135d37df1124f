package workflow

import (
	"math"
	"time"

	"defectline/internal/domain"
)

const day = 24 * time.Hour

// ComputeOverdue derives the overdue view for a due date. It does not look at
// defect status.
func ComputeOverdue(due *time.Time, now time.Time) domain.OverdueView {
	if due == nil {
		return domain.OverdueView{}
	}
	days := int(math.Ceil(float64(due.Sub(now)) / float64(day)))
	return domain.OverdueView{
		IsOverdue:     days < 0,
		DaysRemaining: &days,
	}
}

// OverdueCutoff is the latest due date that ComputeOverdue reports as overdue
// at now: a defect is overdue once it is at least one full day late. SQL
// filters use it so lists and counts agree with the per-defect view.
func OverdueCutoff(now time.Time) time.Time {
	return now.Add(-day)
}

// OverduePolicy is the caller-side decision on how terminal defects report.
type OverduePolicy struct {
	// SuppressTerminal reports closed and cancelled defects as not overdue
	// with no days remaining.
	SuppressTerminal bool
}

func (p OverduePolicy) Apply(d domain.Defect, now time.Time) domain.OverdueView {
	if p.SuppressTerminal && d.Status.Terminal() {
		return domain.OverdueView{}
	}
	return ComputeOverdue(d.DueDate, now)
}
