package scheduling

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of an appointment. The set is closed; see ParseStatus.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusArrived    Status = "arrived"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no_show"
)

// legacyMissed is how older front-desk builds recorded a no-show.
const legacyMissed = "missed"

var validStatuses = map[Status]bool{
	StatusScheduled: true, StatusArrived: true, StatusInProgress: true,
	StatusCompleted: true, StatusCancelled: true, StatusNoShow: true,
}

// Statuses lists every status in display order.
func Statuses() []Status {
	return []Status{StatusScheduled, StatusArrived, StatusInProgress, StatusCompleted, StatusCancelled, StatusNoShow}
}

// ParseStatus validates operator or API input. An empty string yields
// StatusScheduled; anything outside the closed set is rejected.
func ParseStatus(s string) (Status, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return StatusScheduled, nil
	}
	st := Status(s)
	if !validStatuses[st] {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

// StatusFromStorage maps a raw column value to a Status. NULL and values
// outside the enumeration read back as scheduled.
func StatusFromStorage(raw *string) Status {
	if raw == nil {
		return StatusScheduled
	}
	if *raw == legacyMissed {
		return StatusNoShow
	}
	st := Status(*raw)
	if !validStatuses[st] {
		return StatusScheduled
	}
	return st
}

// Active reports whether the appointment still occupies its slot.
func (s Status) Active() bool {
	return s != StatusCancelled && s != StatusNoShow
}

func (s Status) String() string { return string(s) }

// Appointment maps to the appointments table. Optional columns are only
// populated when the schema carries them.
type Appointment struct {
	ID        int64      `db:"id" json:"id"`
	PatientID int64      `db:"patient_id" json:"patient_id"`
	When      time.Time  `db:"appointment_date" json:"when"`
	Reason    *string    `db:"reason" json:"reason,omitempty"`
	Status    Status     `db:"status" json:"status"`
	VisitID   *int64     `db:"visit_id" json:"visit_id,omitempty"`
	CreatedAt *time.Time `db:"created_at" json:"created_at,omitempty"`
	UpdatedAt *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// WhenText renders the appointment time in the minute grammar, or with
// seconds when they are non-zero.
func (a *Appointment) WhenText() string {
	return FormatWhen(a.When)
}

// Draft is operator input for creating or replacing an appointment.
type Draft struct {
	PatientID int64
	When      string
	Reason    *string
	Status    Status
	VisitID   *int64
}

// StatusCounts holds per-patient counts bucketed for the front desk.
// Scheduled absorbs every status that is not completed, missed or cancelled.
type StatusCounts struct {
	Scheduled int `json:"scheduled"`
	Completed int `json:"completed"`
	Missed    int `json:"missed"`
	Cancelled int `json:"cancelled"`
}

// Total is the number of appointments counted.
func (c StatusCounts) Total() int {
	return c.Scheduled + c.Completed + c.Missed + c.Cancelled
}

// StatusSummary is the per-patient status report. Dates are the earliest
// upcoming appointment and the most recent completed or missed one.
type StatusSummary struct {
	PatientID      int64        `json:"patient_id"`
	HasStatus      bool         `json:"has_status"`
	Counts         StatusCounts `json:"counts"`
	FirstScheduled *time.Time   `json:"first_scheduled,omitempty"`
	LastCompleted  *time.Time   `json:"last_completed,omitempty"`
	LastMissed     *time.Time   `json:"last_missed,omitempty"`
}

const summaryDateLayout = "2006-01-02"

// String renders the textual report shown at the front desk.
func (s *StatusSummary) String() string {
	if !s.HasStatus {
		return "Scheduled: " + strconv.Itoa(s.Counts.Total()) + dateSuffix("", s.FirstScheduled)
	}
	lines := []string{
		"Scheduled: " + strconv.Itoa(s.Counts.Scheduled) + dateSuffix("", s.FirstScheduled),
		"Completed: " + strconv.Itoa(s.Counts.Completed) + dateSuffix("last: ", s.LastCompleted),
		"Missed: " + strconv.Itoa(s.Counts.Missed) + dateSuffix("last: ", s.LastMissed),
	}
	return strings.Join(lines, "\n")
}

func dateSuffix(label string, t *time.Time) string {
	if t == nil {
		return ""
	}
	return " (" + label + t.Format(summaryDateLayout) + ")"
}
