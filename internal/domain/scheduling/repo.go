package scheduling

import (
	"context"
	"time"
)

// NoExclusion is the excludeID sentinel meaning "count every appointment".
const NoExclusion int64 = -1

// ListFilter narrows a listing. Zero values mean "no restriction"; a zero
// Limit returns every matching row.
type ListFilter struct {
	PatientID *int64
	From      *time.Time // inclusive
	To        *time.Time // exclusive
	Limit     int
	Offset    int
}

// StatusScope restricts a date aggregate to raw status values. A nil scope
// covers every row.
type StatusScope struct {
	Statuses    []string
	IncludeNull bool
}

// DateBound selects which end of the date range an aggregate returns.
type DateBound int

const (
	Earliest DateBound = iota
	Latest
)

// SlotCounter counts appointments that occupy a slot.
type SlotCounter interface {
	// CountActiveAt counts rows at exactly when, skipping excludeID and,
	// when the schema has a status column, cancelled and no-show rows.
	CountActiveAt(ctx context.Context, caps *Capabilities, when time.Time, excludeID int64) (int, error)
}

// StatusStore answers the aggregate queries behind status summaries.
type StatusStore interface {
	// CountByStatus groups a patient's rows by raw status. NULL is keyed as "".
	// Without a status column every row is keyed as "".
	CountByStatus(ctx context.Context, caps *Capabilities, patientID int64) (map[string]int, error)
	// BoundDate returns MIN or MAX of appointment_date over a patient's rows in
	// scope, or nil when there are none.
	BoundDate(ctx context.Context, caps *Capabilities, patientID int64, bound DateBound, scope *StatusScope) (*time.Time, error)
}

// AppointmentRepository owns the read/write path to the appointments table.
// Every call receives the capabilities of the connected schema and shapes its
// SQL to the columns that exist.
type AppointmentRepository interface {
	SlotCounter
	StatusStore

	Create(ctx context.Context, caps *Capabilities, a *Appointment) error
	GetByID(ctx context.Context, caps *Capabilities, id int64) (*Appointment, error)
	// Update writes every mutable column and returns the affected row count.
	// With audit columns it refreshes a's timestamps from the stored row.
	Update(ctx context.Context, caps *Capabilities, a *Appointment) (int64, error)
	// SetStatus and Delete return the patient of the matched row, or 0 when
	// no row has the id.
	SetStatus(ctx context.Context, caps *Capabilities, id int64, status Status) (int64, error)
	Delete(ctx context.Context, id int64) (int64, error)
	List(ctx context.Context, caps *Capabilities, filter ListFilter) ([]*Appointment, int, error)

	// WithSlotLock runs fn in one transaction that holds an exclusive lock on
	// the instant, so concurrent bookings of the same slot are serialized.
	WithSlotLock(ctx context.Context, when time.Time, fn func(ctx context.Context) error) error
}
