package scheduling

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/frontdesk/internal/platform/events"
)

// UnknownPatient is shown when a patient name cannot be resolved.
const UnknownPatient = "Unknown"

// PatientDirectory resolves display names. It never fails; misses read as
// UnknownPatient.
type PatientDirectory interface {
	PatientName(ctx context.Context, id int64) string
}

// BookingResult reports what BookAppointment did. Conflict means the slot
// was already full; Appointment is nil when the booking was refused.
type BookingResult struct {
	Appointment *Appointment `json:"appointment,omitempty"`
	Slot        SlotCheck    `json:"slot"`
	Conflict    bool         `json:"conflict"`
	Booked      bool         `json:"booked"`
}

type Service struct {
	repo       AppointmentRepository
	detector   *Detector
	policy     *ConflictPolicy
	aggregator *StatusAggregator

	publisher     events.Publisher
	patients      PatientDirectory
	logger        zerolog.Logger
	strictUpdates bool
	maxConcurrent int
}

type Option func(*Service)

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithStrictUpdates makes UpdateAppointment return ErrNotFound when no row
// has the id, instead of silently doing nothing.
func WithStrictUpdates(strict bool) Option {
	return func(s *Service) { s.strictUpdates = strict }
}

// WithMaxConcurrent sets the slot capacity used when callers pass zero.
func WithMaxConcurrent(n int) Option {
	return func(s *Service) { s.maxConcurrent = n }
}

func WithPatientDirectory(d PatientDirectory) Option {
	return func(s *Service) { s.patients = d }
}

func NewService(repo AppointmentRepository, detector *Detector, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		detector:  detector,
		publisher: events.Nop,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.policy = NewConflictPolicy(repo, s.maxConcurrent)
	s.aggregator = NewStatusAggregator(repo)
	return s
}

func (s *Service) caps(ctx context.Context) *Capabilities {
	return s.detector.Current(ctx)
}

func (s *Service) publish(ctx context.Context, t events.Type, id, patientID int64, payload interface{}) {
	if err := s.publisher.Publish(ctx, events.New(t, id, patientID, payload)); err != nil {
		s.logger.Warn().Err(err).Str("event", string(t)).Int64("appointment_id", id).Msg("failed to publish appointment event")
	}
}

// Capabilities returns the cached schema capabilities.
func (s *Service) Capabilities(ctx context.Context) *Capabilities {
	return s.caps(ctx)
}

// RefreshCapabilities re-probes the schema.
func (s *Service) RefreshCapabilities(ctx context.Context) *Capabilities {
	return s.detector.Refresh(ctx)
}

// fromDraft validates d and builds the row to write. All checks run before
// storage is touched.
func fromDraft(d Draft, caps *Capabilities) (*Appointment, error) {
	if strings.TrimSpace(d.When) == "" {
		return nil, &MissingFieldError{Field: "when"}
	}
	if d.PatientID <= 0 {
		return nil, &MissingFieldError{Field: "patient_id"}
	}
	when, err := ParseWhen(d.When)
	if err != nil {
		return nil, err
	}
	status, err := ParseStatus(string(d.Status))
	if err != nil {
		return nil, err
	}
	a := &Appointment{PatientID: d.PatientID, When: when, Reason: d.Reason, Status: status}
	if caps.HasVisitReference() {
		a.VisitID = d.VisitID
	}
	return a, nil
}

// CreateAppointment writes a new appointment. It does not check capacity;
// callers that care use HasConflict first, or BookAppointment.
func (s *Service) CreateAppointment(ctx context.Context, d Draft) (*Appointment, error) {
	caps := s.caps(ctx)
	a, err := fromDraft(d, caps)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, caps, a); err != nil {
		return nil, storageErr("create appointment", err)
	}
	s.publish(ctx, events.AppointmentCreated, a.ID, a.PatientID, a)
	return a, nil
}

// UpdateAppointment replaces every mutable field of appointment id. When no
// row has the id it returns (nil, nil), or ErrNotFound in strict mode.
func (s *Service) UpdateAppointment(ctx context.Context, id int64, d Draft) (*Appointment, error) {
	caps := s.caps(ctx)
	a, err := fromDraft(d, caps)
	if err != nil {
		return nil, err
	}
	a.ID = id
	n, err := s.repo.Update(ctx, caps, a)
	if err != nil {
		return nil, storageErr("update appointment", err)
	}
	if n == 0 {
		if s.strictUpdates {
			return nil, ErrNotFound
		}
		s.logger.Debug().Int64("appointment_id", id).Msg("update matched no appointment")
		return nil, nil
	}
	s.publish(ctx, events.AppointmentUpdated, a.ID, a.PatientID, a)
	return a, nil
}

func (s *Service) DeleteAppointment(ctx context.Context, id int64) error {
	patientID, err := s.repo.Delete(ctx, id)
	if err != nil {
		return storageErr("delete appointment", err)
	}
	if patientID > 0 {
		s.publish(ctx, events.AppointmentDeleted, id, patientID, nil)
	}
	return nil
}

// CancelAppointment marks the appointment cancelled, freeing its slot. A
// schema without a status column cannot record that, so the row is deleted.
func (s *Service) CancelAppointment(ctx context.Context, id int64) error {
	caps := s.caps(ctx)
	if !caps.HasStatus() {
		patientID, err := s.repo.Delete(ctx, id)
		if err != nil {
			return storageErr("cancel appointment", err)
		}
		if patientID == 0 {
			return ErrNotFound
		}
		s.publish(ctx, events.AppointmentCancelled, id, patientID, nil)
		return nil
	}

	patientID, err := s.repo.SetStatus(ctx, caps, id, StatusCancelled)
	if err != nil {
		return storageErr("cancel appointment", err)
	}
	if patientID == 0 {
		return ErrNotFound
	}
	s.publish(ctx, events.AppointmentCancelled, id, patientID, map[string]Status{"status": StatusCancelled})
	return nil
}

func (s *Service) GetAppointment(ctx context.Context, id int64) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, s.caps(ctx), id)
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, storageErr("get appointment", err)
	}
	return a, nil
}

func (s *Service) list(ctx context.Context, op string, f ListFilter) ([]*Appointment, int, error) {
	items, total, err := s.repo.List(ctx, s.caps(ctx), f)
	if err != nil {
		return nil, 0, storageErr(op, err)
	}
	return items, total, nil
}

// ListAppointments returns appointments ordered by time. limit 0 means all.
func (s *Service) ListAppointments(ctx context.Context, limit, offset int) ([]*Appointment, int, error) {
	return s.list(ctx, "list appointments", ListFilter{Limit: limit, Offset: offset})
}

func (s *Service) ListAppointmentsByPatient(ctx context.Context, patientID int64, limit, offset int) ([]*Appointment, int, error) {
	return s.list(ctx, "list patient appointments", ListFilter{PatientID: &patientID, Limit: limit, Offset: offset})
}

// ListAppointmentsOnDay returns every appointment on the calendar day of day.
func (s *Service) ListAppointmentsOnDay(ctx context.Context, day time.Time) ([]*Appointment, error) {
	from, to := DayBounds(day)
	items, _, err := s.list(ctx, "list appointments on day", ListFilter{From: &from, To: &to})
	return items, err
}

// HasConflict reports whether max active appointments already occupy when.
// max <= 0 uses the configured capacity.
func (s *Service) HasConflict(ctx context.Context, when time.Time, excludeID int64, max int) (bool, error) {
	return s.policy.HasConflict(ctx, s.caps(ctx), when, excludeID, max)
}

// CheckSlot parses operator text and reports the slot occupancy.
func (s *Service) CheckSlot(ctx context.Context, whenText string, excludeID int64, max int) (*SlotCheck, error) {
	if strings.TrimSpace(whenText) == "" {
		return nil, &MissingFieldError{Field: "when"}
	}
	when, err := ParseWhen(whenText)
	if err != nil {
		return nil, err
	}
	return s.policy.Check(ctx, s.caps(ctx), when, excludeID, max)
}

// BookAppointment checks capacity and inserts in one transaction holding a
// lock on the instant. A full slot is only booked when confirmed is set.
func (s *Service) BookAppointment(ctx context.Context, d Draft, max int, confirmed bool) (*BookingResult, error) {
	caps := s.caps(ctx)
	a, err := fromDraft(d, caps)
	if err != nil {
		return nil, err
	}

	res := &BookingResult{}
	err = s.repo.WithSlotLock(ctx, a.When, func(ctx context.Context) error {
		check, err := s.policy.Check(ctx, caps, a.When, NoExclusion, max)
		if err != nil {
			return err
		}
		res.Slot = *check
		res.Conflict = check.Conflict
		if check.Conflict && !confirmed {
			return nil
		}
		if err := s.repo.Create(ctx, caps, a); err != nil {
			return storageErr("create appointment", err)
		}
		res.Appointment = a
		res.Booked = true
		return nil
	})
	if err != nil {
		return nil, storageErr("book appointment", err)
	}

	if res.Booked {
		s.publish(ctx, events.AppointmentCreated, a.ID, a.PatientID, a)
	} else {
		s.logger.Info().Time("when", a.When).Int("active", res.Slot.Active).Int("max", res.Slot.Max).Msg("booking refused, slot full")
	}
	return res, nil
}

func (s *Service) CountsByStatus(ctx context.Context, patientID int64) (StatusCounts, error) {
	return s.aggregator.CountsByStatus(ctx, s.caps(ctx), patientID)
}

func (s *Service) StatusSummaryForPatient(ctx context.Context, patientID int64) (*StatusSummary, error) {
	return s.aggregator.Summarize(ctx, s.caps(ctx), patientID)
}

func (s *Service) PatientName(ctx context.Context, id int64) string {
	if s.patients == nil {
		return UnknownPatient
	}
	return s.patients.PatientName(ctx, id)
}
