package scheduling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/frontdesk/internal/platform/events"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingPublisher) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type staticDirectory map[int64]string

func (d staticDirectory) PatientName(_ context.Context, id int64) string {
	if name, ok := d[id]; ok {
		return name
	}
	return UnknownPatient
}

func TestCreateAppointment_Defaults(t *testing.T) {
	pub := &recordingPublisher{}
	svc, repo := newTestService(capsFull, WithPublisher(pub))
	reason := "annual physical"

	a, err := svc.CreateAppointment(context.Background(), Draft{PatientID: 3, When: "2024-06-01 10:00", Reason: &reason})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.ID == 0 {
		t.Error("expected an assigned id")
	}
	if a.Status != StatusScheduled {
		t.Errorf("expected default status scheduled, got %s", a.Status)
	}
	if a.CreatedAt == nil {
		t.Error("expected audit columns to be populated")
	}
	if repo.count() != 1 {
		t.Errorf("expected 1 row, got %d", repo.count())
	}
	if got := pub.types(); len(got) != 1 || got[0] != events.AppointmentCreated {
		t.Errorf("expected one created event, got %v", got)
	}
}

func TestCreateAppointment_MissingWhenWritesNothing(t *testing.T) {
	pub := &recordingPublisher{}
	svc, repo := newTestService(capsFull, WithPublisher(pub))
	repo.seed(1, "2024-01-01 08:00", nil)

	for _, when := range []string{"", "   ", "\t\n"} {
		_, err := svc.CreateAppointment(context.Background(), Draft{PatientID: 1, When: when})
		var mf *MissingFieldError
		if !errors.As(err, &mf) || mf.Field != "when" {
			t.Fatalf("expected MissingFieldError{when}, got %v", err)
		}
	}
	if repo.calls != 0 {
		t.Errorf("expected no storage access, got %d calls", repo.calls)
	}
	if repo.count() != 1 {
		t.Errorf("expected table unchanged, got %d rows", repo.count())
	}
	if len(pub.types()) != 0 {
		t.Error("expected no events")
	}
}

func TestCreateAppointment_Validation(t *testing.T) {
	svc, repo := newTestService(capsFull)

	tests := []struct {
		name  string
		draft Draft
		want  error
	}{
		{"missing patient", Draft{When: "2024-06-01 10:00"}, ErrMissingField},
		{"bad format", Draft{PatientID: 1, When: "06/01/2024 10am"}, ErrInvalidFormat},
		{"bad status", Draft{PatientID: 1, When: "2024-06-01 10:00", Status: "booked"}, ErrInvalidStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateAppointment(context.Background(), tt.draft)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if !IsValidation(err) {
				t.Error("expected a validation error")
			}
		})
	}
	if repo.calls != 0 {
		t.Errorf("expected no storage access, got %d calls", repo.calls)
	}
}

func TestCreateAppointment_CapabilityShaping(t *testing.T) {
	visit := int64(9)
	draft := Draft{PatientID: 1, When: "2024-06-01 10:00", Status: StatusCompleted, VisitID: &visit}

	svc, repo := newTestService(capsLegacy)
	a, err := svc.CreateAppointment(context.Background(), draft)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.VisitID != nil {
		t.Error("visit id must not be written without the capability")
	}
	if a.CreatedAt != nil {
		t.Error("audit columns must not be populated without the capability")
	}
	if repo.rows[a.ID].raw != nil {
		t.Error("status must not be written without the capability")
	}

	got, err := svc.GetAppointment(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusScheduled {
		t.Errorf("expected status to read back as scheduled, got %s", got.Status)
	}
}

func TestCreateAppointment_StorageError(t *testing.T) {
	svc, repo := newTestService(capsFull)
	repo.err = errStorage

	_, err := svc.CreateAppointment(context.Background(), Draft{PatientID: 1, When: "2024-06-01 10:00"})
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if se.Err != errStorage {
		t.Errorf("expected driver error unchanged, got %v", se.Err)
	}
}

func TestCreateAppointment_PublishFailureIgnored(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	svc, _ := newTestService(capsFull, WithPublisher(pub))

	if _, err := svc.CreateAppointment(context.Background(), Draft{PatientID: 1, When: "2024-06-01 10:00"}); err != nil {
		t.Fatalf("publish failures must not fail the write: %v", err)
	}
}

func TestUpdateAppointment(t *testing.T) {
	pub := &recordingPublisher{}
	svc, repo := newTestService(capsFull, WithPublisher(pub))
	id := repo.seed(1, "2024-06-01 10:00", strPtr("scheduled"))

	a, err := svc.UpdateAppointment(context.Background(), id, Draft{PatientID: 1, When: "2024-06-01 11:00:30", Status: StatusArrived})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a == nil || a.ID != id {
		t.Fatalf("expected updated appointment %d, got %+v", id, a)
	}
	got, _ := svc.GetAppointment(context.Background(), id)
	if got.WhenText() != "2024-06-01 11:00:30" || got.Status != StatusArrived {
		t.Errorf("unexpected stored row %+v", got)
	}
	if types := pub.types(); len(types) != 1 || types[0] != events.AppointmentUpdated {
		t.Errorf("expected updated event, got %v", types)
	}
}

func TestUpdateAppointment_WithoutStatusColumnKeepsStorage(t *testing.T) {
	svc, repo := newTestService(capsLegacy)
	id := repo.seed(1, "2024-06-01 10:00", nil)

	if _, err := svc.UpdateAppointment(context.Background(), id, Draft{PatientID: 1, When: "2024-06-01 10:00", Status: StatusCompleted}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.rows[id].raw != nil {
		t.Error("status must be omitted when the column does not exist")
	}
}

func TestUpdateAppointment_MissingIDIsSilent(t *testing.T) {
	pub := &recordingPublisher{}
	svc, repo := newTestService(capsFull, WithPublisher(pub))
	repo.seed(1, "2024-06-01 10:00", strPtr("scheduled"))
	before, _, _ := svc.ListAppointments(context.Background(), 0, 0)

	a, err := svc.UpdateAppointment(context.Background(), 999, Draft{PatientID: 1, When: "2024-07-01 10:00"})
	if err != nil {
		t.Fatalf("expected silent no-op, got %v", err)
	}
	if a != nil {
		t.Errorf("expected nil appointment, got %+v", a)
	}

	after, _, _ := svc.ListAppointments(context.Background(), 0, 0)
	if len(after) != len(before) || !after[0].When.Equal(before[0].When) {
		t.Error("row set must be unchanged")
	}
	if len(pub.types()) != 0 {
		t.Error("no event expected for a no-op update")
	}
}

func TestUpdateAppointment_StrictNotFound(t *testing.T) {
	svc, _ := newTestService(capsFull, WithStrictUpdates(true))
	_, err := svc.UpdateAppointment(context.Background(), 999, Draft{PatientID: 1, When: "2024-07-01 10:00"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateAppointment_MissingWhen(t *testing.T) {
	svc, repo := newTestService(capsFull)
	id := repo.seed(1, "2024-06-01 10:00", nil)
	_, err := svc.UpdateAppointment(context.Background(), id, Draft{PatientID: 1})
	if !errors.Is(err, ErrMissingField) {
		t.Errorf("expected ErrMissingField, got %v", err)
	}
}

func TestDeleteAppointment(t *testing.T) {
	pub := &recordingPublisher{}
	svc, repo := newTestService(capsFull, WithPublisher(pub))
	id := repo.seed(1, "2024-06-01 10:00", nil)

	if err := svc.DeleteAppointment(context.Background(), id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.count() != 0 {
		t.Error("expected row to be deleted")
	}
	if err := svc.DeleteAppointment(context.Background(), id); err != nil {
		t.Errorf("deleting a missing id should not fail: %v", err)
	}
	if types := pub.types(); len(types) != 1 || types[0] != events.AppointmentDeleted {
		t.Errorf("expected a single deleted event, got %v", types)
	}
}

func TestCancelAppointment(t *testing.T) {
	svc, repo := newTestService(capsStatus)
	id := repo.seed(1, "2024-06-01 10:00", strPtr("scheduled"))

	if err := svc.CancelAppointment(context.Background(), id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a, _ := svc.GetAppointment(context.Background(), id)
	if a.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", a.Status)
	}
	if err := svc.CancelAppointment(context.Background(), 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelAppointment_WithoutStatusDeletes(t *testing.T) {
	svc, repo := newTestService(capsLegacy)
	id := repo.seed(1, "2024-06-01 10:00", nil)

	if err := svc.CancelAppointment(context.Background(), id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.count() != 0 {
		t.Error("expected cancel to delete the row without a status column")
	}
}

func TestGetAppointment_NotFound(t *testing.T) {
	svc, _ := newTestService(capsFull)
	if _, err := svc.GetAppointment(context.Background(), 42); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListAppointments_Ordering(t *testing.T) {
	svc, repo := newTestService(capsFull)
	repo.seed(1, "2024-06-02 09:00", nil)
	repo.seed(2, "2024-06-01 09:00", nil)
	repo.seed(1, "2024-06-01 08:00", nil)

	all, total, err := svc.ListAppointments(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 3 || len(all) != 3 {
		t.Fatalf("expected 3, got %d/%d", len(all), total)
	}
	if all[0].WhenText() != "2024-06-01 08:00" || all[2].WhenText() != "2024-06-02 09:00" {
		t.Errorf("unexpected order: %s, %s, %s", all[0].WhenText(), all[1].WhenText(), all[2].WhenText())
	}

	mine, total, _ := svc.ListAppointmentsByPatient(context.Background(), 1, 1, 0)
	if total != 2 || len(mine) != 1 || mine[0].WhenText() != "2024-06-01 08:00" {
		t.Errorf("unexpected patient page %v (total %d)", mine, total)
	}

	day, _ := ParseWhen("2024-06-01 15:00")
	onDay, err := svc.ListAppointmentsOnDay(context.Background(), day)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(onDay) != 2 {
		t.Errorf("expected 2 appointments on the day, got %d", len(onDay))
	}
}

func TestHasConflict_ThroughService(t *testing.T) {
	svc, repo := newTestService(capsStatus)
	for i := 0; i < 3; i++ {
		repo.seed(int64(i+1), "2024-06-01 10:00", strPtr("scheduled"))
	}
	when, _ := ParseWhen("2024-06-01 10:00")

	if c, _ := svc.HasConflict(context.Background(), when, NoExclusion, 3); !c {
		t.Error("expected conflict at capacity 3")
	}
	if c, _ := svc.HasConflict(context.Background(), when, NoExclusion, 4); c {
		t.Error("expected no conflict at capacity 4")
	}
}

func TestCheckSlot(t *testing.T) {
	svc, repo := newTestService(capsStatus, WithMaxConcurrent(2))
	repo.seed(1, "2024-06-01 10:00", nil)
	repo.seed(2, "2024-06-01 10:00", nil)

	check, err := svc.CheckSlot(context.Background(), "2024-06-01 10:00:00", NoExclusion, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !check.Conflict || check.Max != 2 || check.Active != 2 {
		t.Errorf("unexpected check %+v", check)
	}

	if _, err := svc.CheckSlot(context.Background(), "", NoExclusion, 0); !errors.Is(err, ErrMissingField) {
		t.Errorf("expected ErrMissingField, got %v", err)
	}
	if _, err := svc.CheckSlot(context.Background(), "noon", NoExclusion, 0); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("expected ErrInvalidFormat, got %v", err)
	}
}

func TestBookAppointment(t *testing.T) {
	pub := &recordingPublisher{}
	svc, repo := newTestService(capsStatus, WithPublisher(pub))
	draft := Draft{PatientID: 1, When: "2024-06-01 10:00"}

	res, err := svc.BookAppointment(context.Background(), draft, 1, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Booked || res.Conflict || res.Appointment == nil {
		t.Fatalf("expected first booking to succeed, got %+v", res)
	}

	res, err = svc.BookAppointment(context.Background(), draft, 1, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Booked || !res.Conflict || res.Appointment != nil {
		t.Fatalf("expected refusal on a full slot, got %+v", res)
	}
	if repo.count() != 1 {
		t.Errorf("refused booking must not write, got %d rows", repo.count())
	}

	res, err = svc.BookAppointment(context.Background(), draft, 1, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Booked || !res.Conflict {
		t.Fatalf("expected confirmed overbooking, got %+v", res)
	}
	if repo.count() != 2 {
		t.Errorf("expected 2 rows, got %d", repo.count())
	}
	if len(pub.types()) != 2 {
		t.Errorf("expected 2 created events, got %v", pub.types())
	}
}

// The plain HasConflict then CreateAppointment pair is not atomic: callers
// that both check before either inserts overrun the slot.
func TestHasConflictThenCreate_Race(t *testing.T) {
	svc, repo := newTestService(capsStatus)
	when, _ := ParseWhen("2024-06-01 10:00")
	const callers = 4

	var checked, done sync.WaitGroup
	checked.Add(callers)
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func(pid int64) {
			defer done.Done()
			conflict, err := svc.HasConflict(context.Background(), when, NoExclusion, 1)
			checked.Done()
			checked.Wait()
			if err != nil || conflict {
				return
			}
			svc.CreateAppointment(context.Background(), Draft{PatientID: pid, When: "2024-06-01 10:00"})
		}(int64(i + 1))
	}
	done.Wait()

	if repo.count() != callers {
		t.Fatalf("expected every caller to insert past capacity 1, got %d rows", repo.count())
	}
}

func TestBookAppointment_SerializesSlot(t *testing.T) {
	svc, repo := newTestService(capsStatus)
	const callers = 8

	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(pid int64) {
			defer wg.Done()
			svc.BookAppointment(context.Background(), Draft{PatientID: pid, When: "2024-06-01 10:00"}, 3, false)
		}(int64(i + 1))
	}
	wg.Wait()

	if repo.count() != 3 {
		t.Fatalf("expected capacity 3 to hold, got %d rows", repo.count())
	}
}

func TestBookAppointment_Validation(t *testing.T) {
	svc, repo := newTestService(capsStatus)
	if _, err := svc.BookAppointment(context.Background(), Draft{PatientID: 1}, 0, false); !errors.Is(err, ErrMissingField) {
		t.Errorf("expected ErrMissingField, got %v", err)
	}
	if repo.calls != 0 {
		t.Error("expected no storage access")
	}
}

func TestStatusSummaryForPatient(t *testing.T) {
	svc, repo := newTestService(capsStatus)
	repo.seed(5, "2024-06-01 10:00", strPtr("completed"))
	repo.seed(5, "2024-07-01 10:00", nil)

	s, err := svc.StatusSummaryForPatient(context.Background(), 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.String() != "Scheduled: 1 (2024-07-01)\nCompleted: 1 (last: 2024-06-01)\nMissed: 0" {
		t.Errorf("unexpected summary %q", s.String())
	}

	counts, err := svc.CountsByStatus(context.Background(), 5)
	if err != nil || counts.Total() != 2 {
		t.Errorf("unexpected counts %+v, %v", counts, err)
	}
}

func TestSummary_LegacySchemaIgnoresStatusData(t *testing.T) {
	svc, repo := newTestService(capsLegacy)
	repo.seed(5, "2024-06-01 10:00", strPtr("completed"))
	repo.seed(5, "2024-05-01 10:00", strPtr("no_show"))
	repo.seed(5, "2024-07-01 10:00", nil)

	s, err := svc.StatusSummaryForPatient(context.Background(), 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.String() != "Scheduled: 3 (2024-05-01)" {
		t.Errorf("unexpected summary %q", s.String())
	}
}

func TestPatientName(t *testing.T) {
	svc, _ := newTestService(capsFull)
	if svc.PatientName(context.Background(), 1) != UnknownPatient {
		t.Error("expected Unknown without a directory")
	}

	svc, _ = newTestService(capsFull, WithPatientDirectory(staticDirectory{1: "Ada Lovelace"}))
	if svc.PatientName(context.Background(), 1) != "Ada Lovelace" {
		t.Error("expected directory name")
	}
	if svc.PatientName(context.Background(), 2) != UnknownPatient {
		t.Error("expected Unknown for a miss")
	}
}

func TestCapabilities_ThroughService(t *testing.T) {
	p := &fakeProber{columns: map[string]bool{}}
	svc := NewService(newMemRepo(), NewDetector(p, zerolog.Nop()))

	if svc.Capabilities(context.Background()).HasStatus() {
		t.Fatal("expected no status column")
	}
	p.set("status", true)
	if !svc.RefreshCapabilities(context.Background()).HasStatus() {
		t.Fatal("expected refresh to pick up the new column")
	}
	if !svc.Capabilities(context.Background()).HasStatus() {
		t.Fatal("expected refreshed value to be cached")
	}
}

func TestEventsCarryPatient(t *testing.T) {
	feed := events.NewFeed(4)
	ch, cancel := feed.Subscribe()
	defer cancel()
	svc, _ := newTestService(capsFull, WithPublisher(feed))

	a, err := svc.CreateAppointment(context.Background(), Draft{PatientID: 8, When: "2024-06-01 10:00"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case e := <-ch:
		if e.AppointmentID != a.ID || e.PatientID != 8 {
			t.Errorf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an event on the feed")
	}
}

func TestEventsCarryPatient_CancelAndDelete(t *testing.T) {
	tests := []struct {
		name string
		caps Capabilities
		op   func(svc *Service, id int64) error
		want events.Type
	}{
		{"cancel", capsFull, func(svc *Service, id int64) error { return svc.CancelAppointment(context.Background(), id) }, events.AppointmentCancelled},
		{"cancel legacy", capsLegacy, func(svc *Service, id int64) error { return svc.CancelAppointment(context.Background(), id) }, events.AppointmentCancelled},
		{"delete", capsFull, func(svc *Service, id int64) error { return svc.DeleteAppointment(context.Background(), id) }, events.AppointmentDeleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &recordingPublisher{}
			svc, repo := newTestService(tt.caps, WithPublisher(pub))
			id := repo.seed(8, "2024-06-01 10:00", nil)

			if err := tt.op(svc, id); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(pub.events) != 1 {
				t.Fatalf("expected one event, got %d", len(pub.events))
			}
			e := pub.events[0]
			if e.Type != tt.want || e.AppointmentID != id || e.PatientID != 8 {
				t.Errorf("unexpected event %+v", e)
			}
		})
	}
}

func TestUpdateAppointment_ReturnsAuditTimestamps(t *testing.T) {
	svc, _ := newTestService(capsFull)
	created, err := svc.CreateAppointment(context.Background(), Draft{PatientID: 1, When: "2024-06-01 10:00"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a, err := svc.UpdateAppointment(context.Background(), created.ID, Draft{PatientID: 1, When: "2024-06-01 11:00"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.CreatedAt == nil || a.UpdatedAt == nil {
		t.Fatalf("expected audit timestamps on the updated appointment, got %+v", a)
	}
	if !a.CreatedAt.Equal(*created.CreatedAt) {
		t.Errorf("created_at changed: %v -> %v", created.CreatedAt, a.CreatedAt)
	}
	if a.UpdatedAt.Before(*created.UpdatedAt) {
		t.Errorf("updated_at went backwards: %v -> %v", created.UpdatedAt, a.UpdatedAt)
	}
}
