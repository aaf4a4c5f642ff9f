package scheduling

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var errStorage = errors.New("connection refused")

type memRow struct {
	a   Appointment
	raw *string // status column as stored; nil is NULL
}

// memRepo stores rows the way the pg repository would, including raw
// status values the closed enum cannot express.
type memRepo struct {
	mu     sync.Mutex
	rows   map[int64]*memRow
	nextID int64
	err    error
	calls  int
	slot   sync.Mutex
}

func newMemRepo() *memRepo {
	return &memRepo{rows: make(map[int64]*memRow)}
}

func strPtr(s string) *string { return &s }

// seed inserts a row directly, bypassing validation.
func (m *memRepo) seed(patientID int64, when string, raw *string) int64 {
	t, err := ParseWhen(when)
	if err != nil {
		panic(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.rows[m.nextID] = &memRow{a: Appointment{ID: m.nextID, PatientID: patientID, When: t}, raw: raw}
	return m.nextID
}

func (m *memRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *memRepo) enter() error {
	m.calls++
	return m.err
}

func (m *memRepo) read(r *memRow, caps *Capabilities) *Appointment {
	a := r.a
	if caps.HasStatus() {
		a.Status = StatusFromStorage(r.raw)
	} else {
		a.Status = StatusScheduled
	}
	if !caps.HasVisitReference() {
		a.VisitID = nil
	}
	return &a
}

func (m *memRepo) Create(_ context.Context, caps *Capabilities, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return err
	}
	m.nextID++
	a.ID = m.nextID
	row := &memRow{a: *a}
	if caps.HasStatus() {
		row.raw = strPtr(string(a.Status))
	}
	if caps.HasAuditColumns() {
		now := time.Now()
		a.CreatedAt, a.UpdatedAt = &now, &now
		row.a.CreatedAt, row.a.UpdatedAt = &now, &now
	}
	m.rows[a.ID] = row
	return nil
}

func (m *memRepo) GetByID(_ context.Context, caps *Capabilities, id int64) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return nil, err
	}
	r, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.read(r, caps), nil
}

func (m *memRepo) Update(_ context.Context, caps *Capabilities, a *Appointment) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return 0, err
	}
	r, ok := m.rows[a.ID]
	if !ok {
		return 0, nil
	}
	r.a.PatientID, r.a.When, r.a.Reason = a.PatientID, a.When, a.Reason
	if caps.HasStatus() {
		r.raw = strPtr(string(a.Status))
	}
	if caps.HasVisitReference() {
		r.a.VisitID = a.VisitID
	}
	if caps.HasAuditColumns() {
		now := time.Now()
		r.a.UpdatedAt = &now
		a.CreatedAt, a.UpdatedAt = r.a.CreatedAt, &now
	}
	return 1, nil
}

func (m *memRepo) SetStatus(_ context.Context, caps *Capabilities, id int64, status Status) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return 0, err
	}
	r, ok := m.rows[id]
	if !ok {
		return 0, nil
	}
	r.raw = strPtr(string(status))
	return r.a.PatientID, nil
}

func (m *memRepo) Delete(_ context.Context, id int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return 0, err
	}
	r, ok := m.rows[id]
	if !ok {
		return 0, nil
	}
	delete(m.rows, id)
	return r.a.PatientID, nil
}

func (m *memRepo) List(_ context.Context, caps *Capabilities, f ListFilter) ([]*Appointment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return nil, 0, err
	}
	var out []*Appointment
	for _, r := range m.rows {
		if f.PatientID != nil && r.a.PatientID != *f.PatientID {
			continue
		}
		if f.From != nil && r.a.When.Before(*f.From) {
			continue
		}
		if f.To != nil && !r.a.When.Before(*f.To) {
			continue
		}
		out = append(out, m.read(r, caps))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].When.Equal(out[j].When) {
			return out[i].When.Before(out[j].When)
		}
		return out[i].ID < out[j].ID
	})
	total := len(out)
	if f.Limit > 0 {
		if f.Offset >= len(out) {
			return nil, total, nil
		}
		end := f.Offset + f.Limit
		if end > len(out) {
			end = len(out)
		}
		out = out[f.Offset:end]
	}
	return out, total, nil
}

func (m *memRepo) CountActiveAt(_ context.Context, caps *Capabilities, when time.Time, excludeID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return 0, err
	}
	n := 0
	for id, r := range m.rows {
		if id == excludeID || !r.a.When.Equal(when) {
			continue
		}
		if caps.HasStatus() && r.raw != nil && !StatusFromStorage(r.raw).Active() {
			continue
		}
		n++
	}
	return n, nil
}

func (m *memRepo) CountByStatus(_ context.Context, caps *Capabilities, patientID int64) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return nil, err
	}
	out := make(map[string]int)
	for _, r := range m.rows {
		if r.a.PatientID != patientID {
			continue
		}
		key := ""
		if caps.HasStatus() && r.raw != nil {
			key = *r.raw
		}
		out[key]++
	}
	return out, nil
}

func (m *memRepo) BoundDate(_ context.Context, caps *Capabilities, patientID int64, bound DateBound, scope *StatusScope) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return nil, err
	}
	var best *time.Time
	for _, r := range m.rows {
		if r.a.PatientID != patientID {
			continue
		}
		if scope != nil && caps.HasStatus() && !inScope(scope, r.raw) {
			continue
		}
		t := r.a.When
		if best == nil || (bound == Earliest && t.Before(*best)) || (bound == Latest && t.After(*best)) {
			best = &t
		}
	}
	return best, nil
}

func inScope(scope *StatusScope, raw *string) bool {
	if raw == nil {
		return scope.IncludeNull
	}
	for _, s := range scope.Statuses {
		if s == *raw {
			return true
		}
	}
	return false
}

func (m *memRepo) WithSlotLock(ctx context.Context, _ time.Time, fn func(ctx context.Context) error) error {
	m.slot.Lock()
	defer m.slot.Unlock()
	return fn(ctx)
}

var (
	capsFull   = Capabilities{Status: true, AuditColumns: true, VisitReference: true}
	capsStatus = Capabilities{Status: true}
	capsLegacy = Capabilities{}
)

func newTestService(caps Capabilities, opts ...Option) (*Service, *memRepo) {
	repo := newMemRepo()
	return NewService(repo, NewStaticDetector(caps), opts...), repo
}
