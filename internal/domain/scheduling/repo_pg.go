package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/frontdesk/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Statuses that free their slot. "missed" is the legacy spelling of no_show.
var inactiveStatuses = []string{string(StatusCancelled), string(StatusNoShow), legacyMissed}

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func apptCols(caps *Capabilities) string {
	cols := []string{"id", "patient_id", "appointment_date", "reason"}
	if caps.HasStatus() {
		cols = append(cols, "status")
	}
	if caps.HasAuditColumns() {
		cols = append(cols, "created_at", "updated_at")
	}
	if caps.HasVisitReference() {
		cols = append(cols, "visit_id")
	}
	return strings.Join(cols, ", ")
}

func scanAppointment(row pgx.Row, caps *Capabilities) (*Appointment, error) {
	var a Appointment
	var status *string
	dest := []interface{}{&a.ID, &a.PatientID, &a.When, &a.Reason}
	if caps.HasStatus() {
		dest = append(dest, &status)
	}
	if caps.HasAuditColumns() {
		dest = append(dest, &a.CreatedAt, &a.UpdatedAt)
	}
	if caps.HasVisitReference() {
		dest = append(dest, &a.VisitID)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	a.Status = StatusFromStorage(status)
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, caps *Capabilities, a *Appointment) error {
	cols := []string{"patient_id", "appointment_date", "reason"}
	args := []interface{}{a.PatientID, a.When, a.Reason}
	if caps.HasStatus() {
		cols = append(cols, "status")
		args = append(args, string(a.Status))
	}
	if caps.HasVisitReference() && a.VisitID != nil {
		cols = append(cols, "visit_id")
		args = append(args, *a.VisitID)
	}
	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	returning := "id"
	dest := []interface{}{&a.ID}
	if caps.HasAuditColumns() {
		returning += ", created_at, updated_at"
		dest = append(dest, &a.CreatedAt, &a.UpdatedAt)
	}

	query := fmt.Sprintf(`INSERT INTO appointments (%s) VALUES (%s) RETURNING %s`,
		strings.Join(cols, ", "), strings.Join(placeholders, ","), returning)
	return r.conn(ctx).QueryRow(ctx, query, args...).Scan(dest...)
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, caps *Capabilities, id int64) (*Appointment, error) {
	a, err := scanAppointment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+apptCols(caps)+` FROM appointments WHERE id = $1`, id), caps)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (r *appointmentRepoPG) Update(ctx context.Context, caps *Capabilities, a *Appointment) (int64, error) {
	sets := []string{"patient_id = $2", "appointment_date = $3", "reason = $4"}
	args := []interface{}{a.ID, a.PatientID, a.When, a.Reason}
	if caps.HasStatus() {
		args = append(args, string(a.Status))
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	if caps.HasVisitReference() {
		args = append(args, a.VisitID)
		sets = append(sets, fmt.Sprintf("visit_id = $%d", len(args)))
	}
	query := `UPDATE appointments SET ` + strings.Join(sets, ", ")

	if !caps.HasAuditColumns() {
		tag, err := r.conn(ctx).Exec(ctx, query+` WHERE id = $1`, args...)
		if err != nil {
			return 0, err
		}
		return tag.RowsAffected(), nil
	}

	err := r.conn(ctx).QueryRow(ctx,
		query+`, updated_at = NOW() WHERE id = $1 RETURNING created_at, updated_at`, args...).
		Scan(&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return 1, nil
}

func (r *appointmentRepoPG) SetStatus(ctx context.Context, caps *Capabilities, id int64, status Status) (int64, error) {
	if !caps.HasStatus() {
		return 0, fmt.Errorf("appointments table has no status column")
	}
	query := `UPDATE appointments SET status = $2 WHERE id = $1 RETURNING patient_id`
	if caps.HasAuditColumns() {
		query = `UPDATE appointments SET status = $2, updated_at = NOW() WHERE id = $1 RETURNING patient_id`
	}
	return scanPatientID(r.conn(ctx).QueryRow(ctx, query, id, string(status)))
}

func (r *appointmentRepoPG) Delete(ctx context.Context, id int64) (int64, error) {
	return scanPatientID(r.conn(ctx).QueryRow(ctx,
		`DELETE FROM appointments WHERE id = $1 RETURNING patient_id`, id))
}

func scanPatientID(row pgx.Row) (int64, error) {
	var patientID int64
	err := row.Scan(&patientID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return patientID, err
}

func (r *appointmentRepoPG) List(ctx context.Context, caps *Capabilities, filter ListFilter) ([]*Appointment, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	if filter.PatientID != nil {
		args = append(args, *filter.PatientID)
		where += fmt.Sprintf(` AND patient_id = $%d`, len(args))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		where += fmt.Sprintf(` AND appointment_date >= $%d`, len(args))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		where += fmt.Sprintf(` AND appointment_date < $%d`, len(args))
	}

	query := `SELECT ` + apptCols(caps) + ` FROM appointments` + where + ` ORDER BY appointment_date ASC, id ASC`
	pageArgs := args
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
		pageArgs = append(append([]interface{}{}, args...), filter.Limit, filter.Offset)
	}

	rows, err := r.conn(ctx).Query(ctx, query, pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows, caps)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	total := len(items)
	if filter.Limit > 0 {
		if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointments`+where, args...).Scan(&total); err != nil {
			return nil, 0, err
		}
	}
	return items, total, nil
}

func (r *appointmentRepoPG) CountActiveAt(ctx context.Context, caps *Capabilities, when time.Time, excludeID int64) (int, error) {
	query := `SELECT COUNT(*) FROM appointments WHERE appointment_date = $1 AND id <> $2`
	args := []interface{}{when, excludeID}
	if caps.HasStatus() {
		query += ` AND (status IS NULL OR status <> ALL($3))`
		args = append(args, inactiveStatuses)
	}
	var n int
	err := r.conn(ctx).QueryRow(ctx, query, args...).Scan(&n)
	return n, err
}

func (r *appointmentRepoPG) CountByStatus(ctx context.Context, caps *Capabilities, patientID int64) (map[string]int, error) {
	counts := make(map[string]int)
	if !caps.HasStatus() {
		var n int
		if err := r.conn(ctx).QueryRow(ctx,
			`SELECT COUNT(*) FROM appointments WHERE patient_id = $1`, patientID).Scan(&n); err != nil {
			return nil, err
		}
		if n > 0 {
			counts[""] = n
		}
		return counts, nil
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT status, COUNT(*) FROM appointments WHERE patient_id = $1 GROUP BY status`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status *string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		key := ""
		if status != nil {
			key = *status
		}
		counts[key] += n
	}
	return counts, rows.Err()
}

func (r *appointmentRepoPG) BoundDate(ctx context.Context, caps *Capabilities, patientID int64, bound DateBound, scope *StatusScope) (*time.Time, error) {
	agg := "MIN"
	if bound == Latest {
		agg = "MAX"
	}
	query := `SELECT ` + agg + `(appointment_date) FROM appointments WHERE patient_id = $1`
	args := []interface{}{patientID}

	if scope != nil && caps.HasStatus() {
		var conds []string
		if len(scope.Statuses) > 0 {
			args = append(args, scope.Statuses)
			conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
		}
		if scope.IncludeNull {
			conds = append(conds, "status IS NULL")
		}
		if len(conds) == 0 {
			return nil, nil
		}
		query += ` AND (` + strings.Join(conds, " OR ") + `)`
	}

	var t *time.Time
	if err := r.conn(ctx).QueryRow(ctx, query, args...).Scan(&t); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *appointmentRepoPG) WithSlotLock(ctx context.Context, when time.Time, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, r.pool, pgx.TxOptions{}, func(ctx context.Context) error {
		if _, err := r.conn(ctx).Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`,
			"appointment-slot:"+when.Format(LayoutSecond)); err != nil {
			return fmt.Errorf("lock slot: %w", err)
		}
		return fn(ctx)
	})
}

// pgProber detects optional columns with a zero-row projection.
type pgProber struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewPGProber(pool *pgxpool.Pool, logger zerolog.Logger) Prober {
	return &pgProber{pool: pool, logger: logger}
}

func (p *pgProber) HasColumn(ctx context.Context, table, column string) bool {
	query := fmt.Sprintf(`SELECT %s FROM %s LIMIT 0`,
		pgx.Identifier{column}.Sanitize(), pgx.Identifier{table}.Sanitize())
	rows, err := p.pool.Query(ctx, query)
	if err == nil {
		rows.Close()
		err = rows.Err()
	}
	if err != nil {
		p.logger.Debug().Err(err).Str("table", table).Str("column", column).Msg("column probe failed")
		return false
	}
	return true
}
