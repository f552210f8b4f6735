package allocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var email *string

	err := row.Scan(&p.ID, &p.Name, &email, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	p.Email = email
	return &p, nil
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	var specialty *string

	err := row.Scan(&d.ID, &d.Name, &specialty, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}

	d.Specialty = specialty
	return &d, nil
}

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot

	err := row.Scan(
		&s.ID,
		&s.DoctorID,
		&s.StartTime,
		&s.EndTime,
		&s.Status,
		&s.Capacity,
		&s.BaseCapacity,
		&s.Occupancy,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}

	return &s, nil
}

func scanRequest(row pgx.Row) (*AllocationRequest, error) {
	var r AllocationRequest
	var slotID, originalSlotID *uuid.UUID

	err := row.Scan(
		&r.ID,
		&r.Token,
		&r.PatientID,
		&r.DoctorID,
		&slotID,
		&r.Source,
		&r.Score,
		&r.Status,
		&r.Relocated,
		&originalSlotID,
		&r.EarliestAcceptable,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}

	r.SlotID = slotID
	r.OriginalSlotID = originalSlotID
	return &r, nil
}

func scanWaitingEntry(row pgx.Row) (*WaitingEntry, error) {
	var w WaitingEntry

	err := row.Scan(
		&w.ID,
		&w.PatientID,
		&w.DoctorID,
		&w.Source,
		&w.Score,
		&w.Position,
		&w.Status,
		&w.EarliestAcceptable,
		&w.ExpiresAt,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQueueEntryNotFound
		}
		return nil, err
	}

	return &w, nil
}

const requestColumns = `id, token, patient_id, doctor_id, slot_id, source, score, status,
	relocated, original_slot_id, earliest_acceptable, created_at, updated_at`

const waitingColumns = `id, patient_id, doctor_id, source, score, position, status,
	earliest_acceptable, expires_at, created_at, updated_at`

// Interface methods

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, specialty, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

func (r *PgRepository) GetSlotByID(ctx context.Context, id uuid.UUID) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, doctor_id, start_time, end_time, status, capacity, base_capacity, occupancy, created_at, updated_at
		FROM slots
		WHERE id = $1
	`, id)
	return scanSlot(row)
}

func (r *PgRepository) ListSlotsForDoctor(ctx context.Context, doctorID uuid.UUID, from time.Time) ([]*Slot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, doctor_id, start_time, end_time, status, capacity, base_capacity, occupancy, created_at, updated_at
		FROM slots
		WHERE doctor_id = $1
		  AND start_time >= $2
		ORDER BY start_time ASC
	`, doctorID, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}

	return result, rows.Err()
}

func (r *PgRepository) UpdateSlot(ctx context.Context, slot *Slot) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE slots
		SET status = $2,
		    capacity = $3,
		    occupancy = $4,
		    updated_at = now()
		WHERE id = $1
	`, slot.ID, slot.Status, slot.Capacity, slot.Occupancy)
	if err != nil {
		return fmt.Errorf("update slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

func (r *PgRepository) CreateRequest(ctx context.Context, req *AllocationRequest) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO allocation_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, req.ID, req.Token, req.PatientID, req.DoctorID, req.SlotID, req.Source, req.Score,
		req.Status, req.Relocated, req.OriginalSlotID, req.EarliestAcceptable, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert allocation request: %w", err)
	}
	return nil
}

func (r *PgRepository) GetRequestByID(ctx context.Context, id uuid.UUID) (*AllocationRequest, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+requestColumns+`
		FROM allocation_requests
		WHERE id = $1
	`, id)
	return scanRequest(row)
}

func (r *PgRepository) GetRequestByToken(ctx context.Context, token string) (*AllocationRequest, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+requestColumns+`
		FROM allocation_requests
		WHERE token = $1
	`, token)
	return scanRequest(row)
}

func (r *PgRepository) UpdateRequest(ctx context.Context, req *AllocationRequest) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE allocation_requests
		SET slot_id = $2,
		    status = $3,
		    relocated = $4,
		    original_slot_id = $5,
		    updated_at = now()
		WHERE id = $1
	`, req.ID, req.SlotID, req.Status, req.Relocated, req.OriginalSlotID)
	if err != nil {
		return fmt.Errorf("update allocation request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRequestNotFound
	}
	return nil
}

func (r *PgRepository) ListOccupantsForSlot(ctx context.Context, slotID uuid.UUID) ([]*AllocationRequest, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+requestColumns+`
		FROM allocation_requests
		WHERE slot_id = $1
		  AND status IN ('admitted', 'checked_in', 'completed')
	`, slotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*AllocationRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, req)
	}

	return result, rows.Err()
}

func (r *PgRepository) CreateWaitingEntry(ctx context.Context, entry *WaitingEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO waiting_entries (`+waitingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, entry.ID, entry.PatientID, entry.DoctorID, entry.Source, entry.Score, entry.Position,
		entry.Status, entry.EarliestAcceptable, entry.ExpiresAt, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert waiting entry: %w", err)
	}
	return nil
}

func (r *PgRepository) GetWaitingEntryByID(ctx context.Context, id uuid.UUID) (*WaitingEntry, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+waitingColumns+`
		FROM waiting_entries
		WHERE id = $1
	`, id)
	return scanWaitingEntry(row)
}

func (r *PgRepository) UpdateWaitingEntry(ctx context.Context, entry *WaitingEntry) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE waiting_entries
		SET position = $2,
		    status = $3,
		    updated_at = now()
		WHERE id = $1
	`, entry.ID, entry.Position, entry.Status)
	if err != nil {
		return fmt.Errorf("update waiting entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrQueueEntryNotFound
	}
	return nil
}

func (r *PgRepository) ListWaitingForDoctor(ctx context.Context, doctorID uuid.UUID) ([]*WaitingEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+waitingColumns+`
		FROM waiting_entries
		WHERE doctor_id = $1
		  AND status = 'waiting'
		ORDER BY position ASC
	`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*WaitingEntry
	for rows.Next() {
		entry, err := scanWaitingEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}

	return result, rows.Err()
}

func (r *PgRepository) FindWaitingForPatient(ctx context.Context, doctorID, patientID uuid.UUID) (*WaitingEntry, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+waitingColumns+`
		FROM waiting_entries
		WHERE doctor_id = $1
		  AND patient_id = $2
		  AND status = 'waiting'
		ORDER BY created_at DESC
		LIMIT 1
	`, doctorID, patientID)
	return scanWaitingEntry(row)
}

func (r *PgRepository) ListDoctorsWithStaleWaiting(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT doctor_id
		FROM waiting_entries
		WHERE status = 'waiting'
		  AND expires_at < $1
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result = append(result, id)
	}

	return result, rows.Err()
}

func (r *PgRepository) GetRequestDetail(ctx context.Context, id uuid.UUID) (*RequestDetail, error) {
	req, err := r.GetRequestByID(ctx, id)
	if err != nil {
		return nil, err
	}

	detail := &RequestDetail{AllocationRequest: *req}

	if req.SlotID != nil {
		slot, err := r.GetSlotByID(ctx, *req.SlotID)
		if err != nil && !errors.Is(err, ErrSlotNotFound) {
			return nil, err
		}
		detail.Slot = slot
	}

	patient, err := r.GetPatientByID(ctx, req.PatientID)
	if err != nil && !errors.Is(err, ErrPatientNotFound) {
		return nil, err
	}
	detail.Patient = patient

	doctor, err := r.GetDoctorByID(ctx, req.DoctorID)
	if err != nil && !errors.Is(err, ErrDoctorNotFound) {
		return nil, err
	}
	detail.Doctor = doctor

	return detail, nil
}

func (r *PgRepository) ListRequestsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]RequestDetail, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+requestColumns+`
		FROM allocation_requests
		WHERE patient_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []RequestDetail
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, RequestDetail{AllocationRequest: *req})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range result {
		if result[i].SlotID == nil {
			continue
		}
		slot, err := r.GetSlotByID(ctx, *result[i].SlotID)
		if err != nil && !errors.Is(err, ErrSlotNotFound) {
			return nil, err
		}
		result[i].Slot = slot
	}

	return result, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, request_id, slot_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.EventType, ev.RequestID, ev.SlotID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
