package allocation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound    = errors.New("patient not found")
	ErrDoctorNotFound     = errors.New("doctor not found")
	ErrSlotNotFound       = errors.New("slot not found")
	ErrRequestNotFound    = errors.New("allocation request not found")
	ErrQueueEntryNotFound = errors.New("waiting entry not found")
)

// Repository contains all DB interactions needed by the service. Every
// method is expected to be callable inside a doctor's critical section
// without introducing its own conflicting concurrency.
type Repository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)

	GetSlotByID(ctx context.Context, id uuid.UUID) (*Slot, error)
	// ListSlotsForDoctor returns the doctor's slots starting at or after
	// from, ordered by start time ascending.
	ListSlotsForDoctor(ctx context.Context, doctorID uuid.UUID, from time.Time) ([]*Slot, error)
	UpdateSlot(ctx context.Context, slot *Slot) error

	CreateRequest(ctx context.Context, req *AllocationRequest) error
	GetRequestByID(ctx context.Context, id uuid.UUID) (*AllocationRequest, error)
	GetRequestByToken(ctx context.Context, token string) (*AllocationRequest, error)
	UpdateRequest(ctx context.Context, req *AllocationRequest) error
	// ListOccupantsForSlot returns the requests currently holding capacity
	// in the slot (admitted, checked in or completed).
	ListOccupantsForSlot(ctx context.Context, slotID uuid.UUID) ([]*AllocationRequest, error)

	CreateWaitingEntry(ctx context.Context, entry *WaitingEntry) error
	GetWaitingEntryByID(ctx context.Context, id uuid.UUID) (*WaitingEntry, error)
	UpdateWaitingEntry(ctx context.Context, entry *WaitingEntry) error
	// ListWaitingForDoctor returns entries still in WaitingActive ordered
	// by position ascending.
	ListWaitingForDoctor(ctx context.Context, doctorID uuid.UUID) ([]*WaitingEntry, error)
	FindWaitingForPatient(ctx context.Context, doctorID, patientID uuid.UUID) (*WaitingEntry, error)

	// Expiry worker
	ListDoctorsWithStaleWaiting(ctx context.Context, now time.Time) ([]uuid.UUID, error)

	// Read views
	GetRequestDetail(ctx context.Context, id uuid.UUID) (*RequestDetail, error)
	ListRequestsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]RequestDetail, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}
