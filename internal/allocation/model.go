package allocation

import (
	"time"

	"github.com/google/uuid"
)

type RequestStatus string

const (
	StatusAdmitted  RequestStatus = "admitted"
	StatusCheckedIn RequestStatus = "checked_in"
	StatusCompleted RequestStatus = "completed"
	StatusCancelled RequestStatus = "cancelled"
	StatusNoShow    RequestStatus = "no_show"
)

// Occupying reports whether a request in this status still holds slot
// capacity. Cancellation and no-show are the only transitions that give
// capacity back.
func (s RequestStatus) Occupying() bool {
	switch s {
	case StatusAdmitted, StatusCheckedIn, StatusCompleted:
		return true
	}
	return false
}

// Terminal statuses never transition again.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

type SlotStatus string

const (
	SlotOpen      SlotStatus = "open"
	SlotFull      SlotStatus = "full"
	SlotClosed    SlotStatus = "closed"
	SlotCancelled SlotStatus = "cancelled"
)

type WaitingStatus string

const (
	WaitingActive    WaitingStatus = "waiting"
	WaitingPromoted  WaitingStatus = "promoted"
	WaitingWithdrawn WaitingStatus = "withdrawn"
	WaitingExpired   WaitingStatus = "expired"
)

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Doctor struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Slot is one doctor's fixed time window with a capacity limit. Occupancy
// must equal the number of occupying requests pointing at the slot at every
// observable point; the Ledger is the only writer of Occupancy, Capacity and
// Status. BaseCapacity is the capacity before any emergency override and is
// what a revert restores.
type Slot struct {
	ID           uuid.UUID
	DoctorID     uuid.UUID
	StartTime    time.Time
	EndTime      time.Time
	Status       SlotStatus
	Capacity     int
	BaseCapacity int
	Occupancy    int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AllocationRequest is one patient's claim on a doctor's capacity. SlotID is
// nil until the request is admitted somewhere. Relocated marks a request that
// was displaced out of the slot it was originally admitted to; OriginalSlotID
// then records that slot. The lifecycle only moves forward.
type AllocationRequest struct {
	ID                 uuid.UUID
	Token              string
	PatientID          uuid.UUID
	DoctorID           uuid.UUID
	SlotID             *uuid.UUID
	Source             Source
	Score              int
	Status             RequestStatus
	Relocated          bool
	OriginalSlotID     *uuid.UUID
	EarliestAcceptable time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// WaitingEntry is an unsatisfied request parked in a doctor's queue.
// Positions are dense and 1-based per doctor among entries still in
// WaitingActive, ranked by score descending then creation time ascending.
type WaitingEntry struct {
	ID                 uuid.UUID
	PatientID          uuid.UUID
	DoctorID           uuid.UUID
	Source             Source
	Score              int
	Position           int
	Status             WaitingStatus
	EarliestAcceptable time.Time
	ExpiresAt          time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type EventLog struct {
	ID        int64
	EventType string
	RequestID *uuid.UUID
	SlotID    *uuid.UUID
	Payload   []byte
	CreatedAt time.Time
}

type RequestDetail struct {
	AllocationRequest
	Slot    *Slot
	Patient *Patient
	Doctor  *Doctor
}
