package api

import (
	"time"

	"github.com/google/uuid"
)

type AllocateRequest struct {
	PatientID          string  `json:"patient_id"`
	DoctorID           string  `json:"doctor_id"`
	PreferredSlotID    *string `json:"preferred_slot_id,omitempty"`
	Source             string  `json:"source"`
	EarliestAcceptable *string `json:"earliest_acceptable,omitempty"` // RFC 3339
}

type EmergencyRequest struct {
	PatientID string `json:"patient_id"`
	DoctorID  string `json:"doctor_id"`
	Reason    string `json:"reason"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type OverrideRequest struct {
	Tier string `json:"tier"`
}

type RequestResponse struct {
	ID             uuid.UUID  `json:"id"`
	Token          string     `json:"token"`
	PatientID      uuid.UUID  `json:"patient_id"`
	DoctorID       uuid.UUID  `json:"doctor_id"`
	SlotID         *uuid.UUID `json:"slot_id,omitempty"`
	Source         string     `json:"source"`
	Score          int        `json:"score"`
	Status         string     `json:"status"`
	Relocated      bool       `json:"relocated"`
	OriginalSlotID *uuid.UUID `json:"original_slot_id,omitempty"`
	SlotStart      *time.Time `json:"slot_start,omitempty"`
	SlotEnd        *time.Time `json:"slot_end,omitempty"`
}

type QueuedResponse struct {
	EntryID       uuid.UUID `json:"entry_id"`
	Position      int       `json:"position"`
	EstimatedWait string    `json:"estimated_wait,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type AllocationResponse struct {
	Decision string           `json:"decision"` // admitted or queued
	Request  *RequestResponse `json:"request,omitempty"`
	Queued   *QueuedResponse  `json:"queued,omitempty"`
}

type CancellationResponse struct {
	Request    RequestResponse `json:"request"`
	RefundTier int             `json:"refund_tier_percent"`
}

type QueuePositionResponse struct {
	EntryID       uuid.UUID `json:"entry_id"`
	Position      int       `json:"position"`
	EstimatedWait string    `json:"estimated_wait"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type SlotResponse struct {
	ID           uuid.UUID `json:"id"`
	DoctorID     uuid.UUID `json:"doctor_id"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	Status       string    `json:"status"`
	Capacity     int       `json:"capacity"`
	BaseCapacity int       `json:"base_capacity"`
	Occupancy    int       `json:"occupancy"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
