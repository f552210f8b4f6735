package allocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/triagedesk/slot-allocator/internal/config"
	redisclient "github.com/triagedesk/slot-allocator/internal/redis"
)

const (
	EventRequestAdmitted  = "REQUEST_ADMITTED"
	EventRequestQueued    = "REQUEST_QUEUED"
	EventRequestRelocated = "REQUEST_RELOCATED"
	EventRequestCancelled = "REQUEST_CANCELLED"
	EventRequestNoShow    = "REQUEST_NO_SHOW"
	EventQueuePromoted    = "QUEUE_PROMOTED"
	EventQueueWithdrawn   = "QUEUE_WITHDRAWN"
	EventQueueExpired     = "QUEUE_EXPIRED"
	EventEmergencyAdmit   = "EMERGENCY_FAST_TRACK"
	EventCapacityOverride = "CAPACITY_OVERRIDE"
	EventCapacityReverted = "CAPACITY_REVERTED"
)

var (
	ErrDoctorMismatch        = errors.New("slot does not belong to the requested doctor")
	ErrNoActiveSlotForDoctor = errors.New("doctor has no upcoming slots")
	ErrRequestNotCancellable = errors.New("request cannot be cancelled in its current state")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrInvalidSource         = errors.New("invalid request source")
	ErrInvalidSeverity       = errors.New("invalid override severity tier")
	ErrDoctorBusy            = errors.New("doctor schedule is busy, please retry")
)

// Service is the allocation core: admission, forced reallocation, waiting
// queue, cancellation recovery and emergency override. All mutating paths
// for one doctor run inside that doctor's lock, so the ledger and queue are
// only ever touched by one operation at a time.
type Service struct {
	repo   Repository
	locker redisclient.Locker
	cfg    config.Config
	now    func() time.Time
}

func NewService(repo Repository, locker redisclient.Locker, cfg config.Config) *Service {
	return &Service{
		repo:   repo,
		locker: locker,
		cfg:    cfg,
		now:    time.Now,
	}
}

// loadLedger reads a slot and its occupants and builds the in-memory ledger.
// Must only be called while holding the slot's doctor lock.
func (s *Service) loadLedger(ctx context.Context, slotID uuid.UUID) (*Ledger, error) {
	slot, err := s.repo.GetSlotByID(ctx, slotID)
	if err != nil {
		return nil, err
	}
	occupants, err := s.repo.ListOccupantsForSlot(ctx, slotID)
	if err != nil {
		return nil, fmt.Errorf("list occupants for slot %s: %w", slotID, err)
	}
	return NewLedger(slot, occupants)
}

// ledgerFor builds a ledger for an already-loaded slot. Must only be called
// while holding the slot's doctor lock.
func (s *Service) ledgerFor(ctx context.Context, slot *Slot) (*Ledger, error) {
	occupants, err := s.repo.ListOccupantsForSlot(ctx, slot.ID)
	if err != nil {
		return nil, fmt.Errorf("list occupants for slot %s: %w", slot.ID, err)
	}
	return NewLedger(slot, occupants)
}

func (s *Service) persistLedger(ctx context.Context, l *Ledger) error {
	if err := s.repo.UpdateSlot(ctx, l.Slot()); err != nil {
		return fmt.Errorf("update slot %s: %w", l.Slot().ID, err)
	}
	return nil
}

func (s *Service) withDoctor(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error {
	err := s.locker.WithDoctorLock(ctx, doctorID, fn)
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return ErrDoctorBusy
	}
	return err
}

func (s *Service) logEvent(ctx context.Context, eventType string, requestID, slotID *uuid.UUID, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("failed to marshal event payload for %s: %v", eventType, err)
		data = nil
	}

	ev := EventLog{
		EventType: eventType,
		RequestID: requestID,
		SlotID:    slotID,
		Payload:   data,
		CreatedAt: s.now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		log.Printf("failed to insert event log %s: %v", eventType, err)
	}
}

// GetRequest retrieves a fully hydrated allocation request by ID.
func (s *Service) GetRequest(ctx context.Context, id uuid.UUID) (*RequestDetail, error) {
	detail, err := s.repo.GetRequestDetail(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	return detail, nil
}

// GetRequestByToken resolves the human-displayable request token, the
// handle patients quote at the desk, to the full request detail.
func (s *Service) GetRequestByToken(ctx context.Context, token string) (*RequestDetail, error) {
	req, err := s.repo.GetRequestByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.repo.GetRequestDetail(ctx, req.ID)
}

// ListRequestsByPatient retrieves allocation requests for a specific patient.
func (s *Service) ListRequestsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]RequestDetail, error) {
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}

	requests, err := s.repo.ListRequestsByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list requests by patient: %w", err)
	}
	return requests, nil
}
