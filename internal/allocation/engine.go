package allocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type AllocateParams struct {
	PatientID          uuid.UUID
	DoctorID           uuid.UUID
	PreferredSlotID    *uuid.UUID
	Source             Source
	EarliestAcceptable time.Time
}

type Decision string

const (
	DecisionAdmitted Decision = "admitted"
	DecisionQueued   Decision = "queued"
)

type AllocationOutcome struct {
	Decision Decision
	Request  *AllocationRequest // set when admitted
	Slot     *Slot              // set when admitted
	Entry    *WaitingEntry      // set when queued
	Position int                // set when queued
}

// errNoReallocation signals that no full slot could be freed by displacement.
// It never leaves the engine; the request falls through to the queue.
var errNoReallocation = errors.New("reallocation impossible")

// Allocate runs the admission algorithm for one request: preferred slot
// first, then chronological first fit, then forced reallocation of a
// strictly lower-priority occupant, and finally the waiting queue. The whole
// decision runs inside the doctor's critical section so no concurrent caller
// can observe or consume capacity mid-decision.
func (s *Service) Allocate(ctx context.Context, params AllocateParams) (*AllocationOutcome, error) {
	if params.Source.Score() == 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSource, params.Source)
	}
	if _, err := s.repo.GetPatientByID(ctx, params.PatientID); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}
	if _, err := s.repo.GetDoctorByID(ctx, params.DoctorID); err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load doctor: %w", err)
	}

	var outcome *AllocationOutcome
	err := s.withDoctor(ctx, params.DoctorID, func(lockCtx context.Context) error {
		var err error
		outcome, err = s.allocateLocked(lockCtx, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// allocateLocked is Allocate's body. Must only be called while holding the
// doctor's lock.
func (s *Service) allocateLocked(ctx context.Context, params AllocateParams) (*AllocationOutcome, error) {
	now := s.now()
	earliest := params.EarliestAcceptable
	if earliest.Before(now) {
		earliest = now
	}

	req := &AllocationRequest{
		ID:                 uuid.New(),
		Token:              NewToken(now),
		PatientID:          params.PatientID,
		DoctorID:           params.DoctorID,
		Source:             params.Source,
		Score:              params.Source.Score(),
		Status:             StatusAdmitted,
		EarliestAcceptable: earliest,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	// Preferred slot wins if it has room. If it is full, the request's
	// priority may still claim it through displacement before the search
	// falls back to other slots.
	var preferredID *uuid.UUID
	if params.PreferredSlotID != nil {
		ledger, err := s.loadLedger(ctx, *params.PreferredSlotID)
		if err != nil {
			return nil, err
		}
		if ledger.Slot().DoctorID != params.DoctorID {
			return nil, ErrDoctorMismatch
		}
		if ledger.Slot().StartTime.Before(earliest) {
			return nil, fmt.Errorf("%w: slot %s already started", ErrSlotUnavailable, ledger.Slot().ID)
		}
		err = s.admit(ctx, ledger, req)
		switch {
		case err == nil:
			return &AllocationOutcome{Decision: DecisionAdmitted, Request: req, Slot: ledger.Slot()}, nil
		case errors.Is(err, ErrCapacityFull):
			preferredID = params.PreferredSlotID
		case errors.Is(err, ErrSlotUnavailable):
			// closed slot; just search
		default:
			return nil, err
		}
	}

	slot, err := s.placeLocked(ctx, req, earliest, preferredID)
	if err == nil {
		return &AllocationOutcome{Decision: DecisionAdmitted, Request: req, Slot: slot}, nil
	}
	if !errors.Is(err, errNoReallocation) {
		return nil, err
	}

	entry, position, err := s.enqueueLocked(ctx, params, req.Score, now)
	if err != nil {
		return nil, err
	}
	return &AllocationOutcome{Decision: DecisionQueued, Entry: entry, Position: position}, nil
}

// placeLocked searches the doctor's upcoming slots for the request. A full
// preferred slot gets one targeted displacement attempt first; then
// chronological first fit; then reallocation against any full slot.
// errNoReallocation means every slot is full and nothing displaceable was
// found; the caller decides whether that means queueing (new request) or
// stopping (promotion). Must only be called while holding the doctor's lock.
func (s *Service) placeLocked(ctx context.Context, req *AllocationRequest, earliest time.Time, preferredID *uuid.UUID) (*Slot, error) {
	slots, err := s.repo.ListSlotsForDoctor(ctx, req.DoctorID, earliest)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	slots = bookable(slots)
	if len(slots) == 0 {
		return nil, ErrNoActiveSlotForDoctor
	}

	if preferredID != nil {
		for i, slot := range slots {
			if slot.ID != *preferredID {
				continue
			}
			placed, err := s.displaceInto(ctx, slots, i, req)
			if err == nil {
				return placed, nil
			}
			if !errors.Is(err, errNoReallocation) {
				return nil, err
			}
			break
		}
	}

	// Chronological first fit keeps the earliest acceptable slot preference.
	for _, slot := range slots {
		if slot.Occupancy >= slot.Capacity {
			continue
		}
		ledger, err := s.ledgerFor(ctx, slot)
		if err != nil {
			return nil, err
		}
		if err := s.admit(ctx, ledger, req); err != nil {
			return nil, err
		}
		return slot, nil
	}

	// Everything is full: reallocate against the chronologically earliest
	// full slot that can be freed.
	for i := range slots {
		placed, err := s.displaceInto(ctx, slots, i, req)
		if err == nil {
			return placed, nil
		}
		if !errors.Is(err, errNoReallocation) {
			return nil, err
		}
	}
	return nil, errNoReallocation
}

// displaceInto frees capacity in slots[i] for req by moving that slot's
// lowest-priority occupant to the doctor's next later slot with room. One
// uniform eligibility rule applies: a request can only ever displace someone
// strictly lower-priority than itself, which stops equal-priority requests
// from bumping each other in a cascade.
func (s *Service) displaceInto(ctx context.Context, slots []*Slot, i int, req *AllocationRequest) (*Slot, error) {
	origin, err := s.ledgerFor(ctx, slots[i])
	if err != nil {
		return nil, err
	}
	if origin.FreeCapacity() > 0 {
		return nil, errNoReallocation
	}

	victim := origin.LowestOccupant()
	if victim == nil || victim.Score >= req.Score {
		return nil, errNoReallocation
	}

	// The displaced occupant needs a later slot with room; without one this
	// slot cannot be freed.
	var target *Ledger
	for _, later := range slots[i+1:] {
		if later.Occupancy < later.Capacity {
			target, err = s.ledgerFor(ctx, later)
			if err != nil {
				return nil, err
			}
			break
		}
	}
	if target == nil {
		return nil, errNoReallocation
	}

	if err := s.displace(ctx, origin, target, victim); err != nil {
		return nil, err
	}
	if err := s.admit(ctx, origin, req); err != nil {
		return nil, err
	}
	return origin.Slot(), nil
}

// displace moves an admitted occupant from origin to target as one unit:
// release, re-admit with the relocation marked, persist both slots.
func (s *Service) displace(ctx context.Context, origin, target *Ledger, victim *AllocationRequest) error {
	originID := origin.Slot().ID

	if err := origin.Release(victim.ID); err != nil {
		return err
	}
	if err := target.TryAdmit(victim); err != nil {
		return err
	}

	victim.Relocated = true
	victim.OriginalSlotID = &originID
	targetID := target.Slot().ID
	victim.SlotID = &targetID
	victim.UpdatedAt = s.now()

	if err := s.repo.UpdateRequest(ctx, victim); err != nil {
		return fmt.Errorf("update displaced request %s: %w", victim.ID, err)
	}
	if err := s.persistLedger(ctx, origin); err != nil {
		return err
	}
	if err := s.persistLedger(ctx, target); err != nil {
		return err
	}

	s.logEvent(ctx, EventRequestRelocated, &victim.ID, &targetID, map[string]any{
		"from_slot_id": originID.String(),
		"to_slot_id":   targetID.String(),
		"score":        victim.Score,
	})
	return nil
}

// admit claims capacity in the ledger's slot and persists the new request
// and the slot together.
func (s *Service) admit(ctx context.Context, ledger *Ledger, req *AllocationRequest) error {
	if err := ledger.TryAdmit(req); err != nil {
		return err
	}

	slotID := ledger.Slot().ID
	req.SlotID = &slotID
	req.UpdatedAt = s.now()

	if err := s.repo.CreateRequest(ctx, req); err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if err := s.persistLedger(ctx, ledger); err != nil {
		return err
	}

	s.logEvent(ctx, EventRequestAdmitted, &req.ID, &slotID, map[string]any{
		"token":  req.Token,
		"source": string(req.Source),
		"score":  req.Score,
	})
	return nil
}

// bookable filters out closed and cancelled slots; they never accept
// admissions or displaced occupants.
func bookable(slots []*Slot) []*Slot {
	out := slots[:0]
	for _, slot := range slots {
		if slot.Status == SlotClosed || slot.Status == SlotCancelled {
			continue
		}
		out = append(out, slot)
	}
	return out
}
