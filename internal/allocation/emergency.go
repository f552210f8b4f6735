package allocation

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// OverrideTier is the severity class behind a capacity override. The tier
// fixes the multiplier; nothing about a request's score ever changes
// capacity on its own.
type OverrideTier string

const (
	TierCritical OverrideTier = "critical"
	TierHigh     OverrideTier = "high"
)

var tierMultipliers = map[OverrideTier]float64{
	TierCritical: 1.5,
	TierHigh:     1.25,
}

func ParseOverrideTier(raw string) (OverrideTier, error) {
	t := OverrideTier(raw)
	if _, ok := tierMultipliers[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidSeverity, raw)
	}
	return t, nil
}

// FastTrackEmergency admits an emergency through the ordinary engine. The
// emergency score is the maximum, so the reallocation path can displace any
// occupant; the only way this queues is a schedule saturated with other
// emergencies, and the only way it errors is a doctor with no future slots
// at all. Both are reported as-is, never retried here.
func (s *Service) FastTrackEmergency(ctx context.Context, patientID, doctorID uuid.UUID, reason string) (*AllocationOutcome, error) {
	outcome, err := s.Allocate(ctx, AllocateParams{
		PatientID:          patientID,
		DoctorID:           doctorID,
		Source:             SourceEmergency,
		EarliestAcceptable: s.now(),
	})
	if err != nil {
		return nil, err
	}

	if outcome.Decision == DecisionAdmitted {
		s.logEvent(ctx, EventEmergencyAdmit, &outcome.Request.ID, &outcome.Slot.ID, map[string]any{
			"token":  outcome.Request.Token,
			"reason": reason,
		})
	}
	return outcome, nil
}

// OverrideCapacity raises one slot's capacity by the tier's multiplier over
// its base capacity. This is an explicit operator escape hatch, separate
// from the displacement path: it expands the slot instead of moving anyone,
// and it is logged so it can be audited and reverted. Freshly created
// capacity is handed to the waiting queue before the section is left.
func (s *Service) OverrideCapacity(ctx context.Context, slotID uuid.UUID, tier OverrideTier) (*Slot, error) {
	mult, ok := tierMultipliers[tier]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSeverity, tier)
	}

	slot, err := s.repo.GetSlotByID(ctx, slotID)
	if err != nil {
		return nil, err
	}

	err = s.withDoctor(ctx, slot.DoctorID, func(lockCtx context.Context) error {
		ledger, err := s.loadLedger(lockCtx, slotID)
		if err != nil {
			return err
		}
		slot = ledger.Slot()

		newCapacity := int(math.Ceil(float64(slot.BaseCapacity) * mult))
		if err := ledger.SetCapacity(newCapacity); err != nil {
			return err
		}
		if err := s.persistLedger(lockCtx, ledger); err != nil {
			return err
		}

		s.logEvent(lockCtx, EventCapacityOverride, nil, &slotID, map[string]any{
			"tier":          string(tier),
			"base_capacity": slot.BaseCapacity,
			"new_capacity":  newCapacity,
		})

		return s.promoteLocked(lockCtx, slot.DoctorID)
	})
	if err != nil {
		return nil, err
	}
	return slot, nil
}

// RevertCapacityOverride restores a slot's base capacity. It refuses to
// contract below current occupancy; admitted patients are never evicted by
// an override ending.
func (s *Service) RevertCapacityOverride(ctx context.Context, slotID uuid.UUID) (*Slot, error) {
	slot, err := s.repo.GetSlotByID(ctx, slotID)
	if err != nil {
		return nil, err
	}

	err = s.withDoctor(ctx, slot.DoctorID, func(lockCtx context.Context) error {
		ledger, err := s.loadLedger(lockCtx, slotID)
		if err != nil {
			return err
		}
		slot = ledger.Slot()

		if slot.Capacity == slot.BaseCapacity {
			return nil
		}
		if err := ledger.SetCapacity(slot.BaseCapacity); err != nil {
			return err
		}
		if err := s.persistLedger(lockCtx, ledger); err != nil {
			return err
		}

		s.logEvent(lockCtx, EventCapacityReverted, nil, &slotID, map[string]any{
			"base_capacity": slot.BaseCapacity,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return slot, nil
}
