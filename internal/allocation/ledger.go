package allocation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrCapacityFull           = errors.New("slot capacity full")
	ErrSlotUnavailable        = errors.New("slot is closed or cancelled")
	ErrNotAdmitted            = errors.New("request is not admitted to this slot")
	ErrCapacityBelowOccupancy = errors.New("capacity cannot drop below current occupancy")
	ErrLedgerIntegrity        = errors.New("slot ledger integrity violation")
)

// Ledger is the single writer of one slot's occupancy bookkeeping. It is
// built from repository state inside the owning doctor's critical section,
// mutated in memory, and persisted before the section is left. The occupancy
// counter and the occupant set must agree at all times; a mismatch means a
// bug, so it aborts the in-flight operation instead of being clamped away.
type Ledger struct {
	slot      *Slot
	occupants []*AllocationRequest
}

func NewLedger(slot *Slot, occupants []*AllocationRequest) (*Ledger, error) {
	l := &Ledger{slot: slot, occupants: occupants}
	if err := l.check(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) check() error {
	if l.slot.Occupancy != len(l.occupants) {
		return fmt.Errorf("%w: slot %s occupancy=%d occupants=%d",
			ErrLedgerIntegrity, l.slot.ID, l.slot.Occupancy, len(l.occupants))
	}
	if l.slot.Occupancy > l.slot.Capacity {
		return fmt.Errorf("%w: slot %s occupancy=%d exceeds capacity=%d",
			ErrLedgerIntegrity, l.slot.ID, l.slot.Occupancy, l.slot.Capacity)
	}
	return nil
}

func (l *Ledger) Slot() *Slot { return l.slot }

func (l *Ledger) FreeCapacity() int {
	if l.slot.Status == SlotClosed || l.slot.Status == SlotCancelled {
		return 0
	}
	return l.slot.Capacity - l.slot.Occupancy
}

// TryAdmit claims one unit of capacity for the request. It does not persist
// anything; the caller owns writing the slot and request back.
func (l *Ledger) TryAdmit(req *AllocationRequest) error {
	if l.slot.Status == SlotClosed || l.slot.Status == SlotCancelled {
		return ErrSlotUnavailable
	}
	if l.slot.Occupancy >= l.slot.Capacity {
		return ErrCapacityFull
	}
	l.slot.Occupancy++
	l.occupants = append(l.occupants, req)
	l.recomputeStatus()
	return l.check()
}

// Release gives the request's capacity back. A closed or cancelled slot keeps
// its status; freeing capacity never reopens it.
func (l *Ledger) Release(requestID uuid.UUID) error {
	for i, occ := range l.occupants {
		if occ.ID == requestID {
			l.occupants = append(l.occupants[:i], l.occupants[i+1:]...)
			l.slot.Occupancy--
			l.recomputeStatus()
			return l.check()
		}
	}
	return fmt.Errorf("%w: request %s in slot %s", ErrNotAdmitted, requestID, l.slot.ID)
}

// LowestOccupant returns the occupant displaced first: lowest score, and
// among equal scores the one admitted latest. Nil when the slot is empty.
func (l *Ledger) LowestOccupant() *AllocationRequest {
	var lowest *AllocationRequest
	for _, occ := range l.occupants {
		if lowest == nil || displaceBefore(occ, lowest) {
			lowest = occ
		}
	}
	return lowest
}

// SetCapacity is the emergency-override entry point. It never contracts
// below current occupancy.
func (l *Ledger) SetCapacity(capacity int) error {
	if capacity < l.slot.Occupancy {
		return fmt.Errorf("%w: slot %s occupancy=%d requested capacity=%d",
			ErrCapacityBelowOccupancy, l.slot.ID, l.slot.Occupancy, capacity)
	}
	l.slot.Capacity = capacity
	l.recomputeStatus()
	return l.check()
}

func (l *Ledger) recomputeStatus() {
	if l.slot.Status == SlotClosed || l.slot.Status == SlotCancelled {
		return
	}
	if l.slot.Occupancy >= l.slot.Capacity {
		l.slot.Status = SlotFull
	} else {
		l.slot.Status = SlotOpen
	}
	l.slot.UpdatedAt = time.Now()
}
