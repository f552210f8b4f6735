package allocation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type CancellationOutcome struct {
	Request    *AllocationRequest
	RefundTier int // percentage of the paid amount returned
}

// RefundTier is a pure function of how far before the appointment start the
// cancellation lands. It never touches allocation state.
func RefundTier(timeToStart time.Duration) int {
	switch {
	case timeToStart >= 24*time.Hour:
		return 100
	case timeToStart >= 12*time.Hour:
		return 75
	case timeToStart >= 6*time.Hour:
		return 50
	default:
		return 0
	}
}

// Cancel terminalizes an admitted or checked-in request, releases its slot
// capacity and promotes waiting entries into it, all inside the doctor's
// critical section. Promotion finishing before the section is left is what
// keeps a concurrently arriving request from stealing freed capacity ahead
// of a longer-waiting higher-priority queued entry.
func (s *Service) Cancel(ctx context.Context, requestID uuid.UUID, reason string) (*CancellationOutcome, error) {
	return s.releaseAndPromote(ctx, requestID, StatusCancelled, reason)
}

// MarkNoShow is the operator path for a patient who never arrived: the same
// release-and-promote as a cancellation, minus the started-appointment guard
// and with no refund.
func (s *Service) MarkNoShow(ctx context.Context, requestID uuid.UUID) (*CancellationOutcome, error) {
	return s.releaseAndPromote(ctx, requestID, StatusNoShow, "")
}

func (s *Service) releaseAndPromote(ctx context.Context, requestID uuid.UUID, to RequestStatus, reason string) (*CancellationOutcome, error) {
	req, err := s.repo.GetRequestByID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	var outcome *CancellationOutcome
	err = s.withDoctor(ctx, req.DoctorID, func(lockCtx context.Context) error {
		// Re-read inside the section; a concurrent operation may have
		// moved the request on since the unlocked read.
		req, err = s.repo.GetRequestByID(lockCtx, requestID)
		if err != nil {
			return err
		}

		switch req.Status {
		case StatusAdmitted:
		case StatusCheckedIn:
			if to == StatusNoShow {
				return fmt.Errorf("%w: request %s already checked in", ErrRequestNotCancellable, requestID)
			}
		default:
			return fmt.Errorf("%w: request %s is %s", ErrRequestNotCancellable, requestID, req.Status)
		}
		if req.SlotID == nil {
			return fmt.Errorf("%w: request %s holds no slot", ErrLedgerIntegrity, requestID)
		}

		ledger, err := s.loadLedger(lockCtx, *req.SlotID)
		if err != nil {
			return err
		}

		now := s.now()
		tier := 0
		if to == StatusCancelled {
			timeToStart := ledger.Slot().StartTime.Sub(now)
			if timeToStart <= 0 {
				return fmt.Errorf("%w: appointment already started", ErrRequestNotCancellable)
			}
			tier = RefundTier(timeToStart)
		}

		if err := ledger.Release(req.ID); err != nil {
			return err
		}

		req.Status = to
		req.UpdatedAt = now
		if err := s.repo.UpdateRequest(lockCtx, req); err != nil {
			return fmt.Errorf("update request %s: %w", requestID, err)
		}
		if err := s.persistLedger(lockCtx, ledger); err != nil {
			return err
		}

		event := EventRequestCancelled
		payload := map[string]any{
			"token":       req.Token,
			"reason":      reason,
			"refund_tier": tier,
		}
		if to == StatusNoShow {
			event = EventRequestNoShow
			payload = map[string]any{"token": req.Token}
		}
		s.logEvent(lockCtx, event, &req.ID, req.SlotID, payload)

		outcome = &CancellationOutcome{Request: req, RefundTier: tier}

		// Freed capacity goes to the queue before anyone else can see it.
		return s.promoteLocked(lockCtx, req.DoctorID)
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// CheckIn marks an admitted request as arrived.
func (s *Service) CheckIn(ctx context.Context, requestID uuid.UUID) (*AllocationRequest, error) {
	return s.advance(ctx, requestID, StatusAdmitted, StatusCheckedIn)
}

// Complete closes out a checked-in request.
func (s *Service) Complete(ctx context.Context, requestID uuid.UUID) (*AllocationRequest, error) {
	return s.advance(ctx, requestID, StatusCheckedIn, StatusCompleted)
}

// advance moves a request one step forward in its lifecycle. Neither step
// changes occupancy, but the transition still runs under the doctor lock so
// it cannot race a concurrent cancellation of the same request.
func (s *Service) advance(ctx context.Context, requestID uuid.UUID, from, to RequestStatus) (*AllocationRequest, error) {
	req, err := s.repo.GetRequestByID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	err = s.withDoctor(ctx, req.DoctorID, func(lockCtx context.Context) error {
		req, err = s.repo.GetRequestByID(lockCtx, requestID)
		if err != nil {
			return err
		}
		if req.Status != from {
			return fmt.Errorf("%w: request %s is %s, want %s", ErrInvalidTransition, requestID, req.Status, from)
		}
		req.Status = to
		req.UpdatedAt = s.now()
		if err := s.repo.UpdateRequest(lockCtx, req); err != nil {
			return fmt.Errorf("update request %s: %w", requestID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}
