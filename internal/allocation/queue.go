package allocation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// enqueueLocked parks a request that could not be admitted anywhere. The
// entry lands at the end of its priority band; dense renumbering then gives
// it its 1-based position. Must only be called while holding the doctor's
// lock.
func (s *Service) enqueueLocked(ctx context.Context, params AllocateParams, score int, now time.Time) (*WaitingEntry, int, error) {
	entry := &WaitingEntry{
		ID:                 uuid.New(),
		PatientID:          params.PatientID,
		DoctorID:           params.DoctorID,
		Source:             params.Source,
		Score:              score,
		Status:             WaitingActive,
		EarliestAcceptable: params.EarliestAcceptable,
		ExpiresAt:          now.Add(s.cfg.QueueEntryTTL),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.repo.CreateWaitingEntry(ctx, entry); err != nil {
		return nil, 0, fmt.Errorf("create waiting entry: %w", err)
	}
	if err := s.renumberLocked(ctx, params.DoctorID); err != nil {
		return nil, 0, err
	}
	entry, err := s.repo.GetWaitingEntryByID(ctx, entry.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("reload waiting entry: %w", err)
	}

	s.logEvent(ctx, EventRequestQueued, nil, nil, map[string]any{
		"entry_id":   entry.ID.String(),
		"patient_id": params.PatientID.String(),
		"doctor_id":  params.DoctorID.String(),
		"position":   entry.Position,
	})
	return entry, entry.Position, nil
}

// renumberLocked reassigns dense 1..N positions to the doctor's waiting
// entries, ordered by score descending then creation time ascending. Called
// after every enqueue and after every departure from the waiting state. Must
// only be called while holding the doctor's lock.
func (s *Service) renumberLocked(ctx context.Context, doctorID uuid.UUID) error {
	entries, err := s.repo.ListWaitingForDoctor(ctx, doctorID)
	if err != nil {
		return fmt.Errorf("list waiting entries: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return rankBefore(entries[i], entries[j])
	})

	for i, entry := range entries {
		want := i + 1
		if entry.Position == want {
			continue
		}
		entry.Position = want
		entry.UpdatedAt = s.now()
		if err := s.repo.UpdateWaitingEntry(ctx, entry); err != nil {
			return fmt.Errorf("renumber waiting entry %s: %w", entry.ID, err)
		}
	}
	return nil
}

// promoteLocked moves waiting entries into freed capacity, strictly in
// priority order. It stops at the first entry that still cannot be placed
// rather than skipping ahead to a lower-priority entry that might fit a
// different slot; jumping the queue there would defeat the ordering the
// queue exists to provide. Must only be called while holding the doctor's
// lock.
func (s *Service) promoteLocked(ctx context.Context, doctorID uuid.UUID) error {
	for {
		entries, err := s.repo.ListWaitingForDoctor(ctx, doctorID)
		if err != nil {
			return fmt.Errorf("list waiting entries: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}

		sort.Slice(entries, func(i, j int) bool {
			return rankBefore(entries[i], entries[j])
		})
		head := entries[0]

		now := s.now()
		earliest := head.EarliestAcceptable
		if earliest.Before(now) {
			earliest = now
		}

		req := &AllocationRequest{
			ID:                 uuid.New(),
			Token:              NewToken(now),
			PatientID:          head.PatientID,
			DoctorID:           head.DoctorID,
			Source:             head.Source,
			Score:              head.Score,
			Status:             StatusAdmitted,
			EarliestAcceptable: earliest,
			CreatedAt:          now,
			UpdatedAt:          now,
		}

		slot, err := s.placeLocked(ctx, req, earliest, nil)
		if errors.Is(err, errNoReallocation) || errors.Is(err, ErrNoActiveSlotForDoctor) {
			// Capacity exhausted for the head entry; everyone behind waits.
			return nil
		}
		if err != nil {
			return err
		}

		head.Status = WaitingPromoted
		head.UpdatedAt = now
		if err := s.repo.UpdateWaitingEntry(ctx, head); err != nil {
			return fmt.Errorf("mark waiting entry %s promoted: %w", head.ID, err)
		}
		if err := s.renumberLocked(ctx, doctorID); err != nil {
			return err
		}

		s.logEvent(ctx, EventQueuePromoted, &req.ID, &slot.ID, map[string]any{
			"entry_id": head.ID.String(),
			"token":    req.Token,
			"score":    req.Score,
		})
	}
}

// Withdraw removes a waiting entry at the patient's request.
func (s *Service) Withdraw(ctx context.Context, entryID uuid.UUID) (*WaitingEntry, error) {
	entry, err := s.repo.GetWaitingEntryByID(ctx, entryID)
	if err != nil {
		return nil, err
	}

	err = s.withDoctor(ctx, entry.DoctorID, func(lockCtx context.Context) error {
		entry, err = s.repo.GetWaitingEntryByID(lockCtx, entryID)
		if err != nil {
			return err
		}
		if entry.Status != WaitingActive {
			return fmt.Errorf("%w: entry %s is %s", ErrQueueEntryNotFound, entryID, entry.Status)
		}

		entry.Status = WaitingWithdrawn
		entry.Position = 0
		entry.UpdatedAt = s.now()
		if err := s.repo.UpdateWaitingEntry(lockCtx, entry); err != nil {
			return fmt.Errorf("withdraw waiting entry %s: %w", entryID, err)
		}
		if err := s.renumberLocked(lockCtx, entry.DoctorID); err != nil {
			return err
		}

		s.logEvent(lockCtx, EventQueueWithdrawn, nil, nil, map[string]any{
			"entry_id": entryID.String(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ExpireStale is the passive expiry sweep for one doctor. It runs inside
// the same doctor section as every other queue mutation so the positions it
// leaves behind are consistent.
func (s *Service) ExpireStale(ctx context.Context, doctorID uuid.UUID, now time.Time) (int, error) {
	expired := 0
	err := s.withDoctor(ctx, doctorID, func(lockCtx context.Context) error {
		entries, err := s.repo.ListWaitingForDoctor(lockCtx, doctorID)
		if err != nil {
			return fmt.Errorf("list waiting entries: %w", err)
		}

		for _, entry := range entries {
			if entry.ExpiresAt.After(now) {
				continue
			}
			entry.Status = WaitingExpired
			entry.Position = 0
			entry.UpdatedAt = s.now()
			if err := s.repo.UpdateWaitingEntry(lockCtx, entry); err != nil {
				return fmt.Errorf("expire waiting entry %s: %w", entry.ID, err)
			}
			expired++

			s.logEvent(lockCtx, EventQueueExpired, nil, nil, map[string]any{
				"entry_id": entry.ID.String(),
			})
		}

		if expired == 0 {
			return nil
		}
		return s.renumberLocked(lockCtx, doctorID)
	})
	if err != nil {
		return 0, err
	}
	return expired, nil
}

// StaleQueueDoctors lists doctors that have waiting entries past expiry,
// for the sweep worker.
func (s *Service) StaleQueueDoctors(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	doctors, err := s.repo.ListDoctorsWithStaleWaiting(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list doctors with stale waiting entries: %w", err)
	}
	return doctors, nil
}

type QueueStanding struct {
	Entry         *WaitingEntry
	Position      int
	EstimatedWait time.Duration
}

// QueuePosition reports where a patient currently stands in a doctor's
// queue. Read-only snapshot; it takes no lock.
func (s *Service) QueuePosition(ctx context.Context, doctorID, patientID uuid.UUID) (*QueueStanding, error) {
	entry, err := s.repo.FindWaitingForPatient(ctx, doctorID, patientID)
	if err != nil {
		return nil, err
	}
	return &QueueStanding{
		Entry:         entry,
		Position:      entry.Position,
		EstimatedWait: time.Duration(entry.Position) * s.cfg.WaitPerPosition,
	}, nil
}
