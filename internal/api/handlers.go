package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/triagedesk/slot-allocator/internal/allocation"
)

// AllocationService is what the handlers need from the core. *allocation.Service
// satisfies it; tests substitute a stub.
type AllocationService interface {
	Allocate(ctx context.Context, params allocation.AllocateParams) (*allocation.AllocationOutcome, error)
	GetRequest(ctx context.Context, id uuid.UUID) (*allocation.RequestDetail, error)
	GetRequestByToken(ctx context.Context, token string) (*allocation.RequestDetail, error)
	ListRequestsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]allocation.RequestDetail, error)
	Cancel(ctx context.Context, requestID uuid.UUID, reason string) (*allocation.CancellationOutcome, error)
	MarkNoShow(ctx context.Context, requestID uuid.UUID) (*allocation.CancellationOutcome, error)
	CheckIn(ctx context.Context, requestID uuid.UUID) (*allocation.AllocationRequest, error)
	Complete(ctx context.Context, requestID uuid.UUID) (*allocation.AllocationRequest, error)
	FastTrackEmergency(ctx context.Context, patientID, doctorID uuid.UUID, reason string) (*allocation.AllocationOutcome, error)
	QueuePosition(ctx context.Context, doctorID, patientID uuid.UUID) (*allocation.QueueStanding, error)
	Withdraw(ctx context.Context, entryID uuid.UUID) (*allocation.WaitingEntry, error)
	OverrideCapacity(ctx context.Context, slotID uuid.UUID, tier allocation.OverrideTier) (*allocation.Slot, error)
	RevertCapacityOverride(ctx context.Context, slotID uuid.UUID) (*allocation.Slot, error)
}

func allocateHandler(svc AllocationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AllocateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}
		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}

		source, err := allocation.ParseSource(req.Source)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_source", err.Error())
			return
		}

		params := allocation.AllocateParams{
			PatientID: patientID,
			DoctorID:  doctorID,
			Source:    source,
		}

		if req.PreferredSlotID != nil {
			slotID, err := uuid.Parse(*req.PreferredSlotID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_slot_id", "preferred_slot_id must be a valid UUID")
				return
			}
			params.PreferredSlotID = &slotID
		}

		if req.EarliestAcceptable != nil {
			t, err := time.Parse(time.RFC3339, *req.EarliestAcceptable)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_earliest_acceptable", "earliest_acceptable must be RFC 3339")
				return
			}
			params.EarliestAcceptable = t
		}

		outcome, err := svc.Allocate(r.Context(), params)
		if err != nil {
			handleAllocationError(w, err)
			return
		}

		writeAllocationOutcome(w, outcome)
	}
}

func emergencyHandler(svc AllocationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EmergencyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}
		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}

		outcome, err := svc.FastTrackEmergency(r.Context(), patientID, doctorID, req.Reason)
		if err != nil {
			handleAllocationError(w, err)
			return
		}

		writeAllocationOutcome(w, outcome)
	}
}

func getRequestHandler(svc AllocationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r, "id")
		if !ok {
			return
		}

		detail, err := svc.GetRequest(r.Context(), id)
		if err != nil {
			handleLookupError(w, err)
			return
		}

		resp := toRequestResponse(&detail.AllocationRequest)
		if detail.Slot != nil {
			resp.SlotStart = &detail.Slot.StartTime
			resp.SlotEnd = &detail.Slot.EndTime
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func getRequestByTokenHandler(svc AllocationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := chi.URLParam(r, "token")
		if token == "" {
			writeError(w, http.StatusBadRequest, "invalid_token", "token is required")
			return
		}

		detail, err := svc.GetRequestByToken(r.Context(), token)
		if err != nil {
			handleLookupError(w, err)
			return
		}

		resp := toRequestResponse(&detail.AllocationRequest)
		if detail.Slot != nil {
			resp.SlotStart = &detail.Slot.StartTime
			resp.SlotEnd = &detail.Slot.EndTime
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func listRequestsHandler(svc AllocationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientIDStr := r.URL.Query().Get("patient_id")
		if patientIDStr == "" {
			writeError(w, http.StatusBadRequest, "missing_patient_id", "patient_id query parameter is required")
			return
		}
		patientID, err := uuid.Parse(patientIDStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		limit := queryInt(r, "limit", 20)
		offset := queryInt(r, "offset", 0)

		details, err := svc.ListRequestsByPatient(r.Context(), patientID, limit, offset)
		if err != nil {
			handleLookupError(w, err)
			return
		}

		resp := make([]RequestResponse, 0, len(details))
		for i := range details {
			rr := toRequestResponse(&details[i].AllocationRequest)
			if details[i].Slot != nil {
				rr.SlotStart = &details[i].Slot.StartTime
				rr.SlotEnd = &details[i].Slot.EndTime
			}
			resp = append(resp, rr)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func cancelHandler(svc AllocationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r, "id")
		if !ok {
			return
		}

		var req CancelRequest
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&req)
		}

		outcome, err := svc.Cancel(r.Context(), id, req.Reason)
		if err != nil {
			handleLifecycleError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, CancellationResponse{
			Request:    toRequestResponse(outcome.Request),
			RefundTier: outcome.RefundTier,
		})
	}
}

func noShowHandler(svc AllocationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r, "id")
		if !ok {
			return
		}

		outcome, err := svc.MarkNoShow(r.Context(), id)
		if err != nil {
			handleLifecycleError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, CancellationResponse{
			Request: toRequestResponse(outcome.Request),
		})
	}
}

func checkInHandler(svc AllocationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r, "id")
		if !ok {
			return
		}

		req, err := svc.CheckIn(r.Context(), id)
		if err != nil {
			handleLifecycleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toRequestResponse(req))
	}
}

func completeHandler(svc AllocationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r, "id")
		if !ok {
			return
		}

		req, err := svc.Complete(r.Context(), id)
		if err != nil {
			handleLifecycleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toRequestResponse(req))
	}
}

func queuePositionHandler(svc AllocationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := parseIDParam(w, r, "doctorID")
		if !ok {
			return
		}

		patientIDStr := r.URL.Query().Get("patient_id")
		patientID, err := uuid.Parse(patientIDStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		standing, err := svc.QueuePosition(r.Context(), doctorID, patientID)
		if err != nil {
			handleLookupError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, QueuePositionResponse{
			EntryID:       standing.Entry.ID,
			Position:      standing.Position,
			EstimatedWait: standing.EstimatedWait.String(),
			ExpiresAt:     standing.Entry.ExpiresAt,
		})
	}
}

func withdrawHandler(svc AllocationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entryID, ok := parseIDParam(w, r, "entryID")
		if !ok {
			return
		}

		if _, err := svc.Withdraw(r.Context(), entryID); err != nil {
			handleLookupError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func overrideCapacityHandler(svc AllocationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slotID, ok := parseIDParam(w, r, "slotID")
		if !ok {
			return
		}

		var req OverrideRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		tier, err := allocation.ParseOverrideTier(req.Tier)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_tier", err.Error())
			return
		}

		slot, err := svc.OverrideCapacity(r.Context(), slotID, tier)
		if err != nil {
			handleOverrideError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toSlotResponse(slot))
	}
}

func revertCapacityHandler(svc AllocationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slotID, ok := parseIDParam(w, r, "slotID")
		if !ok {
			return
		}

		slot, err := svc.RevertCapacityOverride(r.Context(), slotID)
		if err != nil {
			handleOverrideError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toSlotResponse(slot))
	}
}

// Helpers

func parseIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func toRequestResponse(req *allocation.AllocationRequest) RequestResponse {
	return RequestResponse{
		ID:             req.ID,
		Token:          req.Token,
		PatientID:      req.PatientID,
		DoctorID:       req.DoctorID,
		SlotID:         req.SlotID,
		Source:         string(req.Source),
		Score:          req.Score,
		Status:         string(req.Status),
		Relocated:      req.Relocated,
		OriginalSlotID: req.OriginalSlotID,
	}
}

func toSlotResponse(slot *allocation.Slot) SlotResponse {
	return SlotResponse{
		ID:           slot.ID,
		DoctorID:     slot.DoctorID,
		StartTime:    slot.StartTime,
		EndTime:      slot.EndTime,
		Status:       string(slot.Status),
		Capacity:     slot.Capacity,
		BaseCapacity: slot.BaseCapacity,
		Occupancy:    slot.Occupancy,
	}
}

func writeAllocationOutcome(w http.ResponseWriter, outcome *allocation.AllocationOutcome) {
	if outcome.Decision == allocation.DecisionQueued {
		resp := AllocationResponse{
			Decision: string(outcome.Decision),
			Queued: &QueuedResponse{
				EntryID:   outcome.Entry.ID,
				Position:  outcome.Position,
				ExpiresAt: outcome.Entry.ExpiresAt,
			},
		}
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	rr := toRequestResponse(outcome.Request)
	if outcome.Slot != nil {
		rr.SlotStart = &outcome.Slot.StartTime
		rr.SlotEnd = &outcome.Slot.EndTime
	}
	writeJSON(w, http.StatusCreated, AllocationResponse{
		Decision: string(outcome.Decision),
		Request:  &rr,
	})
}

// Error mapping

func handleAllocationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, allocation.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, allocation.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "doctor_not_found", err.Error())
	case errors.Is(err, allocation.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, "slot_not_found", err.Error())
	case errors.Is(err, allocation.ErrDoctorMismatch):
		writeError(w, http.StatusUnprocessableEntity, "doctor_mismatch", err.Error())
	case errors.Is(err, allocation.ErrInvalidSource):
		writeError(w, http.StatusBadRequest, "invalid_source", err.Error())
	case errors.Is(err, allocation.ErrSlotUnavailable):
		writeError(w, http.StatusConflict, "slot_unavailable", err.Error())
	case errors.Is(err, allocation.ErrNoActiveSlotForDoctor):
		writeError(w, http.StatusConflict, "no_active_slot", err.Error())
	case errors.Is(err, allocation.ErrDoctorBusy):
		writeError(w, http.StatusConflict, "doctor_busy", "doctor schedule is being modified, please retry shortly")
	case errors.Is(err, allocation.ErrLedgerIntegrity):
		writeError(w, http.StatusInternalServerError, "ledger_integrity", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func handleLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, allocation.ErrRequestNotFound):
		writeError(w, http.StatusNotFound, "request_not_found", err.Error())
	case errors.Is(err, allocation.ErrRequestNotCancellable):
		writeError(w, http.StatusConflict, "request_not_cancellable", err.Error())
	case errors.Is(err, allocation.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, allocation.ErrDoctorBusy):
		writeError(w, http.StatusConflict, "doctor_busy", "doctor schedule is being modified, please retry shortly")
	case errors.Is(err, allocation.ErrLedgerIntegrity):
		writeError(w, http.StatusInternalServerError, "ledger_integrity", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func handleLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, allocation.ErrRequestNotFound):
		writeError(w, http.StatusNotFound, "request_not_found", err.Error())
	case errors.Is(err, allocation.ErrQueueEntryNotFound):
		writeError(w, http.StatusNotFound, "queue_entry_not_found", err.Error())
	case errors.Is(err, allocation.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, allocation.ErrDoctorBusy):
		writeError(w, http.StatusConflict, "doctor_busy", "doctor schedule is being modified, please retry shortly")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func handleOverrideError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, allocation.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, "slot_not_found", err.Error())
	case errors.Is(err, allocation.ErrInvalidSeverity):
		writeError(w, http.StatusBadRequest, "invalid_tier", err.Error())
	case errors.Is(err, allocation.ErrCapacityBelowOccupancy):
		writeError(w, http.StatusConflict, "capacity_below_occupancy", err.Error())
	case errors.Is(err, allocation.ErrDoctorBusy):
		writeError(w, http.StatusConflict, "doctor_busy", "doctor schedule is being modified, please retry shortly")
	case errors.Is(err, allocation.ErrLedgerIntegrity):
		writeError(w, http.StatusInternalServerError, "ledger_integrity", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
