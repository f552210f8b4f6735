package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triagedesk/slot-allocator/internal/allocation"
)

// stubService lets each test script exactly the service behavior it needs.
// Unset methods fail loudly instead of returning zero values.
type stubService struct {
	allocate       func(ctx context.Context, params allocation.AllocateParams) (*allocation.AllocationOutcome, error)
	getRequest     func(ctx context.Context, id uuid.UUID) (*allocation.RequestDetail, error)
	getByToken     func(ctx context.Context, token string) (*allocation.RequestDetail, error)
	listRequests   func(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]allocation.RequestDetail, error)
	cancel         func(ctx context.Context, requestID uuid.UUID, reason string) (*allocation.CancellationOutcome, error)
	markNoShow     func(ctx context.Context, requestID uuid.UUID) (*allocation.CancellationOutcome, error)
	checkIn        func(ctx context.Context, requestID uuid.UUID) (*allocation.AllocationRequest, error)
	complete       func(ctx context.Context, requestID uuid.UUID) (*allocation.AllocationRequest, error)
	fastTrack      func(ctx context.Context, patientID, doctorID uuid.UUID, reason string) (*allocation.AllocationOutcome, error)
	queuePosition  func(ctx context.Context, doctorID, patientID uuid.UUID) (*allocation.QueueStanding, error)
	withdraw       func(ctx context.Context, entryID uuid.UUID) (*allocation.WaitingEntry, error)
	overrideCap    func(ctx context.Context, slotID uuid.UUID, tier allocation.OverrideTier) (*allocation.Slot, error)
	revertOverride func(ctx context.Context, slotID uuid.UUID) (*allocation.Slot, error)
}

var errUnexpectedCall = errors.New("unexpected service call")

func (s *stubService) Allocate(ctx context.Context, params allocation.AllocateParams) (*allocation.AllocationOutcome, error) {
	if s.allocate == nil {
		return nil, errUnexpectedCall
	}
	return s.allocate(ctx, params)
}

func (s *stubService) GetRequest(ctx context.Context, id uuid.UUID) (*allocation.RequestDetail, error) {
	if s.getRequest == nil {
		return nil, errUnexpectedCall
	}
	return s.getRequest(ctx, id)
}

func (s *stubService) GetRequestByToken(ctx context.Context, token string) (*allocation.RequestDetail, error) {
	if s.getByToken == nil {
		return nil, errUnexpectedCall
	}
	return s.getByToken(ctx, token)
}

func (s *stubService) ListRequestsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]allocation.RequestDetail, error) {
	if s.listRequests == nil {
		return nil, errUnexpectedCall
	}
	return s.listRequests(ctx, patientID, limit, offset)
}

func (s *stubService) Cancel(ctx context.Context, requestID uuid.UUID, reason string) (*allocation.CancellationOutcome, error) {
	if s.cancel == nil {
		return nil, errUnexpectedCall
	}
	return s.cancel(ctx, requestID, reason)
}

func (s *stubService) MarkNoShow(ctx context.Context, requestID uuid.UUID) (*allocation.CancellationOutcome, error) {
	if s.markNoShow == nil {
		return nil, errUnexpectedCall
	}
	return s.markNoShow(ctx, requestID)
}

func (s *stubService) CheckIn(ctx context.Context, requestID uuid.UUID) (*allocation.AllocationRequest, error) {
	if s.checkIn == nil {
		return nil, errUnexpectedCall
	}
	return s.checkIn(ctx, requestID)
}

func (s *stubService) Complete(ctx context.Context, requestID uuid.UUID) (*allocation.AllocationRequest, error) {
	if s.complete == nil {
		return nil, errUnexpectedCall
	}
	return s.complete(ctx, requestID)
}

func (s *stubService) FastTrackEmergency(ctx context.Context, patientID, doctorID uuid.UUID, reason string) (*allocation.AllocationOutcome, error) {
	if s.fastTrack == nil {
		return nil, errUnexpectedCall
	}
	return s.fastTrack(ctx, patientID, doctorID, reason)
}

func (s *stubService) QueuePosition(ctx context.Context, doctorID, patientID uuid.UUID) (*allocation.QueueStanding, error) {
	if s.queuePosition == nil {
		return nil, errUnexpectedCall
	}
	return s.queuePosition(ctx, doctorID, patientID)
}

func (s *stubService) Withdraw(ctx context.Context, entryID uuid.UUID) (*allocation.WaitingEntry, error) {
	if s.withdraw == nil {
		return nil, errUnexpectedCall
	}
	return s.withdraw(ctx, entryID)
}

func (s *stubService) OverrideCapacity(ctx context.Context, slotID uuid.UUID, tier allocation.OverrideTier) (*allocation.Slot, error) {
	if s.overrideCap == nil {
		return nil, errUnexpectedCall
	}
	return s.overrideCap(ctx, slotID, tier)
}

func (s *stubService) RevertCapacityOverride(ctx context.Context, slotID uuid.UUID) (*allocation.Slot, error) {
	if s.revertOverride == nil {
		return nil, errUnexpectedCall
	}
	return s.revertOverride(ctx, slotID)
}

func newTestServer(t *testing.T, svc AllocationService) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewRouter(RouterConfig{Service: svc, Env: "test", Version: "test"}))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	}
	return resp, decoded
}

func sampleOutcomeAdmitted() *allocation.AllocationOutcome {
	slotID := uuid.New()
	start := time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC)
	return &allocation.AllocationOutcome{
		Decision: allocation.DecisionAdmitted,
		Request: &allocation.AllocationRequest{
			ID:        uuid.New(),
			Token:     "T-ABC123-XY9Z",
			PatientID: uuid.New(),
			DoctorID:  uuid.New(),
			SlotID:    &slotID,
			Source:    allocation.SourceOnline,
			Score:     40,
			Status:    allocation.StatusAdmitted,
		},
		Slot: &allocation.Slot{
			ID:        slotID,
			StartTime: start,
			EndTime:   start.Add(time.Hour),
		},
	}
}

func TestAllocateEndpointAdmitted(t *testing.T) {
	outcome := sampleOutcomeAdmitted()
	var got allocation.AllocateParams
	svc := &stubService{
		allocate: func(_ context.Context, params allocation.AllocateParams) (*allocation.AllocationOutcome, error) {
			got = params
			return outcome, nil
		},
	}
	srv := newTestServer(t, svc)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/allocations", map[string]any{
		"patient_id": outcome.Request.PatientID.String(),
		"doctor_id":  outcome.Request.DoctorID.String(),
		"source":     "online",
	})

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "admitted", body["decision"])
	request := body["request"].(map[string]any)
	assert.Equal(t, outcome.Request.Token, request["token"])
	assert.Equal(t, outcome.Request.SlotID.String(), request["slot_id"])
	assert.Equal(t, allocation.SourceOnline, got.Source)
	assert.Equal(t, outcome.Request.PatientID, got.PatientID)
}

func TestAllocateEndpointQueued(t *testing.T) {
	entryID := uuid.New()
	svc := &stubService{
		allocate: func(context.Context, allocation.AllocateParams) (*allocation.AllocationOutcome, error) {
			return &allocation.AllocationOutcome{
				Decision: allocation.DecisionQueued,
				Entry: &allocation.WaitingEntry{
					ID:        entryID,
					Position:  3,
					ExpiresAt: time.Date(2025, 6, 9, 8, 0, 0, 0, time.UTC),
				},
				Position: 3,
			}, nil
		},
	}
	srv := newTestServer(t, svc)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/allocations", map[string]any{
		"patient_id": uuid.NewString(),
		"doctor_id":  uuid.NewString(),
		"source":     "walk_in",
	})

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "queued", body["decision"])
	queued := body["queued"].(map[string]any)
	assert.Equal(t, entryID.String(), queued["entry_id"])
	assert.Equal(t, float64(3), queued["position"])
}

func TestAllocateEndpointRejectsBadInput(t *testing.T) {
	srv := newTestServer(t, &stubService{})

	cases := []struct {
		name string
		body map[string]any
		code string
	}{
		{"bad patient id", map[string]any{"patient_id": "nope", "doctor_id": uuid.NewString(), "source": "online"}, "invalid_patient_id"},
		{"bad doctor id", map[string]any{"patient_id": uuid.NewString(), "doctor_id": "nope", "source": "online"}, "invalid_doctor_id"},
		{"bad source", map[string]any{"patient_id": uuid.NewString(), "doctor_id": uuid.NewString(), "source": "psychic"}, "invalid_source"},
		{"bad slot id", map[string]any{"patient_id": uuid.NewString(), "doctor_id": uuid.NewString(), "source": "online", "preferred_slot_id": "nope"}, "invalid_slot_id"},
		{"bad timestamp", map[string]any{"patient_id": uuid.NewString(), "doctor_id": uuid.NewString(), "source": "online", "earliest_acceptable": "yesterday"}, "invalid_earliest_acceptable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := doJSON(t, http.MethodPost, srv.URL+"/allocations", tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tc.code, body["error"])
		})
	}
}

func TestAllocateEndpointErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{allocation.ErrPatientNotFound, http.StatusNotFound, "patient_not_found"},
		{allocation.ErrDoctorNotFound, http.StatusNotFound, "doctor_not_found"},
		{fmt.Errorf("wrapped: %w", allocation.ErrSlotNotFound), http.StatusNotFound, "slot_not_found"},
		{allocation.ErrDoctorMismatch, http.StatusUnprocessableEntity, "doctor_mismatch"},
		{fmt.Errorf("slot gone: %w", allocation.ErrSlotUnavailable), http.StatusConflict, "slot_unavailable"},
		{allocation.ErrNoActiveSlotForDoctor, http.StatusConflict, "no_active_slot"},
		{allocation.ErrDoctorBusy, http.StatusConflict, "doctor_busy"},
		{allocation.ErrLedgerIntegrity, http.StatusInternalServerError, "ledger_integrity"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		svc := &stubService{
			allocate: func(context.Context, allocation.AllocateParams) (*allocation.AllocationOutcome, error) {
				return nil, tc.err
			},
		}
		srv := newTestServer(t, svc)
		resp, body := doJSON(t, http.MethodPost, srv.URL+"/allocations", map[string]any{
			"patient_id": uuid.NewString(),
			"doctor_id":  uuid.NewString(),
			"source":     "online",
		})
		assert.Equal(t, tc.status, resp.StatusCode, tc.code)
		assert.Equal(t, tc.code, body["error"])
	}
}

func TestEmergencyEndpoint(t *testing.T) {
	outcome := sampleOutcomeAdmitted()
	outcome.Request.Source = allocation.SourceEmergency
	outcome.Request.Score = 100

	var gotReason string
	svc := &stubService{
		fastTrack: func(_ context.Context, _, _ uuid.UUID, reason string) (*allocation.AllocationOutcome, error) {
			gotReason = reason
			return outcome, nil
		},
	}
	srv := newTestServer(t, svc)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/emergencies", map[string]any{
		"patient_id": uuid.NewString(),
		"doctor_id":  uuid.NewString(),
		"reason":     "trauma",
	})

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "admitted", body["decision"])
	assert.Equal(t, "trauma", gotReason)
}

func TestCancelEndpoint(t *testing.T) {
	reqID := uuid.New()
	svc := &stubService{
		cancel: func(_ context.Context, id uuid.UUID, reason string) (*allocation.CancellationOutcome, error) {
			assert.Equal(t, reqID, id)
			assert.Equal(t, "feeling better", reason)
			return &allocation.CancellationOutcome{
				Request:    &allocation.AllocationRequest{ID: id, Status: allocation.StatusCancelled},
				RefundTier: 75,
			}, nil
		},
	}
	srv := newTestServer(t, svc)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/allocations/"+reqID.String()+"/cancel",
		map[string]any{"reason": "feeling better"})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(75), body["refund_tier_percent"])
	request := body["request"].(map[string]any)
	assert.Equal(t, "cancelled", request["status"])
}

func TestCancelEndpointConflicts(t *testing.T) {
	svc := &stubService{
		cancel: func(context.Context, uuid.UUID, string) (*allocation.CancellationOutcome, error) {
			return nil, fmt.Errorf("too late: %w", allocation.ErrRequestNotCancellable)
		},
	}
	srv := newTestServer(t, svc)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/allocations/"+uuid.NewString()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "request_not_cancellable", body["error"])
}

func TestCheckInEndpointTransitionConflict(t *testing.T) {
	svc := &stubService{
		checkIn: func(context.Context, uuid.UUID) (*allocation.AllocationRequest, error) {
			return nil, fmt.Errorf("out of order: %w", allocation.ErrInvalidTransition)
		},
	}
	srv := newTestServer(t, svc)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/allocations/"+uuid.NewString()+"/check-in", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "invalid_status_transition", body["error"])
}

func TestGetRequestEndpoint(t *testing.T) {
	detail := &allocation.RequestDetail{
		AllocationRequest: allocation.AllocationRequest{
			ID:     uuid.New(),
			Token:  "T-ABC123-XY9Z",
			Status: allocation.StatusAdmitted,
			Source: allocation.SourceFollowUp,
		},
	}
	svc := &stubService{
		getRequest: func(context.Context, uuid.UUID) (*allocation.RequestDetail, error) {
			return detail, nil
		},
	}
	srv := newTestServer(t, svc)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/allocations/"+detail.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, detail.Token, body["token"])
	assert.Equal(t, "follow_up", body["source"])

	svc.getRequest = func(context.Context, uuid.UUID) (*allocation.RequestDetail, error) {
		return nil, allocation.ErrRequestNotFound
	}
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/allocations/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "request_not_found", body["error"])
}

func TestGetRequestByTokenEndpoint(t *testing.T) {
	detail := &allocation.RequestDetail{
		AllocationRequest: allocation.AllocationRequest{
			ID:     uuid.New(),
			Token:  "T-ABC123-XY9Z",
			Status: allocation.StatusAdmitted,
			Source: allocation.SourceOnline,
		},
	}
	svc := &stubService{
		getByToken: func(_ context.Context, token string) (*allocation.RequestDetail, error) {
			if token != detail.Token {
				return nil, allocation.ErrRequestNotFound
			}
			return detail, nil
		},
	}
	srv := newTestServer(t, svc)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/allocations/token/"+detail.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, detail.ID.String(), body["id"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/allocations/token/T-UNKNOWN-0000", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "request_not_found", body["error"])
}

func TestQueuePositionEndpoint(t *testing.T) {
	doctorID := uuid.New()
	patientID := uuid.New()
	svc := &stubService{
		queuePosition: func(_ context.Context, gotDoctor, gotPatient uuid.UUID) (*allocation.QueueStanding, error) {
			assert.Equal(t, doctorID, gotDoctor)
			assert.Equal(t, patientID, gotPatient)
			return &allocation.QueueStanding{
				Entry:         &allocation.WaitingEntry{ID: uuid.New(), Position: 2},
				Position:      2,
				EstimatedWait: time.Hour,
			}, nil
		},
	}
	srv := newTestServer(t, svc)

	resp, body := doJSON(t, http.MethodGet,
		srv.URL+"/doctors/"+doctorID.String()+"/queue/position?patient_id="+patientID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["position"])
	assert.Equal(t, "1h0m0s", body["estimated_wait"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/doctors/"+doctorID.String()+"/queue/position", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_patient_id", body["error"])
}

func TestWithdrawEndpoint(t *testing.T) {
	entryID := uuid.New()
	svc := &stubService{
		withdraw: func(_ context.Context, got uuid.UUID) (*allocation.WaitingEntry, error) {
			assert.Equal(t, entryID, got)
			return &allocation.WaitingEntry{ID: got, Status: allocation.WaitingWithdrawn}, nil
		},
	}
	srv := newTestServer(t, svc)

	resp, _ := doJSON(t, http.MethodDelete,
		srv.URL+"/doctors/"+uuid.NewString()+"/queue/"+entryID.String(), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	svc.withdraw = func(context.Context, uuid.UUID) (*allocation.WaitingEntry, error) {
		return nil, allocation.ErrQueueEntryNotFound
	}
	resp, body := doJSON(t, http.MethodDelete,
		srv.URL+"/doctors/"+uuid.NewString()+"/queue/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "queue_entry_not_found", body["error"])
}

func TestCapacityOverrideEndpoints(t *testing.T) {
	slotID := uuid.New()
	svc := &stubService{
		overrideCap: func(_ context.Context, got uuid.UUID, tier allocation.OverrideTier) (*allocation.Slot, error) {
			assert.Equal(t, slotID, got)
			assert.Equal(t, allocation.TierCritical, tier)
			return &allocation.Slot{ID: got, Capacity: 15, BaseCapacity: 10}, nil
		},
		revertOverride: func(_ context.Context, got uuid.UUID) (*allocation.Slot, error) {
			return &allocation.Slot{ID: got, Capacity: 10, BaseCapacity: 10}, nil
		},
	}
	srv := newTestServer(t, svc)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/slots/"+slotID.String()+"/capacity-override",
		map[string]any{"tier": "critical"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(15), body["capacity"])

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/slots/"+slotID.String()+"/capacity-override",
		map[string]any{"tier": "mild"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_tier", body["error"])

	resp, body = doJSON(t, http.MethodDelete, srv.URL+"/slots/"+slotID.String()+"/capacity-override", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(10), body["capacity"])

	svc.overrideCap = func(context.Context, uuid.UUID, allocation.OverrideTier) (*allocation.Slot, error) {
		return nil, fmt.Errorf("occupied: %w", allocation.ErrCapacityBelowOccupancy)
	}
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/slots/"+slotID.String()+"/capacity-override",
		map[string]any{"tier": "critical"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "capacity_below_occupancy", body["error"])
}
