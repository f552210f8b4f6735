package allocation

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/triagedesk/slot-allocator/internal/config"
)

// memoryRepo is an in-memory Repository. It hands out copies so the service
// has to persist its mutations explicitly, same as with the real store.
type memoryRepo struct {
	mu       sync.Mutex
	patients map[uuid.UUID]*Patient
	doctors  map[uuid.UUID]*Doctor
	slots    map[uuid.UUID]*Slot
	requests map[uuid.UUID]*AllocationRequest
	waiting  map[uuid.UUID]*WaitingEntry
	events   []EventLog
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		patients: make(map[uuid.UUID]*Patient),
		doctors:  make(map[uuid.UUID]*Doctor),
		slots:    make(map[uuid.UUID]*Slot),
		requests: make(map[uuid.UUID]*AllocationRequest),
		waiting:  make(map[uuid.UUID]*WaitingEntry),
	}
}

func (m *memoryRepo) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memoryRepo) GetDoctorByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memoryRepo) GetSlotByID(_ context.Context, id uuid.UUID) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memoryRepo) ListSlotsForDoctor(_ context.Context, doctorID uuid.UUID, from time.Time) ([]*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Slot
	for _, s := range m.slots {
		if s.DoctorID == doctorID && !s.StartTime.Before(from) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *memoryRepo) UpdateSlot(_ context.Context, slot *Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.slots[slot.ID]; !ok {
		return ErrSlotNotFound
	}
	cp := *slot
	m.slots[slot.ID] = &cp
	return nil
}

func (m *memoryRepo) CreateRequest(_ context.Context, req *AllocationRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *req
	m.requests[req.ID] = &cp
	return nil
}

func (m *memoryRepo) GetRequestByID(_ context.Context, id uuid.UUID) (*AllocationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memoryRepo) GetRequestByToken(_ context.Context, token string) (*AllocationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.Token == token {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrRequestNotFound
}

func (m *memoryRepo) UpdateRequest(_ context.Context, req *AllocationRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[req.ID]; !ok {
		return ErrRequestNotFound
	}
	cp := *req
	m.requests[req.ID] = &cp
	return nil
}

func (m *memoryRepo) ListOccupantsForSlot(_ context.Context, slotID uuid.UUID) ([]*AllocationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AllocationRequest
	for _, r := range m.requests {
		if r.SlotID != nil && *r.SlotID == slotID && r.Status.Occupying() {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryRepo) CreateWaitingEntry(_ context.Context, entry *WaitingEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.waiting[entry.ID] = &cp
	return nil
}

func (m *memoryRepo) GetWaitingEntryByID(_ context.Context, id uuid.UUID) (*WaitingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.waiting[id]
	if !ok {
		return nil, ErrQueueEntryNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *memoryRepo) UpdateWaitingEntry(_ context.Context, entry *WaitingEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.waiting[entry.ID]; !ok {
		return ErrQueueEntryNotFound
	}
	cp := *entry
	m.waiting[entry.ID] = &cp
	return nil
}

func (m *memoryRepo) ListWaitingForDoctor(_ context.Context, doctorID uuid.UUID) ([]*WaitingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*WaitingEntry
	for _, w := range m.waiting {
		if w.DoctorID == doctorID && w.Status == WaitingActive {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *memoryRepo) FindWaitingForPatient(_ context.Context, doctorID, patientID uuid.UUID) (*WaitingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.waiting {
		if w.DoctorID == doctorID && w.PatientID == patientID && w.Status == WaitingActive {
			cp := *w
			return &cp, nil
		}
	}
	return nil, ErrQueueEntryNotFound
}

func (m *memoryRepo) ListDoctorsWithStaleWaiting(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, w := range m.waiting {
		if w.Status == WaitingActive && w.ExpiresAt.Before(now) && !seen[w.DoctorID] {
			seen[w.DoctorID] = true
			out = append(out, w.DoctorID)
		}
	}
	return out, nil
}

func (m *memoryRepo) GetRequestDetail(ctx context.Context, id uuid.UUID) (*RequestDetail, error) {
	req, err := m.GetRequestByID(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &RequestDetail{AllocationRequest: *req}
	if req.SlotID != nil {
		detail.Slot, _ = m.GetSlotByID(ctx, *req.SlotID)
	}
	detail.Patient, _ = m.GetPatientByID(ctx, req.PatientID)
	detail.Doctor, _ = m.GetDoctorByID(ctx, req.DoctorID)
	return detail, nil
}

func (m *memoryRepo) ListRequestsByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]RequestDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RequestDetail
	for _, r := range m.requests {
		if r.PatientID == patientID {
			out = append(out, RequestDetail{AllocationRequest: *r})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryRepo) InsertEvent(_ context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// localLocker serializes per doctor with plain mutexes; good enough to hold
// the same contract as the Redis locker in a single process.
type localLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func newLocalLocker() *localLocker {
	return &localLocker{locks: make(map[uuid.UUID]*sync.Mutex)}
}

func (l *localLocker) WithDoctorLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	m, ok := l.locks[doctorID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[doctorID] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}

type fixture struct {
	svc   *Service
	repo  *memoryRepo
	now   time.Time
	ticks int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newMemoryRepo()
	cfg := config.Config{
		QueueEntryTTL:   7 * 24 * time.Hour,
		WaitPerPosition: 30 * time.Minute,
	}
	svc := NewService(repo, newLocalLocker(), cfg)

	f := &fixture{
		svc:  svc,
		repo: repo,
		now:  time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC),
	}
	// Deterministic clock that still advances so creation times stay
	// distinct for tie-breaking.
	svc.now = func() time.Time {
		f.ticks++
		return f.now.Add(time.Duration(f.ticks) * time.Millisecond)
	}
	return f
}

func (f *fixture) addPatient(t *testing.T) uuid.UUID {
	t.Helper()
	id := uuid.New()
	f.repo.patients[id] = &Patient{ID: id, Name: "patient", CreatedAt: f.now, UpdatedAt: f.now}
	return id
}

func (f *fixture) addDoctor(t *testing.T) uuid.UUID {
	t.Helper()
	id := uuid.New()
	f.repo.doctors[id] = &Doctor{ID: id, Name: "doctor", CreatedAt: f.now, UpdatedAt: f.now}
	return id
}

func (f *fixture) addSlot(t *testing.T, doctorID uuid.UUID, startIn time.Duration, capacity int) uuid.UUID {
	t.Helper()
	id := uuid.New()
	start := f.now.Add(startIn)
	f.repo.slots[id] = &Slot{
		ID:           id,
		DoctorID:     doctorID,
		StartTime:    start,
		EndTime:      start.Add(time.Hour),
		Status:       SlotOpen,
		Capacity:     capacity,
		BaseCapacity: capacity,
		CreatedAt:    f.now,
		UpdatedAt:    f.now,
	}
	return id
}

func (f *fixture) allocate(t *testing.T, patientID, doctorID uuid.UUID, source Source) *AllocationOutcome {
	t.Helper()
	out, err := f.svc.Allocate(context.Background(), AllocateParams{
		PatientID: patientID,
		DoctorID:  doctorID,
		Source:    source,
	})
	require.NoError(t, err)
	return out
}

func (f *fixture) slot(t *testing.T, id uuid.UUID) *Slot {
	t.Helper()
	s, err := f.repo.GetSlotByID(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (f *fixture) waitingPositions(t *testing.T, doctorID uuid.UUID) []int {
	t.Helper()
	entries, err := f.repo.ListWaitingForDoctor(context.Background(), doctorID)
	require.NoError(t, err)
	positions := make([]int, 0, len(entries))
	for _, e := range entries {
		positions = append(positions, e.Position)
	}
	return positions
}

// checkInvariants asserts the two structural invariants: occupancy equals
// the occupant count and never exceeds capacity, and waiting positions per
// doctor are exactly 1..N.
func (f *fixture) checkInvariants(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	for id, slot := range f.repo.slots {
		occupants, err := f.repo.ListOccupantsForSlot(ctx, id)
		require.NoError(t, err)
		require.Equal(t, slot.Occupancy, len(occupants), "slot %s occupancy vs occupant set", id)
		require.LessOrEqual(t, slot.Occupancy, slot.Capacity, "slot %s over capacity", id)
	}

	byDoctor := make(map[uuid.UUID][]int)
	for _, w := range f.repo.waiting {
		if w.Status == WaitingActive {
			byDoctor[w.DoctorID] = append(byDoctor[w.DoctorID], w.Position)
		}
	}
	for doctorID, positions := range byDoctor {
		sort.Ints(positions)
		for i, p := range positions {
			require.Equal(t, i+1, p, "doctor %s has gap or duplicate in queue positions %v", doctorID, positions)
		}
	}
}
