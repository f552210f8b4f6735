package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/triagedesk/slot-allocator/internal/config"
	"github.com/triagedesk/slot-allocator/internal/db"
)

type SimConfig struct {
	APIBaseURL     string
	Duration       time.Duration
	Workers        int
	AllocateRatio  float64
	CancelRatio    float64
	EmergencyRatio float64
	ReadRatio      float64
	PatientLimit   int
	DoctorLimit    int
	PostgresDSN    string
}

// DataPool holds the ids workers pick from. Requests created during the run
// are appended so cancels and reads have something to target.
type DataPool struct {
	Patients []uuid.UUID
	Doctors  []uuid.UUID
	mu       sync.RWMutex
	requests []uuid.UUID
}

func (dp *DataPool) AddRequest(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.requests = append(dp.requests, id)
}

func (dp *DataPool) GetRandomRequest() (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.requests) == 0 {
		return uuid.Nil, false
	}
	idx := rand.Intn(len(dp.requests))
	return dp.requests[idx], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Queued    int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success, queued, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case queued:
		atomic.AddInt64(&om.Queued, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]

	p50Idx := len(latencies) * 50 / 100
	if p50Idx >= len(latencies) {
		p50Idx = len(latencies) - 1
	}
	p50 = latencies[p50Idx]

	p95Idx := len(latencies) * 95 / 100
	if p95Idx >= len(latencies) {
		p95Idx = len(latencies) - 1
	}
	p95 = latencies[p95Idx]

	return avg, min, max, p50, p95
}

type Metrics struct {
	Allocate  OperationMetrics
	Cancel    OperationMetrics
	Emergency OperationMetrics
	ReadByID  OperationMetrics
	QueuePos  OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

// Priority mix favours the low end so slots fill from the bottom and the
// occasional paid or emergency request exercises displacement.
var simSources = []string{
	"walk_in", "walk_in", "walk_in",
	"online", "online", "online",
	"follow_up", "follow_up",
	"paid_priority",
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d allocate=%.2f cancel=%.2f emergency=%.2f read=%.2f",
		cfg.Duration, cfg.Workers, cfg.AllocateRatio, cfg.CancelRatio, cfg.EmergencyRatio, cfg.ReadRatio)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}

	log.Printf("loaded: %d patients, %d doctors", len(dataPool.Patients), len(dataPool.Doctors))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:     getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:       getDuration("SIM_DURATION", 30*time.Second),
		Workers:        getInt("SIM_WORKERS", 10),
		AllocateRatio:  getFloat("SIM_ALLOCATE_RATIO", 0.5),
		CancelRatio:    getFloat("SIM_CANCEL_RATIO", 0.15),
		EmergencyRatio: getFloat("SIM_EMERGENCY_RATIO", 0.05),
		ReadRatio:      getFloat("SIM_READ_RATIO", 0.3),
		PatientLimit:   getInt("SIM_PATIENT_LIMIT", 4000),
		DoctorLimit:    getInt("SIM_DOCTOR_LIMIT", 50),
		PostgresDSN:    baseCfg.PostgresDSN,
	}

	// Normalize ratios
	total := cfg.AllocateRatio + cfg.CancelRatio + cfg.EmergencyRatio + cfg.ReadRatio
	if total > 0 {
		cfg.AllocateRatio /= total
		cfg.CancelRatio /= total
		cfg.EmergencyRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `
		SELECT id FROM patients LIMIT $1
	`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, id)
	}

	// Only doctors with upcoming open slots are worth hammering.
	rows, err = pool.Query(ctx, `
		SELECT DISTINCT doctor_id FROM slots
		WHERE status = 'open' AND start_time > now()
		LIMIT $1
	`, cfg.DoctorLimit)
	if err != nil {
		return nil, fmt.Errorf("load doctors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Doctors = append(dataPool.Doctors, id)
	}

	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded")
	}
	if len(dataPool.Doctors) == 0 {
		return nil, fmt.Errorf("no doctors with open slots loaded")
	}

	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.AllocateRatio:
				s.doAllocate(ctx, rng)
			case r < s.config.AllocateRatio+s.config.CancelRatio:
				s.doCancel(ctx, rng)
			case r < s.config.AllocateRatio+s.config.CancelRatio+s.config.EmergencyRatio:
				s.doEmergency(ctx, rng)
			default:
				if rng.Intn(2) == 0 {
					s.doReadByID(ctx, rng)
				} else {
					s.doQueuePosition(ctx, rng)
				}
			}
		}
	}
}

func (s *Simulator) doAllocate(ctx context.Context, rng *rand.Rand) {
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	doctorID := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
	source := simSources[rng.Intn(len(simSources))]

	start := time.Now()

	reqBody := map[string]string{
		"patient_id": patientID.String(),
		"doctor_id":  doctorID.String(),
		"source":     source,
	}
	body, _ := json.Marshal(reqBody)

	req, _ := http.NewRequestWithContext(ctx, "POST", s.config.APIBaseURL+"/allocations", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	queued := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusCreated:
			success = true
			var allocResp struct {
				Request struct {
					ID uuid.UUID `json:"id"`
				} `json:"request"`
			}
			bodyBytes, _ := io.ReadAll(resp.Body)
			if len(bodyBytes) > 0 {
				_ = json.Unmarshal(bodyBytes, &allocResp)
				if allocResp.Request.ID != uuid.Nil {
					s.pool.AddRequest(allocResp.Request.ID)
				}
			}
		case http.StatusAccepted:
			queued = true
		case http.StatusConflict:
			conflict = true
		}
	}

	s.metrics.Allocate.Record(latency, success, queued, conflict)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	requestID, ok := s.pool.GetRandomRequest()
	if !ok {
		return
	}

	start := time.Now()

	body, _ := json.Marshal(map[string]string{"reason": "simulated cancellation"})
	req, _ := http.NewRequestWithContext(ctx, "POST",
		fmt.Sprintf("%s/allocations/%s/cancel", s.config.APIBaseURL, requestID.String()), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			success = true
		} else if resp.StatusCode == http.StatusConflict {
			conflict = true
		}
	}

	s.metrics.Cancel.Record(latency, success, false, conflict)
}

func (s *Simulator) doEmergency(ctx context.Context, rng *rand.Rand) {
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	doctorID := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]

	start := time.Now()

	body, _ := json.Marshal(map[string]string{
		"patient_id": patientID.String(),
		"doctor_id":  doctorID.String(),
		"reason":     "simulated emergency",
	})
	req, _ := http.NewRequestWithContext(ctx, "POST", s.config.APIBaseURL+"/emergencies", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	queued := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusCreated:
			success = true
		case http.StatusAccepted:
			queued = true
		case http.StatusConflict:
			conflict = true
		}
	}

	s.metrics.Emergency.Record(latency, success, queued, conflict)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	requestID, ok := s.pool.GetRandomRequest()
	if !ok {
		return
	}

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/allocations/%s", s.config.APIBaseURL, requestID.String()), nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}

	s.metrics.ReadByID.Record(latency, success, false, false)
}

func (s *Simulator) doQueuePosition(ctx context.Context, rng *rand.Rand) {
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	doctorID := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/doctors/%s/queue/position?patient_id=%s",
			s.config.APIBaseURL, doctorID.String(), patientID.String()), nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	// 404 is the common case: most patients are not queued.
	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound
	}

	s.metrics.QueuePos.Record(latency, success, false, false)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Allocate", &s.metrics.Allocate)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Emergency", &s.metrics.Emergency)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("Queue position", &s.metrics.QueuePos)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	queued := atomic.LoadInt64(&om.Queued)
	conflict := atomic.LoadInt64(&om.Conflict)
	errCount := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if queued > 0 {
		fmt.Printf("  Queued: %d (%.1f%%)\n", queued, float64(queued)/float64(total)*100)
	}
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if errCount > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", errCount, float64(errCount)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
