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

	"github.com/medisched/clinic-booking/internal/config"
	"github.com/medisched/clinic-booking/internal/db"
)

// The simulator drives concurrent cart/reserve/pay/cancel traffic against a
// running api-server, then checks the slot counters in Postgres: no slot may
// end up negative or above its max, however hard the workers raced.

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	ReserveRatio float64
	PayRatio     float64
	CancelRatio  float64
	AccountLimit int
	SlotLimit    int
	PostgresDSN  string
}

type slotTarget struct {
	ServiceID uuid.UUID
	Date      string
	Shift     string
}

type DataPool struct {
	Accounts []uuid.UUID
	Targets  []slotTarget
	mu       sync.RWMutex
	bookings []uuid.UUID // bookings created during the run, candidates for pay/cancel
}

func (dp *DataPool) AddBooking(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.bookings = append(dp.bookings, id)
}

func (dp *DataPool) GetRandomBooking() (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.bookings) == 0 {
		return uuid.Nil, false
	}
	idx := rand.Intn(len(dp.bookings))
	return dp.bookings[idx], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
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
	Reserve OperationMetrics
	Pay     OperationMetrics
	Cancel  OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d reserve=%.2f pay=%.2f cancel=%.2f",
		cfg.Duration, cfg.Workers, cfg.ReserveRatio, cfg.PayRatio, cfg.CancelRatio)

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

	log.Printf("loaded: %d accounts, %d slot targets", len(dataPool.Accounts), len(dataPool.Targets))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	sim.Run()
	sim.PrintReport()

	// Post-run invariant check directly against the database.
	verifyCtx, verifyCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer verifyCancel()
	if err := verifyCounters(verifyCtx, pgPool); err != nil {
		log.Fatalf("counter verification FAILED: %v", err)
	}
	log.Println("counter verification passed: no oversell, no negative counters")
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getSimDuration("SIM_DURATION", 30*time.Second),
		Workers:      getSimInt("SIM_WORKERS", 10),
		ReserveRatio: getFloat("SIM_RESERVE_RATIO", 0.6),
		PayRatio:     getFloat("SIM_PAY_RATIO", 0.2),
		CancelRatio:  getFloat("SIM_CANCEL_RATIO", 0.2),
		AccountLimit: getSimInt("SIM_ACCOUNT_LIMIT", 1000),
		SlotLimit:    getSimInt("SIM_SLOT_LIMIT", 12),
		PostgresDSN:  baseCfg.PostgresDSN,
	}

	// Normalize ratios
	total := cfg.ReserveRatio + cfg.PayRatio + cfg.CancelRatio
	if total > 0 {
		cfg.ReserveRatio /= total
		cfg.PayRatio /= total
		cfg.CancelRatio /= total
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
		SELECT id FROM accounts LIMIT $1
	`, cfg.AccountLimit)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Accounts = append(dataPool.Accounts, id)
	}

	// A deliberately small pool of upcoming slots so workers fight over
	// capacity instead of spreading out.
	rows, err = pool.Query(ctx, `
		SELECT service_id, slot_date, shift FROM slots
		WHERE slot_date > now()
		ORDER BY slot_date
		LIMIT $1
	`, cfg.SlotLimit)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t slotTarget
		var date time.Time
		if err := rows.Scan(&t.ServiceID, &date, &t.Shift); err != nil {
			return nil, err
		}
		t.Date = date.Format("2006-01-02")
		dataPool.Targets = append(dataPool.Targets, t)
	}

	if len(dataPool.Accounts) == 0 {
		return nil, fmt.Errorf("no accounts loaded, run cmd/seed first")
	}
	if len(dataPool.Targets) == 0 {
		return nil, fmt.Errorf("no slots loaded, run cmd/seed first")
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
			case r < s.config.ReserveRatio:
				s.doReserve(ctx, rng)
			case r < s.config.ReserveRatio+s.config.PayRatio:
				s.doPay(ctx, rng)
			default:
				s.doCancel(ctx, rng)
			}
		}
	}
}

// doReserve creates a booking and immediately adds one detail targeting a
// contested slot. A 409 from the detail add is the expected no-seats-left
// outcome, not an error.
func (s *Simulator) doReserve(ctx context.Context, rng *rand.Rand) {
	accountID := s.pool.Accounts[rng.Intn(len(s.pool.Accounts))]
	target := s.pool.Targets[rng.Intn(len(s.pool.Targets))]

	start := time.Now()

	bookingID, ok := s.createBooking(ctx, accountID)
	if !ok {
		s.metrics.Reserve.Record(time.Since(start), false, false)
		return
	}

	reqBody := map[string]any{
		"service_id": target.ServiceID.String(),
		"date":       target.Date,
		"shift":      target.Shift,
		"patient": map[string]string{
			"name":   fmt.Sprintf("sim-patient-%d", rng.Intn(100000)),
			"dob":    "1990-01-01",
			"phone":  "0900000000",
			"gender": "other",
		},
	}
	body, _ := json.Marshal(reqBody)

	req, _ := http.NewRequestWithContext(ctx, "POST",
		fmt.Sprintf("%s/bookings/%s/details", s.config.APIBaseURL, bookingID), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusCreated {
			success = true
			s.pool.AddBooking(bookingID)
		} else if resp.StatusCode == http.StatusConflict {
			conflict = true
		}
	}

	s.metrics.Reserve.Record(latency, success, conflict)
}

func (s *Simulator) createBooking(ctx context.Context, accountID uuid.UUID) (uuid.UUID, bool) {
	body, _ := json.Marshal(map[string]string{"account_id": accountID.String()})

	req, _ := http.NewRequestWithContext(ctx, "POST", s.config.APIBaseURL+"/bookings", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return uuid.Nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		io.Copy(io.Discard, resp.Body)
		return uuid.Nil, false
	}

	var created struct {
		ID uuid.UUID `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil || created.ID == uuid.Nil {
		return uuid.Nil, false
	}
	return created.ID, true
}

func (s *Simulator) doPay(ctx context.Context, rng *rand.Rand) {
	bookingID, ok := s.pool.GetRandomBooking()
	if !ok {
		return
	}

	start := time.Now()

	reqBody := map[string]any{
		"booking_id":     bookingID.String(),
		"transaction_id": fmt.Sprintf("sim-txn-%s-%d", bookingID, rng.Intn(3)), // duplicates on purpose
		"amount":         250000,
		"success":        true,
	}
	body, _ := json.Marshal(reqBody)

	req, _ := http.NewRequestWithContext(ctx, "POST", s.config.APIBaseURL+"/payments/callback", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			success = true
		} else if resp.StatusCode == http.StatusConflict {
			conflict = true
		}
	}

	s.metrics.Pay.Record(latency, success, conflict)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	bookingID, ok := s.pool.GetRandomBooking()
	if !ok {
		return
	}

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "DELETE",
		fmt.Sprintf("%s/bookings/%s", s.config.APIBaseURL, bookingID), nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusNoContent:
			success = true
		case http.StatusConflict, http.StatusNotFound:
			// Already paid or already cancelled by another worker.
			conflict = true
		}
	}

	s.metrics.Cancel.Record(latency, success, conflict)
}

// verifyCounters asserts the core capacity invariant after the run: every
// counter within [0, max], and the sum of live reservations matches the sum
// of counters.
func verifyCounters(ctx context.Context, pool *pgxpool.Pool) error {
	var violations int
	err := pool.QueryRow(ctx, `
		SELECT count(*)
		FROM slots
		WHERE current_quantity < 0 OR current_quantity > max_quantity
	`).Scan(&violations)
	if err != nil {
		return err
	}
	if violations > 0 {
		return fmt.Errorf("%d slots violate 0 <= current_quantity <= max_quantity", violations)
	}

	var counterSum, liveDetails int64
	err = pool.QueryRow(ctx, `
		SELECT COALESCE(sum(current_quantity), 0) FROM slots
	`).Scan(&counterSum)
	if err != nil {
		return err
	}
	err = pool.QueryRow(ctx, `
		SELECT count(*)
		FROM booking_details
		WHERE slot_id IS NOT NULL
		  AND status IN ('unpaid', 'paid', 'confirmed', 'tested', 'has-result')
	`).Scan(&liveDetails)
	if err != nil {
		return err
	}
	if counterSum != liveDetails {
		return fmt.Errorf("counter sum %d != live detail reservations %d (leak or double release)", counterSum, liveDetails)
	}

	return nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Reserve", &s.metrics.Reserve)
	printOperationReport("Pay", &s.metrics.Pay)
	printOperationReport("Cancel", &s.metrics.Cancel)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	errCount := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
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

func getSimDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getSimInt(key string, def int) int {
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
