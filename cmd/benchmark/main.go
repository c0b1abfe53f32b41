package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/tenantledger/internal/models"
)

var logger = loggo.GetLogger("ledger.cmd.benchmark")

// Config holds the benchmark settings
var (
	targetURL     string
	tenantID      string
	concurrency   int
	duration      time.Duration
	workload      string
	totalAccounts int
	replayRatio   float64
)

// Metrics
var (
	totalRequests uint64
	success200    uint64 // Idempotent replays
	success201    uint64 // Created
	fail409       uint64 // Conflicts (Aborts)
	fail422       uint64 // Rejected by the balance rules
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.StringVar(&tenantID, "tenant", "bench", "Tenant seeded by cmd/seeder")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&totalAccounts, "accounts", 1000, "Number of seeded accounts")
	flag.Float64Var(&replayRatio, "replay", 0.1, "Fraction of requests that resend the previous idempotency key")
}

func main() {
	flag.Parse()
	_ = loggo.ConfigureLoggers("<root>=INFO")
	logger.Infof("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error { return worker(gctx) })
	}
	if err := g.Wait(); err != nil {
		logger.Errorf("benchmark aborted: %v", err)
		os.Exit(1)
	}
	if err := printResults(time.Since(start)); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func worker(ctx context.Context) error {
	client := &http.Client{Timeout: 5 * time.Second}
	var lastKey string
	var lastBody []byte

	for ctx.Err() == nil {
		key, body := lastKey, lastBody
		// A replay resends the previous request unchanged, as a client
		// whose response was lost would.
		if key == "" || rand.Float64() >= replayRatio {
			from, to := generateAccounts()
			payload, err := json.Marshal(models.TransactionRequest{
				Type:          "transfer",
				FromAccountID: from,
				ToAccountID:   to,
				Amount:        "1.00",
			})
			if err != nil {
				return errors.Trace(err)
			}
			key, body = "bench-"+uuid.NewString(), payload
		}
		lastKey, lastBody = key, body

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL+"/api/v1/transactions", bytes.NewReader(body))
		if err != nil {
			return errors.Trace(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", tenantID)
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				atomic.AddUint64(&failOther, 1)
			}
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusCreated:
			atomic.AddUint64(&success201, 1)
		case http.StatusOK:
			atomic.AddUint64(&success200, 1)
		case http.StatusConflict:
			atomic.AddUint64(&fail409, 1)
		case http.StatusUnprocessableEntity:
			atomic.AddUint64(&fail422, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
	return nil
}

// generateAccounts picks a source and destination among the ids written
// by cmd/seeder.
func generateAccounts() (string, string) {
	if workload == "hotspot" {
		// Hotspot: 90% of traffic goes to the first two accounts
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return accountID(1), accountID(2)
			}
			return accountID(2), accountID(1)
		}
	}

	// Uniform Random
	a := rand.Intn(totalAccounts) + 1
	b := rand.Intn(totalAccounts) + 1
	for a == b {
		b = rand.Intn(totalAccounts) + 1
	}
	return accountID(a), accountID(b)
}

func accountID(i int) string {
	return fmt.Sprintf("acct-%05d", i)
}

func printResults(d time.Duration) error {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	s200 := atomic.LoadUint64(&success200)
	f409 := atomic.LoadUint64(&fail409)
	f422 := atomic.LoadUint64(&fail422)
	fErr := atomic.LoadUint64(&failOther)

	var tps, abortRate float64
	if total > 0 {
		tps = float64(total) / d.Seconds()
		abortRate = float64(f409) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":        workload,
		"duration_sec":    d.Seconds(),
		"total_requests":  total,
		"throughput_tps":  tps,
		"success_created": s201,
		"success_replay":  s200,
		"aborts_conflict": f409,
		"abort_rate_pct":  abortRate,
		"rejected":        f422,
		"errors":          fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return errors.Trace(err)
	}

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		return errors.Annotatef(err, "creating %s", filename)
	}
	defer file.Close()
	return errors.Trace(json.NewEncoder(file).Encode(results))
}
