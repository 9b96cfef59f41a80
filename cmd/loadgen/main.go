// Load generator for exercising a running Kestrel instance.
//
// Usage:
//   go run cmd/loadgen/main.go -url http://localhost:8080 -events 10000
//
// This tool:
//  1. Synthesizes dataset records and log lines across a pool of entities
//  2. Posts them to /ingest with concurrent workers
//  3. Reports throughput, acceptance, and backpressure counts
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// IngestRequest mirrors the Kestrel API request format.
type IngestRequest struct {
	SourceType string          `json:"sourceType"`
	Payload    json.RawMessage `json:"payload"`
}

// Stats tracks load generation results.
type Stats struct {
	Accepted int64
	Shed     int64
	Rejected int64
	Errors   int64
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "loadgen", "Tenant ID for requests")
	events := flag.Int("events", 10000, "Number of events to send")
	entities := flag.Int("entities", 100, "Size of the entity pool")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	anomalyPct := flag.Float64("anomaly", 0.02, "Fraction of events with outlier amounts")
	logPct := flag.Float64("logs", 0.3, "Fraction of events sent as log lines")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║           KESTREL LOAD GENERATOR                  ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Printf("\nKestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Events:      %d\n", *events)
	fmt.Printf("Entities:    %d\n", *entities)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	jobs := make(chan IngestRequest, *workers*2)
	var stats Stats
	var wg sync.WaitGroup

	start := time.Now()
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range jobs {
				send(client, *baseURL, *tenantID, req, &stats)
			}
		}()
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < *events; i++ {
		entity := fmt.Sprintf("acct-%04d", rng.Intn(*entities))
		amount := 50 + rng.Float64()*400
		if rng.Float64() < *anomalyPct {
			amount *= 50 // outlier
		}
		ts := time.Now().UTC().Format(time.RFC3339)

		var req IngestRequest
		if rng.Float64() < *logPct {
			line := fmt.Sprintf("ts=%s level=info user=%s action=transfer amount=%.2f", ts, entity, amount)
			payload, _ := json.Marshal(line)
			req = IngestRequest{SourceType: "log_line", Payload: payload}
		} else {
			payload := fmt.Sprintf(`{"entity_id":%q,"timestamp":%q,"amount":%.2f,"region":"eu-west"}`, entity, ts, amount)
			req = IngestRequest{SourceType: "dataset_record", Payload: json.RawMessage(payload)}
		}
		jobs <- req
	}
	close(jobs)
	wg.Wait()
	elapsed := time.Since(start)

	total := stats.Accepted + stats.Shed + stats.Rejected + stats.Errors
	fmt.Println("\nResults:")
	fmt.Printf("  Sent:       %d in %s (%.0f events/sec)\n", total, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds())
	fmt.Printf("  Accepted:   %d\n", stats.Accepted)
	fmt.Printf("  Shed (503): %d\n", stats.Shed)
	fmt.Printf("  Rejected:   %d\n", stats.Rejected)
	fmt.Printf("  Errors:     %d\n", stats.Errors)
}

func send(client *http.Client, baseURL, tenantID string, req IngestRequest, stats *Stats) {
	body, err := json.Marshal(req)
	if err != nil {
		atomic.AddInt64(&stats.Errors, 1)
		return
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/ingest", bytes.NewReader(body))
	if err != nil {
		atomic.AddInt64(&stats.Errors, 1)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		atomic.AddInt64(&stats.Errors, 1)
		return
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		atomic.AddInt64(&stats.Accepted, 1)
	case http.StatusServiceUnavailable:
		atomic.AddInt64(&stats.Shed, 1)
	case http.StatusBadRequest:
		atomic.AddInt64(&stats.Rejected, 1)
	default:
		atomic.AddInt64(&stats.Errors, 1)
	}
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned %d", resp.StatusCode)
	}
	return nil
}
