// Benchmark tool for replaying CDR data through Kestrel.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/cdrs.csv -url http://localhost:8080
//
// This tool:
//  1. Reads a CSV of call records (one row per call)
//  2. Ingests them through POST /activity in batches
//  3. Drives batch assessment over every subscriber seen
//  4. Reports alert rates per rule, risk level distribution, and latency
//
// Expected CSV columns (header required, order free):
//   subscriber_id, start_time (RFC3339), duration, cost, currency,
//   latitude, longitude, cell_tower, international, roaming
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CallRow is one parsed CSV row.
type CallRow struct {
	SubscriberID  string
	StartTime     time.Time
	Duration      int
	Cost          float64
	Currency      string
	Latitude      *float64
	Longitude     *float64
	CellTower     string
	International bool
	Roaming       bool
}

// ActivityRequest mirrors the POST /activity body.
type ActivityRequest struct {
	Records []ActivityRecord `json:"records"`
}

// ActivityRecord mirrors the engine's record model.
type ActivityRecord struct {
	SubscriberID  string    `json:"subscriberId"`
	StartTime     time.Time `json:"startTime"`
	EndTime       time.Time `json:"endTime"`
	Duration      int       `json:"duration"`
	Cost          float64   `json:"cost"`
	Currency      string    `json:"currency"`
	Latitude      *float64  `json:"latitude,omitempty"`
	Longitude     *float64  `json:"longitude,omitempty"`
	CellTower     string    `json:"cellTower,omitempty"`
	International bool      `json:"international"`
	Roaming       bool      `json:"roaming"`
}

// BatchRequest mirrors the POST /assess/batch body.
type BatchRequest struct {
	SubscriberIDs []string `json:"subscriberIds"`
}

// BatchResponse mirrors the POST /assess/batch response.
type BatchResponse struct {
	Assessments []Assessment `json:"assessments"`
	Requested   int          `json:"requested"`
	Completed   int          `json:"completed"`
}

// Assessment is the subset of the response the benchmark reads.
type Assessment struct {
	SubscriberID string  `json:"subscriberId"`
	Score        float64 `json:"score"`
	Level        string  `json:"level"`
	Alerts       []struct {
		Type     string  `json:"type"`
		Severity string  `json:"severity"`
		Score    float64 `json:"score"`
	} `json:"alerts"`
}

// Metrics accumulates benchmark results.
type Metrics struct {
	mu sync.Mutex

	Subscribers int
	Assessed    int
	Flagged     int

	AlertsByType map[string]int
	ByLevel      map[string]int

	LatenciesMs []float64
	Errors      int
}

func main() {
	csvPath := flag.String("csv", "", "Path to CDR CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	limit := flag.Int("limit", 0, "Maximum records to ingest (0 = all)")
	ingestBatch := flag.Int("ingest-batch", 500, "Records per ingest request")
	assessBatch := flag.Int("assess-batch", 50, "Subscribers per batch assessment request")
	workers := flag.Int("workers", 4, "Concurrent assessment requests")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/cdrs.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("KESTREL BENCHMARK - CDR Replay")
	fmt.Printf("\nCSV File:     %s\n", *csvPath)
	fmt.Printf("Kestrel URL:  %s\n", *baseURL)
	fmt.Printf("Limit:        %d\n", *limit)
	fmt.Printf("Workers:      %d\n", *workers)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	fmt.Printf("\nReading CDRs from %s...\n", *csvPath)
	rows, err := readCDRCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d call records\n", len(rows))

	client := &http.Client{Timeout: 30 * time.Second}

	fmt.Println("\nIngesting activity...")
	subscribers, err := ingest(client, *baseURL, rows, *ingestBatch)
	if err != nil {
		fmt.Printf("ERROR: Ingest failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Ingested records for %d subscribers\n", len(subscribers))

	fmt.Printf("\nAssessing %d subscribers with %d workers...\n", len(subscribers), *workers)
	startTime := time.Now()
	metrics := runAssessments(client, *baseURL, subscribers, *assessBatch, *workers)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readCDRCSV(path string, limit int) ([]CallRow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	if _, ok := colIndex["subscriber_id"]; !ok {
		return nil, fmt.Errorf("missing subscriber_id column")
	}

	field := func(record []string, name string) string {
		idx, ok := colIndex[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	var rows []CallRow
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		subscriberID := field(record, "subscriber_id")
		if subscriberID == "" {
			continue
		}

		startTime, err := time.Parse(time.RFC3339, field(record, "start_time"))
		if err != nil {
			continue
		}

		duration, _ := strconv.Atoi(field(record, "duration"))
		cost, _ := strconv.ParseFloat(field(record, "cost"), 64)

		row := CallRow{
			SubscriberID:  subscriberID,
			StartTime:     startTime,
			Duration:      duration,
			Cost:          cost,
			Currency:      field(record, "currency"),
			CellTower:     field(record, "cell_tower"),
			International: field(record, "international") == "1",
			Roaming:       field(record, "roaming") == "1",
		}
		if row.Currency == "" {
			row.Currency = "USD"
		}

		if lat, err := strconv.ParseFloat(field(record, "latitude"), 64); err == nil {
			if lon, err := strconv.ParseFloat(field(record, "longitude"), 64); err == nil {
				row.Latitude = &lat
				row.Longitude = &lon
			}
		}

		rows = append(rows, row)

		if limit > 0 && len(rows) >= limit {
			break
		}
	}

	return rows, nil
}

func ingest(client *http.Client, baseURL string, rows []CallRow, batchSize int) ([]string, error) {
	seen := make(map[string]bool)

	for offset := 0; offset < len(rows); offset += batchSize {
		end := offset + batchSize
		if end > len(rows) {
			end = len(rows)
		}

		req := ActivityRequest{}
		for _, row := range rows[offset:end] {
			seen[row.SubscriberID] = true
			req.Records = append(req.Records, ActivityRecord{
				SubscriberID:  row.SubscriberID,
				StartTime:     row.StartTime,
				EndTime:       row.StartTime.Add(time.Duration(row.Duration) * time.Second),
				Duration:      row.Duration,
				Cost:          row.Cost,
				Currency:      row.Currency,
				Latitude:      row.Latitude,
				Longitude:     row.Longitude,
				CellTower:     row.CellTower,
				International: row.International,
				Roaming:       row.Roaming,
			})
		}

		body, err := json.Marshal(req)
		if err != nil {
			return nil, err
		}

		resp, err := client.Post(baseURL+"/activity", "application/json", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusCreated {
			return nil, fmt.Errorf("ingest batch failed: status %d", resp.StatusCode)
		}
	}

	subscribers := make([]string, 0, len(seen))
	for id := range seen {
		subscribers = append(subscribers, id)
	}
	sort.Strings(subscribers)
	return subscribers, nil
}

func runAssessments(client *http.Client, baseURL string, subscribers []string, batchSize, numWorkers int) *Metrics {
	metrics := &Metrics{
		Subscribers:  len(subscribers),
		AlertsByType: make(map[string]int),
		ByLevel:      make(map[string]int),
	}

	work := make(chan []string, numWorkers)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for chunk := range work {
				start := time.Now()
				resp, err := assessBatch(client, baseURL, chunk)
				elapsedMs := float64(time.Since(start).Milliseconds())

				metrics.mu.Lock()
				if err != nil {
					metrics.Errors++
					metrics.mu.Unlock()
					fmt.Printf("ERROR: batch of %d -> %v\n", len(chunk), err)
					continue
				}

				metrics.LatenciesMs = append(metrics.LatenciesMs, elapsedMs)
				metrics.Assessed += len(resp.Assessments)

				for _, a := range resp.Assessments {
					metrics.ByLevel[a.Level]++
					if len(a.Alerts) > 0 {
						metrics.Flagged++
					}
					for _, alert := range a.Alerts {
						metrics.AlertsByType[alert.Type]++
					}
				}
				metrics.mu.Unlock()
			}
		}()
	}

	for offset := 0; offset < len(subscribers); offset += batchSize {
		end := offset + batchSize
		if end > len(subscribers) {
			end = len(subscribers)
		}
		work <- subscribers[offset:end]
	}
	close(work)

	wg.Wait()
	return metrics
}

func assessBatch(client *http.Client, baseURL string, subscriberIDs []string) (*BatchResponse, error) {
	body, err := json.Marshal(BatchRequest{SubscriberIDs: subscriberIDs})
	if err != nil {
		return nil, err
	}

	resp, err := client.Post(baseURL+"/assess/batch", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result BatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")
	fmt.Println(strings.Repeat("-", 50))

	fmt.Printf("\nSubscribers:   %d\n", m.Subscribers)
	fmt.Printf("Assessed:      %d\n", m.Assessed)
	fmt.Printf("Flagged:       %d", m.Flagged)
	if m.Assessed > 0 {
		fmt.Printf(" (%.2f%%)", 100*float64(m.Flagged)/float64(m.Assessed))
	}
	fmt.Println()
	fmt.Printf("Batch errors:  %d\n", m.Errors)

	fmt.Println("\nRISK LEVELS")
	for _, level := range []string{"LOW", "MEDIUM", "HIGH", "CRITICAL"} {
		fmt.Printf("  %-9s %d\n", level, m.ByLevel[level])
	}

	fmt.Println("\nALERTS BY RULE")
	types := make([]string, 0, len(m.AlertsByType))
	for t := range m.AlertsByType {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Printf("  %-18s %d\n", t, m.AlertsByType[t])
	}
	if len(types) == 0 {
		fmt.Println("  (none fired)")
	}

	fmt.Println("\nPERFORMANCE")
	fmt.Printf("  Total duration:  %v\n", duration.Round(time.Millisecond))
	if len(m.LatenciesMs) > 0 {
		sorted := append([]float64(nil), m.LatenciesMs...)
		sort.Float64s(sorted)
		fmt.Printf("  Batch p50:       %.0f ms\n", percentile(sorted, 0.50))
		fmt.Printf("  Batch p95:       %.0f ms\n", percentile(sorted, 0.95))
		fmt.Printf("  Batch p99:       %.0f ms\n", percentile(sorted, 0.99))
	}
	if m.Assessed > 0 && duration.Seconds() > 0 {
		fmt.Printf("  Throughput:      %.1f assessments/sec\n", float64(m.Assessed)/duration.Seconds())
	}
	fmt.Println()
}
