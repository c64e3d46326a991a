//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Kestrel fraud engine.
//
// These tests drive the COMPLETE single-node stack through the HTTP API:
//
//	CSV-shaped activity → SQLite store → Rules → Fusion → LRU cache → Channel bus
//
// The whole stack runs in-process: a temp SQLite database, the in-memory
// LRU cache, and the channel event bus, served through httptest. No
// external services are needed.
//
// Run with: go test -tags=integration -v ./tests/integration/...
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/opensource-telecom/kestrel/internal/api"
	"github.com/opensource-telecom/kestrel/internal/bus"
	"github.com/opensource-telecom/kestrel/internal/cache"
	"github.com/opensource-telecom/kestrel/internal/detector"
	"github.com/opensource-telecom/kestrel/internal/domain"
	"github.com/opensource-telecom/kestrel/internal/repository"
	"github.com/opensource-telecom/kestrel/internal/rules"
)

// stack bundles everything a scenario needs to talk to the engine.
type stack struct {
	server *httptest.Server
	store  domain.ActivityStore
	bus    domain.EventBus
	client *http.Client
}

// newStack wires the full single-node deployment: SQLite store on a temp
// file, memory LRU cache, channel event bus, CEL custom engine, detector,
// and the chi router behind an httptest server.
func newStack(t *testing.T) *stack {
	t.Helper()

	dbFile, err := os.CreateTemp("", "kestrel-integration-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db: %v", err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	store, err := repository.New(domain.StoreConfig{
		Driver:     "sqlite",
		SQLitePath: dbFile.Name(),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cacheImpl, err := cache.New(domain.CacheConfig{
		Type:         "memory",
		LocalMaxSize: 1000,
	})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	t.Cleanup(func() { cacheImpl.Close() })

	busImpl, err := bus.New(domain.EventBusConfig{
		Type:              "channel",
		ChannelBufferSize: 100,
	})
	if err != nil {
		t.Fatalf("failed to create event bus: %v", err)
	}
	t.Cleanup(func() { busImpl.Close() })

	customEngine, err := rules.NewCustomEngine(store)
	if err != nil {
		t.Fatalf("failed to create custom engine: %v", err)
	}

	cfg := domain.DefaultConfig()
	det := detector.New(
		rules.BuiltinRules(store, rules.DefaultThresholds()),
		cfg.Detector,
		detector.WithCache(cacheImpl),
		detector.WithEventBus(busImpl),
		detector.WithCustomEngine(customEngine),
	)

	srv := api.NewServer(cfg.Server, store, cacheImpl, busImpl, det, customEngine, "integration-test")
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &stack{
		server: ts,
		store:  store,
		bus:    busImpl,
		client: ts.Client(),
	}
}

func (s *stack) url(path string) string {
	return s.server.URL + path
}

func (s *stack) postJSON(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	resp, err := s.client.Post(s.url(path), "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	return resp
}

func (s *stack) getAssessment(t *testing.T, subscriberID string) domain.RiskAssessment {
	t.Helper()
	resp, err := s.client.Get(s.url("/subscribers/" + subscriberID + "/assessment"))
	if err != nil {
		t.Fatalf("GET assessment failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var assessment domain.RiskAssessment
	if err := json.NewDecoder(resp.Body).Decode(&assessment); err != nil {
		t.Fatalf("failed to decode assessment: %v", err)
	}
	return assessment
}

// ingestCalls POSTs n calls for the subscriber, spaced spacing apart going
// back from now, and returns when the records are persisted.
func (s *stack) ingestCalls(t *testing.T, subscriberID string, n int, spacing time.Duration, cost float64) {
	t.Helper()
	now := time.Now().UTC()

	records := make([]domain.ActivityRecord, n)
	for i := 0; i < n; i++ {
		start := now.Add(-time.Duration(i) * spacing)
		records[i] = domain.ActivityRecord{
			ID:           fmt.Sprintf("%s-call-%d-%d", subscriberID, now.UnixNano(), i),
			SubscriberID: subscriberID,
			StartTime:    start,
			EndTime:      start.Add(time.Minute),
			Duration:     60,
			Cost:         cost,
			Currency:     "USD",
		}
	}

	resp := s.postJSON(t, "/activity", map[string]interface{}{"records": records})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected status 201 for ingest, got %d", resp.StatusCode)
	}
}

func TestCleanSubscriberBaseline(t *testing.T) {
	// A subscriber with a handful of ordinary calls gets the baseline
	// assessment: no alerts, score 15, LOW, confidence 0.9.
	s := newStack(t)

	s.ingestCalls(t, "sub-clean-001", 5, 10*time.Minute, 0.25)

	assessment := s.getAssessment(t, "sub-clean-001")

	if len(assessment.Alerts) != 0 {
		t.Errorf("expected no alerts, got %d", len(assessment.Alerts))
	}
	if assessment.Score != 15 {
		t.Errorf("expected baseline score 15, got %.2f", assessment.Score)
	}
	if assessment.Level != domain.RiskLow {
		t.Errorf("expected level LOW, got %s", assessment.Level)
	}
	if assessment.Confidence != 0.9 {
		t.Errorf("expected baseline confidence 0.9, got %.2f", assessment.Confidence)
	}
	if assessment.Metadata.ChecksRun != 4 {
		t.Errorf("expected 4 checks run, got %d", assessment.Metadata.ChecksRun)
	}
	if assessment.Metadata.EngineVersion != "kestrel-1.0" {
		t.Errorf("unexpected engine version %q", assessment.Metadata.EngineVersion)
	}
}

func TestCallBurstTriggersVelocity(t *testing.T) {
	// 60 calls inside the last hour is above the default threshold of 50.
	// The velocity rule must fire and push the subscriber to CRITICAL.
	s := newStack(t)

	s.ingestCalls(t, "sub-burst-001", 60, 30*time.Second, 0.10)

	assessment := s.getAssessment(t, "sub-burst-001")

	if len(assessment.Alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(assessment.Alerts))
	}
	alert := assessment.Alerts[0]
	if alert.Type != domain.RuleVelocity {
		t.Errorf("expected VELOCITY alert, got %s", alert.Type)
	}
	if alert.Confidence != 0.95 {
		t.Errorf("expected velocity confidence 0.95, got %.2f", alert.Confidence)
	}

	ev, ok := alert.Evidence.(domain.VelocityEvidence)
	if !ok {
		t.Fatalf("expected VelocityEvidence, got %T", alert.Evidence)
	}
	if ev.CallCount != 60 {
		t.Errorf("expected evidence call count 60, got %d", ev.CallCount)
	}

	if assessment.Level != domain.RiskCritical {
		t.Errorf("expected level CRITICAL, got %s", assessment.Level)
	}
}

func TestAssessmentCachedAcrossRequests(t *testing.T) {
	// Within the TTL the second GET must serve the memoized assessment,
	// even if new activity arrives behind the cache's back through the
	// store directly (the API's ingest path invalidates; raw store writes
	// do not).
	s := newStack(t)

	s.ingestCalls(t, "sub-cache-001", 5, 10*time.Minute, 0.25)

	first := s.getAssessment(t, "sub-cache-001")

	// Write straight to the store, bypassing the API's invalidation.
	now := time.Now().UTC()
	burst := make([]domain.ActivityRecord, 60)
	for i := range burst {
		start := now.Add(-time.Duration(i) * 30 * time.Second)
		burst[i] = domain.ActivityRecord{
			ID:           fmt.Sprintf("direct-%d", i),
			SubscriberID: "sub-cache-001",
			StartTime:    start,
			EndTime:      start.Add(time.Minute),
			Duration:     60,
			Cost:         0.10,
			Currency:     "USD",
		}
	}
	if err := s.store.SaveActivity(context.Background(), burst); err != nil {
		t.Fatalf("direct store write failed: %v", err)
	}

	second := s.getAssessment(t, "sub-cache-001")
	if second.ID != first.ID {
		t.Errorf("expected cached assessment (same ID), got %s vs %s", second.ID, first.ID)
	}
	if len(second.Alerts) != 0 {
		t.Errorf("cached assessment should predate the burst, got %d alerts", len(second.Alerts))
	}

	// Explicit invalidation forces a recompute that sees the burst.
	req, _ := http.NewRequest(http.MethodDelete, s.url("/subscribers/sub-cache-001/assessment"), nil)
	resp, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("DELETE assessment failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for invalidation, got %d", resp.StatusCode)
	}

	third := s.getAssessment(t, "sub-cache-001")
	if third.ID == first.ID {
		t.Error("expected fresh assessment after invalidation")
	}
	if len(third.Alerts) == 0 {
		t.Error("fresh assessment should see the burst and alert")
	}
}

func TestIngestInvalidatesAssessment(t *testing.T) {
	// Ingesting through POST /activity must invalidate the memoized
	// assessment so callers never score against stale activity.
	s := newStack(t)

	s.ingestCalls(t, "sub-fresh-001", 5, 10*time.Minute, 0.25)
	first := s.getAssessment(t, "sub-fresh-001")
	if len(first.Alerts) != 0 {
		t.Fatalf("expected clean baseline, got %d alerts", len(first.Alerts))
	}

	s.ingestCalls(t, "sub-fresh-001", 60, 30*time.Second, 0.10)

	second := s.getAssessment(t, "sub-fresh-001")
	if second.ID == first.ID {
		t.Error("expected recompute after ingest, got cached assessment")
	}
	if len(second.Alerts) == 0 {
		t.Error("expected velocity alert after burst ingest")
	}
}

func TestBatchAssessment(t *testing.T) {
	// Mixed batch: one bursty subscriber among clean ones. Results come
	// back in request order with per-subscriber scores.
	s := newStack(t)

	ids := []string{"sub-batch-001", "sub-batch-002", "sub-batch-003"}
	s.ingestCalls(t, ids[0], 5, 10*time.Minute, 0.25)
	s.ingestCalls(t, ids[1], 60, 30*time.Second, 0.10)
	s.ingestCalls(t, ids[2], 3, 15*time.Minute, 0.50)

	resp := s.postJSON(t, "/assess/batch", map[string]interface{}{"subscriberIds": ids})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var result struct {
		Assessments []domain.RiskAssessment `json:"assessments"`
		Requested   int                     `json:"requested"`
		Completed   int                     `json:"completed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode batch response: %v", err)
	}

	if result.Requested != 3 || result.Completed != 3 {
		t.Errorf("expected 3/3, got %d/%d", result.Completed, result.Requested)
	}
	if len(result.Assessments) != 3 {
		t.Fatalf("expected 3 assessments, got %d", len(result.Assessments))
	}

	for i, a := range result.Assessments {
		if a.SubscriberID != ids[i] {
			t.Errorf("assessment %d: expected %s, got %s", i, ids[i], a.SubscriberID)
		}
	}

	if len(result.Assessments[1].Alerts) == 0 {
		t.Error("expected the bursty subscriber to be flagged")
	}
	if len(result.Assessments[0].Alerts) != 0 || len(result.Assessments[2].Alerts) != 0 {
		t.Error("expected clean subscribers to stay clean")
	}
}

func TestCustomRuleLifecycle(t *testing.T) {
	// Create a CEL rule via the API, reload, verify it fires as a fifth
	// check, then delete it and verify it stops firing.
	s := newStack(t)

	s.ingestCalls(t, "sub-custom-001", 30, 2*time.Minute, 0.25)

	rule := map[string]interface{}{
		"id":         "chatty-24h",
		"name":       "Chatty subscriber",
		"expression": "call_count_24h > 20.0",
		"score":      45.0,
		"confidence": 0.7,
		"enabled":    true,
	}
	resp := s.postJSON(t, "/rules/custom", rule)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected status 201 for rule create, got %d", resp.StatusCode)
	}

	resp = s.postJSON(t, "/rules/custom/reload", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for reload, got %d", resp.StatusCode)
	}

	assessment := s.getAssessment(t, "sub-custom-001")

	if assessment.Metadata.ChecksRun != 5 {
		t.Errorf("expected 5 checks with custom rule loaded, got %d", assessment.Metadata.ChecksRun)
	}

	var customAlert *domain.Alert
	for i := range assessment.Alerts {
		if assessment.Alerts[i].Type == domain.RuleCustom {
			customAlert = &assessment.Alerts[i]
		}
	}
	if customAlert == nil {
		t.Fatal("expected a CUSTOM alert from the CEL rule")
	}
	if customAlert.Score != 45.0 {
		t.Errorf("expected configured score 45, got %.2f", customAlert.Score)
	}

	// Delete the rule; the handler reloads the engine, so a fresh
	// assessment must not fire it anymore.
	req, _ := http.NewRequest(http.MethodDelete, s.url("/rules/custom/chatty-24h"), nil)
	delResp, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("DELETE rule failed: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for rule delete, got %d", delResp.StatusCode)
	}

	invReq, _ := http.NewRequest(http.MethodDelete, s.url("/subscribers/sub-custom-001/assessment"), nil)
	invResp, err := s.client.Do(invReq)
	if err != nil {
		t.Fatalf("DELETE assessment failed: %v", err)
	}
	invResp.Body.Close()

	after := s.getAssessment(t, "sub-custom-001")
	for _, a := range after.Alerts {
		if a.Type == domain.RuleCustom {
			t.Error("deleted custom rule still firing")
		}
	}
	if after.Metadata.ChecksRun != 4 {
		t.Errorf("expected 4 checks after rule delete, got %d", after.Metadata.ChecksRun)
	}
}

func TestFraudEventsOnBus(t *testing.T) {
	// A flagged assessment must emit one alert event per fired rule plus
	// one assessment summary event on the channel bus.
	s := newStack(t)

	var mu sync.Mutex
	var alertEvents []domain.FraudAlertEvent
	assessmentEvents := 0
	done := make(chan struct{}, 2)

	_, err := s.bus.Subscribe(context.Background(), domain.TopicFraudAlert, func(ctx context.Context, msg *domain.Message) error {
		var ev domain.FraudAlertEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		mu.Lock()
		alertEvents = append(alertEvents, ev)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	_, err = s.bus.Subscribe(context.Background(), domain.TopicFraudAssessment, func(ctx context.Context, msg *domain.Message) error {
		mu.Lock()
		assessmentEvents++
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	s.ingestCalls(t, "sub-events-001", 60, 30*time.Second, 0.10)
	assessment := s.getAssessment(t, "sub-events-001")
	if len(assessment.Alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(assessment.Alerts))
	}

	// Channel bus delivers asynchronously.
	timeout := time.After(2 * time.Second)
	for received := 0; received < 2; received++ {
		select {
		case <-done:
		case <-timeout:
			t.Fatal("timed out waiting for bus events")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(alertEvents) != 1 {
		t.Fatalf("expected 1 fraud alert event, got %d", len(alertEvents))
	}
	if alertEvents[0].SubscriberID != "sub-events-001" {
		t.Errorf("unexpected subscriber in event: %s", alertEvents[0].SubscriberID)
	}
	if alertEvents[0].RuleType != domain.RuleVelocity {
		t.Errorf("expected VELOCITY event, got %s", alertEvents[0].RuleType)
	}
	if assessmentEvents != 1 {
		t.Errorf("expected 1 assessment event, got %d", assessmentEvents)
	}
}

func TestHealthAndValidation(t *testing.T) {
	s := newStack(t)

	resp, err := s.client.Get(s.url("/health"))
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200 for health, got %d", resp.StatusCode)
	}
	var health map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode health: %v", err)
	}
	if health["status"] != "healthy" {
		t.Errorf("expected healthy stack, got %q", health["status"])
	}

	// Empty batch is rejected.
	badBatch := s.postJSON(t, "/assess/batch", map[string]interface{}{"subscriberIds": []string{}})
	badBatch.Body.Close()
	if badBatch.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for empty batch, got %d", badBatch.StatusCode)
	}

	// Records without a subscriber ID are rejected.
	badIngest := s.postJSON(t, "/activity", map[string]interface{}{
		"records": []map[string]interface{}{{"cost": 1.0}},
	})
	badIngest.Body.Close()
	if badIngest.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for record without subscriberId, got %d", badIngest.StatusCode)
	}

	// Custom rules with bad CEL are rejected before persisting.
	badRule := s.postJSON(t, "/rules/custom", map[string]interface{}{
		"id":         "broken",
		"name":       "Broken",
		"expression": "call_count_1h >>> 5",
		"enabled":    true,
	})
	badRule.Body.Close()
	if badRule.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid CEL, got %d", badRule.StatusCode)
	}
}
