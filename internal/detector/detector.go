// Package detector implements the fraud assessment orchestrator.
//
// The detector runs every detection rule concurrently over a subscriber's
// activity, fuses the fired alerts into a single risk assessment, memoizes
// the result in the cache, and emits audit events. Rule and collaborator
// failures never fail an assessment; only caller cancellation propagates.
package detector

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-telecom/kestrel/internal/domain"
	"github.com/opensource-telecom/kestrel/internal/rules"
)

// EngineVersion tags every assessment for audit trails.
const EngineVersion = "kestrel-1.0"

// Zero-alert fusion policy. The engine is confident there is no detected
// signal, which is different from confident the subscriber is clean, so the
// baseline score is low but not zero. The values are fixed so identical
// activity always scores identically.
const (
	BaselineScore      = 15.0
	BaselineConfidence = 0.9
)

// Detector is the fraud assessment orchestrator.
type Detector struct {
	rules  []rules.Rule
	custom *rules.CustomEngine
	cache  domain.Cache
	bus    domain.EventBus
	cfg    domain.DetectorConfig
}

// Option configures optional detector collaborators.
type Option func(*Detector)

// WithCache enables assessment memoization.
func WithCache(cache domain.Cache) Option {
	return func(d *Detector) { d.cache = cache }
}

// WithEventBus enables fraud audit event publishing.
func WithEventBus(bus domain.EventBus) Option {
	return func(d *Detector) { d.bus = bus }
}

// WithCustomEngine enables operator-defined CEL rules.
func WithCustomEngine(engine *rules.CustomEngine) Option {
	return func(d *Detector) { d.custom = engine }
}

// New creates a detector over the given rules. The cache, event bus, and
// custom rule engine are optional; the detector degrades gracefully without
// them.
func New(detectionRules []rules.Rule, cfg domain.DetectorConfig, opts ...Option) *Detector {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 300 * time.Second
	}
	if cfg.PerRuleTimeout <= 0 {
		cfg.PerRuleTimeout = 2 * time.Second
	}
	if cfg.BatchChunkSize <= 0 {
		cfg.BatchChunkSize = 10
	}

	d := &Detector{
		rules: detectionRules,
		cfg:   cfg,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ruleOutcome is one positional fan-out slot. Alerts are collected by rule
// declaration order, never completion order.
type ruleOutcome struct {
	alerts []domain.Alert
	err    error
}

// Assess produces a risk assessment for one subscriber.
//
// The only error it returns is caller cancellation; every internal failure
// (store errors, cache errors, broken rules) is absorbed, logged, and
// treated as absence of evidence.
func (d *Detector) Assess(ctx context.Context, subscriberID string) (*domain.RiskAssessment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cached := d.cacheLookup(ctx, subscriberID); cached != nil {
		return cached, nil
	}

	start := time.Now()

	slots := make([]ruleOutcome, len(d.rules)+1)
	var wg sync.WaitGroup

	for i, rule := range d.rules {
		wg.Add(1)
		go func(idx int, r rules.Rule) {
			defer wg.Done()

			ruleCtx, cancel := context.WithTimeout(ctx, d.cfg.PerRuleTimeout)
			defer cancel()

			alert, err := r.Evaluate(ruleCtx, subscriberID)
			if err != nil {
				slots[idx] = ruleOutcome{err: err}
				return
			}
			if alert != nil {
				slots[idx] = ruleOutcome{alerts: []domain.Alert{*alert}}
			}
		}(i, rule)
	}

	// Custom rules run as one extra slot after the builtins.
	customIdx := len(d.rules)
	if d.custom != nil && d.custom.RuleCount() > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			ruleCtx, cancel := context.WithTimeout(ctx, d.cfg.PerRuleTimeout)
			defer cancel()

			alerts, err := d.custom.EvaluateAll(ruleCtx, subscriberID)
			slots[customIdx] = ruleOutcome{alerts: alerts, err: err}
		}()
	}

	wg.Wait()

	// Caller cancellation is the one failure mode callers must be able to
	// tell apart from "nothing found".
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	checksRun := len(d.rules)
	if d.custom != nil && d.custom.RuleCount() > 0 {
		checksRun++
	}

	var alerts []domain.Alert
	checksFailed := 0
	for i, slot := range slots {
		if slot.err != nil {
			checksFailed++
			slog.Warn("detection check failed",
				"subscriber_id", subscriberID,
				"slot", i,
				"error", slot.err,
			)
			continue
		}
		alerts = append(alerts, slot.alerts...)
	}

	assessment := d.fuse(subscriberID, alerts, checksRun, checksFailed, start)

	d.cacheStore(ctx, assessment)
	d.publishEvents(ctx, assessment)

	slog.Info("subscriber assessed",
		"subscriber_id", subscriberID,
		"score", assessment.Score,
		"level", assessment.Level,
		"alert_count", len(assessment.Alerts),
		"duration_ms", assessment.Metadata.ProcessMs,
	)

	return assessment, nil
}

// AssessBatch assesses many subscribers in fixed-size chunks to bound
// pressure on the activity store. Failed subscribers are logged and excluded
// from the result; ordering otherwise follows the input.
func (d *Detector) AssessBatch(ctx context.Context, subscriberIDs []string) []*domain.RiskAssessment {
	results := make([]*domain.RiskAssessment, len(subscriberIDs))

	for offset := 0; offset < len(subscriberIDs); offset += d.cfg.BatchChunkSize {
		end := offset + d.cfg.BatchChunkSize
		if end > len(subscriberIDs) {
			end = len(subscriberIDs)
		}

		var wg sync.WaitGroup
		for i := offset; i < end; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()

				assessment, err := d.Assess(ctx, subscriberIDs[idx])
				if err != nil {
					slog.Warn("batch assessment failed",
						"subscriber_id", subscriberIDs[idx],
						"error", err,
					)
					return
				}
				results[idx] = assessment
			}(i)
		}
		wg.Wait()

		if ctx.Err() != nil {
			break
		}
	}

	out := make([]*domain.RiskAssessment, 0, len(results))
	for _, a := range results {
		if a != nil {
			out = append(out, a)
		}
	}
	return out
}

// Invalidate drops the cached assessment for a subscriber so the next
// Assess recomputes.
func (d *Detector) Invalidate(ctx context.Context, subscriberID string) {
	if d.cache == nil {
		return
	}
	if err := d.cache.Delete(ctx, domain.AssessmentKey(subscriberID)); err != nil {
		slog.Warn("cache invalidation failed",
			"subscriber_id", subscriberID,
			"error", err,
		)
	}
}

// fuse aggregates fired alerts into the overall assessment.
func (d *Detector) fuse(subscriberID string, alerts []domain.Alert, checksRun, checksFailed int, start time.Time) *domain.RiskAssessment {
	var score, confidence float64

	if len(alerts) > 0 {
		for _, a := range alerts {
			score += a.Score
			confidence += a.Confidence
		}
		score /= float64(len(alerts))
		confidence /= float64(len(alerts))
	} else {
		score = BaselineScore
		confidence = BaselineConfidence
	}

	score = math.Round(score)

	return &domain.RiskAssessment{
		ID:           uuid.New().String(),
		SubscriberID: subscriberID,
		Score:        score,
		Level:        domain.RiskLevelForScore(score),
		Confidence:   confidence,
		Alerts:       alerts,
		Metadata: domain.AssessmentMetadata{
			ChecksRun:     checksRun,
			ChecksFailed:  checksFailed,
			ProcessMs:     time.Since(start).Milliseconds(),
			EngineVersion: EngineVersion,
		},
		ComputedAt: time.Now().UTC(),
	}
}

// cacheLookup returns the cached assessment, or nil on miss or any cache
// failure.
func (d *Detector) cacheLookup(ctx context.Context, subscriberID string) *domain.RiskAssessment {
	if d.cache == nil {
		return nil
	}

	data, err := d.cache.Get(ctx, domain.AssessmentKey(subscriberID))
	if err != nil {
		slog.Warn("cache lookup failed, computing directly",
			"subscriber_id", subscriberID,
			"error", err,
		)
		return nil
	}
	if data == nil {
		return nil
	}

	var assessment domain.RiskAssessment
	if err := json.Unmarshal(data, &assessment); err != nil {
		slog.Warn("cached assessment corrupt, computing directly",
			"subscriber_id", subscriberID,
			"error", err,
		)
		return nil
	}

	return &assessment
}

// cacheStore memoizes the assessment; failures degrade silently to direct
// computation next time.
func (d *Detector) cacheStore(ctx context.Context, assessment *domain.RiskAssessment) {
	if d.cache == nil {
		return
	}

	data, err := json.Marshal(assessment)
	if err != nil {
		slog.Warn("failed to encode assessment for cache", "error", err)
		return
	}

	if err := d.cache.Set(ctx, domain.AssessmentKey(assessment.SubscriberID), data, d.cfg.CacheTTL); err != nil {
		slog.Warn("cache write failed",
			"subscriber_id", assessment.SubscriberID,
			"error", err,
		)
	}
}

// publishEvents emits the per-alert audit events and the assessment summary.
// Fire and forget: publish failures are logged, never propagated.
func (d *Detector) publishEvents(ctx context.Context, assessment *domain.RiskAssessment) {
	if d.bus == nil {
		return
	}

	for _, alert := range assessment.Alerts {
		payload, err := json.Marshal(domain.FraudAlertEvent{
			SubscriberID: assessment.SubscriberID,
			AssessmentID: assessment.ID,
			RuleType:     alert.Type,
			Severity:     alert.Severity,
			Score:        alert.Score,
			Confidence:   alert.Confidence,
			Evidence:     alert.Evidence,
		})
		if err != nil {
			continue
		}
		if err := d.bus.Publish(ctx, domain.TopicFraudAlert, payload); err != nil {
			slog.Warn("failed to publish fraud alert event",
				"subscriber_id", assessment.SubscriberID,
				"rule", alert.Type,
				"error", err,
			)
		}
	}

	payload, err := json.Marshal(domain.AssessmentEvent{
		SubscriberID: assessment.SubscriberID,
		AssessmentID: assessment.ID,
		Score:        assessment.Score,
		Level:        assessment.Level,
		AlertCount:   len(assessment.Alerts),
		ProcessMs:    assessment.Metadata.ProcessMs,
	})
	if err != nil {
		return
	}
	if err := d.bus.Publish(ctx, domain.TopicFraudAssessment, payload); err != nil {
		slog.Warn("failed to publish assessment event",
			"subscriber_id", assessment.SubscriberID,
			"error", err,
		)
	}
}
