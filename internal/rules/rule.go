// Package rules implements the fraud detection heuristics.
//
// Each rule independently inspects a subscriber's recent activity window and
// emits zero or one alert. Rules are read-only over the activity store and
// safe to run concurrently.
package rules

import (
	"context"

	"github.com/opensource-telecom/kestrel/internal/domain"
)

// Rule is a single detection heuristic.
type Rule interface {
	// Type identifies the rule in alerts and audit events.
	Type() domain.RuleType

	// Name is a short human-readable identifier for logs.
	Name() string

	// Evaluate inspects the subscriber's activity and returns an alert if
	// the heuristic fires, or nil if it does not. An error means the rule
	// could not gather evidence (store failure, timeout); the orchestrator
	// treats that as not-fired, never as a failed assessment.
	Evaluate(ctx context.Context, subscriberID string) (*domain.Alert, error)
}

// Thresholds holds the configurable knobs shared by the built-in rules.
type Thresholds struct {
	// VelocityThreshold is the max calls per hour (default 50).
	VelocityThreshold int

	// CostThreshold is the max 7-day premium spend (default 100).
	CostThreshold float64
}

// DefaultThresholds returns the engine defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		VelocityThreshold: 50,
		CostThreshold:     100.0,
	}
}

// BuiltinRules returns the four detection rules in their declared order:
// velocity, location anomaly, device fraud, premium rate. Alert ordering in
// assessments follows this order.
func BuiltinRules(store domain.ActivityStore, t Thresholds) []Rule {
	if t.VelocityThreshold <= 0 {
		t.VelocityThreshold = 50
	}
	if t.CostThreshold <= 0 {
		t.CostThreshold = 100.0
	}

	return []Rule{
		NewVelocityRule(store, t.VelocityThreshold),
		NewLocationAnomalyRule(store),
		NewDeviceFraudRule(store),
		NewPremiumRateRule(store, t.CostThreshold),
	}
}
