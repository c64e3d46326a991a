package rules

import (
	"context"
	"fmt"
	"math"

	"github.com/opensource-telecom/kestrel/internal/domain"
)

// velocityConfidence reflects a deterministic counting rule - high trust.
const velocityConfidence = 0.95

// VelocityRule detects abnormal call volume in a trailing one-hour window.
type VelocityRule struct {
	store     domain.ActivityStore
	threshold int
}

// NewVelocityRule creates the call-velocity rule. threshold is the max
// calls per hour before the rule fires.
func NewVelocityRule(store domain.ActivityStore, threshold int) *VelocityRule {
	return &VelocityRule{
		store:     store,
		threshold: threshold,
	}
}

func (r *VelocityRule) Type() domain.RuleType { return domain.RuleVelocity }

func (r *VelocityRule) Name() string { return "call-velocity" }

// Evaluate fires when the call count in the last hour exceeds the threshold.
func (r *VelocityRule) Evaluate(ctx context.Context, subscriberID string) (*domain.Alert, error) {
	records, err := r.store.GetRecentActivity(ctx, subscriberID, domain.Window1h)
	if err != nil {
		return nil, fmt.Errorf("velocity: activity lookup failed: %w", err)
	}

	count := len(records)
	if count <= r.threshold {
		return nil, nil
	}

	severity := domain.SeverityHigh
	if count > 2*r.threshold {
		severity = domain.SeverityCritical
	}

	score := math.Min(100, float64(count)/float64(r.threshold)*50+50)

	return &domain.Alert{
		Type:        domain.RuleVelocity,
		Severity:    severity,
		Title:       "Abnormal call velocity",
		Description: fmt.Sprintf("%d calls in the last hour (threshold %d)", count, r.threshold),
		Score:       score,
		Confidence:  velocityConfidence,
		Evidence: domain.VelocityEvidence{
			CallCount: count,
			Threshold: r.threshold,
			Window:    string(domain.Window1h),
		},
	}, nil
}
