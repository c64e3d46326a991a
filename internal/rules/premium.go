package rules

import (
	"context"
	"fmt"
	"math"

	"github.com/opensource-telecom/kestrel/internal/domain"
)

const (
	// expensiveCallFloor is the per-call cost below which a call does not
	// count toward premium-rate abuse.
	expensiveCallFloor = 10.0

	premiumConfidence = 0.93
)

// PremiumRateRule detects sustained high-cost calling in the trailing week.
type PremiumRateRule struct {
	store     domain.ActivityStore
	threshold float64
}

// NewPremiumRateRule creates the cost-abuse rule. threshold is the max
// 7-day spend on expensive calls before the rule fires.
func NewPremiumRateRule(store domain.ActivityStore, threshold float64) *PremiumRateRule {
	return &PremiumRateRule{
		store:     store,
		threshold: threshold,
	}
}

func (r *PremiumRateRule) Type() domain.RuleType { return domain.RulePremiumRate }

func (r *PremiumRateRule) Name() string { return "premium-rate" }

// Evaluate sums the cost of expensive calls over the trailing 7 days and
// fires when the total strictly exceeds the threshold.
func (r *PremiumRateRule) Evaluate(ctx context.Context, subscriberID string) (*domain.Alert, error) {
	records, err := r.store.GetRecentActivity(ctx, subscriberID, domain.Window7d)
	if err != nil {
		return nil, fmt.Errorf("premium: activity lookup failed: %w", err)
	}

	var total float64
	count := 0
	for _, rec := range records {
		if rec.Cost > expensiveCallFloor {
			total += rec.Cost
			count++
		}
	}

	// Strict comparison; no qualifying records short-circuits before the
	// average is computed.
	if count == 0 || total <= r.threshold {
		return nil, nil
	}

	severity := domain.SeverityHigh
	if total > 2*r.threshold {
		severity = domain.SeverityCritical
	}

	score := math.Min(100, total/r.threshold*50+25)

	return &domain.Alert{
		Type:        domain.RulePremiumRate,
		Severity:    severity,
		Title:       "Premium-rate cost abuse",
		Description: fmt.Sprintf("%.2f spent on %d expensive call(s) in 7 days (threshold %.2f)", total, count, r.threshold),
		Score:       score,
		Confidence:  premiumConfidence,
		Evidence: domain.CostEvidence{
			CallCount:   count,
			TotalCost:   total,
			AverageCost: total / float64(count),
			Threshold:   r.threshold,
		},
	}, nil
}
