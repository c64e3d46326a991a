package rules

import (
	"context"
	"fmt"
	"math"

	"github.com/opensource-telecom/kestrel/internal/domain"
	"github.com/opensource-telecom/kestrel/internal/geomath"
)

const (
	// maxSpeedKmh is the fastest plausible terrestrial travel for short
	// hops, commercial flights included.
	maxSpeedKmh = 500.0

	// locationRecordLimit caps how many geotagged records are examined.
	locationRecordLimit = 50

	// locationEvidenceLimit caps movements carried in alert evidence.
	locationEvidenceLimit = 3

	locationConfidence = 0.88
)

// LocationAnomalyRule detects impossible travel: consecutive geotagged
// records implying a speed no transport mode permits.
type LocationAnomalyRule struct {
	store domain.ActivityStore
}

// NewLocationAnomalyRule creates the impossible-travel rule.
func NewLocationAnomalyRule(store domain.ActivityStore) *LocationAnomalyRule {
	return &LocationAnomalyRule{store: store}
}

func (r *LocationAnomalyRule) Type() domain.RuleType { return domain.RuleLocationAnomaly }

func (r *LocationAnomalyRule) Name() string { return "location-anomaly" }

// Evaluate walks consecutive pairs of the last 50 geotagged records in the
// trailing 24 hours (newest first) and flags pairs whose implied speed
// exceeds maxSpeedKmh.
func (r *LocationAnomalyRule) Evaluate(ctx context.Context, subscriberID string) (*domain.Alert, error) {
	records, err := r.store.GetRecentActivity(ctx, subscriberID, domain.Window24h)
	if err != nil {
		return nil, fmt.Errorf("location: activity lookup failed: %w", err)
	}

	geotagged := make([]domain.ActivityRecord, 0, locationRecordLimit)
	for _, rec := range records {
		if rec.HasLocation() {
			geotagged = append(geotagged, rec)
			if len(geotagged) == locationRecordLimit {
				break
			}
		}
	}

	// Fewer than two located records is insufficient data, not a clean
	// bill of health.
	if len(geotagged) < 2 {
		return nil, nil
	}

	var movements []domain.SuspiciousMovement
	suspicious := 0

	for i := 0; i < len(geotagged)-1; i++ {
		a, b := geotagged[i], geotagged[i+1]

		elapsed := math.Abs(a.StartTime.Sub(b.StartTime).Minutes())
		if elapsed <= 0 {
			// Simultaneous records belong to the device rule.
			continue
		}

		distance := geomath.Distance(*a.Latitude, *a.Longitude, *b.Latitude, *b.Longitude)
		speed := geomath.ImpliedSpeed(distance, elapsed)

		if speed <= maxSpeedKmh {
			continue
		}

		suspicious++
		if len(movements) < locationEvidenceLimit {
			movements = append(movements, domain.SuspiciousMovement{
				FromLatitude:   *b.Latitude,
				FromLongitude:  *b.Longitude,
				ToLatitude:     *a.Latitude,
				ToLongitude:    *a.Longitude,
				FromTime:       b.StartTime,
				ToTime:         a.StartTime,
				DistanceKm:     distance,
				ElapsedMinutes: elapsed,
				SpeedKmh:       speed,
			})
		}
	}

	if suspicious == 0 {
		return nil, nil
	}

	severity := domain.SeverityMedium
	if suspicious > 2 {
		severity = domain.SeverityHigh
	}

	score := math.Min(100, float64(suspicious)*30+40)

	return &domain.Alert{
		Type:        domain.RuleLocationAnomaly,
		Severity:    severity,
		Title:       "Impossible travel detected",
		Description: fmt.Sprintf("%d movement(s) faster than %.0f km/h in the last 24 hours", suspicious, maxSpeedKmh),
		Score:       score,
		Confidence:  locationConfidence,
		Evidence: domain.LocationEvidence{
			Movements:       movements,
			TotalSuspicious: suspicious,
		},
	}, nil
}
