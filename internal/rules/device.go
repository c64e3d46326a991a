package rules

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/opensource-telecom/kestrel/internal/domain"
)

const (
	// simultaneousGapMinutes is the gap below which two observations at
	// different towers imply concurrent device sessions.
	simultaneousGapMinutes = 5.0

	// deviceRecordLimit caps how many tower-tagged records are examined.
	deviceRecordLimit = 100

	// deviceMinRecords is the minimum sample before the rule will run.
	deviceMinRecords = 10

	// deviceEvidenceLimit caps incidents carried in alert evidence.
	deviceEvidenceLimit = 3

	deviceConfidence = 0.82
)

// DeviceFraudRule detects two distinct cell towers used within an
// implausibly short gap, implying simultaneous device usage (SIM cloning,
// SIM-box operation).
type DeviceFraudRule struct {
	store domain.ActivityStore
}

// NewDeviceFraudRule creates the simultaneous-device-usage rule.
func NewDeviceFraudRule(store domain.ActivityStore) *DeviceFraudRule {
	return &DeviceFraudRule{store: store}
}

func (r *DeviceFraudRule) Type() domain.RuleType { return domain.RuleDeviceFraud }

func (r *DeviceFraudRule) Name() string { return "device-fraud" }

// towerObservation is one (tower, timestamp) sighting.
type towerObservation struct {
	tower string
	at    int64 // unix milliseconds, sortable
}

func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Evaluate scans tower observations in the trailing 24 hours for cross-tower
// pairs closer than the simultaneity gap. Observations are sorted once and
// swept with a bounded forward scan, which preserves the inclusion semantics
// of comparing every cross-tower timestamp pair without the quadratic cost.
func (r *DeviceFraudRule) Evaluate(ctx context.Context, subscriberID string) (*domain.Alert, error) {
	records, err := r.store.GetRecentActivity(ctx, subscriberID, domain.Window24h)
	if err != nil {
		return nil, fmt.Errorf("device: activity lookup failed: %w", err)
	}

	observations := make([]towerObservation, 0, deviceRecordLimit)
	towers := make(map[string]struct{})
	for _, rec := range records {
		if rec.CellTower == "" {
			continue
		}
		observations = append(observations, towerObservation{
			tower: rec.CellTower,
			at:    rec.StartTime.UnixMilli(),
		})
		towers[rec.CellTower] = struct{}{}
		if len(observations) == deviceRecordLimit {
			break
		}
	}

	if len(observations) < deviceMinRecords {
		return nil, nil
	}

	sort.Slice(observations, func(i, j int) bool {
		return observations[i].at < observations[j].at
	})

	gapMillis := int64(simultaneousGapMinutes * 60 * 1000)

	var incidents []domain.SimultaneousUsage
	total := 0

	for i := 0; i < len(observations); i++ {
		for j := i + 1; j < len(observations); j++ {
			gap := observations[j].at - observations[i].at
			if gap >= gapMillis {
				break
			}
			if observations[i].tower == observations[j].tower {
				continue
			}

			total++
			if len(incidents) < deviceEvidenceLimit {
				incidents = append(incidents, domain.SimultaneousUsage{
					TowerA:     observations[i].tower,
					TowerB:     observations[j].tower,
					TimeA:      millisToTime(observations[i].at),
					TimeB:      millisToTime(observations[j].at),
					GapMinutes: float64(gap) / 60000.0,
				})
			}
		}
	}

	if total == 0 {
		return nil, nil
	}

	severity := domain.SeverityHigh
	if total > 3 {
		severity = domain.SeverityCritical
	}

	score := math.Min(100, float64(total)*25+50)

	return &domain.Alert{
		Type:        domain.RuleDeviceFraud,
		Severity:    severity,
		Title:       "Simultaneous device usage",
		Description: fmt.Sprintf("%d incident(s) of activity at different towers within %.0f minutes", total, simultaneousGapMinutes),
		Score:       score,
		Confidence:  deviceConfidence,
		Evidence: domain.DeviceEvidence{
			Incidents:      incidents,
			TotalIncidents: total,
			DistinctTowers: len(towers),
		},
	}, nil
}
