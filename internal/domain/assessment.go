package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// RuleType identifies a detection rule.
type RuleType string

const (
	RuleVelocity        RuleType = "VELOCITY"
	RuleLocationAnomaly RuleType = "LOCATION_ANOMALY"
	RuleDeviceFraud     RuleType = "DEVICE_FRAUD"
	RulePremiumRate     RuleType = "PREMIUM_RATE"
	RuleCustom          RuleType = "CUSTOM"
)

// Severity is the per-alert severity bucket.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// RiskLevel is the coarse bucket derived from the overall score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Risk level thresholds. Fixed, no hysteresis.
const (
	RiskMediumThreshold   = 30.0
	RiskHighThreshold     = 60.0
	RiskCriticalThreshold = 80.0
)

// RiskLevelForScore maps an overall score to its risk level.
func RiskLevelForScore(score float64) RiskLevel {
	switch {
	case score >= RiskCriticalThreshold:
		return RiskCritical
	case score >= RiskHighThreshold:
		return RiskHigh
	case score >= RiskMediumThreshold:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Evidence is the structured payload justifying an alert. Each rule has its
// own concrete evidence type; Kind returns the rule type tag used to pick
// the concrete type when decoding.
type Evidence interface {
	Kind() RuleType
}

// VelocityEvidence backs a call-velocity alert.
type VelocityEvidence struct {
	CallCount int    `json:"callCount"`
	Threshold int    `json:"threshold"`
	Window    string `json:"window"`
}

func (VelocityEvidence) Kind() RuleType { return RuleVelocity }

// SuspiciousMovement is one impossible-travel pair.
type SuspiciousMovement struct {
	FromLatitude   float64   `json:"fromLatitude"`
	FromLongitude  float64   `json:"fromLongitude"`
	ToLatitude     float64   `json:"toLatitude"`
	ToLongitude    float64   `json:"toLongitude"`
	FromTime       time.Time `json:"fromTime"`
	ToTime         time.Time `json:"toTime"`
	DistanceKm     float64   `json:"distanceKm"`
	ElapsedMinutes float64   `json:"elapsedMinutes"`
	SpeedKmh       float64   `json:"speedKmh"`
}

// LocationEvidence backs an impossible-travel alert. Movements holds at most
// the first three suspicious pairs; TotalSuspicious is the full count.
type LocationEvidence struct {
	Movements       []SuspiciousMovement `json:"movements"`
	TotalSuspicious int                  `json:"totalSuspicious"`
}

func (LocationEvidence) Kind() RuleType { return RuleLocationAnomaly }

// SimultaneousUsage is one cross-tower observation pair inside the gap.
type SimultaneousUsage struct {
	TowerA     string    `json:"towerA"`
	TowerB     string    `json:"towerB"`
	TimeA      time.Time `json:"timeA"`
	TimeB      time.Time `json:"timeB"`
	GapMinutes float64   `json:"gapMinutes"`
}

// DeviceEvidence backs a simultaneous-device-usage alert.
type DeviceEvidence struct {
	Incidents      []SimultaneousUsage `json:"incidents"`
	TotalIncidents int                 `json:"totalIncidents"`
	DistinctTowers int                 `json:"distinctTowers"`
}

func (DeviceEvidence) Kind() RuleType { return RuleDeviceFraud }

// CostEvidence backs a premium-rate abuse alert.
type CostEvidence struct {
	CallCount   int     `json:"callCount"`
	TotalCost   float64 `json:"totalCost"`
	AverageCost float64 `json:"averageCost"`
	Threshold   float64 `json:"threshold"`
}

func (CostEvidence) Kind() RuleType { return RulePremiumRate }

// CustomEvidence backs an alert from an operator-defined CEL rule.
type CustomEvidence struct {
	RuleID     string             `json:"ruleId"`
	Expression string             `json:"expression"`
	Features   map[string]float64 `json:"features"`
}

func (CustomEvidence) Kind() RuleType { return RuleCustom }

// Alert is the output of one detection rule. Created once per detection run
// and never mutated.
type Alert struct {
	Type        RuleType `json:"type"`
	Severity    Severity `json:"severity"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Score       float64  `json:"score"`      // 0-100
	Confidence  float64  `json:"confidence"` // 0.0-1.0
	Evidence    Evidence `json:"evidence"`
}

// alertJSON mirrors Alert with raw evidence for two-pass decoding.
type alertJSON struct {
	Type        RuleType        `json:"type"`
	Severity    Severity        `json:"severity"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Score       float64         `json:"score"`
	Confidence  float64         `json:"confidence"`
	Evidence    json.RawMessage `json:"evidence"`
}

// UnmarshalJSON rehydrates the concrete evidence type from the rule type tag
// so cached assessments decode to values equal to freshly computed ones.
func (a *Alert) UnmarshalJSON(data []byte) error {
	var raw alertJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	a.Type = raw.Type
	a.Severity = raw.Severity
	a.Title = raw.Title
	a.Description = raw.Description
	a.Score = raw.Score
	a.Confidence = raw.Confidence
	a.Evidence = nil

	if len(raw.Evidence) == 0 || string(raw.Evidence) == "null" {
		return nil
	}

	switch raw.Type {
	case RuleVelocity:
		var ev VelocityEvidence
		if err := json.Unmarshal(raw.Evidence, &ev); err != nil {
			return err
		}
		a.Evidence = ev
	case RuleLocationAnomaly:
		var ev LocationEvidence
		if err := json.Unmarshal(raw.Evidence, &ev); err != nil {
			return err
		}
		a.Evidence = ev
	case RuleDeviceFraud:
		var ev DeviceEvidence
		if err := json.Unmarshal(raw.Evidence, &ev); err != nil {
			return err
		}
		a.Evidence = ev
	case RulePremiumRate:
		var ev CostEvidence
		if err := json.Unmarshal(raw.Evidence, &ev); err != nil {
			return err
		}
		a.Evidence = ev
	case RuleCustom:
		var ev CustomEvidence
		if err := json.Unmarshal(raw.Evidence, &ev); err != nil {
			return err
		}
		a.Evidence = ev
	default:
		return fmt.Errorf("unknown rule type %q in alert", raw.Type)
	}

	return nil
}

// AssessmentMetadata contains processing information for one assessment.
type AssessmentMetadata struct {
	ChecksRun     int    `json:"checksRun"`
	ChecksFailed  int    `json:"checksFailed"`
	ProcessMs     int64  `json:"processMs"`
	EngineVersion string `json:"engineVersion"`
}

// RiskAssessment is the unit returned to callers. Immutable once returned;
// cached under fraud:{subscriberId} for a short TTL.
type RiskAssessment struct {
	ID           string             `json:"id"`
	SubscriberID string             `json:"subscriberId"`
	Score        float64            `json:"score"` // 0-100, rounded
	Level        RiskLevel          `json:"level"`
	Confidence   float64            `json:"confidence"` // 0.0-1.0
	Alerts       []Alert            `json:"alerts"`     // rule declaration order
	Metadata     AssessmentMetadata `json:"metadata"`
	ComputedAt   time.Time          `json:"computedAt"`
}

// AssessmentKey returns the cache key for a subscriber's assessment.
func AssessmentKey(subscriberID string) string {
	return "fraud:" + subscriberID
}
