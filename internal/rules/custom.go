package rules

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-telecom/kestrel/internal/domain"
)

// Feature names exposed to custom rule expressions.
const (
	FeatureCallCount1h    = "call_count_1h"
	FeatureCallCount24h   = "call_count_24h"
	FeatureIntlCount24h   = "intl_count_24h"
	FeatureRoamCount24h   = "roaming_count_24h"
	FeatureTowerCount24h  = "distinct_towers_24h"
	FeatureTotalCost7d    = "total_cost_7d"
	FeatureExpensiveCalls = "expensive_call_count_7d"
)

// CustomEngine evaluates operator-defined CEL rules over a subscriber's
// aggregate activity features. Expressions are compiled at load time and
// hot-reloadable.
type CustomEngine struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled []*compiledCustomRule
	store    domain.ActivityStore
}

type compiledCustomRule struct {
	config  *domain.CustomRuleConfig
	program cel.Program
}

// NewCustomEngine creates a CEL engine bound to the activity store.
func NewCustomEngine(store domain.ActivityStore) (*CustomEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable(FeatureCallCount1h, cel.DoubleType),
		cel.Variable(FeatureCallCount24h, cel.DoubleType),
		cel.Variable(FeatureIntlCount24h, cel.DoubleType),
		cel.Variable(FeatureRoamCount24h, cel.DoubleType),
		cel.Variable(FeatureTowerCount24h, cel.DoubleType),
		cel.Variable(FeatureTotalCost7d, cel.DoubleType),
		cel.Variable(FeatureExpensiveCalls, cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &CustomEngine{
		env:   env,
		store: store,
	}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *CustomEngine) ValidateRule(cfg *domain.CustomRuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}
	_, err := e.compile(cfg)
	return err
}

// LoadRules compiles and loads the enabled rules, replacing the current set.
// Load order is preserved; alert ordering follows it.
func (e *CustomEngine) LoadRules(configs []*domain.CustomRuleConfig) error {
	compiled := make([]*compiledCustomRule, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		c, err := e.compile(cfg)
		if err != nil {
			return err
		}
		compiled = append(compiled, c)
	}

	e.mu.Lock()
	e.compiled = compiled
	e.mu.Unlock()

	return nil
}

// RuleCount returns the number of loaded custom rules.
func (e *CustomEngine) RuleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// EvaluateAll builds one feature snapshot for the subscriber and runs every
// loaded rule against it. Returns the alerts of rules that fired, in load
// order. A store failure is returned as an error; individual expression
// failures skip that rule only.
func (e *CustomEngine) EvaluateAll(ctx context.Context, subscriberID string) ([]domain.Alert, error) {
	e.mu.RLock()
	compiled := e.compiled
	e.mu.RUnlock()

	if len(compiled) == 0 {
		return nil, nil
	}

	features, err := e.snapshot(ctx, subscriberID)
	if err != nil {
		return nil, err
	}

	activation := make(map[string]any, len(features))
	for k, v := range features {
		activation[k] = v
	}

	var alerts []domain.Alert
	for _, rule := range compiled {
		out, _, err := rule.program.Eval(activation)
		if err != nil {
			// Broken expression; skip, do not fail the run.
			continue
		}

		score, fired := customScore(out, rule.config.Score)
		if !fired {
			continue
		}

		confidence := rule.config.Confidence
		if confidence <= 0 || confidence > 1 {
			confidence = 0.7
		}

		alerts = append(alerts, domain.Alert{
			Type:        domain.RuleCustom,
			Severity:    severityForScore(score),
			Title:       rule.config.Name,
			Description: rule.config.Description,
			Score:       score,
			Confidence:  confidence,
			Evidence: domain.CustomEvidence{
				RuleID:     rule.config.ID,
				Expression: rule.config.Expression,
				Features:   features,
			},
		})
	}

	return alerts, nil
}

// snapshot gathers the aggregate activity features the expressions see.
func (e *CustomEngine) snapshot(ctx context.Context, subscriberID string) (map[string]float64, error) {
	hourly, err := e.store.GetRecentActivity(ctx, subscriberID, domain.Window1h)
	if err != nil {
		return nil, fmt.Errorf("custom: 1h activity lookup failed: %w", err)
	}
	daily, err := e.store.GetRecentActivity(ctx, subscriberID, domain.Window24h)
	if err != nil {
		return nil, fmt.Errorf("custom: 24h activity lookup failed: %w", err)
	}
	weekly, err := e.store.GetRecentActivity(ctx, subscriberID, domain.Window7d)
	if err != nil {
		return nil, fmt.Errorf("custom: 7d activity lookup failed: %w", err)
	}

	intl, roaming := 0, 0
	towers := make(map[string]struct{})
	for _, rec := range daily {
		if rec.International {
			intl++
		}
		if rec.Roaming {
			roaming++
		}
		if rec.CellTower != "" {
			towers[rec.CellTower] = struct{}{}
		}
	}

	var totalCost float64
	expensive := 0
	for _, rec := range weekly {
		totalCost += rec.Cost
		if rec.Cost > expensiveCallFloor {
			expensive++
		}
	}

	return map[string]float64{
		FeatureCallCount1h:    float64(len(hourly)),
		FeatureCallCount24h:   float64(len(daily)),
		FeatureIntlCount24h:   float64(intl),
		FeatureRoamCount24h:   float64(roaming),
		FeatureTowerCount24h:  float64(len(towers)),
		FeatureTotalCost7d:    totalCost,
		FeatureExpensiveCalls: float64(expensive),
	}, nil
}

func (e *CustomEngine) compile(cfg *domain.CustomRuleConfig) (*compiledCustomRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &compiledCustomRule{
		config:  cfg,
		program: program,
	}, nil
}

// customScore converts a CEL result to (score, fired). Bool results use the
// configured score; numeric results use their own value, clamped to 0-100.
func customScore(val ref.Val, configured float64) (float64, bool) {
	switch v := val.(type) {
	case types.Bool:
		if !bool(v) {
			return 0, false
		}
		score := configured
		if score <= 0 {
			score = 50
		}
		return math.Min(100, score), true
	case types.Double:
		f := float64(v)
		if f <= 0 {
			return 0, false
		}
		return math.Min(100, f), true
	case types.Int:
		f := float64(v)
		if f <= 0 {
			return 0, false
		}
		return math.Min(100, f), true
	default:
		return 0, false
	}
}

// severityForScore buckets a custom rule score with the same thresholds used
// for overall risk levels.
func severityForScore(score float64) domain.Severity {
	switch {
	case score >= domain.RiskCriticalThreshold:
		return domain.SeverityCritical
	case score >= domain.RiskHighThreshold:
		return domain.SeverityHigh
	case score >= domain.RiskMediumThreshold:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}
