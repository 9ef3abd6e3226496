package optimizer

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/agentmesh/internal/models"
)

func newTestRuleEngine() *RuleEngine {
	meter := otel.Meter("agentmesh-test")
	tracer := otel.Tracer("agentmesh-test")
	return NewRuleEngine(meter, tracer)
}

func TestRuleEnginePutAndEvaluateTriggers(t *testing.T) {
	re := newTestRuleEngine()
	ctx := context.Background()
	rule := models.OptimizationRule{
		ID:        "cpu-hot",
		Kind:      models.RuleThreshold,
		Condition: "input.resources.cpu.utilization > 0.8",
		Action:    models.ActionScaleUp,
		Enabled:   true,
		Priority:  5,
	}
	if err := re.PutRule(ctx, rule); err != nil {
		t.Fatalf("put rule: %v", err)
	}

	report := &Report{Resources: map[string]ResourceUtilization{"cpu": {Utilization: 0.95}}}
	triggered, err := re.Evaluate(ctx, rule, report)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !triggered {
		t.Fatalf("expected rule to trigger at utilization 0.95")
	}

	cool := &Report{Resources: map[string]ResourceUtilization{"cpu": {Utilization: 0.2}}}
	triggered, err = re.Evaluate(ctx, rule, cool)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if triggered {
		t.Fatalf("expected rule not to trigger at utilization 0.2")
	}
}

func TestRuleEngineEvaluateUnknownRuleFails(t *testing.T) {
	re := newTestRuleEngine()
	rule := models.OptimizationRule{ID: "never-registered", Condition: "true"}
	if _, err := re.Evaluate(context.Background(), rule, &Report{}); err == nil {
		t.Fatalf("expected error evaluating an unregistered rule")
	}
}

func TestRuleEngineRemoveRule(t *testing.T) {
	re := newTestRuleEngine()
	ctx := context.Background()
	rule := models.OptimizationRule{ID: "r1", Condition: "true", Enabled: true}
	if err := re.PutRule(ctx, rule); err != nil {
		t.Fatalf("put rule: %v", err)
	}
	re.RemoveRule("r1")
	if _, err := re.Evaluate(ctx, rule, &Report{}); err == nil {
		t.Fatalf("expected error evaluating a removed rule")
	}
	if len(re.Rules()) != 0 {
		t.Fatalf("expected no rules after removal, got %d", len(re.Rules()))
	}
}

func TestRuleEngineRulesOrderedByPriorityDescending(t *testing.T) {
	re := newTestRuleEngine()
	ctx := context.Background()
	for _, r := range []models.OptimizationRule{
		{ID: "low", Condition: "true", Priority: 1},
		{ID: "high", Condition: "true", Priority: 10},
		{ID: "mid", Condition: "true", Priority: 5},
	} {
		if err := re.PutRule(ctx, r); err != nil {
			t.Fatalf("put rule %s: %v", r.ID, err)
		}
	}
	ordered := re.Rules()
	if len(ordered) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(ordered))
	}
	if ordered[0].ID != "high" || ordered[1].ID != "mid" || ordered[2].ID != "low" {
		t.Fatalf("expected rules ordered high,mid,low, got %v", []string{ordered[0].ID, ordered[1].ID, ordered[2].ID})
	}
}

func TestRuleEnginePutRuleRejectsInvalidCondition(t *testing.T) {
	re := newTestRuleEngine()
	rule := models.OptimizationRule{ID: "broken", Condition: "input.resources.cpu.utilization >"}
	if err := re.PutRule(context.Background(), rule); err == nil {
		t.Fatalf("expected error compiling an invalid condition")
	}
}
