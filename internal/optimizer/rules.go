package optimizer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/agentmesh/internal/models"
)

// ruleQueryTemplate compiles one rule's condition DSL into a rego module
// evaluating a single boolean rule, `trigger`, over the report input.
const ruleQueryTemplate = `package swarm.optimizer

trigger {
	%s
}
`

// RuleEngine compiles each OptimizationRule's condition into a prepared rego
// query, grounded directly on services/policy-service/opa_engine.go's
// OPAEngine (module parse → compile → PrepareForEval, cached by rule id).
// Unlike that production-authorization engine, the compiled query here is a
// single boolean `data.swarm.optimizer.trigger`, not an arbitrary policy
// bundle loaded from disk — rule conditions are submitted as rego snippets
// via PutRule rather than read from .rego files.
type RuleEngine struct {
	mu              sync.RWMutex
	preparedQueries map[string]*rego.PreparedEvalQuery
	rules           map[string]models.OptimizationRule

	compileLatency metric.Float64Histogram
	tracer         trace.Tracer
}

// NewRuleEngine constructs an empty RuleEngine.
func NewRuleEngine(meter metric.Meter, tracer trace.Tracer) *RuleEngine {
	compileLatency, _ := meter.Float64Histogram("swarm_optimizer_rule_compile_latency_ms")
	return &RuleEngine{
		preparedQueries: make(map[string]*rego.PreparedEvalQuery),
		rules:           make(map[string]models.OptimizationRule),
		compileLatency:  compileLatency,
		tracer:          tracer,
	}
}

// PutRule compiles rule.Condition as a rego snippet and prepares it for
// evaluation, replacing any prior rule registered under the same id.
func (re *RuleEngine) PutRule(ctx context.Context, rule models.OptimizationRule) error {
	ctx, span := re.tracer.Start(ctx, "optimizer.put_rule", trace.WithAttributes(attribute.String("ruleId", rule.ID)))
	defer span.End()
	start := time.Now()

	source := fmt.Sprintf(ruleQueryTemplate, rule.Condition)
	module, err := ast.ParseModule(rule.ID+".rego", source)
	if err != nil {
		return fmt.Errorf("parse rule %s: %w", rule.ID, err)
	}
	compiler := ast.NewCompiler()
	compiler.Compile(map[string]*ast.Module{rule.ID: module})
	if compiler.Failed() {
		return fmt.Errorf("compile rule %s: %v", rule.ID, compiler.Errors)
	}

	prepared, err := rego.New(
		rego.Query("data.swarm.optimizer.trigger"),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("prepare rule %s: %w", rule.ID, err)
	}

	re.compileLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("rule", rule.ID)))

	re.mu.Lock()
	defer re.mu.Unlock()
	re.preparedQueries[rule.ID] = &prepared
	re.rules[rule.ID] = rule
	return nil
}

// RemoveRule drops a rule, if present.
func (re *RuleEngine) RemoveRule(id string) {
	re.mu.Lock()
	defer re.mu.Unlock()
	delete(re.preparedQueries, id)
	delete(re.rules, id)
}

// Rules returns every registered rule, ordered by descending Priority.
func (re *RuleEngine) Rules() []models.OptimizationRule {
	re.mu.RLock()
	defer re.mu.RUnlock()
	out := make([]models.OptimizationRule, 0, len(re.rules))
	for _, r := range re.rules {
		out = append(out, r)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Priority > out[j-1].Priority; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Evaluate reports whether rule's compiled condition is true against report.
func (re *RuleEngine) Evaluate(ctx context.Context, rule models.OptimizationRule, report *Report) (bool, error) {
	re.mu.RLock()
	prepared, ok := re.preparedQueries[rule.ID]
	re.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("no compiled query for rule %s", rule.ID)
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(report.ToRegoInput()))
	if err != nil {
		return false, fmt.Errorf("eval rule %s: %w", rule.ID, err)
	}
	return len(results) > 0, nil
}
