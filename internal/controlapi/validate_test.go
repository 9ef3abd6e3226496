package controlapi

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateJSONAgentSpecRequiresFields(t *testing.T) {
	rv := NewRequestValidator()
	err := rv.ValidateJSON("agent_spec", []byte(`{"name":"a"}`))
	if err == nil {
		t.Fatalf("expected error for missing required fields")
	}
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected errors.Is to match ErrValidationFailed sentinel")
	}
}

func TestValidateJSONAgentSpecAccepts(t *testing.T) {
	rv := NewRequestValidator()
	body := `{"name":"worker-1","type":"executor","capabilities":[{"type":"http"}],"endpoints":[{"url":"ws://localhost:9000"}]}`
	if err := rv.ValidateJSON("agent_spec", []byte(body)); err != nil {
		t.Fatalf("expected valid agent_spec to pass, got %v", err)
	}
}

func TestValidateJSONTaskSpecEnum(t *testing.T) {
	rv := NewRequestValidator()
	good := `{"type":"noop","priority":"high"}`
	if err := rv.ValidateJSON("task_spec", []byte(good)); err != nil {
		t.Fatalf("expected valid priority to pass, got %v", err)
	}
	bad := `{"type":"noop","priority":"urgent"}`
	if err := rv.ValidateJSON("task_spec", []byte(bad)); err == nil {
		t.Fatalf("expected invalid priority enum value to fail")
	}
}

func TestValidateJSONUnknownSchema(t *testing.T) {
	rv := NewRequestValidator()
	if err := rv.ValidateJSON("nonexistent", []byte(`{}`)); err == nil {
		t.Fatalf("expected error for unregistered schema name")
	}
}

func TestValidateJSONRejectsOversizedPayload(t *testing.T) {
	rv := NewRequestValidator()
	rv.RegisterSchema("tiny", &Schema{MaxSize: 4})
	if err := rv.ValidateJSON("tiny", []byte(`{"a":1}`)); err == nil {
		t.Fatalf("expected oversized payload to be rejected")
	}
}

func TestValidateJSONRejectsMalformedJSON(t *testing.T) {
	rv := NewRequestValidator()
	if err := rv.ValidateJSON("task_spec", []byte(`not json`)); err == nil {
		t.Fatalf("expected malformed JSON to be rejected")
	}
}

func TestValidateJSONWorkflowRequiresTasks(t *testing.T) {
	rv := NewRequestValidator()
	if err := rv.ValidateJSON("workflow", []byte(`{"name":"wf"}`)); err == nil {
		t.Fatalf("expected missing tasks field to fail")
	}
	ok := `{"name":"wf","tasks":[{"type":"noop","priority":"low"}]}`
	if err := rv.ValidateJSON("workflow", []byte(ok)); err != nil {
		t.Fatalf("expected valid workflow to pass, got %v", err)
	}
}

func TestValidateJSONExecutionPlanRequiresTaskIDs(t *testing.T) {
	rv := NewRequestValidator()
	if err := rv.ValidateJSON("execution_plan", []byte(`{"name":"p"}`)); err == nil {
		t.Fatalf("expected missing taskIds field to fail")
	}
	ok := `{"name":"p","taskIds":["11111111-1111-1111-1111-111111111111"]}`
	if err := rv.ValidateJSON("execution_plan", []byte(ok)); err != nil {
		t.Fatalf("expected valid execution_plan to pass, got %v", err)
	}
}

func TestSanitizeStringStripsControlCharsAndCaps(t *testing.T) {
	in := "hello\x00\x01world"
	got := sanitizeString(in)
	if got != "helloworld" {
		t.Fatalf("expected control characters stripped, got %q", got)
	}
	long := sanitizeString(strings.Repeat("a", maxStringLen+50))
	if len(long) != maxStringLen {
		t.Fatalf("expected length capped at %d, got %d", maxStringLen, len(long))
	}
}
