package config

import (
	"strings"
	"testing"
)

func minimalFactory(stages ...Stage) *Factory {
	return &Factory{
		Name:   "test-factory",
		Agents: map[string]string{"default": "claude"},
		Stages: stages,
	}
}

func customStage(id string, deps ...string) Stage {
	return Stage{ID: id, Type: StageTypeCustom, Command: "true", DependsOn: deps}
}

func TestValidateRequiresName(t *testing.T) {
	f := minimalFactory(customStage("a"))
	f.Name = ""
	if _, err := Validate(f); err == nil {
		t.Fatal("expected error for missing name")
	}
}

func TestValidateRequiresStages(t *testing.T) {
	f := minimalFactory()
	_, err := Validate(f)
	if err == nil || !contains(err.Error(), "at least one stage") {
		t.Fatalf("expected 'at least one stage' error, got %v", err)
	}
}

func TestValidateRequiresDefaultAgent(t *testing.T) {
	f := minimalFactory(customStage("a"))
	f.Agents = nil
	_, err := Validate(f)
	if err == nil || !contains(err.Error(), "agents.default") {
		t.Fatalf("expected agents.default error, got %v", err)
	}
}

func TestValidateDuplicateStageID(t *testing.T) {
	f := minimalFactory(customStage("a"), customStage("a"))
	_, err := Validate(f)
	if err == nil || !contains(err.Error(), "duplicate stage id") {
		t.Fatalf("expected duplicate stage id error, got %v", err)
	}
}

func TestValidateUnknownDependsOn(t *testing.T) {
	f := minimalFactory(customStage("a", "ghost"))
	_, err := Validate(f)
	if err == nil || !contains(err.Error(), "unknown stage") {
		t.Fatalf("expected unknown dependency error, got %v", err)
	}
}

func TestValidateSelfDependency(t *testing.T) {
	f := minimalFactory(customStage("a", "a"))
	_, err := Validate(f)
	if err == nil || !contains(err.Error(), "self-dependency") {
		t.Fatalf("expected self-dependency error, got %v", err)
	}
}

func TestValidateCycle(t *testing.T) {
	a := customStage("a", "b")
	b := customStage("b", "a")
	f := minimalFactory(a, b)
	_, err := Validate(f)
	if err == nil || !contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestValidateLoopToMustPrecede(t *testing.T) {
	a := Stage{ID: "a", Type: StageTypeCustom, Command: "true", LoopTo: "b"}
	b := customStage("b")
	f := minimalFactory(a, b)
	_, err := Validate(f)
	if err == nil || !contains(err.Error(), "earlier stage") {
		t.Fatalf("expected loop_to ordering error, got %v", err)
	}
}

func TestValidateCustomRequiresCommand(t *testing.T) {
	f := minimalFactory(Stage{ID: "a", Type: StageTypeCustom})
	_, err := Validate(f)
	if err == nil || !contains(err.Error(), "'command' is required") {
		t.Fatalf("expected command required error, got %v", err)
	}
}

func TestValidateFactoryRequiresFactoryName(t *testing.T) {
	f := minimalFactory(Stage{ID: "a", Type: StageTypeFactory})
	_, err := Validate(f)
	if err == nil || !contains(err.Error(), "'factory' is required") {
		t.Fatalf("expected factory required error, got %v", err)
	}
}

func TestValidateDefaultsApplied(t *testing.T) {
	f := minimalFactory(customStage("a"))
	if _, err := Validate(f); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Stages[0].Config.Iterations != 5 {
		t.Errorf("expected default iterations 5, got %d", f.Stages[0].Config.Iterations)
	}
	if f.Stages[0].Config.Parallel != 1 {
		t.Errorf("expected default parallel 1, got %d", f.Stages[0].Config.Parallel)
	}
	if f.Stages[0].MergeStrategy != MergeAny {
		t.Errorf("expected default merge_strategy any, got %q", f.Stages[0].MergeStrategy)
	}
}

func TestValidateUnknownMergeStrategy(t *testing.T) {
	s := customStage("a")
	s.MergeStrategy = "bogus"
	f := minimalFactory(s)
	_, err := Validate(f)
	if err == nil || !contains(err.Error(), "merge_strategy") {
		t.Fatalf("expected merge_strategy error, got %v", err)
	}
}

func TestValidateUnknownSchemaVersionWarns(t *testing.T) {
	f := minimalFactory(customStage("a"))
	f.SchemaVersion = "9"
	warnings, err := Validate(f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected one warning, got %v", warnings)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
