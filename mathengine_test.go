package picolog

import (
	"math"
	"testing"
)

func TestMathEngineIsolatesFailures(t *testing.T) {
	engine := NewMathEngine()
	if err := engine.AddFormula(MathChannelConfig{Name: "ok", Formula: "A+B", Enabled: true}); err != nil {
		t.Fatalf("AddFormula(ok) failed: %v", err)
	}
	if err := engine.AddFormula(MathChannelConfig{Name: "bad", Formula: "A/0", Enabled: true}); err != nil {
		t.Fatalf("AddFormula(bad) failed: %v", err)
	}

	results := engine.Evaluate(map[string]float64{"A": 1.0, "B": 2.0})
	if got := results["ok"]; got != 3.0 {
		t.Errorf("results[ok] = %v, want 3.0", got)
	}
	if got := results["bad"]; !math.IsNaN(got) {
		t.Errorf("results[bad] = %v, want NaN", got)
	}
}

func TestMathEngineValidationLeavesSetUnchanged(t *testing.T) {
	engine := NewMathEngine()
	if err := engine.AddFormula(MathChannelConfig{Name: "good", Formula: "A*2", Enabled: true}); err != nil {
		t.Fatalf("AddFormula(good) failed: %v", err)
	}

	bad := []string{"import os", "(A+B", ""}
	for _, formula := range bad {
		err := engine.AddFormula(MathChannelConfig{Name: "new", Formula: formula, Enabled: true})
		if err == nil {
			t.Errorf("AddFormula(%q) should have failed", formula)
		}
	}

	names := engine.Names()
	if len(names) != 1 || names[0] != "good" {
		t.Errorf("Names() = %v, want [good] after failed registrations", names)
	}
	results := engine.Evaluate(map[string]float64{"A": 2.0})
	if got := results["good"]; got != 4.0 {
		t.Errorf("results[good] = %v, want 4.0", got)
	}
}

func TestMathEngineOrderAndRemove(t *testing.T) {
	engine := NewMathEngine()
	for _, name := range []string{"first", "second", "third"} {
		if err := engine.AddFormula(MathChannelConfig{Name: name, Formula: "A", Enabled: true}); err != nil {
			t.Fatalf("AddFormula(%s) failed: %v", name, err)
		}
	}

	// Re-registering keeps the original position.
	if err := engine.AddFormula(MathChannelConfig{Name: "second", Formula: "A*10", Enabled: true}); err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
	names := engine.Names()
	want := []string{"first", "second", "third"}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("Names() = %v, want %v", names, want)
		}
	}
	results := engine.Evaluate(map[string]float64{"A": 3.0})
	if results["second"] != 30.0 {
		t.Errorf("results[second] = %v, want 30.0 after re-register", results["second"])
	}

	engine.RemoveFormula("second")
	engine.RemoveFormula("never existed") // no-op
	names = engine.Names()
	if len(names) != 2 || names[0] != "first" || names[1] != "third" {
		t.Errorf("Names() after remove = %v, want [first third]", names)
	}
}

func TestMathEngineDisabledChannelsSkipped(t *testing.T) {
	engine := NewMathEngine()
	if err := engine.AddFormula(MathChannelConfig{Name: "on", Formula: "A", Enabled: true}); err != nil {
		t.Fatalf("AddFormula failed: %v", err)
	}
	if err := engine.AddFormula(MathChannelConfig{Name: "off", Formula: "A", Enabled: false}); err != nil {
		t.Fatalf("AddFormula failed: %v", err)
	}
	results := engine.Evaluate(map[string]float64{"A": 1.0})
	if _, present := results["off"]; present {
		t.Errorf("disabled channel should not be evaluated")
	}
	if len(engine.Names()) != 1 {
		t.Errorf("Names() should contain only enabled channels, got %v", engine.Names())
	}
}

func TestMathEngineClearHistory(t *testing.T) {
	engine := NewMathEngine()
	if err := engine.AddFormula(MathChannelConfig{Name: "m", Formula: "avg(A)", Enabled: true}); err != nil {
		t.Fatalf("AddFormula failed: %v", err)
	}
	engine.Evaluate(map[string]float64{"A": 100.0})
	engine.Evaluate(map[string]float64{"A": 200.0})
	engine.ClearHistory()

	// After a clear, the average restarts from the next sample alone.
	results := engine.Evaluate(map[string]float64{"A": 7.0})
	if results["m"] != 7.0 {
		t.Errorf("avg after ClearHistory = %v, want 7.0", results["m"])
	}
}

func TestMathChannelTitle(t *testing.T) {
	mc := MathChannelConfig{Name: "sum", Formula: "A+B"}
	if mc.Title() != "sum" {
		t.Errorf("Title() = %q, want name when label empty", mc.Title())
	}
	mc.Label = "Sum of inputs"
	if mc.Title() != "Sum of inputs" {
		t.Errorf("Title() = %q, want label when set", mc.Title())
	}
}
