// Package testing implements the engine's scenario-based test harness. It
// applies a spec against a source/dest pair and evaluates the resulting
// dest (or raised error) against an expected-value fixture. Adapted from
// the teacher's scenario-replay harness, retargeted from runbook
// outcome/step-visit assertions to DSL spec/source/dest/expected-dest
// fixtures.
package testing

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/jperm/pkg/kernel/value"
)

// Scenario declares one fixture: a spec to apply against source/dest, and
// either the dest tree it must produce or the error it must raise. All
// fields but Spec are optional — a nil Source/Dest starts from an empty
// Object per engine.Apply's own defaulting.
type Scenario struct {
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Spec        any    `yaml:"spec" json:"spec"`
	Source      any    `yaml:"source,omitempty" json:"source,omitempty"`
	Dest        any    `yaml:"dest,omitempty" json:"dest,omitempty"`
	Expected    any    `yaml:"expected,omitempty" json:"expected,omitempty"`

	// ExpectError, when non-empty, asserts Apply returns an error whose
	// message contains this substring, instead of asserting Expected.
	ExpectError string `yaml:"expect_error,omitempty" json:"expect_error,omitempty"`
}

// LoadScenario reads and parses a scenario fixture from path.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML and canonicalizes its Value fields so
// Apply sees the same *value.Object/[]any tree shape it would from any
// other caller.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	s.Spec = value.Canonicalize(s.Spec)
	s.Source = value.Canonicalize(s.Source)
	s.Dest = value.Canonicalize(s.Dest)
	s.Expected = value.Canonicalize(s.Expected)
	return &s, nil
}

// RunResult captures one Apply call's outcome for assertion evaluation.
type RunResult struct {
	Dest any
	Err  error
}

// AssertionResult is the result of a single assertion.
type AssertionResult struct {
	Type     string `json:"type"` // dest_equals_expected, expect_error, no_error
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Passed   bool   `json:"passed"`
	Message  string `json:"message,omitempty"`
}

// Evaluate checks a RunResult against a Scenario's expectations.
func Evaluate(scenario *Scenario, run *RunResult) []AssertionResult {
	var results []AssertionResult

	if scenario.ExpectError != "" {
		passed := run.Err != nil && strings.Contains(run.Err.Error(), scenario.ExpectError)
		actual := "<no error>"
		if run.Err != nil {
			actual = run.Err.Error()
		}
		results = append(results, AssertionResult{
			Type:     "expect_error",
			Expected: scenario.ExpectError,
			Actual:   actual,
			Passed:   passed,
			Message:  fmt.Sprintf("expect_error %q: got %q", scenario.ExpectError, actual),
		})
		return results
	}

	if run.Err != nil {
		results = append(results, AssertionResult{
			Type:     "no_error",
			Expected: "<no error>",
			Actual:   run.Err.Error(),
			Passed:   false,
			Message:  fmt.Sprintf("unexpected error: %s", run.Err),
		})
		return results
	}

	if scenario.Expected != nil {
		passed := value.Equal(run.Dest, scenario.Expected)
		wantJSON, _ := value.ToJSON(scenario.Expected)
		gotJSON, _ := value.ToJSON(run.Dest)
		results = append(results, AssertionResult{
			Type:     "dest_equals_expected",
			Expected: string(wantJSON),
			Actual:   string(gotJSON),
			Passed:   passed,
			Message:  fmt.Sprintf("dest: expected %s, got %s", wantJSON, gotJSON),
		})
	}

	return results
}

// HasFailures returns true if any assertion failed.
func HasFailures(results []AssertionResult) bool {
	for _, r := range results {
		if !r.Passed {
			return true
		}
	}
	return false
}
