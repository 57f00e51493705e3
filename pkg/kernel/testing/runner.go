package testing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ormasoftchile/jperm/pkg/kernel/engine"
)

// TestResult is the result of running one scenario.
type TestResult struct {
	Name       string            `json:"name"`
	Status     string            `json:"status"` // passed, failed, error
	DurationMs int64             `json:"duration_ms"`
	Assertions []AssertionResult `json:"assertions,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// TestSummary aggregates counts across scenarios.
type TestSummary struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
	Errors int `json:"errors"`
}

// TestOutput is the top-level output of a test run.
type TestOutput struct {
	Scenarios []TestResult `json:"scenarios"`
	Summary   TestSummary  `json:"summary"`
}

// Runner applies scenario fixtures against an Engine.
type Runner struct {
	Engine   *engine.Engine
	Timeout  time.Duration
	FailFast bool
}

// ScenarioInfo describes a discovered scenario file.
type ScenarioInfo struct {
	Name string
	Path string
}

// DiscoverScenarios finds scenario fixtures under dir, by the filesystem
// convention dir/<name>/scenario.yaml, mirroring the teacher's
// DiscoverScenarios convention (scenarios/<runbook-name>/<scenario>/
// scenario.yaml) minus the runbook-family grouping level, since a spec
// fixture set has no enclosing "runbook" document to group scenarios by.
func DiscoverScenarios(dir string) ([]ScenarioInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read scenarios dir: %w", err)
	}

	var scenarios []ScenarioInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		scenarioFile := filepath.Join(dir, entry.Name(), "scenario.yaml")
		if _, err := os.Stat(scenarioFile); err == nil {
			scenarios = append(scenarios, ScenarioInfo{
				Name: entry.Name(),
				Path: scenarioFile,
			})
		}
	}
	return scenarios, nil
}

// RunAll discovers and runs every scenario under dir.
func (r *Runner) RunAll(dir string) (*TestOutput, error) {
	scenarios, err := DiscoverScenarios(dir)
	if err != nil {
		return nil, err
	}

	output := &TestOutput{}
	for _, si := range scenarios {
		result := r.runScenario(si)
		output.Scenarios = append(output.Scenarios, result)

		switch result.Status {
		case "passed":
			output.Summary.Passed++
		case "failed":
			output.Summary.Failed++
		case "error":
			output.Summary.Errors++
		}
		output.Summary.Total++

		if r.FailFast && result.Status != "passed" {
			break
		}
	}
	return output, nil
}

// RunScenario runs a single named scenario under dir.
func (r *Runner) RunScenario(dir, name string) (*TestResult, error) {
	si := ScenarioInfo{Name: name, Path: filepath.Join(dir, name, "scenario.yaml")}
	result := r.runScenario(si)
	return &result, nil
}

// runScenario loads and applies one scenario, racing a timeout the same
// way the teacher's runner races engine.Run against a goroutine+select.
func (r *Runner) runScenario(si ScenarioInfo) TestResult {
	start := time.Now()

	scenario, err := LoadScenario(si.Path)
	if err != nil {
		return TestResult{
			Name:       si.Name,
			Status:     "error",
			DurationMs: time.Since(start).Milliseconds(),
			Error:      fmt.Sprintf("load scenario: %s", err),
		}
	}

	ctx := context.Background()
	run := RunResult{}

	if r.Timeout > 0 {
		done := make(chan struct{})
		go func() {
			run.Dest, run.Err = r.Engine.Apply(ctx, scenario.Spec, scenario.Source, scenario.Dest)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(r.Timeout):
			return TestResult{
				Name:       si.Name,
				Status:     "error",
				DurationMs: time.Since(start).Milliseconds(),
				Error:      "timeout",
			}
		}
	} else {
		run.Dest, run.Err = r.Engine.Apply(ctx, scenario.Spec, scenario.Source, scenario.Dest)
	}

	assertions := Evaluate(scenario, &run)
	status := "passed"
	if HasFailures(assertions) {
		status = "failed"
	}

	return TestResult{
		Name:       si.Name,
		Status:     status,
		DurationMs: time.Since(start).Milliseconds(),
		Assertions: assertions,
	}
}
