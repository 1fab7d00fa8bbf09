// Package flow loads and validates the static DAG declaration the pipeline
// executes: an ordered list of stages, their tasks, their upstream
// dependencies and their kind. Validation happens entirely at load time so
// the executor never meets a malformed graph.
package flow

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Yash-Kakadiya/salesops-suite/fault"
)

// Kind tells the executor how a stage runs.
type Kind string

const (
	// KindSequential runs the task once on the control goroutine.
	KindSequential Kind = "sequential"

	// KindFanOut partitions the upstream artifact and runs the task once
	// per chunk on the worker pool.
	KindFanOut Kind = "fan-out"

	// KindFanIn reassembles the chunk results of its fan-out upstream.
	KindFanIn Kind = "fan-in"
)

// IsValid checks if the kind is one of the three known values.
func (k Kind) IsValid() bool {
	switch k {
	case KindSequential, KindFanOut, KindFanIn:
		return true
	}
	return false
}

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// RetrySpec overrides the retry budget for one stage.
type RetrySpec struct {
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
}

// Stage is one node of the DAG.
type Stage struct {
	Name      string     `yaml:"name" json:"name"`
	Task      string     `yaml:"task,omitempty" json:"task,omitempty"`
	DependsOn []string   `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Kind      Kind       `yaml:"kind" json:"kind"`
	Timeout   string     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retry     *RetrySpec `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Select names a key of the upstream object artifact to use as this
	// stage's input instead of the whole artifact.
	Select string `yaml:"select,omitempty" json:"select,omitempty"`
	// Limit caps how many elements of an array input reach this stage.
	// Zero means no cap.
	Limit int `yaml:"limit,omitempty" json:"limit,omitempty"`
}

// TimeoutDuration returns the parsed per-stage timeout, or zero when none
// is set. Validate guarantees the string parses.
func (s *Stage) TimeoutDuration() time.Duration {
	if s.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// Definition is the whole declared flow.
type Definition struct {
	ID             string  `yaml:"id" json:"id"`
	Parallelism    int     `yaml:"parallelism,omitempty" json:"parallelism,omitempty"`
	ConfirmActions bool    `yaml:"confirm_actions,omitempty" json:"confirm_actions,omitempty"`
	Stages         []Stage `yaml:"stages" json:"stages"`
}

// Load reads and validates a flow definition file.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow definition %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML flow definition.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fault.SchemaViolation("flow", "invalid YAML: "+err.Error())
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Default returns the built-in pipeline: ingest, detect, a fan-out over
// explanations, the matching fan-in, then actions.
func Default() *Definition {
	return &Definition{
		ID:          "salesops-pipeline",
		Parallelism: 3,
		Stages: []Stage{
			{Name: "ingest", Task: "ingest.load", Kind: KindSequential, Timeout: "30s"},
			{Name: "detect", Task: "detect.anomalies", Kind: KindSequential, DependsOn: []string{"ingest"}, Timeout: "60s"},
			{Name: "explain", Task: "explain.anomaly", Kind: KindFanOut, DependsOn: []string{"detect"}, Timeout: "300s", Select: "top_anomalies", Limit: 5},
			{Name: "merge", Kind: KindFanIn, DependsOn: []string{"explain"}},
			{Name: "act", Task: "act.execute", Kind: KindSequential, DependsOn: []string{"merge"}, Timeout: "120s"},
		},
	}
}

// Report returns the bundled reporting flow: ingest the data and compute
// headline KPIs, no detection or actions.
func Report() *Definition {
	return &Definition{
		ID:          "salesops-report",
		Parallelism: 1,
		Stages: []Stage{
			{Name: "ingest", Task: "ingest.load", Kind: KindSequential, Timeout: "30s"},
			{Name: "kpi", Task: "kpi.compute", Kind: KindSequential, DependsOn: []string{"ingest"}, Timeout: "30s"},
		},
	}
}

// Builtin resolves a named built-in flow definition.
func Builtin(name string) (*Definition, bool) {
	switch name {
	case "", "default", "salesops-pipeline":
		return Default(), true
	case "report", "salesops-report":
		return Report(), true
	}
	return nil, false
}

// Stage returns the stage with the given name.
func (d *Definition) Stage(name string) (*Stage, bool) {
	for i := range d.Stages {
		if d.Stages[i].Name == name {
			return &d.Stages[i], true
		}
	}
	return nil, false
}

// Dependents returns, in declaration order, the stages that list name as an
// upstream.
func (d *Definition) Dependents(name string) []string {
	var out []string
	for i := range d.Stages {
		for _, dep := range d.Stages[i].DependsOn {
			if dep == name {
				out = append(out, d.Stages[i].Name)
				break
			}
		}
	}
	return out
}

// Terminal returns the single stage no other stage depends on. Validate
// guarantees it exists and is unique.
func (d *Definition) Terminal() string {
	for i := range d.Stages {
		if len(d.Dependents(d.Stages[i].Name)) == 0 {
			return d.Stages[i].Name
		}
	}
	return ""
}

// TopologicalOrder returns stage names in dispatch order: a Kahn walk with
// ties broken by declaration order, so runs are deterministic.
func (d *Definition) TopologicalOrder() []string {
	indegree := make(map[string]int, len(d.Stages))
	for i := range d.Stages {
		indegree[d.Stages[i].Name] = len(d.Stages[i].DependsOn)
	}

	order := make([]string, 0, len(d.Stages))
	done := make(map[string]bool, len(d.Stages))
	for len(order) < len(d.Stages) {
		progressed := false
		for i := range d.Stages {
			name := d.Stages[i].Name
			if done[name] || indegree[name] != 0 {
				continue
			}
			order = append(order, name)
			done[name] = true
			for _, dep := range d.Dependents(name) {
				indegree[dep]--
			}
			progressed = true
			break
		}
		if !progressed {
			// Unreachable on a validated definition.
			break
		}
	}
	return order
}

// Validate checks the structural invariants: unique names, known kinds,
// resolvable dependencies, an acyclic graph, exactly one terminal stage
// reachable from every other stage, and properly paired fan-out/fan-in.
func (d *Definition) Validate() error {
	if len(d.Stages) == 0 {
		return fault.SchemaViolation("stages", "at least one stage required")
	}

	byName := make(map[string]*Stage, len(d.Stages))
	for i := range d.Stages {
		s := &d.Stages[i]
		if s.Name == "" {
			return fault.SchemaViolation("name", fmt.Sprintf("stage %d has no name", i))
		}
		if _, dup := byName[s.Name]; dup {
			return fault.SchemaViolation("name", "duplicate stage "+s.Name)
		}
		byName[s.Name] = s

		if !s.Kind.IsValid() {
			return fault.SchemaViolation("kind", fmt.Sprintf("stage %s: unknown value %q", s.Name, s.Kind))
		}
		if s.Kind == KindFanIn {
			if s.Task != "" {
				return fault.SchemaViolation("task", "stage "+s.Name+": fan-in stages aggregate, they do not run a task")
			}
		} else if s.Task == "" {
			return fault.SchemaViolation("task", "stage "+s.Name+": required")
		}
		if s.Timeout != "" {
			if _, err := time.ParseDuration(s.Timeout); err != nil {
				return fault.SchemaViolation("timeout", fmt.Sprintf("stage %s: %v", s.Name, err))
			}
		}
		if s.Retry != nil && s.Retry.MaxAttempts < 0 {
			return fault.SchemaViolation("retry", "stage "+s.Name+": max_attempts must be >= 0")
		}
		if s.Limit < 0 {
			return fault.SchemaViolation("limit", "stage "+s.Name+": must be >= 0")
		}
	}

	for i := range d.Stages {
		s := &d.Stages[i]
		seen := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if dep == s.Name {
				return fault.SchemaViolation("depends_on", "stage "+s.Name+" depends on itself")
			}
			if _, ok := byName[dep]; !ok {
				return fault.SchemaViolation("depends_on", fmt.Sprintf("stage %s: unknown upstream %q", s.Name, dep))
			}
			if seen[dep] {
				return fault.SchemaViolation("depends_on", fmt.Sprintf("stage %s: duplicate upstream %q", s.Name, dep))
			}
			seen[dep] = true
		}
	}

	if err := d.checkAcyclic(); err != nil {
		return err
	}
	if err := d.checkSingleTerminal(); err != nil {
		return err
	}
	return d.checkFanPairs()
}

func (d *Definition) checkAcyclic() error {
	indegree := make(map[string]int, len(d.Stages))
	for i := range d.Stages {
		indegree[d.Stages[i].Name] = len(d.Stages[i].DependsOn)
	}

	queue := make([]string, 0, len(d.Stages))
	for i := range d.Stages {
		if indegree[d.Stages[i].Name] == 0 {
			queue = append(queue, d.Stages[i].Name)
		}
	}

	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range d.Dependents(name) {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(d.Stages) {
		return fault.SchemaViolation("stages", "dependency cycle detected")
	}
	return nil
}

func (d *Definition) checkSingleTerminal() error {
	var terminals []string
	for i := range d.Stages {
		if len(d.Dependents(d.Stages[i].Name)) == 0 {
			terminals = append(terminals, d.Stages[i].Name)
		}
	}
	if len(terminals) != 1 {
		return fault.SchemaViolation("stages", fmt.Sprintf("exactly one terminal stage required, found %d %v", len(terminals), terminals))
	}

	// Every stage must reach the terminal, otherwise a branch is orphaned.
	reachable := map[string]bool{terminals[0]: true}
	stack := []string{terminals[0]}
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		s, _ := d.Stage(name)
		for _, dep := range s.DependsOn {
			if !reachable[dep] {
				reachable[dep] = true
				stack = append(stack, dep)
			}
		}
	}
	for i := range d.Stages {
		if !reachable[d.Stages[i].Name] {
			return fault.SchemaViolation("stages", "stage "+d.Stages[i].Name+" cannot reach the terminal stage")
		}
	}
	return nil
}

// checkFanPairs enforces the pairing the executor relies on: every fan-out
// feeds exactly one stage and that stage is its fan-in; every fan-in
// consumes exactly one upstream and that upstream is a fan-out.
func (d *Definition) checkFanPairs() error {
	for i := range d.Stages {
		s := &d.Stages[i]
		switch s.Kind {
		case KindFanOut:
			deps := d.Dependents(s.Name)
			if len(deps) != 1 {
				return fault.SchemaViolation("kind", fmt.Sprintf("fan-out stage %s must feed exactly one fan-in, feeds %d stages", s.Name, len(deps)))
			}
			down, _ := d.Stage(deps[0])
			if down.Kind != KindFanIn {
				return fault.SchemaViolation("kind", fmt.Sprintf("fan-out stage %s feeds %s which is %s, want fan-in", s.Name, down.Name, down.Kind))
			}
		case KindFanIn:
			if len(s.DependsOn) != 1 {
				return fault.SchemaViolation("depends_on", fmt.Sprintf("fan-in stage %s must consume exactly one fan-out, has %d upstreams", s.Name, len(s.DependsOn)))
			}
			up, _ := d.Stage(s.DependsOn[0])
			if up.Kind != KindFanOut {
				return fault.SchemaViolation("depends_on", fmt.Sprintf("fan-in stage %s consumes %s which is %s, want fan-out", s.Name, up.Name, up.Kind))
			}
		}
	}
	return nil
}
