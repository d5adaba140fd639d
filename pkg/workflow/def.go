package workflow

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/clerkwell/docket/pkg/casefile"
	"github.com/clerkwell/docket/pkg/workflow/guard"
)

// Stage is one sequential review step owned by exactly one agent.
type Stage struct {
	ID    string `yaml:"id" json:"id"`
	Agent string `yaml:"agent" json:"agent"`
	// When is an optional CEL guard; false skips the stage.
	When string `yaml:"when,omitempty" json:"when,omitempty"`
	// MaxAdjustments overrides the engine-wide adjustment bound.
	MaxAdjustments int `yaml:"max_adjustments,omitempty" json:"max_adjustments,omitempty"`
}

// Definition is an ordered list of stages. It is immutable once a case
// starts: the repository persists a snapshot at creation and the engine
// only ever reads that snapshot back.
type Definition struct {
	Name   string  `yaml:"name" json:"name"`
	Stages []Stage `yaml:"stages" json:"stages"`

	guards map[string]*guard.Guard
}

// ParseDefinition parses and validates a YAML workflow definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var d Definition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("workflow: parse definition: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// LoadDefinition reads a workflow definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflow: read definition: %w", err)
	}
	return ParseDefinition(data)
}

// Validate checks structural rules and compiles all guards.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow: definition has no name")
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("workflow: definition %q has no stages", d.Name)
	}
	seen := make(map[string]bool, len(d.Stages))
	d.guards = make(map[string]*guard.Guard)
	for _, s := range d.Stages {
		if s.ID == "" {
			return fmt.Errorf("workflow: definition %q has a stage without id", d.Name)
		}
		if s.Agent == "" {
			return fmt.Errorf("workflow: stage %q has no responsible agent", s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("workflow: duplicate stage id %q", s.ID)
		}
		seen[s.ID] = true
		if s.When != "" {
			g, err := guard.Compile(s.When)
			if err != nil {
				return fmt.Errorf("workflow: stage %q: %w", s.ID, err)
			}
			d.guards[s.ID] = g
		}
	}
	return nil
}

// Guard returns the compiled guard for a stage, or nil.
func (d *Definition) Guard(stageID string) *guard.Guard {
	return d.guards[stageID]
}

// Record builds the persistable workflow snapshot for a new case.
func (d *Definition) Record(caseCtx map[string]interface{}) (casefile.WorkflowRecord, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return casefile.WorkflowRecord{}, fmt.Errorf("workflow: snapshot definition: %w", err)
	}
	stages := make([]casefile.StageRef, len(d.Stages))
	for i, s := range d.Stages {
		stages[i] = casefile.StageRef{ID: s.ID, Agent: s.Agent}
	}
	return casefile.WorkflowRecord{
		Name:    d.Name,
		Stages:  stages,
		Context: caseCtx,
		Raw:     raw,
	}, nil
}

// DefinitionFromRecord restores the definition snapshotted at case
// creation, recompiling guards.
func DefinitionFromRecord(rec *casefile.WorkflowRecord) (*Definition, error) {
	var d Definition
	if len(rec.Raw) > 0 {
		if err := json.Unmarshal(rec.Raw, &d); err != nil {
			return nil, fmt.Errorf("workflow: restore definition: %w", err)
		}
	} else {
		// Older snapshots carry only the stage list.
		d.Name = rec.Name
		for _, s := range rec.Stages {
			d.Stages = append(d.Stages, Stage{ID: s.ID, Agent: s.Agent})
		}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}
