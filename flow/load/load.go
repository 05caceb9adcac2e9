// Package load parses YAML workflow definitions into flow.Definition
// values. Parsing and structural validation happen together, so a
// definition that loads is ready to run.
package load

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tokenflow/tokenflow-go/flow"
)

// definitionYAML mirrors the on-disk document structure.
type definitionYAML struct {
	Workflow struct {
		ID          string           `yaml:"id"`
		Version     string           `yaml:"version"`
		InitialNode string           `yaml:"initial_node"`
		Schemas     schemasYAML      `yaml:"schemas,omitempty"`
		Nodes       []nodeYAML       `yaml:"nodes"`
		Transitions []transitionYAML `yaml:"transitions"`
	} `yaml:"workflow"`
}

type schemasYAML struct {
	Input  string `yaml:"input,omitempty"`
	State  string `yaml:"state,omitempty"`
	Output string `yaml:"output,omitempty"`
}

type nodeYAML struct {
	ID            string            `yaml:"id"`
	ActionID      string            `yaml:"action_id"`
	ActionKind    string            `yaml:"action_kind"`
	Terminal      bool              `yaml:"terminal,omitempty"`
	InputMapping  map[string]string `yaml:"input_mapping,omitempty"`
	OutputMapping map[string]string `yaml:"output_mapping,omitempty"`
}

type transitionYAML struct {
	ID           string    `yaml:"id"`
	From         string    `yaml:"from"`
	To           string    `yaml:"to"`
	Priority     int       `yaml:"priority,omitempty"`
	Condition    string    `yaml:"condition,omitempty"`
	NonExclusive bool      `yaml:"non_exclusive,omitempty"`
	OnFailure    bool      `yaml:"on_failure,omitempty"`
	SpawnCount   int       `yaml:"spawn_count,omitempty"`
	Foreach      string    `yaml:"foreach,omitempty"`
	Sync         *syncYAML `yaml:"sync,omitempty"`
}

type syncYAML struct {
	Strategy     string     `yaml:"strategy"`
	Threshold    int        `yaml:"threshold,omitempty"`
	SiblingGroup string     `yaml:"sibling_group"`
	TimeoutMS    int        `yaml:"timeout_ms,omitempty"`
	OnTimeout    string     `yaml:"on_timeout,omitempty"`
	Merge        *mergeYAML `yaml:"merge,omitempty"`
}

type mergeYAML struct {
	SourcePath string `yaml:"source_path"`
	TargetPath string `yaml:"target_path"`
	Strategy   string `yaml:"strategy"`
}

// FromFile loads and validates a workflow definition from a YAML file.
func FromFile(path string) (*flow.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}
	return FromBytes(data)
}

// FromBytes loads and validates a workflow definition from YAML text.
// The returned definition has passed flow.Definition.Validate.
func FromBytes(data []byte) (*flow.Definition, error) {
	var doc definitionYAML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse definition YAML: %w", err)
	}

	wf := doc.Workflow
	def := &flow.Definition{
		ID:            wf.ID,
		Version:       wf.Version,
		InitialNodeID: wf.InitialNode,
		InputSchema:   wf.Schemas.Input,
		StateSchema:   wf.Schemas.State,
		OutputSchema:  wf.Schemas.Output,
		Nodes:         make([]flow.NodeDef, len(wf.Nodes)),
		Transitions:   make([]flow.Transition, len(wf.Transitions)),
	}

	for i, n := range wf.Nodes {
		def.Nodes[i] = flow.NodeDef{
			ID:            n.ID,
			ActionID:      n.ActionID,
			ActionKind:    n.ActionKind,
			Terminal:      n.Terminal,
			InputMapping:  mappings(n.InputMapping),
			OutputMapping: mappings(n.OutputMapping),
		}
	}

	for i, t := range wf.Transitions {
		tr := flow.Transition{
			ID:           t.ID,
			From:         t.From,
			To:           t.To,
			Priority:     t.Priority,
			Condition:    t.Condition,
			NonExclusive: t.NonExclusive,
			OnFailure:    t.OnFailure,
			SpawnCount:   t.SpawnCount,
			Foreach:      t.Foreach,
		}
		if t.Sync != nil {
			tr.Sync = &flow.SyncSpec{
				Strategy:     flow.SyncStrategy(t.Sync.Strategy),
				Threshold:    t.Sync.Threshold,
				SiblingGroup: t.Sync.SiblingGroup,
				TimeoutMS:    t.Sync.TimeoutMS,
				OnTimeout:    flow.TimeoutPolicy(t.Sync.OnTimeout),
			}
			if t.Sync.Merge != nil {
				tr.Sync.Merge = &flow.MergeSpec{
					SourcePath: t.Sync.Merge.SourcePath,
					TargetPath: t.Sync.Merge.TargetPath,
					Strategy:   flow.MergeStrategy(t.Sync.Merge.Strategy),
				}
			}
		}
		def.Transitions[i] = tr
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// mappings converts a from->to map into the definition's mapping list,
// sorted by source path so load order is deterministic.
func mappings(m map[string]string) []flow.Mapping {
	if len(m) == 0 {
		return nil
	}
	out := make([]flow.Mapping, 0, len(m))
	for from, to := range m {
		out = append(out, flow.Mapping{From: from, To: to})
	}
	sortMappings(out)
	return out
}

func sortMappings(ms []flow.Mapping) {
	for i := 1; i < len(ms); i++ {
		for j := i; j > 0 && ms[j].From < ms[j-1].From; j-- {
			ms[j], ms[j-1] = ms[j-1], ms[j]
		}
	}
}
