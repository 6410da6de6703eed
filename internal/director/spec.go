package director

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Spec is a workflow definition loaded from a TOML document:
//
//	name = "release"
//	session = "sess-1"
//
//	[[step]]
//	id = "build"
//	type = "execute"
//	target = "engineering"
//	action = "build"
//	timeout_ms = 5000
//
//	[[step]]
//	id = "verify"
//	type = "verify"
//	depends_on = ["build"]
//	quality_gates = ["code_quality", "security"]
type Spec struct {
	Name    string     `toml:"name"`
	Session string     `toml:"session"`
	Steps   []SpecStep `toml:"step"`
}

// SpecStep mirrors Step with TOML-friendly keys.
type SpecStep struct {
	ID           string         `toml:"id"`
	Type         string         `toml:"type"`
	Target       string         `toml:"target"`
	Action       string         `toml:"action"`
	Params       map[string]any `toml:"params"`
	DependsOn    []string       `toml:"depends_on"`
	QualityGates []string       `toml:"quality_gates"`
	TimeoutMs    int            `toml:"timeout_ms"`
}

// LoadSpec parses a workflow spec file and validates it with the same
// rules CreateWorkflow applies.
func LoadSpec(path string) (*Spec, error) {
	var spec Spec
	if _, err := toml.DecodeFile(path, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse workflow spec %s: %w", path, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate checks the spec's header and steps.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: spec name required", ErrInvalidWorkflow)
	}
	if s.Session == "" {
		return fmt.Errorf("%w: spec session required", ErrInvalidWorkflow)
	}
	return validateSteps(normalizeSteps(s.ToSteps()))
}

// ToSteps converts the TOML form into workflow steps.
func (s *Spec) ToSteps() []Step {
	out := make([]Step, len(s.Steps))
	for i, st := range s.Steps {
		out[i] = Step{
			ID:           st.ID,
			Type:         StepType(st.Type),
			Target:       st.Target,
			Action:       st.Action,
			Params:       st.Params,
			DependsOn:    st.DependsOn,
			QualityGates: st.QualityGates,
			TimeoutMs:    st.TimeoutMs,
		}
	}
	return out
}
