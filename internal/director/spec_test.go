package director

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSpec(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validSpec = `
name = "release"
session = "sess-1"

[[step]]
id = "build"
type = "execute"
target = "engineering"
action = "build"
timeout_ms = 5000

[step.params]
description = "compile artifacts"
lintErrors = 0

[[step]]
id = "save"
type = "checkpoint"

[[step]]
id = "verify"
type = "verify"
depends_on = ["build"]
quality_gates = ["code_quality", "security"]
`

func TestLoadSpec_ParsesWorkflow(t *testing.T) {
	spec, err := LoadSpec(writeSpec(t, validSpec))
	require.NoError(t, err)

	assert.Equal(t, "release", spec.Name)
	assert.Equal(t, "sess-1", spec.Session)
	require.Len(t, spec.Steps, 3)

	steps := spec.ToSteps()
	assert.Equal(t, StepExecute, steps[0].Type)
	assert.Equal(t, "engineering", steps[0].Target)
	assert.Equal(t, 5000, steps[0].TimeoutMs)
	assert.Equal(t, "compile artifacts", steps[0].Params["description"])
	assert.Equal(t, int64(0), steps[0].Params["lintErrors"])
	assert.Equal(t, StepCheckpoint, steps[1].Type)
	assert.Equal(t, []string{"build"}, steps[2].DependsOn)
	assert.Equal(t, []string{"code_quality", "security"}, steps[2].QualityGates)
}

func TestLoadSpec_AllowsMissingStepIDs(t *testing.T) {
	spec, err := LoadSpec(writeSpec(t, `
name = "minimal"
session = "sess-1"

[[step]]
type = "checkpoint"
`))
	require.NoError(t, err)
	assert.Empty(t, spec.Steps[0].ID)
}

func TestLoadSpec_RejectsForwardDependency(t *testing.T) {
	_, err := LoadSpec(writeSpec(t, `
name = "tangled"
session = "sess-1"

[[step]]
id = "first"
type = "execute"
target = "engineering"
action = "build"
depends_on = ["second"]

[[step]]
id = "second"
type = "checkpoint"
`))
	assert.ErrorIs(t, err, ErrInvalidWorkflow)
}

func TestLoadSpec_RejectsUnknownStepType(t *testing.T) {
	_, err := LoadSpec(writeSpec(t, `
name = "odd"
session = "sess-1"

[[step]]
id = "a"
type = "teleport"
`))
	assert.ErrorIs(t, err, ErrInvalidWorkflow)
}

func TestLoadSpec_RequiresHeader(t *testing.T) {
	_, err := LoadSpec(writeSpec(t, `
session = "sess-1"

[[step]]
id = "a"
type = "checkpoint"
`))
	assert.ErrorIs(t, err, ErrInvalidWorkflow)

	_, err = LoadSpec(writeSpec(t, `
name = "unanchored"

[[step]]
id = "a"
type = "checkpoint"
`))
	assert.ErrorIs(t, err, ErrInvalidWorkflow)
}

func TestLoadSpec_MissingFile(t *testing.T) {
	_, err := LoadSpec(filepath.Join(t.TempDir(), "absent.toml"))
	assert.ErrorContains(t, err, "failed to parse workflow spec")
}

func TestLoadSpec_RoundTripsThroughDirector(t *testing.T) {
	h := newHarness(t, testDirectorConfig())

	spec, err := LoadSpec(writeSpec(t, fmt.Sprintf(`
name = "from-file"
session = %q

[[step]]
id = "save"
type = "checkpoint"
`, h.session.ID)))
	require.NoError(t, err)

	wf, err := h.director.CreateWorkflow(context.Background(), spec.Session, spec.Name, spec.ToSteps())
	require.NoError(t, err)

	done := h.awaitTerminal(wf.ID)
	assert.Equal(t, WorkflowCompleted, done.Status)
	assert.NotEmpty(t, done.Metadata["checkpoint:save"])
}
