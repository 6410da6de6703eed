package department

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidators_PassAndFail(t *testing.T) {
	tests := []struct {
		name       string
		criterion  string
		params     map[string]any
		wantPassed bool
		wantDetail string
	}{
		{"format clean", "format", nil, true, "formatting clean"},
		{"format issues", "format", map[string]any{"formatIssues": 2}, false, "2 formatting issues"},
		{"lint clean", "lint", nil, true, "lint clean"},
		{"lint errors", "lint", map[string]any{"lintErrors": 5}, false, "5 lint errors"},
		{"tests passing", "tests", nil, true, "all tests passing"},
		{"tests failing", "tests", map[string]any{"testFailures": 1}, false, "1 failing tests"},
		{"security clean", "security", nil, true, "no known vulnerabilities"},
		{"security findings", "security", map[string]any{"vulnerabilities": 3}, false, "3 vulnerabilities found"},
		{"json numbers accepted", "lint", map[string]any{"lintErrors": float64(4)}, false, "4 lint errors"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := NewTask("build", "")
			task.Params = tt.params
			r := validators[tt.criterion](task)
			assert.Equal(t, tt.criterion, r.Name)
			assert.Equal(t, tt.wantPassed, r.Passed)
			assert.Equal(t, tt.wantDetail, r.Detail)
		})
	}
}

func TestRunValidators_AllDeclaredCriteriaRun(t *testing.T) {
	task := NewTask("build", "")
	task.Params = map[string]any{"lintErrors": 1}
	task.QualityCriteria = []string{"format", "lint", "tests"}

	results, passed := runValidators(task)
	assert.False(t, passed)
	assert.Len(t, results, 3)
	assert.True(t, results[0].Passed)
	assert.False(t, results[1].Passed)
	assert.True(t, results[2].Passed)
}

func TestRunValidators_UnknownCriterionFailsClosed(t *testing.T) {
	task := NewTask("build", "")
	task.QualityCriteria = []string{"chaos"}

	results, passed := runValidators(task)
	assert.False(t, passed)
	assert.Len(t, results, 1)
	assert.Equal(t, "no validator registered", results[0].Detail)
}

func TestRunValidators_NoCriteriaPasses(t *testing.T) {
	task := NewTask("build", "")

	results, passed := runValidators(task)
	assert.True(t, passed)
	assert.Empty(t, results)
}
