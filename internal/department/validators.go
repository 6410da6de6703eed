package department

import "fmt"

// Validators judge finished work against a declared quality criterion. The
// evidence they examine rides on the task params, so outcomes are
// deterministic for a given task.
var validators = map[string]func(*Task) ValidatorResult{
	"format":   validateFormat,
	"lint":     validateLint,
	"tests":    validateTests,
	"security": validateSecurity,
}

func validateFormat(t *Task) ValidatorResult {
	if n := intParam(t.Params, "formatIssues"); n > 0 {
		return ValidatorResult{Name: "format", Detail: fmt.Sprintf("%d formatting issues", n)}
	}
	return ValidatorResult{Name: "format", Passed: true, Detail: "formatting clean"}
}

func validateLint(t *Task) ValidatorResult {
	if n := intParam(t.Params, "lintErrors"); n > 0 {
		return ValidatorResult{Name: "lint", Detail: fmt.Sprintf("%d lint errors", n)}
	}
	return ValidatorResult{Name: "lint", Passed: true, Detail: "lint clean"}
}

func validateTests(t *Task) ValidatorResult {
	if n := intParam(t.Params, "testFailures"); n > 0 {
		return ValidatorResult{Name: "tests", Detail: fmt.Sprintf("%d failing tests", n)}
	}
	return ValidatorResult{Name: "tests", Passed: true, Detail: "all tests passing"}
}

func validateSecurity(t *Task) ValidatorResult {
	if n := intParam(t.Params, "vulnerabilities"); n > 0 {
		return ValidatorResult{Name: "security", Detail: fmt.Sprintf("%d vulnerabilities found", n)}
	}
	return ValidatorResult{Name: "security", Passed: true, Detail: "no known vulnerabilities"}
}

// runValidators evaluates every declared criterion. A criterion nothing can
// judge counts as a failure rather than a silent pass.
func runValidators(t *Task) (results []ValidatorResult, allPassed bool) {
	allPassed = true
	for _, name := range t.QualityCriteria {
		v, ok := validators[name]
		if !ok {
			results = append(results, ValidatorResult{Name: name, Detail: "no validator registered"})
			allPassed = false
			continue
		}
		r := v(t)
		results = append(results, r)
		if !r.Passed {
			allPassed = false
		}
	}
	return results, allPassed
}
