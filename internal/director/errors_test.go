package director

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrchErr_TraitsByCode(t *testing.T) {
	cases := []struct {
		code      ErrorCode
		severity  string
		retryable bool
	}{
		{CodeMaxSessionsExceeded, SeverityWarning, true},
		{CodeWorkflowNotFound, SeverityError, false},
		{CodeStepHandlerNotFound, SeverityCritical, false},
		{CodeDependencyNotMet, SeverityError, true},
		{CodeInvalidState, SeverityError, false},
		{CodeRollbackDisabled, SeverityError, false},
		{CodeStepTimeout, SeverityWarning, true},
		{CodeStepFailed, SeverityError, true},
		{CodeGateFailed, SeverityError, true},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			err := orchErr(tc.code, "boom")
			assert.Equal(t, tc.severity, err.Severity)
			assert.Equal(t, tc.retryable, err.Retryable)
			assert.Equal(t, string(tc.code)+": boom", err.Error())
		})
	}
}

func TestTerminal_StripsRetryability(t *testing.T) {
	err := terminal(orchErr(CodeGateFailed, "security gate"))
	assert.False(t, err.Retryable)
	assert.False(t, retryable(err))
}

func TestCodeOf_UnwrapsChain(t *testing.T) {
	inner := orchErr(CodeDependencyNotMet, "step b not passed")
	wrapped := fmt.Errorf("failed to run step: %w", inner)

	assert.Equal(t, CodeDependencyNotMet, CodeOf(wrapped))
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
}

func TestRetryable_DefaultsTrueForUnclassified(t *testing.T) {
	assert.True(t, retryable(errors.New("transient io error")))
	assert.True(t, retryable(fmt.Errorf("wrap: %w", orchErr(CodeStepTimeout, "late"))))
	assert.False(t, retryable(orchErr(CodeRollbackDisabled, "off")))
}
