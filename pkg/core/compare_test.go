package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResultStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status ResultStatus
		want   bool
	}{
		{ResultStatusPending, false},
		{ResultStatusRunning, false},
		{ResultStatusCompleted, true},
		{ResultStatusCanceled, true},
		{ResultStatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.IsTerminal())
		})
	}
}

func TestRunStatus_IsTerminal(t *testing.T) {
	assert.False(t, RunStatusRunning.IsTerminal())
	assert.True(t, RunStatusCompleted.IsTerminal())
	assert.True(t, RunStatusCanceled.IsTerminal())
	assert.True(t, RunStatusFailed.IsTerminal())
}
