package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition(t *testing.T) {
	valid := []struct{ from, to Status }{
		{StatusCreated, StatusPending},
		{StatusCreated, StatusRunning},
		{StatusCreated, StatusSkipped},
		{StatusCreated, StatusManual},
		{StatusCreated, StatusCanceled},
		{StatusPending, StatusRunning},
		{StatusPending, StatusSkipped},
		{StatusPending, StatusCanceled},
		{StatusRunning, StatusSuccess},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusCanceled},
	}
	for _, tt := range valid {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.NoError(t, Transition(tt.from, tt.to))
		})
	}

	invalid := []struct{ from, to Status }{
		{StatusSuccess, StatusRunning},
		{StatusFailed, StatusPending},
		{StatusSkipped, StatusRunning},
		{StatusCanceled, StatusRunning},
		{StatusManual, StatusRunning},
		{StatusRunning, StatusPending},
		{StatusPending, StatusSuccess},
		{StatusCreated, StatusSuccess},
	}
	for _, tt := range invalid {
		t.Run("reject_"+string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Error(t, Transition(tt.from, tt.to))
		})
	}
}

func TestStatusIsTerminal(t *testing.T) {
	assert.True(t, StatusSuccess.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCanceled.IsTerminal())
	assert.True(t, StatusSkipped.IsTerminal())
	assert.True(t, StatusManual.IsTerminal())
	assert.False(t, StatusCreated.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
}

func TestNewRun(t *testing.T) {
	spec := &Spec{
		Stages: []string{"build", "deploy"},
		Jobs: []JobSpec{
			{Name: "compile", Stage: "build"},
			{Name: "release", Stage: "deploy"},
		},
	}

	run := NewRun(spec, "master", "0123456789abcdef", true, map[string]string{"EXTRA": "1"})
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, StatusCreated, run.Status)
	assert.True(t, run.Protected)
	require.Len(t, run.Jobs, 2)
	assert.Equal(t, "compile", run.Jobs[0].Name)
	assert.Equal(t, run.ID, run.Jobs[0].RunID)
	assert.Equal(t, StatusCreated, run.Jobs[0].Status)
	assert.Equal(t, "01234567", run.ShortSHA())

	assert.NotNil(t, run.Job("release"))
	assert.Nil(t, run.Job("missing"))
}

func TestShortSHA_Short(t *testing.T) {
	run := &Run{SHA: "abc"}
	assert.Equal(t, "abc", run.ShortSHA())

	run = &Run{}
	assert.Equal(t, "", run.ShortSHA())
}

func TestRefProtected(t *testing.T) {
	protected := []string{"master", "release/*"}

	assert.True(t, RefProtected(protected, "master"))
	assert.True(t, RefProtected(protected, "release/1.4"))
	assert.False(t, RefProtected(protected, "feature/x"))
	assert.False(t, RefProtected(nil, "master"))
}
