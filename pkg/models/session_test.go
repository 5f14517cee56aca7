package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jeffjacobsen/crystal/pkg/models"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to models.Status
		ok       bool
	}{
		{models.StatusInitializing, models.StatusRunning, true},
		{models.StatusInitializing, models.StatusError, true},
		{models.StatusInitializing, models.StatusWaiting, false},
		{models.StatusRunning, models.StatusWaiting, true},
		{models.StatusRunning, models.StatusCompleted, true},
		{models.StatusRunning, models.StatusStopped, true},
		{models.StatusRunning, models.StatusInitializing, false},
		{models.StatusWaiting, models.StatusRunning, true},
		{models.StatusWaiting, models.StatusCompleted, true},
		{models.StatusCompleted, models.StatusInitializing, true},
		{models.StatusCompleted, models.StatusRunning, false},
		{models.StatusCompletedUnviewed, models.StatusCompleted, true},
		{models.StatusStopped, models.StatusInitializing, true},
		{models.StatusStopped, models.StatusRunning, false},
		{models.StatusError, models.StatusInitializing, true},
		{models.StatusRunning, models.StatusRunning, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, models.StatusInitializing.Terminal())
	assert.False(t, models.StatusRunning.Terminal())
	assert.False(t, models.StatusWaiting.Terminal())
	assert.True(t, models.StatusCompleted.Terminal())
	assert.True(t, models.StatusCompletedUnviewed.Terminal())
	assert.True(t, models.StatusError.Terminal())
	assert.True(t, models.StatusStopped.Terminal())
}
