package red

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhase_Valid(t *testing.T) {
	assert.True(t, PhaseInput.Valid())
	assert.True(t, PhaseMain.Valid())
	assert.True(t, PhaseOutput.Valid())
	assert.False(t, Phase("bogus").Valid())
}

func TestCallbackBody_Succeeded(t *testing.T) {
	assert.True(t, CallbackBody{State: "succeeded"}.Succeeded())
	assert.False(t, CallbackBody{State: "failed"}.Succeeded())
}

func TestValidateCallback_RejectsMissingState(t *testing.T) {
	err := ValidateCallback(&CallbackBody{})
	assert.Error(t, err)
}

func TestValidateCallback_RejectsUnknownState(t *testing.T) {
	err := ValidateCallback(&CallbackBody{State: "running"})
	assert.Error(t, err)
}

func TestValidateCallback_AcceptsSucceededAndFailed(t *testing.T) {
	assert.NoError(t, ValidateCallback(&CallbackBody{State: "succeeded", Executed: true}))
	assert.NoError(t, ValidateCallback(&CallbackBody{State: "failed", Executed: true}))
}
