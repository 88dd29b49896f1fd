package errkind

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryable_TransportAndNodeLostRetryByDefault(t *testing.T) {
	assert.True(t, New(Transport, "dial failed").Retryable())
	assert.True(t, New(NodeLost, "node unreachable").Retryable())
}

func TestRetryable_ValidationAndAuthNeverRetry(t *testing.T) {
	assert.False(t, New(Validation, "bad input").Retryable())
	assert.False(t, New(Auth, "bad credentials").Retryable())
}

func TestRetryable_SecretFailureAndAgentErrorHonorDisableRetryHint(t *testing.T) {
	e := New(SecretFailure, "trustee unreachable")
	assert.True(t, e.Retryable())

	e.DisableRetry = true
	assert.False(t, e.Retryable())
}

func TestRetryable_DisableRetryOverridesEveryKind(t *testing.T) {
	e := New(Transport, "dial failed")
	e.DisableRetry = true
	assert.False(t, e.Retryable())
}

func TestWrap_UnwrapsToCause(t *testing.T) {
	cause := errors.New("connection refused")
	wrapped := Wrap(Transport, "dialing node", cause)

	assert.ErrorIs(t, wrapped, cause)
	assert.Contains(t, wrapped.Error(), "connection refused")
}

func TestWithDebug_AppendsAndReturnsSameError(t *testing.T) {
	e := New(Internal, "unexpected state")
	same := e.WithDebug("step=1", "step=2")

	assert.Same(t, e, same)
	assert.Equal(t, []string{"step=1", "step=2"}, e.DebugInfo)
}
