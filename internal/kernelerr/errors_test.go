package kernelerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvalidStateErrorMatchesSentinel(t *testing.T) {
	err := NewInvalidState("CreateCheckpoint", "Paused", "Running")
	assert.True(t, errors.Is(err, ErrInvalidState))

	var ise *InvalidStateError
	require.True(t, errors.As(err, &ise))
	assert.Equal(t, "Paused", ise.Current)
	assert.Contains(t, ise.Want, "Running")
}

func TestWrapStorageMatchesSentinel(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapStorage("SavePage", cause)
	assert.True(t, errors.Is(err, ErrStorage))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWrapStorageNilIsNil(t *testing.T) {
	assert.NoError(t, WrapStorage("SavePage", nil))
}

func TestSecurityViolationExtraction(t *testing.T) {
	var err error = &SecurityViolation{Kind: "SystemCall", Severity: SeverityCritical, Pid: "a1", Detail: "execve"}
	assert.True(t, IsSecurityViolation(err))

	v, ok := AsSecurityViolation(err)
	require.True(t, ok)
	assert.Equal(t, SeverityCritical, v.Severity)
}

func TestIsSecurityViolationFalseForOtherErrors(t *testing.T) {
	assert.False(t, IsSecurityViolation(ErrNotFound))
}
