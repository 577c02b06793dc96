package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New("test error")
	require.NotNil(t, err)
	assert.Equal(t, "test error", err.Error())
}

func TestWrapPreservesSentinel(t *testing.T) {
	wrapped := Wrap(ErrNotFound, "loading schedule abc")

	assert.Contains(t, wrapped.Error(), "loading schedule abc")
	assert.True(t, Is(wrapped, ErrNotFound))
	assert.False(t, Is(wrapped, ErrInvalidSchedule))
}

func TestWrapf(t *testing.T) {
	original := New("original")
	wrapped := Wrapf(original, "attempt %d", 3)

	assert.Contains(t, wrapped.Error(), "attempt 3")
	assert.True(t, Is(wrapped, original))
}

func TestSentinelsAreDistinct(t *testing.T) {
	sentinels := []error{ErrNotFound, ErrInvalidSchedule, ErrStopped, ErrConflict}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				continue
			}
			assert.False(t, Is(a, b), "%v should not match %v", a, b)
		}
	}
}

type scheduleError struct {
	id string
}

func (e *scheduleError) Error() string {
	return "schedule error: " + e.id
}

func TestAs(t *testing.T) {
	original := &scheduleError{id: "welcome-message"}
	wrapped := Wrap(original, "processing trigger")

	var target *scheduleError
	require.True(t, As(wrapped, &target))
	assert.Equal(t, "welcome-message", target.id)
}
