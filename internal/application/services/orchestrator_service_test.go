package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryBackoffDoublesUntilCap(t *testing.T) {
	base := 100 * time.Millisecond
	cap := 1 * time.Second

	assert.Equal(t, 100*time.Millisecond, retryBackoff(base, cap, 0))
	assert.Equal(t, 200*time.Millisecond, retryBackoff(base, cap, 1))
	assert.Equal(t, 400*time.Millisecond, retryBackoff(base, cap, 2))
	assert.Equal(t, 800*time.Millisecond, retryBackoff(base, cap, 3))
	// 1600ms would exceed the 1s cap.
	assert.Equal(t, cap, retryBackoff(base, cap, 4))
}

func TestRetryBackoffAppliesDefaultsWhenUnset(t *testing.T) {
	d := retryBackoff(0, 0, 0)
	assert.Equal(t, 500*time.Millisecond, d)
}

func TestRetryBackoffGuardsOverflow(t *testing.T) {
	// A large attempt count would overflow the left shift into a negative
	// duration; the cap must still be returned rather than a bogus value.
	d := retryBackoff(time.Second, time.Minute, 100)
	assert.Equal(t, time.Minute, d)
}

func TestMergeArgsLayersInputsContextThenStepArgs(t *testing.T) {
	inputs := map[string]any{"a": 1, "b": 1}
	runCtx := map[string]any{"b": 2, "c": 2}
	stepArgs := map[string]any{"c": 3, "d": 3}

	merged := mergeArgs(inputs, runCtx, stepArgs)

	assert.Equal(t, 1, merged["a"])
	assert.Equal(t, 2, merged["b"])  // run context overrides inputs
	assert.Equal(t, 3, merged["c"])  // step args override run context
	assert.Equal(t, 3, merged["d"])
}

func TestMergeArgsHandlesNilMaps(t *testing.T) {
	merged := mergeArgs(nil, nil, nil)
	assert.NotNil(t, merged)
	assert.Empty(t, merged)
}

func TestContainsString(t *testing.T) {
	items := []string{"approved", "rejected"}
	assert.True(t, containsString(items, "approved"))
	assert.False(t, containsString(items, "escalated"))
	assert.False(t, containsString(nil, "approved"))
}
