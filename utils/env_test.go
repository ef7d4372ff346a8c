package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("PAYGATE_TEST_STR", "  value ")
	t.Setenv("PAYGATE_TEST_INT", "42")
	t.Setenv("PAYGATE_TEST_BAD_INT", "forty-two")
	t.Setenv("PAYGATE_TEST_DURATION", "90s")
	t.Setenv("PAYGATE_TEST_SECONDS", "30")
	t.Setenv("PAYGATE_TEST_BOOL", "true")
	t.Setenv("PAYGATE_TEST_FLOAT", "2.5")

	assert.Equal(t, "value", GetEnv("PAYGATE_TEST_STR", "fallback"))
	assert.Equal(t, "fallback", GetEnv("PAYGATE_TEST_MISSING", "fallback"))
	assert.Equal(t, 42, GetEnvAsInt("PAYGATE_TEST_INT", 1))
	assert.Equal(t, 1, GetEnvAsInt("PAYGATE_TEST_BAD_INT", 1))
	assert.Equal(t, int64(42), GetEnvAsInt64("PAYGATE_TEST_INT", 7))
	assert.Equal(t, 90*time.Second, GetEnvAsDuration("PAYGATE_TEST_DURATION", time.Minute))
	assert.Equal(t, 30*time.Second, GetEnvAsDuration("PAYGATE_TEST_SECONDS", time.Minute))
	assert.Equal(t, time.Minute, GetEnvAsDuration("PAYGATE_TEST_STR", time.Minute))
	assert.True(t, GetEnvAsBool("PAYGATE_TEST_BOOL", false))
	assert.InDelta(t, 2.5, GetEnvAsFloat("PAYGATE_TEST_FLOAT", 0), 1e-9)
}
