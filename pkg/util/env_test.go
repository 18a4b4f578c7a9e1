package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvOrDefaultFallsBackWhenUnset(t *testing.T) {
	t.Setenv("BRUPOP_TEST_ENV_OR_DEFAULT", "")
	assert.Equal(t, "fallback", EnvOrDefault("BRUPOP_TEST_ENV_OR_DEFAULT_UNSET", "fallback"))
}

func TestRequireEnvErrorsWhenUnset(t *testing.T) {
	_, err := RequireEnv("BRUPOP_TEST_REQUIRE_ENV_UNSET")
	require.Error(t, err)
}

func TestRequireEnvReturnsValue(t *testing.T) {
	t.Setenv("BRUPOP_TEST_REQUIRE_ENV_SET", "node-1")
	v, err := RequireEnv("BRUPOP_TEST_REQUIRE_ENV_SET")
	require.NoError(t, err)
	assert.Equal(t, "node-1", v)
}

func TestEnvIntParsesOrDefaults(t *testing.T) {
	n, err := EnvInt("BRUPOP_TEST_ENV_INT_UNSET", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	t.Setenv("BRUPOP_TEST_ENV_INT_SET", "42")
	n, err = EnvInt("BRUPOP_TEST_ENV_INT_SET", 7)
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	t.Setenv("BRUPOP_TEST_ENV_INT_BAD", "notanumber")
	_, err = EnvInt("BRUPOP_TEST_ENV_INT_BAD", 7)
	assert.Error(t, err)
}
