package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRandName(t *testing.T) {
	assert := assert.New(t)
	name := RandName()
	assert.Len(name, 20)
	assert.NotEqual(name, RandName())
}

func TestEnvHelpers(t *testing.T) {
	assert := assert.New(t)

	t.Setenv("CW_TEST_STR", "hello")
	assert.Equal("hello", EnvString("CW_TEST_STR", "def"))
	assert.Equal("def", EnvString("CW_TEST_STR_UNSET", "def"))

	t.Setenv("CW_TEST_BOOL", "true")
	assert.True(EnvBool("CW_TEST_BOOL", false))
	t.Setenv("CW_TEST_BOOL", "junk")
	assert.True(EnvBool("CW_TEST_BOOL", true))

	t.Setenv("CW_TEST_INT", "42")
	assert.Equal(42, EnvInt("CW_TEST_INT", 7))
	assert.Equal(7, EnvInt("CW_TEST_INT_UNSET", 7))

	t.Setenv("CW_TEST_MS", "30000")
	assert.Equal(30*time.Second, EnvDurationMS("CW_TEST_MS", time.Second))
	assert.Equal(time.Second, EnvDurationMS("CW_TEST_MS_UNSET", time.Second))
}
