package proxy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseConditionTokenCountGreaterThan(t *testing.T) {
	c, err := ParseCondition("tokens > 100000")
	require.NoError(t, err)
	require.Equal(t, ConditionTokenCount, c.Kind)
	require.NotNil(t, c.Min)
	require.Equal(t, int64(100000), *c.Min)
	require.Nil(t, c.Max)
}

func TestParseConditionHasTools(t *testing.T) {
	c, err := ParseCondition("tools >= 5")
	require.NoError(t, err)
	require.Equal(t, ConditionHasTools, c.Kind)
	require.Equal(t, int64(5), *c.Min)
}

func TestParseConditionThinkingMode(t *testing.T) {
	c, err := ParseCondition("thinking")
	require.NoError(t, err)
	require.Equal(t, ConditionThinkingMode, c.Kind)
}

func TestParseConditionAlways(t *testing.T) {
	c, err := ParseCondition("always")
	require.NoError(t, err)
	require.Equal(t, ConditionAlways, c.Kind)
}

func TestParseConditionGarbage(t *testing.T) {
	c, err := ParseCondition("this is not a condition")
	require.Error(t, err)
	require.Nil(t, c)
}
