package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolSchemaRespondHasRequiredFields(t *testing.T) {
	schema, err := ToolSchema(KindRespond)
	require.NoError(t, err)
	assert.Equal(t, "object", schema["type"])
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "response")
	assert.Contains(t, props, "intent")
	assert.Contains(t, props, "confidence")
	assert.NotContains(t, schema, "$schema")
	assert.NotContains(t, schema, "$id")
}

func TestToolSchemaUnknownKind(t *testing.T) {
	_, err := ToolSchema(Kind("bogus"))
	assert.Error(t, err)
}

func TestAllToolSchemasCoversEveryKind(t *testing.T) {
	schemas, err := AllToolSchemas()
	require.NoError(t, err)
	assert.Len(t, schemas, len(registry))
	for kind := range registry {
		assert.Contains(t, schemas, kind)
	}
}

func TestToolSchemaIsCached(t *testing.T) {
	first, err := ToolSchema(KindCreateWorkflowPlan)
	require.NoError(t, err)
	second, err := ToolSchema(KindCreateWorkflowPlan)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
