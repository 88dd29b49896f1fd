package red

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDocument() *Document {
	return &Document{
		Container: ContainerSettings{
			Engine: SupportedContainerEngine,
			Settings: struct {
				Image string     `json:"image" validate:"required"`
				RAM   int        `json:"ram" validate:"required,gt=0"`
				GPUs  *GPUDemand `json:"gpus,omitempty"`
			}{Image: "alpine:3", RAM: 512},
		},
		Execution: ExecutionSettings{Engine: SupportedExecutionEngine},
	}
}

func TestValidate_RejectsUnsupportedContainerEngine(t *testing.T) {
	doc := validDocument()
	doc.Container.Engine = "rkt"
	err := Validate(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported container engine")
}

func TestValidate_RejectsUnsupportedExecutionEngine(t *testing.T) {
	doc := validDocument()
	doc.Execution.Engine = "slurm"
	err := Validate(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported execution engine")
}

func TestValidate_AcceptsWellFormedDocument(t *testing.T) {
	assert.NoError(t, Validate(validDocument()))
}

func TestValidate_RejectsZeroRAM(t *testing.T) {
	doc := validDocument()
	doc.Container.Settings.RAM = 0
	assert.Error(t, Validate(doc))
}

func TestValueUnmarshalJSON_Literal(t *testing.T) {
	var v Value
	require.NoError(t, json.Unmarshal([]byte(`"plain-string"`), &v))
	assert.Equal(t, ValueLiteral, v.Kind)
	assert.Equal(t, "plain-string", v.Literal)
	assert.Nil(t, v.Connector)
}

func TestValueUnmarshalJSON_Connector(t *testing.T) {
	var v Value
	raw := `{"connectorType":"s3","command":"fetch","access":{"bucket":"x"}}`
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	assert.Equal(t, ValueConnector, v.Kind)
	require.NotNil(t, v.Connector)
	assert.Equal(t, "s3", v.Connector.ConnectorType)
}

func TestHoistProtectedValues_ReplacesPrefixedKeysWithOpaqueReferences(t *testing.T) {
	doc := validDocument()
	doc.Inputs = map[string]Value{
		"_apiKey": {Kind: ValueLiteral, Literal: "secret-value"},
		"plain":   {Kind: ValueLiteral, Literal: "not-secret"},
	}

	bundle := HoistProtectedValues(doc, "bundle-1")

	assert.Equal(t, "secret-value", bundle["_apiKey"])
	assert.Equal(t, OpaqueReference("bundle-1", "_apiKey"), doc.Inputs["_apiKey"].Literal)
	assert.Equal(t, "not-secret", doc.Inputs["plain"].Literal)
	assert.NotContains(t, bundle, "plain")
}

func TestExpandBatches_SingleBatchWhenNoOverridesDeclared(t *testing.T) {
	doc := validDocument()
	doc.Inputs = map[string]Value{"a": {Kind: ValueLiteral, Literal: 1}}

	out := ExpandBatches(doc)

	require.Len(t, out, 1)
	assert.Equal(t, doc.Inputs, out[0].Inputs)
}

func TestExpandBatches_MergesDocumentLevelWithPerBatchOverrides(t *testing.T) {
	doc := validDocument()
	doc.Inputs = map[string]Value{"base": {Kind: ValueLiteral, Literal: "base-value"}}
	doc.Batches = []BatchOverride{
		{Inputs: map[string]Value{"extra": {Kind: ValueLiteral, Literal: "extra-value"}}},
		{Inputs: map[string]Value{"base": {Kind: ValueLiteral, Literal: "overridden"}}},
	}

	out := ExpandBatches(doc)

	require.Len(t, out, 2)
	assert.Equal(t, "base-value", out[0].Inputs["base"].Literal)
	assert.Equal(t, "extra-value", out[0].Inputs["extra"].Literal)
	assert.Equal(t, "overridden", out[1].Inputs["base"].Literal)
}
