package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccagency/agency/internal/red"
)

func literal(v any) red.Value { return red.Value{Kind: red.ValueLiteral, Literal: v} }

func TestIsGlobPattern(t *testing.T) {
	pattern, ok := isGlobPattern("results/*.csv")
	assert.True(t, ok)
	assert.Equal(t, "results/*.csv", pattern)

	_, ok = isGlobPattern("results/final.csv")
	assert.False(t, ok)

	_, ok = isGlobPattern(42)
	assert.False(t, ok)
}

func TestResolveDeclaredOutputs_OnlyResolvesGlobValuedEntries(t *testing.T) {
	declared := map[string]red.Value{
		"report": literal("report.csv"),
		"logs":   literal("logs/*.log"),
		"upload": {Kind: red.ValueConnector, Connector: &red.Connector{ConnectorType: "s3"}},
	}
	produced := []string{"logs/run.log", "logs/debug.log", "report.csv"}

	resolved, err := resolveDeclaredOutputs(declared, produced)
	require.NoError(t, err)
	require.Contains(t, resolved, "logs")
	assert.ElementsMatch(t, []string{"logs/run.log", "logs/debug.log"}, resolved["logs"])
	assert.NotContains(t, resolved, "report", "a literal exact-path entry is not re-resolved")
	assert.NotContains(t, resolved, "upload", "a connector entry is not a glob candidate")
}

func TestResolveDeclaredOutputs_NoGlobsReturnsNil(t *testing.T) {
	declared := map[string]red.Value{"report": literal("report.csv")}
	resolved, err := resolveDeclaredOutputs(declared, []string{"report.csv"})
	require.NoError(t, err)
	assert.Nil(t, resolved)
}

func TestResolveDeclaredOutputs_InvalidPatternErrors(t *testing.T) {
	declared := map[string]red.Value{"bad": literal("[unclosed")}
	_, err := resolveDeclaredOutputs(declared, []string{"a"})
	assert.Error(t, err)
}

func TestMergeOutputOverrides_ReportedWinsOverResolved(t *testing.T) {
	reported := map[string]any{"logs": "logs/run.log"}
	resolved := map[string]any{"logs": []string{"logs/run.log", "logs/debug.log"}, "extra": []string{"e.txt"}}

	merged := mergeOutputOverrides(reported, resolved)
	assert.Equal(t, "logs/run.log", merged["logs"], "an explicit reported value always wins over a glob match for the same key")
	assert.Equal(t, []string{"e.txt"}, merged["extra"])
}

func TestMergeOutputOverrides_NoResolvedReturnsReportedUnchanged(t *testing.T) {
	reported := map[string]any{"a": "b"}
	assert.Equal(t, reported, mergeOutputOverrides(reported, nil))
}

func TestUnmarshalDeclaredOutputs_EmptyAndInvalid(t *testing.T) {
	assert.Nil(t, unmarshalDeclaredOutputs(nil))
	assert.Nil(t, unmarshalDeclaredOutputs([]byte("not json")))

	declared := unmarshalDeclaredOutputs([]byte(`{"report":"report.csv"}`))
	require.Contains(t, declared, "report")
	assert.Equal(t, red.ValueLiteral, declared["report"].Kind)
	assert.Equal(t, "report.csv", declared["report"].Literal)
}
