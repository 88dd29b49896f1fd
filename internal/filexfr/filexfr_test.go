package filexfr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveOutputs_MatchesRecursiveGlob(t *testing.T) {
	produced := []string{
		"results/a.csv",
		"results/nested/b.csv",
		"logs/run.log",
	}

	matched, err := ResolveOutputs("results/**/*.csv", produced)

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"results/a.csv", "results/nested/b.csv"}, matched)
}

func TestResolveOutputs_PreservesProducedOrder(t *testing.T) {
	produced := []string{"b.txt", "a.txt", "c.txt"}

	matched, err := ResolveOutputs("*.txt", produced)

	require.NoError(t, err)
	assert.Equal(t, []string{"b.txt", "a.txt", "c.txt"}, matched)
}

func TestResolveOutputs_NoMatchesReturnsNilNotError(t *testing.T) {
	matched, err := ResolveOutputs("*.csv", []string{"run.log"})

	require.NoError(t, err)
	assert.Nil(t, matched)
}

func TestResolveOutputs_RejectsInvalidPattern(t *testing.T) {
	_, err := ResolveOutputs("[invalid", []string{"a.txt"})
	assert.Error(t, err)
}

func TestResolveAll_ResolvesEveryDeclaredKeyIndependently(t *testing.T) {
	produced := []string{"out/model.bin", "out/metrics.json"}
	patterns := map[string]string{
		"model":   "out/*.bin",
		"metrics": "out/*.json",
		"missing": "out/*.txt",
	}

	out, err := ResolveAll(patterns, produced)

	require.NoError(t, err)
	assert.Equal(t, []string{"out/model.bin"}, out["model"])
	assert.Equal(t, []string{"out/metrics.json"}, out["metrics"])
	assert.Nil(t, out["missing"])
	assert.Contains(t, out, "missing", "a pattern that matched nothing must still appear in the result")
}
