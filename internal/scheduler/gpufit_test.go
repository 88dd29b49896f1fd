package scheduler

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccagency/agency/internal/config"
	"github.com/ccagency/agency/internal/red"
	"github.com/ccagency/agency/internal/store/agencysqlc"
)

func hardware(vrams ...int) []config.GPUConfig {
	out := make([]config.GPUConfig, len(vrams))
	for i, v := range vrams {
		out[i] = config.GPUConfig{ID: uuid.NewString(), VRAM: v}
	}
	return out
}

func TestBestFitGPUs_NilDemandNeedsNoGPUs(t *testing.T) {
	ids, ok := bestFitGPUs(hardware(8000, 16000), nil, nil)
	assert.True(t, ok)
	assert.Nil(t, ids)
}

func TestBestFitGPUs_PicksSmallestFeasibleGPUsFirst(t *testing.T) {
	hw := hardware(8000, 16000, 24000)
	demand := &red.GPUDemand{Count: 1, VRAMMin: 10000}

	ids, ok := bestFitGPUs(hw, nil, demand)

	require.True(t, ok)
	require.Len(t, ids, 1)
	assert.Equal(t, hw[1].ID, ids[0], "the smallest GPU meeting vramMin should be preferred over the largest")
}

func TestBestFitGPUs_SkipsGPUsAlreadyAssignedToAnotherBatch(t *testing.T) {
	hw := hardware(16000, 16000)
	committed := []agencysqlc.NodeGPU{
		{ID: hw[0].ID, VRAMMiB: 16000, AssignedBatchID: uuid.NullUUID{UUID: uuid.New(), Valid: true}},
	}
	demand := &red.GPUDemand{Count: 1, VRAMMin: 8000}

	ids, ok := bestFitGPUs(hw, committed, demand)

	require.True(t, ok)
	require.Len(t, ids, 1)
	assert.Equal(t, hw[1].ID, ids[0])
}

func TestBestFitGPUs_FailsWhenNotEnoughFeasibleGPUsRemain(t *testing.T) {
	hw := hardware(8000)
	demand := &red.GPUDemand{Count: 2, VRAMMin: 8000}

	ids, ok := bestFitGPUs(hw, nil, demand)

	assert.False(t, ok)
	assert.Nil(t, ids)
}

func TestBestFitGPUs_RejectsGPUsBelowVRAMMin(t *testing.T) {
	hw := hardware(4000, 16000)
	demand := &red.GPUDemand{Count: 1, VRAMMin: 8000}

	ids, ok := bestFitGPUs(hw, nil, demand)

	require.True(t, ok)
	require.Len(t, ids, 1)
	assert.Equal(t, hw[1].ID, ids[0])
}
