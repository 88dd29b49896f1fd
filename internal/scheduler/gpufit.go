package scheduler

import (
	"sort"

	"github.com/ccagency/agency/internal/config"
	"github.com/ccagency/agency/internal/red"
	"github.com/ccagency/agency/internal/store/agencysqlc"
)

// bestFitGPUs resolves a GPU demand against a node's available physical
// GPUs using best-fit (smallest feasible GPU first), per the Open Question
// decision in SPEC_FULL.md §12 / spec.md §9: "the GPU assignment policy is
// not fully determined in the source beyond matching vramMin and count; we
// specify best-fit." Preserves larger GPUs for larger future requests.
func bestFitGPUs(hardware []config.GPUConfig, committed []agencysqlc.NodeGPU, demand *red.GPUDemand) ([]string, bool) {
	if demand == nil || demand.Count == 0 {
		return nil, true
	}

	assigned := make(map[string]bool, len(committed))
	for _, g := range committed {
		if g.AssignedBatchID.Valid {
			assigned[g.ID] = true
		}
	}

	var candidates []config.GPUConfig
	for _, g := range hardware {
		if assigned[g.ID] {
			continue
		}
		if g.VRAM >= demand.VRAMMin {
			candidates = append(candidates, g)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].VRAM < candidates[j].VRAM })

	if len(candidates) < demand.Count {
		return nil, false
	}

	ids := make([]string, demand.Count)
	for i := 0; i < demand.Count; i++ {
		ids[i] = candidates[i].ID
	}
	return ids, true
}
