package scheduler

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ccagency/agency/internal/config"
	"github.com/ccagency/agency/internal/nodeagent"
	"github.com/ccagency/agency/internal/red"
	"github.com/ccagency/agency/internal/store/agencysqlc"
)

// ledgerNode is one node's in-memory resource book for a single schedule
// pass: RAM/GPU commitments are mutated here as batches are admitted and
// flushed to the store immediately after each successful admission, so a
// crash mid-pass leaves the store consistent with whatever was actually
// committed rather than silently losing or double-spending capacity.
type ledgerNode struct {
	ramMiB       int32
	ramCommitted int32
	alive        bool
	gpus         []agencysqlc.NodeGPU
}

type resourceLedger struct {
	nodes map[string]*ledgerNode
	hw    map[string][]config.GPUConfig
}

func (s *Scheduler) loadLedger(ctx context.Context) (*resourceLedger, error) {
	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	l := &resourceLedger{nodes: map[string]*ledgerNode{}, hw: map[string][]config.GPUConfig{}}
	for _, n := range nodes {
		l.nodes[n.NodeName] = &ledgerNode{
			ramMiB:       n.RAMMiB,
			ramCommitted: n.RAMCommitted,
			alive:        n.Alive,
			gpus:         append([]agencysqlc.NodeGPU(nil), n.GPUs...),
		}
		if cfg, ok := s.nodes[n.NodeName]; ok {
			l.hw[n.NodeName] = cfg.Hardware.GPUs
		}
	}
	return l, nil
}

// fit returns the first node (in configured order) with enough free RAM and
// a satisfiable GPU demand.
func (l *resourceLedger) fit(order []string, ramNeeded int32, demand *red.GPUDemand) (nodeName string, gpuIDs []string, ok bool) {
	for _, name := range order {
		ln, present := l.nodes[name]
		if !present || !ln.alive {
			continue
		}
		if ln.ramMiB-ln.ramCommitted < ramNeeded {
			continue
		}
		ids, fits := bestFitGPUs(l.hw[name], ln.gpus, demand)
		if !fits {
			continue
		}
		return name, ids, true
	}
	return "", nil, false
}

func (l *resourceLedger) commit(nodeName string, ram int32, gpuIDs []string, batchID uuid.UUID) *ledgerNode {
	ln := l.nodes[nodeName]
	ln.ramCommitted += ram
	for i := range ln.gpus {
		for _, id := range gpuIDs {
			if ln.gpus[i].ID == id {
				ln.gpus[i].AssignedBatchID = uuid.NullUUID{UUID: batchID, Valid: true}
			}
		}
	}
	return ln
}

// ---- Phase A: Admit ----

// phaseAdmit runs the per-user fairness admission pass spec.md §5 requires:
// users are served in FIFO order of their earliest pending batch, and
// within a user the experiment with the fewest in-flight batches (ties
// broken by earliest pending registration) is given its next batch,
// repeated until no experiment for that user has room or pending work.
func (s *Scheduler) phaseAdmit(ctx context.Context) error {
	pending, err := s.store.ListBatchesByState(ctx, agencysqlc.BatchStateRegistered)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	ledger, err := s.loadLedger(ctx)
	if err != nil {
		return err
	}

	byUser := map[string][]*agencysqlc.Batch{}
	var userOrder []string
	firstSeen := map[string]time.Time{}
	for _, b := range pending {
		if _, ok := byUser[b.Username]; !ok {
			userOrder = append(userOrder, b.Username)
			firstSeen[b.Username] = b.RegistrationTime
		} else if b.RegistrationTime.Before(firstSeen[b.Username]) {
			firstSeen[b.Username] = b.RegistrationTime
		}
		byUser[b.Username] = append(byUser[b.Username], b)
	}
	sort.Slice(userOrder, func(i, j int) bool { return firstSeen[userOrder[i]].Before(firstSeen[userOrder[j]]) })

	inFlight := map[uuid.UUID]int{}
	expCache := map[uuid.UUID]*agencysqlc.Experiment{}

	for _, user := range userOrder {
		byExp := map[uuid.UUID][]*agencysqlc.Batch{}
		var expOrder []uuid.UUID
		for _, b := range byUser[user] {
			if _, ok := byExp[b.ExperimentID]; !ok {
				expOrder = append(expOrder, b.ExperimentID)
			}
			byExp[b.ExperimentID] = append(byExp[b.ExperimentID], b)
		}
		for _, eid := range expOrder {
			sort.Slice(byExp[eid], func(i, j int) bool {
				return byExp[eid][i].RegistrationTime.Before(byExp[eid][j].RegistrationTime)
			})
			if _, ok := inFlight[eid]; !ok {
				n, err := s.store.CountInFlight(ctx, eid)
				if err != nil {
					s.logError(err, "counting in-flight batches failed", map[string]any{"experimentId": eid.String()})
					continue
				}
				inFlight[eid] = n
			}
			if _, ok := expCache[eid]; !ok {
				exp, err := s.store.GetExperiment(ctx, eid)
				if err != nil {
					s.logError(err, "loading experiment failed", map[string]any{"experimentId": eid.String()})
					continue
				}
				expCache[eid] = exp
			}
		}

		for {
			found := false
			var chosen uuid.UUID
			best := -1
			for _, eid := range expOrder {
				remaining := byExp[eid]
				if len(remaining) == 0 {
					continue
				}
				exp := expCache[eid]
				if exp == nil {
					continue
				}
				limit := int(exp.BatchConcurrencyLimit)
				if limit > 0 && inFlight[eid] >= limit {
					continue
				}
				if !found || inFlight[eid] < best ||
					(inFlight[eid] == best && remaining[0].RegistrationTime.Before(byExp[chosen][0].RegistrationTime)) {
					found = true
					best = inFlight[eid]
					chosen = eid
				}
			}
			if !found {
				break
			}

			batch := byExp[chosen][0]
			byExp[chosen] = byExp[chosen][1:]

			if s.tryAdmit(ctx, batch, expCache[chosen], ledger) {
				inFlight[chosen]++
			}
		}
	}
	return nil
}

func runtimeFor(demand *red.GPUDemand) nodeagent.Runtime {
	if demand != nil {
		return nodeagent.RuntimeNvidia
	}
	return nodeagent.RuntimeRunc
}

// tryAdmit attempts to place one batch: resource fit, advisory secret
// check, callback token issuance, launch RPC, then the CAS that actually
// moves the batch to scheduled. Any failure short of a successful CAS
// leaves the batch registered so a later pass retries it, except the cases
// that fail it outright: secret_failure, launch_rejected, and
// launch_attempts_exceeded once transport failures reach maxLaunchAttempts.
func (s *Scheduler) tryAdmit(ctx context.Context, b *agencysqlc.Batch, exp *agencysqlc.Experiment, ledger *resourceLedger) bool {
	var demand *red.GPUDemand
	if exp.ContainerGPUCount > 0 {
		demand = &red.GPUDemand{Count: int(exp.ContainerGPUCount), VRAMMin: int(exp.ContainerGPUVRAMMin)}
	}

	nodeName, gpuIDs, ok := ledger.fit(s.nodeOrder, exp.ContainerRAMMiB, demand)
	if !ok {
		return false
	}

	keys := extractProtectedKeys(b.Inputs)
	keys = append(keys, extractProtectedKeys(b.Outputs)...)
	if len(keys) > 0 {
		_, missing, err := s.secrets.Get(ctx, b.ID.String(), keys)
		if err != nil {
			s.logError(err, "secret advisory check failed", map[string]any{"batchId": b.ID.String()})
			return false
		}
		if len(missing) > 0 {
			if _, err := s.store.CompareAndSetBatchState(ctx, b.ID, agencysqlc.BatchStateRegistered, agencysqlc.BatchStateFailed, nil, "secret_failure", missing); err != nil {
				s.logError(err, "CAS to failed (secret_failure) failed", map[string]any{"batchId": b.ID.String()})
			}
			return false
		}
	}

	token := newCallbackToken()
	for _, phase := range []agencysqlc.CallbackPhase{agencysqlc.CallbackPhaseInput, agencysqlc.CallbackPhaseMain, agencysqlc.CallbackPhaseOutput} {
		if err := s.store.CreateCallbackToken(ctx, b.ID, phase, token); err != nil {
			s.logError(err, "creating callback token failed", map[string]any{"batchId": b.ID.String()})
			return false
		}
	}

	spec := nodeagent.LaunchSpec{
		Image:        exp.ContainerImage,
		Runtime:      runtimeFor(demand),
		MountInputs:  b.MountInputs,
		MountOutputs: b.MountOutputs,
	}
	if len(b.Inputs) > 0 {
		if err := json.Unmarshal(b.Inputs, &spec.Inputs); err != nil {
			s.logError(err, "decoding batch inputs failed", map[string]any{"batchId": b.ID.String()})
		}
	}
	if len(b.Outputs) > 0 {
		if err := json.Unmarshal(b.Outputs, &spec.Outputs); err != nil {
			s.logError(err, "decoding batch outputs failed", map[string]any{"batchId": b.ID.String()})
		}
	}

	result, err := s.agents.Launch(ctx, s.nodeURL(nodeName), b.ID, spec, s.callbacks(b.ID), token)
	if err != nil {
		s.logError(err, "launch RPC failed", map[string]any{"batchId": b.ID.String()})
		return false
	}

	switch result {
	case nodeagent.LaunchAccepted:
		node := nodeName
		ok, err := s.store.CompareAndSetBatchState(ctx, b.ID, agencysqlc.BatchStateRegistered, agencysqlc.BatchStateScheduled, &node, "admitted", nil)
		if err != nil {
			s.logError(err, "CAS to scheduled failed", map[string]any{"batchId": b.ID.String()})
			return false
		}
		if !ok {
			return false
		}
		ln := ledger.commit(nodeName, exp.ContainerRAMMiB, gpuIDs, b.ID)
		if err := s.store.SetNodeRAMCommitted(ctx, nodeName, ln.ramCommitted); err != nil {
			s.logError(err, "persisting RAM commitment failed", map[string]any{"node": nodeName})
		}
		if err := s.store.SetNodeGPUs(ctx, nodeName, ln.gpus); err != nil {
			s.logError(err, "persisting GPU commitment failed", map[string]any{"node": nodeName})
		}
		s.record("agency_batches_admitted_total", 1)
		return true
	case nodeagent.LaunchRejected:
		if _, err := s.store.CompareAndSetBatchState(ctx, b.ID, agencysqlc.BatchStateRegistered, agencysqlc.BatchStateFailed, nil, "launch_rejected", nil); err != nil {
			s.logError(err, "CAS to failed (launch_rejected) failed", map[string]any{"batchId": b.ID.String()})
		}
		return false
	default: // nodeagent.LaunchTransportFailure: retry up to maxLaunchAttempts, then give up
		attempts, err := s.store.IncrementLaunchAttempts(ctx, b.ID)
		if err != nil {
			s.logError(err, "incrementing launch attempts failed", map[string]any{"batchId": b.ID.String()})
			return false
		}
		if int(attempts) >= s.maxLaunchAttempts {
			if _, err := s.store.CompareAndSetBatchState(ctx, b.ID, agencysqlc.BatchStateRegistered, agencysqlc.BatchStateFailed, nil, "launch_attempts_exceeded", nil); err != nil {
				s.logError(err, "CAS to failed (launch_attempts_exceeded) failed", map[string]any{"batchId": b.ID.String()})
			}
		}
		return false
	}
}
