package scheduler

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/ccagency/agency/internal/red"
	"github.com/ccagency/agency/internal/store"
	"github.com/ccagency/agency/internal/store/agencysqlc"
)

// HandleCallback is the Broker's entry point for a node agent's phase
// callback (spec.md §4.5/§4.7 Phase P). It is called synchronously from the
// HTTP handler rather than discovered by a later RunPass, since a callback
// already names exactly which batch/phase/token it concerns — there is
// nothing to scan for. ConsumeCallbackToken makes a replayed callback for an
// already-consumed (batchID, phase, token) a no-op rather than a double
// transition, giving the idempotent-callback property spec.md §8 requires.
func (s *Scheduler) HandleCallback(ctx context.Context, batchID uuid.UUID, phase red.Phase, token string, body *red.CallbackBody) error {
	if err := red.ValidateCallback(body); err != nil {
		return err
	}

	sqlcPhase := agencysqlc.CallbackPhase(phase)
	alreadyUsed, err := s.store.ConsumeCallbackToken(ctx, batchID, sqlcPhase, token)
	if err != nil {
		return err
	}
	if alreadyUsed {
		return nil
	}

	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}

	switch phase {
	case red.PhaseInput:
		if !body.Succeeded() {
			return s.finishBatch(ctx, b, agencysqlc.BatchStateFailed, "input_connector_failed", body)
		}
		if err := s.persistInputs(ctx, b.ID, body); err != nil {
			s.logError(err, "persisting callback inputs failed", map[string]any{"batchId": b.ID.String()})
		}
		return nil
	case red.PhaseMain:
		if !body.Succeeded() {
			return s.finishBatch(ctx, b, agencysqlc.BatchStateFailed, "execution_failed", body)
		}
		_, err := s.store.CompareAndSetBatchState(ctx, batchID, agencysqlc.BatchStateScheduled, agencysqlc.BatchStateProcessing, nil, "main_phase_started", body.DebugInfo)
		return err
	case red.PhaseOutput:
		if !body.Succeeded() {
			return s.finishBatch(ctx, b, agencysqlc.BatchStateFailed, "output_connector_failed", body)
		}
		if err := s.persistOutputs(ctx, b, body); err != nil {
			s.logError(err, "persisting callback outputs failed", map[string]any{"batchId": b.ID.String()})
		}
		return s.finishBatch(ctx, b, agencysqlc.BatchStateSucceeded, "succeeded", body)
	default:
		return nil
	}
}

// persistInputs writes the input-phase callback's resolved input values
// back onto the batch (spec.md §4.2 "update batch fields"), offloading to
// the blob store first when the payload is large.
func (s *Scheduler) persistInputs(ctx context.Context, batchID uuid.UUID, body *red.CallbackBody) error {
	if len(body.Inputs) == 0 {
		return nil
	}
	raw, err := json.Marshal(body.Inputs)
	if err != nil {
		return err
	}
	raw, err = s.maybeOffload(ctx, batchID, "inputs", raw)
	if err != nil {
		return err
	}
	return s.store.UpdateBatchResults(ctx, batchID, raw, nil)
}

// persistOutputs writes the output-phase callback's result payload back
// onto the batch. When a declared output names a glob pattern, it is
// resolved against body.ProducedFiles with filexfr before merging: the
// agent's own explicit Outputs entries always take precedence over a
// glob match for the same key. The merged payload is offloaded to the
// blob store first when it is large.
func (s *Scheduler) persistOutputs(ctx context.Context, b *agencysqlc.Batch, body *red.CallbackBody) error {
	declared := unmarshalDeclaredOutputs(b.Outputs)
	resolved, err := resolveDeclaredOutputs(declared, body.ProducedFiles)
	if err != nil {
		return err
	}
	merged := mergeOutputOverrides(body.Outputs, resolved)
	if len(merged) == 0 {
		return nil
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	raw, err = s.maybeOffload(ctx, b.ID, "outputs", raw)
	if err != nil {
		return err
	}
	return s.store.UpdateBatchResults(ctx, b.ID, nil, raw)
}

// finishBatch CASes a batch to a terminal state from whichever non-terminal
// state it currently holds and, on a failure transition, applies the retry
// policy.
func (s *Scheduler) finishBatch(ctx context.Context, b *agencysqlc.Batch, next agencysqlc.BatchState, reason string, body *red.CallbackBody) error {
	ok, err := s.store.CompareAndSetBatchState(ctx, b.ID, b.State, next, nil, reason, body.DebugInfo)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrCASConflict
	}
	if next == agencysqlc.BatchStateFailed {
		s.maybeRetry(ctx, b.ID, !body.DisableRetry)
	}
	return nil
}

// phaseProgress is a reconciliation pass: callbacks are the primary path
// (HandleCallback), but a batch whose node died between a launch accept and
// its first callback is already covered by Phase R's reap; there is
// nothing further for a periodic scan to do here today.
func (s *Scheduler) phaseProgress(ctx context.Context) error {
	return nil
}
