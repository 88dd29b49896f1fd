// Package scheduler is the Controller's core decision loop: the R→C→A→P→N
// schedule pass spec.md §4.7 specifies. It is the sole writer of batch state
// transitions that depend on cross-batch invariants (§3, §5), driven one
// pass at a time by the Controller mailbox. Grounded on the teacher's
// jobs.JobManager processing-loop shape (remiges-tech/alya/jobs/*.go) for
// the overall "read work, process, persist, log" structure, generalized
// from a generic batch-row processor to this domain's five-phase pass.
package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/ccagency/agency/internal/blobstore"
	"github.com/ccagency/agency/internal/config"
	"github.com/ccagency/agency/internal/nodeagent"
	"github.com/ccagency/agency/internal/notifier"
	"github.com/ccagency/agency/internal/secretclient"
	"github.com/ccagency/agency/internal/store"
	"github.com/ccagency/agency/internal/store/agencysqlc"
	"github.com/ccagency/agency/pkg/metrics"
)

// Scheduler owns one schedule pass at a time. It must never be driven by
// more than one goroutine concurrently — the Controller's mailbox loop
// (internal/mailbox) is what enforces that single-writer discipline.
type Scheduler struct {
	store     *store.Store
	secrets   *secretclient.Client
	agents    *nodeagent.Client
	liveness  *nodeagent.LivenessTracker
	notifier  *notifier.Service
	logger    *logharbour.Logger
	metrics   metrics.Metrics
	callbacks CallbackURLBuilder
	blobs     *blobstore.Store

	nodeTimeout       time.Duration
	maxLaunchAttempts int
	retryLimit        int
	transportRetryCap int
	nodes             map[string]config.NodeConfig
	nodeOrder         []string
}

// CallbackURLBuilder builds the three phase callback URLs a launched batch
// reports back to, rooted at the Broker's externally reachable base URL.
type CallbackURLBuilder func(batchID uuid.UUID) nodeagent.CallbackURLs

// New wires a Scheduler from its collaborators and static node
// configuration (spec.md §6's controller.docker.nodes).
func New(
	st *store.Store,
	secrets *secretclient.Client,
	agents *nodeagent.Client,
	liveness *nodeagent.LivenessTracker,
	notif *notifier.Service,
	log *logharbour.Logger,
	metricsSink metrics.Metrics,
	callbacks CallbackURLBuilder,
	blobs *blobstore.Store,
	nodes []config.NodeConfig,
	nodeTimeout time.Duration,
	maxLaunchAttempts, retryLimit int,
) *Scheduler {
	nodeMap := make(map[string]config.NodeConfig, len(nodes))
	order := make([]string, 0, len(nodes))
	for _, n := range nodes {
		nodeMap[n.NodeName] = n
		order = append(order, n.NodeName)
	}
	if metricsSink != nil {
		metricsSink.Register("agency_batches_admitted_total", "Counter", "batches admitted by the scheduler")
		metricsSink.Register("agency_batches_reaped_total", "Counter", "batches reaped as node_lost")
		metricsSink.Register("agency_schedule_pass_total", "Counter", "completed schedule passes")
	}
	return &Scheduler{
		store:             st,
		secrets:           secrets,
		agents:            agents,
		liveness:          liveness,
		notifier:          notif,
		logger:            log,
		metrics:           metricsSink,
		callbacks:         callbacks,
		blobs:             blobs,
		nodeTimeout:       nodeTimeout,
		maxLaunchAttempts: maxLaunchAttempts,
		retryLimit:        retryLimit,
		transportRetryCap: 3,
		nodes:             nodeMap,
		nodeOrder:         order,
	}
}

// record is a nil-safe metrics.Record, since metrics is optional.
func (s *Scheduler) record(name string, value float64) {
	if s.metrics != nil {
		s.metrics.Record(name, value)
	}
}

// maybeOffload routes contents through the blob store when one is
// configured, leaving contents untouched otherwise — blob offload is an
// optional collaborator exactly like metrics.
func (s *Scheduler) maybeOffload(ctx context.Context, batchID uuid.UUID, field string, contents []byte) ([]byte, error) {
	if s.blobs == nil {
		return contents, nil
	}
	return s.blobs.MaybeOffload(ctx, batchID, field, contents)
}

func (s *Scheduler) logError(err error, activity string, data map[string]any) {
	if s.logger == nil {
		return
	}
	s.logger.Error(err).LogActivity(activity, data)
}

// RunPass executes one full R→C→A→P→N pass. A failure in one phase is
// logged and does not prevent later phases from running; per spec.md §7
// one batch's error never poisons the pass.
func (s *Scheduler) RunPass(ctx context.Context) error {
	if err := s.phaseReap(ctx); err != nil {
		s.logError(err, "phase reap failed", nil)
	}
	if err := s.phaseCancel(ctx); err != nil {
		s.logError(err, "phase cancel failed", nil)
	}
	if err := s.phaseAdmit(ctx); err != nil {
		s.logError(err, "phase admit failed", nil)
	}
	if err := s.phaseProgress(ctx); err != nil {
		s.logError(err, "phase progress failed", nil)
	}
	if err := s.phaseNotify(ctx); err != nil {
		s.logError(err, "phase notify failed", nil)
	}
	s.record("agency_schedule_pass_total", 1)
	return nil
}

// ---- Phase R: Reap ----

func (s *Scheduler) phaseReap(ctx context.Context) error {
	for _, st := range []agencysqlc.BatchState{agencysqlc.BatchStateScheduled, agencysqlc.BatchStateProcessing} {
		batches, err := s.store.ListBatchesByState(ctx, st)
		if err != nil {
			return fmt.Errorf("listing %s batches: %w", st, err)
		}
		for _, b := range batches {
			s.reapIfLost(ctx, b)
		}
	}

	if err := s.releaseReservedTerminal(ctx); err != nil {
		s.logError(err, "releasing terminal reservations failed", nil)
	}

	pending, err := s.store.ListBatchesPendingSecretDeletion(ctx)
	if err != nil {
		return fmt.Errorf("listing batches pending secret deletion: %w", err)
	}
	for _, b := range pending {
		keys := extractProtectedKeys(b.Inputs)
		keys = append(keys, extractProtectedKeys(b.Outputs)...)
		if err := s.secrets.Delete(ctx, b.ID.String(), keys); err != nil {
			s.logError(err, "secret deletion failed", map[string]any{"batchId": b.ID.String()})
			continue
		}
		if err := s.store.SetBatchProtectedKeysVoided(ctx, b.ID, true); err != nil {
			s.logError(err, "marking protectedKeysVoided failed", map[string]any{"batchId": b.ID.String()})
		}
	}
	return nil
}

func (s *Scheduler) reapIfLost(ctx context.Context, b *agencysqlc.Batch) {
	if !b.Node.Valid {
		return
	}
	node := b.Node.String

	alive, err := s.liveness.IsAlive(ctx, node)
	if err != nil {
		s.logError(err, "liveness check failed", map[string]any{"node": node})
		alive = true
	}
	lost := !alive
	if !lost {
		known, err := s.agents.ProbeBatch(ctx, s.nodeURL(node), b.ID)
		if err != nil {
			return
		}
		lost = !known
	}
	if !lost {
		return
	}

	ok, err := s.store.CompareAndSetBatchState(ctx, b.ID, b.State, agencysqlc.BatchStateFailed, nil, "node_lost", []string{"node unreachable beyond node_timeout_sec"})
	if err != nil {
		s.logError(err, "CAS to failed (node_lost) failed", map[string]any{"batchId": b.ID.String()})
		return
	}
	if !ok {
		return
	}
	s.record("agency_batches_reaped_total", 1)
	s.maybeRetry(ctx, b.ID, true)
}

// releaseReservedTerminal drops RAM/GPU reservations for any succeeded or
// failed batch that still carries a node assignment. Cancelled batches are
// skipped here: Phase C releases each one after sending its cancel RPC.
func (s *Scheduler) releaseReservedTerminal(ctx context.Context) error {
	batches, err := s.store.ListBatchesWithReservedNode(ctx)
	if err != nil {
		return err
	}
	for _, b := range batches {
		if b.State == agencysqlc.BatchStateCancelled {
			continue
		}
		s.releaseReservation(ctx, b)
	}
	return nil
}

func (s *Scheduler) releaseReservation(ctx context.Context, b *agencysqlc.Batch) {
	if !b.Node.Valid {
		return
	}
	if err := s.store.ReleaseBatchGPUs(ctx, b.ID); err != nil {
		s.logError(err, "releasing GPU reservation failed", map[string]any{"batchId": b.ID.String()})
	}
	if exp, err := s.store.GetExperiment(ctx, b.ExperimentID); err == nil {
		if n, err := s.store.GetNode(ctx, b.Node.String); err == nil {
			newCommitted := n.RAMCommitted - exp.ContainerRAMMiB
			if newCommitted < 0 {
				newCommitted = 0
			}
			_ = s.store.SetNodeRAMCommitted(ctx, b.Node.String, newCommitted)
		}
	}
	if err := s.store.ClearBatchNode(ctx, b.ID); err != nil {
		s.logError(err, "clearing batch node failed", map[string]any{"batchId": b.ID.String()})
	}
}

// ---- Phase C: Cancel ----

func (s *Scheduler) phaseCancel(ctx context.Context) error {
	batches, err := s.store.ListBatchesByState(ctx, agencysqlc.BatchStateCancelled)
	if err != nil {
		return err
	}
	for _, b := range batches {
		if !b.Node.Valid {
			continue
		}
		node := b.Node.String
		go func(nodeURL string, id uuid.UUID) {
			if err := s.agents.Cancel(context.Background(), nodeURL, id); err != nil {
				s.logError(err, "best-effort cancel RPC failed", map[string]any{"batchId": id.String()})
			}
		}(s.nodeURL(node), b.ID)
		s.releaseReservation(ctx, b)
	}
	return nil
}

func (s *Scheduler) nodeURL(nodeName string) string {
	return s.nodes[nodeName].URL
}

// ---- helpers shared across phases ----

func extractProtectedKeys(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	var keys []string
	var walk func(any)
	walk = func(node any) {
		switch t := node.(type) {
		case string:
			if strings.HasPrefix(t, "secretref://") {
				parts := strings.Split(t, "/")
				keys = append(keys, parts[len(parts)-1])
			}
		case map[string]any:
			for _, val := range t {
				walk(val)
			}
		case []any:
			for _, val := range t {
				walk(val)
			}
		}
	}
	walk(v)
	return keys
}

func newCallbackToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// maybeRetry rewrites a just-failed batch back to registered if
// execution.settings.retryIfFailed is set, attempts remain under
// retryLimit, and the caller has classified the failure as retryable
// (spec.md §4.7/§7: node_lost and transport failures always are; an agent
// error is only when the callback did not set disableRetry).
func (s *Scheduler) maybeRetry(ctx context.Context, batchID uuid.UUID, retryable bool) {
	if !retryable {
		return
	}
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return
	}
	exp, err := s.store.GetExperiment(ctx, b.ExperimentID)
	if err != nil {
		return
	}
	if !exp.RetryIfFailed {
		return
	}
	if int(b.Attempts) >= s.retryLimit {
		return
	}
	if err := s.store.ResetForRetry(ctx, batchID); err != nil && err != store.ErrCASConflict {
		s.logError(err, "retry reset failed", map[string]any{"batchId": batchID.String()})
	}
}
