// Package store is the orchestrator's durable persistence layer: users,
// experiments, batches, nodes, block entries and callback tokens, plus the
// secondary indexes and compare-and-set primitive spec.md §4.3 requires.
// Adapted from the teacher's jobs.JobManager persistence style
// (remiges-tech/alya/jobs/jobmanager.go, jobs/batch.go): pgxpool for
// connection pooling, explicit SQL, pgtype conversions, transaction-scoped
// queries for multi-row writes.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ccagency/agency/internal/store/agencysqlc"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrCASConflict reports that a batch's current state did not match the
// expected state. ResetForRetry returns it; CompareAndSetBatchState reports
// the same case as ok == false with a nil error.
var ErrCASConflict = errors.New("store: compare-and-set conflict")

// Store wraps a pgx connection pool.
type Store struct {
	Pool *pgxpool.Pool
}

// New connects to Postgres and returns a Store. Mirrors the teacher's
// batch/pg.NewProvider connection pattern but returns the error instead of
// log.Fatal, since a library should never decide to kill the process.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connecting to store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging store: %w", err)
	}
	return &Store{Pool: pool}, nil
}

func (s *Store) Close() { s.Pool.Close() }

// ---- Users ----

func (s *Store) CreateUser(ctx context.Context, username string, verifierHash, verifierSalt []byte, isAdmin bool) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO users (username, verifier_hash, verifier_salt, is_admin)
		VALUES ($1, $2, $3, $4)`, username, verifierHash, verifierSalt, isAdmin)
	return err
}

func (s *Store) RemoveUser(ctx context.Context, username string) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM users WHERE username = $1`, username)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetPassword(ctx context.Context, username string, verifierHash, verifierSalt []byte) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE users SET verifier_hash = $2, verifier_salt = $3 WHERE username = $1`,
		username, verifierHash, verifierSalt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*agencysqlc.User, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT username, verifier_hash, verifier_salt, is_admin, created_at
		FROM users WHERE username = $1`, username)
	var u agencysqlc.User
	if err := row.Scan(&u.Username, &u.VerifierHash, &u.VerifierSalt, &u.IsAdmin, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// ---- Block entries (auth rate limiting) ----

func (s *Store) AddBlockEntry(ctx context.Context, ip, username string) error {
	_, err := s.Pool.Exec(ctx, `INSERT INTO block_entries (ip, username) VALUES ($1, $2)`, ip, username)
	return err
}

// CountBlockEntries counts entries for (ip, username) newer than since.
func (s *Store) CountBlockEntries(ctx context.Context, ip, username string, since time.Time) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx, `
		SELECT count(*) FROM block_entries
		WHERE ip = $1 AND username = $2 AND created_at >= $3`, ip, username, since).Scan(&n)
	return n, err
}

// PurgeBlockEntries removes entries for (ip, username); called on successful auth.
func (s *Store) PurgeBlockEntries(ctx context.Context, ip, username string) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM block_entries WHERE ip = $1 AND username = $2`, ip, username)
	return err
}

// PruneBlockEntriesOlderThan opportunistically TTL-prunes stale entries.
func (s *Store) PruneBlockEntriesOlderThan(ctx context.Context, cutoff time.Time) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM block_entries WHERE created_at < $1`, cutoff)
	return err
}

// ---- Experiments ----

func (s *Store) InsertExperiment(ctx context.Context, e *agencysqlc.Experiment) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO experiments (id, username, container_image, container_ram_mib,
			container_gpu_count, container_gpu_vram_min, retry_if_failed,
			batch_concurrency_limit, access_url, notifications, registration_time)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.ID, e.Username, e.ContainerImage, e.ContainerRAMMiB, e.ContainerGPUCount,
		e.ContainerGPUVRAMMin, e.RetryIfFailed, e.BatchConcurrencyLimit, e.AccessURL,
		e.Notifications, e.RegistrationTime)
	return err
}

func (s *Store) GetExperiment(ctx context.Context, id uuid.UUID) (*agencysqlc.Experiment, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, username, container_image, container_ram_mib, container_gpu_count,
			container_gpu_vram_min, retry_if_failed, batch_concurrency_limit, access_url,
			notifications, registration_time
		FROM experiments WHERE id = $1`, id)
	var e agencysqlc.Experiment
	if err := row.Scan(&e.ID, &e.Username, &e.ContainerImage, &e.ContainerRAMMiB,
		&e.ContainerGPUCount, &e.ContainerGPUVRAMMin, &e.RetryIfFailed,
		&e.BatchConcurrencyLimit, &e.AccessURL, &e.Notifications, &e.RegistrationTime); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// ListExperiments lists experiments, optionally filtered by username, with
// pagination. Passing username=nil lists across all users (admin view).
func (s *Store) ListExperiments(ctx context.Context, username *string, limit, skip int) ([]agencysqlc.Experiment, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, username, container_image, container_ram_mib, container_gpu_count,
			container_gpu_vram_min, retry_if_failed, batch_concurrency_limit, access_url,
			notifications, registration_time
		FROM experiments`
	args := []any{}
	if username != nil {
		query += ` WHERE username = $1`
		args = append(args, *username)
	}
	query += fmt.Sprintf(` ORDER BY registration_time ASC LIMIT %d OFFSET %d`, limit, skip)

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []agencysqlc.Experiment
	for rows.Next() {
		var e agencysqlc.Experiment
		if err := rows.Scan(&e.ID, &e.Username, &e.ContainerImage, &e.ContainerRAMMiB,
			&e.ContainerGPUCount, &e.ContainerGPUVRAMMin, &e.RetryIfFailed,
			&e.BatchConcurrencyLimit, &e.AccessURL, &e.Notifications, &e.RegistrationTime); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- Batches ----

// InsertBatches inserts N batches for one experiment in a single
// transaction, mirroring the teacher's BatchSubmit transaction pattern
// (remiges-tech/alya/jobs/batch.go) generalized from one-row-per-call to
// bulk insert of an experiment's whole batch set.
func (s *Store) InsertBatches(ctx context.Context, batches []*agencysqlc.Batch) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, b := range batches {
		_, err := tx.Exec(ctx, `
			INSERT INTO batches (id, experiment_id, username, batch_index, state,
				mount_inputs, mount_outputs, inputs, outputs, registration_time, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)`,
			b.ID, b.ExperimentID, b.Username, b.BatchIndex, b.State,
			b.MountInputs, b.MountOutputs, b.Inputs, b.Outputs, b.RegistrationTime)
		if err != nil {
			return fmt.Errorf("inserting batch %s: %w", b.ID, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO batch_history (batch_id, state, reason) VALUES ($1, $2, 'registered')`,
			b.ID, b.State); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

const batchColumns = `id, experiment_id, username, batch_index, state, node, mount_inputs,
	mount_outputs, protected_keys_voided, notifications_sent, attempts, launch_attempts, inputs, outputs,
	registration_time, updated_at`

func scanBatch(row pgx.Row) (*agencysqlc.Batch, error) {
	var b agencysqlc.Batch
	err := row.Scan(&b.ID, &b.ExperimentID, &b.Username, &b.BatchIndex, &b.State, &b.Node,
		&b.MountInputs, &b.MountOutputs, &b.ProtectedKeysVoided, &b.NotificationsSent,
		&b.Attempts, &b.LaunchAttempts, &b.Inputs, &b.Outputs, &b.RegistrationTime, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

func (s *Store) GetBatch(ctx context.Context, id uuid.UUID) (*agencysqlc.Batch, error) {
	return scanBatch(s.Pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id))
}

// BatchFilter narrows ListBatches; zero values mean "no filter".
type BatchFilter struct {
	State        agencysqlc.BatchState
	ExperimentID uuid.UUID
	Username     string
}

func (s *Store) ListBatches(ctx context.Context, f BatchFilter) ([]*agencysqlc.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE true`
	args := []any{}
	if f.State != "" {
		args = append(args, f.State)
		query += fmt.Sprintf(` AND state = $%d`, len(args))
	}
	if f.ExperimentID != uuid.Nil {
		args = append(args, f.ExperimentID)
		query += fmt.Sprintf(` AND experiment_id = $%d`, len(args))
	}
	if f.Username != "" {
		args = append(args, f.Username)
		query += fmt.Sprintf(` AND username = $%d`, len(args))
	}
	query += ` ORDER BY registration_time ASC, batch_index ASC`

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*agencysqlc.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListBatchesByState is a convenience wrapper for the Scheduler's phase
// queries (registered/scheduled/processing scans).
func (s *Store) ListBatchesByState(ctx context.Context, state agencysqlc.BatchState) ([]*agencysqlc.Batch, error) {
	return s.ListBatches(ctx, BatchFilter{State: state})
}

// ListBatchesPendingNotification returns terminal batches with
// notifications_sent=false, for Phase N.
func (s *Store) ListBatchesPendingNotification(ctx context.Context) ([]*agencysqlc.Batch, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+batchColumns+` FROM batches
		WHERE notifications_sent = false AND state IN ('succeeded','failed','cancelled')
		ORDER BY experiment_id, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*agencysqlc.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListBatchesPendingSecretDeletion returns terminal batches with
// protected_keys_voided=false, for Phase R.
func (s *Store) ListBatchesPendingSecretDeletion(ctx context.Context) ([]*agencysqlc.Batch, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+batchColumns+` FROM batches
		WHERE protected_keys_voided = false AND state IN ('succeeded','failed','cancelled')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*agencysqlc.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListBatchesWithReservedNode returns terminal batches that still carry a
// node assignment, i.e. whose resource reservation has not yet been
// released by Phase R/C.
func (s *Store) ListBatchesWithReservedNode(ctx context.Context) ([]*agencysqlc.Batch, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+batchColumns+` FROM batches
		WHERE node IS NOT NULL AND state IN ('succeeded','failed','cancelled')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*agencysqlc.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ClearBatchNode releases a batch's node assignment after its reservation
// has been released.
func (s *Store) ClearBatchNode(ctx context.Context, id uuid.UUID) error {
	_, err := s.Pool.Exec(ctx, `UPDATE batches SET node = NULL WHERE id = $1`, id)
	return err
}

// CountInFlight returns the number of batches of experiment id in
// {scheduled, processing}, for admission control (invariant 3).
func (s *Store) CountInFlight(ctx context.Context, experimentID uuid.UUID) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx, `
		SELECT count(*) FROM batches
		WHERE experiment_id = $1 AND state IN ('scheduled','processing')`, experimentID).Scan(&n)
	return n, err
}

// CompareAndSetBatchState performs the CAS update spec.md §4.3 requires,
// keyed by (batch.id, expectedState). node, when non-nil, is recorded with
// the transition (e.g. admit sets the assigned node).
func (s *Store) CompareAndSetBatchState(ctx context.Context, id uuid.UUID, expected, next agencysqlc.BatchState, node *string, reason string, debugInfo []string) (bool, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var nodeArg pgtype.Text
	if node != nil {
		nodeArg = pgtype.Text{String: *node, Valid: true}
	}

	var tag pgconn.CommandTag
	if node != nil {
		tag, err = tx.Exec(ctx, `
			UPDATE batches SET state = $3, node = $4, updated_at = now()
			WHERE id = $1 AND state = $2`, id, expected, next, nodeArg)
	} else {
		tag, err = tx.Exec(ctx, `
			UPDATE batches SET state = $3, updated_at = now()
			WHERE id = $1 AND state = $2`, id, expected, next)
	}
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO batch_history (batch_id, state, node, reason, debug_info)
		VALUES ($1, $2, $3, $4, $5)`, id, next, nodeArg, reason, debugInfo); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) SetBatchNotificationsSent(ctx context.Context, id uuid.UUID, sent bool) error {
	_, err := s.Pool.Exec(ctx, `UPDATE batches SET notifications_sent = $2 WHERE id = $1`, id, sent)
	return err
}

func (s *Store) SetBatchProtectedKeysVoided(ctx context.Context, id uuid.UUID, voided bool) error {
	_, err := s.Pool.Exec(ctx, `UPDATE batches SET protected_keys_voided = $2 WHERE id = $1`, id, voided)
	return err
}

// UpdateBatchResults persists the result payload a callback reported back
// onto the batch's inputs/outputs columns. Either argument may be nil, in
// which case that column is left untouched, so a PhaseInput callback (which
// only carries Inputs) doesn't clobber Outputs and vice versa.
func (s *Store) UpdateBatchResults(ctx context.Context, id uuid.UUID, inputs, outputs []byte) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE batches SET
			inputs = COALESCE($2, inputs),
			outputs = COALESCE($3, outputs)
		WHERE id = $1`, id, inputs, outputs)
	return err
}

// ResetForRetry rewrites a failed batch to registered, clearing its node and
// incrementing attempts, per spec.md §4.7's retry policy.
func (s *Store) ResetForRetry(ctx context.Context, id uuid.UUID) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE batches SET state = 'registered', node = NULL, attempts = attempts + 1, updated_at = now()
		WHERE id = $1 AND state = 'failed'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCASConflict
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO batch_history (batch_id, state, reason) VALUES ($1, 'registered', 'retry')`, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// IncrementLaunchAttempts records one more launch attempt for a batch still
// in registered (a transportFailure from NodeAgentClient.Launch) and returns
// the new count, so Phase A can compare it against maxLaunchAttempts.
func (s *Store) IncrementLaunchAttempts(ctx context.Context, id uuid.UUID) (int32, error) {
	var n int32
	err := s.Pool.QueryRow(ctx, `
		UPDATE batches SET launch_attempts = launch_attempts + 1, updated_at = now()
		WHERE id = $1 RETURNING launch_attempts`, id).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return n, nil
}

func (s *Store) AppendBatchHistory(ctx context.Context, id uuid.UUID, state agencysqlc.BatchState, reason string, debugInfo []string) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO batch_history (batch_id, state, reason, debug_info) VALUES ($1, $2, $3, $4)`,
		id, state, reason, debugInfo)
	return err
}

// ---- Nodes ----

func (s *Store) UpsertNode(ctx context.Context, n *agencysqlc.Node) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO nodes (node_name, ram_mib, gpus, ram_committed, alive)
		VALUES ($1, $2, $3, 0, false)
		ON CONFLICT (node_name) DO UPDATE SET ram_mib = $2, gpus = $3`,
		n.NodeName, n.RAMMiB, n.GPUs)
	return err
}

func (s *Store) ListNodes(ctx context.Context) ([]*agencysqlc.Node, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT node_name, ram_mib, gpus, ram_committed, last_seen, alive FROM nodes ORDER BY node_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*agencysqlc.Node
	for rows.Next() {
		var n agencysqlc.Node
		if err := rows.Scan(&n.NodeName, &n.RAMMiB, &n.GPUs, &n.RAMCommitted, &n.LastSeen, &n.Alive); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (s *Store) GetNode(ctx context.Context, name string) (*agencysqlc.Node, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT node_name, ram_mib, gpus, ram_committed, last_seen, alive FROM nodes WHERE node_name = $1`, name)
	var n agencysqlc.Node
	if err := row.Scan(&n.NodeName, &n.RAMMiB, &n.GPUs, &n.RAMCommitted, &n.LastSeen, &n.Alive); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &n, nil
}

func (s *Store) UpdateNodeLiveness(ctx context.Context, name string, alive bool, lastSeen time.Time) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE nodes SET alive = $2, last_seen = $3 WHERE node_name = $1`, name, alive, lastSeen)
	return err
}

// SetNodeGPUs overwrites a node's GPU assignment vector, used by the
// scheduler when it commits or releases a GPU-to-batch assignment.
func (s *Store) SetNodeGPUs(ctx context.Context, nodeName string, gpus []agencysqlc.NodeGPU) error {
	_, err := s.Pool.Exec(ctx, `UPDATE nodes SET gpus = $2 WHERE node_name = $1`, nodeName, gpus)
	return err
}

// SetNodeRAMCommitted overwrites a node's committed RAM figure.
func (s *Store) SetNodeRAMCommitted(ctx context.Context, nodeName string, ramCommitted int32) error {
	_, err := s.Pool.Exec(ctx, `UPDATE nodes SET ram_committed = $2 WHERE node_name = $1`, nodeName, ramCommitted)
	return err
}

// ReleaseBatchGPUs clears every GPU assignment pointing at batchID across
// all nodes, used when a terminal batch's reservation is released. It does
// not touch RAM commitments; the caller adjusts those separately.
func (s *Store) ReleaseBatchGPUs(ctx context.Context, batchID uuid.UUID) error {
	nodes, err := s.ListNodes(ctx)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		changed := false
		for i := range n.GPUs {
			if n.GPUs[i].AssignedBatchID.Valid && n.GPUs[i].AssignedBatchID.UUID == batchID {
				n.GPUs[i].AssignedBatchID = uuid.NullUUID{}
				changed = true
			}
		}
		if changed {
			if err := s.SetNodeGPUs(ctx, n.NodeName, n.GPUs); err != nil {
				return err
			}
		}
	}
	return nil
}

// ---- Callback tokens ----

func (s *Store) CreateCallbackToken(ctx context.Context, batchID uuid.UUID, phase agencysqlc.CallbackPhase, token string) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO callback_tokens (batch_id, phase, token) VALUES ($1, $2, $3)`, batchID, phase, token)
	return err
}

// ConsumeCallbackToken looks up a token for (batchID, phase) and marks it
// used exactly once. The second identical call for the same phase finds
// used=true already and reports alreadyUsed=true without erroring, giving
// the idempotent-callback property spec.md §8 requires.
func (s *Store) ConsumeCallbackToken(ctx context.Context, batchID uuid.UUID, phase agencysqlc.CallbackPhase, token string) (alreadyUsed bool, err error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var stored string
	var used bool
	row := tx.QueryRow(ctx, `
		SELECT token, used FROM callback_tokens WHERE batch_id = $1 AND phase = $2 FOR UPDATE`, batchID, phase)
	if err := row.Scan(&stored, &used); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	if stored != token {
		return false, ErrNotFound
	}
	if used {
		return true, nil
	}
	if _, err := tx.Exec(ctx, `
		UPDATE callback_tokens SET used = true WHERE batch_id = $1 AND phase = $2`, batchID, phase); err != nil {
		return false, err
	}
	return false, tx.Commit(ctx)
}
