// Package agencysqlc holds the hand-written row types and enums for the
// orchestrator's Postgres schema, in the shape sqlc would generate (teacher
// precedent: remiges-tech/alya/jobs/pg/batchsqlc/models.go). sqlc itself is
// not run as part of this build; these types are written by hand against
// the migrations in internal/store/migrations.
package agencysqlc

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// BatchState mirrors the batch state machine in spec.md §4.7.
type BatchState string

const (
	BatchStateRegistered BatchState = "registered"
	BatchStateScheduled  BatchState = "scheduled"
	BatchStateProcessing BatchState = "processing"
	BatchStateSucceeded  BatchState = "succeeded"
	BatchStateFailed     BatchState = "failed"
	BatchStateCancelled  BatchState = "cancelled"
)

func (s BatchState) Terminal() bool {
	switch s {
	case BatchStateSucceeded, BatchStateFailed, BatchStateCancelled:
		return true
	default:
		return false
	}
}

func (s *BatchState) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		*s = BatchState(v)
	case string:
		*s = BatchState(v)
	default:
		return fmt.Errorf("unsupported scan type for BatchState: %T", src)
	}
	return nil
}

func (s BatchState) Value() (driver.Value, error) {
	return string(s), nil
}

// CallbackPhase is one of the three callback phases a batch passes through.
type CallbackPhase string

const (
	CallbackPhaseInput  CallbackPhase = "input"
	CallbackPhaseMain   CallbackPhase = "main"
	CallbackPhaseOutput CallbackPhase = "output"
)

// User is a row in the users table.
type User struct {
	Username     string
	VerifierHash []byte
	VerifierSalt []byte
	IsAdmin      bool
	CreatedAt    time.Time
}

// BlockEntry is a row in the block_entries table.
type BlockEntry struct {
	ID        int64
	IP        string
	Username  string
	CreatedAt time.Time
}

// Experiment is a row in the experiments table. Immutable after creation.
type Experiment struct {
	ID                   uuid.UUID
	Username             string
	ContainerImage       string
	ContainerRAMMiB      int32
	ContainerGPUCount    int32
	ContainerGPUVRAMMin  int32
	RetryIfFailed        bool
	BatchConcurrencyLimit int32
	AccessURL            pgtype.Text
	Notifications        []string
	RegistrationTime     time.Time
}

// Batch is a row in the batches table.
type Batch struct {
	ID                  uuid.UUID
	ExperimentID        uuid.UUID
	Username            string
	BatchIndex          int32
	State               BatchState
	Node                pgtype.Text
	MountInputs         bool
	MountOutputs        bool
	ProtectedKeysVoided bool
	NotificationsSent   bool
	Attempts            int32
	LaunchAttempts      int32
	Inputs              []byte
	Outputs             []byte
	RegistrationTime    time.Time
	UpdatedAt           time.Time
}

// BatchHistoryEntry is a row in the batch_history table, append-only.
type BatchHistoryEntry struct {
	ID        int64
	BatchID   uuid.UUID
	State     BatchState
	Time      time.Time
	DebugInfo []string
	Node      pgtype.Text
	Reason    string
}

// Node is a row in the nodes table.
type Node struct {
	NodeName     string
	RAMMiB       int32
	GPUs         []NodeGPU
	RAMCommitted int32
	LastSeen     pgtype.Timestamptz
	Alive        bool
}

// NodeGPU describes one physical GPU on a node and what (if anything) has
// been assigned to it.
type NodeGPU struct {
	ID              string
	VRAMMiB         int32
	AssignedBatchID uuid.NullUUID
}

// CallbackToken is a row in the callback_tokens table. Single-use per phase.
type CallbackToken struct {
	BatchID uuid.UUID
	Phase   CallbackPhase
	Token   string
	Used    bool
}
