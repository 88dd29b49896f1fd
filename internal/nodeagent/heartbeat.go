package nodeagent

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// LivenessTracker caches per-node liveness in Redis so Phase R's reap scan
// doesn't have to wait on an HTTP probe for every node on every pass.
// Adapted from the teacher's jobs.JobManager worker heartbeat mechanism
// (remiges-tech/alya/jobs/recovery.go: RegisterWorker/RefreshHeartbeat/
// WorkerHeartbeatKey/WorkerRegistryKey), generalized from tracking live
// worker instances to tracking live container-host nodes. Deliberately
// kept on the older go-redis/redis/v8 client, matching the teacher's choice
// for this mechanism, while the Auth/session caches use redis/go-redis/v9 —
// this mirrors the teacher repo's own mixed-version Redis usage.
type LivenessTracker struct {
	client  *redis.Client
	timeout time.Duration
}

func NewLivenessTracker(client *redis.Client, nodeTimeout time.Duration) *LivenessTracker {
	if nodeTimeout <= 0 {
		nodeTimeout = 30 * time.Second
	}
	return &LivenessTracker{client: client, timeout: nodeTimeout}
}

func heartbeatKey(node string) string { return fmt.Sprintf("agency_node_%s_heartbeat", node) }

const registryKey = "agency_node_registry"

// RecordAlive marks node as alive for one nodeTimeoutSec window and adds it
// to the registry set, mirroring RegisterWorker+RefreshHeartbeat.
func (t *LivenessTracker) RecordAlive(ctx context.Context, node string) error {
	pipe := t.client.TxPipeline()
	pipe.Set(ctx, heartbeatKey(node), "alive", t.timeout)
	pipe.SAdd(ctx, registryKey, node)
	_, err := pipe.Exec(ctx)
	return err
}

// IsAlive reports whether node's heartbeat has not yet expired.
func (t *LivenessTracker) IsAlive(ctx context.Context, node string) (bool, error) {
	n, err := t.client.Exists(ctx, heartbeatKey(node)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RegisteredNodes lists every node that has ever recorded a heartbeat and
// has not since been Forgotten.
func (t *LivenessTracker) RegisteredNodes(ctx context.Context) ([]string, error) {
	return t.client.SMembers(ctx, registryKey).Result()
}

// Forget removes node from the registry, e.g. after an operator removes it
// from configuration.
func (t *LivenessTracker) Forget(ctx context.Context, node string) error {
	pipe := t.client.TxPipeline()
	pipe.SRem(ctx, registryKey, node)
	pipe.Del(ctx, heartbeatKey(node))
	_, err := pipe.Exec(ctx)
	return err
}
