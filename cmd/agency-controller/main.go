// agency-controller is the Controller process entrypoint: it owns the
// single-writer schedule pass (internal/scheduler) and the mailbox that
// triggers it, per spec.md §4.6/§6. Wiring follows the teacher's cmd/server
// composition-root style (remiges-tech/alya/cmd) — load config, construct
// every collaborator, then run until signalled.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/spf13/pflag"

	"github.com/ccagency/agency/internal/blobstore"
	"github.com/ccagency/agency/internal/config"
	"github.com/ccagency/agency/internal/logger"
	"github.com/ccagency/agency/internal/mailbox"
	"github.com/ccagency/agency/internal/nodeagent"
	"github.com/ccagency/agency/internal/notifier"
	"github.com/ccagency/agency/internal/scheduler"
	"github.com/ccagency/agency/internal/secretclient"
	"github.com/ccagency/agency/internal/store"
	"github.com/ccagency/agency/internal/store/agencysqlc"
	"github.com/ccagency/agency/pkg/metrics"
)

func main() {
	configPath := pflag.String("config", "/etc/agency/config.yaml", "path to the YAML configuration file")
	brokerBaseURL := pflag.String("broker-url", "", "externally reachable base URL of the Broker, for node-agent callbacks")
	metricsPort := pflag.String("metrics-port", "9090", "port to serve Prometheus metrics on")
	pflag.Parse()

	log := logger.New("agency-controller", os.Stdout)

	var cfg config.AppConfig
	if err := config.Load(config.NewFile(*configPath), &cfg); err != nil {
		fmt.Fprintln(os.Stderr, "loading config:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	connString := storeConnString(cfg.Store)
	st, err := store.New(ctx, connString)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connecting to store:", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := runMigrations(ctx, connString); err != nil {
		fmt.Fprintln(os.Stderr, "running migrations:", err)
		os.Exit(1)
	}

	if err := seedNodes(ctx, st, cfg.Controller.Docker.Nodes); err != nil {
		fmt.Fprintln(os.Stderr, "seeding node configuration:", err)
		os.Exit(1)
	}

	secrets := secretclient.New(cfg.Trustee.URL, cfg.Trustee.Username, cfg.Trustee.Password)
	agents := nodeagent.New(time.Duration(cfg.Controller.NodeTimeoutSec) * time.Second)

	livenessRedis := goredis.NewClient(&goredis.Options{Addr: cfg.Store.Host + ":6379"})
	defer livenessRedis.Close()
	liveness := nodeagent.NewLivenessTracker(livenessRedis, time.Duration(cfg.Controller.NodeTimeoutSec)*time.Second)

	notif := notifier.New(st, log)
	metricsSink := metrics.NewPrometheusMetrics()
	go metricsSink.StartMetricsServer(*metricsPort)

	callbackBuilder := func(batchID uuid.UUID) nodeagent.CallbackURLs {
		base := *brokerBaseURL
		return nodeagent.CallbackURLs{
			Input:  fmt.Sprintf("%s/callback/%s/input", base, batchID),
			Main:   fmt.Sprintf("%s/callback/%s/main", base, batchID),
			Output: fmt.Sprintf("%s/callback/%s/output", base, batchID),
		}
	}

	blobs, err := newBlobStore(ctx, cfg.Blobstore)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuring blob store:", err)
		os.Exit(1)
	}

	sched := scheduler.New(
		st, secrets, agents, liveness, notif, log, metricsSink,
		callbackBuilder,
		blobs,
		cfg.Controller.Docker.Nodes,
		time.Duration(cfg.Controller.NodeTimeoutSec)*time.Second,
		cfg.Controller.MaxLaunchAttempts,
		cfg.Controller.RetryLimit,
	)

	box, err := mailbox.Listen(cfg.Controller.BindSocketPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "starting mailbox:", err)
		os.Exit(1)
	}
	defer box.Close()

	interval := time.Duration(cfg.Controller.SchedulingIntervalSec) * time.Second
	runLoop(ctx, box, sched, interval, log)
}

// runLoop runs one schedule pass immediately, then again whenever the
// mailbox wakes it or the periodic interval elapses, whichever comes
// first — the periodic tick is the backstop for triggers lost to a crash
// between send and receive, per spec.md §4.6.
func runLoop(ctx context.Context, box *mailbox.Mailbox, sched *scheduler.Scheduler, interval time.Duration, log *logharbour.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	wake := make(chan struct{}, 1)
	go func() {
		for {
			if _, err := box.Receive(ctx); err != nil {
				return
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}()

	for {
		if err := sched.RunPass(ctx); err != nil {
			log.Error(err).LogActivity("schedule pass failed", nil)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

func storeConnString(c config.StoreConfig) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.Username, c.Password, c.Host, c.Port, c.DB)
}

func seedNodes(ctx context.Context, st *store.Store, nodes []config.NodeConfig) error {
	for _, n := range nodes {
		gpus := make([]agencysqlc.NodeGPU, len(n.Hardware.GPUs))
		for i, g := range n.Hardware.GPUs {
			gpus[i] = agencysqlc.NodeGPU{ID: g.ID, VRAMMiB: int32(g.VRAM)}
		}
		if err := st.UpsertNode(ctx, &agencysqlc.Node{
			NodeName: n.NodeName,
			RAMMiB:   int32(n.Hardware.RAM),
			GPUs:     gpus,
		}); err != nil {
			return fmt.Errorf("seeding node %s: %w", n.NodeName, err)
		}
	}
	return nil
}

func runMigrations(ctx context.Context, connString string) error {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	return store.Migrate(ctx, conn)
}

// newBlobStore constructs the optional MinIO-backed blob store. An empty
// Endpoint means the operator has not configured blob offload; every
// batch's inputs/outputs then stay inline and this returns a nil *Store,
// which scheduler.Scheduler and broker.Server treat as "feature disabled".
func newBlobStore(ctx context.Context, cfg config.BlobConfig) (*blobstore.Store, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}
	blobs := blobstore.New(client, cfg.Bucket)
	if err := blobs.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensuring bucket %s: %w", cfg.Bucket, err)
	}
	return blobs, nil
}
