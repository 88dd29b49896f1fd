// agency-broker is the Broker HTTP process entrypoint: RED intake, read
// endpoints, node-agent callbacks, login, and user administration, per
// spec.md §4.1/§6. Follows the teacher's cmd/server composition-root style
// (remiges-tech/alya/cmd), swapping in this module's own collaborators.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/ccagency/agency/internal/auth"
	"github.com/ccagency/agency/internal/blobstore"
	"github.com/ccagency/agency/internal/broker"
	"github.com/ccagency/agency/internal/config"
	"github.com/ccagency/agency/internal/logger"
	"github.com/ccagency/agency/internal/nodeagent"
	"github.com/ccagency/agency/internal/notifier"
	"github.com/ccagency/agency/internal/scheduler"
	"github.com/ccagency/agency/internal/secretclient"
	"github.com/ccagency/agency/internal/store"
	"github.com/ccagency/agency/pkg/metrics"
)

func main() {
	configPath := pflag.String("config", "/etc/agency/config.yaml", "path to the YAML configuration file")
	signingKeyPath := pflag.String("signing-key-file", "/etc/agency/signing.key", "path to persist a derived session-signing key if none is configured")
	metricsPort := pflag.String("metrics-port", "9091", "port to serve Prometheus metrics on")
	pflag.Parse()

	log := logger.New("agency-broker", os.Stdout)

	var cfg config.AppConfig
	if err := config.Load(config.NewFile(*configPath), &cfg); err != nil {
		fmt.Fprintln(os.Stderr, "loading config:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, storeConnString(cfg.Store))
	if err != nil {
		fmt.Fprintln(os.Stderr, "connecting to store:", err)
		os.Exit(1)
	}
	defer st.Close()

	redisClient := redisv9.NewClient(&redisv9.Options{Addr: cfg.Store.Host + ":6379"})
	defer redisClient.Close()

	blocklist := auth.NewBlocklist(redisClient,
		time.Duration(cfg.Broker.Auth.BlockWindowSec)*time.Second,
		cfg.Broker.Auth.BlockThreshold)
	sessions := auth.NewSessionCache(redisClient)

	signingKey, err := auth.ResolveSigningKey(cfg.Broker.Auth.JWT.SecretKey, *signingKeyPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "resolving session signing key:", err)
		os.Exit(1)
	}
	authSvc, err := auth.NewService(st, blocklist, signingKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, "constructing auth service:", err)
		os.Exit(1)
	}

	secrets := secretclient.New(cfg.Trustee.URL, cfg.Trustee.Username, cfg.Trustee.Password)

	// The Broker needs a Scheduler only for HandleCallback's store-level CAS
	// writes (spec.md: "node agents post callbacks to the Broker, which
	// writes result documents and triggers the Controller") — the Controller
	// process owns the periodic schedule pass itself, so the liveness
	// tracker and callback-URL builder this Scheduler instance carries are
	// never exercised here.
	agents := nodeagent.New(10 * time.Second)
	notif := notifier.New(st, log)
	noCallbackURLs := func(uuid.UUID) nodeagent.CallbackURLs { return nodeagent.CallbackURLs{} }

	blobs, err := newBlobStore(ctx, cfg.Blobstore)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuring blob store:", err)
		os.Exit(1)
	}

	sched := scheduler.New(
		st, secrets, agents, nil, notif, log, nil,
		noCallbackURLs,
		blobs,
		cfg.Controller.Docker.Nodes,
		time.Duration(cfg.Controller.NodeTimeoutSec)*time.Second,
		cfg.Controller.MaxLaunchAttempts,
		cfg.Controller.RetryLimit,
	)

	metricsSink := metrics.NewPrometheusMetrics()
	go metricsSink.StartMetricsServer(*metricsPort)

	srv := broker.New(st, authSvc, sessions, secrets, sched, log, metricsSink, blobs, cfg.Controller.BindSocketPath)

	httpServer := &http.Server{Addr: cfg.Broker.Bind, Handler: srv.Router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintln(os.Stderr, "broker server exited:", err)
		os.Exit(1)
	}
}

func storeConnString(c config.StoreConfig) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.Username, c.Password, c.Host, c.Port, c.DB)
}

// newBlobStore constructs the optional MinIO-backed blob store; an empty
// Endpoint means blob offload is unconfigured and this returns a nil
// *blobstore.Store, which broker.Server and scheduler.Scheduler treat as
// "feature disabled".
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
