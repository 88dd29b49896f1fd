// Package broker is the orchestrator's public HTTP surface: RED submission,
// experiment/batch/node read endpoints, node-agent phase callbacks, session
// login, and user administration, per spec.md §4.1/§6. Grounded on the
// teacher's gin engine + wscutils response envelope + auth middleware
// composition (remiges-tech/alya/router/*.go), with the OIDC/JWT middleware
// replaced by the session-cookie auth.Service this module carries instead.
package broker

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/ccagency/agency/internal/auth"
	"github.com/ccagency/agency/internal/blobstore"
	"github.com/ccagency/agency/internal/mailbox"
	"github.com/ccagency/agency/internal/scheduler"
	"github.com/ccagency/agency/internal/secretclient"
	"github.com/ccagency/agency/internal/store"
	"github.com/ccagency/agency/pkg/metrics"
)

// Server holds every collaborator the Broker's handlers need.
type Server struct {
	store     *store.Store
	authSvc   *auth.Service
	sessions  *auth.SessionCache
	secrets   *secretclient.Client
	scheduler *scheduler.Scheduler
	logger    *logharbour.Logger
	metrics   metrics.Metrics
	blobs     *blobstore.Store

	// mailboxSocket is the Controller's unix datagram socket path; handlers
	// that change admission-relevant state (RED submission, cancellation)
	// ping it so the next schedule pass runs promptly instead of waiting out
	// the periodic interval.
	mailboxSocket string
}

func New(
	st *store.Store,
	authSvc *auth.Service,
	sessions *auth.SessionCache,
	secrets *secretclient.Client,
	sched *scheduler.Scheduler,
	log *logharbour.Logger,
	metricsSink metrics.Metrics,
	blobs *blobstore.Store,
	mailboxSocket string,
) *Server {
	if metricsSink != nil {
		metricsSink.RegisterWithLabels("agency_http_requests_total", "Counter", "HTTP requests handled by the broker", []string{"method", "path", "status"})
	}
	return &Server{
		store:         st,
		authSvc:       authSvc,
		sessions:      sessions,
		secrets:       secrets,
		scheduler:     sched,
		logger:        log,
		metrics:       metricsSink,
		blobs:         blobs,
		mailboxSocket: mailboxSocket,
	}
}

// maybeOffload routes contents through the blob store when one is
// configured, leaving contents untouched otherwise.
func (s *Server) maybeOffload(ctx context.Context, batchID uuid.UUID, field string, contents []byte) ([]byte, error) {
	if s.blobs == nil {
		return contents, nil
	}
	return s.blobs.MaybeOffload(ctx, batchID, field, contents)
}

// Router assembles the gin engine: unauthenticated health/login/callback
// routes, then the session-protected experiment/batch/node/admin routes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, gin.H{"Hello": "World"})
	})
	r.POST("/login", s.handleLogin)
	r.POST("/callback/:batchId/:phase", s.handleCallback)

	auth := r.Group("/")
	auth.Use(s.requireSession())
	{
		auth.POST("/red", s.handleSubmitRED)
		auth.DELETE("/batches/:id", s.handleCancelBatch)
		auth.GET("/experiments", s.handleListExperiments)
		auth.GET("/experiments/:id", s.handleGetExperiment)
		auth.GET("/batches", s.handleListBatches)
		auth.GET("/batches/:id", s.handleGetBatch)
		auth.GET("/nodes", s.handleListNodes)
	}

	admin := r.Group("/admin")
	admin.Use(s.requireSession(), s.requireAdmin())
	{
		admin.POST("/create_user", s.handleCreateUser)
		admin.POST("/remove_user", s.handleRemoveUser)
		admin.POST("/set_password", s.handleSetPassword)
	}

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		status := c.Writer.Status()
		if s.metrics != nil {
			s.metrics.RecordWithLabels("agency_http_requests_total", 1, c.Request.Method, c.FullPath(), fmt.Sprintf("%d", status))
		}
		if s.logger == nil {
			return
		}
		s.logger.Info().LogActivity("http request", map[string]any{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": status,
		})
	}
}

// notifyController signals the Controller's mailbox that admission-relevant
// state changed, coalescing per spec.md §4.6. A send failure is logged, not
// fatal: the periodic schedule pass is the backstop.
func (s *Server) notifyController() {
	if s.mailboxSocket == "" {
		return
	}
	if err := mailbox.Send(s.mailboxSocket, mailbox.Trigger{Destination: "schedule"}); err != nil && s.logger != nil {
		s.logger.Warn().LogActivity("mailbox notify failed", map[string]any{"error": err.Error()})
	}
}
