package broker

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ccagency/agency/internal/store"
	"github.com/ccagency/agency/internal/store/agencysqlc"
	"github.com/ccagency/agency/pkg/wscutils"
)

// ownUsernameOrAdmin returns the username a non-admin caller is restricted
// to, or "" (no restriction) for an admin.
func (s *Server) ownUsernameOrAdmin(c *gin.Context) (restrictTo string, err error) {
	username, err := wscutils.GetRequestUser(c)
	if err != nil {
		return "", err
	}
	isAdmin, err := s.authSvc.IsAdmin(c.Request.Context(), username)
	if err != nil {
		return "", err
	}
	if isAdmin {
		return "", nil
	}
	return username, nil
}

func (s *Server) handleListExperiments(c *gin.Context) {
	restrictTo, err := s.ownUsernameOrAdmin(c)
	if err != nil {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1401, "unauthenticated"))
		return
	}
	var usernameFilter *string
	if restrictTo != "" {
		usernameFilter = &restrictTo
	} else if q := c.Query("username"); q != "" {
		usernameFilter = &q
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	skip, _ := strconv.Atoi(c.Query("skip"))

	exps, err := s.store.ListExperiments(c.Request.Context(), usernameFilter, limit, skip)
	if err != nil {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1500, "internal_error"))
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(exps))
}

func (s *Server) handleGetExperiment(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1400, "invalid_id"))
		return
	}
	exp, err := s.store.GetExperiment(c.Request.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1404, "not_found"))
			return
		}
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1500, "internal_error"))
		return
	}
	if !s.mayAccess(c, exp.Username) {
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(exp))
}

func (s *Server) handleListBatches(c *gin.Context) {
	restrictTo, err := s.ownUsernameOrAdmin(c)
	if err != nil {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1401, "unauthenticated"))
		return
	}
	f := store.BatchFilter{Username: restrictTo}
	if restrictTo == "" {
		f.Username = c.Query("username")
	}
	if st := c.Query("state"); st != "" {
		f.State = agencysqlc.BatchState(st)
	}
	if eid := c.Query("experimentId"); eid != "" {
		if id, err := uuid.Parse(eid); err == nil {
			f.ExperimentID = id
		}
	}

	batches, err := s.store.ListBatches(c.Request.Context(), f)
	if err != nil {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1500, "internal_error"))
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(batches))
}

func (s *Server) handleGetBatch(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1400, "invalid_id"))
		return
	}
	b, err := s.store.GetBatch(c.Request.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1404, "not_found"))
			return
		}
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1500, "internal_error"))
		return
	}
	if !s.mayAccess(c, b.Username) {
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(b))
}

// handleCancelBatch CASes a non-terminal batch to cancelled. Resource
// release and the best-effort agent cancel RPC happen asynchronously in the
// Scheduler's next Phase C/R, not inline in the request.
func (s *Server) handleCancelBatch(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1400, "invalid_id"))
		return
	}
	b, err := s.store.GetBatch(c.Request.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1404, "not_found"))
			return
		}
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1500, "internal_error"))
		return
	}
	if !s.mayAccess(c, b.Username) {
		return
	}
	if b.State.Terminal() {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1409, "already_terminal"))
		return
	}

	ok, err := s.store.CompareAndSetBatchState(c.Request.Context(), id, b.State, agencysqlc.BatchStateCancelled, nil, "cancelled_by_user", nil)
	if err != nil {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1500, "internal_error"))
		return
	}
	if !ok {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1409, "state_changed_concurrently"))
		return
	}

	s.notifyController()
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{"cancelled": true}))
}

func (s *Server) handleListNodes(c *gin.Context) {
	nodes, err := s.store.ListNodes(c.Request.Context())
	if err != nil {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1500, "internal_error"))
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(nodes))
}

// mayAccess reports whether the caller may view/modify a resource owned by
// owner, writing the 403 response itself when it returns false.
func (s *Server) mayAccess(c *gin.Context, owner string) bool {
	restrictTo, err := s.ownUsernameOrAdmin(c)
	if err != nil {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1401, "unauthenticated"))
		return false
	}
	if restrictTo != "" && restrictTo != owner {
		c.JSON(http.StatusForbidden, wscutils.NewErrorResponse(1403, "forbidden"))
		return false
	}
	return true
}
