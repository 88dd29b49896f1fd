package broker

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ccagency/agency/internal/red"
	"github.com/ccagency/agency/pkg/wscutils"
)

// handleCallback is the node agent's unauthenticated (token-authenticated)
// report-back endpoint for one of a batch's three phases, per spec.md
// §4.5/§4.7. Authentication here is the single-use per-phase callback
// token, not the session cookie — a node agent has no user session.
func (s *Server) handleCallback(c *gin.Context) {
	batchID, err := uuid.Parse(c.Param("batchId"))
	if err != nil {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1400, "invalid_batch_id"))
		return
	}
	phase := red.Phase(c.Param("phase"))
	if !phase.Valid() {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1400, "invalid_phase"))
		return
	}
	token := c.GetHeader("X-Callback-Token")
	if token == "" {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1401, "missing_token"))
		return
	}

	var body red.CallbackBody
	if err := wscutils.BindJSON(c, &body); err != nil {
		return
	}

	if err := s.scheduler.HandleCallback(c.Request.Context(), batchID, phase, token, &body); err != nil {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1400, "callback_rejected"))
		return
	}
	s.notifyController()
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{"accepted": true}))
}
