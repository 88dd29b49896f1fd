package broker

import (
	"github.com/gin-gonic/gin"

	"github.com/ccagency/agency/pkg/wscutils"
)

type createUserRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required,min=8"`
	IsAdmin  bool   `json:"isAdmin"`
}

func (s *Server) handleCreateUser(c *gin.Context) {
	var req createUserRequest
	if err := wscutils.BindJSON(c, &req); err != nil {
		return
	}
	if err := s.authSvc.CreateUser(c.Request.Context(), req.Username, req.Password, req.IsAdmin); err != nil {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1500, "internal_error"))
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{"created": req.Username}))
}

type usernameRequest struct {
	Username string `json:"username" validate:"required"`
}

func (s *Server) handleRemoveUser(c *gin.Context) {
	var req usernameRequest
	if err := wscutils.BindJSON(c, &req); err != nil {
		return
	}
	if err := s.authSvc.RemoveUser(c.Request.Context(), req.Username); err != nil {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1500, "internal_error"))
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{"removed": req.Username}))
}

type setPasswordRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required,min=8"`
}

func (s *Server) handleSetPassword(c *gin.Context) {
	var req setPasswordRequest
	if err := wscutils.BindJSON(c, &req); err != nil {
		return
	}
	if err := s.authSvc.SetPassword(c.Request.Context(), req.Username, req.Password); err != nil {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1500, "internal_error"))
		return
	}
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{"updated": req.Username}))
}
