package broker

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ccagency/agency/internal/auth"
	"github.com/ccagency/agency/internal/errkind"
	"github.com/ccagency/agency/pkg/wscutils"
)

const sessionCookieName = "agency_session"

// requireSession validates the session cookie against the SessionCache
// (stateless cookie, cache-backed revocation/expiry — spec.md §4.1)
// and stashes the authenticated username for downstream handlers and
// wscutils.GetRequestUser.
func (s *Server) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		cookie, err := c.Cookie(sessionCookieName)
		if err != nil || cookie == "" {
			wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1401, "unauthenticated"))
			c.Abort()
			return
		}

		username, err := s.authSvc.VerifySessionCookie(cookie)
		if err != nil {
			wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1401, "unauthenticated"))
			c.Abort()
			return
		}

		cached, err := s.sessions.Get(c.Request.Context(), cookie)
		if err != nil || cached != username {
			wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1401, "unauthenticated"))
			c.Abort()
			return
		}

		c.Set("RequestUser", username)
		c.Next()
	}
}

// requireAdmin gates the /admin routes; must run after requireSession.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		username, err := wscutils.GetRequestUser(c)
		if err != nil {
			wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1401, "unauthenticated"))
			c.Abort()
			return
		}
		isAdmin, err := s.authSvc.IsAdmin(c.Request.Context(), username)
		if err != nil || !isAdmin {
			c.JSON(http.StatusForbidden, wscutils.NewErrorResponse(1403, "forbidden"))
			c.Abort()
			return
		}
		c.Next()
	}
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := wscutils.BindJSON(c, &req); err != nil {
		return
	}

	ip := c.ClientIP()
	if err := s.authSvc.VerifyCredentials(c.Request.Context(), ip, req.Username, req.Password); err != nil {
		var kerr *errkind.Error
		if e, ok := err.(*errkind.Error); ok {
			kerr = e
		}
		if kerr != nil && kerr.Kind == errkind.Auth {
			wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1401, "invalid_credentials"))
			return
		}
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1500, "internal_error"))
		return
	}

	cookie := s.authSvc.IssueSessionCookie(req.Username)
	if err := s.sessions.Put(c.Request.Context(), cookie, req.Username); err != nil {
		wscutils.SendErrorResponse(c, wscutils.NewErrorResponse(1500, "internal_error"))
		return
	}

	c.SetCookie(sessionCookieName, cookie, int(auth.SessionTTL.Seconds()), "/", "", false, true)
	wscutils.SendSuccessResponse(c, wscutils.NewSuccessResponse(gin.H{"username": req.Username}))
}
