package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// sessionCookie is the admin session cookie name, grounded on the
// teacher's requireSession/csrfMiddleware pair (gin_middleware.go) —
// rebuilt here because those methods called a getSession helper that
// was never actually defined in the retrieved sources.
const sessionCookie = "boxhost_session"

const sessionTTL = 12 * time.Hour

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleSetup performs the one-time admin password bootstrap.
func (s *Server) handleSetup(c *gin.Context) {
	if s.authMgr.IsInitialized() {
		c.JSON(http.StatusConflict, gin.H{"error": "already initialized"})
		return
	}
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
		return
	}
	if err := s.authMgr.Setup(req.Password); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "initialized"})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
		return
	}
	if !s.authMgr.Verify(req.Username, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	sess := s.sessions.Create(req.Username, sessionTTL)
	c.SetCookie(sessionCookie, sess.ID, int(sessionTTL.Seconds()), "/", "", s.secureCookies, true)
	c.JSON(http.StatusOK, gin.H{"csrf_token": sess.CSRF})
}

func (s *Server) handleLogout(c *gin.Context) {
	if id, err := c.Cookie(sessionCookie); err == nil {
		s.sessions.Delete(id)
	}
	c.SetCookie(sessionCookie, "", -1, "/", "", s.secureCookies, true)
	c.JSON(http.StatusOK, gin.H{"status": "logged out"})
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (s *Server) handleChangePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
		return
	}
	if err := s.authMgr.ChangePassword(req.OldPassword, req.NewPassword); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "changed"})
}

// requireSession rejects requests without a live admin session cookie.
func (s *Server) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := c.Cookie(sessionCookie)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		if _, ok := s.sessions.Get(id); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// requireCSRF enforces X-CSRF-Token on state-changing requests, matching
// the session's token (spec.md doesn't cover this internal admin surface
// directly; modeled on the teacher's csrfMiddleware).
func (s *Server) requireCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := c.Cookie(sessionCookie)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		sess, ok := s.sessions.Get(id)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		if tok := c.GetHeader("X-CSRF-Token"); tok == "" || tok != sess.CSRF {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			c.Abort()
			return
		}
		c.Next()
	}
}
