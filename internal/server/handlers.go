package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"boxhost/internal/boxerr"
)

// maxInstallBody caps an in-memory package upload. Larger installs are
// expected to go through a reverse proxy with its own streaming limit;
// this is just a sanity ceiling for the handler itself.
const maxInstallBody = 64 << 20

func splitPermissions(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeLifecycleError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case boxerr.OfKind(err, boxerr.KindNotFound):
		status = http.StatusNotFound
	case boxerr.OfKind(err, boxerr.KindConflict):
		status = http.StatusConflict
	case boxerr.OfKind(err, boxerr.KindValidation), boxerr.OfKind(err, boxerr.KindPathTraversal):
		status = http.StatusBadRequest
	case boxerr.OfKind(err, boxerr.KindForbidden):
		status = http.StatusForbidden
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// handleInstall implements spec §4.H Install: the request body is the
// raw .gin package bytes, permissions come from a comma-separated
// ?permissions= query parameter.
func (s *Server) handleInstall(c *gin.Context) {
	name := c.Param("name")
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInstallBody))
	if err != nil {
		c.String(http.StatusInternalServerError, "INTERNAL_SERVER_ERROR - %v", err)
		return
	}
	if err := s.lifecycleMgr.Install(c.Request.Context(), name, body, splitPermissions(c.Query("permissions"))); err != nil {
		writeLifecycleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "installed"})
}

// handleUpgrade implements spec §4.H Upgrade. ?backup= defaults to true.
func (s *Server) handleUpgrade(c *gin.Context) {
	name := c.Param("name")
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInstallBody))
	if err != nil {
		c.String(http.StatusInternalServerError, "INTERNAL_SERVER_ERROR - %v", err)
		return
	}
	backup := true
	if v := c.Query("backup"); v != "" {
		backup, _ = strconv.ParseBool(v)
	}
	if err := s.lifecycleMgr.Upgrade(c.Request.Context(), name, body, splitPermissions(c.Query("permissions")), backup); err != nil {
		writeLifecycleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "upgraded"})
}

// handleRollback implements spec §4.H Rollback: restore the newest backup.
func (s *Server) handleRollback(c *gin.Context) {
	name := c.Param("name")
	if err := s.lifecycleMgr.Rollback(c.Request.Context(), name, splitPermissions(c.Query("permissions"))); err != nil {
		writeLifecycleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rolled back"})
}

func (s *Server) handleDelete(c *gin.Context) {
	name := c.Param("name")
	if err := s.lifecycleMgr.Delete(c.Request.Context(), name); err != nil {
		writeLifecycleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (s *Server) handleReload(c *gin.Context) {
	name := c.Param("name")
	if err := s.lifecycleMgr.Reload(c.Request.Context(), name); err != nil {
		writeLifecycleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}

type setPermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

func (s *Server) handleSetPermissions(c *gin.Context) {
	name := c.Param("name")
	var req setPermissionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
		return
	}
	if err := s.lifecycleMgr.SetPermissions(c.Request.Context(), name, req.Permissions); err != nil {
		writeLifecycleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "permissions set"})
}
