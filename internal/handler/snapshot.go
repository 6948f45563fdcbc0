package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"guardian/internal/engine"
)

type SnapshotHandler interface {
	GetSnapshot(c *gin.Context)
	Unlock(c *gin.Context)
}

type snapshotHandler struct {
	engine *engine.Engine
	logger *zap.Logger
}

func NewSnapshotHandler(e *engine.Engine, logger *zap.Logger) SnapshotHandler {
	return &snapshotHandler{engine: e, logger: logger}
}

// GetSnapshot handles GET /snapshot/:subjectId
// Query parameters:
//   - role: guardian or student
//   - requesterId: the guardian id, or the subject's own id for students
//   - limit: optional, keep only the most recent N events
func (h *snapshotHandler) GetSnapshot(c *gin.Context) {
	role, requesterID, ok := resolveIdentity(c, c.Query("role"), c.Query("requesterId"))
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = n
	}

	snap, err := h.engine.Snapshot(c.Request.Context(), engine.SnapshotRequest{
		SubjectID:   c.Param("subjectId"),
		Role:        role,
		RequesterID: requesterID,
		Limit:       limit,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, snap)
}
