package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"guardian/internal/models"
)

// Unlock handles POST /unlock/:subjectId?guardianId=...
func (h *snapshotHandler) Unlock(c *gin.Context) {
	_, guardianID, ok := resolveIdentity(c, models.RoleGuardian, c.Query("guardianId"))
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
		return
	}

	state, err := h.engine.Unlock(c.Request.Context(), c.Param("subjectId"), guardianID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "accessState": state})
}
