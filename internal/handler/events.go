package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"guardian/internal/engine"
	"guardian/internal/middleware"
	"guardian/internal/models"
)

type EventHandler interface {
	IngestEvent(c *gin.Context)
}

type eventHandler struct {
	engine *engine.Engine
	logger *zap.Logger
}

func NewEventHandler(e *engine.Engine, logger *zap.Logger) EventHandler {
	return &eventHandler{engine: e, logger: logger}
}

// IngestEventRequest is a classifier result submitted by a device.
// Severity may be omitted and is then derived from the scores.
type IngestEventRequest struct {
	SubjectID   string     `json:"subjectId" binding:"required"`
	SourceApp   string     `json:"sourceApp" binding:"required"`
	Category    string     `json:"category"`
	Severity    string     `json:"severity"`
	InsultScore *float64   `json:"insultScore" binding:"required"`
	ThreatScore *float64   `json:"threatScore" binding:"required"`
	Timestamp   *time.Time `json:"timestamp"`
	DedupKey    string     `json:"dedupKey"`
}

// IngestEvent handles POST /events
func (h *eventHandler) IngestEvent(c *gin.Context) {
	var req IngestEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("Invalid ingest payload", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// a device token may only submit for its own subject
	if subject, role, ok := middleware.Identity(c); ok && (role != models.RoleStudent || subject != req.SubjectID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
		return
	}

	in := models.IngestInput{
		SubjectID:   req.SubjectID,
		SourceApp:   req.SourceApp,
		Category:    req.Category,
		Severity:    req.Severity,
		InsultScore: *req.InsultScore,
		ThreatScore: *req.ThreatScore,
		DedupKey:    req.DedupKey,
	}
	if req.Timestamp != nil {
		in.Timestamp = *req.Timestamp
	}

	res, err := h.engine.Ingest(c.Request.Context(), in)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	if res.Duplicate {
		c.JSON(http.StatusConflict, gin.H{
			"eventId":   res.Event.EventID,
			"duplicate": true,
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"eventId":          res.Event.EventID,
		"severity":         res.Event.Severity,
		"safetyPercentage": res.SafetyPercentage,
		"accessState":      res.AccessState,
	})
}
