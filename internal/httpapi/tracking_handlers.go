package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/canvassops/coordinator-service/internal/models"
)

// handlePushLocation implements POST /tracking/location: a single point from
// an authenticated in-app session, or a userName-tagged batch from the
// external tracker app.
func (s *Server) handlePushLocation(c *gin.Context) {
	var req locationPushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_BODY", "message": err.Error()})
		return
	}

	if req.UserName != "" {
		points := req.Points
		if req.Point != nil {
			points = append(points, *req.Point)
		}
		accepted, buffered, err := s.ingestor.IngestExternalBatch(c.Request.Context(), req.UserName, points)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "INGEST_FAILED", "message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"accepted": accepted, "buffered": buffered})
		return
	}

	auth, ok := requireAuth(c)
	if !ok {
		return
	}

	points := req.Points
	if req.Point != nil {
		points = append(points, *req.Point)
	}

	accepted := 0
	for _, p := range points {
		if p.IsGPSNotReadySentinel() {
			continue
		}
		p.Source = models.SourceNative
		data, _ := json.Marshal(p)
		entry := models.LogEntry{
			UserID: auth.UserID, Username: auth.Username, TimestampMs: p.TimestampMs,
			LogType: models.LogTypeGPS, Data: data,
		}
		if err := s.ingestor.IngestLive(c.Request.Context(), auth.UserID, auth.Username, entry); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "INGEST_FAILED", "message": err.Error()})
			return
		}
		accepted++
	}
	c.JSON(http.StatusOK, gin.H{"accepted": accepted})
}

// handlePushAction implements POST /tracking/actions: an authenticated
// in-app action event (status change, device event), converging on the same
// Ingestor.IngestLive operation as the GPS path.
func (s *Server) handlePushAction(c *gin.Context) {
	auth, ok := requireAuth(c)
	if !ok {
		return
	}
	var req actionPushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_BODY", "message": err.Error()})
		return
	}

	entry := models.LogEntry{
		UserID: auth.UserID, Username: auth.Username, TimestampMs: req.TimestampMs,
		LogType: models.LogTypeAction, Data: req.Data,
	}
	if err := s.ingestor.IngestLive(c.Request.Context(), auth.UserID, auth.Username, entry); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "INGEST_FAILED", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
