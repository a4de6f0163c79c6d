package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleClassifyScan implements POST /matching/classify-scan: the historical
// dataset overlay against the current customer list plus previous-tenant
// detection.
func (s *Server) handleClassifyScan(c *gin.Context) {
	if _, ok := requireAuth(c); !ok {
		return
	}
	var req classifyScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_BODY", "message": err.Error()})
		return
	}

	result, err := s.overlay.ClassifyAddressScan(c.Request.Context(), req.Address, req.ScannedNames)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "CLASSIFY_FAILED", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"classified":        result.Classified,
		"winbackCandidates": result.WinbackCandidates,
	})
}
