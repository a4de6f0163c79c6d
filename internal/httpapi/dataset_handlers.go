package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/canvassops/coordinator-service/internal/backingstore"
	"github.com/canvassops/coordinator-service/internal/errx"
	"github.com/canvassops/coordinator-service/internal/models"
)

// handleCreateDataset implements POST /datasets.
func (s *Server) handleCreateDataset(c *gin.Context) {
	auth, ok := requireAuth(c)
	if !ok {
		return
	}

	var req createDatasetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_BODY", "message": err.Error()})
		return
	}

	dataset, err := s.engine.CreateDataset(c.Request.Context(), auth.UserID, req.Address, req.EditableResidents, req.RawResidentData)
	if err != nil {
		respondCreateConflict(c, err, auth.UserID)
		return
	}
	c.JSON(http.StatusOK, toDatasetDTO(s.engine, dataset, auth.UserID, false))
}

// respondCreateConflict adds isOwnDataset to a conflict error's detail
// before delegating to errx.Respond, since only the HTTP layer knows the
// requesting user to compare against existingCreator.
func respondCreateConflict(c *gin.Context, err error, requestingUser string) {
	var domainErr *errx.Error
	if ok := errors.As(err, &domainErr); ok && domainErr.Kind == errx.KindConflict {
		if existing, ok := domainErr.Detail["existingDataset"].(*models.AddressDataset); ok {
			isOwn := existing.CreatedBy == requestingUser
			domainErr = domainErr.WithDetail(mergeDetail(domainErr.Detail, map[string]any{
				"existingCreator": existing.CreatedBy,
				"isOwnDataset":    isOwn,
			}))
			errx.Respond(c, domainErr)
			return
		}
	}
	errx.Respond(c, err)
}

func mergeDetail(base map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// handleGetDatasets implements GET /datasets (normalized lookup).
func (s *Server) handleGetDatasets(c *gin.Context) {
	auth, ok := requireAuth(c)
	if !ok {
		return
	}

	addr := models.Address{
		Street: c.Query("street"),
		Number: c.Query("number"),
		Postal: c.Query("postal"),
		City:   c.Query("city"),
	}
	matches, err := s.engine.GetDatasetsByAddress(c.Request.Context(), addr, limitFromQuery(c))
	if err != nil {
		errx.Respond(c, err)
		return
	}
	dtos := make([]datasetDTO, 0, len(matches))
	for _, m := range matches {
		dtos = append(dtos, toDatasetDTO(s.engine, m.Dataset, auth.UserID, m.NonExact))
	}
	c.JSON(http.StatusOK, gin.H{"datasets": dtos})
}

// handleSearchLocal implements GET /datasets/search-local: an unnormalized
// lookup that requires a 5-digit postal code and a non-empty house number,
// otherwise returning an empty result rather than hitting the geocode queue.
func (s *Server) handleSearchLocal(c *gin.Context) {
	auth, ok := requireAuth(c)
	if !ok {
		return
	}

	postal := c.Query("postal")
	number := c.Query("number")
	if len(postal) != 5 || number == "" {
		c.JSON(http.StatusOK, gin.H{"datasets": []datasetDTO{}})
		return
	}

	datasets := s.engine.SearchLocal(c.Query("street"), number, postal, c.Query("city"))
	c.JSON(http.StatusOK, gin.H{"datasets": toDatasetDTOs(s.engine, datasets, auth.UserID, false)})
}

// handleGetDatasetByID implements GET /datasets/:id.
func (s *Server) handleGetDatasetByID(c *gin.Context) {
	auth, ok := requireAuth(c)
	if !ok {
		return
	}
	dataset, found := s.engine.GetDatasetById(c.Param("id"))
	if !found {
		errx.Respond(c, errx.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, toDatasetDTO(s.engine, dataset, auth.UserID, false))
}

// handleDatasetsByStreet implements GET /datasets/streets/:streetName.
func (s *Server) handleDatasetsByStreet(c *gin.Context) {
	auth, ok := requireAuth(c)
	if !ok {
		return
	}
	datasets := s.engine.DatasetsByStreetName(c.Param("streetName"))
	c.JSON(http.StatusOK, gin.H{"datasets": toDatasetDTOs(s.engine, datasets, auth.UserID, false)})
}

// streetSuggestionLimit bounds GET /datasets/streets/suggestions to the
// top ten prefix matches.
const streetSuggestionLimit = 10

// handleStreetSuggestions implements GET /datasets/streets/suggestions.
func (s *Server) handleStreetSuggestions(c *gin.Context) {
	if _, ok := requireAuth(c); !ok {
		return
	}
	suggestions := s.engine.StreetSuggestions(c.Query("query"), streetSuggestionLimit)
	c.JSON(http.StatusOK, gin.H{"streets": suggestions})
}

// handleUpdateResident implements PUT /datasets/residents.
func (s *Server) handleUpdateResident(c *gin.Context) {
	auth, ok := requireAuth(c)
	if !ok {
		return
	}
	var req updateResidentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_BODY", "message": err.Error()})
		return
	}
	if err := s.engine.UpdateResident(req.DatasetID, req.Index, req.Resident, auth.UserID); err != nil {
		errx.Respond(c, err)
		return
	}
	s.recordCategoryChange(auth, req.DatasetID)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// recordCategoryChange mirrors a resident edit into the category-change
// audit queue; the per-day log store is not involved since these are
// bookkeeping rows for the backing store only.
func (s *Server) recordCategoryChange(auth authContext, datasetID string) {
	data, _ := json.Marshal(gin.H{"datasetId": datasetID})
	s.writer.Enqueue(backingstore.CategoryChangeQueueName, backingstore.LogRow{
		UserID:      auth.UserID,
		Username:    auth.Username,
		TimestampMs: time.Now().UnixMilli(),
		LogType:     "category_change",
		Data:        string(data),
	})
}

// handleBulkUpdateResidents implements PUT /datasets/bulk-residents.
func (s *Server) handleBulkUpdateResidents(c *gin.Context) {
	auth, ok := requireAuth(c)
	if !ok {
		return
	}
	var req bulkUpdateResidentsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_BODY", "message": err.Error()})
		return
	}
	if err := s.engine.BulkUpdateResidents(req.DatasetID, req.Residents, auth.UserID); err != nil {
		errx.Respond(c, err)
		return
	}
	s.recordCategoryChange(auth, req.DatasetID)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleDatasetHistory implements GET /datasets/history/:username/:date,
// self-only: a user may only read their own daily history.
func (s *Server) handleDatasetHistory(c *gin.Context) {
	auth, ok := requireAuth(c)
	if !ok {
		return
	}
	username := c.Param("username")
	if username != auth.Username {
		errx.Respond(c, errx.ErrForbidden)
		return
	}
	date, err := time.ParseInLocation("2006-01-02", c.Param("date"), s.loc)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_DATE", "message": "date must be YYYY-MM-DD"})
		return
	}
	datasets := s.engine.GetUserDatasetsByDate(auth.UserID, date, s.loc)
	c.JSON(http.StatusOK, gin.H{"datasets": toDatasetDTOs(s.engine, datasets, auth.UserID, false)})
}

// limitFromQuery parses an optional "limit" query parameter, returning 0
// (no limit) if absent or invalid.
func limitFromQuery(c *gin.Context) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
