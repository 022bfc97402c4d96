package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"classwatch/internal/model"
)

// QuotaUpdateRequest sets a class's AI spend ceiling, the administrative
// correction path.
type QuotaUpdateRequest struct {
	AIQuota float64 `json:"aiQuota" binding:"required"`
}

func (s *Server) getQuotaHandler(c *gin.Context) {
	classID := c.Param("classId")

	usage, found, err := s.db.GetClassAIUsage(c.Request.Context(), classID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Class not found"})
		return
	}

	c.JSON(http.StatusOK, usage)
}

func (s *Server) setQuotaHandler(c *gin.Context) {
	var req QuotaUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.AIQuota <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "aiQuota must be positive"})
		return
	}

	classID := c.Param("classId")
	if err := s.db.SetClassAIQuota(c.Request.Context(), classID, req.AIQuota); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"classId": classID, "aiQuota": req.AIQuota})
}

func (s *Server) getStorageHandler(c *gin.Context) {
	usage, err := s.db.GetStorageUsage(c.Request.Context(), c.Param("classId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, usage)
}

func (s *Server) listAIJobsHandler(c *gin.Context) {
	limit, offset := getPaginationParams(c)

	records, err := s.db.ListAIJobsByClass(c.Request.Context(), c.Param("classId"), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if records == nil {
		records = []*model.AIJobRecord{}
	}

	c.JSON(http.StatusOK, records)
}
