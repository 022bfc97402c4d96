package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"classwatch/internal/cache"
	"classwatch/internal/database"
	"classwatch/internal/model"
	"classwatch/internal/orchestrator/worker"
)

// VideoBuildRequest creates a video build job for one student's screen
// captures in a time range.
type VideoBuildRequest struct {
	StudentUID   string    `json:"studentUid" binding:"required"`
	StudentEmail string    `json:"studentEmail" binding:"required"`
	StartTime    time.Time `json:"startTime" binding:"required"`
	EndTime      time.Time `json:"endTime" binding:"required"`
}

// ZipRequest creates an archive job bundling already-built videos.
type ZipRequest struct {
	Videos      []model.ZipVideo `json:"videos" binding:"required"`
	RequesterID string           `json:"requesterId" binding:"required"`
}

// AnalysisRequest creates a batch analysis job. Targets are either an
// explicit video list or a time-range selector; exactly one must be given.
type AnalysisRequest struct {
	Videos      []model.FailedVideo `json:"videos"`
	FilterField string              `json:"filterField"`
	StartTime   *time.Time          `json:"startTime"`
	EndTime     *time.Time          `json:"endTime"`
	Prompt      string              `json:"prompt" binding:"required"`
}

// PropertyUploadRequest creates a CSV property import job.
type PropertyUploadRequest struct {
	CSVText string `json:"csvText" binding:"required"`
}

func (s *Server) createVideoBuildHandler(c *gin.Context) {
	var req VideoBuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !req.EndTime.After(req.StartTime) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endTime must be after startTime"})
		return
	}

	job := &model.Job{
		Type:    model.JobTypeVideoBuild,
		ClassID: c.Param("classId"),
		VideoBuild: &model.VideoBuildSpec{
			StudentUID:   req.StudentUID,
			StudentEmail: req.StudentEmail,
			StartTime:    req.StartTime,
			EndTime:      req.EndTime,
		},
	}

	s.createJob(c, job)
}

func (s *Server) createZipHandler(c *gin.Context) {
	var req ZipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if len(req.Videos) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "videos must not be empty"})
		return
	}

	job := &model.Job{
		Type:    model.JobTypeVideoZip,
		ClassID: c.Param("classId"),
		Zip: &model.ZipSpec{
			Videos:      req.Videos,
			RequesterID: req.RequesterID,
		},
	}

	s.createJob(c, job)
}

func (s *Server) createAnalysisHandler(c *gin.Context) {
	var req AnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	explicit := len(req.Videos) > 0
	ranged := req.StartTime != nil || req.EndTime != nil
	if explicit == ranged {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provide either an explicit video list or a time range, not both"})
		return
	}
	if req.FilterField != "" {
		switch req.FilterField {
		case database.VideoFilterStartTime, database.VideoFilterEndTime:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "filterField must be startTime or endTime"})
			return
		}
	}

	job := &model.Job{
		Type:    model.JobTypeVideoAnalysis,
		ClassID: c.Param("classId"),
		Analysis: &model.AnalysisSpec{
			Videos:      req.Videos,
			FilterField: req.FilterField,
			StartTime:   req.StartTime,
			EndTime:     req.EndTime,
			Prompt:      req.Prompt,
		},
	}

	s.createJob(c, job)
}

func (s *Server) createPropertyUploadHandler(c *gin.Context) {
	var req PropertyUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job := &model.Job{
		Type:    model.JobTypePropertyUpload,
		ClassID: c.Param("classId"),
		PropertyUpload: &model.PropertyUploadSpec{
			CSVText: req.CSVText,
		},
	}

	s.createJob(c, job)
}

// createJob persists and enqueues the job, returning the created document.
func (s *Server) createJob(c *gin.Context, job *model.Job) {
	if job.ClassID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "classId is required"})
		return
	}

	if err := s.jc.CreateJob(c.Request.Context(), job); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job: " + err.Error()})
		return
	}

	c.JSON(http.StatusCreated, job)
}

// getJobHandler returns one job, read through the short-TTL cache so UI
// status polling does not hammer the store.
func (s *Server) getJobHandler(c *gin.Context) {
	jobID := c.Param("id")

	if job, err := s.jobCache.Get(c.Request.Context(), jobID); err == nil {
		c.JSON(http.StatusOK, job)
		return
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		log.Warn().Err(err).Str("jobId", jobID).Msg("Job cache read failed, falling back to store")
	}

	job, err := s.jc.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, database.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get job: " + err.Error()})
		return
	}

	if err := s.jobCache.Set(c.Request.Context(), job); err != nil {
		log.Warn().Err(err).Str("jobId", jobID).Msg("Failed to cache job")
	}

	c.JSON(http.StatusOK, job)
}

func (s *Server) listJobsHandler(c *gin.Context) {
	limit, offset := getPaginationParams(c)
	classID := c.Param("classId")

	status := model.JobStatus(c.Query("status"))
	if status != "" && !isValidJobStatus(status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid job status"})
		return
	}

	jobs, err := s.jc.ListJobs(c.Request.Context(), classID, status, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, jobs)
}

// retryAnalysisHandler re-drives the failed units of an analysis job
// synchronously, so the caller receives the outcome (or the error) directly.
func (s *Server) retryAnalysisHandler(c *gin.Context) {
	jobID := c.Param("id")

	job, err := s.jc.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, database.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if job.Type != model.JobTypeVideoAnalysis {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Only analysis jobs can be retried"})
		return
	}
	if !job.Status.IsTerminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "Job is still running"})
		return
	}

	status, err := s.engine.Retry(c.Request.Context(), job)

	if invErr := s.jobCache.Invalidate(c.Request.Context(), jobID); invErr != nil {
		log.Warn().Err(invErr).Str("jobId", jobID).Msg("Failed to invalidate job cache")
	}

	if err != nil {
		if errors.Is(err, worker.ErrNothingToRetry) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": jobID, "status": status})
}

// isValidJobStatus checks if a job status is valid
func isValidJobStatus(status model.JobStatus) bool {
	switch status {
	case model.StatusPending,
		model.StatusProcessing,
		model.StatusCompleted,
		model.StatusPartialFailure,
		model.StatusCompletedWithErrors,
		model.StatusFailed:
		return true
	}
	return false
}
