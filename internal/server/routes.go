package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func (s *Server) RegisterRoutes() http.Handler {
	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:     s.config.CORS.AllowedOrigins,
		AllowMethods:     s.config.CORS.AllowedMethods,
		AllowHeaders:     s.config.CORS.AllowedHeaders,
		AllowCredentials: s.config.CORS.AllowCredentials,
		MaxAge:           time.Duration(s.config.CORS.MaxAge) * time.Second,
	}))

	r.GET("/health", s.healthHandler)

	r.GET("/jobTypes", s.listJobTypesHandler)
	r.GET("/jobs/:id", s.getJobHandler)
	r.POST("/jobs/:id/retry", s.retryAnalysisHandler)

	classes := r.Group("/classes/:classId")
	{
		classes.GET("/jobs", s.listJobsHandler)
		classes.POST("/jobs/videoBuild", s.createVideoBuildHandler)
		classes.POST("/jobs/zip", s.createZipHandler)
		classes.POST("/jobs/analysis", s.createAnalysisHandler)
		classes.POST("/jobs/propertyUpload", s.createPropertyUploadHandler)

		classes.GET("/quota", s.getQuotaHandler)
		classes.PUT("/quota", s.setQuotaHandler)
		classes.GET("/storage", s.getStorageHandler)
		classes.GET("/aiJobs", s.listAIJobsHandler)
	}

	return r
}
