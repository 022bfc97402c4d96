package server

import (
	"fmt"
	"net/http"
	"time"

	"classwatch/internal/cache"
	"classwatch/internal/config"
	"classwatch/internal/controller"
	"classwatch/internal/database"
	"classwatch/internal/orchestrator/worker"
)

type Server struct {
	jc       controller.JobController
	engine   *worker.AnalysisEngine
	db       database.Database
	jobCache *cache.JobCache
	config   config.Config
}

func New(config config.Config, db database.Database, jobCache *cache.JobCache,
	jc controller.JobController, engine *worker.AnalysisEngine) *http.Server {
	server := Server{
		jc:       jc,
		engine:   engine,
		db:       db,
		jobCache: jobCache,
		config:   config,
	}

	return &http.Server{
		Addr:         fmt.Sprintf(":%v", config.Port),
		Handler:      server.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}
