package database

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"classwatch/internal/config"
)

type Database interface {
	Health() error
	JobDatabase
	AIJobDatabase
	QuotaDatabase
	MediaDatabase
	StudentDatabase
	NotificationDatabase
}

type mongoDB struct {
	client *mongo.Client
	db     *mongo.Database

	jobsCol          *mongo.Collection
	aiJobsCol        *mongo.Collection
	classesCol       *mongo.Collection
	screenshotsCol   *mongo.Collection
	videosCol        *mongo.Collection
	studentsCol      *mongo.Collection
	propertiesCol    *mongo.Collection
	notificationsCol *mongo.Collection
}

func New(config *config.Config) (Database, error) {
	clientOptions := options.Client().ApplyURI(config.MongoDB.URI)
	if config.MongoDB.Username != "" {
		clientOptions.SetAuth(options.Credential{
			Username: config.MongoDB.Username,
			Password: config.MongoDB.Password,
		})
	}

	client, err := mongo.Connect(context.TODO(), clientOptions)
	if err != nil {
		return nil, err
	}

	db := client.Database(config.MongoDB.DB)

	jobsCol := db.Collection("jobs")
	jobIndexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "status", Value: 1}},
			Options: options.Index(),
		},
		{
			Keys:    bson.D{{Key: "classId", Value: 1}, {Key: "status", Value: 1}},
			Options: options.Index(),
		},
		{
			Keys:    bson.D{{Key: "type", Value: 1}},
			Options: options.Index(),
		},
		{
			Keys:    bson.D{{Key: "createdAt", Value: -1}},
			Options: options.Index(),
		},
		{
			// Auto-expire finished jobs after 180 days
			Keys:    bson.D{{Key: "finishedAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(60 * 60 * 24 * 180),
		},
	}

	aiJobsCol := db.Collection("ai_jobs")
	aiJobIndexModels := []mongo.IndexModel{
		{
			// Idempotency lookup: (media path, prompt hash), most recent first
			Keys:    bson.D{{Key: "mediaPaths", Value: 1}, {Key: "promptHash", Value: 1}, {Key: "timestamp", Value: -1}},
			Options: options.Index(),
		},
		{
			Keys:    bson.D{{Key: "masterJobId", Value: 1}, {Key: "status", Value: 1}},
			Options: options.Index(),
		},
		{
			Keys:    bson.D{{Key: "classId", Value: 1}, {Key: "timestamp", Value: -1}},
			Options: options.Index(),
		},
	}

	screenshotsCol := db.Collection("screenshots")
	screenshotIndexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "classId", Value: 1}, {Key: "studentUid", Value: 1}, {Key: "capturedAt", Value: 1}},
			Options: options.Index(),
		},
	}

	videosCol := db.Collection("videos")
	videoIndexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "classId", Value: 1}, {Key: "status", Value: 1}, {Key: "endTime", Value: 1}},
			Options: options.Index(),
		},
		{
			Keys:    bson.D{{Key: "classId", Value: 1}, {Key: "status", Value: 1}, {Key: "startTime", Value: 1}},
			Options: options.Index(),
		},
	}

	studentsCol := db.Collection("students")
	studentIndexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "classId", Value: 1}, {Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}

	propertiesCol := db.Collection("student_properties")
	propertyIndexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "classId", Value: 1}, {Key: "studentUid", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}

	classesCol := db.Collection("classes")
	classIndexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "classId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}

	indexTargets := []struct {
		name   string
		col    *mongo.Collection
		models []mongo.IndexModel
	}{
		{"Jobs", jobsCol, jobIndexModels},
		{"AIJobs", aiJobsCol, aiJobIndexModels},
		{"Screenshots", screenshotsCol, screenshotIndexModels},
		{"Videos", videosCol, videoIndexModels},
		{"Students", studentsCol, studentIndexModels},
		{"StudentProperties", propertiesCol, propertyIndexModels},
		{"Classes", classesCol, classIndexModels},
	}

	for _, target := range indexTargets {
		if _, err := target.col.Indexes().CreateMany(context.Background(), target.models); err != nil {
			log.Warn().Err(err).Str("Collection", target.name).Msg("Error creating indexes")
		}
	}

	return &mongoDB{
		client:           client,
		db:               db,
		jobsCol:          jobsCol,
		aiJobsCol:        aiJobsCol,
		classesCol:       classesCol,
		screenshotsCol:   screenshotsCol,
		videosCol:        videosCol,
		studentsCol:      studentsCol,
		propertiesCol:    propertiesCol,
		notificationsCol: db.Collection("notifications"),
	}, nil
}

// Health implements Database interface
func (m *mongoDB) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	err := m.client.Ping(ctx, nil)
	if err != nil {
		log.Error().Msgf("Database health error: %v", err)
		return err
	}

	return nil
}
