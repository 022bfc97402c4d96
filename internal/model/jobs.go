package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	StatusPending             JobStatus = "pending"
	StatusProcessing          JobStatus = "processing"
	StatusCompleted           JobStatus = "completed"
	StatusPartialFailure      JobStatus = "partial_failure"
	StatusCompletedWithErrors JobStatus = "completed_with_errors"
	StatusFailed              JobStatus = "failed"
)

// IsTerminal reports whether a job in this status will not be mutated again
// by its owning worker absent an explicit retry.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusPartialFailure, StatusCompletedWithErrors, StatusFailed:
		return true
	}
	return false
}

// Job type identifiers, one per worker.
const (
	JobTypeVideoBuild     = "video_build"
	JobTypeVideoZip       = "video_zip"
	JobTypeVideoAnalysis  = "video_analysis"
	JobTypePropertyUpload = "property_upload"
)

// FailedVideo identifies one analysis unit that still needs a retry.
type FailedVideo struct {
	StudentUID   string `bson:"studentUid" json:"studentUid"`
	StudentEmail string `bson:"studentEmail" json:"studentEmail"`
	VideoPath    string `bson:"videoPath" json:"videoPath"`
}

// RetryAttempt is an audit entry appended before each analysis retry.
type RetryAttempt struct {
	RetriedAt        time.Time     `bson:"retriedAt" json:"retriedAt"`
	VideoCount       int           `bson:"videoCount" json:"videoCount"`
	OriginalFailures []FailedVideo `bson:"originalFailures" json:"originalFailures"`
}

// VideoBuildSpec is the payload of a video_build job: stitch one student's
// screenshots in [StartTime, EndTime] into a captioned video.
type VideoBuildSpec struct {
	StudentUID   string    `bson:"studentUid" json:"studentUid"`
	StudentEmail string    `bson:"studentEmail" json:"studentEmail"`
	StartTime    time.Time `bson:"startTime" json:"startTime"`
	EndTime      time.Time `bson:"endTime" json:"endTime"`
}

// ZipSpec is the payload of a video_zip job: bundle already-built videos
// into one downloadable archive for the requester.
type ZipSpec struct {
	Videos      []ZipVideo `bson:"videos" json:"videos"`
	RequesterID string     `bson:"requesterId" json:"requesterId"`
}

// ZipVideo references one video to include in an archive.
type ZipVideo struct {
	StudentEmail string    `bson:"studentEmail" json:"studentEmail"`
	StartTime    time.Time `bson:"startTime" json:"startTime"`
	VideoPath    string    `bson:"videoPath" json:"videoPath"`
}

// AnalysisSpec is the payload of a video_analysis job. Targets are either an
// explicit video list or a time-range selector over completed video artifacts.
type AnalysisSpec struct {
	Videos      []FailedVideo `bson:"videos,omitempty" json:"videos,omitempty"`
	FilterField string        `bson:"filterField,omitempty" json:"filterField,omitempty"`
	StartTime   *time.Time    `bson:"startTime,omitempty" json:"startTime,omitempty"`
	EndTime     *time.Time    `bson:"endTime,omitempty" json:"endTime,omitempty"`
	Prompt      string        `bson:"prompt" json:"prompt"`
}

// PropertyUploadSpec is the payload of a property_upload job: raw CSV text
// whose first column maps student emails to property records.
type PropertyUploadSpec struct {
	CSVText string `bson:"csvText" json:"csvText"`
}

// Job represents a persisted unit of work driving one worker invocation.
// A job is mutated only by the single worker that owns its type, plus the
// creator at creation time and the retry endpoint.
type Job struct {
	ID      primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Type    string             `bson:"type" json:"type"`
	ClassID string             `bson:"classId" json:"classId"`
	Status  JobStatus          `bson:"status" json:"status"`

	VideoBuild     *VideoBuildSpec     `bson:"videoBuild,omitempty" json:"videoBuild,omitempty"`
	Zip            *ZipSpec            `bson:"zip,omitempty" json:"zip,omitempty"`
	Analysis       *AnalysisSpec       `bson:"analysis,omitempty" json:"analysis,omitempty"`
	PropertyUpload *PropertyUploadSpec `bson:"propertyUpload,omitempty" json:"propertyUpload,omitempty"`

	// video_build results
	VideoPath string  `bson:"videoPath,omitempty" json:"videoPath,omitempty"`
	Duration  float64 `bson:"duration,omitempty" json:"duration,omitempty"`
	Size      int64   `bson:"size,omitempty" json:"size,omitempty"`

	// video_zip results
	ZipPath string `bson:"zipPath,omitempty" json:"zipPath,omitempty"`

	// video_analysis progress, grown incrementally batch by batch.
	// AIJobIDs only ever grows; FailedVideos is replaced at the start of a
	// retry and rebuilt from that attempt's outcomes.
	AIJobIDs     []primitive.ObjectID `bson:"aiJobIds,omitempty" json:"aiJobIds,omitempty"`
	FailedVideos []FailedVideo        `bson:"failedVideos,omitempty" json:"failedVideos,omitempty"`
	Notes        []string             `bson:"notes,omitempty" json:"notes,omitempty"`
	RetryHistory []RetryAttempt       `bson:"retryHistory,omitempty" json:"retryHistory,omitempty"`

	// property_upload results
	ProcessedCount int `bson:"processedCount,omitempty" json:"processedCount,omitempty"`
	NotFoundCount  int `bson:"notFoundCount,omitempty" json:"notFoundCount,omitempty"`
	TotalRows      int `bson:"totalRows,omitempty" json:"totalRows,omitempty"`

	Error        string `bson:"error,omitempty" json:"error,omitempty"`
	ErrorDetails string `bson:"errorDetails,omitempty" json:"errorDetails,omitempty"`

	CreatedAt  time.Time  `bson:"createdAt" json:"createdAt"`
	UpdatedAt  time.Time  `bson:"updatedAt" json:"updatedAt"`
	StartedAt  *time.Time `bson:"startedAt,omitempty" json:"startedAt,omitempty"`
	FinishedAt *time.Time `bson:"finishedAt,omitempty" json:"finishedAt,omitempty"`
}
