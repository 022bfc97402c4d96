package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// AIJobType identifies what kind of media an AI invocation analyzed.
type AIJobType string

const (
	AIJobAnalyzeImage     AIJobType = "analyzeImage"
	AIJobAnalyzeAllImages AIJobType = "analyzeAllImages"
	AIJobAnalyzeVideo     AIJobType = "analyzeSingleVideo"
)

// AIJobStatus is the outcome of a single AI invocation attempt.
type AIJobStatus string

const (
	AIJobCompleted      AIJobStatus = "completed"
	AIJobFailed         AIJobStatus = "failed"
	AIJobBlockedByQuota AIJobStatus = "blocked-by-quota"
	AIJobProcessing     AIJobStatus = "processing"
)

// AIJobOutcome is the terminal result applied to a processing placeholder
// record once its invocation settles.
type AIJobOutcome struct {
	Status       AIJobStatus
	Usage        *TokenUsage
	Cost         float64
	Result       string
	ErrorDetails string
}

// TokenUsage carries the model's reported token counters for one generation.
type TokenUsage struct {
	InputTokens  int `bson:"inputTokens" json:"inputTokens"`
	OutputTokens int `bson:"outputTokens" json:"outputTokens"`
}

// AIJobRecord is one append-only entry in the AI invocation audit log: one
// record per screenshot or video analyzed, including quota-blocked attempts.
// The (media path, prompt hash) pair is the idempotency key: at steady state
// exactly one completed record exists per pair.
type AIJobRecord struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	ClassID      string             `bson:"classId" json:"classId"`
	SubjectUID   string             `bson:"subjectUid" json:"subjectUid"`
	JobType      AIJobType          `bson:"jobType" json:"jobType"`
	Status       AIJobStatus        `bson:"status" json:"status"`
	PromptText   string             `bson:"promptText" json:"promptText"`
	PromptHash   string             `bson:"promptHash" json:"promptHash"`
	MediaPaths   []string           `bson:"mediaPaths" json:"mediaPaths"`
	Usage        *TokenUsage        `bson:"usage,omitempty" json:"usage,omitempty"`
	Cost         float64            `bson:"cost" json:"cost"`
	Result       string             `bson:"result,omitempty" json:"result,omitempty"`
	ErrorDetails string             `bson:"errorDetails,omitempty" json:"errorDetails,omitempty"`
	Timestamp    time.Time          `bson:"timestamp" json:"timestamp"`

	// MasterJobID back-references the owning batch analysis job, non-owning.
	MasterJobID primitive.ObjectID `bson:"masterJobId,omitempty" json:"masterJobId,omitempty"`

	// UsageRecorded flips to true exactly once when the quota ledger has been
	// charged for this record. Guards against usage-event redelivery.
	UsageRecorded bool `bson:"usageRecorded" json:"usageRecorded"`
}
