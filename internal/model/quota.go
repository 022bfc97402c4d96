package model

// DefaultAIQuota is the monetary AI-spend ceiling applied to a class that has
// never had a quota configured.
const DefaultAIQuota = 10.0

// Storage categories tracked by the per-class storage ledger.
const (
	StorageScreenshots = "screenshots"
	StorageVideos      = "videos"
	StorageZips        = "zips"
)

// ClassAIUsage is the per-class quota ledger entry, nested under the class
// document as its "ai" metadata record. AIUsedQuota is monotonically
// non-decreasing and only ever moved by atomic increments.
type ClassAIUsage struct {
	AIQuota     float64 `bson:"aiQuota" json:"aiQuota"`
	AIUsedQuota float64 `bson:"aiUsedQuota" json:"aiUsedQuota"`
}

// StorageUsage tracks blob bytes consumed per category for one class.
type StorageUsage struct {
	Screenshots int64 `bson:"screenshots" json:"screenshots"`
	Videos      int64 `bson:"videos" json:"videos"`
	Zips        int64 `bson:"zips" json:"zips"`
}

// Class is the class document; the pipeline only touches its ledgers.
type Class struct {
	ClassID string       `bson:"classId" json:"classId"`
	Name    string       `bson:"name,omitempty" json:"name,omitempty"`
	AI      ClassAIUsage `bson:"ai" json:"ai"`
	Storage StorageUsage `bson:"storage" json:"storage"`
}
