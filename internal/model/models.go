package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Screenshot is one captured frame of a student's shared screen.
type Screenshot struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	ClassID    string             `bson:"classId" json:"classId"`
	StudentUID string             `bson:"studentUid" json:"studentUid"`
	Path       string             `bson:"path" json:"path"`
	CapturedAt time.Time          `bson:"capturedAt" json:"capturedAt"`
	Size       int64              `bson:"size" json:"size"`
	Deleted    bool               `bson:"deleted" json:"deleted"`
}

// VideoArtifact is one completed output of the video build pipeline.
type VideoArtifact struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	ClassID      string             `bson:"classId" json:"classId"`
	StudentUID   string             `bson:"studentUid" json:"studentUid"`
	StudentEmail string             `bson:"studentEmail" json:"studentEmail"`
	StartTime    time.Time          `bson:"startTime" json:"startTime"`
	EndTime      time.Time          `bson:"endTime" json:"endTime"`
	VideoPath    string             `bson:"videoPath" json:"videoPath"`
	Duration     float64            `bson:"duration" json:"duration"`
	Size         int64              `bson:"size" json:"size"`
	Status       JobStatus          `bson:"status" json:"status"`
	CreatedAt    time.Time          `bson:"createdAt" json:"createdAt"`
}

// Student maps an external identity (email) to the internal stable UID.
type Student struct {
	ID      primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UID     string             `bson:"uid" json:"uid"`
	Email   string             `bson:"email" json:"email"`
	ClassID string             `bson:"classId" json:"classId"`
}

// StudentProperty holds per-student key/value properties imported from CSV.
// Merge semantics: an import only touches the keys present in its CSV.
type StudentProperty struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	ClassID    string             `bson:"classId" json:"classId"`
	StudentUID string             `bson:"studentUid" json:"studentUid"`
	Properties map[string]string  `bson:"properties" json:"properties"`
	UpdatedAt  time.Time          `bson:"updatedAt" json:"updatedAt"`
}

// Notification is an append-only message addressed to a single recipient,
// optionally referencing a store-resident attachment by blob path.
type Notification struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	RecipientID    string             `bson:"recipientId" json:"recipientId"`
	ClassID        string             `bson:"classId,omitempty" json:"classId,omitempty"`
	Title          string             `bson:"title" json:"title"`
	Body           string             `bson:"body" json:"body"`
	AttachmentPath string             `bson:"attachmentPath,omitempty" json:"attachmentPath,omitempty"`
	CreatedAt      time.Time          `bson:"createdAt" json:"createdAt"`
	Read           bool               `bson:"read" json:"read"`
}
