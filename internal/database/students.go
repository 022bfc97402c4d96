package database

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"classwatch/internal/model"
)

// MaxPropertyBatchWrites caps a single bulk property write below the store's
// per-transaction write limit.
const MaxPropertyBatchWrites = 499

// StudentDatabase is the identity resolver plus the property store
type StudentDatabase interface {
	// Resolve external identifiers (emails) to internal UIDs. Unresolved
	// emails are simply absent from the result map. Callers chunk their
	// lookups; one call takes at most a chunk's worth of emails.
	FindUIDsByEmails(ctx context.Context, classID string, emails []string) (map[string]string, error)

	// Upsert property records in one bulk write with merge semantics:
	// keys absent from the update are preserved. len(props) must not
	// exceed MaxPropertyBatchWrites.
	BulkUpsertStudentProperties(ctx context.Context, classID string, props []model.StudentProperty) error
}

// FindUIDsByEmails resolves emails to student UIDs with a single $in query.
// Emails are matched case-insensitively by lowercasing both sides.
func (m *mongoDB) FindUIDsByEmails(ctx context.Context, classID string, emails []string) (map[string]string, error) {
	if len(emails) == 0 {
		return map[string]string{}, nil
	}

	lowered := make([]string, 0, len(emails))
	for _, email := range emails {
		lowered = append(lowered, strings.ToLower(strings.TrimSpace(email)))
	}

	cursor, err := m.studentsCol.Find(ctx, bson.M{
		"classId": classID,
		"email":   bson.M{"$in": lowered},
	})
	if err != nil {
		log.Error().Err(err).Str("classID", classID).Int("emails", len(emails)).Msg("Failed to resolve student emails")
		return nil, err
	}
	defer cursor.Close(ctx)

	var students []*model.Student
	if err := cursor.All(ctx, &students); err != nil {
		log.Error().Err(err).Msg("Failed to decode students")
		return nil, err
	}

	resolved := make(map[string]string, len(students))
	for _, student := range students {
		resolved[strings.ToLower(student.Email)] = student.UID
	}

	return resolved, nil
}

// BulkUpsertStudentProperties writes property records keyed by student UID.
// Each update only $sets the keys present in its CSV row, so properties from
// earlier imports survive.
func (m *mongoDB) BulkUpsertStudentProperties(ctx context.Context, classID string, props []model.StudentProperty) error {
	if len(props) == 0 {
		return nil
	}

	now := time.Now()
	writes := make([]mongo.WriteModel, 0, len(props))
	for _, prop := range props {
		set := bson.M{"updatedAt": now}
		for key, value := range prop.Properties {
			set["properties."+key] = value
		}

		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"classId": classID, "studentUid": prop.StudentUID}).
			SetUpdate(bson.M{"$set": set}).
			SetUpsert(true))
	}

	opts := options.BulkWrite().SetOrdered(false)
	result, err := m.propertiesCol.BulkWrite(ctx, writes, opts)
	if err != nil {
		log.Error().Err(err).Str("classID", classID).Int("writes", len(writes)).Msg("Failed to bulk upsert student properties")
		return err
	}

	log.Debug().
		Str("classID", classID).
		Int64("upserted", result.UpsertedCount).
		Int64("modified", result.ModifiedCount).
		Msg("Bulk upserted student properties")
	return nil
}
