package worker

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"classwatch/internal/database"
	"classwatch/internal/model"
	"classwatch/internal/orchestrator"
)

const (
	PropertyUploadName = "Property Upload Worker"

	// identityLookupChunkSize bounds one email-to-UID resolver call.
	identityLookupChunkSize = 100
)

type propertyUploadWorker struct {
	db database.Database
}

func NewPropertyUploadWorker(db database.Database) orchestrator.Worker {
	return &propertyUploadWorker{db: db}
}

// Name implements orchestrator.Worker.
func (w *propertyUploadWorker) Name() string {
	return PropertyUploadName
}

// Type implements orchestrator.Worker.
func (w *propertyUploadWorker) Type() string {
	return model.JobTypePropertyUpload
}

// Run implements orchestrator.Worker. It parses the job's CSV text, resolves
// student emails to UIDs in bounded chunks, and bulk-upserts property records
// with merge semantics. Unresolvable emails are counted, never fatal: a
// partial import finishes completed_with_errors, not failed.
func (w *propertyUploadWorker) Run(ctx context.Context, job *model.Job) (model.JobStatus, error) {
	spec := job.PropertyUpload
	if spec == nil {
		return model.StatusFailed, errors.New("property upload job carries no payload")
	}

	reader := csv.NewReader(strings.NewReader(spec.CSVText))
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		if failErr := w.db.FailJob(ctx, job.ID, fmt.Sprintf("Failed to parse CSV: %v", err), ""); failErr != nil {
			return model.StatusFailed, failErr
		}
		return model.StatusFailed, nil
	}

	if len(rows) < 2 {
		if failErr := w.db.FailJob(ctx, job.ID, "CSV contains no data rows.", ""); failErr != nil {
			return model.StatusFailed, failErr
		}
		return model.StatusFailed, nil
	}

	header := rows[0]
	if !isIdentifierHeader(header[0]) {
		if failErr := w.db.FailJob(ctx, job.ID, `CSV header must start with "StudentEmail".`, ""); failErr != nil {
			return model.StatusFailed, failErr
		}
		return model.StatusFailed, nil
	}

	dataRows := rows[1:]
	totalRows := len(dataRows)

	emails := make([]string, 0, totalRows)
	for _, row := range dataRows {
		emails = append(emails, strings.TrimSpace(row[0]))
	}

	resolved := make(map[string]string, totalRows)
	for _, chunk := range orchestrator.SplitIntoBatches(emails, identityLookupChunkSize) {
		chunkResolved, err := w.db.FindUIDsByEmails(ctx, job.ClassID, chunk)
		if err != nil {
			return model.StatusFailed, fmt.Errorf("failed to resolve student emails: %w", err)
		}
		for email, uid := range chunkResolved {
			resolved[email] = uid
		}
	}

	notFound := 0
	props := make([]model.StudentProperty, 0, totalRows)
	for _, row := range dataRows {
		email := strings.ToLower(strings.TrimSpace(row[0]))
		uid, ok := resolved[email]
		if !ok {
			notFound++
			log.Debug().Str("classID", job.ClassID).Str("email", email).Msg("CSV row references unknown student")
			continue
		}

		properties := make(map[string]string, len(header)-1)
		for i := 1; i < len(header) && i < len(row); i++ {
			key := strings.TrimSpace(header[i])
			if key == "" {
				continue
			}
			properties[key] = row[i]
		}

		props = append(props, model.StudentProperty{
			ClassID:    job.ClassID,
			StudentUID: uid,
			Properties: properties,
		})
	}

	for _, batch := range orchestrator.SplitIntoBatches(props, database.MaxPropertyBatchWrites) {
		if err := w.db.BulkUpsertStudentProperties(ctx, job.ClassID, batch); err != nil {
			return model.StatusFailed, fmt.Errorf("failed to write property batch: %w", err)
		}
	}

	status := model.StatusCompleted
	if notFound > 0 {
		status = model.StatusCompletedWithErrors
	}

	if err := w.db.FinishImportJob(ctx, job.ID, status, len(props), notFound, totalRows); err != nil {
		return status, err
	}

	log.Info().
		Str("jobID", job.ID.Hex()).
		Int("processed", len(props)).
		Int("notFound", notFound).
		Int("totalRows", totalRows).
		Str("status", string(status)).
		Msg("Property upload finished")

	return status, nil
}

// isIdentifierHeader accepts the identifier column header case-insensitively,
// with "Email" as an alias.
func isIdentifierHeader(header string) bool {
	switch strings.ToLower(strings.TrimSpace(header)) {
	case "studentemail", "email":
		return true
	}
	return false
}
