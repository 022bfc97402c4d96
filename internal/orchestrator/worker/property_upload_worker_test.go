package worker

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classwatch/internal/model"
)

func seedImportJob(t *testing.T, db *fakeDatabase, csvText string) *model.Job {
	t.Helper()

	job := &model.Job{
		Type:           model.JobTypePropertyUpload,
		ClassID:        "class-1",
		Status:         model.StatusProcessing,
		PropertyUpload: &model.PropertyUploadSpec{CSVText: csvText},
	}
	require.NoError(t, db.CreateJob(context.Background(), job))
	return job
}

func TestPropertyUploadImportsResolvableRows(t *testing.T) {
	db := newFakeDatabase()
	db.students["jane@school.edu"] = "uid-jane"
	db.students["john@school.edu"] = "uid-john"

	csvText := "StudentEmail,Grade,Seat\n" +
		"jane@school.edu,A,12\n" +
		"john@school.edu,B,4\n"
	job := seedImportJob(t, db, csvText)

	status, err := NewPropertyUploadWorker(db).Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, status)

	stored := db.jobs[job.ID]
	assert.Equal(t, 2, stored.ProcessedCount)
	assert.Zero(t, stored.NotFoundCount)
	assert.Equal(t, 2, stored.TotalRows)

	jane := db.properties["uid-jane"]
	assert.Equal(t, map[string]string{"Grade": "A", "Seat": "12"}, jane.Properties)
}

func TestPropertyUploadCountsUnresolvableEmails(t *testing.T) {
	db := newFakeDatabase()
	for i := 1; i <= 4; i++ {
		db.students[fmt.Sprintf("student%d@school.edu", i)] = fmt.Sprintf("uid-%d", i)
	}

	var sb strings.Builder
	sb.WriteString("StudentEmail,Grade\n")
	for i := 1; i <= 4; i++ {
		fmt.Fprintf(&sb, "student%d@school.edu,B\n", i)
	}
	sb.WriteString("stranger@school.edu,C\n")

	job := seedImportJob(t, db, sb.String())

	status, err := NewPropertyUploadWorker(db).Run(context.Background(), job)
	require.NoError(t, err)

	// Unknown students are counted, not fatal.
	assert.Equal(t, model.StatusCompletedWithErrors, status)

	stored := db.jobs[job.ID]
	assert.Equal(t, 4, stored.ProcessedCount)
	assert.Equal(t, 1, stored.NotFoundCount)
	assert.Equal(t, 5, stored.TotalRows)
	assert.Len(t, db.properties, 4)
}

func TestPropertyUploadMergesWithExistingProperties(t *testing.T) {
	db := newFakeDatabase()
	db.students["jane@school.edu"] = "uid-jane"
	db.properties["uid-jane"] = model.StudentProperty{
		ClassID:    "class-1",
		StudentUID: "uid-jane",
		Properties: map[string]string{"Grade": "B", "Club": "chess"},
	}

	job := seedImportJob(t, db, "StudentEmail,Grade\njane@school.edu,A\n")

	status, err := NewPropertyUploadWorker(db).Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, status)

	// Keys absent from this import survive.
	jane := db.properties["uid-jane"]
	assert.Equal(t, "A", jane.Properties["Grade"])
	assert.Equal(t, "chess", jane.Properties["Club"])
}

func TestPropertyUploadAcceptsHeaderAliases(t *testing.T) {
	db := newFakeDatabase()
	db.students["jane@school.edu"] = "uid-jane"

	for _, header := range []string{"StudentEmail", "studentemail", "Email", "EMAIL"} {
		job := seedImportJob(t, db, header+",Grade\njane@school.edu,A\n")

		status, err := NewPropertyUploadWorker(db).Run(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, status, "header %q", header)
	}
}

func TestPropertyUploadRejectsUnknownIdentifierHeader(t *testing.T) {
	db := newFakeDatabase()
	job := seedImportJob(t, db, "Name,Grade\njane,A\n")

	status, err := NewPropertyUploadWorker(db).Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, status)
	assert.Equal(t, `CSV header must start with "StudentEmail".`, db.jobs[job.ID].Error)
}

func TestPropertyUploadRejectsHeaderOnlyCSV(t *testing.T) {
	db := newFakeDatabase()
	job := seedImportJob(t, db, "StudentEmail,Grade\n")

	status, err := NewPropertyUploadWorker(db).Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, status)
	assert.Equal(t, "CSV contains no data rows.", db.jobs[job.ID].Error)
}

func TestPropertyUploadRejectsMalformedCSV(t *testing.T) {
	db := newFakeDatabase()
	job := seedImportJob(t, db, "StudentEmail,Grade\n\"unterminated,A\n")

	status, err := NewPropertyUploadWorker(db).Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, status)
	assert.Contains(t, db.jobs[job.ID].Error, "Failed to parse CSV")
}

func TestPropertyUploadWithoutPayload(t *testing.T) {
	db := newFakeDatabase()
	job := &model.Job{Type: model.JobTypePropertyUpload, ClassID: "class-1"}
	require.NoError(t, db.CreateJob(context.Background(), job))

	status, err := NewPropertyUploadWorker(db).Run(context.Background(), job)
	assert.Error(t, err)
	assert.Equal(t, model.StatusFailed, status)
}
