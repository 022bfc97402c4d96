package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"classwatch/internal/archive"
	"classwatch/internal/blob"
	"classwatch/internal/config"
	"classwatch/internal/database"
	"classwatch/internal/model"
	"classwatch/internal/orchestrator"
	"classwatch/internal/quota"
)

const ZipName = "Zip Archiver Worker"

type zipWorker struct {
	db     database.Database
	files  blob.FileService
	ledger *quota.Ledger
	cfg    config.MediaConfig
}

func NewZipWorker(db database.Database, files blob.FileService, ledger *quota.Ledger, cfg config.MediaConfig) orchestrator.Worker {
	return &zipWorker{
		db:     db,
		files:  files,
		ledger: ledger,
		cfg:    cfg,
	}
}

// Name implements orchestrator.Worker.
func (w *zipWorker) Name() string {
	return ZipName
}

// Type implements orchestrator.Worker.
func (w *zipWorker) Type() string {
	return model.JobTypeVideoZip
}

// Run implements orchestrator.Worker. It bundles already-built videos into
// one downloadable archive with a manifest and notifies the requester.
// Downloads all complete before the archive step runs, so a partial download
// can never end up inside a corrupt archive.
func (w *zipWorker) Run(ctx context.Context, job *model.Job) (model.JobStatus, error) {
	spec := job.Zip
	if spec == nil {
		return model.StatusFailed, errors.New("zip job carries no payload")
	}
	if len(spec.Videos) == 0 {
		return model.StatusFailed, errors.New("zip job references no videos")
	}

	workDir, err := os.MkdirTemp(w.cfg.WorkDir, "video-zip-"+uuid.NewString())
	if err != nil {
		return model.StatusFailed, fmt.Errorf("failed to create working directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	bundleDir := filepath.Join(workDir, "bundle")
	if err := os.Mkdir(bundleDir, 0o755); err != nil {
		return model.StatusFailed, fmt.Errorf("failed to create working directory: %w", err)
	}

	entries := make([]archive.ManifestEntry, 0, len(spec.Videos))
	seen := make(map[string]int, len(spec.Videos))

	for _, video := range spec.Videos {
		name := archive.SanitizeVideoName(job.ClassID, video.StudentEmail, video.StartTime)
		if n := seen[name]; n > 0 {
			seen[name] = n + 1
			name = fmt.Sprintf("%d_%s", n, name)
		} else {
			seen[name] = 1
		}

		if err := w.files.DownloadFile(ctx, video.VideoPath, filepath.Join(bundleDir, name)); err != nil {
			return model.StatusFailed, fmt.Errorf("failed to download video %s: %w", video.VideoPath, err)
		}

		entries = append(entries, archive.ManifestEntry{
			Subject:   video.StudentEmail,
			StartTime: video.StartTime,
			Filename:  name,
		})
	}

	if err := archive.WriteManifest(filepath.Join(bundleDir, archive.ManifestName), entries); err != nil {
		return model.StatusFailed, err
	}

	zipLocal := filepath.Join(workDir, "bundle.zip")
	if err := archive.CreateZip(bundleDir, zipLocal, w.cfg.ZipCompressionLevel); err != nil {
		return model.StatusFailed, err
	}

	zipPath := fmt.Sprintf("classes/%s/zips/%s.zip", job.ClassID, job.ID.Hex())
	metadata := map[string]string{
		"class-id":     job.ClassID,
		"requester-id": spec.RequesterID,
		"video-count":  fmt.Sprintf("%d", len(spec.Videos)),
	}

	if err := w.files.UploadFile(ctx, zipLocal, zipPath, metadata); err != nil {
		return model.StatusFailed, fmt.Errorf("failed to upload archive: %w", err)
	}

	if err := w.db.CompleteZipJob(ctx, job.ID, zipPath); err != nil {
		return model.StatusFailed, err
	}

	notification := &model.Notification{
		RecipientID:    spec.RequesterID,
		ClassID:        job.ClassID,
		Title:          "Video archive ready",
		Body:           fmt.Sprintf("Your archive of %d videos is ready for download.", len(spec.Videos)),
		AttachmentPath: zipPath,
	}
	if err := w.db.CreateNotification(ctx, notification); err != nil {
		log.Error().Err(err).Str("jobID", job.ID.Hex()).Msg("Archive uploaded but notification failed")
	}

	if info, err := os.Stat(zipLocal); err == nil {
		if err := w.ledger.RecordStorage(ctx, job.ClassID, model.StorageZips, info.Size()); err != nil {
			log.Error().Err(err).Str("classID", job.ClassID).Msg("Failed to record zip storage usage")
		}
	}

	log.Info().
		Str("jobID", job.ID.Hex()).
		Str("zipPath", zipPath).
		Int("videos", len(spec.Videos)).
		Msg("Zip archive completed")

	return model.StatusCompleted, nil
}
