// Package worker holds the job workers, one per job type. Each worker is
// invoked by the controller with an already-claimed job and owns every
// mutation of that job until it reaches a terminal status.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"classwatch/internal/blob"
	"classwatch/internal/config"
	"classwatch/internal/database"
	"classwatch/internal/media"
	"classwatch/internal/model"
	"classwatch/internal/orchestrator"
	"classwatch/internal/quota"
)

const (
	VideoBuildName = "Video Build Worker"

	// Operator-facing message for an empty capture range, distinct from
	// encoder or upload failures.
	errNoScreenshots = "No screenshots found in the selected time range."
)

type videoBuildWorker struct {
	db      database.Database
	files   blob.FileService
	ledger  *quota.Ledger
	encoder *media.Encoder
	cfg     config.MediaConfig
}

func NewVideoBuildWorker(db database.Database, files blob.FileService, ledger *quota.Ledger, encoder *media.Encoder, cfg config.MediaConfig) orchestrator.Worker {
	return &videoBuildWorker{
		db:      db,
		files:   files,
		ledger:  ledger,
		encoder: encoder,
		cfg:     cfg,
	}
}

// Name implements orchestrator.Worker.
func (w *videoBuildWorker) Name() string {
	return VideoBuildName
}

// Type implements orchestrator.Worker.
func (w *videoBuildWorker) Type() string {
	return model.JobTypeVideoBuild
}

// Run implements orchestrator.Worker. It stitches one student's screenshots
// in the requested time range into a captioned slideshow video, uploads it,
// and records the artifact.
func (w *videoBuildWorker) Run(ctx context.Context, job *model.Job) (model.JobStatus, error) {
	spec := job.VideoBuild
	if spec == nil {
		return model.StatusFailed, errors.New("video build job carries no payload")
	}

	workDir, err := os.MkdirTemp(w.cfg.WorkDir, "video-build-"+uuid.NewString())
	if err != nil {
		return model.StatusFailed, fmt.Errorf("failed to create working directory: %w", err)
	}
	// Temporary files are removed unconditionally, success or failure.
	defer os.RemoveAll(workDir)

	rawDir := filepath.Join(workDir, "raw")
	framesDir := filepath.Join(workDir, "frames")
	for _, dir := range []string{rawDir, framesDir} {
		if err := os.Mkdir(dir, 0o755); err != nil {
			return model.StatusFailed, fmt.Errorf("failed to create working directory: %w", err)
		}
	}

	screenshots, err := w.db.ListScreenshots(ctx, job.ClassID, spec.StudentUID, spec.StartTime, spec.EndTime)
	if err != nil {
		return model.StatusFailed, fmt.Errorf("failed to list screenshots: %w", err)
	}

	if len(screenshots) == 0 {
		if err := w.db.FailJob(ctx, job.ID, errNoScreenshots, ""); err != nil {
			return model.StatusFailed, err
		}
		return model.StatusFailed, nil
	}

	log.Info().
		Str("jobID", job.ID.Hex()).
		Str("studentUID", spec.StudentUID).
		Int("screenshots", len(screenshots)).
		Msg("Building video")

	batches := orchestrator.SplitIntoBatches(screenshots, w.cfg.ScreenshotBatchSize)
	frameIndex := 0
	for _, batch := range batches {
		if err := w.processBatch(ctx, job, spec, batch, rawDir, framesDir, frameIndex); err != nil {
			return model.StatusFailed, err
		}
		frameIndex += len(batch)
	}

	videoLocal := filepath.Join(workDir, "video.mp4")
	encoderLog, err := w.encoder.EncodeSlideshow(ctx, framesDir, videoLocal, w.cfg.FrameIntervalSecs)
	if err != nil {
		// Persist the raw encoder log so operators can tell an encoder
		// crash apart from missing screenshots or a failed upload.
		if failErr := w.db.FailJob(ctx, job.ID, err.Error(), encoderLog); failErr != nil {
			return model.StatusFailed, failErr
		}
		return model.StatusFailed, nil
	}

	duration, size, err := w.encoder.ProbeVideo(ctx, videoLocal)
	if err != nil {
		return model.StatusFailed, fmt.Errorf("failed to probe video: %w", err)
	}

	videoPath := fmt.Sprintf("classes/%s/videos/%s.mp4", job.ClassID, job.ID.Hex())
	metadata := map[string]string{
		"class-id":    job.ClassID,
		"student-uid": spec.StudentUID,
		"start-time":  spec.StartTime.UTC().Format(time.RFC3339),
		"end-time":    spec.EndTime.UTC().Format(time.RFC3339),
		"duration":    strconv.FormatFloat(duration, 'f', 3, 64),
		"size":        strconv.FormatInt(size, 10),
	}

	if err := w.files.UploadFile(ctx, videoLocal, videoPath, metadata); err != nil {
		return model.StatusFailed, fmt.Errorf("failed to upload video: %w", err)
	}

	if err := w.db.CompleteVideoBuildJob(ctx, job.ID, videoPath, duration, size); err != nil {
		return model.StatusFailed, err
	}

	artifact := &model.VideoArtifact{
		ClassID:      job.ClassID,
		StudentUID:   spec.StudentUID,
		StudentEmail: spec.StudentEmail,
		StartTime:    spec.StartTime,
		EndTime:      spec.EndTime,
		VideoPath:    videoPath,
		Duration:     duration,
		Size:         size,
		Status:       model.StatusCompleted,
	}
	if err := w.db.CreateVideoArtifact(ctx, artifact); err != nil {
		log.Error().Err(err).Str("jobID", job.ID.Hex()).Msg("Video uploaded but artifact record failed")
	}

	if err := w.ledger.RecordStorage(ctx, job.ClassID, model.StorageVideos, size); err != nil {
		log.Error().Err(err).Str("classID", job.ClassID).Msg("Failed to record video storage usage")
	}

	log.Info().
		Str("jobID", job.ID.Hex()).
		Str("videoPath", videoPath).
		Float64("duration", duration).
		Int64("size", size).
		Msg("Video build completed")

	return model.StatusCompleted, nil
}

// processBatch downloads and captions one bounded batch of screenshots
// concurrently. Frame names continue the global sequence so the encoder sees
// one contiguous ordered series across batches.
func (w *videoBuildWorker) processBatch(ctx context.Context, job *model.Job, spec *model.VideoBuildSpec, batch []*model.Screenshot, rawDir, framesDir string, startIndex int) error {
	var wg sync.WaitGroup
	var mutex sync.Mutex
	var firstErr error

	for i, shot := range batch {
		wg.Add(1)

		go func(index int, shot *model.Screenshot) {
			defer wg.Done()

			rawPath := filepath.Join(rawDir, media.FrameName(index))
			if err := w.files.DownloadFile(ctx, shot.Path, rawPath); err != nil {
				mutex.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("failed to download screenshot %s: %w", shot.Path, err)
				}
				mutex.Unlock()
				return
			}

			caption := fmt.Sprintf("%s  %s  %s",
				shot.CapturedAt.Format("2006-01-02 15:04:05"),
				job.ClassID,
				spec.StudentEmail,
			)

			framePath := filepath.Join(framesDir, media.FrameName(index))
			if err := w.encoder.ProcessFrame(ctx, rawPath, framePath, caption); err != nil {
				mutex.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("failed to process screenshot %s: %w", shot.Path, err)
				}
				mutex.Unlock()
			}
		}(startIndex+i, shot)
	}
	wg.Wait()

	return firstErr
}
