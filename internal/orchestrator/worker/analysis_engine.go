package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"classwatch/internal/ai"
	"classwatch/internal/config"
	"classwatch/internal/database"
	"classwatch/internal/joblog"
	"classwatch/internal/model"
	"classwatch/internal/orchestrator"
	"classwatch/internal/quota"
)

// ErrNothingToRetry is returned by Retry when the job has no failed units
// left, neither on the job document nor reconstructable from the AI job log.
var ErrNothingToRetry = errors.New("job has no failed videos to retry")

// errNoTargets is the operator-facing message for an analysis request that
// resolves to zero videos.
const errNoTargets = "No videos matched the analysis request."

// AnalysisEngine runs the per-unit idempotent, quota-gated analysis algorithm
// shared by the batch analysis worker and the synchronous retry endpoint.
type AnalysisEngine struct {
	db       database.Database
	provider ai.Provider
	pricing  ai.Pricing
	ledger   *quota.Ledger
	logger   *joblog.Logger

	aiCfg     config.AIConfig
	batchSize int
	maxVideos int
}

func NewAnalysisEngine(db database.Database, provider ai.Provider, pricing ai.Pricing,
	ledger *quota.Ledger, logger *joblog.Logger, aiCfg config.AIConfig, mediaCfg config.MediaConfig) *AnalysisEngine {
	return &AnalysisEngine{
		db:        db,
		provider:  provider,
		pricing:   pricing,
		ledger:    ledger,
		logger:    logger,
		aiCfg:     aiCfg,
		batchSize: mediaCfg.AnalysisBatchSize,
		maxVideos: mediaCfg.MaxVideosPerJob,
	}
}

// unitOutcome is the result of one analysis unit, threaded back to the batch
// accumulator instead of mutated shared state.
type unitOutcome struct {
	aiJobID primitive.ObjectID
	failed  *model.FailedVideo
}

// Run executes a fresh analysis job: resolve targets, process them in
// quota-gated batches, and land the cumulative terminal status.
func (e *AnalysisEngine) Run(ctx context.Context, job *model.Job) (model.JobStatus, error) {
	spec := job.Analysis
	if spec == nil {
		return model.StatusFailed, errors.New("analysis job carries no payload")
	}
	if strings.TrimSpace(spec.Prompt) == "" {
		return model.StatusFailed, errors.New("analysis job carries no prompt")
	}

	targets, note, err := e.resolveTargets(ctx, job)
	if err != nil {
		return model.StatusFailed, err
	}
	if note != "" {
		if err := e.db.AppendJobNote(ctx, job.ID, note); err != nil {
			return model.StatusFailed, err
		}
	}

	if len(targets) == 0 {
		if err := e.db.FailJob(ctx, job.ID, errNoTargets, ""); err != nil {
			return model.StatusFailed, err
		}
		return model.StatusFailed, nil
	}

	successes, failures, err := e.runUnits(ctx, job, targets, false)
	if err != nil {
		return model.StatusFailed, err
	}

	status := terminalStatus(successes, failures)
	if err := e.db.FinishJob(ctx, job.ID, status); err != nil {
		return status, err
	}

	log.Info().
		Str("jobID", job.ID.Hex()).
		Int("successes", successes).
		Int("failures", failures).
		Str("status", string(status)).
		Msg("Analysis job finished")

	return status, nil
}

// Retry re-drives exactly the failed units of a previous attempt. Succeeded
// units are protected twice over: they are absent from the retry target list,
// and the idempotency lookup would reuse their completed records anyway.
func (e *AnalysisEngine) Retry(ctx context.Context, job *model.Job) (model.JobStatus, error) {
	spec := job.Analysis
	if spec == nil {
		return model.StatusFailed, errors.New("analysis job carries no payload")
	}

	targets := job.FailedVideos
	if len(targets) == 0 {
		// Legacy jobs predate the failedVideos field; reconstruct the list
		// from failed AI job records belonging to this job.
		records, err := e.db.ListFailedAIJobsByMaster(ctx, job.ID)
		if err != nil {
			return model.StatusFailed, err
		}
		for _, record := range records {
			if len(record.MediaPaths) == 0 {
				continue
			}
			targets = append(targets, model.FailedVideo{
				StudentUID: record.SubjectUID,
				VideoPath:  relativeBlobPath(record.MediaPaths[0]),
			})
		}
	}

	if len(targets) == 0 {
		return model.StatusFailed, ErrNothingToRetry
	}

	attempt := model.RetryAttempt{
		RetriedAt:        time.Now(),
		VideoCount:       len(targets),
		OriginalFailures: targets,
	}
	if err := e.db.PrepareRetry(ctx, job.ID, attempt); err != nil {
		return model.StatusFailed, err
	}

	successes, failures, err := e.runUnits(ctx, job, targets, true)
	if err != nil {
		return model.StatusFailed, err
	}

	// Terminal status is computed over the retried subset only.
	status := terminalStatus(successes, failures)
	if err := e.db.FinishJob(ctx, job.ID, status); err != nil {
		return status, err
	}

	log.Info().
		Str("jobID", job.ID.Hex()).
		Int("retried", len(targets)).
		Int("successes", successes).
		Int("failures", failures).
		Str("status", string(status)).
		Msg("Analysis retry finished")

	return status, nil
}

// resolveTargets turns the job's selector into a concrete video list.
// Explicit mode passes the list through; range mode queries completed video
// artifacts and de-duplicates by video path, last write wins. Oversized
// target sets are truncated and the truncation recorded as a note.
func (e *AnalysisEngine) resolveTargets(ctx context.Context, job *model.Job) ([]model.FailedVideo, string, error) {
	spec := job.Analysis

	var targets []model.FailedVideo
	if len(spec.Videos) > 0 {
		byPath := make(map[string]model.FailedVideo, len(spec.Videos))
		for _, video := range spec.Videos {
			byPath[video.VideoPath] = video
		}
		targets = sortedTargets(byPath)
	} else {
		var start, end time.Time
		if spec.StartTime != nil {
			start = *spec.StartTime
		}
		if spec.EndTime != nil {
			end = *spec.EndTime
		}

		artifacts, err := e.db.ListCompletedVideos(ctx, job.ClassID, spec.FilterField, start, end)
		if err != nil {
			return nil, "", err
		}

		byPath := make(map[string]model.FailedVideo, len(artifacts))
		for _, artifact := range artifacts {
			byPath[artifact.VideoPath] = model.FailedVideo{
				StudentUID:   artifact.StudentUID,
				StudentEmail: artifact.StudentEmail,
				VideoPath:    artifact.VideoPath,
			}
		}
		targets = sortedTargets(byPath)
	}

	if len(targets) > e.maxVideos {
		note := fmt.Sprintf("Target list truncated to %d videos (%d matched).", e.maxVideos, len(targets))
		return targets[:e.maxVideos], note, nil
	}

	return targets, "", nil
}

// runUnits processes targets in fixed-size concurrent batches, persisting
// progress after every batch. Returns the cumulative success/failure counts
// across all batches.
func (e *AnalysisEngine) runUnits(ctx context.Context, job *model.Job, targets []model.FailedVideo, retryFailed bool) (successes, failures int, err error) {
	prompt := job.Analysis.Prompt
	promptHash := hashPrompt(prompt)

	batches := orchestrator.SplitIntoBatches(targets, e.batchSize)
	for i, batch := range batches {
		// One quota check per batch over the summed estimate, so spend by
		// earlier batches in this same job is reflected here.
		estimate := 0.0
		for range batch {
			estimate += e.pricing.EstimateCost(prompt, 1)
		}

		allowed, err := e.ledger.CheckQuota(ctx, job.ClassID, estimate)
		if err != nil {
			return successes, failures, fmt.Errorf("quota check failed: %w", err)
		}

		var aiJobIDs []primitive.ObjectID
		var failed []model.FailedVideo

		if !allowed {
			log.Warn().
				Str("jobID", job.ID.Hex()).
				Str("classID", job.ClassID).
				Int("batch", i+1).
				Float64("estimate", estimate).
				Msg("Batch blocked by quota")

			for _, unit := range batch {
				outcome := e.logBlocked(ctx, job, unit, prompt, promptHash)
				if outcome.failed != nil {
					failed = append(failed, *outcome.failed)
				}
				if !outcome.aiJobID.IsZero() {
					aiJobIDs = append(aiJobIDs, outcome.aiJobID)
				}
			}
		} else {
			outcomes := e.processBatch(ctx, job, batch, prompt, promptHash, retryFailed)
			for _, outcome := range outcomes {
				if outcome.failed != nil {
					failed = append(failed, *outcome.failed)
					continue
				}
				aiJobIDs = append(aiJobIDs, outcome.aiJobID)
			}
		}

		successes += len(aiJobIDs)
		failures += len(failed)

		if err := e.db.AppendAnalysisProgress(ctx, job.ID, aiJobIDs, failed); err != nil {
			return successes, failures, err
		}
	}

	return successes, failures, nil
}

// processBatch runs one batch's units concurrently, collecting outcomes by
// index so results stay aligned with their targets.
func (e *AnalysisEngine) processBatch(ctx context.Context, job *model.Job, batch []model.FailedVideo, prompt, promptHash string, retryFailed bool) []unitOutcome {
	outcomes := make([]unitOutcome, len(batch))

	var wg sync.WaitGroup
	for i, unit := range batch {
		wg.Add(1)
		go func(i int, unit model.FailedVideo) {
			defer wg.Done()
			outcomes[i] = e.processUnit(ctx, job, unit, prompt, promptHash, retryFailed)
		}(i, unit)
	}
	wg.Wait()

	return outcomes
}

// processUnit analyzes a single video with idempotent de-duplication against
// prior attempts. The (media path, prompt hash) pair is the idempotency key:
// before invoking the model the unit claims the key with a processing
// placeholder, so a concurrent run of the same unit references the
// placeholder instead of dispatching a duplicate, and the placeholder is
// resolved to its terminal outcome once the invocation settles.
func (e *AnalysisEngine) processUnit(ctx context.Context, job *model.Job, unit model.FailedVideo, prompt, promptHash string, retryFailed bool) unitOutcome {
	existing, err := e.db.FindAIJobByMediaAndPrompt(ctx, unit.VideoPath, promptHash)
	if err != nil {
		return e.logFailure(ctx, job, unit, prompt, promptHash, fmt.Sprintf("idempotency lookup failed: %v", err))
	}
	if outcome, settled := e.settleFromRecord(job, unit, existing, retryFailed); settled {
		return outcome
	}

	claimed, created, err := e.logger.StartJob(ctx, &model.AIJobRecord{
		ClassID:     job.ClassID,
		SubjectUID:  unit.StudentUID,
		JobType:     model.AIJobAnalyzeVideo,
		PromptText:  prompt,
		PromptHash:  promptHash,
		MediaPaths:  []string{unit.VideoPath},
		MasterJobID: job.ID,
	})
	if err != nil {
		return e.logFailure(ctx, job, unit, prompt, promptHash, fmt.Sprintf("failed to claim analysis slot: %v", err))
	}
	if !created {
		// Lost the claim race; the holder's record settles the unit.
		if outcome, settled := e.settleFromRecord(job, unit, claimed, retryFailed); settled {
			return outcome
		}
		return unitFailure(unit)
	}

	result, err := e.provider.Generate(ctx, ai.GenerateRequest{
		Prompt:      prompt,
		MediaURIs:   []string{unit.VideoPath},
		MIMEType:    "video/mp4",
		Temperature: e.aiCfg.Temperature,
		TopP:        e.aiCfg.TopP,
		Tools:       e.toolHandlers(job, unit),
	})
	if err != nil {
		e.resolveUnit(ctx, claimed.ID, unit, model.AIJobOutcome{
			Status:       model.AIJobFailed,
			ErrorDetails: err.Error(),
		})
		return unitFailure(unit)
	}

	usage := &model.TokenUsage{
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
	}

	if err := e.logger.ResolveJob(ctx, claimed.ID, model.AIJobOutcome{
		Status: model.AIJobCompleted,
		Usage:  usage,
		Cost:   e.pricing.CalculateCost(usage),
		Result: result.Text,
	}); err != nil {
		log.Error().Err(err).Str("videoPath", unit.VideoPath).Msg("Failed to resolve completed analysis record")
		return unitFailure(unit)
	}

	return unitOutcome{aiJobID: claimed.ID}
}

// settleFromRecord maps an existing record for the unit's idempotency key to
// a ready outcome. Not settled when no record exists, or when the record is a
// terminal failure being explicitly retried.
func (e *AnalysisEngine) settleFromRecord(job *model.Job, unit model.FailedVideo, record *model.AIJobRecord, retryFailed bool) (unitOutcome, bool) {
	if record == nil {
		return unitOutcome{}, false
	}

	switch {
	case record.Status == model.AIJobCompleted && record.Result != "":
		// Already analyzed with this exact prompt: reuse without
		// re-invoking or re-charging.
		log.Debug().
			Str("jobID", job.ID.Hex()).
			Str("videoPath", unit.VideoPath).
			Str("aiJobID", record.ID.Hex()).
			Msg("Reusing completed analysis")
		return unitOutcome{aiJobID: record.ID}, true

	case record.Status == model.AIJobProcessing:
		// A concurrent invocation owns this unit; reference its record
		// instead of dispatching a duplicate.
		return unitOutcome{aiJobID: record.ID}, true

	case !retryFailed:
		// A prior terminal failure is not silently retried from the
		// automatic path; the explicit retry endpoint re-drives it.
		return unitFailure(unit), true
	}

	return unitOutcome{}, false
}

// resolveUnit lands a placeholder on a terminal outcome, logging rather than
// propagating resolve errors: the unit's outcome is already decided.
func (e *AnalysisEngine) resolveUnit(ctx context.Context, id primitive.ObjectID, unit model.FailedVideo, outcome model.AIJobOutcome) {
	if err := e.logger.ResolveJob(ctx, id, outcome); err != nil {
		log.Error().Err(err).Str("videoPath", unit.VideoPath).Msg("Failed to resolve analysis record")
	}
}

// logBlocked records a quota-denied unit. Quota denial is a normal outcome,
// logged at cost 0 so the audit trail shows why nothing happened.
func (e *AnalysisEngine) logBlocked(ctx context.Context, job *model.Job, unit model.FailedVideo, prompt, promptHash string) unitOutcome {
	record := &model.AIJobRecord{
		ClassID:      job.ClassID,
		SubjectUID:   unit.StudentUID,
		JobType:      model.AIJobAnalyzeVideo,
		Status:       model.AIJobBlockedByQuota,
		PromptText:   prompt,
		PromptHash:   promptHash,
		MediaPaths:   []string{unit.VideoPath},
		Cost:         0,
		ErrorDetails: "Class AI quota exhausted",
		MasterJobID:  job.ID,
	}

	if _, err := e.logger.LogJob(ctx, record); err != nil {
		log.Error().Err(err).Str("videoPath", unit.VideoPath).Msg("Failed to log quota-blocked record")
	}

	return unitFailure(unit)
}

// logFailure records a per-unit failure. Unit failures never propagate past
// their batch; they become failed entries on the job.
func (e *AnalysisEngine) logFailure(ctx context.Context, job *model.Job, unit model.FailedVideo, prompt, promptHash, details string) unitOutcome {
	record := &model.AIJobRecord{
		ClassID:      job.ClassID,
		SubjectUID:   unit.StudentUID,
		JobType:      model.AIJobAnalyzeVideo,
		Status:       model.AIJobFailed,
		PromptText:   prompt,
		PromptHash:   promptHash,
		MediaPaths:   []string{unit.VideoPath},
		Cost:         0,
		ErrorDetails: details,
		MasterJobID:  job.ID,
	}

	if _, err := e.logger.LogJob(ctx, record); err != nil {
		log.Error().Err(err).Str("videoPath", unit.VideoPath).Msg("Failed to log failed analysis record")
	}

	return unitFailure(unit)
}

// unitFailure marks a unit failed on the job without touching the AI job log.
func unitFailure(unit model.FailedVideo) unitOutcome {
	return unitOutcome{failed: &model.FailedVideo{
		StudentUID:   unit.StudentUID,
		StudentEmail: unit.StudentEmail,
		VideoPath:    unit.VideoPath,
	}}
}

// toolHandlers exposes the side-effecting callbacks the model may invoke
// during generation.
func (e *AnalysisEngine) toolHandlers(job *model.Job, unit model.FailedVideo) []ai.ToolHandler {
	return []ai.ToolHandler{
		{
			Name:        "send_message",
			Description: "Send a message to the analyzed student",
			Invoke: func(ctx context.Context, args map[string]any) (string, error) {
				body, _ := args["message"].(string)
				if body == "" {
					return "", errors.New("message is required")
				}
				err := e.db.CreateNotification(ctx, &model.Notification{
					RecipientID: unit.StudentUID,
					ClassID:     job.ClassID,
					Title:       "Message from analysis",
					Body:        body,
				})
				if err != nil {
					return "", err
				}
				return "message sent", nil
			},
		},
		{
			Name:        "record_irregularity",
			Description: "Record an observed irregularity on the analyzed video",
			Invoke: func(ctx context.Context, args map[string]any) (string, error) {
				description, _ := args["description"].(string)
				if description == "" {
					return "", errors.New("description is required")
				}
				note := fmt.Sprintf("Irregularity (%s): %s", unit.VideoPath, description)
				if err := e.db.AppendJobNote(ctx, job.ID, note); err != nil {
					return "", err
				}
				return "irregularity recorded", nil
			},
		},
		{
			Name:        "record_progress",
			Description: "Record a progress observation for the analyzed student",
			Invoke: func(ctx context.Context, args map[string]any) (string, error) {
				observation, _ := args["observation"].(string)
				if observation == "" {
					return "", errors.New("observation is required")
				}
				note := fmt.Sprintf("Progress (%s): %s", unit.StudentUID, observation)
				if err := e.db.AppendJobNote(ctx, job.ID, note); err != nil {
					return "", err
				}
				return "progress recorded", nil
			},
		},
	}
}

// terminalStatus maps cumulative success/failure counts to the three-way
// terminal split a UI needs to drive the correct retry affordance.
func terminalStatus(successes, failures int) model.JobStatus {
	switch {
	case failures == 0 && successes > 0:
		return model.StatusCompleted
	case failures > 0 && successes > 0:
		return model.StatusPartialFailure
	default:
		return model.StatusFailed
	}
}

// hashPrompt derives the idempotency hash of a fully-rendered prompt.
func hashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// relativeBlobPath strips a scheme and bucket prefix from a stored media
// path, leaving the store-relative key.
func relativeBlobPath(path string) string {
	idx := strings.Index(path, "://")
	if idx < 0 {
		return path
	}

	rest := path[idx+3:]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		return rest[slash+1:]
	}
	return rest
}

// sortedTargets flattens a de-duplication map into a deterministic order.
func sortedTargets(byPath map[string]model.FailedVideo) []model.FailedVideo {
	paths := make([]string, 0, len(byPath))
	for path := range byPath {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	targets := make([]model.FailedVideo, 0, len(paths))
	for _, path := range paths {
		targets = append(targets, byPath[path])
	}
	return targets
}
