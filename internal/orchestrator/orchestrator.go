// Package orchestrator turns a project's text blocks into audio. A run selects
// the blocks that need audio, gates them on quota, submits them to the
// provider in small sequential batches with one retry each, and reconciles
// every outcome into the workspace in a single step.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/config"
	"github.com/book-expert/tts-studio/internal/core"
	"github.com/book-expert/tts-studio/internal/media"
	"github.com/book-expert/tts-studio/internal/objectstore"
	"github.com/book-expert/tts-studio/internal/provider"
	"github.com/book-expert/tts-studio/internal/text"
)

// QuotaGate checks and records character spending.
type QuotaGate interface {
	CheckAndReserve(ctx context.Context, userID string, estimatedChars int) error
	Commit(ctx context.Context, userID, generationID string, actualChars int) error
}

// Settings is the batch generation policy.
type Settings struct {
	MaxBlocksPerRun  int
	MaxWordsPerBlock int
	BatchSize        int
	InterBatchPause  time.Duration
	RetryDelay       time.Duration
	PollInterval     time.Duration
	MinAudioBytes    int
	Speed            float64
	Pitch            float64
}

// SettingsFromConfig builds the policy from the service configuration.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		MaxBlocksPerRun:  cfg.Orchestrator.MaxBlocksPerRun,
		MaxWordsPerBlock: cfg.Orchestrator.MaxWordsPerBlock,
		BatchSize:        cfg.Orchestrator.BatchSize,
		InterBatchPause:  time.Duration(cfg.Orchestrator.InterBatchPauseMs) * time.Millisecond,
		RetryDelay:       time.Duration(cfg.Orchestrator.RetryDelayMs) * time.Millisecond,
		PollInterval:     cfg.Provider.PollInterval(),
		MinAudioBytes:    cfg.Orchestrator.MinAudioBytes,
		Speed:            cfg.Orchestrator.Speed,
		Pitch:            cfg.Orchestrator.Pitch,
	}
}

// Dependencies groups the collaborators of an Orchestrator.
type Dependencies struct {
	Provider   core.Provider
	Blobs      core.BlobStore
	Projects   core.ProjectStore
	Quota      QuotaGate
	Voices     core.VoiceRegistry
	Dispatcher core.JobDispatcher
	Log        *logger.Logger
}

// Orchestrator runs generation over workspaces.
type Orchestrator struct {
	deps         Dependencies
	settings     Settings
	preprocessor *text.Preprocessor
}

// New creates an orchestrator. Dispatcher may be nil when no background
// tracking is wanted.
func New(deps Dependencies, settings Settings) *Orchestrator {
	if settings.BatchSize <= 0 {
		settings.BatchSize = 1
	}

	return &Orchestrator{
		deps:         deps,
		settings:     settings,
		preprocessor: text.NewPreprocessor(),
	}
}

// Run generates audio for every block in ws that needs it. Validation and
// quota failures abort the run before any provider call and are returned as
// errors; per-block failures are reported in the Report and never undo
// successes.
func (o *Orchestrator) Run(ctx context.Context, userID string, ws *Workspace) (Report, error) {
	selected, prior, err := ws.selectAndMark(o.settings.MaxBlocksPerRun, o.settings.MaxWordsPerBlock)
	if err != nil {
		return Report{}, err
	}

	if len(selected) == 0 {
		return Report{}, nil
	}

	estimated := 0
	for _, block := range selected {
		estimated += text.CountChars(o.preprocessor.Sanitize(block.Text))
	}

	err = o.deps.Quota.CheckAndReserve(ctx, userID, estimated)
	if err != nil {
		ws.restore(prior)

		return Report{}, fmt.Errorf("quota check for %d characters: %w", estimated, err)
	}

	// The stored markers let the tracker tell this run's jobs from stale ones.
	err = o.deps.Projects.UpsertBlocks(ctx, ws.ProjectID(), selected)
	if err != nil {
		ws.restore(prior)

		return Report{}, fmt.Errorf("persist in-flight blocks for project %s: %w", ws.ProjectID(), err)
	}

	o.deps.Log.Info("Generating %d blocks (%d characters) for project %s", len(selected), estimated, ws.ProjectID())

	outcomes := o.generate(ctx, userID, ws, selected)

	touched := ws.reconcile(outcomes)

	// The provider work is done; bookkeeping must not be lost to a cancelled run.
	persistCtx := context.WithoutCancel(ctx)

	for _, result := range outcomes {
		if result.err != nil {
			continue
		}

		commitErr := o.deps.Quota.Commit(persistCtx, userID, result.generationID, result.chars)
		if commitErr != nil {
			o.deps.Log.Error("Failed to commit quota for job %s: %v", result.job.JobID, commitErr)
		}
	}

	o.persist(persistCtx, ws.ProjectID(), touched)

	report := newReport(outcomes)
	o.deps.Log.Info("Project %s: %s", ws.ProjectID(), report.Summary())

	return report, nil
}

// persist writes reconciled blocks back to the store. A stored block that the
// tracker already completed for the same generation keeps its audio.
func (o *Orchestrator) persist(ctx context.Context, projectID string, blocks []core.TextBlock) {
	for _, block := range blocks {
		err := o.deps.Projects.UpdateBlock(ctx, projectID, block.ID, func(stored *core.TextBlock) bool {
			if deliveredBefore(stored, block) {
				return false
			}

			*stored = block

			return true
		})
		if errors.Is(err, core.ErrBlockNotFound) {
			err = o.deps.Projects.UpsertBlocks(ctx, projectID, []core.TextBlock{block})
		}

		if err != nil {
			o.deps.Log.Error("Failed to persist block %s of project %s: %v", block.ID, projectID, err)
		}
	}
}

func deliveredBefore(stored *core.TextBlock, reconciled core.TextBlock) bool {
	return reconciled.GenerationState != core.StateReady &&
		stored.GenerationState == core.StateReady &&
		stored.GenerationID != "" &&
		stored.GenerationID == reconciled.GenerationID
}

// generate attempts the selected blocks in order, batch by batch.
func (o *Orchestrator) generate(ctx context.Context, userID string, ws *Workspace, selected []core.TextBlock) []outcome {
	projectID := ws.ProjectID()

	outcomes := make([]outcome, len(selected))

	token, err := o.deps.Provider.Authenticate(ctx)
	if err != nil {
		o.deps.Log.Error("Provider authentication failed for project %s: %v", projectID, err)

		for index, block := range selected {
			outcomes[index] = failed(block, core.GenerationJob{}, fmt.Errorf("authenticate: %w", err))
		}

		return outcomes
	}

	for start := 0; start < len(selected); start += o.settings.BatchSize {
		if start > 0 {
			_ = sleep(ctx, o.settings.InterBatchPause)
		}

		end := min(start+o.settings.BatchSize, len(selected))

		var wg sync.WaitGroup

		for index := start; index < end; index++ {
			wg.Add(1)

			go func(index int) {
				defer wg.Done()

				outcomes[index] = o.attemptWithRetry(ctx, token, userID, ws, selected[index])
			}(index)
		}

		wg.Wait()
	}

	return outcomes
}

// attemptWithRetry runs one attempt and at most one retry. A diacritization
// fault retries without diacritics and keeps that setting; other transient
// failures retry unchanged after a delay.
func (o *Orchestrator) attemptWithRetry(
	ctx context.Context,
	token, userID string,
	ws *Workspace,
	block core.TextBlock,
) outcome {
	requested := block.UseDiacritics && o.supportsDiacritics(block.VoiceID)
	useDiacritics := requested

	result := o.attempt(ctx, token, userID, ws, block, useDiacritics)
	if result.err == nil || !retryable(result.err) {
		return result
	}

	if useDiacritics && errors.Is(result.err, core.ErrDiacritizationFault) {
		o.deps.Log.Warn("Block %s failed diacritization, retrying without it: %v", block.ID, result.err)

		useDiacritics = false
	} else {
		o.deps.Log.Warn("Block %s failed, retrying once: %v", block.ID, result.err)

		err := sleep(ctx, o.settings.RetryDelay)
		if err != nil {
			return failed(block, result.job, err)
		}
	}

	retried := o.attempt(ctx, token, userID, ws, block, useDiacritics)
	retried.diacriticsDowngraded = requested && !useDiacritics

	return retried
}

// attempt runs submit, poll, fetch and store for one block.
func (o *Orchestrator) attempt(
	ctx context.Context,
	token, userID string,
	ws *Workspace,
	block core.TextBlock,
	useDiacritics bool,
) outcome {
	projectID := ws.ProjectID()
	job := core.GenerationJob{BlockID: block.ID}

	err := ctx.Err()
	if err != nil {
		return failed(block, job, err)
	}

	sanitized := o.preprocessor.Sanitize(block.Text)
	if text.IsBlank(sanitized) {
		return failed(block, job, fmt.Errorf("%w: block %s has no speakable text", core.ErrValidation, block.ID))
	}

	if o.deps.Voices != nil && o.deps.Voices.UnderMaintenance(block.VoiceID) {
		return failed(block, job, fmt.Errorf("%w: %s is under maintenance", core.ErrVoiceUnavailable, block.VoiceID))
	}

	chars := text.CountChars(sanitized)

	jobID, err := o.deps.Provider.SubmitJob(ctx, token, core.JobRequest{
		Text:          sanitized,
		VoiceID:       block.VoiceID,
		Provider:      block.Provider,
		UseDiacritics: useDiacritics,
		Speed:         o.settings.Speed,
		Pitch:         o.settings.Pitch,
	})
	if err != nil {
		return failed(block, job, err)
	}

	job.JobID = jobID
	job.SubmittedAt = time.Now()
	job.Status = core.JobPending

	ws.recordJob(block.ID, block.GenerationID, jobID)
	o.recordJob(ctx, projectID, block.ID, block.GenerationID, jobID)

	o.dispatch(ctx, core.TrackRequest{
		JobID:        jobID,
		GenerationID: block.GenerationID,
		BlockID:      block.ID,
		ProjectID:    projectID,
		UserID:       userID,
		Chars:        chars,
	})

	_, err = provider.PollUntilDone(ctx, o.deps.Provider, token, jobID, o.settings.PollInterval, 0)
	if err != nil {
		return failed(block, job, err)
	}

	audio, err := o.deps.Provider.FetchResult(ctx, token, jobID)
	if err != nil {
		return failed(block, job, err)
	}

	err = media.CheckPlausible(audio, o.settings.MinAudioBytes)
	if err != nil {
		return failed(block, job, fmt.Errorf("%w: %w", core.ErrResultUnavailable, err))
	}

	contentType := media.DetectContentType(audio)

	ref, err := o.deps.Blobs.Put(ctx, objectstore.AudioKey(projectID, block.ID, jobID, contentType), audio, contentType)
	if err != nil {
		return failed(block, job, fmt.Errorf("store audio: %w", err))
	}

	duration, err := media.DurationSeconds(audio)
	if err != nil && !errors.Is(err, media.ErrUnsupportedContainer) {
		o.deps.Log.Warn("Could not read duration of block %s audio: %v", block.ID, err)
	}

	o.deps.Log.Info("Block %s ready as %s (%.2fs)", block.ID, ref, duration)

	job.Status = core.JobCompleted
	job.AudioRef = ref

	return outcome{
		job:          job,
		generationID: block.GenerationID,
		text:         block.Text,
		duration:     duration,
		chars:        chars,
	}
}

// recordJob stores the job serving a generation on the persisted block.
func (o *Orchestrator) recordJob(ctx context.Context, projectID, blockID, generationID, jobID string) {
	err := o.deps.Projects.UpdateBlock(ctx, projectID, blockID, func(stored *core.TextBlock) bool {
		if stored.GenerationID != generationID || stored.GenerationState != core.StateGenerating {
			return false
		}

		stored.JobID = jobID

		return true
	})
	if err != nil {
		o.deps.Log.Warn("Failed to record job %s on block %s: %v", jobID, blockID, err)
	}
}

// supportsDiacritics reports whether diacritization may be requested for the
// voice. Without a catalog every voice may.
func (o *Orchestrator) supportsDiacritics(voiceID string) bool {
	return o.deps.Voices == nil || o.deps.Voices.SupportsDiacritics(voiceID)
}

func (o *Orchestrator) dispatch(ctx context.Context, req core.TrackRequest) {
	if o.deps.Dispatcher == nil {
		return
	}

	err := o.deps.Dispatcher.Dispatch(ctx, req)
	if err != nil {
		o.deps.Log.Warn("Failed to dispatch tracking for job %s: %v", req.JobID, err)
	}
}

// retryable reports whether a failed attempt may be tried again.
func retryable(err error) bool {
	switch {
	case errors.Is(err, core.ErrVoiceUnavailable),
		errors.Is(err, core.ErrValidation),
		errors.Is(err, core.ErrInsufficientQuota),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}

func sleep(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
