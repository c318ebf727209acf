package orchestrator

import (
	"context"
	"fmt"

	"github.com/book-expert/tts-studio/internal/core"
	"github.com/book-expert/tts-studio/internal/text"
	"github.com/google/uuid"
)

// SubmitRequest asks for audio for one block outside a batch run.
type SubmitRequest struct {
	ProjectID     string `json:"project_id"`
	BlockID       string `json:"block_id"`
	Text          string `json:"text"`
	VoiceID       string `json:"voice_id"`
	Provider      string `json:"provider"`
	UseDiacritics bool   `json:"use_diacritics"`
}

// Submit gates one block on quota, marks the stored block generating with the
// request's text and settings, submits it and hands the job to the background
// tracker. It returns the provider's job ID without waiting.
func (o *Orchestrator) Submit(ctx context.Context, userID string, req SubmitRequest) (string, error) {
	if req.ProjectID == "" || req.BlockID == "" {
		return "", fmt.Errorf("%w: project_id and block_id are required", core.ErrValidation)
	}

	sanitized := o.preprocessor.Sanitize(req.Text)
	if text.IsBlank(sanitized) {
		return "", fmt.Errorf("%w: text is empty", core.ErrValidation)
	}

	if o.settings.MaxWordsPerBlock > 0 && text.CountWords(sanitized) > o.settings.MaxWordsPerBlock {
		return "", fmt.Errorf("%w: text exceeds %d words", core.ErrValidation, o.settings.MaxWordsPerBlock)
	}

	if o.deps.Voices != nil && o.deps.Voices.UnderMaintenance(req.VoiceID) {
		return "", fmt.Errorf("%w: %s is under maintenance", core.ErrVoiceUnavailable, req.VoiceID)
	}

	chars := text.CountChars(sanitized)

	err := o.deps.Quota.CheckAndReserve(ctx, userID, chars)
	if err != nil {
		return "", err
	}

	generationID := uuid.NewString()

	err = o.claimBlock(ctx, req, generationID)
	if err != nil {
		return "", err
	}

	jobID, err := o.submitClaimed(ctx, req, sanitized)
	if err != nil {
		o.releaseBlock(ctx, req, generationID, err)

		return "", err
	}

	o.recordJob(ctx, req.ProjectID, req.BlockID, generationID, jobID)

	o.dispatch(ctx, core.TrackRequest{
		JobID:        jobID,
		GenerationID: generationID,
		BlockID:      req.BlockID,
		ProjectID:    req.ProjectID,
		UserID:       userID,
		Chars:        chars,
	})

	o.deps.Log.Info("Submitted job %s for block %s (project %s)", jobID, req.BlockID, req.ProjectID)

	return jobID, nil
}

func (o *Orchestrator) submitClaimed(ctx context.Context, req SubmitRequest, sanitized string) (string, error) {
	token, err := o.deps.Provider.Authenticate(ctx)
	if err != nil {
		return "", fmt.Errorf("authenticate: %w", err)
	}

	return o.deps.Provider.SubmitJob(ctx, token, core.JobRequest{
		Text:          sanitized,
		VoiceID:       req.VoiceID,
		Provider:      req.Provider,
		UseDiacritics: req.UseDiacritics && o.supportsDiacritics(req.VoiceID),
		Speed:         o.settings.Speed,
		Pitch:         o.settings.Pitch,
	})
}

// claimBlock marks the stored block generating under generationID. A block
// that is already generating is refused.
func (o *Orchestrator) claimBlock(ctx context.Context, req SubmitRequest, generationID string) error {
	busy := false

	err := o.deps.Projects.UpdateBlock(ctx, req.ProjectID, req.BlockID, func(stored *core.TextBlock) bool {
		busy = stored.GenerationState == core.StateGenerating
		if busy {
			return false
		}

		stored.ApplyTextEdit(req.Text)
		stored.VoiceID = req.VoiceID
		stored.Provider = req.Provider
		stored.UseDiacritics = req.UseDiacritics
		stored.GenerationState = core.StateGenerating
		stored.GenerationID = generationID
		stored.JobID = ""
		stored.AudioRef = ""
		stored.DurationSeconds = 0
		stored.LastError = ""

		return true
	})
	if err != nil {
		return fmt.Errorf("claim block %s: %w", req.BlockID, err)
	}

	if busy {
		return fmt.Errorf("%w: block %s is already generating", core.ErrValidation, req.BlockID)
	}

	return nil
}

// releaseBlock marks a claimed block failed when its job never started.
func (o *Orchestrator) releaseBlock(ctx context.Context, req SubmitRequest, generationID string, cause error) {
	err := o.deps.Projects.UpdateBlock(context.WithoutCancel(ctx), req.ProjectID, req.BlockID, func(stored *core.TextBlock) bool {
		if stored.GenerationID != generationID || stored.GenerationState != core.StateGenerating {
			return false
		}

		stored.GenerationState = core.StateFailed
		stored.LastError = cause.Error()

		return true
	})
	if err != nil {
		o.deps.Log.Warn("Failed to release block %s after %v: %v", req.BlockID, cause, err)
	}
}

// Status performs one status check for a job.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (core.JobStatusResult, error) {
	if jobID == "" {
		return core.JobStatusResult{}, fmt.Errorf("%w: job id is required", core.ErrValidation)
	}

	token, err := o.deps.Provider.Authenticate(ctx)
	if err != nil {
		return core.JobStatusResult{}, fmt.Errorf("authenticate: %w", err)
	}

	return o.deps.Provider.PollStatus(ctx, token, jobID)
}

// LoadWorkspace opens a project from the project store with a fresh history.
func (o *Orchestrator) LoadWorkspace(ctx context.Context, projectID string) (*Workspace, error) {
	blocks, err := o.deps.Projects.GetBlocks(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", projectID, err)
	}

	return NewWorkspace(projectID, blocks), nil
}

// SaveWorkspace writes the workspace blocks to the project store.
func (o *Orchestrator) SaveWorkspace(ctx context.Context, ws *Workspace) error {
	err := o.deps.Projects.UpsertBlocks(ctx, ws.ProjectID(), ws.Blocks())
	if err != nil {
		return fmt.Errorf("save project %s: %w", ws.ProjectID(), err)
	}

	return nil
}
