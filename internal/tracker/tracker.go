// Package tracker sees submitted provider jobs through to completion
// independently of the request that submitted them. Results are written to the
// project store, so a job finishes durably even when its requester went away.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/core"
	"github.com/book-expert/tts-studio/internal/media"
	"github.com/book-expert/tts-studio/internal/objectstore"
	"github.com/book-expert/tts-studio/internal/provider"
)

const failureWriteTimeout = 10 * time.Second

// BlockUpdater mutates a single persisted block atomically.
type BlockUpdater interface {
	UpdateBlock(ctx context.Context, projectID, blockID string, mutate func(block *core.TextBlock) bool) error
}

// QuotaCommitter charges a block generation that produced audio.
type QuotaCommitter interface {
	Commit(ctx context.Context, userID, generationID string, actualChars int) error
}

// Tracker polls one job to a terminal state and persists the outcome.
type Tracker struct {
	provider     core.Provider
	blobs        core.BlobStore
	blocks       BlockUpdater
	quota        QuotaCommitter
	pollInterval time.Duration
	log          *logger.Logger
}

// New creates a tracker.
func New(
	jobProvider core.Provider,
	blobs core.BlobStore,
	blocks BlockUpdater,
	quota QuotaCommitter,
	pollInterval time.Duration,
	log *logger.Logger,
) *Tracker {
	return &Tracker{
		provider:     jobProvider,
		blobs:        blobs,
		blocks:       blocks,
		quota:        quota,
		pollInterval: pollInterval,
		log:          log,
	}
}

// Track runs until the job completes, fails or ctx ends. Errors are logged and
// never returned.
func (t *Tracker) Track(ctx context.Context, req core.TrackRequest) {
	err := t.track(ctx, req)
	if err != nil {
		t.log.Error("Tracking job %s for block %s (project %s) failed: %v", req.JobID, req.BlockID, req.ProjectID, err)

		return
	}

	t.log.Info("Tracked job %s for block %s (project %s) to completion", req.JobID, req.BlockID, req.ProjectID)
}

func (t *Tracker) track(ctx context.Context, req core.TrackRequest) error {
	if req.JobID == "" || req.GenerationID == "" || req.BlockID == "" || req.ProjectID == "" {
		return fmt.Errorf("%w: track request needs job, generation, block and project ids", core.ErrValidation)
	}

	token, err := t.provider.Authenticate(ctx)
	if err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}

	_, err = provider.PollUntilDone(ctx, t.provider, token, req.JobID, t.pollInterval, 0)
	if err != nil {
		return t.recordFailure(ctx, req, err)
	}

	audio, err := t.provider.FetchResult(ctx, token, req.JobID)
	if err != nil {
		return t.recordFailure(ctx, req, err)
	}

	contentType := media.DetectContentType(audio)

	ref, err := t.blobs.Put(ctx, objectstore.AudioKey(req.ProjectID, req.BlockID, req.JobID, contentType), audio, contentType)
	if err != nil {
		return fmt.Errorf("failed to store audio: %w", err)
	}

	duration, err := media.DurationSeconds(audio)
	if err != nil && !errors.Is(err, media.ErrUnsupportedContainer) {
		t.log.Warn("Could not read duration of job %s audio: %v", req.JobID, err)
	}

	owned := false

	err = t.blocks.UpdateBlock(ctx, req.ProjectID, req.BlockID, func(block *core.TextBlock) bool {
		owned = block.GenerationID == req.GenerationID
		if !owned || block.GenerationState == core.StateReady {
			return false
		}

		block.JobID = ""
		block.AudioRef = ref
		block.DurationSeconds = duration
		block.GenerationState = core.StateReady
		block.LastError = ""

		return true
	})
	if err != nil {
		return fmt.Errorf("failed to attach audio %s: %w", ref, err)
	}

	if !owned {
		t.log.Info("Block %s moved on from generation %s, job %s is not charged", req.BlockID, req.GenerationID, req.JobID)

		return nil
	}

	// The block holds audio for this generation, delivered here or by the
	// inline path; the ledger charges the generation once.
	err = t.quota.Commit(ctx, req.UserID, req.GenerationID, req.Chars)
	if err != nil {
		return fmt.Errorf("failed to commit quota: %w", err)
	}

	return nil
}

// recordFailure marks the block failed while this job is the one serving its
// generation. It uses a fresh deadline because ctx may already be done.
func (t *Tracker) recordFailure(ctx context.Context, req core.TrackRequest, cause error) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()

	err := t.blocks.UpdateBlock(writeCtx, req.ProjectID, req.BlockID, func(block *core.TextBlock) bool {
		if !servedBy(block, req) {
			return false
		}

		block.JobID = ""
		block.GenerationState = core.StateFailed
		block.LastError = cause.Error()

		return true
	})
	if err != nil {
		return fmt.Errorf("%w (and failed to record it: %w)", cause, err)
	}

	return cause
}

// servedBy reports whether the block is still generating for the request's
// generation and no retry has replaced its job.
func servedBy(block *core.TextBlock, req core.TrackRequest) bool {
	return block.GenerationID == req.GenerationID &&
		block.GenerationState == core.StateGenerating &&
		(block.JobID == "" || block.JobID == req.JobID)
}
