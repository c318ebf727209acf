// Package core defines the domain types and capability interfaces shared by the
// generation pipeline.
package core

import "context"

// BlobStore defines the interface for interacting with a key-value blob store.
// The returned reference is opaque to callers and addresses the stored bytes.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// ProjectStore persists blocks and subscription state.
type ProjectStore interface {
	GetBlocks(ctx context.Context, projectID string) ([]TextBlock, error)
	UpsertBlocks(ctx context.Context, projectID string, blocks []TextBlock) error
	// UpdateBlock applies mutate to one stored block atomically. mutate
	// returns false to leave the block unchanged.
	UpdateBlock(ctx context.Context, projectID, blockID string, mutate func(block *TextBlock) bool) error
	GetSubscription(ctx context.Context, userID string) (QuotaAccount, error)
	DebitSubscription(ctx context.Context, subscriptionID string, newRemaining int) error
	// ClaimCommit atomically records that a generation has been charged. It
	// reports false when the generation was already claimed.
	ClaimCommit(ctx context.Context, generationID string) (bool, error)
}

// JobRequest is the payload submitted to the provider for one block.
type JobRequest struct {
	Text          string
	VoiceID       string
	Provider      string
	UseDiacritics bool
	Speed         float64
	Pitch         float64
}

// Provider defines the operations exposed by the external TTS service. The
// token is obtained once per orchestration cycle and passed explicitly.
type Provider interface {
	Authenticate(ctx context.Context) (string, error)
	SubmitJob(ctx context.Context, token string, req JobRequest) (string, error)
	PollStatus(ctx context.Context, token, jobID string) (JobStatusResult, error)
	FetchResult(ctx context.Context, token, jobID string) ([]byte, error)
}

// VoiceRegistry reports what the catalog knows about a voice.
type VoiceRegistry interface {
	UnderMaintenance(voiceID string) bool
	SupportsDiacritics(voiceID string) bool
}

// TrackRequest asks the job tracker to see a submitted job through to completion.
// GenerationID names the block selection the job belongs to; retries of one
// selection share it and are charged once.
type TrackRequest struct {
	JobID        string `json:"job_id"`
	GenerationID string `json:"generation_id"`
	BlockID      string `json:"block_id"`
	ProjectID    string `json:"project_id"`
	UserID       string `json:"user_id"`
	Chars        int    `json:"chars"`
}

// JobDispatcher hands a submitted job to the background tracker.
type JobDispatcher interface {
	Dispatch(ctx context.Context, req TrackRequest) error
}
