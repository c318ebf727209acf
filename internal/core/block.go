package core

import "time"

// GenerationState is the lifecycle state of a block's audio.
type GenerationState string

const (
	StateIdle       GenerationState = "idle"
	StateGenerating GenerationState = "generating"
	StateReady      GenerationState = "ready"
	StateFailed     GenerationState = "failed"
)

// TextBlock is one unit of narration.
type TextBlock struct {
	ID              string          `json:"id"`
	OrderIndex      int             `json:"order_index"`
	Text            string          `json:"text"`
	VoiceID         string          `json:"voice_id"`
	Provider        string          `json:"provider"`
	UseDiacritics   bool            `json:"use_diacritics"`
	GenerationState GenerationState `json:"generation_state"`
	GenerationID    string          `json:"generation_id,omitempty"`
	JobID           string          `json:"job_id,omitempty"`
	AudioRef        string          `json:"audio_ref,omitempty"`
	DurationSeconds float64         `json:"duration_seconds,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
}

// ApplyTextEdit replaces the text and invalidates generated audio when it
// changed. An in-flight generation loses its claim on the block.
func (b *TextBlock) ApplyTextEdit(text string) {
	if b.Text == text {
		return
	}

	b.Text = text
	b.GenerationID = ""
	b.AudioRef = ""
	b.DurationSeconds = 0
	b.LastError = ""

	if b.GenerationState != StateGenerating {
		b.GenerationState = StateIdle
	}
}

// CloneBlocks returns a deep copy of the block slice.
func CloneBlocks(blocks []TextBlock) []TextBlock {
	if blocks == nil {
		return nil
	}

	out := make([]TextBlock, len(blocks))
	copy(out, blocks)

	return out
}

// JobStatus is the provider-side state of a generation job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// JobStatusResult is the outcome of a single status check.
type JobStatusResult struct {
	Status       JobStatus `json:"status"`
	ErrorMessage string    `json:"error,omitempty"`
}

// IsDone reports whether the job reached a terminal state.
func (r JobStatusResult) IsDone() bool {
	return r.Status == JobCompleted || r.Status == JobFailed
}

// GenerationJob is one provider-side unit of work for a single block.
type GenerationJob struct {
	JobID        string
	BlockID      string
	SubmittedAt  time.Time
	Status       JobStatus
	AudioRef     string
	ErrorMessage string
}

// QuotaAccount is the per-user subscription state.
type QuotaAccount struct {
	SubscriptionID string `json:"subscription_id"`
	UserID         string `json:"user_id"`
	Active         bool   `json:"active"`
	RemainingChars int    `json:"remaining_chars"`
}
