package orchestrator

import (
	"fmt"

	"github.com/book-expert/tts-studio/internal/core"
)

// outcome is the terminal result of one block in a run. generationID is the
// selection the block was marked with; quota is claimed under it.
type outcome struct {
	job                  core.GenerationJob
	generationID         string
	text                 string
	duration             float64
	chars                int
	diacriticsDowngraded bool
	err                  error
}

func failed(block core.TextBlock, job core.GenerationJob, err error) outcome {
	job.BlockID = block.ID
	job.Status = core.JobFailed
	job.ErrorMessage = err.Error()

	return outcome{job: job, generationID: block.GenerationID, text: block.Text, err: err}
}

// applyTo writes the outcome onto the live block. Audio generated for text
// that was edited during the run is dropped and the block returns to idle.
// The job ID only names the job in flight, so every outcome clears it.
func (o outcome) applyTo(block *core.TextBlock) {
	if o.diacriticsDowngraded {
		block.UseDiacritics = false
	}

	block.JobID = ""

	switch {
	case block.Text != o.text:
		block.GenerationState = core.StateIdle
		block.GenerationID = ""
		block.AudioRef = ""
		block.DurationSeconds = 0
		block.LastError = ""
	case o.job.Status == core.JobFailed:
		block.GenerationState = core.StateFailed
		block.LastError = o.job.ErrorMessage
	default:
		block.GenerationState = core.StateReady
		block.AudioRef = o.job.AudioRef
		block.DurationSeconds = o.duration
		block.LastError = ""
	}
}

// BlockFailure names a block that did not get audio and why.
type BlockFailure struct {
	BlockID string `json:"block_id"`
	Error   string `json:"error"`
}

// Report summarizes one run.
type Report struct {
	Attempted int            `json:"attempted"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Failures  []BlockFailure `json:"failures,omitempty"`
}

func newReport(outcomes []outcome) Report {
	report := Report{Attempted: len(outcomes)}

	for _, result := range outcomes {
		if result.err == nil {
			report.Succeeded++

			continue
		}

		report.Failed++
		report.Failures = append(report.Failures, BlockFailure{BlockID: result.job.BlockID, Error: result.job.ErrorMessage})
	}

	return report
}

// Summary is a one-line human readable result.
func (r Report) Summary() string {
	if r.Attempted == 0 {
		return "nothing to generate"
	}

	return fmt.Sprintf("%d of %d blocks generated, %d failed", r.Succeeded, r.Attempted, r.Failed)
}
