package orchestrator

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/book-expert/tts-studio/internal/core"
	"github.com/book-expert/tts-studio/internal/history"
	"github.com/book-expert/tts-studio/internal/text"
	"github.com/google/uuid"
)

// Workspace is the editable state of one open project: the live blocks plus
// their undo history. All methods are safe for concurrent use.
type Workspace struct {
	mu        sync.Mutex
	projectID string
	blocks    []core.TextBlock
	history   *history.Stack[[]core.TextBlock]
}

// NewWorkspace opens a project with a fresh history.
func NewWorkspace(projectID string, blocks []core.TextBlock) *Workspace {
	ordered := orderBlocks(blocks)

	return &Workspace{
		projectID: projectID,
		blocks:    ordered,
		history:   history.New(core.CloneBlocks(ordered)),
	}
}

// ProjectID returns the project the workspace belongs to.
func (w *Workspace) ProjectID() string {
	return w.projectID
}

// Load replaces the blocks and clears history so it never crosses loads.
func (w *Workspace) Load(blocks []core.TextBlock) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.blocks = orderBlocks(blocks)
	w.history.Reset(core.CloneBlocks(w.blocks))
}

// Blocks returns a copy of the live blocks.
func (w *Workspace) Blocks() []core.TextBlock {
	w.mu.Lock()
	defer w.mu.Unlock()

	return core.CloneBlocks(w.blocks)
}

// Edit changes one block's text and records an undo step.
func (w *Workspace) Edit(blockID, newText string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	position := w.indexOf(blockID)
	if position < 0 {
		return fmt.Errorf("%w: %s", core.ErrBlockNotFound, blockID)
	}

	w.blocks[position].ApplyTextEdit(newText)
	w.history.Push(core.CloneBlocks(w.blocks))

	return nil
}

// Replace swaps in a new block collection, keeping the state of blocks that
// are still generating, and records an undo step.
func (w *Workspace) Replace(blocks []core.TextBlock) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.blocks = w.keepInFlight(orderBlocks(blocks))
	w.history.Push(core.CloneBlocks(w.blocks))
}

// Undo restores the previous snapshot. It reports false when there is none.
func (w *Workspace) Undo() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	snapshot, ok := w.history.Undo()
	if ok {
		w.blocks = w.keepInFlight(core.CloneBlocks(snapshot))
	}

	return ok
}

// Redo re-applies the next snapshot. It reports false when there is none.
func (w *Workspace) Redo() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	snapshot, ok := w.history.Redo()
	if ok {
		w.blocks = w.keepInFlight(core.CloneBlocks(snapshot))
	}

	return ok
}

// CanUndo reports whether Undo would change the blocks.
func (w *Workspace) CanUndo() bool {
	return w.history.CanUndo()
}

// CanRedo reports whether Redo would change the blocks.
func (w *Workspace) CanRedo() bool {
	return w.history.CanRedo()
}

// HistoryDepth returns the number of undo steps available.
func (w *Workspace) HistoryDepth() int {
	return len(w.history.Past())
}

// selectAndMark picks the blocks that need audio and marks them generating in
// one step, so a concurrent run cannot pick the same blocks. Each marked block
// gets a fresh generation ID. It returns the marked blocks and their state
// before marking.
func (w *Workspace) selectAndMark(maxBlocks, maxWords int) ([]core.TextBlock, []core.TextBlock, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var positions []int

	for position, block := range w.blocks {
		if text.IsBlank(block.Text) || block.AudioRef != "" || block.GenerationState == core.StateGenerating {
			continue
		}

		if maxWords > 0 && text.CountWords(block.Text) > maxWords {
			return nil, nil, fmt.Errorf("%w: block %s has %d words, limit is %d",
				core.ErrValidation, block.ID, text.CountWords(block.Text), maxWords)
		}

		positions = append(positions, position)
	}

	if maxBlocks > 0 && len(positions) > maxBlocks {
		return nil, nil, fmt.Errorf("%w: %d blocks selected, limit is %d", core.ErrValidation, len(positions), maxBlocks)
	}

	marked := make([]core.TextBlock, 0, len(positions))
	prior := make([]core.TextBlock, 0, len(positions))

	for _, position := range positions {
		prior = append(prior, w.blocks[position])

		w.blocks[position].GenerationState = core.StateGenerating
		w.blocks[position].GenerationID = uuid.NewString()
		w.blocks[position].JobID = ""
		w.blocks[position].LastError = ""

		marked = append(marked, w.blocks[position])
	}

	return marked, prior, nil
}

// recordJob notes the provider job now serving a block's generation.
func (w *Workspace) recordJob(blockID, generationID, jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	position := w.indexOf(blockID)
	if position >= 0 && w.blocks[position].GenerationID == generationID {
		w.blocks[position].JobID = jobID
	}
}

// restore puts blocks that are still generating back to their prior state.
func (w *Workspace) restore(prior []core.TextBlock) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, before := range prior {
		position := w.indexOf(before.ID)
		if position >= 0 && w.blocks[position].GenerationState == core.StateGenerating {
			w.blocks[position].GenerationState = before.GenerationState
			w.blocks[position].GenerationID = before.GenerationID
			w.blocks[position].JobID = before.JobID
			w.blocks[position].LastError = before.LastError
		}
	}
}

// reconcile applies every outcome of a run at once and records one undo step.
// It returns copies of the blocks it touched.
func (w *Workspace) reconcile(outcomes []outcome) []core.TextBlock {
	w.mu.Lock()
	defer w.mu.Unlock()

	touched := make([]core.TextBlock, 0, len(outcomes))

	for _, result := range outcomes {
		position := w.indexOf(result.job.BlockID)
		if position < 0 {
			continue
		}

		result.applyTo(&w.blocks[position])
		touched = append(touched, w.blocks[position])
	}

	w.history.Push(core.CloneBlocks(w.blocks))

	return touched
}

// keepInFlight reconciles generation state between a restored collection and
// the live blocks. A block generating now stays generating, so restoring a
// snapshot never opens it to a second job; a block generating only in the
// snapshot takes its live outcome instead.
func (w *Workspace) keepInFlight(blocks []core.TextBlock) []core.TextBlock {
	for index := range blocks {
		restored := &blocks[index]

		position := w.indexOf(restored.ID)
		if position < 0 {
			if restored.GenerationState == core.StateGenerating {
				restored.GenerationState = core.StateIdle
				restored.GenerationID = ""
				restored.JobID = ""
			}

			continue
		}

		live := w.blocks[position]

		switch {
		case live.GenerationState == core.StateGenerating:
			restored.GenerationState = core.StateGenerating
			restored.GenerationID = live.GenerationID
			restored.JobID = live.JobID
		case restored.GenerationState != core.StateGenerating:
		case live.Text == restored.Text:
			restored.GenerationState = live.GenerationState
			restored.GenerationID = live.GenerationID
			restored.JobID = live.JobID
			restored.AudioRef = live.AudioRef
			restored.DurationSeconds = live.DurationSeconds
			restored.LastError = live.LastError
		default:
			restored.GenerationState = core.StateIdle
			restored.GenerationID = ""
			restored.JobID = ""
			restored.AudioRef = ""
			restored.DurationSeconds = 0
		}
	}

	return blocks
}

func (w *Workspace) indexOf(blockID string) int {
	return slices.IndexFunc(w.blocks, func(block core.TextBlock) bool {
		return block.ID == blockID
	})
}

func orderBlocks(blocks []core.TextBlock) []core.TextBlock {
	ordered := core.CloneBlocks(blocks)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].OrderIndex < ordered[j].OrderIndex
	})

	return ordered
}
