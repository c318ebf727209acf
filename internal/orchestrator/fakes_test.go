package orchestrator_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/core"
	"github.com/book-expert/tts-studio/internal/media/mediatest"
	"github.com/book-expert/tts-studio/internal/orchestrator"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testUser = "user-1"

// scriptedProvider completes every job unless a failure is queued for the
// job's text.
type scriptedProvider struct {
	mu           sync.Mutex
	authErr      error
	submitErrs   map[string][]error
	pollErrs     map[string][]error
	pollFailures map[string][]string
	shortAudio   map[string]bool
	submissions  []core.JobRequest
	jobs         map[string]core.JobRequest
	submitted    chan string
	gate         chan struct{}
}

func newScriptedProvider() *scriptedProvider {
	return &scriptedProvider{
		submitErrs:   map[string][]error{},
		pollErrs:     map[string][]error{},
		pollFailures: map[string][]string{},
		shortAudio:   map[string]bool{},
		jobs:         map[string]core.JobRequest{},
	}
}

func (p *scriptedProvider) Authenticate(context.Context) (string, error) {
	if p.authErr != nil {
		return "", p.authErr
	}

	return "token", nil
}

func (p *scriptedProvider) SubmitJob(_ context.Context, _ string, req core.JobRequest) (string, error) {
	p.mu.Lock()
	p.submissions = append(p.submissions, req)

	if queued := p.submitErrs[req.Text]; len(queued) > 0 {
		p.submitErrs[req.Text] = queued[1:]
		p.mu.Unlock()

		return "", queued[0]
	}

	jobID := fmt.Sprintf("job-%d", len(p.submissions))
	p.jobs[jobID] = req
	p.mu.Unlock()

	if p.submitted != nil {
		p.submitted <- jobID
	}

	return jobID, nil
}

func (p *scriptedProvider) PollStatus(ctx context.Context, _, jobID string) (core.JobStatusResult, error) {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return core.JobStatusResult{}, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	req := p.jobs[jobID]
	if queued := p.pollErrs[req.Text]; len(queued) > 0 {
		p.pollErrs[req.Text] = queued[1:]

		return core.JobStatusResult{}, queued[0]
	}

	if queued := p.pollFailures[req.Text]; len(queued) > 0 {
		p.pollFailures[req.Text] = queued[1:]

		return core.JobStatusResult{Status: core.JobFailed, ErrorMessage: queued[0]}, nil
	}

	return core.JobStatusResult{Status: core.JobCompleted}, nil
}

func (p *scriptedProvider) FetchResult(_ context.Context, _, jobID string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shortAudio[p.jobs[jobID].Text] {
		return []byte("RIFF"), nil
	}

	return mediatest.WAV(0.5), nil
}

func (p *scriptedProvider) Submissions() []core.JobRequest {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]core.JobRequest(nil), p.submissions...)
}

// memoryBlobs is an in-memory BlobStore.
type memoryBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memoryBlobs) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.objects == nil {
		m.objects = map[string][]byte{}
	}

	m.objects[key] = data

	return key, nil
}

func (m *memoryBlobs) Get(_ context.Context, ref string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.objects[ref]
	if !ok {
		return nil, fmt.Errorf("no object %s", ref)
	}

	return data, nil
}

// memoryProjects is an in-memory ProjectStore.
type memoryProjects struct {
	mu     sync.Mutex
	blocks map[string][]core.TextBlock
}

func (m *memoryProjects) GetBlocks(_ context.Context, projectID string) ([]core.TextBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return core.CloneBlocks(m.blocks[projectID]), nil
}

func (m *memoryProjects) UpsertBlocks(_ context.Context, projectID string, blocks []core.TextBlock) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.blocks == nil {
		m.blocks = map[string][]core.TextBlock{}
	}

	for _, update := range blocks {
		replaced := false

		for index, existing := range m.blocks[projectID] {
			if existing.ID == update.ID {
				m.blocks[projectID][index] = update
				replaced = true
			}
		}

		if !replaced {
			m.blocks[projectID] = append(m.blocks[projectID], update)
		}
	}

	return nil
}

func (m *memoryProjects) UpdateBlock(
	_ context.Context,
	projectID, blockID string,
	mutate func(block *core.TextBlock) bool,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for index := range m.blocks[projectID] {
		if m.blocks[projectID][index].ID == blockID {
			mutate(&m.blocks[projectID][index])

			return nil
		}
	}

	return fmt.Errorf("%w: %s", core.ErrBlockNotFound, blockID)
}

func (m *memoryProjects) GetSubscription(context.Context, string) (core.QuotaAccount, error) {
	return core.QuotaAccount{}, core.ErrAccountNotFound
}

func (m *memoryProjects) DebitSubscription(context.Context, string, int) error {
	return nil
}

func (m *memoryProjects) ClaimCommit(context.Context, string) (bool, error) {
	return true, nil
}

// mockQuota records quota calls.
type mockQuota struct {
	mock.Mock
}

func (m *mockQuota) CheckAndReserve(ctx context.Context, userID string, estimatedChars int) error {
	args := m.Called(ctx, userID, estimatedChars)

	return args.Error(0)
}

func (m *mockQuota) Commit(ctx context.Context, userID, generationID string, actualChars int) error {
	args := m.Called(ctx, userID, generationID, actualChars)

	return args.Error(0)
}

func newAllowingQuota() *mockQuota {
	quota := &mockQuota{}
	quota.On("CheckAndReserve", mock.Anything, testUser, mock.Anything).Return(nil)
	quota.On("Commit", mock.Anything, testUser, mock.Anything, mock.Anything).Return(nil)

	return quota
}

// staticVoices flags a fixed set of voices as under maintenance.
type staticVoices map[string]bool

func (s staticVoices) UnderMaintenance(voiceID string) bool {
	return s[voiceID]
}

func (s staticVoices) SupportsDiacritics(string) bool {
	return true
}

// recordingDispatcher remembers dispatched track requests.
type recordingDispatcher struct {
	mu       sync.Mutex
	requests []core.TrackRequest
}

func (r *recordingDispatcher) Dispatch(_ context.Context, req core.TrackRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests = append(r.requests, req)

	return nil
}

func (r *recordingDispatcher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.requests)
}

func (r *recordingDispatcher) request(index int) core.TrackRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.requests[index]
}

type harness struct {
	provider   *scriptedProvider
	blobs      *memoryBlobs
	projects   core.ProjectStore
	dispatcher *recordingDispatcher
	orch       *orchestrator.Orchestrator
}

func testSettings() orchestrator.Settings {
	return orchestrator.Settings{
		MaxBlocksPerRun:  10,
		MaxWordsPerBlock: 20,
		BatchSize:        1,
		InterBatchPause:  time.Millisecond,
		PollInterval:     time.Millisecond,
		MinAudioBytes:    64,
		Speed:            1,
	}
}

func newHarness(t *testing.T, quota orchestrator.QuotaGate, voices core.VoiceRegistry) *harness {
	t.Helper()

	return newHarnessWithStore(t, quota, voices, &memoryProjects{})
}

func newHarnessWithStore(
	t *testing.T,
	quota orchestrator.QuotaGate,
	voices core.VoiceRegistry,
	projects core.ProjectStore,
) *harness {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "orchestrator-test.log")
	require.NoError(t, err)

	h := &harness{
		provider:   newScriptedProvider(),
		blobs:      &memoryBlobs{},
		projects:   projects,
		dispatcher: &recordingDispatcher{},
	}

	h.orch = orchestrator.New(orchestrator.Dependencies{
		Provider:   h.provider,
		Blobs:      h.blobs,
		Projects:   h.projects,
		Quota:      quota,
		Voices:     voices,
		Dispatcher: h.dispatcher,
		Log:        testLogger,
	}, testSettings())

	return h
}

func block(id string, order int, body string) core.TextBlock {
	return core.TextBlock{
		ID:              id,
		OrderIndex:      order,
		Text:            body,
		VoiceID:         "ar-male-1",
		GenerationState: core.StateIdle,
	}
}

func byID(t *testing.T, blocks []core.TextBlock, id string) core.TextBlock {
	t.Helper()

	for _, candidate := range blocks {
		if candidate.ID == id {
			return candidate
		}
	}

	require.FailNow(t, "block not found", id)

	return core.TextBlock{}
}
