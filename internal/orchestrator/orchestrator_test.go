package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/core"
	"github.com/book-expert/tts-studio/internal/natstest"
	"github.com/book-expert/tts-studio/internal/orchestrator"
	"github.com/book-expert/tts-studio/internal/projectstore"
	"github.com/book-expert/tts-studio/internal/quota"
	"github.com/book-expert/tts-studio/internal/tracker"
	"github.com/book-expert/tts-studio/internal/voices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var errUpstream = fmt.Errorf("%w: upstream overloaded", core.ErrProviderRejected)

func TestRun_AllSucceed(t *testing.T) {
	t.Parallel()

	quotaGate := newAllowingQuota()
	h := newHarness(t, quotaGate, nil)
	ws := orchestrator.NewWorkspace("p1", []core.TextBlock{block("b1", 0, "مرحبا"), block("b2", 1, "سلام")})

	report, err := h.orch.Run(context.Background(), testUser, ws)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.Report{Attempted: 2, Succeeded: 2}, report)
	assert.Equal(t, "2 of 2 blocks generated, 0 failed", report.Summary())

	for _, current := range ws.Blocks() {
		assert.Equal(t, core.StateReady, current.GenerationState)
		assert.NotEmpty(t, current.AudioRef)
		assert.NotEmpty(t, current.GenerationID)
		assert.Empty(t, current.JobID, "the job id is cleared once the block settles")
		assert.InDelta(t, 0.5, current.DurationSeconds, 0.01)
	}

	submissions := h.provider.Submissions()
	require.Len(t, submissions, 2)
	assert.Equal(t, "مرحبا", submissions[0].Text, "blocks are attempted in selection order")
	assert.Equal(t, "سلام", submissions[1].Text)

	quotaGate.AssertCalled(t, "CheckAndReserve", mock.Anything, testUser, 9)
	blocks := ws.Blocks()
	quotaGate.AssertCalled(t, "Commit", mock.Anything, testUser, byID(t, blocks, "b1").GenerationID, 5)
	quotaGate.AssertCalled(t, "Commit", mock.Anything, testUser, byID(t, blocks, "b2").GenerationID, 4)

	require.Len(t, h.dispatcher.requests, 2)
	assert.Equal(t, "p1", h.dispatcher.requests[0].ProjectID)
	assert.Equal(t, "job-1", h.dispatcher.requests[0].JobID)
	assert.Equal(t, byID(t, blocks, "b1").GenerationID, h.dispatcher.requests[0].GenerationID)

	stored, err := h.projects.GetBlocks(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, core.StateReady, stored[0].GenerationState)
}

func TestRun_PartialFailureIsolation(t *testing.T) {
	t.Parallel()

	quotaGate := newAllowingQuota()
	h := newHarness(t, quotaGate, nil)
	h.provider.submitErrs["ثاني"] = []error{errUpstream, errUpstream}

	ws := orchestrator.NewWorkspace("p1", []core.TextBlock{
		block("b1", 0, "أول"),
		block("b2", 1, "ثاني"),
		block("b3", 2, "ثالث"),
	})

	report, err := h.orch.Run(context.Background(), testUser, ws)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Attempted)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "b2", report.Failures[0].BlockID)

	blocks := ws.Blocks()
	assert.Equal(t, core.StateReady, byID(t, blocks, "b1").GenerationState)
	assert.Equal(t, core.StateReady, byID(t, blocks, "b3").GenerationState)

	failedBlock := byID(t, blocks, "b2")
	assert.Equal(t, core.StateFailed, failedBlock.GenerationState)
	assert.Contains(t, failedBlock.LastError, "upstream overloaded")
	assert.Empty(t, failedBlock.AudioRef)

	// No charge without acceptance.
	quotaGate.AssertNumberOfCalls(t, "Commit", 2)
	quotaGate.AssertCalled(t, "Commit", mock.Anything, testUser, byID(t, blocks, "b1").GenerationID, 3)
	quotaGate.AssertCalled(t, "Commit", mock.Anything, testUser, byID(t, blocks, "b3").GenerationID, 4)
	quotaGate.AssertNotCalled(t, "Commit", mock.Anything, testUser, failedBlock.GenerationID, mock.Anything)
	assert.Empty(t, failedBlock.JobID)
}

func TestRun_DiacritizationFallback(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newAllowingQuota(), nil)
	h.provider.pollFailures["مرحبا"] = []string{"Tashkeel engine timeout"}

	withDiacritics := block("b1", 0, "مرحبا")
	withDiacritics.UseDiacritics = true
	ws := orchestrator.NewWorkspace("p1", []core.TextBlock{withDiacritics})

	report, err := h.orch.Run(context.Background(), testUser, ws)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)

	result := ws.Blocks()[0]
	assert.Equal(t, core.StateReady, result.GenerationState)
	assert.False(t, result.UseDiacritics, "downgrade must persist on the block")

	submissions := h.provider.Submissions()
	require.Len(t, submissions, 2)
	assert.True(t, submissions[0].UseDiacritics)
	assert.False(t, submissions[1].UseDiacritics)

	stored, err := h.projects.GetBlocks(context.Background(), "p1")
	require.NoError(t, err)
	assert.False(t, stored[0].UseDiacritics)
}

func TestRun_VoiceWithoutDiacriticsSkipsThem(t *testing.T) {
	t.Parallel()

	unsupported := false
	catalog := voices.NewCatalog([]voices.Voice{{ID: "ar-child-1", SupportsDiacritics: &unsupported}})
	h := newHarness(t, newAllowingQuota(), catalog)

	withDiacritics := block("b1", 0, "مرحبا")
	withDiacritics.VoiceID = "ar-child-1"
	withDiacritics.UseDiacritics = true
	ws := orchestrator.NewWorkspace("p1", []core.TextBlock{withDiacritics})

	report, err := h.orch.Run(context.Background(), testUser, ws)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)

	submissions := h.provider.Submissions()
	require.Len(t, submissions, 1)
	assert.False(t, submissions[0].UseDiacritics)
	assert.True(t, ws.Blocks()[0].UseDiacritics, "the block keeps its own setting")
}

func TestRun_TransientFailureRetriedUnmodified(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newAllowingQuota(), nil)
	h.provider.submitErrs["مرحبا"] = []error{errUpstream}

	withDiacritics := block("b1", 0, "مرحبا")
	withDiacritics.UseDiacritics = true
	ws := orchestrator.NewWorkspace("p1", []core.TextBlock{withDiacritics})

	report, err := h.orch.Run(context.Background(), testUser, ws)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)

	submissions := h.provider.Submissions()
	require.Len(t, submissions, 2)
	assert.Equal(t, submissions[0], submissions[1])
	assert.True(t, ws.Blocks()[0].UseDiacritics)
}

func TestRun_SecondFailureIsTerminal(t *testing.T) {
	t.Parallel()

	quotaGate := newAllowingQuota()
	h := newHarness(t, quotaGate, nil)
	h.provider.pollFailures["مرحبا"] = []string{"voice crashed", "voice crashed again", "never reached"}

	ws := orchestrator.NewWorkspace("p1", []core.TextBlock{block("b1", 0, "مرحبا")})

	report, err := h.orch.Run(context.Background(), testUser, ws)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	result := ws.Blocks()[0]
	assert.Equal(t, core.StateFailed, result.GenerationState)
	assert.Contains(t, result.LastError, "voice crashed again")
	assert.Len(t, h.provider.Submissions(), 2)
	quotaGate.AssertNotCalled(t, "Commit", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_ImplausibleAudioFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newAllowingQuota(), nil)
	h.provider.shortAudio["مرحبا"] = true

	ws := orchestrator.NewWorkspace("p1", []core.TextBlock{block("b1", 0, "مرحبا")})

	report, err := h.orch.Run(context.Background(), testUser, ws)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Contains(t, report.Failures[0].Error, core.ErrResultUnavailable.Error())
	assert.Len(t, h.provider.Submissions(), 2)
	assert.Empty(t, h.blobs.objects)
}

func TestRun_VoiceUnderMaintenance(t *testing.T) {
	t.Parallel()

	quotaGate := newAllowingQuota()
	h := newHarness(t, quotaGate, staticVoices{"ar-male-1": true})

	other := block("b2", 1, "سلام")
	other.VoiceID = "ar-female-1"
	ws := orchestrator.NewWorkspace("p1", []core.TextBlock{block("b1", 0, "مرحبا"), other})

	report, err := h.orch.Run(context.Background(), testUser, ws)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)

	unavailable := byID(t, ws.Blocks(), "b1")
	assert.Equal(t, core.StateFailed, unavailable.GenerationState)
	assert.Contains(t, unavailable.LastError, core.ErrVoiceUnavailable.Error())

	submissions := h.provider.Submissions()
	require.Len(t, submissions, 1, "a voice under maintenance is never sent to the provider")
	assert.Equal(t, "ar-female-1", submissions[0].VoiceID)
}

func TestRun_ValidationAbortsBeforeNetwork(t *testing.T) {
	t.Parallel()

	tooLong := "كلمة"
	for range 25 {
		tooLong += " كلمة"
	}

	tooMany := make([]core.TextBlock, 0, 11)
	for index := range 11 {
		tooMany = append(tooMany, block(fmt.Sprintf("b%d", index), index, "نص"))
	}

	tests := []struct {
		name   string
		blocks []core.TextBlock
	}{
		{name: "word ceiling", blocks: []core.TextBlock{block("b1", 0, "نص"), block("b2", 1, tooLong)}},
		{name: "block ceiling", blocks: tooMany},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			quotaGate := &mockQuota{}
			h := newHarness(t, quotaGate, nil)
			ws := orchestrator.NewWorkspace("p1", testCase.blocks)

			_, err := h.orch.Run(context.Background(), testUser, ws)
			require.ErrorIs(t, err, core.ErrValidation)

			assert.Empty(t, h.provider.Submissions())
			quotaGate.AssertNotCalled(t, "CheckAndReserve", mock.Anything, mock.Anything, mock.Anything)

			for _, current := range ws.Blocks() {
				assert.Equal(t, core.StateIdle, current.GenerationState)
			}
		})
	}
}

func TestRun_QuotaDeniedRestoresBlocks(t *testing.T) {
	t.Parallel()

	quotaGate := &mockQuota{}
	quotaGate.On("CheckAndReserve", mock.Anything, testUser, mock.Anything).
		Return(fmt.Errorf("%w: plan expired", core.ErrInsufficientQuota))

	h := newHarness(t, quotaGate, nil)

	previouslyFailed := block("b2", 1, "سلام")
	previouslyFailed.GenerationState = core.StateFailed
	previouslyFailed.LastError = "earlier failure"
	ws := orchestrator.NewWorkspace("p1", []core.TextBlock{block("b1", 0, "مرحبا"), previouslyFailed})

	_, err := h.orch.Run(context.Background(), testUser, ws)
	require.ErrorIs(t, err, core.ErrInsufficientQuota)
	assert.Empty(t, h.provider.Submissions())

	blocks := ws.Blocks()
	assert.Equal(t, core.StateIdle, byID(t, blocks, "b1").GenerationState)
	assert.Equal(t, core.StateFailed, byID(t, blocks, "b2").GenerationState)
	assert.Equal(t, "earlier failure", byID(t, blocks, "b2").LastError)
	assert.False(t, ws.CanUndo())
}

func TestRun_SkipsReadyAndGeneratingBlocks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newAllowingQuota(), nil)

	ready := block("b1", 0, "جاهز")
	ready.GenerationState = core.StateReady
	ready.AudioRef = "audio/p1/b1/old.wav"

	inFlight := block("b2", 1, "جاري")
	inFlight.GenerationState = core.StateGenerating

	ws := orchestrator.NewWorkspace("p1", []core.TextBlock{ready, inFlight, block("b3", 2, "   ")})

	report, err := h.orch.Run(context.Background(), testUser, ws)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.Report{}, report)
	assert.Equal(t, "nothing to generate", report.Summary())
	assert.Empty(t, h.provider.Submissions())
}

func TestRun_ConcurrentRunsAreDisjoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newAllowingQuota(), nil)
	h.provider.gate = make(chan struct{})
	h.provider.submitted = make(chan string, 4)

	ws := orchestrator.NewWorkspace("p1", []core.TextBlock{block("b1", 0, "مرحبا")})

	firstDone := make(chan orchestrator.Report, 1)

	go func() {
		report, err := h.orch.Run(context.Background(), testUser, ws)
		assert.NoError(t, err)

		firstDone <- report
	}()

	select {
	case <-h.provider.submitted:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "first run never submitted")
	}

	// The job id is recorded on the live block and then on the stored one.
	var stored []core.TextBlock

	require.Eventually(t, func() bool {
		var err error

		stored, err = h.projects.GetBlocks(context.Background(), "p1")

		return err == nil && len(stored) == 1 && stored[0].JobID == "job-1"
	}, 5*time.Second, time.Millisecond)

	inFlight := ws.Blocks()[0]
	assert.Equal(t, core.StateGenerating, inFlight.GenerationState)
	assert.Equal(t, "job-1", inFlight.JobID)
	assert.Equal(t, core.StateGenerating, stored[0].GenerationState)
	assert.Equal(t, inFlight.GenerationID, stored[0].GenerationID)

	second, err := h.orch.Run(context.Background(), testUser, ws)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Attempted, "a generating block must not be selected again")

	close(h.provider.gate)

	first := <-firstDone
	assert.Equal(t, 1, first.Succeeded)
	assert.Len(t, h.provider.Submissions(), 1)
}

func TestRun_EditDuringRunDropsStaleAudio(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newAllowingQuota(), nil)
	h.provider.gate = make(chan struct{})
	h.provider.submitted = make(chan string, 4)

	ws := orchestrator.NewWorkspace("p1", []core.TextBlock{block("b1", 0, "مرحبا")})

	done := make(chan struct{})

	go func() {
		defer close(done)

		_, err := h.orch.Run(context.Background(), testUser, ws)
		assert.NoError(t, err)
	}()

	<-h.provider.submitted
	require.NoError(t, ws.Edit("b1", "نص جديد"))
	assert.Empty(t, ws.Blocks()[0].GenerationID, "an edit releases the block from its generation")
	assert.Equal(t, core.StateGenerating, ws.Blocks()[0].GenerationState)

	close(h.provider.gate)
	<-done

	result := ws.Blocks()[0]
	assert.Equal(t, "نص جديد", result.Text)
	assert.Equal(t, core.StateIdle, result.GenerationState)
	assert.Empty(t, result.AudioRef)
}

func TestRun_ContextCancelled(t *testing.T) {
	t.Parallel()

	quotaGate := newAllowingQuota()
	h := newHarness(t, quotaGate, nil)

	ws := orchestrator.NewWorkspace("p1", []core.TextBlock{block("b1", 0, "مرحبا"), block("b2", 1, "سلام")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.orch.Run(ctx, testUser, ws)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed)

	for _, current := range ws.Blocks() {
		assert.Equal(t, core.StateFailed, current.GenerationState)
		assert.Contains(t, current.LastError, context.Canceled.Error())
	}

	assert.Empty(t, h.provider.Submissions())
	quotaGate.AssertNotCalled(t, "Commit", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_AuthenticationFailureFailsBlocks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newAllowingQuota(), nil)
	h.provider.authErr = errors.New("bad client secret")

	ws := orchestrator.NewWorkspace("p1", []core.TextBlock{block("b1", 0, "مرحبا")})

	report, err := h.orch.Run(context.Background(), testUser, ws)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Contains(t, ws.Blocks()[0].LastError, "bad client secret")
	assert.Empty(t, h.provider.Submissions())
}

func TestRun_ReconciliationRecordsOneUndoStep(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newAllowingQuota(), nil)
	ws := orchestrator.NewWorkspace("p1", []core.TextBlock{block("b1", 0, "مرحبا"), block("b2", 1, "سلام")})

	_, err := h.orch.Run(context.Background(), testUser, ws)
	require.NoError(t, err)
	assert.Equal(t, 1, ws.HistoryDepth())

	require.True(t, ws.Undo())

	for _, current := range ws.Blocks() {
		assert.Equal(t, core.StateIdle, current.GenerationState)
		assert.Empty(t, current.AudioRef)
	}

	require.True(t, ws.Redo())
	assert.Equal(t, core.StateReady, ws.Blocks()[0].GenerationState)
}

// meteredFixture wires the real ledger on an in-process NATS server.
func meteredFixture(t *testing.T, remaining int) (*harness, *projectstore.KVStore, *quota.Ledger) {
	t.Helper()

	_, _, jetstreamContext := natstest.StartServer(t)

	store, err := projectstore.New(jetstreamContext, projectstore.Buckets{
		Projects:      "projects",
		Subscriptions: "subscriptions",
		Commits:       "commits",
	})
	require.NoError(t, err)

	require.NoError(t, store.PutSubscription(context.Background(), core.QuotaAccount{
		SubscriptionID: "sub-1",
		UserID:         testUser,
		Active:         true,
		RemainingChars: remaining,
	}))

	testLogger, err := logger.New(t.TempDir(), "ledger-test.log")
	require.NoError(t, err)

	ledger := quota.NewLedger(store, false, testLogger)

	return newHarnessWithStore(t, ledger, nil, store), store, ledger
}

func TestScenario_EmptyBlockSkippedAndChargedOnce(t *testing.T) {
	t.Parallel()

	h, store, ledger := meteredFixture(t, 100)
	ws := orchestrator.NewWorkspace("p1", []core.TextBlock{
		block("a", 0, "A"),
		block("b", 1, "B"),
		block("empty", 2, ""),
	})

	report, err := h.orch.Run(context.Background(), testUser, ws)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Attempted)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, core.StateIdle, byID(t, ws.Blocks(), "empty").GenerationState)

	// The background tracker reports the same jobs again.
	for _, request := range h.dispatcher.requests {
		require.NoError(t, ledger.Commit(context.Background(), testUser, request.GenerationID, request.Chars))
	}

	account, err := store.GetSubscription(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, 100-len("A")-len("B"), account.RemainingChars)
}

func TestScenario_InsufficientQuotaMakesNoSubmission(t *testing.T) {
	t.Parallel()

	h, store, _ := meteredFixture(t, 5)
	ws := orchestrator.NewWorkspace("p1", []core.TextBlock{block("b1", 0, "Hello"), block("b2", 1, "World")})

	_, err := h.orch.Run(context.Background(), testUser, ws)
	require.ErrorIs(t, err, core.ErrInsufficientQuota)
	assert.Empty(t, h.provider.Submissions())

	account, err := store.GetSubscription(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, 5, account.RemainingChars)
}

func TestRun_RetriedBlockChargedOnceWithTracker(t *testing.T) {
	t.Parallel()

	h, store, ledger := meteredFixture(t, 100)
	h.provider.pollErrs["A"] = []error{fmt.Errorf("%w: connection reset", core.ErrProviderRejected)}

	ws := orchestrator.NewWorkspace("p1", []core.TextBlock{block("a", 0, "A")})

	report, err := h.orch.Run(context.Background(), testUser, ws)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	require.Len(t, h.provider.Submissions(), 2, "the first job was abandoned and retried")
	require.Len(t, h.dispatcher.requests, 2)

	testLogger, err := logger.New(t.TempDir(), "tracker-test.log")
	require.NoError(t, err)

	jobTracker := tracker.New(h.provider, h.blobs, store, ledger, time.Millisecond, testLogger)

	// Both jobs were accepted, so the tracker sees both through.
	for _, request := range h.dispatcher.requests {
		jobTracker.Track(context.Background(), request)
	}

	account, err := store.GetSubscription(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, 99, account.RemainingChars)

	stored, err := store.GetBlocks(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, core.StateReady, stored[0].GenerationState)
	assert.Equal(t, ws.Blocks()[0].AudioRef, stored[0].AudioRef)
}

func TestRun_KeepsAudioDeliveredByTracker(t *testing.T) {
	t.Parallel()

	h, store, ledger := meteredFixture(t, 100)
	h.provider.pollFailures["A"] = []string{"voice crashed", "voice crashed again"}
	h.provider.gate = make(chan struct{})
	h.provider.submitted = make(chan string, 4)

	ws := orchestrator.NewWorkspace("p1", []core.TextBlock{block("a", 0, "A")})

	testLogger, err := logger.New(t.TempDir(), "tracker-test.log")
	require.NoError(t, err)

	jobTracker := tracker.New(&completingProvider{h.provider}, h.blobs, store, ledger, time.Millisecond, testLogger)

	done := make(chan orchestrator.Report, 1)

	go func() {
		report, err := h.orch.Run(context.Background(), testUser, ws)
		assert.NoError(t, err)

		done <- report
	}()

	<-h.provider.submitted
	require.Eventually(t, func() bool {
		return h.dispatcher.count() > 0
	}, 5*time.Second, time.Millisecond)

	jobTracker.Track(context.Background(), h.dispatcher.request(0))

	close(h.provider.gate)

	report := <-done
	assert.Equal(t, 1, report.Failed, "the inline path saw both attempts fail")

	stored, err := store.GetBlocks(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, core.StateReady, stored[0].GenerationState, "audio the tracker delivered is not overwritten")
	assert.Equal(t, "audio/p1/a/job-1.wav", stored[0].AudioRef)

	account, err := store.GetSubscription(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, 99, account.RemainingChars)
}

// completingProvider reports every job completed without consuming the
// scripted failures meant for the inline path.
type completingProvider struct {
	*scriptedProvider
}

func (c *completingProvider) PollStatus(context.Context, string, string) (core.JobStatusResult, error) {
	return core.JobStatusResult{Status: core.JobCompleted}, nil
}
