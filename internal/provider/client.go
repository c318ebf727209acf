// Package provider implements the client for the external asynchronous TTS
// provider: token exchange, job submission, status polling and result download.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/book-expert/tts-studio/internal/core"
	"github.com/book-expert/tts-studio/internal/media"
)

// API endpoints and paths.
const (
	apiToken     = "/v1/auth/token"
	apiJobs      = "/v1/tts/jobs"
	apiJobFormat = "/v1/tts/jobs/%s"
	apiJobAudio  = "/v1/tts/jobs/%s/audio"
	apiHealth    = "/health"
)

// HTTP headers.
const (
	headerContentType   = "Content-Type"
	headerAccept        = "Accept"
	headerAuthorization = "Authorization"
	contentTypeJSON     = "application/json"
	bearerPrefix        = "Bearer "
)

// DefaultPollInterval is the fixed cadence between status checks.
const DefaultPollInterval = 2 * time.Second

// Error messages.
const (
	errTextCannotBeEmpty    = "text cannot be empty"
	errJobIDCannotBeEmpty   = "job id cannot be empty"
	errEmptyToken           = "provider returned an empty access token"
	errEmptyJobID           = "provider returned an empty job id"
	errFmtUnknownStatus     = "provider returned unknown job status %q"
	errFmtPollExhausted     = "job %s still pending after %d status checks"
	errFmtStatusNonOK       = "provider returned non-OK status: %s"
	errFmtReasonWithStatus  = "%s (%s)"
	maxErrorBodyBytes       = 64 * 1024
	statusFailedDefaultText = "provider reported job failure"
)

var (
	// ErrAuthentication indicates the token exchange failed.
	ErrAuthentication = errors.New("provider authentication failed")
	// ErrPollExhausted indicates the attempt budget ran out while the job was pending.
	ErrPollExhausted = errors.New("polling attempts exhausted")
)

// diacritizationMarkers identify provider failures caused by the diacritization pass.
var diacritizationMarkers = []string{"diacritic", "tashkeel", "tashkil", "تشكيل"}

// Client is the HTTP client for the TTS provider. It holds no token state;
// callers authenticate once per orchestration cycle and pass the token along.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	clientID      string
	clientSecret  string
	minAudioBytes int
}

// tokenRequest is the payload for the client-credentials exchange.
type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

// jobRequest is the JSON payload for job submission.
type jobRequest struct {
	Text          string  `json:"text"`
	VoiceID       string  `json:"voice_id"`
	Provider      string  `json:"provider,omitempty"`
	UseDiacritics bool    `json:"use_diacritics"`
	Speed         float64 `json:"speed,omitempty"`
	Pitch         float64 `json:"pitch,omitempty"`
}

type jobResponse struct {
	JobID string `json:"job_id"`
}

// ErrorResponse is the structured error body returned by the provider.
type ErrorResponse struct {
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// NewClient creates a provider client. The timeout applies to every HTTP request.
func NewClient(baseURL, clientID, clientSecret string, timeout time.Duration, minAudioBytes int) *Client {
	if minAudioBytes <= 0 {
		minAudioBytes = media.DefaultMinAudioBytes
	}

	return &Client{
		httpClient:    &http.Client{Timeout: timeout},
		baseURL:       strings.TrimRight(baseURL, "/"),
		clientID:      clientID,
		clientSecret:  clientSecret,
		minAudioBytes: minAudioBytes,
	}
}

// Authenticate exchanges the service credentials for a bearer token.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	var resp tokenResponse

	err := c.doJSON(ctx, http.MethodPost, apiToken, "", tokenRequest{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	if resp.AccessToken == "" {
		return "", fmt.Errorf("%w: %s", ErrAuthentication, errEmptyToken)
	}

	return resp.AccessToken, nil
}

// SubmitJob starts an asynchronous generation job and returns its ID.
func (c *Client) SubmitJob(ctx context.Context, token string, req core.JobRequest) (string, error) {
	if strings.TrimSpace(req.Text) == "" {
		return "", fmt.Errorf("%w: %s", core.ErrValidation, errTextCannotBeEmpty)
	}

	var resp jobResponse

	err := c.doJSON(ctx, http.MethodPost, apiJobs, token, jobRequest{
		Text:          req.Text,
		VoiceID:       req.VoiceID,
		Provider:      req.Provider,
		UseDiacritics: req.UseDiacritics,
		Speed:         req.Speed,
		Pitch:         req.Pitch,
	}, &resp)
	if err != nil {
		return "", err
	}

	if resp.JobID == "" {
		return "", fmt.Errorf("%w: %s", core.ErrProviderRejected, errEmptyJobID)
	}

	return resp.JobID, nil
}

// PollStatus performs a single status check. It has no side effects and is
// safe to repeat.
func (c *Client) PollStatus(ctx context.Context, token, jobID string) (core.JobStatusResult, error) {
	if jobID == "" {
		return core.JobStatusResult{}, fmt.Errorf("%w: %s", core.ErrValidation, errJobIDCannotBeEmpty)
	}

	var result core.JobStatusResult

	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf(apiJobFormat, url.PathEscape(jobID)), token, nil, &result)
	if err != nil {
		return core.JobStatusResult{}, err
	}

	switch result.Status {
	case core.JobPending, core.JobCompleted:
		return result, nil
	case core.JobFailed:
		if result.ErrorMessage == "" {
			result.ErrorMessage = statusFailedDefaultText
		}

		return result, nil
	default:
		return core.JobStatusResult{}, fmt.Errorf("%w: "+errFmtUnknownStatus, core.ErrProviderRejected, result.Status)
	}
}

// FetchResult downloads the finished audio.
func (c *Client) FetchResult(ctx context.Context, token, jobID string) ([]byte, error) {
	if jobID == "" {
		return nil, fmt.Errorf("%w: %s", core.ErrValidation, errJobIDCannotBeEmpty)
	}

	httpReq, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf(apiJobAudio, url.PathEscape(jobID)), token, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to download audio for job %s: %w", core.ErrResultUnavailable, jobID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("%w: %s", core.ErrResultUnavailable, readFailureReason(resp))
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read audio data: %w", core.ErrResultUnavailable, err)
	}

	plausibleErr := media.CheckPlausible(audioData, c.minAudioBytes)
	if plausibleErr != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrResultUnavailable, plausibleErr)
	}

	return audioData, nil
}

// HealthCheck verifies that the provider is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for provider at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

// PollUntilDone polls on a fixed cadence until the job is terminal. A
// maxAttempts of zero means no cap; the context bounds the wait instead.
// A failed job is returned as an error classified by its reason.
func PollUntilDone(
	ctx context.Context,
	provider core.Provider,
	token, jobID string,
	interval time.Duration,
	maxAttempts int,
) (core.JobStatusResult, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return core.JobStatusResult{}, fmt.Errorf("polling job %s: %w", jobID, ctx.Err())
		case <-ticker.C:
		}

		result, err := provider.PollStatus(ctx, token, jobID)
		if err != nil {
			return core.JobStatusResult{}, err
		}

		if result.IsDone() {
			if result.Status == core.JobFailed {
				return result, ClassifyFailure(result.ErrorMessage)
			}

			return result, nil
		}

		if maxAttempts > 0 && attempt >= maxAttempts {
			return result, fmt.Errorf("%w: "+errFmtPollExhausted, ErrPollExhausted, jobID, attempt)
		}
	}
}

// ClassifyFailure maps a provider failure reason onto the error taxonomy.
// The reason text is preserved verbatim.
func ClassifyFailure(reason string) error {
	lowered := strings.ToLower(reason)
	for _, marker := range diacritizationMarkers {
		if strings.Contains(lowered, marker) {
			return fmt.Errorf("%w: %w: %s", core.ErrProviderRejected, core.ErrDiacritizationFault, reason)
		}
	}

	return fmt.Errorf("%w: %s", core.ErrProviderRejected, reason)
}

func (c *Client) newRequest(ctx context.Context, method, path, token string, payload any) (*http.Request, error) {
	body := io.Reader(http.NoBody)

	if payload != nil {
		requestBody, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}

		body = bytes.NewReader(requestBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if payload != nil {
		httpReq.Header.Set(headerContentType, contentTypeJSON)
	}

	httpReq.Header.Set(headerAccept, contentTypeJSON)

	if token != "" {
		httpReq.Header.Set(headerAuthorization, bearerPrefix+token)
	}

	return httpReq, nil
}

// doJSON sends a JSON request and decodes a JSON response. Non-2xx responses
// become classified provider errors.
func (c *Client) doJSON(ctx context.Context, method, path, token string, payload, target any) error {
	httpReq, err := c.newRequest(ctx, method, path, token, payload)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: failed to send request to provider at %s: %w", core.ErrProviderRejected, c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return ClassifyFailure(readFailureReason(resp))
	}

	err = json.NewDecoder(resp.Body).Decode(target)
	if err != nil {
		return fmt.Errorf("%w: failed to decode provider response: %w", core.ErrProviderRejected, err)
	}

	return nil
}

// readFailureReason returns the body's detail or error field verbatim, falling
// back to the raw body and status.
func readFailureReason(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	var errorResp ErrorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil {
		switch {
		case errorResp.Detail != "":
			return errorResp.Detail
		case errorResp.Error != "":
			return errorResp.Error
		}
	}

	raw := strings.TrimSpace(string(body))
	if raw == "" {
		return fmt.Sprintf(errFmtStatusNonOK, resp.Status)
	}

	return fmt.Sprintf(errFmtReasonWithStatus, raw, resp.Status)
}
