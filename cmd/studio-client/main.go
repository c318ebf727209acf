package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/book-expert/logger"
)

// Flag descriptions.
const (
	flagAddrDesc     = "Base URL of the tts-studio API"
	flagUserDesc     = "User ID sent in the X-User-ID header"
	flagProjectDesc  = "Project ID"
	flagBlockDesc    = "Block ID for a single submission"
	flagVoiceDesc    = "Voice ID for a single submission"
	flagTextDesc     = "Text to submit as a single job"
	flagStatusDesc   = "Job ID whose status to print"
	flagGenerateDesc = "Generate audio for every pending block of the project"
	flagHealthDesc   = "Check API health and exit"
	flagVerboseDesc  = "Enable verbose logging"
	flagTimeoutDesc  = "Request timeout"
)

// Flag names.
const (
	flagAddr     = "addr"
	flagUser     = "user"
	flagProject  = "project"
	flagBlock    = "block"
	flagVoice    = "voice"
	flagText     = "text"
	flagStatus   = "status"
	flagGenerate = "generate"
	flagHealth   = "health"
	flagVerbose  = "verbose"
	flagTimeout  = "timeout"
)

// Error messages.
const (
	errExactlyOneAction  = "exactly one of --health, --generate, --text or --status must be provided"
	errProjectRequired   = "--project is required"
	errBlockRequired     = "--block is required with --text"
	errUserRequired      = "--user is required"
	errFmtUnexpectedCode = "%s %s returned %d: %s"
)

// File names.
const (
	logFileNameDefault = "studio-client.log"
	logFileNameVerbose = "studio-client-verbose.log"
	defaultAddr        = "http://localhost:8080"
	defaultTimeout     = 30 * time.Minute
	headerUserID       = "X-User-ID"
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	addr     string
	user     string
	project  string
	block    string
	voice    string
	text     string
	status   string
	generate bool
	health   bool
	verbose  bool
	timeout  time.Duration
}

func main() {
	err := run(os.Args[1:], os.Stdout)
	if err != nil {
		// A logger might not be initialized yet, so use the standard log package.
		log.Fatalf("Error: %v", err)
	}
}

func run(args []string, out io.Writer) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	err = validateFlags(flags)
	if err != nil {
		return err
	}

	logFileName := logFileNameDefault
	if flags.verbose {
		logFileName = logFileNameVerbose
	}

	clientLog, err := logger.New(os.TempDir(), logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer clientLog.Close()

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()

	api := &apiClient{
		baseURL:    strings.TrimRight(flags.addr, "/"),
		userID:     flags.user,
		httpClient: &http.Client{},
		log:        clientLog,
	}

	switch {
	case flags.health:
		return api.call(ctx, out, http.MethodGet, "/healthz", nil)
	case flags.generate:
		return api.call(ctx, out, http.MethodPost, "/v1/projects/"+flags.project+"/generate", nil)
	case flags.status != "":
		return api.call(ctx, out, http.MethodGet, "/v1/jobs/"+flags.status, nil)
	default:
		return api.call(ctx, out, http.MethodPost, "/v1/jobs", map[string]any{
			"project_id": flags.project,
			"block_id":   flags.block,
			"text":       flags.text,
			"voice_id":   flags.voice,
		})
	}
}

// parseFlags defines and parses command-line flags, returning them in a struct.
func parseFlags(args []string) (appFlags, error) {
	var flags appFlags

	flagSet := flag.NewFlagSet("studio-client", flag.ContinueOnError)
	flagSet.StringVar(&flags.addr, flagAddr, defaultAddr, flagAddrDesc)
	flagSet.StringVar(&flags.user, flagUser, os.Getenv("STUDIO_USER_ID"), flagUserDesc)
	flagSet.StringVar(&flags.project, flagProject, "", flagProjectDesc)
	flagSet.StringVar(&flags.block, flagBlock, "", flagBlockDesc)
	flagSet.StringVar(&flags.voice, flagVoice, "", flagVoiceDesc)
	flagSet.StringVar(&flags.text, flagText, "", flagTextDesc)
	flagSet.StringVar(&flags.status, flagStatus, "", flagStatusDesc)
	flagSet.BoolVar(&flags.generate, flagGenerate, false, flagGenerateDesc)
	flagSet.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	flagSet.BoolVar(&flags.verbose, flagVerbose, false, flagVerboseDesc)
	flagSet.DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)

	err := flagSet.Parse(args)
	if err != nil {
		return appFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	return flags, nil
}

// validateFlags checks required and conflicting arguments.
func validateFlags(flags appFlags) error {
	actions := 0

	for _, set := range []bool{flags.health, flags.generate, flags.text != "", flags.status != ""} {
		if set {
			actions++
		}
	}

	if actions != 1 {
		return errors.New(errExactlyOneAction)
	}

	if flags.health {
		return nil
	}

	if flags.user == "" {
		return errors.New(errUserRequired)
	}

	if (flags.generate || flags.text != "") && flags.project == "" {
		return errors.New(errProjectRequired)
	}

	if flags.text != "" && flags.block == "" {
		return errors.New(errBlockRequired)
	}

	return nil
}

type apiClient struct {
	baseURL    string
	userID     string
	httpClient *http.Client
	log        *logger.Logger
}

// call sends one request and copies the JSON response to out.
func (c *apiClient) call(ctx context.Context, out io.Writer, method, path string, payload any) error {
	var body io.Reader

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}

		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if c.userID != "" {
		req.Header.Set(headerUserID, c.userID)
	}

	c.log.Info("%s %s", method, path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		c.log.Error(errFmtUnexpectedCode, method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))

		return fmt.Errorf(errFmtUnexpectedCode, method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	_, err = out.Write(respBody)
	if err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}

	return nil
}
