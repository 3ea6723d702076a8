package judge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Judge0 status ids. 1 and 2 are non-terminal; everything from Accepted up
// means the engine finished executing the submission.
const (
	StatusInQueue       = 1
	StatusProcessing    = 2
	StatusAccepted      = 3
	StatusInternalError = 13
	StatusExecFormatErr = 14
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxResponseBody       = 1 << 20 // 1 MB
)

// Config holds the connection settings for the execution engine.
type Config struct {
	// URL is the base URL of the engine (e.g. "http://judge0:2358").
	URL string
	// AuthToken is optional; sent as X-Auth-Token when the engine requires it.
	AuthToken string
	// CallbackURL is injected into submissions that do not carry their own,
	// so the engine knows where to deliver completion notices.
	CallbackURL string
}

// Client calls the engine's REST API. It is stateless and safe for
// concurrent use; the embedded http.Client reuses connections.
type Client struct {
	url         string
	authToken   string
	callbackURL string
	client      *http.Client
}

// NewClient constructs a Client from the given config.
func NewClient(cfg Config) *Client {
	return &Client{
		url:         strings.TrimRight(cfg.URL, "/"),
		authToken:   cfg.AuthToken,
		callbackURL: cfg.CallbackURL,
		client:      &http.Client{Timeout: defaultRequestTimeout},
	}
}

// SubmissionRequest describes one piece of source code to execute.
type SubmissionRequest struct {
	SourceCode     string
	LanguageID     int
	Stdin          string
	ExpectedOutput string
	// CallbackURL overrides the client's configured callback address.
	CallbackURL string
}

// Status is the engine's verdict status object.
type Status struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
}

// Terminal reports whether the engine considers this submission finished.
func (s Status) Terminal() bool {
	return s.ID >= StatusAccepted
}

// Verdict is the engine's view of a submission, as returned by the status
// query. Output fields are decoded from the engine's base64 wire form.
type Verdict struct {
	Token         string `json:"token"`
	Status        Status `json:"status"`
	Stdout        string `json:"stdout,omitempty"`
	Stderr        string `json:"stderr,omitempty"`
	CompileOutput string `json:"compile_output,omitempty"`
	Message       string `json:"message,omitempty"`
	Time          string `json:"time,omitempty"`
	Memory        int    `json:"memory,omitempty"`
	ExitCode      *int   `json:"exit_code,omitempty"`
	ExitSignal    *int   `json:"exit_signal,omitempty"`
}

// Submit posts a submission to the engine without waiting for execution. The
// engine acknowledges with a correlation token and later delivers the verdict
// to the callback URL. Network and engine-side failures come back as
// *UnavailableError; a client-error response as *RejectedError. Submit never
// retries.
func (c *Client) Submit(ctx context.Context, req SubmissionRequest) (string, error) {
	body := map[string]any{
		"source_code": base64.StdEncoding.EncodeToString([]byte(req.SourceCode)),
		"language_id": req.LanguageID,
	}
	if req.Stdin != "" {
		body["stdin"] = base64.StdEncoding.EncodeToString([]byte(req.Stdin))
	}
	if req.ExpectedOutput != "" {
		body["expected_output"] = base64.StdEncoding.EncodeToString([]byte(req.ExpectedOutput))
	}
	callbackURL := req.CallbackURL
	if callbackURL == "" {
		callbackURL = c.callbackURL
	}
	if callbackURL != "" {
		body["callback_url"] = callbackURL
	}

	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal submission: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.url+"/submissions?base64_encoded=true&wait=false", bytes.NewReader(bodyJSON))
	if err != nil {
		return "", fmt.Errorf("build submission request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		httpReq.Header.Set("X-Auth-Token", c.authToken)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", &UnavailableError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", &UnavailableError{Err: fmt.Errorf("engine returned HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		return "", &RejectedError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var ack struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&ack); err != nil {
		return "", &UnavailableError{Err: fmt.Errorf("decode engine acknowledgment: %w", err)}
	}
	if ack.Token == "" {
		return "", &UnavailableError{Err: fmt.Errorf("engine acknowledgment carried no token")}
	}

	return ack.Token, nil
}

// FetchStatus queries the engine for the current state of a submission by
// token. It is the fallback path for attempts whose callback never arrived.
func (c *Client) FetchStatus(ctx context.Context, token string) (*Verdict, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.url+"/submissions/"+token+"?base64_encoded=true", nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	if c.authToken != "" {
		httpReq.Header.Set("X-Auth-Token", c.authToken)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &UnavailableError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, &UnavailableError{Err: fmt.Errorf("engine returned HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		return nil, &RejectedError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var raw struct {
		Token         string  `json:"token"`
		Status        Status  `json:"status"`
		Stdout        *string `json:"stdout"`
		Stderr        *string `json:"stderr"`
		CompileOutput *string `json:"compile_output"`
		Message       *string `json:"message"`
		Time          *string `json:"time"`
		Memory        *int    `json:"memory"`
		ExitCode      *int    `json:"exit_code"`
		ExitSignal    *int    `json:"exit_signal"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode engine status: %w", err)
	}

	v := &Verdict{
		Token:      raw.Token,
		Status:     raw.Status,
		Memory:     deref(raw.Memory),
		ExitCode:   raw.ExitCode,
		ExitSignal: raw.ExitSignal,
	}
	if v.Token == "" {
		v.Token = token
	}
	v.Stdout = decodeBase64Field(raw.Stdout)
	v.Stderr = decodeBase64Field(raw.Stderr)
	v.CompileOutput = decodeBase64Field(raw.CompileOutput)
	if raw.Message != nil {
		v.Message = *raw.Message
	}
	if raw.Time != nil {
		v.Time = *raw.Time
	}
	return v, nil
}

// decodeBase64Field decodes an optional base64 payload field, falling back to
// the raw value when it is not valid base64.
func decodeBase64Field(field *string) string {
	if field == nil {
		return ""
	}
	if dec, err := base64.StdEncoding.DecodeString(strings.TrimSpace(*field)); err == nil {
		return string(dec)
	}
	return *field
}

func deref(n *int) int {
	if n == nil {
		return 0
	}
	return *n
}
