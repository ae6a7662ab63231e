// Package confidence calls the external quality-scoring signal for task
// submissions. The call is bounded by a timeout and every failure mode
// (timeout, non-2xx, network error, missing configuration) degrades to a
// fixed default score instead of an error, so the submission workflow never
// blocks on the provider.
package confidence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/owenstuckman/orbit-engine/internal/otel"
	"github.com/owenstuckman/orbit-engine/pkg/models"
)

// DefaultScore is the documented fallback pass probability used whenever the
// provider is unavailable.
const DefaultScore = 0.8

// DefaultTimeout bounds the provider call when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// Opts configures the provider client. An empty BaseURL disables the network
// call entirely and scores with the default.
type Opts struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client scores task submissions.
type Client struct {
	opts Opts
	http *http.Client
}

// New builds a Client. The underlying http.Client carries the timeout so a
// hung provider cannot stall a submission past the bound.
func New(opts Opts) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Client{opts: opts, http: &http.Client{Timeout: opts.Timeout}}
}

// Request is the provider wire request.
type Request struct {
	TaskID         int64          `json:"task_id"`
	SubmissionData SubmissionData `json:"submission_data"`
	TaskContext    TaskContext    `json:"task_context"`
}

// SubmissionData carries the worker's notes and artifacts.
type SubmissionData struct {
	Notes     string                      `json:"notes"`
	Artifacts []models.SubmissionArtifact `json:"artifacts"`
}

// TaskContext gives the provider what the task asked for.
type TaskContext struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	Requirements string `json:"requirements,omitempty"`
	StoryPoints  int    `json:"story_points,omitempty"`
}

// Breakdown is the provider's qualitative sub-scores.
type Breakdown struct {
	Completeness    float64 `json:"completeness"`
	Quality         float64 `json:"quality"`
	RequirementsMet float64 `json:"requirements_met"`
}

// Score is the adapter result. Degraded marks a default fallback so callers
// can flag the automated review accordingly.
type Score struct {
	PassProbability float64   `json:"pass_probability"`
	Breakdown       Breakdown `json:"confidence_breakdown"`
	Summary         string    `json:"summary"`
	Issues          []string  `json:"issues,omitempty"`
	Recommendations []string  `json:"recommendations,omitempty"`
	Degraded        bool      `json:"-"`
	DegradedReason  string    `json:"-"`
}

// defaultScore builds the fallback result for the given reason.
func defaultScore(reason string) Score {
	return Score{
		PassProbability: DefaultScore,
		Breakdown:       Breakdown{Completeness: DefaultScore, Quality: DefaultScore, RequirementsMet: DefaultScore},
		Summary:         "default score: quality signal unavailable",
		Degraded:        true,
		DegradedReason:  reason,
	}
}

// Evaluate scores a submission. It never returns an error: any failure mode
// yields the degraded default score.
func (c *Client) Evaluate(ctx context.Context, req Request) Score {
	start := time.Now()
	score := c.evaluate(ctx, req)
	otel.RecordConfidenceCall(ctx, time.Since(start), score.Degraded, score.DegradedReason)
	return score
}

func (c *Client) evaluate(ctx context.Context, req Request) Score {
	if c == nil || c.opts.BaseURL == "" {
		return defaultScore("provider not configured")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return defaultScore("request encoding failed")
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	url := strings.TrimSuffix(c.opts.BaseURL, "/") + "/v1/evaluate"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return defaultScore("request build failed")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.opts.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		slog.Warn("confidence provider request failed", "task_id", req.TaskID, "err", err)
		return defaultScore("provider unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		slog.Warn("confidence provider returned non-200", "task_id", req.TaskID, "status", resp.StatusCode)
		return defaultScore(fmt.Sprintf("provider status %d", resp.StatusCode))
	}

	var score Score
	if err := json.NewDecoder(resp.Body).Decode(&score); err != nil {
		slog.Warn("confidence provider response decode failed", "task_id", req.TaskID, "err", err)
		return defaultScore("provider response invalid")
	}
	if score.PassProbability < 0 || score.PassProbability > 1 {
		return defaultScore("provider score out of range")
	}
	return score
}

// FeedbackText renders the automated-review feedback line for a score,
// flagging degraded scoring so the audit trail shows the default path.
func FeedbackText(s Score) string {
	if s.Degraded {
		return fmt.Sprintf("automated review (default/degraded scoring: %s), confidence %.2f", s.DegradedReason, s.PassProbability)
	}
	if s.Summary != "" {
		return fmt.Sprintf("automated review: %s (confidence %.2f)", s.Summary, s.PassProbability)
	}
	return fmt.Sprintf("automated review, confidence %.2f", s.PassProbability)
}
