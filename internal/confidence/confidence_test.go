package confidence

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestEvaluateSuccess(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/evaluate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			t.Errorf("missing bearer auth, got %q", got)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"pass_probability": 0.92,
			"confidence_breakdown": map[string]float64{
				"completeness": 0.9, "quality": 0.95, "requirements_met": 0.9,
			},
			"summary": "solid work",
			"issues":  []string{"missing tests"},
		})
	}))
	defer srv.Close()

	c := New(Opts{BaseURL: srv.URL, APIKey: "sekrit"})
	score := c.Evaluate(context.Background(), Request{TaskID: 7, TaskContext: TaskContext{Title: "t"}})
	if score.Degraded {
		t.Fatalf("unexpected degraded result: %+v", score)
	}
	if score.PassProbability != 0.92 || score.Breakdown.Quality != 0.95 {
		t.Fatalf("unexpected score: %+v", score)
	}
}

func TestEvaluateTimeoutFallsBack(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(Opts{BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	score := c.Evaluate(context.Background(), Request{TaskID: 1})
	if !score.Degraded {
		t.Fatal("expected degraded result on timeout")
	}
	if score.PassProbability != DefaultScore {
		t.Fatalf("expected default score %v, got %v", DefaultScore, score.PassProbability)
	}
	if !strings.Contains(FeedbackText(score), "default/degraded") {
		t.Fatalf("feedback should flag degraded scoring: %q", FeedbackText(score))
	}
}

func TestEvaluateNon200FallsBack(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	score := New(Opts{BaseURL: srv.URL}).Evaluate(context.Background(), Request{TaskID: 1})
	if !score.Degraded || score.PassProbability != DefaultScore {
		t.Fatalf("expected degraded default, got %+v", score)
	}
}

func TestEvaluateUnconfigured(t *testing.T) {
	t.Parallel()
	score := New(Opts{}).Evaluate(context.Background(), Request{TaskID: 1})
	if !score.Degraded || score.DegradedReason != "provider not configured" {
		t.Fatalf("expected unconfigured fallback, got %+v", score)
	}
}

func TestEvaluateOutOfRangeScore(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"pass_probability": 1.7})
	}))
	defer srv.Close()

	score := New(Opts{BaseURL: srv.URL}).Evaluate(context.Background(), Request{TaskID: 1})
	if !score.Degraded || score.PassProbability != DefaultScore {
		t.Fatalf("expected degraded default for out-of-range score, got %+v", score)
	}
}
