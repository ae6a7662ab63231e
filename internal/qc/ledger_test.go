package qc

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/owenstuckman/orbit-engine/internal/confidence"
	"github.com/owenstuckman/orbit-engine/internal/store"
	"github.com/owenstuckman/orbit-engine/pkg/models"
)

func newLedger(t *testing.T) (*Ledger, store.Store, int64) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	org, err := st.CreateOrganization(ctx, "acme")
	if err != nil {
		t.Fatalf("create org: %v", err)
	}
	taskID, err := st.CreateTask(ctx, models.Task{OrgID: org.OrgID, Title: "t", DollarValue: 100, UrgencyMultiplier: 1})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return &Ledger{Store: st}, st, taskID
}

func TestPassCount(t *testing.T) {
	t.Parallel()
	l, st, taskID := newLedger(t)
	ctx := context.Background()

	// With no failed independent reviews the first payable pass is 1.
	k, err := l.PassCount(ctx, taskID)
	if err != nil {
		t.Fatalf("pass count: %v", err)
	}
	if k != 1 {
		t.Fatalf("pass count = %d, want 1", k)
	}

	reviewer := "qc"
	fail := false
	for i := 0; i < 2; i++ {
		if _, err := st.CreateHumanReview(ctx, models.QCReview{
			TaskID: taskID, ReviewerID: &reviewer, ReviewType: models.ReviewTypeIndependent,
			Passed: &fail, Weight: 1, Feedback: "rework",
		}); err != nil {
			t.Fatalf("create review: %v", err)
		}
	}
	k, err = l.PassCount(ctx, taskID)
	if err != nil {
		t.Fatalf("pass count: %v", err)
	}
	if k != 3 {
		t.Fatalf("pass count = %d, want 3 after two failed passes", k)
	}
}

func TestLatestHumanReviewer(t *testing.T) {
	t.Parallel()
	l, st, taskID := newLedger(t)
	ctx := context.Background()

	got, err := l.LatestHumanReviewer(ctx, taskID)
	if err != nil {
		t.Fatalf("latest reviewer: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no reviewer yet, got %v", *got)
	}

	first, second := "qc-1", "qc-2"
	fail, pass := false, true
	if _, err := st.CreateHumanReview(ctx, models.QCReview{
		TaskID: taskID, ReviewerID: &first, ReviewType: models.ReviewTypeIndependent,
		Passed: &fail, Weight: 1, Feedback: "rework",
	}); err != nil {
		t.Fatalf("create review: %v", err)
	}
	if _, err := st.CreateHumanReview(ctx, models.QCReview{
		TaskID: taskID, ReviewerID: &second, ReviewType: models.ReviewTypeFinal,
		Passed: &pass, Weight: 1,
	}); err != nil {
		t.Fatalf("create review: %v", err)
	}

	got, err = l.LatestHumanReviewer(ctx, taskID)
	if err != nil {
		t.Fatalf("latest reviewer: %v", err)
	}
	if got == nil || *got != second {
		t.Fatalf("latest reviewer = %v, want %s", got, second)
	}
}

func TestBuildAutomatedReview(t *testing.T) {
	t.Parallel()
	r := BuildAutomatedReview(7, confidence.Score{PassProbability: 0.93, Summary: "solid work"})
	if r.TaskID != 7 || r.ReviewType != models.ReviewTypeAutomated {
		t.Fatalf("review shape wrong: %+v", r)
	}
	if r.ReviewerID != nil || r.Passed != nil || r.Weight != 0 {
		t.Fatalf("automated review must be pending and weightless: %+v", r)
	}
	if r.Confidence == nil || *r.Confidence != 0.93 {
		t.Fatalf("confidence = %v, want 0.93", r.Confidence)
	}

	degraded := BuildAutomatedReview(7, confidence.Score{
		PassProbability: confidence.DefaultScore, Degraded: true, DegradedReason: "timeout",
	})
	if !strings.Contains(degraded.Feedback, "default/degraded") {
		t.Fatalf("degraded feedback missing marker: %q", degraded.Feedback)
	}
}

func TestValidateHumanReview(t *testing.T) {
	t.Parallel()
	reviewer := "qc"
	pass := true
	good := models.QCReview{
		TaskID: 1, ReviewerID: &reviewer, ReviewType: models.ReviewTypeIndependent,
		Passed: &pass, Weight: 1,
	}
	if err := ValidateHumanReview(good); err != nil {
		t.Fatalf("valid review rejected: %v", err)
	}

	bad := []models.QCReview{
		{ReviewerID: &reviewer, ReviewType: models.ReviewTypeIndependent, Passed: &pass},
		{TaskID: 1, ReviewType: models.ReviewTypeAutomated, Passed: &pass},
		{TaskID: 1, ReviewType: models.ReviewTypeIndependent},
		func() models.QCReview {
			r := good
			c := 1.5
			r.Confidence = &c
			return r
		}(),
		func() models.QCReview {
			r := good
			r.Weight = -1
			return r
		}(),
	}
	for i, r := range bad {
		if err := ValidateHumanReview(r); !errors.Is(err, models.ErrValidation) {
			t.Errorf("case %d: want ErrValidation, got %v", i, err)
		}
	}
}
