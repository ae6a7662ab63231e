package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/owenstuckman/orbit-engine/internal/confidence"
	"github.com/owenstuckman/orbit-engine/internal/qc"
	"github.com/owenstuckman/orbit-engine/internal/store"
	"github.com/owenstuckman/orbit-engine/pkg/models"
)

type fixture struct {
	ctrl   *Controller
	store  store.Store
	orgID  string
	worker models.User
	task   int64
}

func newFixture(t *testing.T) *fixture {
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
	worker, err := st.CreateUser(ctx, models.User{OrgID: org.OrgID, Name: "worker", Role: models.RoleWorker, Level: 2})
	if err != nil {
		t.Fatalf("create worker: %v", err)
	}
	taskID, err := st.CreateTask(ctx, models.Task{
		OrgID:             org.OrgID,
		Title:             "wire the widget",
		DollarValue:       100,
		UrgencyMultiplier: 1,
		RequiredLevel:     2,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return &fixture{
		ctrl: &Controller{
			Store:      st,
			Ledger:     &qc.Ledger{Store: st},
			Confidence: confidence.New(confidence.Opts{}), // unconfigured: default score
		},
		store:  st,
		orgID:  org.OrgID,
		worker: worker,
		task:   taskID,
	}
}

func (f *fixture) mustAccept(t *testing.T) {
	t.Helper()
	if _, err := f.ctrl.Accept(context.Background(), f.task, f.worker.UserID); err != nil {
		t.Fatalf("accept: %v", err)
	}
}

func (f *fixture) mustStart(t *testing.T) {
	t.Helper()
	if _, err := f.ctrl.Start(context.Background(), f.task, f.worker.UserID); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func (f *fixture) mustSubmit(t *testing.T) *models.QCReview {
	t.Helper()
	r, err := f.ctrl.Submit(context.Background(), f.task, f.worker.UserID, &models.Submission{
		Notes:     "done",
		Artifacts: []models.SubmissionArtifact{{Type: "url", Data: "https://example.com/out"}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return r
}

func TestCanTransition(t *testing.T) {
	t.Parallel()
	allowed := [][2]string{
		{models.StatusOpen, models.StatusAssigned},
		{models.StatusAssigned, models.StatusInProgress},
		{models.StatusInProgress, models.StatusCompleted},
		{models.StatusCompleted, models.StatusUnderReview},
		{models.StatusUnderReview, models.StatusApproved},
		{models.StatusUnderReview, models.StatusRejected},
		{models.StatusApproved, models.StatusPaid},
		{models.StatusRejected, models.StatusInProgress},
	}
	for _, pair := range allowed {
		if !CanTransition(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s allowed", pair[0], pair[1])
		}
	}
	denied := [][2]string{
		{models.StatusOpen, models.StatusInProgress},
		{models.StatusOpen, models.StatusPaid},
		{models.StatusPaid, models.StatusOpen},
		{models.StatusRejected, models.StatusApproved},
		{models.StatusApproved, models.StatusRejected},
	}
	for _, pair := range denied {
		if CanTransition(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s denied", pair[0], pair[1])
		}
	}
}

func TestAcceptLevelGuard(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	junior, err := f.store.CreateUser(ctx, models.User{OrgID: f.orgID, Name: "junior", Role: models.RoleWorker, Level: 1})
	if err != nil {
		t.Fatalf("create junior: %v", err)
	}
	if _, err := f.ctrl.Accept(ctx, f.task, junior.UserID); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected ErrConflict for under-leveled actor, got %v", err)
	}

	got, err := f.store.GetTask(ctx, f.task)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.StatusOpen || got.AssigneeID != nil {
		t.Fatalf("task should be untouched after rejected accept, got status=%s", got.Status)
	}
}

func TestAcceptRace(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	other, err := f.store.CreateUser(ctx, models.User{OrgID: f.orgID, Name: "other", Role: models.RoleWorker, Level: 3})
	if err != nil {
		t.Fatalf("create other: %v", err)
	}
	f.mustAccept(t)
	if _, err := f.ctrl.Accept(ctx, f.task, other.UserID); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("second accept should conflict, got %v", err)
	}
	got, _ := f.store.GetTask(ctx, f.task)
	if got.AssigneeID == nil || *got.AssigneeID != f.worker.UserID {
		t.Fatalf("first accepter should keep the task")
	}
}

func TestStartRequiresAssignee(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.mustAccept(t)

	stranger, err := f.store.CreateUser(ctx, models.User{OrgID: f.orgID, Name: "stranger", Role: models.RoleWorker, Level: 5})
	if err != nil {
		t.Fatalf("create stranger: %v", err)
	}
	if _, err := f.ctrl.Start(ctx, f.task, stranger.UserID); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("non-assignee start should conflict, got %v", err)
	}
	f.mustStart(t)
	got, _ := f.store.GetTask(ctx, f.task)
	if got.Status != models.StatusInProgress {
		t.Fatalf("status = %s, want in_progress", got.Status)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.mustAccept(t)
	f.mustStart(t)

	if _, err := f.ctrl.Submit(ctx, f.task, f.worker.UserID, nil); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("nil submission should fail validation, got %v", err)
	}
	if _, err := f.ctrl.Submit(ctx, f.task, f.worker.UserID, &models.Submission{}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("empty submission should fail validation, got %v", err)
	}
	bad := &models.Submission{Artifacts: []models.SubmissionArtifact{{Type: "carrier_pigeon", Data: "x"}}}
	if _, err := f.ctrl.Submit(ctx, f.task, f.worker.UserID, bad); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("unknown artifact type should fail validation, got %v", err)
	}
}

func TestSubmitRecordsAutomatedReview(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.mustAccept(t)
	f.mustStart(t)
	review := f.mustSubmit(t)

	if review.ReviewType != models.ReviewTypeAutomated {
		t.Fatalf("review type = %s, want automated", review.ReviewType)
	}
	if review.ReviewerID != nil {
		t.Fatalf("automated review should have no reviewer")
	}
	if review.Confidence == nil || *review.Confidence != confidence.DefaultScore {
		t.Fatalf("unconfigured provider should yield default confidence, got %v", review.Confidence)
	}
	got, _ := f.store.GetTask(ctx, f.task)
	if got.Status != models.StatusUnderReview {
		t.Fatalf("status = %s, want under_review", got.Status)
	}
	if got.Submission == nil || got.Submission.Notes != "done" {
		t.Fatalf("submission payload not persisted: %+v", got.Submission)
	}

	// A second submit must not apply: the task is no longer in progress.
	if _, err := f.ctrl.Submit(ctx, f.task, f.worker.UserID, &models.Submission{Notes: "again"}); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("double submit should conflict, got %v", err)
	}
}

func TestReviewApproveAndReject(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.mustAccept(t)
	f.mustStart(t)
	f.mustSubmit(t)

	reviewer, err := f.store.CreateUser(ctx, models.User{OrgID: f.orgID, Name: "qc", Role: models.RoleQC, Level: 3})
	if err != nil {
		t.Fatalf("create reviewer: %v", err)
	}
	fail := false
	conf := 0.6
	if _, err := f.ctrl.Review(ctx, f.task, models.QCReview{
		TaskID:     f.task,
		ReviewerID: &reviewer.UserID,
		ReviewType: models.ReviewTypeIndependent,
		Passed:     &fail,
		Confidence: &conf,
		Weight:     1,
	}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("rejection without feedback should fail validation, got %v", err)
	}

	rej, err := f.ctrl.Review(ctx, f.task, models.QCReview{
		TaskID:     f.task,
		ReviewerID: &reviewer.UserID,
		ReviewType: models.ReviewTypeIndependent,
		Passed:     &fail,
		Confidence: &conf,
		Weight:     1,
		Feedback:   "edge cases missing",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rej.PassNumber != 1 {
		t.Fatalf("first human review pass number = %d, want 1", rej.PassNumber)
	}
	got, _ := f.store.GetTask(ctx, f.task)
	if got.Status != models.StatusRejected {
		t.Fatalf("status = %s, want rejected", got.Status)
	}

	// Rework loop: reopen, resubmit, approve.
	if _, err := f.ctrl.Reopen(ctx, f.task, f.worker.UserID); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, _ = f.store.GetTask(ctx, f.task)
	if got.Status != models.StatusInProgress || got.ResubmitCount != 1 {
		t.Fatalf("after reopen status=%s resubmit=%d", got.Status, got.ResubmitCount)
	}
	f.mustSubmit(t)

	pass := true
	appr, err := f.ctrl.Review(ctx, f.task, models.QCReview{
		TaskID:     f.task,
		ReviewerID: &reviewer.UserID,
		ReviewType: models.ReviewTypeIndependent,
		Passed:     &pass,
		Confidence: &conf,
		Weight:     1,
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if appr.PassNumber != 2 {
		t.Fatalf("second human review pass number = %d, want 2", appr.PassNumber)
	}
	got, _ = f.store.GetTask(ctx, f.task)
	if got.Status != models.StatusApproved {
		t.Fatalf("status = %s, want approved", got.Status)
	}

	// Verdict against a task no longer under review must insert nothing.
	if _, err := f.ctrl.Review(ctx, f.task, models.QCReview{
		TaskID:     f.task,
		ReviewerID: &reviewer.UserID,
		ReviewType: models.ReviewTypeIndependent,
		Passed:     &pass,
		Weight:     1,
	}); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("late verdict should conflict, got %v", err)
	}
	reviews, _ := f.store.ListReviews(ctx, f.task)
	human := 0
	for _, r := range reviews {
		if r.ReviewType != models.ReviewTypeAutomated {
			human++
		}
	}
	if human != 2 {
		t.Fatalf("human review count = %d, want 2", human)
	}
}

func TestMarkPaidRequiresPayouts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.mustAccept(t)
	f.mustStart(t)
	f.mustSubmit(t)

	reviewer, err := f.store.CreateUser(ctx, models.User{OrgID: f.orgID, Name: "qc", Role: models.RoleQC, Level: 3})
	if err != nil {
		t.Fatalf("create reviewer: %v", err)
	}
	pass := true
	if _, err := f.ctrl.Review(ctx, f.task, models.QCReview{
		TaskID:     f.task,
		ReviewerID: &reviewer.UserID,
		ReviewType: models.ReviewTypeIndependent,
		Passed:     &pass,
		Weight:     1,
	}); err != nil {
		t.Fatalf("approve: %v", err)
	}

	if _, err := f.ctrl.MarkPaid(ctx, f.task); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("MarkPaid without payouts should conflict, got %v", err)
	}

	if _, err := f.store.CreatePayout(ctx, models.Payout{
		OrgID:         f.orgID,
		BeneficiaryID: f.worker.UserID,
		TaskID:        &f.task,
		PayoutType:    models.PayoutTypeEmployee,
		GrossAmount:   30,
		NetAmount:     30,
		Status:        models.PayoutStatusPending,
	}); err != nil {
		t.Fatalf("create employee payout: %v", err)
	}
	// A human review exists so the QC payout is required too.
	if _, err := f.ctrl.MarkPaid(ctx, f.task); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("MarkPaid without qc payout should conflict, got %v", err)
	}
	if _, err := f.store.CreatePayout(ctx, models.Payout{
		OrgID:         f.orgID,
		BeneficiaryID: reviewer.UserID,
		TaskID:        &f.task,
		PayoutType:    models.PayoutTypeQC,
		GrossAmount:   18.19,
		NetAmount:     18.19,
		Status:        models.PayoutStatusPending,
	}); err != nil {
		t.Fatalf("create qc payout: %v", err)
	}

	task, err := f.ctrl.MarkPaid(ctx, f.task)
	if err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if task.Status != models.StatusPaid {
		t.Fatalf("status = %s, want paid", task.Status)
	}
}

func TestSubmitScoresOncePerTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	var calls atomic.Int32
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"pass_probability":0.9,"summary":"looks complete"}`))
	}))
	t.Cleanup(provider.Close)
	f.ctrl.Confidence = confidence.New(confidence.Opts{BaseURL: provider.URL})

	f.mustAccept(t)
	f.mustStart(t)
	first := f.mustSubmit(t)
	if calls.Load() != 1 {
		t.Fatalf("provider calls after first submit = %d, want 1", calls.Load())
	}
	if first.Confidence == nil || *first.Confidence != 0.9 {
		t.Fatalf("automated confidence = %v, want 0.9", first.Confidence)
	}

	reviewer, err := f.store.CreateUser(ctx, models.User{OrgID: f.orgID, Name: "qc", Role: models.RoleQC, Level: 3})
	if err != nil {
		t.Fatalf("create reviewer: %v", err)
	}
	fail := false
	if _, err := f.ctrl.Review(ctx, f.task, models.QCReview{
		TaskID:     f.task,
		ReviewerID: &reviewer.UserID,
		ReviewType: models.ReviewTypeIndependent,
		Passed:     &fail,
		Weight:     1,
		Feedback:   "needs rework",
	}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := f.ctrl.Reopen(ctx, f.task, f.worker.UserID); err != nil {
		t.Fatalf("reopen: %v", err)
	}

	// The resubmission keeps the original automated review and does not
	// call the provider again.
	second := f.mustSubmit(t)
	if calls.Load() != 1 {
		t.Fatalf("provider calls after resubmit = %d, want 1", calls.Load())
	}
	if second.ReviewID != first.ReviewID {
		t.Fatalf("resubmit replaced the automated review: %s != %s", second.ReviewID, first.ReviewID)
	}
	if second.Confidence == nil || *second.Confidence != 0.9 {
		t.Fatalf("resubmit confidence = %v, want original 0.9", second.Confidence)
	}
}
