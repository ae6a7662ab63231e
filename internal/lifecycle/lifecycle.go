// Package lifecycle is the task status state machine. It is the only
// component allowed to transition a task's status; every transition is
// validated against an explicit table and applied with a conditional update,
// so a losing concurrent caller gets a conflict instead of an overwrite.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/owenstuckman/orbit-engine/internal/confidence"
	"github.com/owenstuckman/orbit-engine/internal/otel"
	"github.com/owenstuckman/orbit-engine/internal/qc"
	"github.com/owenstuckman/orbit-engine/internal/store"
	"github.com/owenstuckman/orbit-engine/pkg/models"
)

// transitions is the full status graph. Any (from, to) pair not listed here
// is rejected before a write is attempted.
var transitions = map[string][]string{
	models.StatusOpen:        {models.StatusAssigned},
	models.StatusAssigned:    {models.StatusInProgress},
	models.StatusInProgress:  {models.StatusCompleted},
	models.StatusCompleted:   {models.StatusUnderReview},
	models.StatusUnderReview: {models.StatusApproved, models.StatusRejected},
	models.StatusApproved:    {models.StatusPaid},
	models.StatusRejected:    {models.StatusInProgress},
	models.StatusPaid:        {},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to string) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Publisher receives state-change events (satisfied by the SSE hub).
type Publisher interface {
	PublishJSON(v any)
}

// Controller drives task status transitions.
type Controller struct {
	Store      store.Store
	Ledger     *qc.Ledger
	Confidence *confidence.Client
	Events     Publisher // optional
}

func (c *Controller) publish(event any) {
	if c.Events != nil {
		c.Events.PublishJSON(event)
	}
}

// Accept assigns an open task to the actor. The actor's level must meet the
// task's required level; losing a race for the same task returns a conflict.
func (c *Controller) Accept(ctx context.Context, taskID int64, actorID string) (*models.Task, error) {
	task, err := c.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	actor, err := c.Store.GetUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if actor.Level < task.RequiredLevel {
		return nil, fmt.Errorf("%w: actor level %d below required %d", models.ErrConflict, actor.Level, task.RequiredLevel)
	}
	ok, err := c.Store.AcceptTask(ctx, taskID, actorID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: task %d is no longer open", models.ErrConflict, taskID)
	}
	slog.Info("task accepted", "task_id", taskID, "assignee", actorID)
	otel.RecordTransition(ctx, task.OrgID, models.StatusAssigned)
	c.publish(map[string]any{"type": "task_update", "task_id": taskID, "status": models.StatusAssigned})
	return c.Store.GetTask(ctx, taskID)
}

// Start moves an assigned task into progress. Only the assignee may start.
func (c *Controller) Start(ctx context.Context, taskID int64, actorID string) (*models.Task, error) {
	task, err := c.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.AssigneeID == nil || *task.AssigneeID != actorID {
		return nil, fmt.Errorf("%w: only the assignee may start task %d", models.ErrConflict, taskID)
	}
	ok, err := c.Store.TransitionTask(ctx, taskID, models.StatusAssigned, models.StatusInProgress)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: task %d is not assigned", models.ErrConflict, taskID)
	}
	otel.RecordTransition(ctx, task.OrgID, models.StatusInProgress)
	c.publish(map[string]any{"type": "task_update", "task_id": taskID, "status": models.StatusInProgress})
	return c.Store.GetTask(ctx, taskID)
}

// validArtifactTypes are the accepted submission artifact variants.
var validArtifactTypes = map[string]bool{"file": true, "github_pr": true, "url": true}

// Submit records the submission payload, scores it through the confidence
// provider, and moves the task under review with its automated review. The
// status change and review insert commit together or not at all. The provider
// call is bounded and degrades to the default score; submission never fails
// because the scoring signal is down.
func (c *Controller) Submit(ctx context.Context, taskID int64, actorID string, sub *models.Submission) (*models.QCReview, error) {
	if sub == nil || (sub.Notes == "" && len(sub.Artifacts) == 0) {
		return nil, fmt.Errorf("%w: submission payload required", models.ErrValidation)
	}
	for _, a := range sub.Artifacts {
		if !validArtifactTypes[a.Type] {
			return nil, fmt.Errorf("%w: unknown artifact type %q", models.ErrValidation, a.Type)
		}
	}
	task, err := c.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.AssigneeID == nil || *task.AssigneeID != actorID {
		return nil, fmt.Errorf("%w: only the assignee may submit task %d", models.ErrConflict, taskID)
	}
	if task.Status != models.StatusInProgress {
		return nil, fmt.Errorf("%w: task %d is not in progress", models.ErrConflict, taskID)
	}

	// A task is scored once. Resubmissions after a rejection keep the
	// original automated review, so the provider is not consulted again.
	existing, err := c.Ledger.AutomatedReview(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var autoReview models.QCReview
	if existing != nil {
		autoReview = *existing
	} else {
		score := c.Confidence.Evaluate(ctx, confidence.Request{
			TaskID: taskID,
			SubmissionData: confidence.SubmissionData{
				Notes:     sub.Notes,
				Artifacts: sub.Artifacts,
			},
			TaskContext: confidence.TaskContext{
				Title:       task.Title,
				Description: task.Description,
			},
		})
		if score.Degraded {
			slog.Warn("task scored with degraded confidence", "task_id", taskID, "reason", score.DegradedReason)
		}
		autoReview = qc.BuildAutomatedReview(taskID, score)
	}

	raw, err := store.EncodeSubmission(sub)
	if err != nil {
		return nil, err
	}
	review, applied, err := c.Store.SubmitTask(ctx, taskID, raw, autoReview)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("%w: task %d is not in progress", models.ErrConflict, taskID)
	}
	slog.Info("task submitted", "task_id", taskID, "resubmission", existing != nil)
	otel.RecordTransition(ctx, task.OrgID, models.StatusUnderReview)
	otel.RecordReview(ctx, task.OrgID, models.ReviewTypeAutomated)
	c.publish(map[string]any{"type": "task_update", "task_id": taskID, "status": models.StatusUnderReview})
	return &review, nil
}

// Review records a human verdict and moves the task to approved or rejected.
// A rejection must carry feedback for the worker.
func (c *Controller) Review(ctx context.Context, taskID int64, r models.QCReview) (*models.QCReview, error) {
	if err := qc.ValidateHumanReview(r); err != nil {
		return nil, err
	}
	if !*r.Passed && r.Feedback == "" {
		return nil, fmt.Errorf("%w: rejection requires feedback", models.ErrValidation)
	}
	task, err := c.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	to := models.StatusApproved
	if !*r.Passed {
		to = models.StatusRejected
	}
	review, applied, err := c.Store.RecordVerdict(ctx, taskID, r, to)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("%w: task %d is not under review", models.ErrConflict, taskID)
	}
	slog.Info("review recorded", "task_id", taskID, "pass_number", review.PassNumber, "passed", *r.Passed)
	otel.RecordTransition(ctx, task.OrgID, to)
	otel.RecordReview(ctx, task.OrgID, review.ReviewType)
	c.publish(map[string]any{"type": "review_recorded", "task_id": taskID, "status": to, "pass_number": review.PassNumber})
	return &review, nil
}

// Reopen returns a rejected task to the assignee for resubmission; the
// resubmission counter feeds the next pass count.
func (c *Controller) Reopen(ctx context.Context, taskID int64, actorID string) (*models.Task, error) {
	task, err := c.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.AssigneeID == nil || *task.AssigneeID != actorID {
		return nil, fmt.Errorf("%w: only the assignee may reopen task %d", models.ErrConflict, taskID)
	}
	ok, err := c.Store.ReopenTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: task %d is not rejected", models.ErrConflict, taskID)
	}
	otel.RecordTransition(ctx, task.OrgID, models.StatusInProgress)
	c.publish(map[string]any{"type": "task_update", "task_id": taskID, "status": models.StatusInProgress})
	return c.Store.GetTask(ctx, taskID)
}

// MarkPaid is the terminal transition. It requires the employee payout to
// exist, and the QC payout too when human review passes were recorded.
func (c *Controller) MarkPaid(ctx context.Context, taskID int64) (*models.Task, error) {
	emp, err := c.Store.GetLivePayout(ctx, &taskID, nil, models.PayoutTypeEmployee)
	if err != nil {
		return nil, err
	}
	if emp == nil {
		return nil, fmt.Errorf("%w: employee payout missing for task %d", models.ErrConflict, taskID)
	}
	reviewer, err := c.Ledger.LatestHumanReviewer(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if reviewer != nil {
		qcPayout, err := c.Store.GetLivePayout(ctx, &taskID, nil, models.PayoutTypeQC)
		if err != nil {
			return nil, err
		}
		if qcPayout == nil {
			return nil, fmt.Errorf("%w: qc payout missing for task %d", models.ErrConflict, taskID)
		}
	}
	ok, err := c.Store.TransitionTask(ctx, taskID, models.StatusApproved, models.StatusPaid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: task %d is not approved", models.ErrConflict, taskID)
	}
	slog.Info("task paid", "task_id", taskID)
	otel.RecordTransition(ctx, emp.OrgID, models.StatusPaid)
	c.publish(map[string]any{"type": "task_update", "task_id": taskID, "status": models.StatusPaid})
	return c.Store.GetTask(ctx, taskID)
}
