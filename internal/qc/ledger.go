// Package qc is the review ledger: it appends review passes against tasks and
// derives the pass count K that drives QC compensation. Review records are
// append-only; nothing here mutates or deletes a recorded pass.
package qc

import (
	"context"
	"fmt"

	"github.com/owenstuckman/orbit-engine/internal/confidence"
	"github.com/owenstuckman/orbit-engine/internal/store"
	"github.com/owenstuckman/orbit-engine/pkg/models"
)

// Ledger wraps the store's review tables.
type Ledger struct {
	Store store.Store
}

// PassCount returns the current pass number K for a task:
// failed independent reviews so far, plus one for the pass in flight.
func (l *Ledger) PassCount(ctx context.Context, taskID int64) (int, error) {
	failed, err := l.Store.CountFailedIndependentReviews(ctx, taskID)
	if err != nil {
		return 0, err
	}
	return failed + 1, nil
}

// AutomatedReview returns the machine review for a task, or nil if the task
// has not been submitted yet.
func (l *Ledger) AutomatedReview(ctx context.Context, taskID int64) (*models.QCReview, error) {
	return l.Store.GetAutomatedReview(ctx, taskID)
}

// Reviews lists all passes for a task in pass order.
func (l *Ledger) Reviews(ctx context.Context, taskID int64) ([]models.QCReview, error) {
	return l.Store.ListReviews(ctx, taskID)
}

// LatestHumanReviewer returns the reviewer of the highest-numbered human pass,
// or nil when no human pass exists yet.
func (l *Ledger) LatestHumanReviewer(ctx context.Context, taskID int64) (*string, error) {
	reviews, err := l.Store.ListReviews(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var reviewer *string
	for _, r := range reviews {
		if r.ReviewType != models.ReviewTypeAutomated && r.ReviewerID != nil {
			reviewer = r.ReviewerID
		}
	}
	return reviewer, nil
}

// BuildAutomatedReview shapes a provider score into the automated review row
// inserted on submission. Passed stays nil (pending); the verdict belongs to
// a human pass. Weight is always 0 for automated reviews.
func BuildAutomatedReview(taskID int64, score confidence.Score) models.QCReview {
	conf := score.PassProbability
	return models.QCReview{
		TaskID:     taskID,
		ReviewType: models.ReviewTypeAutomated,
		Confidence: &conf,
		Feedback:   confidence.FeedbackText(score),
	}
}

// ValidateHumanReview checks a human verdict before it reaches the store.
func ValidateHumanReview(r models.QCReview) error {
	if r.TaskID == 0 {
		return fmt.Errorf("%w: task_id required", models.ErrValidation)
	}
	if r.ReviewType == models.ReviewTypeAutomated {
		return fmt.Errorf("%w: automated reviews are created on submission only", models.ErrValidation)
	}
	if r.Passed == nil {
		return fmt.Errorf("%w: verdict required", models.ErrValidation)
	}
	if r.Confidence != nil && (*r.Confidence < 0 || *r.Confidence > 1) {
		return fmt.Errorf("%w: confidence must be within [0,1]", models.ErrValidation)
	}
	if r.Weight < 0 {
		return fmt.Errorf("%w: weight must be >= 0", models.ErrValidation)
	}
	return nil
}
