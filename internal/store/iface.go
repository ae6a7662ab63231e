package store

import (
	"context"

	"github.com/owenstuckman/orbit-engine/pkg/models"
)

// Store is the persistence interface for organizations, users, projects,
// tasks, the review ledger, and the payout ledger.
// Implementations: the SQLite store in this package and *postgres.Store.
type Store interface {
	// Organizations and settings
	CreateOrganization(ctx context.Context, name string) (models.Organization, error)
	GetOrganization(ctx context.Context, orgID string) (models.Organization, error)
	GetSettings(ctx context.Context, orgID string) (models.OrganizationSettings, error)
	PutSettings(ctx context.Context, s models.OrganizationSettings) error

	// Users
	CreateUser(ctx context.Context, u models.User) (models.User, error)
	GetUser(ctx context.Context, userID string) (models.User, error)

	// Projects
	CreateProject(ctx context.Context, p models.Project) (models.Project, error)
	GetProject(ctx context.Context, projectID string) (models.Project, error)

	// Tasks
	CreateTask(ctx context.Context, t models.Task) (int64, error)
	GetTask(ctx context.Context, taskID int64) (*models.Task, error)
	ListTasks(ctx context.Context, orgID, status string, limit int) ([]models.Task, error)
	// AcceptTask conditionally moves open->assigned and sets the assignee.
	// Returns false when the task was no longer open (a concurrent caller won).
	AcceptTask(ctx context.Context, taskID int64, assigneeID string) (bool, error)
	// TransitionTask conditionally moves from->to. Returns false on a lost race.
	TransitionTask(ctx context.Context, taskID int64, from, to string) (bool, error)
	// SubmitTask atomically moves in_progress->under_review, stores the
	// submission payload, and records the automated review. If an automated
	// review already exists for the task the existing row is returned and no
	// second insert is attempted. Returns the review and whether the status
	// transition applied.
	SubmitTask(ctx context.Context, taskID int64, submissionJSON string, review models.QCReview) (models.QCReview, bool, error)
	// RecordVerdict appends a human review and conditionally moves
	// under_review->to in the same transaction. Returns false (and inserts
	// nothing) when the task was not under review.
	RecordVerdict(ctx context.Context, taskID int64, r models.QCReview, to string) (models.QCReview, bool, error)
	// ReopenTask conditionally moves rejected->in_progress and bumps resubmit_count.
	ReopenTask(ctx context.Context, taskID int64) (bool, error)

	// Review ledger (append-only)
	CreateHumanReview(ctx context.Context, r models.QCReview) (models.QCReview, error)
	GetAutomatedReview(ctx context.Context, taskID int64) (*models.QCReview, error)
	ListReviews(ctx context.Context, taskID int64) ([]models.QCReview, error)
	CountFailedIndependentReviews(ctx context.Context, taskID int64) (int, error)

	// Payout ledger
	CreatePayout(ctx context.Context, p models.Payout) (models.Payout, error)
	// CreateSalesPayout inserts a sales commission payout and credits the
	// project's PM bonus pool in the same transaction. Both apply or neither.
	CreateSalesPayout(ctx context.Context, p models.Payout, poolCredit float64) (models.Payout, error)
	// CreatePayoutSuperseding marks the current live payout for the same
	// obligation superseded and inserts the new one, in one transaction.
	CreatePayoutSuperseding(ctx context.Context, p models.Payout) (models.Payout, error)
	GetLivePayout(ctx context.Context, taskID *int64, projectID *string, payoutType string) (*models.Payout, error)
	ListPayouts(ctx context.Context, orgID string, limit int) ([]models.Payout, error)
	ListPayoutsByTask(ctx context.Context, taskID int64) ([]models.Payout, error)

	Close() error
}
