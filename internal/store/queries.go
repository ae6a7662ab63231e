package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/owenstuckman/orbit-engine/pkg/models"
)

// isUniqueViolation reports whether err is a SQLite unique-constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *sqliteStore) CreateOrganization(ctx context.Context, name string) (models.Organization, error) {
	if name == "" {
		return models.Organization{}, fmt.Errorf("%w: organization name required", models.ErrValidation)
	}
	id := uuid.NewString()
	now := time.Now().UTC().Unix()
	_, err := s.DB.ExecContext(ctx, `INSERT INTO organizations(org_id, name, created_at) VALUES(?, ?, ?)`, id, name, now)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Organization{}, fmt.Errorf("%w: organization %q exists", models.ErrConflict, name)
		}
		return models.Organization{}, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	org := models.Organization{OrgID: id, Name: name, CreatedAt: time.Unix(now, 0).UTC()}
	// Every org starts with the default compensation parameters.
	if err := s.PutSettings(ctx, DefaultSettings(id)); err != nil {
		return models.Organization{}, err
	}
	return org, nil
}

// DefaultSettings returns the baseline compensation parameters for a new org.
// The pickup-bonus and sales-decay constants mirror the original formulas and
// are adjustable per organization.
func DefaultSettings(orgID string) models.OrganizationSettings {
	return models.OrganizationSettings{
		OrgID:                        orgID,
		DefaultR:                     0.7,
		QCBeta:                       0.25,
		QCGamma:                      0.4,
		QCMaxPasses:                  5,
		PMProfitShareRate:            0.1,
		PMOverdraftPenaltyMultiplier: 0.05,
		PMPickupBonusShare:           0.1,
		PMPickupBonusDays:            7,
		PMPickupBonusDecayRate:       0.001,
		SalesCommissionRate:          0.05,
		SalesCommissionMaxDays:       14,
	}
}

func (s *sqliteStore) GetOrganization(ctx context.Context, orgID string) (models.Organization, error) {
	var o models.Organization
	var createdAt int64
	err := s.DB.QueryRowContext(ctx, `SELECT org_id, name, created_at FROM organizations WHERE org_id = ?`, orgID).
		Scan(&o.OrgID, &o.Name, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Organization{}, fmt.Errorf("%w: organization %s", models.ErrNotFound, orgID)
		}
		return models.Organization{}, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	o.CreatedAt = time.Unix(createdAt, 0).UTC()
	return o, nil
}

const settingsColumns = `org_id, default_r, qc_beta, qc_gamma, qc_max_passes, pm_profit_share_rate, pm_overdraft_penalty_multiplier, pm_pickup_bonus_share, pm_pickup_bonus_days, pm_pickup_bonus_decay_rate, sales_commission_rate, sales_commission_max_days, updated_at`

func (s *sqliteStore) GetSettings(ctx context.Context, orgID string) (models.OrganizationSettings, error) {
	var st models.OrganizationSettings
	var updatedAt int64
	err := s.DB.QueryRowContext(ctx, `SELECT `+settingsColumns+` FROM org_settings WHERE org_id = ?`, orgID).Scan(
		&st.OrgID, &st.DefaultR, &st.QCBeta, &st.QCGamma, &st.QCMaxPasses,
		&st.PMProfitShareRate, &st.PMOverdraftPenaltyMultiplier,
		&st.PMPickupBonusShare, &st.PMPickupBonusDays, &st.PMPickupBonusDecayRate,
		&st.SalesCommissionRate, &st.SalesCommissionMaxDays, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.OrganizationSettings{}, fmt.Errorf("%w: settings for org %s", models.ErrNotFound, orgID)
		}
		return models.OrganizationSettings{}, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	st.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return st, nil
}

// ValidateSettings rejects values the payout formulas cannot work with.
// The divisor and pass-count fields must stay positive; a zero
// sales_commission_max_days would make the commission decay divide by zero.
func ValidateSettings(st models.OrganizationSettings) error {
	if st.DefaultR < 0 || st.DefaultR > 1 || st.QCGamma < 0 || st.QCGamma > 1 {
		return fmt.Errorf("%w: default_r and qc_gamma must be within [0,1]", models.ErrValidation)
	}
	if st.QCMaxPasses < 1 {
		return fmt.Errorf("%w: qc_max_passes must be >= 1", models.ErrValidation)
	}
	if st.SalesCommissionMaxDays < 1 {
		return fmt.Errorf("%w: sales_commission_max_days must be >= 1", models.ErrValidation)
	}
	if st.PMPickupBonusDays < 0 {
		return fmt.Errorf("%w: pm_pickup_bonus_days must be >= 0", models.ErrValidation)
	}
	if st.QCBeta < 0 || st.PMProfitShareRate < 0 || st.PMOverdraftPenaltyMultiplier < 0 ||
		st.PMPickupBonusShare < 0 || st.PMPickupBonusDecayRate < 0 || st.SalesCommissionRate < 0 {
		return fmt.Errorf("%w: rates must be >= 0", models.ErrValidation)
	}
	return nil
}

func (s *sqliteStore) PutSettings(ctx context.Context, st models.OrganizationSettings) error {
	if st.OrgID == "" {
		return fmt.Errorf("%w: org_id required", models.ErrValidation)
	}
	if err := ValidateSettings(st); err != nil {
		return err
	}
	now := time.Now().UTC().Unix()
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO org_settings(`+settingsColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(org_id) DO UPDATE SET
  default_r=excluded.default_r, qc_beta=excluded.qc_beta, qc_gamma=excluded.qc_gamma,
  qc_max_passes=excluded.qc_max_passes, pm_profit_share_rate=excluded.pm_profit_share_rate,
  pm_overdraft_penalty_multiplier=excluded.pm_overdraft_penalty_multiplier,
  pm_pickup_bonus_share=excluded.pm_pickup_bonus_share, pm_pickup_bonus_days=excluded.pm_pickup_bonus_days,
  pm_pickup_bonus_decay_rate=excluded.pm_pickup_bonus_decay_rate,
  sales_commission_rate=excluded.sales_commission_rate, sales_commission_max_days=excluded.sales_commission_max_days,
  updated_at=excluded.updated_at`,
		st.OrgID, st.DefaultR, st.QCBeta, st.QCGamma, st.QCMaxPasses,
		st.PMProfitShareRate, st.PMOverdraftPenaltyMultiplier,
		st.PMPickupBonusShare, st.PMPickupBonusDays, st.PMPickupBonusDecayRate,
		st.SalesCommissionRate, st.SalesCommissionMaxDays, now)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	return nil
}

func (s *sqliteStore) CreateUser(ctx context.Context, u models.User) (models.User, error) {
	if u.OrgID == "" || u.Name == "" {
		return models.User{}, fmt.Errorf("%w: org_id and name required", models.ErrValidation)
	}
	if u.Role == "" {
		u.Role = models.RoleWorker
	}
	if u.UserID == "" {
		u.UserID = uuid.NewString()
	}
	now := time.Now().UTC().Unix()
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users(user_id, org_id, name, role, level, share_override, created_at) VALUES(?, ?, ?, ?, ?, ?, ?)`,
		u.UserID, u.OrgID, u.Name, u.Role, u.Level, toNullF(u.ShareOverride), now)
	if err != nil {
		return models.User{}, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	u.CreatedAt = time.Unix(now, 0).UTC()
	return u, nil
}

func (s *sqliteStore) GetUser(ctx context.Context, userID string) (models.User, error) {
	var u models.User
	var createdAt int64
	var override sql.NullFloat64
	err := s.DB.QueryRowContext(ctx, `SELECT user_id, org_id, name, role, level, share_override, created_at FROM users WHERE user_id = ?`, userID).
		Scan(&u.UserID, &u.OrgID, &u.Name, &u.Role, &u.Level, &override, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, fmt.Errorf("%w: user %s", models.ErrNotFound, userID)
		}
		return models.User{}, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	if override.Valid {
		u.ShareOverride = &override.Float64
	}
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	return u, nil
}

func (s *sqliteStore) CreateProject(ctx context.Context, p models.Project) (models.Project, error) {
	if p.OrgID == "" || p.Name == "" {
		return models.Project{}, fmt.Errorf("%w: org_id and name required", models.ErrValidation)
	}
	if p.ProjectID == "" {
		p.ProjectID = uuid.NewString()
	}
	now := time.Now().UTC().Unix()
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO projects(project_id, org_id, name, budget, spent, pm_user_id, sales_user_id, sales_bonus_pool, deadline, pm_picked_up_at, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ProjectID, p.OrgID, p.Name, p.Budget, p.Spent, toNull(p.PMUserID), toNull(p.SalesUserID),
		p.SalesBonusPool, toNullT(p.Deadline), toNullT(p.PMPickedUpAt), now)
	if err != nil {
		return models.Project{}, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	p.CreatedAt = time.Unix(now, 0).UTC()
	return p, nil
}

func (s *sqliteStore) GetProject(ctx context.Context, projectID string) (models.Project, error) {
	var p models.Project
	var pm, sales sql.NullString
	var deadline, pickedUp sql.NullInt64
	var createdAt int64
	err := s.DB.QueryRowContext(ctx, `
SELECT project_id, org_id, name, budget, spent, pm_user_id, sales_user_id, sales_bonus_pool, deadline, pm_picked_up_at, created_at
FROM projects WHERE project_id = ?`, projectID).Scan(
		&p.ProjectID, &p.OrgID, &p.Name, &p.Budget, &p.Spent, &pm, &sales, &p.SalesBonusPool, &deadline, &pickedUp, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Project{}, fmt.Errorf("%w: project %s", models.ErrNotFound, projectID)
		}
		return models.Project{}, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	if pm.Valid {
		p.PMUserID = &pm.String
	}
	if sales.Valid {
		p.SalesUserID = &sales.String
	}
	if deadline.Valid {
		t := time.Unix(deadline.Int64, 0).UTC()
		p.Deadline = &t
	}
	if pickedUp.Valid {
		t := time.Unix(pickedUp.Int64, 0).UTC()
		p.PMPickedUpAt = &t
	}
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	return p, nil
}

func (s *sqliteStore) CreateTask(ctx context.Context, t models.Task) (int64, error) {
	if t.OrgID == "" || t.Title == "" {
		return 0, fmt.Errorf("%w: org_id and title required", models.ErrValidation)
	}
	if t.DollarValue < 0 {
		return 0, fmt.Errorf("%w: dollar_value must be >= 0", models.ErrValidation)
	}
	if t.UrgencyMultiplier < 1 {
		t.UrgencyMultiplier = 1
	}
	if t.Status == "" {
		t.Status = models.StatusOpen
	}
	now := time.Now().UTC().Unix()
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO tasks(org_id, project_id, title, description, status, dollar_value, urgency_multiplier, required_level, assignee_id, deadline, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.OrgID, toNull(t.ProjectID), t.Title, t.Description, t.Status, t.DollarValue, t.UrgencyMultiplier,
		t.RequiredLevel, toNull(t.AssigneeID), toNullT(t.Deadline), now, now)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	return id, nil
}

// scanTaskRow scans the current row (columns must match taskColumns order).
func scanTaskRow(row interface{ Scan(dest ...any) error }) (*models.Task, error) {
	var (
		t          models.Task
		projectID  sql.NullString
		assigneeID sql.NullString
		deadline   sql.NullInt64
		submission sql.NullString
		createdAt  int64
		updatedAt  int64
	)
	err := row.Scan(&t.TaskID, &t.OrgID, &projectID, &t.Title, &t.Description, &t.Status,
		&t.DollarValue, &t.UrgencyMultiplier, &t.RequiredLevel, &assigneeID, &deadline,
		&submission, &t.ResubmitCount, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if projectID.Valid {
		t.ProjectID = &projectID.String
	}
	if assigneeID.Valid {
		t.AssigneeID = &assigneeID.String
	}
	if deadline.Valid {
		d := time.Unix(deadline.Int64, 0).UTC()
		t.Deadline = &d
	}
	if submission.Valid && submission.String != "" {
		sub, err := decodeSubmission(submission.String)
		if err == nil {
			t.Submission = sub
		}
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &t, nil
}

func (s *sqliteStore) GetTask(ctx context.Context, taskID int64) (*models.Task, error) {
	row := s.stmtGetTask.QueryRowContext(ctx, taskID)
	t, err := scanTaskRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: task %d", models.ErrNotFound, taskID)
		}
		return nil, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	return t, nil
}

func (s *sqliteStore) ListTasks(ctx context.Context, orgID, status string, limit int) ([]models.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE org_id = ?`
	args := []any{orgID}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	defer func() { _ = rows.Close() }()
	var out []models.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrPersistence, err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// AcceptTask sets status to assigned and records the assignee if the task is
// still open (optimistic lock). Returns false when a concurrent caller won.
func (s *sqliteStore) AcceptTask(ctx context.Context, taskID int64, assigneeID string) (bool, error) {
	now := time.Now().UTC().Unix()
	res, err := s.stmtAcceptTask.ExecContext(ctx, assigneeID, now, taskID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TransitionTask conditionally moves from -> to (compare-and-swap on status).
func (s *sqliteStore) TransitionTask(ctx context.Context, taskID int64, from, to string) (bool, error) {
	now := time.Now().UTC().Unix()
	res, err := s.stmtTransitionTask.ExecContext(ctx, to, now, taskID, from)
	if err != nil {
		return false, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SubmitTask moves in_progress -> under_review, stores the submission payload,
// and records the automated review, all in one transaction. A pre-existing
// automated review is returned as-is (idempotent retry).
func (s *sqliteStore) SubmitTask(ctx context.Context, taskID int64, submissionJSON string, review models.QCReview) (models.QCReview, bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return models.QCReview{}, false, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Unix()
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status=?, submission=?, updated_at=? WHERE task_id=? AND status=?`,
		models.StatusUnderReview, submissionJSON, now, taskID, models.StatusInProgress)
	if err != nil {
		return models.QCReview{}, false, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Lost the race or wrong state; nothing was applied.
		return models.QCReview{}, false, nil
	}

	existing, err := getAutomatedReviewTx(ctx, tx, taskID)
	if err != nil {
		return models.QCReview{}, false, err
	}
	if existing != nil {
		if err := tx.Commit(); err != nil {
			return models.QCReview{}, false, fmt.Errorf("%w: %v", models.ErrPersistence, err)
		}
		return *existing, true, nil
	}

	if review.ReviewID == "" {
		review.ReviewID = uuid.NewString()
	}
	review.TaskID = taskID
	review.ReviewType = models.ReviewTypeAutomated
	review.PassNumber = 0
	review.Weight = 0
	_, err = tx.ExecContext(ctx, `
INSERT INTO qc_reviews(review_id, task_id, reviewer_id, review_type, passed, confidence, pass_number, weight, feedback, created_at)
VALUES(?, ?, NULL, ?, ?, ?, 0, 0, ?, ?)`,
		review.ReviewID, taskID, review.ReviewType, toNullB(review.Passed), toNullF(review.Confidence), review.Feedback, now)
	if err != nil {
		if isUniqueViolation(err) {
			// A concurrent trigger inserted between check and insert; commit
			// nothing and let the caller re-read.
			return models.QCReview{}, false, fmt.Errorf("%w: automated review raced", models.ErrConflict)
		}
		return models.QCReview{}, false, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	if err := tx.Commit(); err != nil {
		return models.QCReview{}, false, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	review.CreatedAt = time.Unix(now, 0).UTC()
	return review, true, nil
}

func getAutomatedReviewTx(ctx context.Context, tx *sql.Tx, taskID int64) (*models.QCReview, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM qc_reviews WHERE task_id = ? AND review_type = 'automated'`, taskID)
	r, err := scanReviewRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	return r, nil
}

// RecordVerdict appends a human review and applies under_review -> to in one
// transaction, so a verdict is never recorded without its status change.
func (s *sqliteStore) RecordVerdict(ctx context.Context, taskID int64, r models.QCReview, to string) (models.QCReview, bool, error) {
	if r.ReviewType == "" || r.ReviewType == models.ReviewTypeAutomated {
		return models.QCReview{}, false, fmt.Errorf("%w: human review_type required", models.ErrValidation)
	}
	if r.ReviewID == "" {
		r.ReviewID = uuid.NewString()
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return models.QCReview{}, false, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Unix()
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status=?, updated_at=? WHERE task_id=? AND status=?`,
		to, now, taskID, models.StatusUnderReview)
	if err != nil {
		return models.QCReview{}, false, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.QCReview{}, false, nil
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO qc_reviews(review_id, task_id, reviewer_id, review_type, passed, confidence, pass_number, weight, feedback, created_at)
SELECT ?, ?, ?, ?, ?, ?, COALESCE(MAX(pass_number), 0) + 1, ?, ?, ?
FROM qc_reviews WHERE task_id = ?`,
		r.ReviewID, taskID, toNull(r.ReviewerID), r.ReviewType, toNullB(r.Passed), toNullF(r.Confidence),
		r.Weight, r.Feedback, now, taskID)
	if err != nil {
		if isUniqueViolation(err) {
			return models.QCReview{}, false, fmt.Errorf("%w: concurrent review for task %d", models.ErrConflict, taskID)
		}
		return models.QCReview{}, false, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	if err := tx.Commit(); err != nil {
		return models.QCReview{}, false, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM qc_reviews WHERE review_id = ?`, r.ReviewID)
	out, err := scanReviewRow(row)
	if err != nil {
		return models.QCReview{}, false, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	return *out, true, nil
}

// ReopenTask moves rejected -> in_progress for resubmission and bumps the
// resubmission counter.
func (s *sqliteStore) ReopenTask(ctx context.Context, taskID int64) (bool, error) {
	now := time.Now().UTC().Unix()
	res, err := s.DB.ExecContext(ctx,
		`UPDATE tasks SET status=?, resubmit_count=resubmit_count+1, updated_at=? WHERE task_id=? AND status=?`,
		models.StatusInProgress, now, taskID, models.StatusRejected)
	if err != nil {
		return false, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanReviewRow(row interface{ Scan(dest ...any) error }) (*models.QCReview, error) {
	var (
		r          models.QCReview
		reviewerID sql.NullString
		passed     sql.NullBool
		confidence sql.NullFloat64
		createdAt  int64
	)
	err := row.Scan(&r.ReviewID, &r.TaskID, &reviewerID, &r.ReviewType, &passed, &confidence,
		&r.PassNumber, &r.Weight, &r.Feedback, &createdAt)
	if err != nil {
		return nil, err
	}
	if reviewerID.Valid {
		r.ReviewerID = &reviewerID.String
	}
	if passed.Valid {
		r.Passed = &passed.Bool
	}
	if confidence.Valid {
		r.Confidence = &confidence.Float64
	}
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &r, nil
}

// CreateHumanReview appends a human review pass. pass_number is the previous
// maximum for the task plus one; the (task_id, pass_number) uniqueness index
// is the backstop for concurrent submissions and surfaces as a conflict.
func (s *sqliteStore) CreateHumanReview(ctx context.Context, r models.QCReview) (models.QCReview, error) {
	if r.TaskID == 0 {
		return models.QCReview{}, fmt.Errorf("%w: task_id required", models.ErrValidation)
	}
	if r.ReviewType == "" || r.ReviewType == models.ReviewTypeAutomated {
		return models.QCReview{}, fmt.Errorf("%w: human review_type required", models.ErrValidation)
	}
	if r.ReviewID == "" {
		r.ReviewID = uuid.NewString()
	}
	now := time.Now().UTC().Unix()
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO qc_reviews(review_id, task_id, reviewer_id, review_type, passed, confidence, pass_number, weight, feedback, created_at)
SELECT ?, ?, ?, ?, ?, ?, COALESCE(MAX(pass_number), 0) + 1, ?, ?, ?
FROM qc_reviews WHERE task_id = ?`,
		r.ReviewID, r.TaskID, toNull(r.ReviewerID), r.ReviewType, toNullB(r.Passed), toNullF(r.Confidence),
		r.Weight, r.Feedback, now, r.TaskID)
	if err != nil {
		if isUniqueViolation(err) {
			return models.QCReview{}, fmt.Errorf("%w: concurrent review for task %d", models.ErrConflict, r.TaskID)
		}
		return models.QCReview{}, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.QCReview{}, fmt.Errorf("%w: %v", models.ErrPersistence, errors.New("review insert affected no rows"))
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM qc_reviews WHERE review_id = ?`, r.ReviewID)
	out, err := scanReviewRow(row)
	if err != nil {
		return models.QCReview{}, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	return *out, nil
}

func (s *sqliteStore) GetAutomatedReview(ctx context.Context, taskID int64) (*models.QCReview, error) {
	row := s.stmtGetAutomated.QueryRowContext(ctx, taskID)
	r, err := scanReviewRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	return r, nil
}

func (s *sqliteStore) ListReviews(ctx context.Context, taskID int64) ([]models.QCReview, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+reviewColumns+` FROM qc_reviews WHERE task_id = ? ORDER BY pass_number ASC, created_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	defer func() { _ = rows.Close() }()
	var out []models.QCReview
	for rows.Next() {
		r, err := scanReviewRow(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrPersistence, err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountFailedIndependentReviews(ctx context.Context, taskID int64) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM qc_reviews WHERE task_id = ? AND review_type = ? AND passed = 0`,
		taskID, models.ReviewTypeIndependent).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	return n, nil
}

func (s *sqliteStore) CreatePayout(ctx context.Context, p models.Payout) (models.Payout, error) {
	if err := validatePayout(p); err != nil {
		return models.Payout{}, err
	}
	if p.PayoutID == "" {
		p.PayoutID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = models.PayoutStatusPending
	}
	now := time.Now().UTC().Unix()
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO payouts(payout_id, org_id, beneficiary_id, task_id, project_id, payout_type, gross_amount, net_amount, calculation_details, status, superseded, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		p.PayoutID, p.OrgID, p.BeneficiaryID, toNullI(p.TaskID), toNull(p.ProjectID), p.PayoutType,
		p.GrossAmount, p.NetAmount, p.CalculationDetails, p.Status, now)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Payout{}, fmt.Errorf("%w: live %s payout already exists", models.ErrConflict, p.PayoutType)
		}
		return models.Payout{}, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	p.CreatedAt = time.Unix(now, 0).UTC()
	return p, nil
}

// CreateSalesPayout inserts the commission payout and credits the project
// PM bonus pool in one transaction, so a crash between the two writes
// cannot leave the commission durable with the pool uncredited.
func (s *sqliteStore) CreateSalesPayout(ctx context.Context, p models.Payout, poolCredit float64) (models.Payout, error) {
	if err := validatePayout(p); err != nil {
		return models.Payout{}, err
	}
	if p.ProjectID == nil {
		return models.Payout{}, fmt.Errorf("%w: project_id required", models.ErrValidation)
	}
	if poolCredit < 0 {
		return models.Payout{}, fmt.Errorf("%w: pool credit must be >= 0", models.ErrValidation)
	}
	if p.PayoutID == "" {
		p.PayoutID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = models.PayoutStatusPending
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return models.Payout{}, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Unix()
	_, err = tx.ExecContext(ctx, `
INSERT INTO payouts(payout_id, org_id, beneficiary_id, task_id, project_id, payout_type, gross_amount, net_amount, calculation_details, status, superseded, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		p.PayoutID, p.OrgID, p.BeneficiaryID, toNullI(p.TaskID), toNull(p.ProjectID), p.PayoutType,
		p.GrossAmount, p.NetAmount, p.CalculationDetails, p.Status, now)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Payout{}, fmt.Errorf("%w: live %s payout already exists", models.ErrConflict, p.PayoutType)
		}
		return models.Payout{}, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	if poolCredit > 0 {
		res, err := tx.ExecContext(ctx, `UPDATE projects SET sales_bonus_pool = sales_bonus_pool + ? WHERE project_id = ?`, poolCredit, *p.ProjectID)
		if err != nil {
			return models.Payout{}, fmt.Errorf("%w: %v", models.ErrPersistence, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.Payout{}, fmt.Errorf("%w: project %s", models.ErrNotFound, *p.ProjectID)
		}
	}
	if err := tx.Commit(); err != nil {
		return models.Payout{}, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	p.CreatedAt = time.Unix(now, 0).UTC()
	return p, nil
}

// CreatePayoutSuperseding retires the current live payout for the same
// obligation and inserts the new one atomically.
func (s *sqliteStore) CreatePayoutSuperseding(ctx context.Context, p models.Payout) (models.Payout, error) {
	if err := validatePayout(p); err != nil {
		return models.Payout{}, err
	}
	if p.PayoutID == "" {
		p.PayoutID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = models.PayoutStatusPending
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return models.Payout{}, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback() }()

	if p.TaskID != nil {
		_, err = tx.ExecContext(ctx, `UPDATE payouts SET superseded=1 WHERE task_id=? AND payout_type=? AND superseded=0`, *p.TaskID, p.PayoutType)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE payouts SET superseded=1 WHERE project_id=? AND payout_type=? AND superseded=0`, *p.ProjectID, p.PayoutType)
	}
	if err != nil {
		return models.Payout{}, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}

	now := time.Now().UTC().Unix()
	_, err = tx.ExecContext(ctx, `
INSERT INTO payouts(payout_id, org_id, beneficiary_id, task_id, project_id, payout_type, gross_amount, net_amount, calculation_details, status, superseded, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		p.PayoutID, p.OrgID, p.BeneficiaryID, toNullI(p.TaskID), toNull(p.ProjectID), p.PayoutType,
		p.GrossAmount, p.NetAmount, p.CalculationDetails, p.Status, now)
	if err != nil {
		return models.Payout{}, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	if err := tx.Commit(); err != nil {
		return models.Payout{}, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	p.CreatedAt = time.Unix(now, 0).UTC()
	return p, nil
}

func validatePayout(p models.Payout) error {
	if p.OrgID == "" || p.BeneficiaryID == "" || p.PayoutType == "" {
		return fmt.Errorf("%w: org_id, beneficiary_id, payout_type required", models.ErrValidation)
	}
	if p.TaskID == nil && p.ProjectID == nil {
		return fmt.Errorf("%w: task_id or project_id required", models.ErrValidation)
	}
	if p.GrossAmount < 0 {
		return fmt.Errorf("%w: gross_amount must be >= 0", models.ErrValidation)
	}
	return nil
}

const payoutColumns = `payout_id, org_id, beneficiary_id, task_id, project_id, payout_type, gross_amount, net_amount, calculation_details, status, superseded, created_at`

func scanPayoutRow(row interface{ Scan(dest ...any) error }) (*models.Payout, error) {
	var (
		p         models.Payout
		taskID    sql.NullInt64
		projectID sql.NullString
		createdAt int64
	)
	err := row.Scan(&p.PayoutID, &p.OrgID, &p.BeneficiaryID, &taskID, &projectID, &p.PayoutType,
		&p.GrossAmount, &p.NetAmount, &p.CalculationDetails, &p.Status, &p.Superseded, &createdAt)
	if err != nil {
		return nil, err
	}
	if taskID.Valid {
		p.TaskID = &taskID.Int64
	}
	if projectID.Valid {
		p.ProjectID = &projectID.String
	}
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &p, nil
}

func (s *sqliteStore) GetLivePayout(ctx context.Context, taskID *int64, projectID *string, payoutType string) (*models.Payout, error) {
	var row *sql.Row
	switch {
	case taskID != nil:
		row = s.DB.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE task_id=? AND payout_type=? AND superseded=0`, *taskID, payoutType)
	case projectID != nil:
		row = s.DB.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE project_id=? AND payout_type=? AND superseded=0`, *projectID, payoutType)
	default:
		return nil, fmt.Errorf("%w: task_id or project_id required", models.ErrValidation)
	}
	p, err := scanPayoutRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	return p, nil
}

func (s *sqliteStore) ListPayoutsByTask(ctx context.Context, taskID int64) ([]models.Payout, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE task_id = ? ORDER BY created_at DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	defer func() { _ = rows.Close() }()
	var out []models.Payout
	for rows.Next() {
		p, err := scanPayoutRow(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrPersistence, err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListPayouts(ctx context.Context, orgID string, limit int) ([]models.Payout, error) {
	q := `SELECT ` + payoutColumns + ` FROM payouts WHERE org_id = ? ORDER BY created_at DESC`
	args := []any{orgID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	defer func() { _ = rows.Close() }()
	var out []models.Payout
	for rows.Next() {
		p, err := scanPayoutRow(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrPersistence, err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func toNull(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func toNullF(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func toNullB(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

func toNullI(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}

func toNullT(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}
