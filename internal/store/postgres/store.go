// Package postgres is the PostgreSQL implementation of store.Store, backed by
// a pgx connection pool.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/owenstuckman/orbit-engine/internal/store"
	"github.com/owenstuckman/orbit-engine/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the PostgreSQL implementation of store.Store.
type Store struct {
	Pool *pgxpool.Pool
}

// Open opens a PostgreSQL connection pool and runs migrations. dsn may be
// empty to use the DATABASE_URL env var.
func Open(dsn string) (store.Store, error) {
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return nil, errors.New("postgres DSN or DATABASE_URL required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 20
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	s := &Store{Pool: pool}
	if err := s.Migrate(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s == nil || s.Pool == nil {
		return nil
	}
	s.Pool.Close()
	return nil
}

// Migrate runs pending migrations (only those not already in schema_migrations).
func (s *Store) Migrate(ctx context.Context) error {
	applied := make(map[int]bool)
	rows, err := s.Pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var v int
			if err := rows.Scan(&v); err != nil {
				break
			}
			applied[v] = true
		}
	}

	type mig struct {
		version int
		name    string
		sql     string
	}
	var migs []mig
	files, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		v, err := strconv.Atoi(strings.SplitN(strings.TrimSuffix(f.Name(), ".sql"), "_", 2)[0])
		if err != nil {
			continue
		}
		if applied[v] {
			continue
		}
		body, _ := migrationsFS.ReadFile("migrations/" + f.Name())
		migs = append(migs, mig{v, f.Name(), string(body)})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].version < migs[j].version })

	for _, m := range migs {
		if _, err := s.Pool.Exec(ctx, m.sql); err != nil && !strings.Contains(err.Error(), "already exists") {
			return err
		}
		if _, err := s.Pool.Exec(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES($1, $2) ON CONFLICT (version) DO NOTHING`, m.version, time.Now().Unix()); err != nil {
			return err
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func wrapErr(err error) error {
	return fmt.Errorf("%w: %v", models.ErrPersistence, err)
}

func (s *Store) CreateOrganization(ctx context.Context, name string) (models.Organization, error) {
	if name == "" {
		return models.Organization{}, fmt.Errorf("%w: organization name required", models.ErrValidation)
	}
	id := uuid.NewString()
	now := time.Now().UTC().Unix()
	_, err := s.Pool.Exec(ctx, `INSERT INTO organizations(org_id, name, created_at) VALUES($1, $2, $3)`, id, name, now)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Organization{}, fmt.Errorf("%w: organization %q exists", models.ErrConflict, name)
		}
		return models.Organization{}, wrapErr(err)
	}
	if err := s.PutSettings(ctx, store.DefaultSettings(id)); err != nil {
		return models.Organization{}, err
	}
	return models.Organization{OrgID: id, Name: name, CreatedAt: time.Unix(now, 0).UTC()}, nil
}

func (s *Store) GetOrganization(ctx context.Context, orgID string) (models.Organization, error) {
	var o models.Organization
	var createdAt int64
	err := s.Pool.QueryRow(ctx, `SELECT org_id, name, created_at FROM organizations WHERE org_id = $1`, orgID).
		Scan(&o.OrgID, &o.Name, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Organization{}, fmt.Errorf("%w: organization %s", models.ErrNotFound, orgID)
		}
		return models.Organization{}, wrapErr(err)
	}
	o.CreatedAt = time.Unix(createdAt, 0).UTC()
	return o, nil
}

func (s *Store) GetSettings(ctx context.Context, orgID string) (models.OrganizationSettings, error) {
	var st models.OrganizationSettings
	var updatedAt int64
	err := s.Pool.QueryRow(ctx, `
SELECT org_id, default_r, qc_beta, qc_gamma, qc_max_passes, pm_profit_share_rate, pm_overdraft_penalty_multiplier,
       pm_pickup_bonus_share, pm_pickup_bonus_days, pm_pickup_bonus_decay_rate, sales_commission_rate, sales_commission_max_days, updated_at
FROM org_settings WHERE org_id = $1`, orgID).Scan(
		&st.OrgID, &st.DefaultR, &st.QCBeta, &st.QCGamma, &st.QCMaxPasses,
		&st.PMProfitShareRate, &st.PMOverdraftPenaltyMultiplier,
		&st.PMPickupBonusShare, &st.PMPickupBonusDays, &st.PMPickupBonusDecayRate,
		&st.SalesCommissionRate, &st.SalesCommissionMaxDays, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.OrganizationSettings{}, fmt.Errorf("%w: settings for org %s", models.ErrNotFound, orgID)
		}
		return models.OrganizationSettings{}, wrapErr(err)
	}
	st.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return st, nil
}

func (s *Store) PutSettings(ctx context.Context, st models.OrganizationSettings) error {
	if st.OrgID == "" {
		return fmt.Errorf("%w: org_id required", models.ErrValidation)
	}
	if err := store.ValidateSettings(st); err != nil {
		return err
	}
	now := time.Now().UTC().Unix()
	_, err := s.Pool.Exec(ctx, `
INSERT INTO org_settings(org_id, default_r, qc_beta, qc_gamma, qc_max_passes, pm_profit_share_rate, pm_overdraft_penalty_multiplier,
  pm_pickup_bonus_share, pm_pickup_bonus_days, pm_pickup_bonus_decay_rate, sales_commission_rate, sales_commission_max_days, updated_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (org_id) DO UPDATE SET
  default_r=EXCLUDED.default_r, qc_beta=EXCLUDED.qc_beta, qc_gamma=EXCLUDED.qc_gamma,
  qc_max_passes=EXCLUDED.qc_max_passes, pm_profit_share_rate=EXCLUDED.pm_profit_share_rate,
  pm_overdraft_penalty_multiplier=EXCLUDED.pm_overdraft_penalty_multiplier,
  pm_pickup_bonus_share=EXCLUDED.pm_pickup_bonus_share, pm_pickup_bonus_days=EXCLUDED.pm_pickup_bonus_days,
  pm_pickup_bonus_decay_rate=EXCLUDED.pm_pickup_bonus_decay_rate,
  sales_commission_rate=EXCLUDED.sales_commission_rate, sales_commission_max_days=EXCLUDED.sales_commission_max_days,
  updated_at=EXCLUDED.updated_at`,
		st.OrgID, st.DefaultR, st.QCBeta, st.QCGamma, st.QCMaxPasses,
		st.PMProfitShareRate, st.PMOverdraftPenaltyMultiplier,
		st.PMPickupBonusShare, st.PMPickupBonusDays, st.PMPickupBonusDecayRate,
		st.SalesCommissionRate, st.SalesCommissionMaxDays, now)
	if err != nil {
		return wrapErr(err)
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, u models.User) (models.User, error) {
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
	_, err := s.Pool.Exec(ctx, `INSERT INTO users(user_id, org_id, name, role, level, share_override, created_at) VALUES($1, $2, $3, $4, $5, $6, $7)`,
		u.UserID, u.OrgID, u.Name, u.Role, u.Level, u.ShareOverride, now)
	if err != nil {
		return models.User{}, wrapErr(err)
	}
	u.CreatedAt = time.Unix(now, 0).UTC()
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (models.User, error) {
	var u models.User
	var createdAt int64
	err := s.Pool.QueryRow(ctx, `SELECT user_id, org_id, name, role, level, share_override, created_at FROM users WHERE user_id = $1`, userID).
		Scan(&u.UserID, &u.OrgID, &u.Name, &u.Role, &u.Level, &u.ShareOverride, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, fmt.Errorf("%w: user %s", models.ErrNotFound, userID)
		}
		return models.User{}, wrapErr(err)
	}
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	return u, nil
}

func (s *Store) CreateProject(ctx context.Context, p models.Project) (models.Project, error) {
	if p.OrgID == "" || p.Name == "" {
		return models.Project{}, fmt.Errorf("%w: org_id and name required", models.ErrValidation)
	}
	if p.ProjectID == "" {
		p.ProjectID = uuid.NewString()
	}
	now := time.Now().UTC().Unix()
	_, err := s.Pool.Exec(ctx, `
INSERT INTO projects(project_id, org_id, name, budget, spent, pm_user_id, sales_user_id, sales_bonus_pool, deadline, pm_picked_up_at, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ProjectID, p.OrgID, p.Name, p.Budget, p.Spent, p.PMUserID, p.SalesUserID,
		p.SalesBonusPool, unixPtr(p.Deadline), unixPtr(p.PMPickedUpAt), now)
	if err != nil {
		return models.Project{}, wrapErr(err)
	}
	p.CreatedAt = time.Unix(now, 0).UTC()
	return p, nil
}

func (s *Store) GetProject(ctx context.Context, projectID string) (models.Project, error) {
	var p models.Project
	var deadline, pickedUp *int64
	var createdAt int64
	err := s.Pool.QueryRow(ctx, `
SELECT project_id, org_id, name, budget, spent, pm_user_id, sales_user_id, sales_bonus_pool, deadline, pm_picked_up_at, created_at
FROM projects WHERE project_id = $1`, projectID).Scan(
		&p.ProjectID, &p.OrgID, &p.Name, &p.Budget, &p.Spent, &p.PMUserID, &p.SalesUserID,
		&p.SalesBonusPool, &deadline, &pickedUp, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Project{}, fmt.Errorf("%w: project %s", models.ErrNotFound, projectID)
		}
		return models.Project{}, wrapErr(err)
	}
	p.Deadline = timePtr(deadline)
	p.PMPickedUpAt = timePtr(pickedUp)
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	return p, nil
}

func (s *Store) CreateTask(ctx context.Context, t models.Task) (int64, error) {
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
	var id int64
	err := s.Pool.QueryRow(ctx, `
INSERT INTO tasks(org_id, project_id, title, description, status, dollar_value, urgency_multiplier, required_level, assignee_id, deadline, created_at, updated_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING task_id`,
		t.OrgID, t.ProjectID, t.Title, t.Description, t.Status, t.DollarValue, t.UrgencyMultiplier,
		t.RequiredLevel, t.AssigneeID, unixPtr(t.Deadline), now, now).Scan(&id)
	if err != nil {
		return 0, wrapErr(err)
	}
	return id, nil
}

const taskColumns = `task_id, org_id, project_id, title, description, status, dollar_value, urgency_multiplier, required_level, assignee_id, deadline, submission, resubmit_count, created_at, updated_at`

func scanTask(row pgx.Row) (*models.Task, error) {
	var (
		t          models.Task
		deadline   *int64
		submission *string
		createdAt  int64
		updatedAt  int64
	)
	err := row.Scan(&t.TaskID, &t.OrgID, &t.ProjectID, &t.Title, &t.Description, &t.Status,
		&t.DollarValue, &t.UrgencyMultiplier, &t.RequiredLevel, &t.AssigneeID, &deadline,
		&submission, &t.ResubmitCount, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Deadline = timePtr(deadline)
	if submission != nil && *submission != "" {
		var sub models.Submission
		if jsonErr := json.Unmarshal([]byte(*submission), &sub); jsonErr == nil {
			t.Submission = &sub
		}
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &t, nil
}

func (s *Store) GetTask(ctx context.Context, taskID int64) (*models.Task, error) {
	t, err := scanTask(s.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: task %d", models.ErrNotFound, taskID)
		}
		return nil, wrapErr(err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, orgID, status string, limit int) ([]models.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE org_id = $1`
	args := []any{orgID}
	if status != "" {
		q += ` AND status = $2`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, wrapErr(err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Store) AcceptTask(ctx context.Context, taskID int64, assigneeID string) (bool, error) {
	now := time.Now().UTC().Unix()
	tag, err := s.Pool.Exec(ctx,
		`UPDATE tasks SET status='assigned', assignee_id=$1, updated_at=$2 WHERE task_id=$3 AND status='open'`,
		assigneeID, now, taskID)
	if err != nil {
		return false, wrapErr(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) TransitionTask(ctx context.Context, taskID int64, from, to string) (bool, error) {
	now := time.Now().UTC().Unix()
	tag, err := s.Pool.Exec(ctx,
		`UPDATE tasks SET status=$1, updated_at=$2 WHERE task_id=$3 AND status=$4`,
		to, now, taskID, from)
	if err != nil {
		return false, wrapErr(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) SubmitTask(ctx context.Context, taskID int64, submissionJSON string, review models.QCReview) (models.QCReview, bool, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return models.QCReview{}, false, wrapErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC().Unix()
	tag, err := tx.Exec(ctx,
		`UPDATE tasks SET status=$1, submission=$2, updated_at=$3 WHERE task_id=$4 AND status=$5`,
		models.StatusUnderReview, submissionJSON, now, taskID, models.StatusInProgress)
	if err != nil {
		return models.QCReview{}, false, wrapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return models.QCReview{}, false, nil
	}

	existing, err := scanReview(tx.QueryRow(ctx, `SELECT `+reviewColumns+` FROM qc_reviews WHERE task_id = $1 AND review_type = 'automated'`, taskID))
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return models.QCReview{}, false, wrapErr(err)
		}
		return *existing, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.QCReview{}, false, wrapErr(err)
	}

	if review.ReviewID == "" {
		review.ReviewID = uuid.NewString()
	}
	review.TaskID = taskID
	review.ReviewType = models.ReviewTypeAutomated
	review.PassNumber = 0
	review.Weight = 0
	_, err = tx.Exec(ctx, `
INSERT INTO qc_reviews(review_id, task_id, reviewer_id, review_type, passed, confidence, pass_number, weight, feedback, created_at)
VALUES($1, $2, NULL, $3, $4, $5, 0, 0, $6, $7)`,
		review.ReviewID, taskID, review.ReviewType, review.Passed, review.Confidence, review.Feedback, now)
	if err != nil {
		if isUniqueViolation(err) {
			return models.QCReview{}, false, fmt.Errorf("%w: automated review raced", models.ErrConflict)
		}
		return models.QCReview{}, false, wrapErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.QCReview{}, false, wrapErr(err)
	}
	review.CreatedAt = time.Unix(now, 0).UTC()
	return review, true, nil
}

func (s *Store) RecordVerdict(ctx context.Context, taskID int64, r models.QCReview, to string) (models.QCReview, bool, error) {
	if r.ReviewType == "" || r.ReviewType == models.ReviewTypeAutomated {
		return models.QCReview{}, false, fmt.Errorf("%w: human review_type required", models.ErrValidation)
	}
	if r.ReviewID == "" {
		r.ReviewID = uuid.NewString()
	}
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return models.QCReview{}, false, wrapErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC().Unix()
	tag, err := tx.Exec(ctx,
		`UPDATE tasks SET status=$1, updated_at=$2 WHERE task_id=$3 AND status=$4`,
		to, now, taskID, models.StatusUnderReview)
	if err != nil {
		return models.QCReview{}, false, wrapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return models.QCReview{}, false, nil
	}

	_, err = tx.Exec(ctx, `
INSERT INTO qc_reviews(review_id, task_id, reviewer_id, review_type, passed, confidence, pass_number, weight, feedback, created_at)
SELECT $1, $2, $3, $4, $5, $6, COALESCE(MAX(pass_number), 0) + 1, $7, $8, $9
FROM qc_reviews WHERE task_id = $2`,
		r.ReviewID, taskID, r.ReviewerID, r.ReviewType, r.Passed, r.Confidence, r.Weight, r.Feedback, now)
	if err != nil {
		if isUniqueViolation(err) {
			return models.QCReview{}, false, fmt.Errorf("%w: concurrent review for task %d", models.ErrConflict, taskID)
		}
		return models.QCReview{}, false, wrapErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.QCReview{}, false, wrapErr(err)
	}
	out, err := scanReview(s.Pool.QueryRow(ctx, `SELECT `+reviewColumns+` FROM qc_reviews WHERE review_id = $1`, r.ReviewID))
	if err != nil {
		return models.QCReview{}, false, wrapErr(err)
	}
	return *out, true, nil
}

func (s *Store) ReopenTask(ctx context.Context, taskID int64) (bool, error) {
	now := time.Now().UTC().Unix()
	tag, err := s.Pool.Exec(ctx,
		`UPDATE tasks SET status=$1, resubmit_count=resubmit_count+1, updated_at=$2 WHERE task_id=$3 AND status=$4`,
		models.StatusInProgress, now, taskID, models.StatusRejected)
	if err != nil {
		return false, wrapErr(err)
	}
	return tag.RowsAffected() > 0, nil
}

const reviewColumns = `review_id, task_id, reviewer_id, review_type, passed, confidence, pass_number, weight, feedback, created_at`

func scanReview(row pgx.Row) (*models.QCReview, error) {
	var r models.QCReview
	var createdAt int64
	err := row.Scan(&r.ReviewID, &r.TaskID, &r.ReviewerID, &r.ReviewType, &r.Passed, &r.Confidence,
		&r.PassNumber, &r.Weight, &r.Feedback, &createdAt)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &r, nil
}

func (s *Store) CreateHumanReview(ctx context.Context, r models.QCReview) (models.QCReview, error) {
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
	_, err := s.Pool.Exec(ctx, `
INSERT INTO qc_reviews(review_id, task_id, reviewer_id, review_type, passed, confidence, pass_number, weight, feedback, created_at)
SELECT $1, $2, $3, $4, $5, $6, COALESCE(MAX(pass_number), 0) + 1, $7, $8, $9
FROM qc_reviews WHERE task_id = $2`,
		r.ReviewID, r.TaskID, r.ReviewerID, r.ReviewType, r.Passed, r.Confidence, r.Weight, r.Feedback, now)
	if err != nil {
		if isUniqueViolation(err) {
			return models.QCReview{}, fmt.Errorf("%w: concurrent review for task %d", models.ErrConflict, r.TaskID)
		}
		return models.QCReview{}, wrapErr(err)
	}
	out, err := scanReview(s.Pool.QueryRow(ctx, `SELECT `+reviewColumns+` FROM qc_reviews WHERE review_id = $1`, r.ReviewID))
	if err != nil {
		return models.QCReview{}, wrapErr(err)
	}
	return *out, nil
}

func (s *Store) GetAutomatedReview(ctx context.Context, taskID int64) (*models.QCReview, error) {
	r, err := scanReview(s.Pool.QueryRow(ctx, `SELECT `+reviewColumns+` FROM qc_reviews WHERE task_id = $1 AND review_type = 'automated'`, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapErr(err)
	}
	return r, nil
}

func (s *Store) ListReviews(ctx context.Context, taskID int64) ([]models.QCReview, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+reviewColumns+` FROM qc_reviews WHERE task_id = $1 ORDER BY pass_number ASC, created_at ASC`, taskID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []models.QCReview
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, wrapErr(err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) CountFailedIndependentReviews(ctx context.Context, taskID int64) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM qc_reviews WHERE task_id = $1 AND review_type = $2 AND passed = FALSE`,
		taskID, models.ReviewTypeIndependent).Scan(&n)
	if err != nil {
		return 0, wrapErr(err)
	}
	return n, nil
}

const payoutColumns = `payout_id, org_id, beneficiary_id, task_id, project_id, payout_type, gross_amount, net_amount, calculation_details, status, superseded, created_at`

func scanPayout(row pgx.Row) (*models.Payout, error) {
	var p models.Payout
	var createdAt int64
	err := row.Scan(&p.PayoutID, &p.OrgID, &p.BeneficiaryID, &p.TaskID, &p.ProjectID, &p.PayoutType,
		&p.GrossAmount, &p.NetAmount, &p.CalculationDetails, &p.Status, &p.Superseded, &createdAt)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &p, nil
}

func (s *Store) CreatePayout(ctx context.Context, p models.Payout) (models.Payout, error) {
	if p.OrgID == "" || p.BeneficiaryID == "" || p.PayoutType == "" {
		return models.Payout{}, fmt.Errorf("%w: org_id, beneficiary_id, payout_type required", models.ErrValidation)
	}
	if p.TaskID == nil && p.ProjectID == nil {
		return models.Payout{}, fmt.Errorf("%w: task_id or project_id required", models.ErrValidation)
	}
	if p.GrossAmount < 0 {
		return models.Payout{}, fmt.Errorf("%w: gross_amount must be >= 0", models.ErrValidation)
	}
	if p.PayoutID == "" {
		p.PayoutID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = models.PayoutStatusPending
	}
	now := time.Now().UTC().Unix()
	_, err := s.Pool.Exec(ctx, `
INSERT INTO payouts(payout_id, org_id, beneficiary_id, task_id, project_id, payout_type, gross_amount, net_amount, calculation_details, status, superseded, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, $11)`,
		p.PayoutID, p.OrgID, p.BeneficiaryID, p.TaskID, p.ProjectID, p.PayoutType,
		p.GrossAmount, p.NetAmount, p.CalculationDetails, p.Status, now)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Payout{}, fmt.Errorf("%w: live %s payout already exists", models.ErrConflict, p.PayoutType)
		}
		return models.Payout{}, wrapErr(err)
	}
	p.CreatedAt = time.Unix(now, 0).UTC()
	return p, nil
}

// CreateSalesPayout inserts the commission payout and credits the project
// PM bonus pool in one transaction.
func (s *Store) CreateSalesPayout(ctx context.Context, p models.Payout, poolCredit float64) (models.Payout, error) {
	if p.OrgID == "" || p.BeneficiaryID == "" || p.PayoutType == "" {
		return models.Payout{}, fmt.Errorf("%w: org_id, beneficiary_id, payout_type required", models.ErrValidation)
	}
	if p.ProjectID == nil {
		return models.Payout{}, fmt.Errorf("%w: project_id required", models.ErrValidation)
	}
	if p.GrossAmount < 0 || poolCredit < 0 {
		return models.Payout{}, fmt.Errorf("%w: gross_amount and pool credit must be >= 0", models.ErrValidation)
	}
	if p.PayoutID == "" {
		p.PayoutID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = models.PayoutStatusPending
	}
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return models.Payout{}, wrapErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC().Unix()
	_, err = tx.Exec(ctx, `
INSERT INTO payouts(payout_id, org_id, beneficiary_id, task_id, project_id, payout_type, gross_amount, net_amount, calculation_details, status, superseded, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, $11)`,
		p.PayoutID, p.OrgID, p.BeneficiaryID, p.TaskID, p.ProjectID, p.PayoutType,
		p.GrossAmount, p.NetAmount, p.CalculationDetails, p.Status, now)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Payout{}, fmt.Errorf("%w: live %s payout already exists", models.ErrConflict, p.PayoutType)
		}
		return models.Payout{}, wrapErr(err)
	}
	if poolCredit > 0 {
		tag, err := tx.Exec(ctx, `UPDATE projects SET sales_bonus_pool = sales_bonus_pool + $1 WHERE project_id = $2`, poolCredit, *p.ProjectID)
		if err != nil {
			return models.Payout{}, wrapErr(err)
		}
		if tag.RowsAffected() == 0 {
			return models.Payout{}, fmt.Errorf("%w: project %s", models.ErrNotFound, *p.ProjectID)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Payout{}, wrapErr(err)
	}
	p.CreatedAt = time.Unix(now, 0).UTC()
	return p, nil
}

func (s *Store) CreatePayoutSuperseding(ctx context.Context, p models.Payout) (models.Payout, error) {
	if p.TaskID == nil && p.ProjectID == nil {
		return models.Payout{}, fmt.Errorf("%w: task_id or project_id required", models.ErrValidation)
	}
	if p.PayoutID == "" {
		p.PayoutID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = models.PayoutStatusPending
	}
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return models.Payout{}, wrapErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if p.TaskID != nil {
		_, err = tx.Exec(ctx, `UPDATE payouts SET superseded=TRUE WHERE task_id=$1 AND payout_type=$2 AND superseded=FALSE`, *p.TaskID, p.PayoutType)
	} else {
		_, err = tx.Exec(ctx, `UPDATE payouts SET superseded=TRUE WHERE project_id=$1 AND payout_type=$2 AND superseded=FALSE`, *p.ProjectID, p.PayoutType)
	}
	if err != nil {
		return models.Payout{}, wrapErr(err)
	}

	now := time.Now().UTC().Unix()
	_, err = tx.Exec(ctx, `
INSERT INTO payouts(payout_id, org_id, beneficiary_id, task_id, project_id, payout_type, gross_amount, net_amount, calculation_details, status, superseded, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, $11)`,
		p.PayoutID, p.OrgID, p.BeneficiaryID, p.TaskID, p.ProjectID, p.PayoutType,
		p.GrossAmount, p.NetAmount, p.CalculationDetails, p.Status, now)
	if err != nil {
		return models.Payout{}, wrapErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Payout{}, wrapErr(err)
	}
	p.CreatedAt = time.Unix(now, 0).UTC()
	return p, nil
}

func (s *Store) GetLivePayout(ctx context.Context, taskID *int64, projectID *string, payoutType string) (*models.Payout, error) {
	var row pgx.Row
	switch {
	case taskID != nil:
		row = s.Pool.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE task_id=$1 AND payout_type=$2 AND superseded=FALSE`, *taskID, payoutType)
	case projectID != nil:
		row = s.Pool.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE project_id=$1 AND payout_type=$2 AND superseded=FALSE`, *projectID, payoutType)
	default:
		return nil, fmt.Errorf("%w: task_id or project_id required", models.ErrValidation)
	}
	p, err := scanPayout(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapErr(err)
	}
	return p, nil
}

func (s *Store) ListPayoutsByTask(ctx context.Context, taskID int64) ([]models.Payout, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE task_id = $1 ORDER BY created_at DESC`, taskID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []models.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, wrapErr(err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *Store) ListPayouts(ctx context.Context, orgID string, limit int) ([]models.Payout, error) {
	q := `SELECT ` + payoutColumns + ` FROM payouts WHERE org_id = $1 ORDER BY created_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.Pool.Query(ctx, q, orgID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []models.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, wrapErr(err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func unixPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	u := t.UTC().Unix()
	return &u
}

func timePtr(u *int64) *time.Time {
	if u == nil {
		return nil
	}
	t := time.Unix(*u, 0).UTC()
	return &t
}
