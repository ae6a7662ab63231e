// Package models provides shared types for the Orbit engine HTTP API and external tools.
// These types mirror the API JSON and are stable for use by other consumers.
package models

import "time"

// Organization is a tenant that owns tasks, projects, and settings.
type Organization struct {
	OrgID     string    `json:"org_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// OrganizationSettings are the compensation parameters owned by an organization.
// Payout engines snapshot these into calculation_details rather than re-reading
// live settings for historical audit.
type OrganizationSettings struct {
	OrgID string `json:"org_id"`

	// DefaultR is the worker share complement (0..1): employee pay is V*(1-r).
	DefaultR float64 `json:"default_r"`
	// QCBeta scales the first review pass marginal: d1 = beta * p0 * V.
	QCBeta float64 `json:"qc_beta"`
	// QCGamma is the geometric decay applied to later passes (0..1).
	QCGamma float64 `json:"qc_gamma"`
	// QCMaxPasses bounds how many review passes can ever be paid.
	QCMaxPasses int `json:"qc_max_passes"`

	PMProfitShareRate            float64 `json:"pm_profit_share_rate"`
	PMOverdraftPenaltyMultiplier float64 `json:"pm_overdraft_penalty_multiplier"`

	// Pickup bonus and sales decay constants, configurable per organization.
	PMPickupBonusShare     float64 `json:"pm_pickup_bonus_share"`
	PMPickupBonusDays      int     `json:"pm_pickup_bonus_days"`
	PMPickupBonusDecayRate float64 `json:"pm_pickup_bonus_decay_rate"`
	SalesCommissionRate    float64 `json:"sales_commission_rate"`
	SalesCommissionMaxDays int     `json:"sales_commission_max_days"`

	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// User is an organization member eligible for payouts.
type User struct {
	UserID    string    `json:"user_id"`
	OrgID     string    `json:"org_id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	Level     int       `json:"level"`
	// ShareOverride replaces the org DefaultR for this worker when set.
	ShareOverride *float64  `json:"share_override,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
}

// Project groups tasks under a PM and a sales originator, with a budget.
type Project struct {
	ProjectID   string     `json:"project_id"`
	OrgID       string     `json:"org_id"`
	Name        string     `json:"name"`
	Budget      float64    `json:"budget"`
	Spent       float64    `json:"spent"`
	PMUserID    *string    `json:"pm_user_id,omitempty"`
	SalesUserID *string    `json:"sales_user_id,omitempty"`
	// SalesBonusPool accumulates the undecayed remainder of sales commissions;
	// it feeds the PM payout's salesBonusContribution.
	SalesBonusPool float64    `json:"sales_bonus_pool"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	// PMPickedUpAt is when the PM took the project; drives the pickup bonus.
	PMPickedUpAt *time.Time `json:"pm_picked_up_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at,omitempty"`
}

// SubmissionArtifact is one deliverable attached to a task submission.
// Type is one of "file", "github_pr", or "url".
type SubmissionArtifact struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// Submission is the typed payload a worker attaches when submitting a task.
type Submission struct {
	Notes     string               `json:"notes,omitempty"`
	Artifacts []SubmissionArtifact `json:"artifacts,omitempty"`
}

// Task is a unit of paid work moving through the review state machine.
type Task struct {
	TaskID            int64       `json:"task_id"`
	OrgID             string      `json:"org_id"`
	ProjectID         *string     `json:"project_id,omitempty"`
	Title             string      `json:"title"`
	Description       string      `json:"description,omitempty"`
	Status            string      `json:"status"`
	DollarValue       float64     `json:"dollar_value"`
	UrgencyMultiplier float64     `json:"urgency_multiplier"`
	RequiredLevel     int         `json:"required_level"`
	AssigneeID        *string     `json:"assignee_id,omitempty"`
	Deadline          *time.Time  `json:"deadline,omitempty"`
	Submission        *Submission `json:"submission,omitempty"`
	// ResubmitCount counts rejected->in_progress loops.
	ResubmitCount int       `json:"resubmit_count,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

// QCReview is one review pass against a task. Append-only: never mutated or
// deleted after creation.
type QCReview struct {
	ReviewID   string     `json:"review_id"`
	TaskID     int64      `json:"task_id"`
	// ReviewerID is nil for the automated reviewer.
	ReviewerID *string    `json:"reviewer_id,omitempty"`
	ReviewType string     `json:"review_type"`
	Passed     *bool      `json:"passed,omitempty"`
	Confidence *float64   `json:"confidence,omitempty"`
	PassNumber int        `json:"pass_number"`
	Weight     float64    `json:"weight"`
	Feedback   string     `json:"feedback,omitempty"`
	CreatedAt  time.Time  `json:"created_at,omitempty"`
}

// Payout is a computed amount owed to a beneficiary for a task or project.
type Payout struct {
	PayoutID      string  `json:"payout_id"`
	OrgID         string  `json:"org_id"`
	BeneficiaryID string  `json:"beneficiary_id"`
	TaskID        *int64  `json:"task_id,omitempty"`
	ProjectID     *string `json:"project_id,omitempty"`
	PayoutType    string  `json:"payout_type"`
	GrossAmount   float64 `json:"gross_amount"`
	NetAmount     float64 `json:"net_amount"`
	// CalculationDetails is the JSON audit snapshot of every input and
	// intermediate the formula used.
	CalculationDetails string    `json:"calculation_details,omitempty"`
	Status             string    `json:"status"`
	Superseded         bool      `json:"superseded,omitempty"`
	CreatedAt          time.Time `json:"created_at,omitempty"`
}
