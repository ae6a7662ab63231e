// Package payout implements the five role payout engines. Each engine reads
// a single settings snapshot, computes its formula, and records one pending
// payout with the full calculation captured in calculation_details. Invoking
// an engine again for a satisfied obligation returns the existing live payout
// instead of creating a duplicate.
package payout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/owenstuckman/orbit-engine/internal/confidence"
	"github.com/owenstuckman/orbit-engine/internal/otel"
	"github.com/owenstuckman/orbit-engine/internal/qc"
	"github.com/owenstuckman/orbit-engine/internal/shapley"
	"github.com/owenstuckman/orbit-engine/internal/store"
	"github.com/owenstuckman/orbit-engine/pkg/models"
)

// Publisher receives payout events (satisfied by the SSE hub).
type Publisher interface {
	PublishJSON(v any)
}

// Engine computes and records payouts.
type Engine struct {
	Store  store.Store
	Ledger *qc.Ledger
	Events Publisher // optional
}

// Calculate runs the engine for payoutType. Employee and qc are task-scoped
// and take taskID; pm, pm_bonus, and sales are project-scoped and take
// projectID. If a live payout for the obligation already exists it is
// returned unchanged.
func (e *Engine) Calculate(ctx context.Context, payoutType string, taskID *int64, projectID *string) (models.Payout, error) {
	switch payoutType {
	case models.PayoutTypeEmployee:
		if taskID == nil {
			return models.Payout{}, fmt.Errorf("%w: task_id required for employee payout", models.ErrValidation)
		}
		return e.Employee(ctx, *taskID)
	case models.PayoutTypeQC:
		if taskID == nil {
			return models.Payout{}, fmt.Errorf("%w: task_id required for qc payout", models.ErrValidation)
		}
		return e.QC(ctx, *taskID)
	case models.PayoutTypePM:
		if projectID == nil {
			return models.Payout{}, fmt.Errorf("%w: project_id required for pm payout", models.ErrValidation)
		}
		return e.PM(ctx, *projectID)
	case models.PayoutTypePMBonus:
		if projectID == nil {
			return models.Payout{}, fmt.Errorf("%w: project_id required for pm_bonus payout", models.ErrValidation)
		}
		return e.PMBonus(ctx, *projectID)
	case models.PayoutTypeSales:
		if projectID == nil {
			return models.Payout{}, fmt.Errorf("%w: project_id required for sales payout", models.ErrValidation)
		}
		return e.Sales(ctx, *projectID)
	default:
		return models.Payout{}, fmt.Errorf("%w: unknown payout type %q", models.ErrValidation, payoutType)
	}
}

// Recalculate computes the formula fresh and supersedes the current live
// payout for the obligation in one transaction.
func (e *Engine) Recalculate(ctx context.Context, payoutType string, taskID *int64, projectID *string) (models.Payout, error) {
	p, err := e.build(ctx, payoutType, taskID, projectID)
	if err != nil {
		return models.Payout{}, err
	}
	created, err := e.Store.CreatePayoutSuperseding(ctx, p)
	if err != nil {
		return models.Payout{}, err
	}
	e.published(ctx, created)
	return created, nil
}

// build computes the payout row without persisting it.
func (e *Engine) build(ctx context.Context, payoutType string, taskID *int64, projectID *string) (models.Payout, error) {
	switch payoutType {
	case models.PayoutTypeEmployee:
		if taskID == nil {
			return models.Payout{}, fmt.Errorf("%w: task_id required", models.ErrValidation)
		}
		return e.buildEmployee(ctx, *taskID)
	case models.PayoutTypeQC:
		if taskID == nil {
			return models.Payout{}, fmt.Errorf("%w: task_id required", models.ErrValidation)
		}
		return e.buildQC(ctx, *taskID)
	case models.PayoutTypePM:
		if projectID == nil {
			return models.Payout{}, fmt.Errorf("%w: project_id required", models.ErrValidation)
		}
		return e.buildPM(ctx, *projectID)
	case models.PayoutTypePMBonus:
		if projectID == nil {
			return models.Payout{}, fmt.Errorf("%w: project_id required", models.ErrValidation)
		}
		return e.buildPMBonus(ctx, *projectID)
	case models.PayoutTypeSales:
		if projectID == nil {
			return models.Payout{}, fmt.Errorf("%w: project_id required", models.ErrValidation)
		}
		p, _, err := e.buildSales(ctx, *projectID)
		return p, err
	default:
		return models.Payout{}, fmt.Errorf("%w: unknown payout type %q", models.ErrValidation, payoutType)
	}
}

// persist inserts the payout; on a conflict with an existing live payout the
// existing row is returned instead.
func (e *Engine) persist(ctx context.Context, p models.Payout) (models.Payout, error) {
	created, err := e.Store.CreatePayout(ctx, p)
	if err == nil {
		e.published(ctx, created)
		return created, nil
	}
	if !errors.Is(err, models.ErrConflict) {
		return models.Payout{}, err
	}
	existing, gerr := e.Store.GetLivePayout(ctx, p.TaskID, p.ProjectID, p.PayoutType)
	if gerr != nil {
		return models.Payout{}, gerr
	}
	if existing == nil {
		return models.Payout{}, err
	}
	return *existing, nil
}

func (e *Engine) published(ctx context.Context, p models.Payout) {
	slog.Info("payout recorded", "payout_id", p.PayoutID, "type", p.PayoutType, "beneficiary", p.BeneficiaryID, "amount", p.GrossAmount)
	otel.RecordPayout(ctx, p.OrgID, p.PayoutType, p.GrossAmount)
	if e.Events != nil {
		e.Events.PublishJSON(map[string]any{
			"type":        "payout_computed",
			"payout_id":   p.PayoutID,
			"payout_type": p.PayoutType,
			"amount":      p.GrossAmount,
		})
	}
}

func marshalDetails(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `{"error":"details marshal failed"}`
	}
	return string(b)
}

// taskForPayout loads a task and checks it has reached a payable state.
func (e *Engine) taskForPayout(ctx context.Context, taskID int64) (*models.Task, models.OrganizationSettings, error) {
	task, err := e.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, models.OrganizationSettings{}, err
	}
	if task.Status != models.StatusApproved && task.Status != models.StatusPaid {
		return nil, models.OrganizationSettings{}, fmt.Errorf("%w: task %d is %s, payouts require approval", models.ErrConflict, taskID, task.Status)
	}
	settings, err := e.Store.GetSettings(ctx, task.OrgID)
	if err != nil {
		return nil, models.OrganizationSettings{}, err
	}
	return task, settings, nil
}

type employeeDetails struct {
	Formula     string                      `json:"formula"`
	V           float64                     `json:"v"`
	R           float64                     `json:"r"`
	RSource     string                      `json:"r_source"`
	Urgency     float64                     `json:"urgency_multiplier"`
	WorkerShare float64                     `json:"worker_share"`
	Amount      float64                     `json:"amount"`
	Settings    models.OrganizationSettings `json:"settings_snapshot"`
}

func (e *Engine) buildEmployee(ctx context.Context, taskID int64) (models.Payout, error) {
	task, settings, err := e.taskForPayout(ctx, taskID)
	if err != nil {
		return models.Payout{}, err
	}
	if task.AssigneeID == nil {
		return models.Payout{}, fmt.Errorf("%w: task %d has no assignee", models.ErrConflict, taskID)
	}
	worker, err := e.Store.GetUser(ctx, *task.AssigneeID)
	if err != nil {
		return models.Payout{}, err
	}
	r := settings.DefaultR
	rSource := "org_default"
	if worker.ShareOverride != nil {
		r = *worker.ShareOverride
		rSource = "worker_override"
	}
	amount := task.DollarValue * (1 - r) * task.UrgencyMultiplier
	d := employeeDetails{
		Formula:     "employee: V * (1 - r) * urgency_multiplier",
		V:           task.DollarValue,
		R:           r,
		RSource:     rSource,
		Urgency:     task.UrgencyMultiplier,
		WorkerShare: 1 - r,
		Amount:      amount,
		Settings:    settings,
	}
	return models.Payout{
		OrgID:              task.OrgID,
		BeneficiaryID:      worker.UserID,
		TaskID:             &task.TaskID,
		PayoutType:         models.PayoutTypeEmployee,
		GrossAmount:        amount,
		NetAmount:          amount,
		CalculationDetails: marshalDetails(d),
		Status:             models.PayoutStatusPending,
	}, nil
}

// Employee pays the assignee their share of the task value.
func (e *Engine) Employee(ctx context.Context, taskID int64) (models.Payout, error) {
	p, err := e.buildEmployee(ctx, taskID)
	if err != nil {
		return models.Payout{}, err
	}
	return e.persist(ctx, p)
}

type qcDetails struct {
	Formula    string                      `json:"formula"`
	V          float64                     `json:"v"`
	V0         float64                     `json:"v0"`
	P0         float64                     `json:"p0"`
	P0Source   string                      `json:"p0_source"`
	Beta       float64                     `json:"beta"`
	Gamma      float64                     `json:"gamma"`
	MaxPasses  int                         `json:"max_passes"`
	PassCount  int                         `json:"pass_count"`
	Marginals  []float64                   `json:"marginals"`
	RawTotal   float64                     `json:"raw_total"`
	Alpha      float64                     `json:"alpha"`
	Normalized bool                        `json:"normalized"`
	Amount     float64                     `json:"amount"`
	Settings   models.OrganizationSettings `json:"settings_snapshot"`
}

func (e *Engine) buildQC(ctx context.Context, taskID int64) (models.Payout, error) {
	task, settings, err := e.taskForPayout(ctx, taskID)
	if err != nil {
		return models.Payout{}, err
	}
	reviewer, err := e.Ledger.LatestHumanReviewer(ctx, taskID)
	if err != nil {
		return models.Payout{}, err
	}
	if reviewer == nil {
		return models.Payout{}, fmt.Errorf("%w: task %d has no human review on record", models.ErrConflict, taskID)
	}
	passCount, err := e.Ledger.PassCount(ctx, taskID)
	if err != nil {
		return models.Payout{}, err
	}
	p0 := confidence.DefaultScore
	p0Source := "default"
	if auto, err := e.Ledger.AutomatedReview(ctx, taskID); err != nil {
		return models.Payout{}, err
	} else if auto != nil && auto.Confidence != nil {
		p0 = *auto.Confidence
		p0Source = "automated_review"
	}
	params := shapley.Params{
		V:         task.DollarValue,
		V0:        task.DollarValue * settings.DefaultR,
		P0:        p0,
		Beta:      settings.QCBeta,
		Gamma:     settings.QCGamma,
		MaxPasses: settings.QCMaxPasses,
	}
	res := shapley.Compute(params)
	amount := shapley.PayoutForPasses(params, passCount)
	d := qcDetails{
		Formula:    "qc: sum of normalized geometric marginals for pass_count passes",
		V:          params.V,
		V0:         params.V0,
		P0:         p0,
		P0Source:   p0Source,
		Beta:       params.Beta,
		Gamma:      params.Gamma,
		MaxPasses:  params.MaxPasses,
		PassCount:  passCount,
		Marginals:  res.Marginals,
		RawTotal:   res.RawTotal,
		Alpha:      res.Alpha,
		Normalized: res.Normalized,
		Amount:     amount,
		Settings:   settings,
	}
	return models.Payout{
		OrgID:              task.OrgID,
		BeneficiaryID:      *reviewer,
		TaskID:             &task.TaskID,
		PayoutType:         models.PayoutTypeQC,
		GrossAmount:        amount,
		NetAmount:          amount,
		CalculationDetails: marshalDetails(d),
		Status:             models.PayoutStatusPending,
	}, nil
}

// QC pays the reviewer the marginal value of the passes recorded so far.
func (e *Engine) QC(ctx context.Context, taskID int64) (models.Payout, error) {
	p, err := e.buildQC(ctx, taskID)
	if err != nil {
		return models.Payout{}, err
	}
	return e.persist(ctx, p)
}

type pmDetails struct {
	Formula           string                      `json:"formula"`
	Budget            float64                     `json:"budget"`
	Spent             float64                     `json:"spent"`
	Profit            float64                     `json:"profit"`
	Overdraft         float64                     `json:"overdraft"`
	ShareRate         float64                     `json:"profit_share_rate"`
	PenaltyMultiplier float64                     `json:"overdraft_penalty_multiplier"`
	SalesBonus        float64                     `json:"sales_bonus_contribution"`
	Amount            float64                     `json:"amount"`
	Settings          models.OrganizationSettings `json:"settings_snapshot"`
}

func (e *Engine) buildPM(ctx context.Context, projectID string) (models.Payout, error) {
	project, settings, err := e.projectForPayout(ctx, projectID)
	if err != nil {
		return models.Payout{}, err
	}
	if project.PMUserID == nil {
		return models.Payout{}, fmt.Errorf("%w: project %s has no PM", models.ErrConflict, projectID)
	}
	x := settings.PMProfitShareRate
	profit := project.Budget - project.Spent
	overdraft := math.Max(0, project.Spent-project.Budget)
	amount := math.Max(0, profit*x-overdraft*(settings.PMOverdraftPenaltyMultiplier*x)+project.SalesBonusPool)
	d := pmDetails{
		Formula:           "pm: max(0, profit*X - overdraft*(penalty*X) + salesBonus)",
		Budget:            project.Budget,
		Spent:             project.Spent,
		Profit:            profit,
		Overdraft:         overdraft,
		ShareRate:         x,
		PenaltyMultiplier: settings.PMOverdraftPenaltyMultiplier,
		SalesBonus:        project.SalesBonusPool,
		Amount:            amount,
		Settings:          settings,
	}
	return models.Payout{
		OrgID:              project.OrgID,
		BeneficiaryID:      *project.PMUserID,
		ProjectID:          &project.ProjectID,
		PayoutType:         models.PayoutTypePM,
		GrossAmount:        amount,
		NetAmount:          amount,
		CalculationDetails: marshalDetails(d),
		Status:             models.PayoutStatusPending,
	}, nil
}

// PM pays the project manager a profit share net of overdraft penalties plus
// the accumulated sales bonus pool.
func (e *Engine) PM(ctx context.Context, projectID string) (models.Payout, error) {
	p, err := e.buildPM(ctx, projectID)
	if err != nil {
		return models.Payout{}, err
	}
	return e.persist(ctx, p)
}

type pmBonusDetails struct {
	Formula          string                      `json:"formula"`
	V                float64                     `json:"v"`
	DaysLeftAtPickup float64                     `json:"days_left_at_pickup"`
	ThresholdDays    int                         `json:"threshold_days"`
	DecayRate        float64                     `json:"decay_rate"`
	Share            float64                     `json:"share"`
	Amount           float64                     `json:"amount"`
	Settings         models.OrganizationSettings `json:"settings_snapshot"`
}

func (e *Engine) buildPMBonus(ctx context.Context, projectID string) (models.Payout, error) {
	project, settings, err := e.projectForPayout(ctx, projectID)
	if err != nil {
		return models.Payout{}, err
	}
	if project.PMUserID == nil {
		return models.Payout{}, fmt.Errorf("%w: project %s has no PM", models.ErrConflict, projectID)
	}
	if project.PMPickedUpAt == nil || project.Deadline == nil {
		return models.Payout{}, fmt.Errorf("%w: project %s has no pickup time or deadline", models.ErrConflict, projectID)
	}
	v := project.Budget
	daysLeft := project.Deadline.Sub(*project.PMPickedUpAt).Hours() / 24
	threshold := float64(settings.PMPickupBonusDays)
	var amount float64
	if daysLeft < threshold {
		amount = math.Exp(-settings.PMPickupBonusDecayRate*v*(threshold-daysLeft)) * v * settings.PMPickupBonusShare
	}
	d := pmBonusDetails{
		Formula:          "pm_bonus: exp(-rate*V*(threshold-daysLeft)) * V * share when daysLeft < threshold",
		V:                v,
		DaysLeftAtPickup: daysLeft,
		ThresholdDays:    settings.PMPickupBonusDays,
		DecayRate:        settings.PMPickupBonusDecayRate,
		Share:            settings.PMPickupBonusShare,
		Amount:           amount,
		Settings:         settings,
	}
	return models.Payout{
		OrgID:              project.OrgID,
		BeneficiaryID:      *project.PMUserID,
		ProjectID:          &project.ProjectID,
		PayoutType:         models.PayoutTypePMBonus,
		GrossAmount:        amount,
		NetAmount:          amount,
		CalculationDetails: marshalDetails(d),
		Status:             models.PayoutStatusPending,
	}, nil
}

// PMBonus pays the PM for picking up a project close to its deadline.
func (e *Engine) PMBonus(ctx context.Context, projectID string) (models.Payout, error) {
	p, err := e.buildPMBonus(ctx, projectID)
	if err != nil {
		return models.Payout{}, err
	}
	return e.persist(ctx, p)
}

type salesDetails struct {
	Formula          string                      `json:"formula"`
	V                float64                     `json:"v"`
	DaysWaiting      float64                     `json:"days_waiting"`
	MaxDays          int                         `json:"max_days"`
	CommissionRate   float64                     `json:"commission_rate"`
	Decay            float64                     `json:"decay"`
	Commission       float64                     `json:"commission"`
	PoolContribution float64                     `json:"pm_bonus_pool_contribution"`
	Settings         models.OrganizationSettings `json:"settings_snapshot"`
}

func (e *Engine) buildSales(ctx context.Context, projectID string) (models.Payout, float64, error) {
	project, settings, err := e.projectForPayout(ctx, projectID)
	if err != nil {
		return models.Payout{}, 0, err
	}
	if project.SalesUserID == nil {
		return models.Payout{}, 0, fmt.Errorf("%w: project %s has no sales originator", models.ErrConflict, projectID)
	}
	pickedUp := time.Now().UTC()
	if project.PMPickedUpAt != nil {
		pickedUp = *project.PMPickedUpAt
	}
	daysWaiting := pickedUp.Sub(project.CreatedAt).Hours() / 24
	if daysWaiting < 0 {
		daysWaiting = 0
	}
	v := project.Budget
	maxDays := float64(settings.SalesCommissionMaxDays)
	// Settings writes reject maxDays < 1; rows predating that check decay
	// to zero instead of dividing by zero.
	decay := 0.0
	if maxDays > 0 {
		decay = math.Max(0, 1-daysWaiting/maxDays)
	}
	commission := v * settings.SalesCommissionRate * decay
	remainder := v*settings.SalesCommissionRate - commission
	d := salesDetails{
		Formula:          "sales: V * rate * max(0, 1 - daysWaiting/maxDays); remainder to PM bonus pool",
		V:                v,
		DaysWaiting:      daysWaiting,
		MaxDays:          settings.SalesCommissionMaxDays,
		CommissionRate:   settings.SalesCommissionRate,
		Decay:            decay,
		Commission:       commission,
		PoolContribution: remainder,
		Settings:         settings,
	}
	p := models.Payout{
		OrgID:              project.OrgID,
		BeneficiaryID:      *project.SalesUserID,
		ProjectID:          &project.ProjectID,
		PayoutType:         models.PayoutTypeSales,
		GrossAmount:        commission,
		NetAmount:          commission,
		CalculationDetails: marshalDetails(d),
		Status:             models.PayoutStatusPending,
	}
	return p, remainder, nil
}

// Sales pays the originator a commission decayed by how long the project
// waited for a PM; the decayed remainder accrues to the PM bonus pool.
// The payout row and the pool credit commit in one store transaction, and
// a re-invocation returns the existing live payout without crediting again.
func (e *Engine) Sales(ctx context.Context, projectID string) (models.Payout, error) {
	p, remainder, err := e.buildSales(ctx, projectID)
	if err != nil {
		return models.Payout{}, err
	}
	created, err := e.Store.CreateSalesPayout(ctx, p, remainder)
	if err == nil {
		e.published(ctx, created)
		return created, nil
	}
	if !errors.Is(err, models.ErrConflict) {
		return models.Payout{}, err
	}
	existing, gerr := e.Store.GetLivePayout(ctx, nil, &projectID, models.PayoutTypeSales)
	if gerr != nil {
		return models.Payout{}, gerr
	}
	if existing == nil {
		return models.Payout{}, err
	}
	return *existing, nil
}

func (e *Engine) projectForPayout(ctx context.Context, projectID string) (models.Project, models.OrganizationSettings, error) {
	project, err := e.Store.GetProject(ctx, projectID)
	if err != nil {
		return models.Project{}, models.OrganizationSettings{}, err
	}
	settings, err := e.Store.GetSettings(ctx, project.OrgID)
	if err != nil {
		return models.Project{}, models.OrganizationSettings{}, err
	}
	return project, settings, nil
}
