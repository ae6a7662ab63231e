package cli

import (
	"encoding/json"
	"fmt"

	"github.com/owenstuckman/orbit-engine/internal/config"
	"github.com/owenstuckman/orbit-engine/internal/payout"
	"github.com/owenstuckman/orbit-engine/internal/qc"
	"github.com/owenstuckman/orbit-engine/internal/store"
	"github.com/owenstuckman/orbit-engine/pkg/models"
	"github.com/spf13/cobra"
)

func newPayoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payout",
		Short: "Calculate and list payouts",
	}
	cmd.AddCommand(newPayoutCalculateCmd())
	cmd.AddCommand(newPayoutListCmd())
	return cmd
}

func newPayoutCalculateCmd() *cobra.Command {
	var payoutType string
	var taskID int64
	var projectID string
	var recalculate bool

	cmd := &cobra.Command{
		Use:   "calculate",
		Short: "Run a payout formula for a task or project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if payoutType == "" {
				return fmt.Errorf("--type is required (employee, qc, pm, pm_bonus, sales)")
			}
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			engine := &payout.Engine{Store: st, Ledger: &qc.Ledger{Store: st}}

			var tid *int64
			if taskID > 0 {
				tid = &taskID
			}
			var pid *string
			if projectID != "" {
				pid = &projectID
			}

			var p models.Payout
			if recalculate {
				p, err = engine.Recalculate(cmd.Context(), payoutType, tid, pid)
			} else {
				p, err = engine.Calculate(cmd.Context(), payoutType, tid, pid)
			}
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Payout %s: %s $%.2f to %q (%s)\n",
				p.PayoutID, p.PayoutType, p.NetAmount, p.BeneficiaryID, p.Status)
			if p.CalculationDetails != "" {
				var details map[string]any
				if err := json.Unmarshal([]byte(p.CalculationDetails), &details); err == nil {
					if formula, ok := details["formula"].(string); ok {
						_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Formula: %s\n", formula)
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&payoutType, "type", "", "Payout type")
	cmd.Flags().Int64Var(&taskID, "task", 0, "Task ID (employee and qc payouts)")
	cmd.Flags().StringVar(&projectID, "project", "", "Project ID (pm, pm_bonus, and sales payouts)")
	cmd.Flags().BoolVar(&recalculate, "recalculate", false, "Supersede the live payout and recompute")
	return cmd
}

func newPayoutListCmd() *cobra.Command {
	var org string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List payouts for an organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			if org == "" {
				return fmt.Errorf("--org is required")
			}
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			payouts, err := st.ListPayouts(cmd.Context(), org, models.DefaultPayoutListLimit)
			if err != nil {
				return err
			}
			if len(payouts) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No payouts")
				return nil
			}
			for _, p := range payouts {
				scope := "-"
				if p.TaskID != nil {
					scope = fmt.Sprintf("task %d", *p.TaskID)
				} else if p.ProjectID != nil {
					scope = fmt.Sprintf("project %s", *p.ProjectID)
				}
				flag := ""
				if p.Superseded {
					flag = " superseded"
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "- %s %s $%.2f to %s (%s, %s%s)\n",
					p.PayoutID, p.PayoutType, p.NetAmount, p.BeneficiaryID, scope, p.Status, flag)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Organization ID")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}
