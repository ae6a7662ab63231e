package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/owenstuckman/orbit-engine/internal/config"
	"github.com/owenstuckman/orbit-engine/internal/confidence"
	"github.com/owenstuckman/orbit-engine/internal/lifecycle"
	"github.com/owenstuckman/orbit-engine/internal/qc"
	"github.com/owenstuckman/orbit-engine/internal/store"
	"github.com/owenstuckman/orbit-engine/pkg/models"
	"github.com/spf13/cobra"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and drive tasks through the review lifecycle",
	}
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskShowCmd())
	cmd.AddCommand(newTaskAcceptCmd())
	cmd.AddCommand(newTaskStartCmd())
	cmd.AddCommand(newTaskSubmitCmd())
	cmd.AddCommand(newTaskReviewCmd())
	cmd.AddCommand(newTaskReopenCmd())
	return cmd
}

// openController builds a store-backed controller for one-shot CLI actions.
// The confidence client is left unconfigured so offline use falls back to
// the default score instead of failing.
func openController(cmd *cobra.Command) (store.Store, *lifecycle.Controller, error) {
	home := config.MustHomeFrom(cmd.Context())
	cfg, err := config.Load(home)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(home)
	if err != nil {
		return nil, nil, err
	}
	ledger := &qc.Ledger{Store: st}
	ctrl := &lifecycle.Controller{
		Store:  st,
		Ledger: ledger,
		Confidence: confidence.New(confidence.Opts{
			BaseURL: cfg.Confidence.BaseURL,
			APIKey:  cfg.Confidence.APIKey,
			Timeout: cfg.ConfidenceTimeout(),
		}),
	}
	return st, ctrl, nil
}

func newTaskListCmd() *cobra.Command {
	var org string
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks for an organization",
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

			tasks, err := st.ListTasks(cmd.Context(), org, status, models.DefaultTaskListLimit)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No tasks")
				return nil
			}
			for _, t := range tasks {
				assignee := "-"
				if t.AssigneeID != nil {
					assignee = *t.AssigneeID
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "- %d %q status=%s value=%.2f assignee=%s\n",
					t.TaskID, t.Title, t.Status, t.DollarValue, assignee)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Organization ID")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func newTaskShowCmd() *cobra.Command {
	var taskID int64

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print a task and its review ledger as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID <= 0 {
				return fmt.Errorf("--id must be a positive task ID")
			}
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			task, err := st.GetTask(cmd.Context(), taskID)
			if err != nil {
				return err
			}
			reviews, err := st.ListReviews(cmd.Context(), taskID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"task": task, "reviews": reviews})
		},
	}
	cmd.Flags().Int64Var(&taskID, "id", 0, "Task ID")
	return cmd
}

func newTaskAcceptCmd() *cobra.Command {
	var taskID int64
	var actor string

	cmd := &cobra.Command{
		Use:   "accept",
		Short: "Claim an open task as a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID <= 0 || actor == "" {
				return fmt.Errorf("--id and --actor are required")
			}
			st, ctrl, err := openController(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			t, err := ctrl.Accept(cmd.Context(), taskID, actor)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Task %d assigned to %q\n", t.TaskID, actor)
			return nil
		},
	}
	cmd.Flags().Int64Var(&taskID, "id", 0, "Task ID")
	cmd.Flags().StringVar(&actor, "actor", "", "Worker user ID")
	return cmd
}

func newTaskStartCmd() *cobra.Command {
	var taskID int64
	var actor string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Move an assigned task to in_progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID <= 0 || actor == "" {
				return fmt.Errorf("--id and --actor are required")
			}
			st, ctrl, err := openController(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			t, err := ctrl.Start(cmd.Context(), taskID, actor)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Task %d is %s\n", t.TaskID, t.Status)
			return nil
		},
	}
	cmd.Flags().Int64Var(&taskID, "id", 0, "Task ID")
	cmd.Flags().StringVar(&actor, "actor", "", "Worker user ID")
	return cmd
}

func newTaskSubmitCmd() *cobra.Command {
	var taskID int64
	var actor string
	var file string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit work for review (runs the automated pre-review)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID <= 0 || actor == "" || file == "" {
				return fmt.Errorf("--id, --actor, and --submission are required")
			}
			raw, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read submission: %w", err)
			}
			var sub models.Submission
			if err := json.Unmarshal(raw, &sub); err != nil {
				return fmt.Errorf("parse submission: %w", err)
			}

			st, ctrl, err := openController(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			review, err := ctrl.Submit(cmd.Context(), taskID, actor, &sub)
			if err != nil {
				return err
			}
			conf := 0.0
			if review.Confidence != nil {
				conf = *review.Confidence
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Task %d under review (pre-review confidence %.2f)\n", taskID, conf)
			return nil
		},
	}
	cmd.Flags().Int64Var(&taskID, "id", 0, "Task ID")
	cmd.Flags().StringVar(&actor, "actor", "", "Worker user ID")
	cmd.Flags().StringVar(&file, "submission", "", "Path to a submission JSON file")
	return cmd
}

func newTaskReviewCmd() *cobra.Command {
	var taskID int64
	var reviewer string
	var reviewType string
	var pass bool
	var fail bool
	var weight float64
	var feedback string

	cmd := &cobra.Command{
		Use:   "review",
		Short: "Record a human verdict on a task under review",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID <= 0 || reviewer == "" {
				return fmt.Errorf("--id and --reviewer are required")
			}
			if pass == fail {
				return fmt.Errorf("exactly one of --pass or --fail is required")
			}
			st, ctrl, err := openController(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			passed := pass
			review, err := ctrl.Review(cmd.Context(), taskID, models.QCReview{
				TaskID:     taskID,
				ReviewerID: &reviewer,
				ReviewType: reviewType,
				Passed:     &passed,
				Weight:     weight,
				Feedback:   feedback,
			})
			if err != nil {
				return err
			}
			verdict := "rejected"
			if passed {
				verdict = "approved"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Recorded pass %d: task %d %s\n", review.PassNumber, taskID, verdict)
			return nil
		},
	}
	cmd.Flags().Int64Var(&taskID, "id", 0, "Task ID")
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "Reviewer user ID")
	cmd.Flags().StringVar(&reviewType, "type", models.ReviewTypeIndependent, "Review type (independent or final)")
	cmd.Flags().BoolVar(&pass, "pass", false, "Approve the submission")
	cmd.Flags().BoolVar(&fail, "fail", false, "Reject the submission (requires --feedback)")
	cmd.Flags().Float64Var(&weight, "weight", 1.0, "Reviewer weight")
	cmd.Flags().StringVar(&feedback, "feedback", "", "Feedback for the worker")
	return cmd
}

func newTaskReopenCmd() *cobra.Command {
	var taskID int64
	var actor string

	cmd := &cobra.Command{
		Use:   "reopen",
		Short: "Send a rejected task back to in_progress for rework",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID <= 0 || actor == "" {
				return fmt.Errorf("--id and --actor are required")
			}
			st, ctrl, err := openController(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			t, err := ctrl.Reopen(cmd.Context(), taskID, actor)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Task %d reopened (resubmit %d)\n", t.TaskID, t.ResubmitCount)
			return nil
		},
	}
	cmd.Flags().Int64Var(&taskID, "id", 0, "Task ID")
	cmd.Flags().StringVar(&actor, "actor", "", "Worker user ID")
	return cmd
}
