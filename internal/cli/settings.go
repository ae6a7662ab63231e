package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/owenstuckman/orbit-engine/internal/config"
	"github.com/owenstuckman/orbit-engine/internal/store"
	"github.com/spf13/cobra"
)

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect and tune per-organization payout constants",
	}
	cmd.AddCommand(newSettingsShowCmd())
	cmd.AddCommand(newSettingsSetCmd())
	return cmd
}

func newSettingsShowCmd() *cobra.Command {
	var org string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print an organization's settings as JSON",
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

			s, err := st.GetSettings(cmd.Context(), org)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(s)
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Organization ID")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func newSettingsSetCmd() *cobra.Command {
	var org string

	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set one settings key (e.g. default_r 0.65)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if org == "" {
				return fmt.Errorf("--org is required")
			}
			key, raw := args[0], args[1]

			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			s, err := st.GetSettings(cmd.Context(), org)
			if err != nil {
				return err
			}

			switch key {
			case "qc_max_passes", "pm_pickup_bonus_days", "sales_commission_max_days":
				n, err := strconv.Atoi(raw)
				if err != nil {
					return fmt.Errorf("%s must be an integer: %w", key, err)
				}
				switch key {
				case "qc_max_passes":
					s.QCMaxPasses = n
				case "pm_pickup_bonus_days":
					s.PMPickupBonusDays = n
				case "sales_commission_max_days":
					s.SalesCommissionMaxDays = n
				}
			default:
				v, err := strconv.ParseFloat(raw, 64)
				if err != nil {
					return fmt.Errorf("%s must be a number: %w", key, err)
				}
				switch key {
				case "default_r":
					s.DefaultR = v
				case "qc_beta":
					s.QCBeta = v
				case "qc_gamma":
					s.QCGamma = v
				case "pm_profit_share_rate":
					s.PMProfitShareRate = v
				case "pm_overdraft_penalty_multiplier":
					s.PMOverdraftPenaltyMultiplier = v
				case "pm_pickup_bonus_share":
					s.PMPickupBonusShare = v
				case "pm_pickup_bonus_decay_rate":
					s.PMPickupBonusDecayRate = v
				case "sales_commission_rate":
					s.SalesCommissionRate = v
				default:
					return fmt.Errorf("unknown settings key %q", key)
				}
			}

			if err := st.PutSettings(cmd.Context(), s); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Set %s=%s for %q\n", key, raw, org)
			return nil
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Organization ID")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}
