package cli

import (
	"os"

	"github.com/owenstuckman/orbit-engine/internal/config"
	"github.com/spf13/cobra"
)

func NewRootCmd(version string) *cobra.Command {
	var homeOverride string

	cmd := &cobra.Command{
		Use:          "orbit",
		Short:        "Orbit — quality-control and compensation engine",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			home, err := config.ResolveHome(homeOverride)
			if err != nil {
				return err
			}
			cmd.SetContext(config.WithHome(cmd.Context(), home))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&homeOverride, "home", "", "Override Orbit home directory (default: ~/.orbit, env: ORBIT_HOME)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newTaskCmd())
	cmd.AddCommand(newPayoutCmd())
	cmd.AddCommand(newSettingsCmd())
	cmd.AddCommand(newDoctorCmd())

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}

	return cmd
}
