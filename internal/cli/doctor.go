package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/owenstuckman/orbit-engine/internal/config"
	"github.com/owenstuckman/orbit-engine/internal/store"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Verify the Orbit home directory and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())

			var problems []string

			if err := os.MkdirAll(home, 0o755); err != nil {
				problems = append(problems, fmt.Sprintf("home not writable: %s (%v)", home, err))
			}

			if _, err := config.Load(home); err != nil {
				problems = append(problems, fmt.Sprintf("config.yaml unreadable: %v", err))
			}

			// Opening the store runs migrations, so this catches schema drift too.
			if st, err := store.Open(home); err != nil {
				problems = append(problems, fmt.Sprintf("database unusable: %v", err))
			} else {
				_ = st.Close()
			}

			if len(problems) > 0 {
				for _, p := range problems {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), p)
				}
				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	return cmd
}
