package cmds

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

func (a *App) newCrashesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crashes",
		Short: "Inspect or reset the crash history that drives the circuit breaker",
	}

	var output string
	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded crashes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			ctx := cmdContext(cmd)
			c, err := openCore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			crashes, err := c.journal.Crashes(ctx)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), output, crashes, func(w io.Writer) {
				if len(crashes) == 0 {
					fmt.Fprintln(w, "no crashes recorded")
					return
				}
				for i, cr := range crashes {
					fmt.Fprintf(w, "%d. %s user=%s prompt=%q errors=%d\n", i+1,
						cr.At.Local().Format(time.DateTime), cr.UserID, clipLine(cr.Prompt, 80), len(cr.ErrorLog))
				}
			})
		},
	}
	list.Flags().StringVarP(&output, "output", "o", "text", "output format (text, yaml, json)")

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Forget all recorded crashes so the service can start again",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			ctx := cmdContext(cmd)
			c, err := openCore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			n, err := c.breaker.CrashCount(ctx)
			if err != nil {
				return err
			}
			if err := c.journal.ResetCrashes(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d crash record(s)\n", n)
			return nil
		},
	}

	cmd.AddCommand(list, reset)
	return cmd
}
