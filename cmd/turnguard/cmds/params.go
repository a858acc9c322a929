package cmds

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// The params commands work on the persisted defaults; a running server picks
// them up on its next start.
func (a *App) newParamsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "params",
		Short: "Show and edit the persisted default turn parameters",
	}

	var output string
	get := &cobra.Command{
		Use:   "get [key]",
		Short: "Print the default parameters, or one of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			c, err := openCore(cmdContext(cmd), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			ps := c.params.Defaults()
			if len(args) == 1 {
				v, ok := ps[args[0]]
				if !ok {
					return fmt.Errorf("parameter %q is not set", args[0])
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			}
			return writeOutput(cmd.OutOrStdout(), output, ps, func(w io.Writer) {
				for _, k := range sortedKeys(ps) {
					fmt.Fprintf(w, "%s: %v\n", k, ps[k])
				}
				fmt.Fprintf(w, "effective timeout: %s\n", c.params.Timeout())
			})
		},
	}
	get.Flags().StringVarP(&output, "output", "o", "text", "output format (text, yaml, json)")

	set := &cobra.Command{
		Use:   "set <key> <value> [<key> <value>...]",
		Short: "Set parameters and save them as the defaults",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 || len(args)%2 != 0 {
				return fmt.Errorf("expected key/value pairs, got %d argument(s)", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			partial := map[string]any{}
			for i := 0; i < len(args); i += 2 {
				v, err := parseValue(args[i+1])
				if err != nil {
					return err
				}
				partial[args[i]] = v
			}
			return a.saveParams(cmd, partial)
		},
	}

	unset := &cobra.Command{
		Use:   "unset <key>...",
		Short: "Remove parameters from the defaults",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			partial := map[string]any{}
			for _, k := range args {
				partial[k] = nil
			}
			return a.saveParams(cmd, partial)
		},
	}

	cmd.AddCommand(get, set, unset)
	return cmd
}

func (a *App) saveParams(cmd *cobra.Command, partial map[string]any) error {
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

	c.params.SetMany(partial)
	if err := c.params.SaveAsDefaults(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "defaults saved; effective timeout %s\n", c.params.Timeout())
	return nil
}
