package cmds

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/turnguard/pkg/actionlog"
)

func (a *App) newTurnsCommand() *cobra.Command {
	var (
		limit   int
		output  string
		actions bool
	)
	cmd := &cobra.Command{
		Use:   "turns",
		Short: "Show the most recent turns from the action log",
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

			turns := c.log.Recent(limit)
			return writeOutput(cmd.OutOrStdout(), output, turns, func(w io.Writer) {
				printTurns(w, turns, actions)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of turns to show")
	cmd.Flags().BoolVar(&actions, "actions", false, "list the actions of every turn")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format (text, yaml, json)")
	return cmd
}

func printTurns(w io.Writer, turns []actionlog.TurnRecord, withActions bool) {
	if len(turns) == 0 {
		fmt.Fprintln(w, "no turns logged")
		return
	}
	for _, t := range turns {
		outcome := "completed"
		if !t.Completed {
			outcome = "aborted: " + t.AbortReason
		}
		fmt.Fprintf(w, "%s %s user=%s %s actions=%d tools=%d errors=%d %s\n  %q\n",
			t.StartedAt.Local().Format(time.DateTime), t.ID, t.UserID,
			t.Duration().Round(time.Millisecond), len(t.Actions),
			t.CountKind(actionlog.ActionToolCall), t.CountKind(actionlog.ActionError),
			outcome, clipLine(t.Prompt, 100))
		if !withActions {
			continue
		}
		for i, act := range t.Actions {
			fmt.Fprintf(w, "    %d. [%s] %s\n", i+1, act.Kind, describeAction(act))
		}
	}
}

func describeAction(a actionlog.TurnAction) string {
	switch a.Kind {
	case actionlog.ActionToolCall:
		return a.ToolName
	case actionlog.ActionToolResult:
		return a.ToolName + ": " + clipLine(a.Result, 80)
	case actionlog.ActionError:
		return clipLine(a.Error, 80)
	}
	return clipLine(a.Text, 80)
}
