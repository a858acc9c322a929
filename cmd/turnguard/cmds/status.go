package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/turnguard/pkg/supervisor"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Faint(true)
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func (a *App) newStatusCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show circuit breaker state, recorded crashes and pending turns",
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

			st, err := supervisor.ReadStatus(ctx, c.journal, c.breaker)
			if err != nil {
				return err
			}
			st.Params = c.params.Get()
			return writeOutput(cmd.OutOrStdout(), output, st, func(w io.Writer) {
				fmt.Fprintln(w, renderStatus(st))
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format (text, yaml, json)")
	return cmd
}

func renderStatus(st *supervisor.Status) string {
	var b strings.Builder
	state := okStyle.Render("closed")
	switch {
	case st.Halted:
		state = errStyle.Render("OPEN: startup refused")
	case st.CrashCount > 0:
		state = warnStyle.Render(fmt.Sprintf("closed, %d/%d crashes", st.CrashCount, st.Threshold))
	}
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("Circuit breaker:"), state)

	if len(st.Crashes) > 0 {
		b.WriteString(titleStyle.Render("Crashes:") + "\n")
		for i, c := range st.Crashes {
			fmt.Fprintf(&b, "  %d. %s user=%s prompt=%q\n", i+1,
				c.At.Local().Format(time.DateTime), c.UserID, clipLine(c.Prompt, 80))
			for _, line := range c.ErrorLog {
				b.WriteString(dimStyle.Render("     "+clipLine(line, 100)) + "\n")
			}
		}
	}
	if len(st.Pending) > 0 {
		b.WriteString(titleStyle.Render("Pending turns:") + "\n")
		for _, m := range st.Pending {
			fmt.Fprintf(&b, "  %s since %s: %q\n", m.UserID, m.WrittenAt.Local().Format(time.DateTime), clipLine(m.Prompt, 80))
		}
	}
	if len(st.ErrorLog) > 0 {
		fmt.Fprintf(&b, "%s %d lines, latest:\n", titleStyle.Render("Error log:"), len(st.ErrorLog))
		b.WriteString(dimStyle.Render("  "+st.ErrorLog[len(st.ErrorLog)-1]) + "\n")
	}
	if len(st.Params) > 0 {
		b.WriteString(titleStyle.Render("Parameters:") + "\n")
		for _, k := range sortedKeys(st.Params) {
			fmt.Fprintf(&b, "  %s: %v\n", k, st.Params[k])
		}
	}
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func clipLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// writeOutput prints v as YAML or JSON, or calls text for the human format.
func writeOutput(w io.Writer, format string, v any, text func(io.Writer)) error {
	switch format {
	case "", "text":
		text(w)
		return nil
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return errors.Wrap(err, "encode yaml")
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(v), "encode json")
	}
	return errors.Errorf("unknown output format %q", format)
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
