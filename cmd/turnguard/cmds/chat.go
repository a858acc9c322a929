package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/turnguard/pkg/notify"
	"github.com/go-go-golems/turnguard/pkg/supervisor"
)

const chatHelp = `Commands:
  /reset            forget the conversation context
  /params           show current and default parameters
  /set KEY VALUE    set a parameter for the following turns
  /save             save current parameters as defaults
  /restore          discard changes, back to the defaults
  /quit             leave
Anything else is sent to the agent.`

func (a *App) newChatCommand() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the agent interactively through the supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.chat(cmd.Context(), userID, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&userID, "user", defaultUser(), "user id the turns are attributed to")
	return cmd
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}

func (a *App) chat(ctx context.Context, userID string, in io.Reader, out io.Writer) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	msgs, err := notify.Subscribe(ctx, rt.transport.Subscriber, cfg.Notify.Topic)
	if err != nil {
		return err
	}
	go func() { _ = notify.Handle(ctx, msgs, logNotification) }()

	if _, err := boot(ctx, rt.sup); err != nil {
		return err
	}
	defer func() {
		if err := rt.sup.Shutdown(context.WithoutCancel(ctx)); err != nil {
			fmt.Fprintln(os.Stderr, "shutdown:", err)
		}
	}()

	r := &chatSession{sup: rt.sup, userID: userID, out: out, render: newRenderer(out)}
	fmt.Fprintf(out, "turnguard chat as %q. Type /help for commands.\n", userID)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := r.command(ctx, line); quit {
				return nil
			}
			continue
		}
		r.turn(ctx, line)
	}
}

type chatSession struct {
	sup    *supervisor.Supervisor
	userID string
	out    io.Writer
	render func(string) string
}

// turn runs one prompt; Ctrl-C cancels the turn, not the session.
func (c *chatSession) turn(ctx context.Context, prompt string) {
	tctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	resp, err := c.sup.Process(tctx, c.userID, prompt)
	if err != nil {
		fmt.Fprintln(c.out, supervisor.UserMessage(err))
		return
	}
	fmt.Fprintln(c.out, c.render(resp.Text))
}

func (c *chatSession) command(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	ps := c.sup.Params()
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(c.out, chatHelp)
	case "/reset":
		if err := c.sup.ResetContext(c.userID); err != nil {
			fmt.Fprintln(c.out, supervisor.UserMessage(err))
			return false
		}
		fmt.Fprintln(c.out, "Context cleared.")
	case "/params":
		c.printYAML(map[string]any{"current": ps.Get(), "defaults": ps.Defaults()})
	case "/set":
		if len(fields) < 3 {
			fmt.Fprintln(c.out, "usage: /set KEY VALUE")
			return false
		}
		value, err := parseValue(strings.Join(fields[2:], " "))
		if err != nil {
			fmt.Fprintln(c.out, err)
			return false
		}
		ps.Set(fields[1], value)
		fmt.Fprintf(c.out, "%s set; timeout is now %s.\n", fields[1], ps.Timeout())
	case "/save":
		if err := ps.SaveAsDefaults(ctx); err != nil {
			fmt.Fprintln(c.out, "could not save defaults:", err)
			return false
		}
		fmt.Fprintln(c.out, "Defaults saved.")
	case "/restore":
		ps.ResetToDefaults()
		fmt.Fprintln(c.out, "Parameters restored from defaults.")
	default:
		fmt.Fprintf(c.out, "unknown command %s\n", fields[0])
	}
	return false
}

func (c *chatSession) printYAML(v any) {
	b, err := yaml.Marshal(v)
	if err != nil {
		fmt.Fprintln(c.out, err)
		return
	}
	fmt.Fprint(c.out, string(b))
}

// parseValue reads a scalar the way a YAML file would type it.
func parseValue(raw string) (any, error) {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("invalid value %q: %w", raw, err)
	}
	return v, nil
}

// newRenderer renders Markdown on terminals and passes text through otherwise.
func newRenderer(out io.Writer) func(string) string {
	plain := func(s string) string { return s }
	f, ok := out.(*os.File)
	if !ok || !isatty.IsTerminal(f.Fd()) {
		return plain
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return plain
	}
	return func(s string) string {
		rendered, err := r.Render(s)
		if err != nil {
			return s
		}
		return strings.TrimRight(rendered, "\n")
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
