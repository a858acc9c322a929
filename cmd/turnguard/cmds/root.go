// Package cmds holds the turnguard cobra commands.
package cmds

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/turnguard/pkg/config"
	"github.com/go-go-golems/turnguard/pkg/journal"
	"github.com/go-go-golems/turnguard/pkg/logging"
)

// ExitCircuitOpen is the exit status when the circuit breaker refuses to boot.
const ExitCircuitOpen = 2

// App carries the state shared by every command: the viper instance, the
// decoded config and the log file handle.
type App struct {
	v          *viper.Viper
	configFile string
	cfg        *config.Config
	logCloser  io.Closer
}

func NewRootCommand() *cobra.Command {
	app := &App{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "turnguard",
		Short:         "turnguard supervises agent turns with a crash journal, a circuit breaker and a stuck-turn watchdog",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			app.close()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&app.configFile, "config", "", "config file (default $HOME/.turnguard/config.yaml)")
	pf.String("log-level", "", "log level (trace, debug, info, warn, error)")
	pf.String("log-format", "", "log format (auto, console, json)")
	pf.String("log-file", "", "also write logs to this rotating file")
	pf.String("state-dir", "", "directory for durable state")
	pf.String("state-backend", "", "state backend (file, sqlite, redis, memory)")
	for flag, key := range map[string]string{
		"log-level":     "log.level",
		"log-format":    "log.format",
		"log-file":      "log.file",
		"state-dir":     "state.dir",
		"state-backend": "state.backend",
	} {
		cobra.CheckErr(app.v.BindPFlag(key, pf.Lookup(flag)))
	}

	rootCmd.AddCommand(
		app.newServeCommand(),
		app.newChatCommand(),
		app.newStatusCommand(),
		app.newCrashesCommand(),
		app.newParamsCommand(),
		app.newTurnsCommand(),
		app.newConfigCommand(),
	)
	return rootCmd
}

func (a *App) init() error {
	if err := config.Setup(a.v, a.configFile); err != nil {
		return err
	}
	cfg, err := config.Decode(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	closer, err := logging.Init(cfg.Log)
	if err != nil {
		return err
	}
	a.logCloser = closer
	log.Debug().Str("config", a.v.ConfigFileUsed()).Str("state_backend", cfg.State.Backend).Msg("configuration loaded")
	return nil
}

func (a *App) close() {
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}

// config returns the validated configuration.
func (a *App) config() (*config.Config, error) {
	if a.cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}
	return a.cfg, nil
}

// ExitCode prints err and maps it to a process exit status.
func ExitCode(err error) int {
	fmt.Fprintln(os.Stderr, "Error:", err)
	var open *journal.CircuitOpenError
	if stderrors.As(err, &open) {
		return ExitCircuitOpen
	}
	return 1
}
