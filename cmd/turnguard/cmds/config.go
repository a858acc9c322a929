package cmds

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/turnguard/pkg/config"
)

func (a *App) newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Commands for manipulating the configuration file",
	}
	cmd.AddCommand(
		a.newConfigListCommand(),
		a.newConfigGetCommand(),
		a.newConfigSetCommand(),
		a.newConfigDeleteCommand(),
		a.newConfigEditCommand(),
	)
	return cmd
}

func (a *App) configPath() string {
	if p := a.v.ConfigFileUsed(); p != "" {
		return p
	}
	if a.configFile != "" {
		return a.configFile
	}
	return config.DefaultConfigPath()
}

// getEditor returns an editor for the config file in use.
func (a *App) getEditor() (*config.Editor, error) {
	path := a.configPath()
	log.Debug().Str("config_path", path).Msg("using config file")
	editor, err := config.NewEditor(path)
	if err != nil {
		return nil, fmt.Errorf("could not create config editor: %w", err)
	}
	return editor, nil
}

func (a *App) newConfigListCommand() *cobra.Command {
	var concise, effective bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configuration keys and values",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if effective {
				for _, key := range a.v.AllKeys() {
					fmt.Fprintf(out, "%s: %s\n", key, config.FormatValue(a.v.Get(key)))
				}
				return nil
			}
			editor, err := a.getEditor()
			if err != nil {
				return err
			}
			for _, key := range editor.Keys() {
				if concise {
					fmt.Fprintln(out, key)
					continue
				}
				v, _ := editor.Get(key)
				fmt.Fprintf(out, "%s: %s\n", key, config.FormatValue(v))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&concise, "concise", "c", false, "Only show keys")
	cmd.Flags().BoolVar(&effective, "effective", false, "Show every key after defaults, environment and flags")
	return cmd
}

func (a *App) newConfigGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value from the file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			editor, err := a.getEditor()
			if err != nil {
				return err
			}
			value, err := editor.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), config.FormatValue(value))
			return nil
		},
	}
}

func (a *App) newConfigSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			editor, err := a.getEditor()
			if err != nil {
				return err
			}
			if err := editor.Set(args[0], args[1]); err != nil {
				return err
			}
			return editor.Save()
		},
	}
}

func (a *App) newConfigDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			editor, err := a.getEditor()
			if err != nil {
				return err
			}
			if err := editor.Delete(args[0]); err != nil {
				return err
			}
			return editor.Save()
		},
	}
}

func (a *App) newConfigEditCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "edit",
		Short: "Edit the configuration file in your default editor",
		RunE: func(cmd *cobra.Command, args []string) error {
			editor := os.Getenv("EDITOR")
			if editor == "" {
				editor = "vim"
			}
			path := a.configPath()
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("could not create config directory: %w", err)
			}

			editCmd := exec.Command(editor, path)
			editCmd.Stdin = os.Stdin
			editCmd.Stdout = os.Stdout
			editCmd.Stderr = os.Stderr
			return editCmd.Run()
		},
	}
}
