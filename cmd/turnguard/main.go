package main

import (
	"os"

	"github.com/go-go-golems/turnguard/cmd/turnguard/cmds"
)

func main() {
	if err := cmds.NewRootCommand().Execute(); err != nil {
		os.Exit(cmds.ExitCode(err))
	}
}
