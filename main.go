package main

import (
	"fmt"
	"os"

	"github.com/pleasure-js/forker/cmd"
	"github.com/pleasure-js/forker/internal/core"
)

func main() {
	// A freshly spawned daemon announces itself through the environment
	if os.Getenv(core.DaemonEnvFlag) != "" {
		os.Args = []string{os.Args[0], "internal-server"}
	}

	// If no command specified, default to status
	if len(os.Args) == 1 {
		os.Args = []string{os.Args[0], "status"}
	}

	root := cmd.NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
