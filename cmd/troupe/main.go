// Troupe - multi-persona chat response pipeline
// License: MIT

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/troupelab/troupe/pkg/logger"
)

var (
	version   = "dev"
	gitCommit string
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "troupe",
		Short: "Run persona turns through the response pipeline",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if os.Getenv("TROUPE_DEBUG") != "" {
				logger.SetLevel(logger.DEBUG)
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "config file path")

	root.AddCommand(
		newTurnCmd(),
		newChatCmd(),
		newPersonasCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			v := version
			if gitCommit != "" {
				v += fmt.Sprintf(" (git: %s)", gitCommit)
			}
			fmt.Printf("troupe %s\n  Go: %s\n", v, runtime.Version())
		},
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "troupe.json"
	}
	return filepath.Join(home, ".troupe", "config.json")
}
