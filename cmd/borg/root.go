// Package borg is the CLI surface around the core: start the
// scheduler, seed a fresh .borg directory, and inspect queue/thread
// state read-only. Per spec.md §6, no CLI surface is part of the core
// itself — these are thin wrappers around the queue and state store,
// the same contract any other external collaborator uses.
package borg

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X .../cmd/borg.Version=v1.0.0".
var Version = "dev"

var borgDir string

var rootCmd = &cobra.Command{
	Use:   "borg",
	Short: "Borg — multi-tenant agent orchestration backbone",
	Long:  "Borg: a durable, file-based queue/scheduler/session-dispatch backbone for multi-tenant LLM agent orchestration over chat-forum threads.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&borgDir, "dir", "", "borg root directory (default: .borg or $BORG_DIR)")

	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(versionCmd())
}

func resolveBorgDir() string {
	if borgDir != "" {
		return borgDir
	}
	if v := os.Getenv("BORG_DIR"); v != "" {
		return v
	}
	return ".borg"
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("borg %s\n", Version)
		},
	}
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
