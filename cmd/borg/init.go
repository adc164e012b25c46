package borg

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/borg/internal/envelope"
	"github.com/nextlevelbuilder/borg/internal/queue"
)

func initCmd() *cobra.Command {
	var nonInteractive bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Seed a new .borg directory and settings.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(resolveBorgDir(), nonInteractive)
		},
	}

	cmd.Flags().BoolVar(&nonInteractive, "yes", false, "skip the wizard and write documented defaults")

	return cmd
}

func runInit(dir string, nonInteractive bool) error {
	if _, err := os.Stat(filepath.Join(dir, "settings.json")); err == nil {
		return fmt.Errorf("borg init: %s/settings.json already exists, remove it first to re-run the wizard", dir)
	}

	settings := envelope.DefaultSettings()

	if !nonInteractive {
		var timezone = settings.Timezone
		var chatBotToken string
		var heartbeatMinutes = fmt.Sprintf("%d", settings.HeartbeatIntervalSec/60)
		var maxConcurrent = fmt.Sprintf("%d", settings.MaxConcurrentSessions)

		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Timezone").
					Description("IANA timezone used for the timestamp line of each prompt").
					Value(&timezone),
				huh.NewInput().
					Title("Chat bot token").
					Description("Telegram bot token for the reference chat adapter (leave empty to run headless)").
					Value(&chatBotToken),
				huh.NewInput().
					Title("Heartbeat interval (minutes)").
					Value(&heartbeatMinutes),
				huh.NewInput().
					Title("Max concurrent sessions").
					Value(&maxConcurrent),
			),
		)
		if err := form.Run(); err != nil {
			return fmt.Errorf("borg init: wizard: %w", err)
		}

		settings.Timezone = timezone
		settings.ChatBotToken = chatBotToken
		if n, err := parsePositiveInt(heartbeatMinutes); err == nil {
			settings.HeartbeatIntervalSec = n * 60
		}
		if n, err := parsePositiveInt(maxConcurrent); err == nil {
			settings.MaxConcurrentSessions = n
		}
	}
	settings.Normalize()

	q := queue.New(filepath.Join(dir, "queue"))
	if err := q.EnsureAll(); err != nil {
		return fmt.Errorf("borg init: ensure queue dirs: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0o755); err != nil {
		return fmt.Errorf("borg init: create logs dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "sessions"), 0o755); err != nil {
		return fmt.Errorf("borg init: create sessions dir: %w", err)
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("borg init: marshal settings: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "settings.json"), data, 0o644); err != nil {
		return fmt.Errorf("borg init: write settings.json: %w", err)
	}

	fmt.Printf("initialized %s\n", dir)
	return nil
}

func parsePositiveInt(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return n, nil
}
