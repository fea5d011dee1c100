package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/parley/internal/config"
	"github.com/zulandar/parley/internal/db"
	"github.com/zulandar/parley/internal/models"
	"github.com/zulandar/parley/internal/store"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const defaultConfigPath = "parley.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "parley",
		Short:        "Parley: rooms where AI responders talk with people and each other",
		Long:         "Parley schedules turns between AI responders in shared chat rooms and streams the conversation to viewers.",
		SilenceUsage: true,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newRoomCmd())
	cmd.AddCommand(newResponderCmd())
	cmd.AddCommand(newKeyCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "parley %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

// openStore loads the config and connects to the room store.
func openStore(configPath string) (*config.Config, *store.GormStore, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	gdb, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.New(gdb)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

// parseProvider accepts provider names case-insensitively.
func parseProvider(s string) (models.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai":
		return models.ProviderOpenAI, nil
	case "anthropic":
		return models.ProviderAnthropic, nil
	}
	return "", fmt.Errorf("unknown provider %q (openai, anthropic)", s)
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
