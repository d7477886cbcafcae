package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zjrosen/agentbus/internal/config"
	"github.com/zjrosen/agentbus/internal/engine"
)

var initWriteConfig bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the coordination state under <root>/.claude/",
	Long: `Creates the store, directories and protocol version file for a
project. Safe to run repeatedly; an existing store is migrated in place
with a .bak copy taken first.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initWriteConfig, "write-config", false,
		"also write a starter .agentbus/config.yaml")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	eng, report, err := engine.New(cfg.ProjectRoot)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	if initWriteConfig {
		path := config.ProjectConfigPath(cfg.ProjectRoot)
		if err := config.WriteDefaultConfig(path); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		} else {
			fmt.Printf("Wrote %s\n", path)
		}
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
