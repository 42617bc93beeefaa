package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/comic2pdf/orchestrator/internal/config"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the configuration the orchestrator would run with, after env overlay",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runConfig()
		},
	}
}

func runConfig() error {
	cfg := config.NewDefault()
	cfg.Load()

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}
