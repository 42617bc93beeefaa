package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run())
}

func run() int {
	serveCmd := newServeCmd()
	root := &cobra.Command{
		Use:     "orchestrator",
		Short:   "Watch-folder orchestrator for comic-archive to OCR'd PDF conversion",
		Version: version + " (" + commit + ")",
		RunE:    serveCmd.RunE, // serve is the default action
	}
	root.Flags().AddFlagSet(serveCmd.Flags())

	root.AddCommand(serveCmd)
	root.AddCommand(newConfigCmd())

	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}
