// Command agenr is the core-touching CLI surface: database reset,
// rule-based consolidation, and review-queue triage.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agenr-dev/agenr/internal/logging"
)

var deps = defaultDeps()

var rootCmd = &cobra.Command{
	Use:   "agenr",
	Short: "Per-user agent memory engine",
}

func main() {
	if err := deps.ReadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "agenr: config: %v\n", err)
		os.Exit(1)
	}
	if err := logging.Init("."); err != nil {
		fmt.Fprintf(os.Stderr, "agenr: logging: %v\n", err)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
