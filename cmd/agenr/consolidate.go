package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agenr-dev/agenr/internal/config"
	"github.com/agenr-dev/agenr/internal/consolidation"
	"github.com/agenr-dev/agenr/internal/entrystore"
	"github.com/agenr-dev/agenr/internal/llmjudge"
	"github.com/agenr-dev/agenr/internal/ui"
)

var (
	consolidateRulesOnly bool
	consolidateJudge     bool
	consolidateDBPath    string
	consolidateDryRun    bool
	consolidateVerbose   bool
	consolidateJSON      bool
)

// defaultJudgeClusterOptions bounds the judge pass: small clusters of
// tightly similar entries, so the number of Judge calls stays proportional
// to actual near-duplicates rather than the whole database.
var defaultJudgeClusterOptions = consolidation.ClusterOptions{
	MinCluster:          2,
	NeighborLimit:       5,
	SimilarityThreshold: 0.85,
}

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Run rule-based database cleanup",
	Long:  `--rules-only runs expiry/duplicate/orphan cleanup; --judge additionally clusters similar entries and asks the configured LLM judge how they relate.`,
	RunE:  runConsolidate,
}

func init() {
	consolidateCmd.Flags().BoolVar(&consolidateRulesOnly, "rules-only", false, "run the rule-based cleanup pass")
	consolidateCmd.Flags().BoolVar(&consolidateJudge, "judge", false, "also run the LLM-judge clustering pass")
	consolidateCmd.Flags().StringVar(&consolidateDBPath, "db", "", "database path (defaults to the configured path)")
	consolidateCmd.Flags().BoolVar(&consolidateDryRun, "dry-run", false, "stop before mutation")
	consolidateCmd.Flags().BoolVar(&consolidateVerbose, "verbose", false, "emit progress to stderr")
	consolidateCmd.Flags().BoolVar(&consolidateJSON, "json", false, "emit stats as JSON to stdout")
	rootCmd.AddCommand(consolidateCmd)
}

func runConsolidate(cmd *cobra.Command, args []string) error {
	if !consolidateRulesOnly {
		return fmt.Errorf("consolidate: only --rules-only is supported")
	}

	path := config.ResolvedDBPath(consolidateDBPath)
	if path == ":memory:" {
		return fmt.Errorf("consolidate: in-memory databases cannot be backed up")
	}

	db, err := deps.GetDB(path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer deps.CloseDB(db)
	if err := deps.InitDB(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	store := entrystore.New(db)

	opts := consolidation.Options{
		DryRun:  consolidateDryRun,
		Verbose: consolidateVerbose,
		OnLog:   func(msg string) { fmt.Fprintln(os.Stderr, msg) },
	}

	stats, err := consolidation.ConsolidateRules(cmd.Context(), db, path, store, opts)
	if err != nil {
		return err
	}

	var judgeStats *consolidation.JudgeStats
	if consolidateJudge && !consolidateDryRun {
		judge, err := llmjudge.New("")
		if err != nil {
			return fmt.Errorf("consolidate: judge: %w", err)
		}
		js, err := consolidation.RunJudgePass(cmd.Context(), db, store, judge, defaultJudgeClusterOptions, opts)
		if err != nil {
			return fmt.Errorf("consolidate: judge pass: %w", err)
		}
		judgeStats = &js
	}

	if consolidateJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if judgeStats != nil {
			return enc.Encode(struct {
				consolidation.Stats
				Judge consolidation.JudgeStats `json:"judge"`
			}{stats, *judgeStats})
		}
		return enc.Encode(stats)
	}

	fmt.Println(ui.StatLine("backup", stats.BackupPath))
	fmt.Println(ui.StatLine("expired", fmt.Sprintf("%d", stats.ExpiredCount)))
	fmt.Println(ui.StatLine("merged", fmt.Sprintf("%d", stats.MergedCount)))
	fmt.Println(ui.StatLine("orphans", fmt.Sprintf("%d", stats.OrphanedRelationsCleaned)))
	fmt.Println(ui.StatLine("entries", fmt.Sprintf("%d -> %d", stats.EntriesBefore, stats.EntriesAfter)))
	if judgeStats != nil {
		fmt.Println(ui.StatLine("judge-clusters", fmt.Sprintf("%d", judgeStats.ClustersExamined)))
		fmt.Println(ui.StatLine("judge-merged", fmt.Sprintf("%d", judgeStats.Merged)))
		fmt.Println(ui.StatLine("judge-related", fmt.Sprintf("%d", judgeStats.Related)))
		fmt.Println(ui.StatLine("judge-flagged", fmt.Sprintf("%d", judgeStats.FlaggedForReview)))
	}
	return nil
}
