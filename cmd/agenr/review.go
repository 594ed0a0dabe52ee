package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/agenr-dev/agenr/internal/config"
	"github.com/agenr-dev/agenr/internal/consolidation"
	"github.com/agenr-dev/agenr/internal/entrystore"
	"github.com/agenr-dev/agenr/internal/ui"
)

var (
	reviewDBPath string
	reviewLimit  int
	reviewSince  string
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "List and triage the review queue",
	RunE:  runReviewList,
}

var reviewDismissCmd = &cobra.Command{
	Use:   "dismiss <id>",
	Short: "Dismiss a pending review and rehabilitate its entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewDismiss,
}

var reviewRetireCmd = &cobra.Command{
	Use:   "retire <id>",
	Short: "Retire the entry a pending review points at",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewRetire,
}

func init() {
	reviewCmd.Flags().StringVar(&reviewDBPath, "db", "", "database path (defaults to the configured path)")
	reviewCmd.Flags().IntVar(&reviewLimit, "limit", 0, "maximum rows to print (0 = unbounded)")
	reviewCmd.Flags().StringVar(&reviewSince, "since", "", "only rows created since this time (natural language accepted)")
	reviewCmd.AddCommand(reviewDismissCmd)
	reviewCmd.AddCommand(reviewRetireCmd)
	rootCmd.AddCommand(reviewCmd)
}

func parseSince(text string) (*time.Time, error) {
	if text == "" {
		return nil, nil
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, time.Now())
	if err != nil {
		return nil, fmt.Errorf("parse --since: %w", err)
	}
	if r == nil {
		return nil, fmt.Errorf("could not understand --since %q", text)
	}
	return &r.Time, nil
}

func runReviewList(cmd *cobra.Command, args []string) error {
	since, err := parseSince(reviewSince)
	if err != nil {
		return err
	}

	path := config.ResolvedDBPath(reviewDBPath)
	db, err := deps.GetDB(path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer deps.CloseDB(db)
	if err := deps.InitDB(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	rows, err := consolidation.ListPending(cmd.Context(), db, reviewLimit, since)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "id\tentry\treason\tdetail\taction\tage")
	now := deps.Now()
	for _, r := range rows {
		age := formatAge(now, r.CreatedAt)
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.EntrySubject, r.Reason, r.Detail, r.SuggestedAction, ui.ReviewAgeStyle(age).Render(age))
	}
	return tw.Flush()
}

func formatAge(now, createdAt time.Time) string {
	d := now.Sub(createdAt)
	if d < time.Hour {
		return "<1h"
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

func runReviewDismiss(cmd *cobra.Command, args []string) error {
	id, err := parseReviewID(args[0])
	if err != nil {
		return err
	}

	path := config.ResolvedDBPath(reviewDBPath)
	db, err := deps.GetDB(path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer deps.CloseDB(db)
	if err := deps.InitDB(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	store := entrystore.New(db)
	if err := consolidation.DismissReview(cmd.Context(), db, store, id); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("Dismissed review %d.\n", id)
	return nil
}

func runReviewRetire(cmd *cobra.Command, args []string) error {
	id, err := parseReviewID(args[0])
	if err != nil {
		return err
	}

	path := config.ResolvedDBPath(reviewDBPath)
	db, err := deps.GetDB(path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer deps.CloseDB(db)
	if err := deps.InitDB(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	store := entrystore.New(db)
	if err := consolidation.RetireReview(cmd.Context(), db, store, id); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("Retired entry for review %d.\n", id)
	return nil
}

func parseReviewID(s string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid review id %q", s)
	}
	return id, nil
}
