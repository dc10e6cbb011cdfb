package commands

import (
	"context"
	"strconv"
	"time"

	"github.com/dyluth/ccss/internal/printer"
	"github.com/dyluth/ccss/internal/rules"
	"github.com/dyluth/ccss/pkg/critical"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List shared critical CSS and its freshness",
	Long: `List every shared key produced by the configured rules, and every stored
shared entry, with its freshness:

  fresh     stored and not yet expired
  expired   stored but due for regeneration by the next sweep
  missing   configured but never generated
  orphaned  stored but no longer produced by any shared rule`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.ListShared(ctx)
	if err != nil {
		return err
	}

	rows := statusRows(rules.SharedTargets(cfg.Rules), entries, time.Now())
	if len(rows) == 0 {
		printer.Info("No shared rules configured and no shared entries stored.\n")
		return nil
	}

	printer.Info("Namespace: %s (rules revision %d)\n\n", cfg.Namespace, cfg.Rules.Revision)
	printer.Table([]string{"KEY", "STATUS", "EXPIRES", "UPDATED", "BYTES"}, rows)
	return nil
}

// statusRows lists configured keys in rule order, then orphaned entries by key
func statusRows(targets []critical.Target, entries []*critical.SharedEntry, now time.Time) [][]string {
	byKey := make(map[string]*critical.SharedEntry, len(entries))
	for _, e := range entries {
		byKey[e.Key] = e
	}

	var rows [][]string
	configured := make(map[string]bool, len(targets))
	for _, target := range targets {
		configured[target.Key] = true
		entry, ok := byKey[target.Key]
		if !ok {
			rows = append(rows, []string{target.Key, "missing", "-", "-", "-"})
			continue
		}
		status := "fresh"
		if entry.Expired(now) {
			status = "expired"
		}
		rows = append(rows, entryRow(entry, status))
	}

	for _, entry := range entries {
		if !configured[entry.Key] {
			rows = append(rows, entryRow(entry, "orphaned"))
		}
	}
	return rows
}

func entryRow(e *critical.SharedEntry, status string) []string {
	updated := "-"
	if !e.UpdatedAt.IsZero() {
		updated = e.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return []string{e.Key, status, e.ExpiresAt.UTC().Format(time.RFC3339), updated, strconv.Itoa(len(e.CSS))}
}
