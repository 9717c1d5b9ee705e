// Package progress implements the command that displays crawl progress
// per partition in a formatted table.
package progress

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/leadharvest/bizcrawl/cmd/common"
	"github.com/leadharvest/bizcrawl/internal/database"
	"github.com/leadharvest/bizcrawl/internal/domain"
)

// partitionProgress pairs a partition key with its snapshot for rendering.
type partitionProgress struct {
	key      string
	snapshot *domain.ProgressSnapshot
}

// renderTable formats per-partition progress with an aggregate footer.
func renderTable(rows []partitionProgress, total *domain.ProgressSnapshot) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)

	t.AppendHeader(table.Row{"Partition", "Planned", "In Progress", "Done", "Failed", "Parked", "Total", "Done %"})

	for _, row := range rows {
		s := row.snapshot
		t.AppendRow(table.Row{
			row.key,
			s.Planned,
			s.InProgress,
			s.Done,
			s.Failed,
			s.Parked,
			s.Total,
			fmt.Sprintf("%.1f%%", s.ProgressPct()*100),
		})
	}

	t.AppendFooter(table.Row{
		"all",
		total.Planned,
		total.InProgress,
		total.Done,
		total.Failed,
		total.Parked,
		total.Total,
		fmt.Sprintf("%.1f%%", total.ProgressPct()*100),
	})

	t.Render()
}

func run(ctx context.Context, deps common.CommandDeps) error {
	db, err := deps.OpenDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	repo := database.NewTargetRepository(db, database.NewListingRepository())
	partitions := deps.Config.Crawl.Partitions

	rows := make([]partitionProgress, 0, len(partitions))
	for _, key := range partitions {
		snapshot, err := repo.Progress(ctx, []string{key})
		if err != nil {
			return fmt.Errorf("failed to get progress for %s: %w", key, err)
		}
		rows = append(rows, partitionProgress{key: key, snapshot: snapshot})
	}

	total, err := repo.Progress(ctx, partitions)
	if err != nil {
		return fmt.Errorf("failed to get progress: %w", err)
	}

	renderTable(rows, total)
	return nil
}

// Command creates the progress command.
func Command() *cobra.Command {
	return &cobra.Command{
		Use:   "progress",
		Short: "Show crawl progress per partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := common.NewCommandDeps()
			if err != nil {
				return err
			}
			return run(cmd.Context(), deps)
		},
	}
}
