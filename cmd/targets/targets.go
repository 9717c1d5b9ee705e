// Package targets implements administrative commands for the crawl target
// queue: recovering orphaned claims, resetting failed targets, and seeding
// new work.
package targets

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leadharvest/bizcrawl/cmd/common"
	"github.com/leadharvest/bizcrawl/internal/database"
	"github.com/leadharvest/bizcrawl/internal/domain"
)

// Command creates the targets command and its subcommands.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Manage the crawl target queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(recoverCommand())
	cmd.AddCommand(resetCommand())
	cmd.AddCommand(seedCommand())
	return cmd
}

func openRepository(deps common.CommandDeps) (*database.TargetRepository, func(), error) {
	db, err := deps.OpenDatabase()
	if err != nil {
		return nil, nil, err
	}
	repo := database.NewTargetRepository(db, database.NewListingRepository())
	return repo, func() { db.Close() }, nil
}

func recoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Reclaim targets whose worker stopped heartbeating",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := common.NewCommandDeps()
			if err != nil {
				return err
			}
			repo, closeDB, err := openRepository(deps)
			if err != nil {
				return err
			}
			defer closeDB()

			count, recovered, err := repo.RecoverOrphans(
				cmd.Context(),
				deps.Config.Crawl.HeartbeatTimeout,
				deps.Config.Crawl.Partitions,
			)
			if err != nil {
				return fmt.Errorf("failed to recover orphans: %w", err)
			}

			for _, target := range recovered {
				owner := ""
				if target.ClaimedBy != nil {
					owner = *target.ClaimedBy
				}
				deps.Logger.Info("recovered orphaned target",
					"target_id", target.ID,
					"partition", target.PartitionKey,
					"page_current", target.PageCurrent,
					"prior_owner", owner)
			}
			fmt.Printf("recovered %d orphaned targets\n", count)
			return nil
		},
	}
}

func resetCommand() *cobra.Command {
	var maxAttempts int

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Return failed targets to the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := common.NewCommandDeps()
			if err != nil {
				return err
			}
			repo, closeDB, err := openRepository(deps)
			if err != nil {
				return err
			}
			defer closeDB()

			count, err := repo.ResetFailed(cmd.Context(), deps.Config.Crawl.Partitions, maxAttempts)
			if err != nil {
				return fmt.Errorf("failed to reset targets: %w", err)
			}
			fmt.Printf("reset %d failed targets to planned\n", count)
			return nil
		},
	}

	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0,
		"only reset targets with at most this many attempts (0 resets all)")
	return cmd
}

func seedCommand() *cobra.Command {
	var (
		partition   string
		city        string
		category    string
		primaryURL  string
		fallbackURL string
		priority    int
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Add a planned target to the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := common.NewCommandDeps()
			if err != nil {
				return err
			}
			repo, closeDB, err := openRepository(deps)
			if err != nil {
				return err
			}
			defer closeDB()

			target := &domain.Target{
				PartitionKey:  partition,
				City:          city,
				CategoryLabel: category,
				Priority:      priority,
				PrimaryURL:    primaryURL,
			}
			if fallbackURL != "" {
				target.FallbackURL = &fallbackURL
			}

			if err := repo.Seed(cmd.Context(), target); err != nil {
				return fmt.Errorf("failed to seed target: %w", err)
			}
			fmt.Printf("seeded target %d in partition %s\n", target.ID, target.PartitionKey)
			return nil
		},
	}

	cmd.Flags().StringVar(&partition, "partition", "", "partition key, e.g. springfield|plumbers")
	cmd.Flags().StringVar(&city, "city", "", "city name")
	cmd.Flags().StringVar(&category, "category", "", "business category label")
	cmd.Flags().StringVar(&primaryURL, "url", "", "primary listing URL")
	cmd.Flags().StringVar(&fallbackURL, "fallback-url", "", "fallback listing URL")
	cmd.Flags().IntVar(&priority, "priority", domain.TargetDefaultPriority, "scheduling priority (1 runs first)")
	_ = cmd.MarkFlagRequired("partition")
	_ = cmd.MarkFlagRequired("city")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}
