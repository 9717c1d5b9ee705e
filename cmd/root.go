// Package cmd implements the command-line interface for bizcrawl.
// It provides the root command and subcommands for running and operating
// the business-listing crawl scheduler.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leadharvest/bizcrawl/cmd/common"
	"github.com/leadharvest/bizcrawl/cmd/crawl"
	"github.com/leadharvest/bizcrawl/cmd/progress"
	"github.com/leadharvest/bizcrawl/cmd/targets"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "bizcrawl",
	Short: "A partitioned business-listing crawl scheduler",
	Long: `bizcrawl schedules and runs paginated crawls of business-listing
sources, checkpointing progress per page so interrupted work resumes
exactly where it left off.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&common.CfgFile,
		"config",
		"",
		"config file (default is ./config.yaml)",
	)
	rootCmd.PersistentFlags().BoolVar(&common.Debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bizcrawl version %s\n", Version)
		},
	})

	rootCmd.AddCommand(crawl.Command())
	rootCmd.AddCommand(progress.Command())
	rootCmd.AddCommand(targets.Command())
}
