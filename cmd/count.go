package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var countChange bool

var countCmd = &cobra.Command{
	Use:   "count <file|prefix>",
	Short: "Count the records of a file or dataset",
	Long: `Count nodes, ways and relations with their id, timestamp and coordinate
ranges.

A single file is counted as stored. For a prefix directory every tile is
rebuilt at --timestamp, limited to --filter when given, and the result is
counted. With --change the records are counted per change type instead and
change layers are read as stored, without folding.`,
	Args: cobra.ExactArgs(1),
	Run:  runCount,
}

func init() {
	rootCmd.AddCommand(countCmd)
	addFilterFlags(countCmd)
	countCmd.Flags().StringVar(&cfg.IdsFile, "ids", "", "Saved id set to count instead of --filter")
	countCmd.Flags().BoolVar(&countChange, "change", false, "Count per change type")
}

func runCount(cmd *cobra.Command, args []string) {
	ctx, cancel := jobContext()
	defer cancel()
	c := newCoordinator(args[0])

	if countChange {
		result, _, err := c.RunCountChange(ctx)
		if err != nil {
			exitWithError("count failed", err)
		}
		fmt.Println(result)
		return
	}
	result, _, err := c.RunCount(ctx)
	if err != nil {
		exitWithError("count failed", err)
	}
	fmt.Println(result)
}
