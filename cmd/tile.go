package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var tileRecords bool

var tileCmd = &cobra.Command{
	Use:   "tile <prefix> <index>",
	Short: "Rebuild one tile",
	Long: `Rebuild tile <index> of a dataset at --timestamp and print a summary.
A negative index counts from the end, so -1 is the last tile.`,
	Args: cobra.ExactArgs(2),
	Run:  runTile,
}

func init() {
	rootCmd.AddCommand(tileCmd)
	addFilterFlags(tileCmd)
	tileCmd.Flags().StringVar(&cfg.IdsFile, "ids", "", "Saved id set to keep instead of --filter")
	tileCmd.Flags().BoolVar(&tileRecords, "records", false, "Print every record")
}

func runTile(cmd *cobra.Command, args []string) {
	i, err := strconv.Atoi(args[1])
	if err != nil {
		exitWithError("invalid tile index", err)
	}
	ctx, cancel := jobContext()
	defer cancel()

	blk, err := newCoordinator(args[0]).RunTile(ctx, i)
	if err != nil {
		exitWithError("failed to rebuild tile", err)
	}
	fmt.Println(blk)
	if !tileRecords {
		return
	}
	for j := range blk.Nodes {
		fmt.Println(&blk.Nodes[j])
	}
	for j := range blk.Ways {
		fmt.Println(&blk.Ways[j])
	}
	for j := range blk.Relations {
		fmt.Println(&blk.Relations[j])
	}
}
