package cmd

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osmquadtree-go/internal/logger"
)

var filterOut string

var filterCmd = &cobra.Command{
	Use:   "filter <prefix>",
	Short: "Build the id set of a region",
	Long: `Select every node inside --filter, every way with a selected node and
every relation with a selected member, then add the nodes those ways need
so the set is referentially complete.

The set is saved with --out and can be passed to count and extract with
--ids. A filter covering the whole world needs no set and reads nothing.`,
	Args: cobra.ExactArgs(1),
	Run:  runFilter,
}

func init() {
	rootCmd.AddCommand(filterCmd)
	addFilterFlags(filterCmd)
	filterCmd.Flags().StringVarP(&filterOut, "out", "o", "", "File to save the id set to")
}

func runFilter(cmd *cobra.Command, args []string) {
	ctx, cancel := jobContext()
	defer cancel()
	c := newCoordinator(args[0])

	ids, stats, err := c.RunFilter(ctx, filterOut)
	if err != nil {
		exitWithError("filter failed", err)
	}
	logger.Get().Info("id set ready",
		zap.String("ids", fmt.Sprint(ids)),
		zap.Duration("duration", stats.Elapsed))
}
