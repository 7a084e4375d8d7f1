package cmd

import (
	"github.com/spf13/cobra"
)

var convertPrefix string

var convertCmd = &cobra.Command{
	Use:   "convert <file.osc[.gz]> <out.pbfc>",
	Short: "Write an osmChange file as a change layer",
	Long: `Read an osmChange document and write it as a tile-sorted change file.

With --prefix the records are placed into the tiles of that dataset, so the
file can be appended to its filelist.json. Without it every record goes to
the root tile.`,
	Args: cobra.ExactArgs(2),
	Run:  runConvert,
}

func init() {
	rootCmd.AddCommand(convertCmd)
	convertCmd.Flags().StringVar(&convertPrefix, "prefix", "", "Dataset whose tiles the records are placed into")
	convertCmd.Flags().StringVar(&cfg.Compression, "compression", cfg.Compression, "Block codec, e.g. zstd:3")
}

func runConvert(cmd *cobra.Command, args []string) {
	ctx, cancel := jobContext()
	defer cancel()
	input := args[0]
	if convertPrefix != "" {
		input = convertPrefix
	}
	if _, err := newCoordinator(input).ConvertChange(ctx, args[0], args[1]); err != nil {
		exitWithError("convert failed", err)
	}
}
