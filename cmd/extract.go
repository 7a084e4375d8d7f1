package cmd

import (
	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osmquadtree-go/internal/logger"
	"github.com/wegman-software/osmquadtree-go/internal/pipeline"
	"github.com/wegman-software/osmquadtree-go/internal/progress"
)

var extractCmd = &cobra.Command{
	Use:   "extract <prefix>",
	Short: "Extract a region of a dataset at a point in time",
	Long: `Rebuild every tile intersecting --filter at --timestamp, keep the
records of the region's id set (or of a set saved with --ids) and write them
in batches of --groupby tiles.

Formats:
  - pbf      extract.pbf plus filelist.json; the output is itself a dataset
  - xml      extract.osm
  - parquet  nodes, ways, way_nodes, relations and relation_members tables
  - pg       COPY into <schema>.osm_nodes, osm_ways and osm_rels`,
	Args: cobra.ExactArgs(1),
	Run:  runExtract,
}

func init() {
	rootCmd.AddCommand(extractCmd)
	addFilterFlags(extractCmd)

	extractCmd.Flags().StringVar(&cfg.IdsFile, "ids", "", "Saved id set to use instead of --filter")
	extractCmd.Flags().StringVarP(&cfg.OutputDir, "output-dir", "o", cfg.OutputDir, "Output directory")
	extractCmd.Flags().StringVar(&cfg.Format, "format", cfg.Format, "Output format: pbf, xml, parquet or pg")
	extractCmd.Flags().StringVar(&cfg.Compression, "compression", cfg.Compression, "Block codec for pbf output, e.g. zstd:3")
	extractCmd.Flags().IntVar(&cfg.GroupBy, "groupby", cfg.GroupBy, "Tiles per emitted batch")
	extractCmd.Flags().IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Rows per Parquet row group")

	extractCmd.Flags().StringVar(&cfg.DBHost, "db-host", cfg.DBHost, "PostgreSQL host")
	extractCmd.Flags().IntVar(&cfg.DBPort, "db-port", cfg.DBPort, "PostgreSQL port")
	extractCmd.Flags().StringVarP(&cfg.DBName, "db-name", "d", cfg.DBName, "PostgreSQL database name")
	extractCmd.Flags().StringVarP(&cfg.DBUser, "db-user", "U", cfg.DBUser, "PostgreSQL user")
	extractCmd.Flags().StringVarP(&cfg.DBPassword, "db-password", "W", cfg.DBPassword, "PostgreSQL password")
	extractCmd.Flags().StringVar(&cfg.DBSchema, "db-schema", cfg.DBSchema, "PostgreSQL schema")
}

func runExtract(cmd *cobra.Command, args []string) {
	ctx, cancel := jobContext()
	defer cancel()
	log := logger.Get()
	c := newCoordinator(args[0])

	info, err := c.ExtractInfo()
	if err != nil {
		exitWithError("invalid extract", err)
	}
	sink, err := pipeline.OpenSink(ctx, cfg, info)
	if err != nil {
		exitWithError("failed to open output", err)
	}

	log.Info("Starting extract",
		zap.String("input", cfg.Input),
		zap.String("format", cfg.Format),
		zap.String("output", cfg.OutputDir),
		zap.Int("workers", cfg.Workers),
	)
	stats, err := c.RunExtract(ctx, sink)
	if err != nil {
		exitWithError("extract failed", err)
	}

	log.Info("Extract complete",
		zap.Duration("duration", stats.Elapsed),
		zap.String("throughput", progress.FormatThroughput(float64(stats.BytesRead)/stats.Elapsed.Seconds())),
	)
}
