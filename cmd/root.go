package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/wegman-software/osmquadtree-go/internal/config"
	"github.com/wegman-software/osmquadtree-go/internal/logger"
	"github.com/wegman-software/osmquadtree-go/internal/pipeline"
	"github.com/wegman-software/osmquadtree-go/internal/progress"
)

var (
	cfg        = config.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "osmquadtree-go",
	Short: "Tile-sorted OSM block pipeline",
	Long: `osmquadtree-go reads OSM data stored as quadtree tile blocks: a base
snapshot plus change layers, listed in <prefix>/filelist.json.

Features:
  - Parallel block decoding with a single reader per file
  - Time-travel reconstruction of any tile up to a timestamp
  - Referentially complete id sets for a bbox or polygon
  - Extracts to tile-sorted PBF, OSM XML, Parquet or PostgreSQL
  - Change layers from osmChange files and replication servers`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFile != "" {
			if err := loadConfigFile(cmd.Flags()); err != nil {
				return err
			}
		}
		logger.Init(logger.Options{Debug: cfg.Verbose, File: cfg.LogFile})
		return nil
	},
}

// loadConfigFile applies the YAML file over the defaults, then re-applies
// every flag given on the command line so flags win
func loadConfigFile(flags *pflag.FlagSet) error {
	given := map[string]string{}
	flags.Visit(func(f *pflag.Flag) { given[f.Name] = f.Value.String() })

	loaded, err := config.LoadFile(configFile)
	if err != nil {
		return err
	}
	*cfg = *loaded
	for name, value := range given {
		if err := flags.Set(name, value); err != nil {
			return err
		}
	}
	return nil
}

func Execute() error {
	defer logger.Sync()
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file; flags override its values")
	rootCmd.PersistentFlags().BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&cfg.LogFile, "log-file", "", "Path to log file for persistent logging (JSON format)")
	rootCmd.PersistentFlags().IntVarP(&cfg.Workers, "workers", "j", cfg.Workers, "Number of parallel workers (0 runs everything on one goroutine)")
	rootCmd.PersistentFlags().DurationVar(&cfg.MetricsInterval, "metrics-interval", cfg.MetricsInterval, "Interval for system metrics logging (0 disables)")
	rootCmd.PersistentFlags().BoolVar(&cfg.Mmap, "mmap", false, "Memory-map input files")
}

// addFilterFlags registers the flags selecting what part of a dataset a
// command reads
func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&cfg.Filter, "filter", "f", "", "minlon,minlat,maxlon,maxlat (1e-7 degrees), deg:<box> or a .poly file")
	cmd.Flags().StringVarP(&cfg.Timestamp, "timestamp", "t", "", "Ignore change layers ending after this time")
}

// jobContext is cancelled by SIGINT or SIGTERM
func jobContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newCoordinator(input string) *pipeline.Coordinator {
	cfg.Input = input
	c, err := pipeline.NewCoordinator(cfg, progress.NewLogger(logger.Get()))
	if err != nil {
		exitWithError("invalid configuration", err)
	}
	return c
}

func exitWithError(msg string, err error) {
	log := logger.Get()
	if err != nil {
		log.Error(msg, zap.Error(err))
	} else {
		log.Error(msg)
	}
	logger.Sync()
	os.Exit(1)
}
