package cmd

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osmquadtree-go/internal/expire"
	"github.com/wegman-software/osmquadtree-go/internal/logger"
	"github.com/wegman-software/osmquadtree-go/internal/pbf"
	"github.com/wegman-software/osmquadtree-go/internal/progress"
	"github.com/wegman-software/osmquadtree-go/internal/replication"
)

var (
	replicationSource   string
	replicationInterval time.Duration
	replicationCache    string
	maxUpdates          int
	expireOutput        string
	expireMinZoom       int
	expireMaxZoom       int
)

var replicationCmd = &cobra.Command{
	Use:   "replication",
	Short: "Keep a dataset current from a replication server",
	Long: `Follow an OSM replication server and append one change layer per
published diff to a dataset. The State of the last filelist.json entry is
the last applied sequence.

Replication sources include:
  - minute, hour, day (OpenStreetMap planet)
  - geofabrik/<region> (e.g., geofabrik/monaco)
  - Custom URL (https://your-server/replication)

Examples:
  osmquadtree-go replication status data/ --source geofabrik/monaco
  osmquadtree-go replication update data/ --source geofabrik/monaco
  osmquadtree-go replication start data/ --source minute --interval 5m`,
}

var replicationStatusCmd = &cobra.Command{
	Use:   "status <prefix>",
	Short: "Show how far a dataset trails its source",
	Args:  cobra.ExactArgs(1),
	Run:   runReplicationStatus,
}

var replicationUpdateCmd = &cobra.Command{
	Use:   "update <prefix>",
	Short: "Apply pending diffs until caught up",
	Long: `Download every pending diff, place its records into the dataset's tiles
and append it as a change layer. --max-updates limits the number applied.`,
	Args: cobra.ExactArgs(1),
	Run:  runReplicationUpdate,
}

var replicationStartCmd = &cobra.Command{
	Use:   "start <prefix>",
	Short: "Apply diffs continuously",
	Long: `Check for new diffs every --interval and apply them, until interrupted
(Ctrl+C) or --max-updates have been applied.`,
	Args: cobra.ExactArgs(1),
	Run:  runReplicationStart,
}

var replicationListCmd = &cobra.Command{
	Use:   "list-sources",
	Short: "List predefined replication sources",
	Run: func(cmd *cobra.Command, args []string) {
		for _, source := range replication.ListSources() {
			fmt.Println(source)
		}
	},
}

func init() {
	rootCmd.AddCommand(replicationCmd)
	replicationCmd.AddCommand(replicationStatusCmd, replicationUpdateCmd, replicationStartCmd, replicationListCmd)

	replicationCmd.PersistentFlags().StringVar(&replicationSource, "source", "", "Replication source (e.g., geofabrik/monaco, minute)")
	replicationCmd.PersistentFlags().StringVar(&replicationCache, "cache-dir", "", "Directory for downloaded diffs (default <prefix>/replication)")
	replicationCmd.PersistentFlags().StringVar(&cfg.Compression, "compression", cfg.Compression, "Block codec for change layers")
	replicationCmd.PersistentFlags().IntVar(&maxUpdates, "max-updates", 0, "Maximum number of diffs to apply (0 = unlimited)")
	replicationCmd.PersistentFlags().StringVar(&expireOutput, "expire-output", "", "Append tiles touched by applied diffs to this file (z/x/y)")
	replicationCmd.PersistentFlags().IntVar(&expireMinZoom, "expire-min-zoom", 10, "Minimum zoom of expired tiles")
	replicationCmd.PersistentFlags().IntVar(&expireMaxZoom, "expire-max-zoom", 16, "Maximum zoom of expired tiles")
	replicationStartCmd.Flags().DurationVar(&replicationInterval, "interval", 5*time.Minute, "Interval between update checks")
}

// expireTracker is nil unless --expire-output is set
func expireTracker() *expire.Tracker {
	if expireOutput == "" {
		return nil
	}
	return expire.NewTracker(expireMinZoom, expireMaxZoom)
}

// flushExpired appends the collected tiles and starts a new list
func flushExpired(tracker *expire.Tracker) {
	if tracker == nil {
		return
	}
	if err := tracker.AppendToFile(expireOutput); err != nil {
		logger.Get().Error("Failed to write expire list", zap.Error(err))
	}
	tracker.Clear()
}

func getReplicator(prefix string, tracker *expire.Tracker) *replication.Replicator {
	if replicationSource == "" {
		exitWithError("--source is required", nil)
	}
	source, err := replication.ParseSource(replicationSource)
	if err != nil {
		exitWithError("invalid source", err)
	}
	comp, err := pbf.ParseCompression(cfg.Compression)
	if err != nil {
		exitWithError("invalid compression", err)
	}
	return replication.NewReplicator(prefix, source, replication.Options{
		Compression: comp,
		Workers:     cfg.Workers,
		Mmap:        cfg.Mmap,
		CacheDir:    replicationCache,
		Expire:      tracker,
	}, progress.NewLogger(logger.Get()))
}

func runReplicationStatus(cmd *cobra.Command, args []string) {
	ctx, cancel := jobContext()
	defer cancel()
	status, err := getReplicator(args[0], nil).Status(ctx)
	if err != nil {
		exitWithError("failed to get status", err)
	}
	logger.Get().Info("Replication status",
		zap.String("source", status.Source),
		zap.Int64("local_sequence", status.Local.Sequence),
		zap.Int64("remote_sequence", status.Remote.Sequence),
		zap.Int64("behind", status.Behind),
		zap.Duration("lag", status.Lag))
	fmt.Print(status)
}

func runReplicationUpdate(cmd *cobra.Command, args []string) {
	ctx, cancel := jobContext()
	defer cancel()
	tracker := expireTracker()
	applied, err := getReplicator(args[0], tracker).Run(ctx, maxUpdates)
	flushExpired(tracker)
	if err != nil {
		exitWithError("failed to apply update", err)
	}
	if applied == 0 {
		fmt.Println("Already up to date.")
		return
	}
	fmt.Printf("Applied %d updates.\n", applied)
}

func runReplicationStart(cmd *cobra.Command, args []string) {
	ctx, cancel := jobContext()
	defer cancel()
	log := logger.Get()
	tracker := expireTracker()
	r := getReplicator(args[0], tracker)

	log.Info("Starting continuous replication",
		zap.String("source", replicationSource),
		zap.Duration("interval", replicationInterval),
		zap.Int("max_updates", maxUpdates))

	ticker := time.NewTicker(replicationInterval)
	defer ticker.Stop()
	total := 0
	for {
		limit := 0
		if maxUpdates > 0 {
			limit = maxUpdates - total
		}
		applied, err := r.Run(ctx, limit)
		total += applied
		flushExpired(tracker)
		if err != nil && ctx.Err() == nil {
			log.Error("Failed to apply update", zap.Error(err))
		}
		if maxUpdates > 0 && total >= maxUpdates {
			log.Info("Reached max updates limit", zap.Int("max", maxUpdates))
			return
		}
		select {
		case <-ctx.Done():
			log.Info("Replication stopped", zap.Int("total_updates_applied", total))
			return
		case <-ticker.C:
		}
	}
}
