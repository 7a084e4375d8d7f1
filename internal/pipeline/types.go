package pipeline

import (
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/osmquadtree-go/internal/elements"
	"github.com/wegman-software/osmquadtree-go/internal/metrics"
)

// Stats summarises one job
type Stats struct {
	Input     string
	Files     int
	Tiles     int
	Blocks    int64
	Nodes     int64
	Ways      int64
	Relations int64
	BytesRead int64
	Elapsed   time.Duration
	// Peak is nil when metrics collection was off
	Peak *metrics.Peak
}

func (s *Stats) addBlock(b *elements.Block) {
	s.Blocks++
	s.Nodes += int64(len(b.Nodes))
	s.Ways += int64(len(b.Ways))
	s.Relations += int64(len(b.Relations))
}

// Fields renders the stats as log fields
func (s *Stats) Fields() []zap.Field {
	fields := []zap.Field{
		zap.String("input", s.Input),
		zap.Int64("blocks", s.Blocks),
		zap.Int64("nodes", s.Nodes),
		zap.Int64("ways", s.Ways),
		zap.Int64("relations", s.Relations),
		zap.Duration("duration", s.Elapsed.Round(time.Millisecond)),
	}
	if s.Files > 0 {
		fields = append(fields, zap.Int("files", s.Files), zap.Int("tiles", s.Tiles))
	}
	if s.BytesRead > 0 {
		fields = append(fields, zap.Int64("bytes", s.BytesRead))
	}
	if s.Peak != nil {
		fields = append(fields,
			zap.Float64("peak_proc_cpu", s.Peak.ProcessCPUPercent),
			zap.Uint64("peak_rss", s.Peak.ProcessRSS))
	}
	return fields
}
