package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wegman-software/osmquadtree-go/internal/elements"
	"github.com/wegman-software/osmquadtree-go/internal/pbf"
)

// Output formats accepted by extract
const (
	FormatPBF     = "pbf"
	FormatParquet = "parquet"
	FormatXML     = "xml"
	FormatPG      = "pg"
)

var formats = []string{FormatPBF, FormatParquet, FormatXML, FormatPG}

// Config holds the global configuration for a job
type Config struct {
	// Input settings
	Input     string `yaml:"input"`     // container file or tile-sorted prefix directory
	Filter    string `yaml:"filter"`    // box, deg:box or .poly path; empty for none
	IdsFile   string `yaml:"ids_file"`  // saved id set to use instead of Filter
	Timestamp string `yaml:"timestamp"` // ignore change layers ending after this time
	Mmap      bool   `yaml:"mmap"`

	// Output settings
	OutputDir   string `yaml:"output_dir"`
	Format      string `yaml:"format"`
	Compression string `yaml:"compression"` // block codec for container output, e.g. zstd:3

	// Database settings
	DBHost     string `yaml:"db_host"`
	DBPort     int    `yaml:"db_port"`
	DBName     string `yaml:"db_name"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBSchema   string `yaml:"db_schema"`

	// Processing settings
	Workers   int `yaml:"workers"` // 0 runs every stage on the calling goroutine
	GroupBy   int `yaml:"groupby"` // tiles per emitted batch
	BatchSize int `yaml:"batch_size"`

	// Logging and metrics
	Verbose         bool          `yaml:"verbose"`
	LogFile         string        `yaml:"log_file"` // empty = no file logging
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		OutputDir:       "./osm_data",
		Format:          FormatPBF,
		Compression:     "zlib",
		DBHost:          "localhost",
		DBPort:          5432,
		DBName:          "osm",
		DBUser:          "postgres",
		DBSchema:        "public",
		Workers:         runtime.NumCPU(),
		GroupBy:         64,
		BatchSize:       100000,
		MetricsInterval: 30 * time.Second,
	}
}

// LoadFile reads a YAML config file over the defaults
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// ConnectionString returns a PostgreSQL connection string
func (c *Config) ConnectionString() string {
	connStr := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBName, c.DBUser,
	)
	if c.DBPassword != "" {
		connStr += fmt.Sprintf(" password=%s", c.DBPassword)
	}
	return connStr
}

// TimestampValue parses Timestamp, returning 0 when it is unset
func (c *Config) TimestampValue() (int64, error) {
	if c.Timestamp == "" {
		return 0, nil
	}
	return elements.ParseTimestamp(c.Timestamp)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Input == "" {
		return errors.New("input is required")
	}
	if c.Workers < 0 {
		return errors.New("workers must not be negative")
	}
	if c.GroupBy < 1 {
		return errors.New("groupby must be at least 1")
	}
	if c.BatchSize < 1 {
		return errors.New("batch size must be at least 1")
	}
	if !slices.Contains(formats, c.Format) {
		return fmt.Errorf("unknown output format %q", c.Format)
	}
	if _, err := pbf.ParseCompression(c.Compression); err != nil {
		return err
	}
	if _, err := c.TimestampValue(); err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	return nil
}
