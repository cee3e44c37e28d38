package config

import (
	"os"
	"strconv"

	"gocohort/internal/errors"
)

// Config represents the complete application configuration
type Config struct {
	Input     InputConfig
	Artifacts ArtifactConfig
	Run       RunConfig
}

// InputConfig holds cohort table ingestion settings
type InputConfig struct {
	CohortFile      string // .xlsx or .csv, one row per subject
	Sheet           string // sheet name for .xlsx inputs
	MissingSentinel string // source's documented missingness marker
	StudyFile       string // YAML study definition (analyst decisions)
}

// ArtifactConfig holds artifact store settings
type ArtifactConfig struct {
	DBPath string // sqlite database for versioned run artifacts
}

// RunConfig holds per-run tunables with study defaults
type RunConfig struct {
	Seed       int64
	Trees      int     // boosting ensemble size
	Depth      int     // tree interaction depth
	Shrinkage  float64 // boosting learning rate
	Replicates int     // bootstrap replicate weights
}

// Load reads configuration from environment variables and validates it
func Load() (*Config, error) {
	cfg := &Config{
		Input: InputConfig{
			CohortFile:      os.Getenv("COHORT_FILE"),
			Sheet:           getEnvDefault("COHORT_SHEET", "Sheet1"),
			MissingSentinel: getEnvDefault("MISSING_SENTINEL", "NA"),
			StudyFile:       os.Getenv("STUDY_FILE"),
		},
		Artifacts: ArtifactConfig{
			DBPath: getEnvDefault("ARTIFACT_DB", "gocohort.db"),
		},
		Run: RunConfig{
			Seed:       getEnvInt64("SEED", 1),
			Trees:      getEnvInt("BOOST_TREES", 20000),
			Depth:      getEnvInt("BOOST_DEPTH", 3),
			Shrinkage:  getEnvFloat("BOOST_SHRINKAGE", 0.01),
			Replicates: getEnvInt("REPLICATES", 1000),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Input.CohortFile == "" {
		return errors.ConfigInvalid("COHORT_FILE is required")
	}
	if c.Input.StudyFile == "" {
		return errors.ConfigInvalid("STUDY_FILE is required")
	}
	if c.Run.Trees <= 0 {
		return errors.ConfigInvalid("BOOST_TREES must be positive")
	}
	if c.Run.Depth <= 0 {
		return errors.ConfigInvalid("BOOST_DEPTH must be positive")
	}
	if c.Run.Shrinkage <= 0 || c.Run.Shrinkage >= 1 {
		return errors.ConfigInvalid("BOOST_SHRINKAGE must be in (0,1)")
	}
	if c.Run.Replicates <= 0 {
		return errors.ConfigInvalid("REPLICATES must be positive")
	}
	return nil
}

// ArtifactDB returns the artifact store path without requiring the full
// run configuration; read-only commands use it.
func ArtifactDB() string {
	return getEnvDefault("ARTIFACT_DB", "gocohort.db")
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
