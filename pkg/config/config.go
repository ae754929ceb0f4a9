// Package config provides configuration loading and management for anatomesh.
// It handles loading configuration from YAML files, applies ANATOMESH_*
// environment overrides and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ANATOMESH_"

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumWorkers bounds how many structures are meshed concurrently
		NumWorkers int `yaml:"numWorkers"`

		// IsoLevel is the threshold the isosurface is extracted at
		IsoLevel float64 `yaml:"isoLevel"`

		// ToolTimeout bounds the external segmentation tool invocation
		ToolTimeout time.Duration `yaml:"toolTimeout"`
	} `yaml:"processing"`

	// Mesh conditioning parameters
	Conditioning struct {
		Smooth            bool    `yaml:"smooth"`
		SmoothIterations  int     `yaml:"smoothIterations"`
		SmoothFactor      float64 `yaml:"smoothFactor"`
		Decimate          bool    `yaml:"decimate"`
		DecimateThreshold int     `yaml:"decimateThreshold"`
		DecimateRatio     float64 `yaml:"decimateRatio"`
		DecimateFloor     int     `yaml:"decimateFloor"`

		// WeldEpsilon is the distance in mm under which vertices are merged
		WeldEpsilon float64 `yaml:"weldEpsilon"`
	} `yaml:"conditioning"`

	// Segmentation tool invocation
	Segmentation struct {
		// Command is the argv template; {input} and {output} are substituted
		Command []string `yaml:"command"`

		// Fast appends --fast to the command
		Fast bool `yaml:"fast"`

		// Device is gpu or cpu; cpu hides CUDA devices from the tool
		Device string `yaml:"device"`
	} `yaml:"segmentation"`

	// Object storage for inputs and artifacts
	Storage struct {
		Driver      string `yaml:"driver"`
		FSRoot      string `yaml:"fsRoot"`
		S3Bucket    string `yaml:"s3Bucket"`
		S3Region    string `yaml:"s3Region"`
		S3Endpoint  string `yaml:"s3Endpoint"`
		S3PathStyle bool   `yaml:"s3PathStyle"`

		// OutputPrefix is the artifact key prefix; {jobId} is substituted
		OutputPrefix string `yaml:"outputPrefix"`
	} `yaml:"storage"`

	// Job record store
	Jobs struct {
		Driver      string `yaml:"driver"`
		DSN         string `yaml:"dsn"`
		RedisAddr   string `yaml:"redisAddr"`
		RedisPrefix string `yaml:"redisPrefix"`
	} `yaml:"jobs"`

	// Export parameters
	Export struct {
		// CombinedLabelMap builds segmentations.nii.gz from all masks
		CombinedLabelMap bool `yaml:"combinedLabelMap"`

		// Previews renders PNG mid-slices of the combined label map
		Previews bool `yaml:"previews"`
	} `yaml:"export"`

	Logging struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"logging"`

	Metrics struct {
		Namespace string `yaml:"namespace"`

		// Textfile, when set, receives a Prometheus text dump after each run
		Textfile string `yaml:"textfile"`
	} `yaml:"metrics"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumWorkers = runtime.NumCPU()
	cfg.Processing.IsoLevel = 0.5
	cfg.Processing.ToolTimeout = 2 * time.Hour

	cfg.Conditioning.Smooth = true
	cfg.Conditioning.SmoothIterations = 20
	cfg.Conditioning.SmoothFactor = 0.5
	cfg.Conditioning.Decimate = true
	cfg.Conditioning.DecimateThreshold = 1000
	cfg.Conditioning.DecimateRatio = 0.20
	cfg.Conditioning.DecimateFloor = 100
	cfg.Conditioning.WeldEpsilon = 1e-6

	cfg.Segmentation.Command = []string{"TotalSegmentator", "-i", "{input}", "-o", "{output}"}
	cfg.Segmentation.Fast = true
	cfg.Segmentation.Device = "gpu"

	cfg.Storage.Driver = "fs"
	cfg.Storage.FSRoot = "./blobdata"
	cfg.Storage.S3Region = "us-east-1"
	cfg.Storage.OutputPrefix = "results/{jobId}/"

	cfg.Jobs.Driver = "sqlite"
	cfg.Jobs.DSN = "anatomesh.db"
	cfg.Jobs.RedisAddr = "localhost:6379"
	cfg.Jobs.RedisPrefix = "anatomesh:job:"

	cfg.Export.CombinedLabelMap = true
	cfg.Export.Previews = true

	cfg.Logging.Level = "info"

	cfg.Metrics.Namespace = "anatomesh"

	return cfg
}

// LoadConfig loads configuration from a YAML file and applies environment
// overrides. If the file doesn't exist, defaults are used.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("error reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("error parsing config file: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Processing.NumWorkers < 1 {
		return fmt.Errorf("processing.numWorkers must be at least 1")
	}
	if c.Processing.ToolTimeout <= 0 {
		return fmt.Errorf("processing.toolTimeout must be positive")
	}
	if c.Conditioning.DecimateRatio <= 0 || c.Conditioning.DecimateRatio > 1 {
		return fmt.Errorf("conditioning.decimateRatio must be in (0, 1]")
	}
	if c.Conditioning.SmoothFactor < 0 || c.Conditioning.SmoothFactor > 1 {
		return fmt.Errorf("conditioning.smoothFactor must be in [0, 1]")
	}
	if len(c.Segmentation.Command) == 0 {
		return fmt.Errorf("segmentation.command must not be empty")
	}
	return nil
}

// applyEnv overrides fields from ANATOMESH_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	var errs []string
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	integer("NUM_WORKERS", &c.Processing.NumWorkers)
	duration("TOOL_TIMEOUT", &c.Processing.ToolTimeout)
	boolean("SMOOTH", &c.Conditioning.Smooth)
	boolean("DECIMATE", &c.Conditioning.Decimate)
	boolean("FAST", &c.Segmentation.Fast)
	str("DEVICE", &c.Segmentation.Device)
	str("BLOB_DRIVER", &c.Storage.Driver)
	str("BLOB_FS_ROOT", &c.Storage.FSRoot)
	str("BLOB_S3_BUCKET", &c.Storage.S3Bucket)
	str("BLOB_S3_REGION", &c.Storage.S3Region)
	str("BLOB_S3_ENDPOINT", &c.Storage.S3Endpoint)
	boolean("BLOB_S3_PATH_STYLE", &c.Storage.S3PathStyle)
	str("JOBS_DRIVER", &c.Jobs.Driver)
	str("JOBS_DSN", &c.Jobs.DSN)
	str("REDIS_ADDR", &c.Jobs.RedisAddr)
	str("LOG_LEVEL", &c.Logging.Level)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment overrides: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
