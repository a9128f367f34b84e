package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/biomatch/internal/score"
	"github.com/andresmejia3/biomatch/internal/types"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "BIOMATCH_"

type Config struct {
	Context  ContextConfig  `yaml:"context"`
	Engine   EngineConfig   `yaml:"engine"`
	Database DatabaseConfig `yaml:"database"`
	Blob     BlobConfig     `yaml:"blob"`
	Log      LogConfig      `yaml:"log"`
}

// ContextConfig is the file form of types.Context. Enums are spelled out.
type ContextConfig struct {
	Policy           string   `yaml:"policy"`
	MinObjectSize    uint32   `yaml:"min_object_size"`
	Role             string   `yaml:"role"`
	Threshold        *float64 `yaml:"threshold"` // nil disables the cutoff
	MaxReturns       uint32   `yaml:"max_returns"`
	Hint             float64  `yaml:"hint"`
	ClusterThreshold float64  `yaml:"cluster_threshold"`
	BatchPolicy      string   `yaml:"batch_policy"`
}

type EngineConfig struct {
	Workers       int           `yaml:"workers"`
	Comparator    string        `yaml:"comparator"`
	WorkerScript  string        `yaml:"worker_script"`
	WorkerTimeout time.Duration `yaml:"worker_timeout"`
	Seed          uint64        `yaml:"seed"`
	ANN           bool          `yaml:"ann"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"` // PostgreSQL connection URL, optional
}

// BlobConfig selects where serialized galleries are pushed. Endpoint empty
// means the local directory Dir.
type BlobConfig struct {
	Dir       string `yaml:"dir"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration that works without a file.
func Default() *Config {
	d := types.DefaultContext()
	return &Config{
		Context: ContextConfig{
			Policy:           d.Policy.String(),
			Role:             d.Role.String(),
			MaxReturns:       d.MaxReturns,
			ClusterThreshold: d.ClusterThreshold,
			BatchPolicy:      d.BatchPolicy.String(),
		},
		Engine: EngineConfig{
			Workers:       1,
			Comparator:    "cosine",
			WorkerScript:  "python/worker.py",
			WorkerTimeout: 30 * time.Second,
			Seed:          1,
		},
		Blob: BlobConfig{Dir: "galleries"},
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}

// Load applies defaults, then the YAML file at path (if any), then
// BIOMATCH_* environment variables, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config: %v: %w", err, types.ErrConfig)
		}
		defer f.Close()
		if err := decode(f, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("YAML syntax error in config: %v: %w", err, types.ErrConfig)
	}
	return nil
}

func (c *Config) applyEnv() error {
	envString(&c.Context.Policy, "POLICY")
	envString(&c.Context.Role, "ROLE")
	envString(&c.Context.BatchPolicy, "BATCH_POLICY")
	envString(&c.Engine.Comparator, "COMPARATOR")
	envString(&c.Engine.WorkerScript, "WORKER_SCRIPT")
	envString(&c.Database.URL, "DATABASE_URL")
	envString(&c.Blob.Dir, "BLOB_DIR")
	envString(&c.Blob.Endpoint, "BLOB_ENDPOINT")
	envString(&c.Blob.Bucket, "BLOB_BUCKET")
	envString(&c.Blob.AccessKey, "BLOB_ACCESS_KEY")
	envString(&c.Blob.SecretKey, "BLOB_SECRET_KEY")
	envString(&c.Log.Level, "LOG_LEVEL")
	envString(&c.Log.Format, "LOG_FORMAT")
	c.Engine.Workers = envInt("WORKERS", c.Engine.Workers)

	if s := os.Getenv(EnvPrefix + "THRESHOLD"); s != "" {
		if strings.EqualFold(s, "none") {
			c.Context.Threshold = nil
		} else {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("%sTHRESHOLD=%q: %w", EnvPrefix, s, types.ErrConfig)
			}
			c.Context.Threshold = &v
		}
	}
	if s := os.Getenv(EnvPrefix + "CLUSTER_THRESHOLD"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("%sCLUSTER_THRESHOLD=%q: %w", EnvPrefix, s, types.ErrConfig)
		}
		c.Context.ClusterThreshold = v
	}
	if s := os.Getenv(EnvPrefix + "MAX_RETURNS"); s != "" {
		v, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return fmt.Errorf("%sMAX_RETURNS=%q: %w", EnvPrefix, s, types.ErrConfig)
		}
		c.Context.MaxReturns = uint32(v)
	}
	if s := os.Getenv(EnvPrefix + "WORKER_TIMEOUT"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%sWORKER_TIMEOUT=%q: %w", EnvPrefix, s, types.ErrConfig)
		}
		c.Engine.WorkerTimeout = d
	}
	return nil
}

func envString(dst *string, key string) {
	if s := os.Getenv(EnvPrefix + key); s != "" {
		*dst = s
	}
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(EnvPrefix + key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// Validate checks every enum and range. Errors wrap types.ErrConfig.
func (c *Config) Validate() error {
	if _, err := c.TypesContext(); err != nil {
		return err
	}
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be at least 1, got %d: %w", c.Engine.Workers, types.ErrConfig)
	}
	if _, err := score.ByName(c.Engine.Comparator); err != nil {
		return err
	}
	if c.Engine.WorkerTimeout < 0 {
		return fmt.Errorf("engine.worker_timeout is negative: %w", types.ErrConfig)
	}
	if c.Blob.Endpoint != "" && c.Blob.Bucket == "" {
		return fmt.Errorf("blob.bucket is required with blob.endpoint: %w", types.ErrConfig)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q: %w", c.Log.Format, types.ErrConfig)
	}
	return nil
}

// TypesContext converts the file form into a types.Context.
func (c *Config) TypesContext() (types.Context, error) {
	out := types.DefaultContext()
	var err error
	if out.Policy, err = types.ParseDetectionPolicy(c.Context.Policy); err != nil {
		return out, fmt.Errorf("context.policy: %v: %w", err, types.ErrConfig)
	}
	if out.Role, err = types.ParseRole(c.Context.Role); err != nil {
		return out, fmt.Errorf("context.role: %v: %w", err, types.ErrConfig)
	}
	if out.BatchPolicy, err = types.ParseBatchPolicy(c.Context.BatchPolicy); err != nil {
		return out, fmt.Errorf("context.batch_policy: %v: %w", err, types.ErrConfig)
	}
	if math.IsNaN(c.Context.ClusterThreshold) {
		return out, fmt.Errorf("context.cluster_threshold is NaN: %w", types.ErrConfig)
	}
	out.MinObjectSize = c.Context.MinObjectSize
	out.MaxReturns = c.Context.MaxReturns
	out.Hint = c.Context.Hint
	out.ClusterThreshold = c.Context.ClusterThreshold
	if c.Context.Threshold != nil {
		if math.IsNaN(*c.Context.Threshold) {
			return out, fmt.Errorf("context.threshold is NaN: %w", types.ErrConfig)
		}
		out.Threshold = *c.Context.Threshold
	}
	return out, nil
}
