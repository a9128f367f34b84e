package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/andresmejia3/biomatch/internal/config"
	"github.com/andresmejia3/biomatch/internal/logging"
	"github.com/andresmejia3/biomatch/internal/metrics"
	"github.com/andresmejia3/biomatch/internal/store"
	"github.com/andresmejia3/biomatch/internal/types"
	"github.com/andresmejia3/biomatch/internal/utils"
)

// GlobalOptions holds the persistent flags shared by every command
type GlobalOptions struct {
	ConfigPath   string
	DBURL        string
	LogLevel     string
	LogFormat    string
	MetricsFile  string
	Workers      int
	WorkerScript string

	// Per-call context overrides
	Policy           string
	MinObjectSize    uint32
	Role             string
	Threshold        string
	MaxReturns       uint32
	Hint             float64
	ClusterThreshold float64
	BatchPolicy      string
}

var (
	globalOpts GlobalOptions

	// Cfg is the resolved configuration: defaults, file, env, then flags
	Cfg *config.Config
	// Log is the structured logger shared by subcommands
	Log *logging.Logger
	// DB is opened on first use by the commands that need it
	DB *store.Store
	// CallCtx is the resolved per-call context handed to the engine
	CallCtx types.Context
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "biomatch",
	Short:   "Biometric enrollment, search, verification and clustering",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is fine; real environment variables still apply
		_ = godotenv.Load()

		cfg, err := config.Load(globalOpts.ConfigPath)
		if err != nil {
			return err
		}
		if err := applyGlobalFlags(cmd.Flags(), cfg); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		Cfg = cfg
		if CallCtx, err = cfg.TypesContext(); err != nil {
			return err
		}

		level, err := logging.ParseLevel(cfg.Log.Level)
		if err != nil {
			return err
		}
		Log = logging.New(os.Stderr, level, cfg.Log.Format)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
			DB = nil
		}
		if globalOpts.MetricsFile != "" {
			return metrics.WriteFile(globalOpts.MetricsFile)
		}
		return nil
	},
}

// applyGlobalFlags copies the flags the user actually set over cfg.
func applyGlobalFlags(flags *pflag.FlagSet, cfg *config.Config) error {
	if flags.Changed("db") {
		cfg.Database.URL = globalOpts.DBURL
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = globalOpts.LogLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = globalOpts.LogFormat
	}
	if flags.Changed("workers") {
		cfg.Engine.Workers = globalOpts.Workers
	}
	if flags.Changed("worker-script") {
		cfg.Engine.WorkerScript = globalOpts.WorkerScript
	}

	cc := &cfg.Context
	if flags.Changed("policy") {
		cc.Policy = globalOpts.Policy
	}
	if flags.Changed("min-size") {
		cc.MinObjectSize = globalOpts.MinObjectSize
	}
	if flags.Changed("role") {
		cc.Role = globalOpts.Role
	}
	if flags.Changed("max-returns") {
		cc.MaxReturns = globalOpts.MaxReturns
	}
	if flags.Changed("hint") {
		cc.Hint = globalOpts.Hint
	}
	if flags.Changed("cluster-threshold") {
		cc.ClusterThreshold = globalOpts.ClusterThreshold
	}
	if flags.Changed("batch-policy") {
		cc.BatchPolicy = globalOpts.BatchPolicy
	}
	if flags.Changed("threshold") {
		if strings.EqualFold(globalOpts.Threshold, "none") {
			cc.Threshold = nil
		} else {
			v, err := strconv.ParseFloat(globalOpts.Threshold, 64)
			if err != nil {
				return fmt.Errorf("--threshold %q: %v: %w", globalOpts.Threshold, err, types.ErrConfig)
			}
			cc.Threshold = &v
		}
	}
	return nil
}

// databaseURL falls back to the POSTGRES_* variables used by docker compose.
func databaseURL() string {
	if Cfg.Database.URL != "" {
		return Cfg.Database.URL
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	// Fallback to local default if no env vars are present
	return "postgres://localhost:5432/biomatch"
}

// openDB connects on first use.
func openDB(ctx context.Context) (*store.Store, error) {
	if DB != nil {
		return DB, nil
	}
	s, err := store.New(ctx, databaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	DB = s
	return DB, nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		utils.Die(rootCmd.Name()+" failed", err, "")
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&globalOpts.ConfigPath, "config", "c", "", "YAML config file")
	pf.StringVar(&globalOpts.DBURL, "db", "", "PostgreSQL connection string (default: postgres://localhost:5432/biomatch)")
	pf.StringVar(&globalOpts.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	pf.StringVar(&globalOpts.LogFormat, "log-format", "text", "Log format: text or json")
	pf.StringVar(&globalOpts.MetricsFile, "metrics-file", "", "Write Prometheus metrics to this file on exit")
	pf.IntVarP(&globalOpts.Workers, "workers", "w", 1, "Parallel workers for batch operations")
	pf.StringVar(&globalOpts.WorkerScript, "worker-script", "python/worker.py", "Detection and extraction worker script")

	pf.StringVar(&globalOpts.Policy, "policy", "all", "Detection policy: all, largest, best")
	pf.Uint32Var(&globalOpts.MinObjectSize, "min-size", 0, "Drop detections whose shorter side is below this many pixels")
	pf.StringVar(&globalOpts.Role, "role", "probe", "Template role: reference, verification, probe, gallery, cluster")
	pf.StringVarP(&globalOpts.Threshold, "threshold", "t", "none", "Search score cutoff, or 'none'")
	pf.Uint32VarP(&globalOpts.MaxReturns, "max-returns", "k", 20, "Maximum search results per probe (0 means all)")
	pf.Float64Var(&globalOpts.Hint, "hint", 0, "Clustering hint: expected upper bound on identities when >= 1")
	pf.Float64Var(&globalOpts.ClusterThreshold, "cluster-threshold", 0.7, "Pairwise score above which templates are linked")
	pf.StringVar(&globalOpts.BatchPolicy, "batch-policy", "flag-and-finish", "Batch failure policy: flag-and-finish or abort-early")
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
}
