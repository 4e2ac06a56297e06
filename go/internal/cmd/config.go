package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mcdev12/planning-poker/go/internal/dbconfig"
	"github.com/mcdev12/planning-poker/go/internal/tally"
)

const envPrefix = "PLANNINGPOKER"

type Config struct {
	bind            string
	port            int
	logLevel        string
	logFormat       string
	gracePeriod     time.Duration
	participantTTL  time.Duration
	sweepSchedule   string
	tallyPolicy     string
	natsURL         string
	allowedOrigins  string
	publicURL       string
	dbDriver        string
	shutdownTimeout time.Duration
}

func (c *Config) validate() error {
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.gracePeriod < 0 {
		return errors.New("--grace-period must not be negative")
	}
	if c.participantTTL < 0 {
		return errors.New("--participant-ttl must not be negative")
	}
	if _, err := zerolog.ParseLevel(c.logLevel); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", c.logLevel, err)
	}
	switch c.logFormat {
	case "console", "json":
	default:
		return fmt.Errorf("invalid --log-format %q (console or json)", c.logFormat)
	}
	return nil
}

func (c *Config) addr() string {
	return fmt.Sprintf("%s:%d", c.bind, c.port)
}

// origins splits the comma separated --allowed-origins value.
func (c *Config) origins() []string {
	var out []string
	for _, o := range strings.Split(c.allowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// database returns the DB_* settings, with --db-driver taking precedence.
func (c *Config) database() dbconfig.Config {
	db := dbconfig.NewConfigFromEnv()
	if c.dbDriver != "" {
		db.Driver = c.dbDriver
	}
	return db
}

func (c *Config) policy() (tally.Policy, error) {
	if c.tallyPolicy == "" {
		return tally.DefaultPolicy(), nil
	}
	return tally.LoadPolicy(c.tallyPolicy)
}

func setupLogging(cfg *Config) {
	level, err := zerolog.ParseLevel(cfg.logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.logFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "planningpoker",
		Short:         "Real-time planning poker rooms with persistent history.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			setupLogging(cfg)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg)
		},
	}

	fs := cmd.PersistentFlags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: PLANNINGPOKER_BIND)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: PLANNINGPOKER_PORT)")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "log level (env: PLANNINGPOKER_LOG_LEVEL)")
	fs.StringVar(&cfg.logFormat, "log-format", "console", "log output, console or json (env: PLANNINGPOKER_LOG_FORMAT)")
	fs.DurationVar(&cfg.gracePeriod, "grace-period", 5*time.Second, "time an empty room stays in memory (env: PLANNINGPOKER_GRACE_PERIOD)")
	fs.DurationVar(&cfg.participantTTL, "participant-ttl", 24*time.Hour, "inactivity before a participant is deleted (env: PLANNINGPOKER_PARTICIPANT_TTL)")
	fs.StringVar(&cfg.sweepSchedule, "sweep-schedule", "@hourly", "cron schedule of the inactive participant sweep, empty disables (env: PLANNINGPOKER_SWEEP_SCHEDULE)")
	fs.StringVar(&cfg.tallyPolicy, "tally-policy", "", "path to a YAML tally policy (env: PLANNINGPOKER_TALLY_POLICY)")
	fs.StringVar(&cfg.natsURL, "nats-url", "", "NATS server for room events, empty disables (env: PLANNINGPOKER_NATS_URL)")
	fs.StringVar(&cfg.allowedOrigins, "allowed-origins", "*", "comma separated CORS origins (env: PLANNINGPOKER_ALLOWED_ORIGINS)")
	fs.StringVar(&cfg.publicURL, "public-url", "", "base URL used in shared join links (env: PLANNINGPOKER_PUBLIC_URL)")
	fs.StringVar(&cfg.dbDriver, "db-driver", "", "postgres, pgx or sqlite3; overrides DB_DRIVER (env: PLANNINGPOKER_DB_DRIVER)")
	fs.DurationVar(&cfg.shutdownTimeout, "shutdown-timeout", 10*time.Second, "time allowed for graceful shutdown (env: PLANNINGPOKER_SHUTDOWN_TIMEOUT)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the HTTP and WebSocket API (default)",
			Args:  cobra.ExactArgs(0),
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create the database schema",
			Args:  cobra.ExactArgs(0),
			RunE: func(cmd *cobra.Command, args []string) error {
				return migrate(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Delete inactive participants once and exit",
			Args:  cobra.ExactArgs(0),
			RunE: func(cmd *cobra.Command, args []string) error {
				return sweepOnce(cmd.Context(), cfg)
			},
		},
	)

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})

	return cmd
}
