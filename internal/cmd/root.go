package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dativo-io/steward/internal/otel"
)

var tracer = otel.Tracer("github.com/dativo-io/steward/internal/cmd")

// Set with -ldflags "-X github.com/dativo-io/steward/internal/cmd.Version=...".
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var (
	cfgFile   string
	verbose   bool
	logLevel  string
	logFormat string
	otelFlag  bool

	otelShutdown otel.ShutdownFunc
)

var rootCmd = &cobra.Command{
	Use:   "steward",
	Short: "Governed autonomy for AI admin agents",
	Long: `Steward decides whether an AI assistant may run an administrative action
on this machine, and runs it when it may.

An action is checked against policy rules, the confidence floor, resource
budgets and safe mode. Risky actions wait for a human approval, jobs run on
cron schedules or external triggers, and detected anomalies are answered by
recovery playbooks that go through the same checks.`,

	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log.Logger = newLogger(os.Stderr, viper.GetString("log_format"))
		zerolog.SetGlobalLevel(levelFor(viper.GetString("log_level"), verbose))

		shutdown, err := otel.Setup(cmd.Context(), otel.Options{
			ServiceName: "steward",
			Version:     resolvedVersion(),
			Enabled:     otelFlag || verbose || viper.GetBool("otel"),
		})
		if err != nil {
			return fmt.Errorf("starting telemetry: %w", err)
		}
		otelShutdown = shutdown
		return nil
	},
}

// resolvedVersion prefers the ldflags version, then the module version
// recorded by "go install ...@vX.Y.Z".
func resolvedVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}

// newLogger writes JSON lines for format "json" and colored console output
// otherwise. Logs never go to stdout, which carries command output.
func newLogger(w io.Writer, format string) zerolog.Logger {
	if format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

func levelFor(name string, verbose bool) zerolog.Level {
	if verbose {
		return zerolog.DebugLevel
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "operator config file (default: ./steward.config.yaml or ~/.steward/steward.config.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "debug logging and telemetry")
	flags.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	flags.BoolVar(&otelFlag, "otel", false, "export traces and metrics to stderr")

	_ = viper.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("log_format", flags.Lookup("log-format"))
	_ = viper.BindEnv("otel", "STEWARD_OTEL_ENABLED")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".steward"))
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("steward.config")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("STEWARD")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var missing viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &missing) {
			log.Warn().Err(err).Msg("config_file_unreadable")
		}
	}
}

// Execute runs the root command, then flushes telemetry.
func Execute() error {
	err := rootCmd.Execute()
	if otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := otelShutdown(ctx); serr != nil {
			log.Debug().Err(serr).Msg("telemetry_shutdown_failed")
		}
	}
	return err
}
