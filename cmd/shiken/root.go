package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ashita-ai/shiken/internal/config"
)

// globalFlags maps each persistent flag to the environment variable that
// config.Load reads for it.
var globalFlags = []struct {
	name, env, usage string
}{
	{"env-file", "", "dotenv file to load before reading the environment"},
	{"storage", "SHIKEN_STORAGE_DRIVER", "storage driver (postgres or sqlite)"},
	{"database-url", "DATABASE_URL", "Postgres connection string"},
	{"sqlite-path", "SHIKEN_SQLITE_PATH", "SQLite database file"},
	{"log-level", "SHIKEN_LOG_LEVEL", "log level (debug, info, warn, error)"},
	{"log-file", "SHIKEN_LOG_FILE", "write logs to a rotated file instead of the console"},
}

// cli carries state shared by every subcommand.
type cli struct {
	v      *viper.Viper
	cfg    config.Config
	logger *slog.Logger
	closer io.Closer
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}
	c.v.SetEnvPrefix("SHIKEN")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "shiken",
		Short:         "AI test generation workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.closer != nil {
				_ = c.closer.Close()
			}
		},
	}

	for _, f := range globalFlags {
		root.PersistentFlags().String(f.name, "", f.usage)
		_ = c.v.BindPFlag(f.name, root.PersistentFlags().Lookup(f.name))
		if f.env != "" {
			_ = c.v.BindEnv(f.name, f.env)
		}
	}

	root.AddCommand(
		c.serveCmd(),
		c.migrateCmd(),
		c.auditCmd(),
		c.workflowCmd(),
		keygenCmd(),
		versionCmd(),
	)
	return root
}

// setup loads .env, exports flags the user set so config.Load sees them,
// then loads config and builds the logger.
func (c *cli) setup(cmd *cobra.Command) error {
	if cmd.Name() == "version" || cmd.Name() == "keygen" {
		return nil
	}
	if envFile := c.v.GetString("env-file"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	} else {
		// .env is optional; production won't have one.
		_ = godotenv.Load()
	}

	if err := exportFlags(cmd, c.v); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	c.cfg = cfg

	logOut := cmd.ErrOrStderr()
	if cmd.Name() == "serve" {
		logOut = cmd.OutOrStdout()
	}
	c.logger, c.closer = newLogger(cfg, logOut)
	slog.SetDefault(c.logger)
	return nil
}

// exportFlags copies explicitly set persistent flags into the environment.
// Flags win over the environment; unset flags leave it untouched.
func exportFlags(cmd *cobra.Command, v *viper.Viper) error {
	for _, f := range globalFlags {
		if f.env == "" {
			continue
		}
		fl := cmd.Flags().Lookup(f.name)
		if fl == nil || !fl.Changed {
			continue
		}
		if err := os.Setenv(f.env, v.GetString(f.name)); err != nil {
			return fmt.Errorf("export %s: %w", f.env, err)
		}
	}
	return nil
}

// newLogger builds the JSON logger. With a log file configured, output goes
// to a lumberjack-rotated file, mirrored to the console at debug level.
func newLogger(cfg config.Config, console io.Writer) (*slog.Logger, io.Closer) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	out := console
	var closer io.Closer
	if cfg.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   true,
		}
		out, closer = rotator, rotator
		if level <= slog.LevelDebug {
			out = io.MultiWriter(console, rotator)
		}
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})), closer
}
