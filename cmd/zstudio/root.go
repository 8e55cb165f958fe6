package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"zstudio/internal/config"
	"zstudio/internal/session"
	"zstudio/internal/settings"
	"zstudio/internal/ui"
)

// rootOptions holds persistent flags and the resolved runtime state.
type rootOptions struct {
	configPath string
	envFile    string
	baseURL    string
	logLevel   string

	cfg config.Config
	log zerolog.Logger
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	root := &cobra.Command{
		Use:           "zstudio",
		Short:         "Client for a remote text-to-image service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&o.configPath, "config", "", "Config file (.yaml|.yml|.json|.toml); defaults to ~/.config/zstudio/config.*")
	root.PersistentFlags().StringVar(&o.envFile, "env-file", ".env", "Dotenv file loaded before ZSTUDIO_* overrides")
	root.PersistentFlags().StringVar(&o.baseURL, "base-url", "", "Service base URL (overrides config and ZSTUDIO_BASE_URL)")
	root.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "Log level: debug|info|warn|error")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return o.load(cmd.ErrOrStderr())
	}

	root.AddCommand(
		newGenerateCmd(o),
		newLoadCmd(o),
		newWatchCmd(o),
		newStatusCmd(o),
		newSettingsCmd(o),
		newServeMockCmd(o),
	)
	return root
}

// load resolves configuration: file, then .env and ZSTUDIO_* variables, then flags.
func (o *rootOptions) load(logOut io.Writer) error {
	if err := config.LoadDotenv(o.envFile); err != nil {
		return err
	}
	var cfg config.Config
	path := o.configPath
	if path == "" {
		path = config.DefaultPath()
	}
	if path != "" {
		c, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("config %s: %w", path, err)
		}
		cfg = c
	}
	if err := config.ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return err
	}
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
		cfg.WSURL = ""
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	resolved, err := cfg.Resolve()
	if err != nil {
		return err
	}
	o.cfg = resolved
	o.log = newLogger(logOut, resolved.LogLevel)
	return nil
}

func newLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).
		Level(lvl).With().Timestamp().Logger()
}

// openSession builds a session with messages printed to w. The settings file,
// when configured, backs the settings store.
func (o *rootOptions) openSession(w io.Writer, hooks func(*session.Options)) (*session.Session, error) {
	opts := session.Options{
		Config: o.cfg,
		Sink:   printSink(w),
		Logger: o.log,
	}
	if o.cfg.SettingsFile != "" {
		kv, err := settings.OpenFileKV(o.cfg.SettingsFile)
		if err != nil {
			return nil, err
		}
		opts.KV = kv
	}
	if hooks != nil {
		hooks(&opts)
	}
	return session.New(opts)
}

func printSink(w io.Writer) ui.Sink {
	return ui.SinkFunc(func(m ui.Message) {
		fmt.Fprintf(w, "[%s] %s\n", m.Severity, m.Text)
	})
}

// signalContext is canceled on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
