package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"lectern/internal/app"
	"lectern/internal/config"
	"lectern/internal/logging"
	"lectern/pkg/client"
	"lectern/pkg/types"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "lectern",
		Short:         "Lectern relays a teacher's speech to students in their own languages",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("config", "", "Config file (yaml, json or toml)")
	root.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "text", "Log format (text, json, logfmt)")
	_ = v.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log.format", root.PersistentFlags().Lookup("log-format"))

	root.AddCommand(newServeCmd(v), newListenCmd(v), newVersionCmd())
	return root
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load(cmd, v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	flags := cmd.Flags()
	flags.String("host", "0.0.0.0", "HTTP listen host")
	flags.Int("port", 8080, "HTTP listen port")
	flags.String("db-driver", "sqlite3", "Database driver (sqlite3, pgx)")
	flags.String("db-dsn", "./data/lectern.db", "Database file path or connection string")
	flags.Bool("no-db", false, "Disable persistence")
	flags.String("engine", "echo", "Translation engine (echo, libretranslate, openai)")
	flags.Bool("detailed-logging", false, "Persist every utterance and its translations")

	_ = v.BindPFlag("http.host", flags.Lookup("host"))
	_ = v.BindPFlag("http.port", flags.Lookup("port"))
	_ = v.BindPFlag("database.driver", flags.Lookup("db-driver"))
	_ = v.BindPFlag("database.dsn", flags.Lookup("db-dsn"))
	_ = v.BindPFlag("translation.engine", flags.Lookup("engine"))
	_ = v.BindPFlag("translation.detailed_logging", flags.Lookup("detailed-logging"))
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	application, err := app.NewApplication(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("application error: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

func newListenCmd(v *viper.Viper) *cobra.Command {
	var (
		server string
		class  string
		lang   string
		audio  bool
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Join a class as a student and print translations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, logger, err := load(cmd, v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return listen(ctx, cmd.OutOrStdout(), logger, server, class, lang, audio)
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "Relay base URL")
	cmd.Flags().StringVar(&class, "class", "", "Class code to join")
	cmd.Flags().StringVar(&lang, "lang", "", "Target language code, e.g. es-ES")
	cmd.Flags().BoolVar(&audio, "audio", false, "Request synthesized audio references")
	_ = cmd.MarkFlagRequired("class")
	_ = cmd.MarkFlagRequired("lang")
	return cmd
}

func listen(ctx context.Context, out io.Writer, logger *log.Logger, server, class, lang string, audio bool) error {
	c, err := client.New(client.Options{ServerURL: server, ClassCode: class, Logger: logger})
	if err != nil {
		return err
	}
	if err := c.Register(types.RoleStudent, lang); err != nil {
		return err
	}
	if err := c.LockRole(types.RoleStudent); err != nil {
		return err
	}
	if audio {
		if err := c.UpdateSettings(types.Settings{types.SettingDelivery: types.DeliveryAudio}); err != nil {
			return err
		}
	}

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	for env := range c.Frames() {
		printFrame(out, logger, env)
	}
	err = <-done
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printFrame(out io.Writer, logger *log.Logger, env types.Envelope) {
	switch env.Type {
	case types.MessageTypeTranslation:
		var unit types.TranslationUnit
		if err := json.Unmarshal(env.Payload, &unit); err != nil {
			logger.Warn("bad translation frame", "err", err)
			return
		}
		if unit.AudioRef != "" {
			fmt.Fprintf(out, "[%s] %s (%s)\n", unit.TargetLanguage, unit.TranslatedText, unit.AudioRef)
			return
		}
		fmt.Fprintf(out, "[%s] %s\n", unit.TargetLanguage, unit.TranslatedText)
	case types.MessageTypeError:
		var p types.ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			logger.Warn("relay error", "kind", p.Kind, "language", p.Language, "message", p.Message)
		}
	case types.MessageTypeConnectionAck:
		logger.Info("connected")
	default:
		logger.Debug("frame", "type", env.Type)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "lectern %s\n", version)
		},
	}
}

// load resolves configuration and builds the logger for a command.
func load(cmd *cobra.Command, v *viper.Viper) (*config.Config, *log.Logger, error) {
	if noDB := cmd.Flags().Lookup("no-db"); noDB != nil && noDB.Changed {
		v.Set("database.enabled", false)
	}
	file, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, file)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
