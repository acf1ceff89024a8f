package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/transitops/opsadmin/internal/auth"
	"github.com/transitops/opsadmin/internal/config"
	"github.com/transitops/opsadmin/internal/logging"
	"github.com/transitops/opsadmin/internal/server"
	_ "modernc.org/sqlite"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "opsadmin",
		Short: "opsadmin - transit operations settings and change audit service",
		Long: `opsadmin serves the operations settings document over HTTP, records
every change in an audit history and alerts on security-sensitive changes.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		RunE:         runServer,
	}
	config.RegisterFlags(rootCmd)

	rootCmd.AddCommand(newTokenCommand())
	return rootCmd
}

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Register an actor and print a bearer token for it",
		Args:  cobra.NoArgs,
		RunE:  runToken,
	}
	config.RegisterFlags(cmd)
	cmd.Flags().String("user-id", "", "Actor ID (generated when empty)")
	cmd.Flags().String("username", "", "Actor username (REQUIRED)")
	cmd.Flags().String("name", "", "Display name")
	cmd.Flags().String("email", "", "Email address")
	cmd.Flags().String("role", auth.RoleAdmin, "Role (admin, viewer)")
	return cmd
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logging
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	shipper, err := logging.Setup(logrus.StandardLogger(), "opsadmin", logging.Config{
		URL:           cfg.Shipping.URL,
		Token:         cfg.Shipping.Token,
		Level:         cfg.Shipping.Level,
		BatchSize:     cfg.Shipping.BatchSize,
		FlushInterval: cfg.Shipping.FlushInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to set up log shipping: %w", err)
	}
	defer shipper.Close()

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"date":    date,
	}).Info("Starting opsadmin")

	// Create server
	srv, err := server.New(cfg, logrus.StandardLogger())
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Start server
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		logrus.Info("Received shutdown signal")
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	logrus.Info("opsadmin stopped")
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	if !cfg.Auth.Enable {
		return fmt.Errorf("authentication is disabled; tokens are not needed")
	}

	user := &auth.User{}
	user.ID, _ = cmd.Flags().GetString("user-id")
	user.Username, _ = cmd.Flags().GetString("username")
	user.DisplayName, _ = cmd.Flags().GetString("name")
	user.Email, _ = cmd.Flags().GetString("email")
	role, _ := cmd.Flags().GetString("role")

	if user.Username == "" {
		return fmt.Errorf("--username is required")
	}
	if role != auth.RoleAdmin && role != auth.RoleViewer {
		return fmt.Errorf("--role must be %s or %s", auth.RoleAdmin, auth.RoleViewer)
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.Roles = []string{role}

	tokens, err := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}

	db, err := sql.Open("sqlite", cfg.SettingsDBPath()+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	dir, err := auth.NewDirectory(db, logrus.StandardLogger())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := dir.Upsert(ctx, user); err != nil {
		return err
	}

	token, err := tokens.Generate(user)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"user_id":  user.ID,
		"username": user.Username,
		"role":     role,
	}).Info("Issued token")
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func setupLogging(level, format string) {
	if format == "text" {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	} else {
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	}

	switch level {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}
