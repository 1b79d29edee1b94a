package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/soaringjerry/casesvc/internal/api"
	"github.com/soaringjerry/casesvc/internal/config"
	"github.com/soaringjerry/casesvc/internal/logging"
	"github.com/soaringjerry/casesvc/internal/middleware"
)

// Set with -ldflags at build time.
var (
	version   = "dev"
	commit    = ""
	buildTime = ""
)

var (
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "casesvc",
	Short:         "Census case service",
	Long:          "casesvc reconciles case lifecycle events from Kafka into SQLite, keeps an audit trail and rations access codes.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, cfg.Logging.Development)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(buildInfo())
	},
}

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an operator token for the case history API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.HTTP.OperatorSecret == "" {
			return fmt.Errorf("http.operator_secret is not configured (set CASESVC_OPERATOR_SECRET)")
		}
		tok, err := middleware.SignToken([]byte(cfg.HTTP.OperatorSecret), tokenSubject, tokenTTL)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
		return err
	},
}

func buildInfo() api.BuildInfo {
	return api.BuildInfo{Version: version, Commit: commit, BuildTime: buildTime}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "casesvc.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Operator name recorded in the token (required)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 8*time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("subject")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
