package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"

	"go-civitai-models/internal/api"
	"go-civitai-models/internal/apperr"
	"go-civitai-models/internal/config"
	"go-civitai-models/internal/helpers"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "civitai-models",
	Short: "Download and maintain Civitai models and their metadata",
	Long: `civitai-models downloads model files from Civitai with resumable transfers,
identifies local model files by SHA256 and keeps their sidecar metadata
and preview images up to date.`,
	PersistentPreRunE: loadConfig,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute runs the root command. Interrupts cancel the running command;
// partial downloads stay on disk and resume on the next run.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	state := &app{}
	err := rootCmd.ExecuteContext(withApp(ctx, state))
	state.close()
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", apperr.Message(err))
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initLogging)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", fmt.Sprintf("Configuration file (default %s)", config.DefaultPath()))
	pf.StringVar(&logLevel, "log-level", "info", "Logging level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "text", "Logging format (text, json)")
	pf.Bool("log-api", false, "Log API requests and responses to api.log")
	pf.String("api-key", "", "Civitai API key")
	pf.Int("timeout", 0, "Per-request connect and read timeout in seconds")
	pf.String("proxy", "", "HTTP proxy URL")
	pf.Bool("disable-ssl", false, "Skip TLS certificate verification")
	pf.String("download-path", "", "Base directory for downloaded models")
	pf.Int("concurrency", 0, "Number of parallel workers for batch commands")

	for key, flag := range map[string]string{
		"log_api":       "log-api",
		"api_key":       "api-key",
		"timeout":       "timeout",
		"proxy":         "proxy",
		"disable_ssl":   "disable-ssl",
		"download_path": "download-path",
		"concurrency":   "concurrency",
	} {
		_ = viper.BindPFlag(key, pf.Lookup(flag))
	}
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.AutomaticEnv()
}

func initLogging() {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.WithError(err).Warnf("Invalid log level '%s', using 'info'", logLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)

	switch logFormat {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		log.Warnf("Invalid log format '%s', using 'text'", logFormat)
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

// loadConfig builds the configuration and HTTP stack shared by every
// command.
func loadConfig(cmd *cobra.Command, _ []string) error {
	a := appFrom(cmd)
	cfg, err := config.LoadConfig(cfgFile, viper.GetViper())
	if err != nil {
		return err
	}
	a.cfg = cfg

	base, err := api.NewTransport(cfg)
	if err != nil {
		return err
	}
	var transport http.RoundTripper = base
	if cfg.LogApiRequests {
		logPath := filepath.Join(config.Dir(), "api.log")
		lt, err := api.NewLoggingTransport(base, logPath)
		if errors.Is(err, os.ErrNotExist) && helpers.CheckAndMakeDir(config.Dir()) == nil {
			lt, err = api.NewLoggingTransport(base, logPath)
		}
		if err != nil {
			log.WithError(err).Error("Failed to initialize API logging transport, logging disabled")
		} else {
			log.Infof("API logging to file: %s", logPath)
			a.apiLog = lt
			transport = lt
		}
	}
	a.transport = transport
	a.client = api.NewClient(cfg, api.NewAPIHTTPClient(cfg, transport))
	return nil
}
