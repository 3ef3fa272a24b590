package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go-civitai-models/internal/helpers"
	"go-civitai-models/internal/models"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	DefaultDirName     = ".civitai-models"
	DefaultFileName    = "config.toml"
	DefaultTimeoutSec  = 60
	DefaultConcurrency = 4
	EnvPrefix          = "CIVITAI"
)

// folderByType maps catalog model types to the directory names used by the
// common WebUI layouts.
var folderByType = map[string]string{
	"Checkpoint":       "Stable-diffusion",
	"LORA":             "Lora",
	"LoCon":            "Lora",
	"DoRA":             "Lora",
	"TextualInversion": "embeddings",
	"Hypernetwork":     "hypernetworks",
	"Upscaler":         "ESRGAN",
	"Controlnet":       "ControlNet",
	"VAE":              "VAE",
}

// Dir returns the per-user configuration directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDirName
	}
	return filepath.Join(home, DefaultDirName)
}

// DefaultPath returns the config file used when --config is not given.
func DefaultPath() string {
	return filepath.Join(Dir(), DefaultFileName)
}

// Default returns the configuration used when no file is present.
func Default() models.Config {
	downloadPath := "models"
	if wd, err := os.Getwd(); err == nil {
		downloadPath = filepath.Join(wd, "models")
	}
	return models.Config{
		TimeoutSec:     DefaultTimeoutSec,
		DownloadPath:   downloadPath,
		DatabasePath:   filepath.Join(Dir(), "history.db"),
		BleveIndexPath: filepath.Join(Dir(), "models.bleve"),
		SavePreview:    true,
		SaveMetadata:   true,
		Concurrency:    DefaultConcurrency,
	}
}

// LoadConfig reads the TOML file at configFilePath on top of Default() and
// then applies any overrides set in v (environment or bound flags). A
// missing file is not an error.
func LoadConfig(configFilePath string, v *viper.Viper) (models.Config, error) {
	if configFilePath == "" {
		configFilePath = DefaultPath()
	}
	cfg := Default()
	if _, err := toml.DecodeFile(configFilePath, &cfg); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return models.Config{}, fmt.Errorf("error loading config file %s: %w", configFilePath, err)
		}
		log.Debugf("Config file %s not found, using defaults", configFilePath)
	} else {
		log.Debugf("Configuration loaded from %s", configFilePath)
	}

	if v != nil {
		applyOverrides(&cfg, v)
	}

	if cfg.TimeoutSec <= 0 {
		log.Warnf("Invalid TimeoutSec %d, using %d", cfg.TimeoutSec, DefaultTimeoutSec)
		cfg.TimeoutSec = DefaultTimeoutSec
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.DownloadPath == "" {
		cfg.DownloadPath = Default().DownloadPath
	}
	return cfg, nil
}

func applyOverrides(cfg *models.Config, v *viper.Viper) {
	if v.IsSet("api_key") {
		cfg.ApiKey = v.GetString("api_key")
	}
	if v.IsSet("timeout") {
		cfg.TimeoutSec = v.GetInt("timeout")
	}
	if v.IsSet("proxy") {
		cfg.Proxy = v.GetString("proxy")
	}
	if v.IsSet("disable_ssl") {
		cfg.DisableSsl = v.GetBool("disable_ssl")
	}
	if v.IsSet("save_preview") {
		cfg.SavePreview = v.GetBool("save_preview")
	}
	if v.IsSet("save_metadata") {
		cfg.SaveMetadata = v.GetBool("save_metadata")
	}
	if v.IsSet("download_path") && v.GetString("download_path") != "" {
		cfg.DownloadPath = v.GetString("download_path")
	}
	if v.IsSet("database_path") {
		cfg.DatabasePath = v.GetString("database_path")
	}
	if v.IsSet("index_path") {
		cfg.BleveIndexPath = v.GetString("index_path")
	}
	if v.IsSet("concurrency") {
		cfg.Concurrency = v.GetInt("concurrency")
	}
	if v.IsSet("log_api") {
		cfg.LogApiRequests = v.GetBool("log_api")
	}
}

// Save writes cfg as TOML, creating the parent directory. The file holds the
// API key, so it is only readable by the owner.
func Save(configFilePath string, cfg models.Config) error {
	if err := helpers.CheckAndMakeDir(filepath.Dir(configFilePath)); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	f, err := os.OpenFile(configFilePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("creating config file %s: %w", configFilePath, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return nil
}

// ModelDir resolves the download directory for a catalog model type.
func ModelDir(cfg models.Config, modelType string) string {
	if dir, ok := cfg.ModelPaths[modelType]; ok && dir != "" {
		return dir
	}
	folder, ok := folderByType[modelType]
	if !ok {
		folder = modelType
	}
	if folder == "" {
		folder = "Other"
	}
	return filepath.Join(cfg.DownloadPath, folder)
}

// Masked returns a copy of cfg safe to print.
func Masked(cfg models.Config) models.Config {
	if n := len(cfg.ApiKey); n > 0 {
		keep := 4
		if n <= keep {
			keep = 0
		}
		cfg.ApiKey = strings.Repeat("*", n-keep) + cfg.ApiKey[n-keep:]
	}
	return cfg
}
