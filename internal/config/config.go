package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables. Defaults match the stock NEOS
// device layout; every threshold the pipeline uses lives here so tests can
// shrink them.
type Config struct {
	ManifestURL        string `envconfig:"MANIFEST_URL" default:"https://github.com/commaai/eon-neos/raw/master/update.json"`
	StagingManifestURL string `envconfig:"STAGING_MANIFEST_URL" default:"https://github.com/commaai/eon-neos/raw/master/update.staging.json"`
	LocalManifestURL   string `envconfig:"LOCAL_MANIFEST_URL" default:"http://192.168.5.1:8000/neosupdate/update.local.json"`
	UserAgent          string `envconfig:"USER_AGENT" default:"NEOSUpdater-0.2"`

	UpdateDir           string `envconfig:"UPDATE_DIR" default:"/data/neoupdate"`
	RecoveryDevice      string `envconfig:"RECOVERY_DEVICE" default:"/dev/block/bootdevice/by-name/recovery"`
	RecoveryCommandFile string `envconfig:"RECOVERY_COMMAND_FILE" default:"/cache/recovery/command"`

	SpacePath       string `envconfig:"SPACE_PATH" default:"/data"`
	SpaceFloorBytes uint64 `envconfig:"SPACE_FLOOR_BYTES" default:"2000000000"`

	DownloadRetries  int `envconfig:"DOWNLOAD_RETRIES" default:"4"`
	DigestChunkBytes int `envconfig:"DIGEST_CHUNK_BYTES" default:"8192"`
	FlashChunkBytes  int `envconfig:"FLASH_CHUNK_BYTES" default:"4096"`

	Battery struct {
		CapacityFloor int           `split_words:"true" default:"35"`
		ChargingFloor int           `split_words:"true" default:"10"`
		PollInterval  time.Duration `split_words:"true" default:"1s"`
		CapacityPath  string        `split_words:"true" default:"/sys/class/power_supply/battery/capacity"`
		CurrentPath   string        `split_words:"true" default:"/sys/class/power_supply/battery/current_now"`
		OverridePath  string        `split_words:"true" default:"/data/params/d/dp_no_batt"`
	}

	TickInterval time.Duration `envconfig:"TICK_INTERVAL" default:"33ms"`
	JournalPath  string        `envconfig:"JOURNAL_PATH" default:"/data/neoupdate/journal.db"`
	LogLevel     string        `envconfig:"LOG_LEVEL" default:"INFO"`

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"neos_updater"`
		ServiceVersion string `split_words:"true" default:"0.2"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:8086"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
