package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the harness options for a single test station.
type Config struct {
	// TestList is the path to the test list definition file.
	TestList string
	// DataDir is where the state store and continuation data live.
	DataDir string
	// LogDir is where harness logs are written.
	LogDir string
	// LogFormat is the log output format (text or json).
	LogFormat string
	// Debug enables debug logging.
	Debug bool
	// AutoRunOnStart starts an automatic run of untested tests at boot.
	AutoRunOnStart bool
	// RetryFailedOnStart includes failed tests in the automatic run.
	RetryFailedOnStart bool
	// StopOnFailure cancels all pending tests when any test fails for good.
	StopOnFailure bool
	// EngineeringMode launches tests even when their requirements are unmet.
	EngineeringMode bool
	// AbortGrace bounds the wait for an aborted test to finish.
	AbortGrace time.Duration
	// NATSURL, when set, connects the event bus to a NATS server instead of
	// the in-process bus.
	NATSURL string
}

func Load() (*Config, error) {
	home := stationHome()

	viper.SetEnvPrefix("stationd")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	_ = viper.BindEnv("testList", "STATIOND_TEST_LIST")
	_ = viper.BindEnv("dataDir", "STATIOND_DATA_DIR")
	_ = viper.BindEnv("logDir", "STATIOND_LOG_DIR")
	_ = viper.BindEnv("logFormat", "STATIOND_LOG_FORMAT")
	_ = viper.BindEnv("debug", "STATIOND_DEBUG")
	_ = viper.BindEnv("autoRunOnStart", "STATIOND_AUTO_RUN_ON_START")
	_ = viper.BindEnv("retryFailedOnStart", "STATIOND_RETRY_FAILED_ON_START")
	_ = viper.BindEnv("stopOnFailure", "STATIOND_STOP_ON_FAILURE")
	_ = viper.BindEnv("engineeringMode", "STATIOND_ENGINEERING_MODE")
	_ = viper.BindEnv("abortGrace", "STATIOND_ABORT_GRACE")
	_ = viper.BindEnv("natsUrl", "STATIOND_NATS_URL")

	viper.SetDefault("testList", filepath.Join(home, "test_list.yaml"))
	viper.SetDefault("dataDir", filepath.Join(home, "data"))
	viper.SetDefault("logDir", filepath.Join(home, "logs"))
	viper.SetDefault("logFormat", "text")
	viper.SetDefault("debug", false)
	viper.SetDefault("autoRunOnStart", true)
	viper.SetDefault("retryFailedOnStart", false)
	viper.SetDefault("stopOnFailure", false)
	viper.SetDefault("engineeringMode", false)
	viper.SetDefault("abortGrace", 30*time.Second)
	viper.SetDefault("natsUrl", "")

	viper.AutomaticEnv()

	if viper.ConfigFileUsed() == "" {
		viper.SetConfigFile(filepath.Join(home, "config.yaml"))
	}
	_ = viper.ReadInConfig()

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

const (
	homeEnv     = "STATIOND_HOME"
	homeDefault = ".stationd"
)

func stationHome() string {
	if dir := os.Getenv(homeEnv); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return homeDefault
	}
	return filepath.Join(home, homeDefault)
}
