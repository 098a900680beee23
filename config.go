package peerdrop

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the coordinator's tunables.
type Config struct {
	// SchedulerInterval is the period of the download promotion scheduler.
	SchedulerInterval time.Duration `envconfig:"SCHEDULER_INTERVAL" default:"5s"`
	// AcceptTimeout bounds how long an accepted invitation may sit without
	// the peer starting to send before the download fails.
	AcceptTimeout time.Duration `envconfig:"ACCEPT_TIMEOUT" default:"45s"`
	// InviteTimeout bounds delivery of an upload invitation to a peer.
	InviteTimeout time.Duration `envconfig:"INVITE_TIMEOUT" default:"30s"`
	// ShareDir is the directory served to peers.
	ShareDir string `envconfig:"SHARE_DIR" default:"share"`
	// DownloadDir is where received files are committed.
	DownloadDir string `envconfig:"DOWNLOAD_DIR" default:"downloads"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		SchedulerInterval: 5 * time.Second,
		AcceptTimeout:     45 * time.Second,
		InviteTimeout:     30 * time.Second,
		ShareDir:          "share",
		DownloadDir:       "downloads",
	}
}

// ConfigFromEnv builds a Config from PEERDROP_* environment variables,
// falling back to the defaults.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("peerdrop", &cfg); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}
	return cfg, nil
}
