package cmd

import (
	"errors"

	"github.com/stationd/stationd/internal/config"
)

// configForControl loads config for the operator-side commands and checks
// that a control channel is configured at all.
func configForControl() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.NATSURL == "" {
		return nil, errors.New("no NATS URL configured; control commands need a running harness with natsUrl set")
	}
	return cfg, nil
}
