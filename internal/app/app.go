// Package app wires configuration, the relay channel, the call stack, the
// sync coordinator and the viewer into the two runnable processes: a chat
// client and the relay server.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/relaychat/internal/config"
)

var log = logging.Logger("app")

// EnvFile is read from the working directory when present.
const EnvFile = ".env"

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config

	// OpenBrowser opens the viewer once it is listening.
	OpenBrowser bool
}

// LoadConfig makes sure dir holds a config file, applies .env and process
// environment overrides on top of it and validates the result.
func LoadConfig(dir string) (Options, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Options{}, fmt.Errorf("invalid directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return Options{}, err
	}

	cfgPath := filepath.Join(abs, config.FileName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		return Options{}, fmt.Errorf("load config: %w", err)
	}
	if created {
		log.Infof("created default config %s", cfgPath)
	}
	if err := config.ApplyEnv(&cfg, filepath.Join(abs, EnvFile)); err != nil {
		return Options{}, fmt.Errorf("load %s: %w", EnvFile, err)
	}
	if err := cfg.Validate(); err != nil {
		return Options{}, fmt.Errorf("config: %w", err)
	}
	return Options{Dir: abs, CfgPath: cfgPath, Cfg: cfg}, nil
}

// watchLogLevel keeps the log level in step with the config file. An
// environment override still wins over the file.
func watchLogLevel(ctx context.Context, o Options) error {
	if err := config.ApplyLogLevel(o.Cfg.Log.Level); err != nil {
		return err
	}
	return config.Watch(ctx, o.CfgPath, func(cfg config.Config) {
		if err := config.ApplyEnv(&cfg, ""); err != nil {
			log.Warnf("config reload: %v", err)
			return
		}
		if err := config.ApplyLogLevel(cfg.Log.Level); err != nil {
			log.Warnf("config reload: %v", err)
			return
		}
		log.Infof("log level set to %s", cfg.Log.Level)
	})
}
