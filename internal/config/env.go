package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides, applied after the config file.
const (
	EnvRelayURL = "RELAYCHAT_RELAY_URL"
	EnvPeerID   = "RELAYCHAT_PEER_ID"
	EnvRedisURL = "RELAYCHAT_REDIS_URL"
	EnvLogLevel = "RELAYCHAT_LOG_LEVEL"
)

// ApplyEnv loads envFile (if it exists) into the process environment and
// overrides cfg from it. Variables already set in the environment win over
// the file.
func ApplyEnv(cfg *Config, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if v := getEnv(EnvRelayURL); v != "" {
		cfg.Relay.URL = v
	}
	if v := getEnv(EnvPeerID); v != "" {
		cfg.Identity.PeerID = v
	}
	if v := getEnv(EnvRedisURL); v != "" {
		cfg.Server.RedisURL = v
	}
	if v := getEnv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	return nil
}

func getEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
