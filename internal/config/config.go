package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/relaychat/internal/util"
)

// FileName is the config file inside a working directory.
const FileName = "relaychat.json"

type Config struct {
	Identity Identity `json:"identity"`
	Relay    Relay    `json:"relay"`
	Call     Call     `json:"call"`
	Viewer   Viewer   `json:"viewer"`
	Server   Server   `json:"server"`
	Log      Log      `json:"log"`
}

type Identity struct {
	// Empty means "use the host name".
	PeerID string `json:"peer_id"`
	Label  string `json:"label"`
}

type Relay struct {
	URL            string `json:"url"`
	ReconnectMinMs int    `json:"reconnect_min_ms"`
	ReconnectMaxMs int    `json:"reconnect_max_ms"`
	QueueSize      int    `json:"queue_size"` // outbound events kept while disconnected
}

type Call struct {
	NegotiationTimeoutSec int      `json:"negotiation_timeout_seconds"`
	ICEServers            []string `json:"ice_servers"`
	ICEDisconnectedSec    int      `json:"ice_disconnected_seconds"`
	ICEFailedSec          int      `json:"ice_failed_seconds"`
	ICEKeepaliveSec       int      `json:"ice_keepalive_seconds"`
	Video                 bool     `json:"video"`
	Audio                 bool     `json:"audio"`
	// Negotiate receive-only when the camera/mic cannot be opened instead of
	// failing the call.
	ReceiveOnlyFallback bool `json:"receive_only_fallback"`
}

type Viewer struct {
	// Empty disables the local HTTP API.
	HTTPAddr string `json:"http_addr"`
}

type Server struct {
	Bind          string `json:"bind"`
	Port          int    `json:"port"`
	History       string `json:"history"` // memory, sqlite, redis
	HistorySize   int    `json:"history_size"`
	DBPath        string `json:"db_path"` // relative to the working directory
	RedisURL      string `json:"redis_url"`
	RedisKey      string `json:"redis_key"`
	SnapshotLimit int    `json:"snapshot_limit"`
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Relay: Relay{
			URL:            "ws://127.0.0.1:8787/ws",
			ReconnectMinMs: 500,
			ReconnectMaxMs: 30000,
			QueueSize:      256,
		},
		Call: Call{
			NegotiationTimeoutSec: 30,
			ICEServers:            []string{"stun:stun.l.google.com:19302"},
			ICEDisconnectedSec:    30,
			ICEFailedSec:          120,
			ICEKeepaliveSec:       2,
			Video:                 true,
			Audio:                 true,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8080",
		},
		Server: Server{
			Bind:          "127.0.0.1",
			Port:          8787,
			History:       "memory",
			HistorySize:   500,
			DBPath:        "data/history.db",
			RedisKey:      "relaychat:messages",
			SnapshotLimit: 100,
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if id := strings.TrimSpace(c.Identity.PeerID); id != "" {
		if _, err := util.ValidatePeerName(id); err != nil {
			return fmt.Errorf("identity.peer_id: %w", err)
		}
	}

	// Relay
	u, err := url.Parse(strings.TrimSpace(c.Relay.URL))
	if err != nil || u.Host == "" {
		return errors.New("relay.url must be a ws:// or wss:// URL")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("relay.url scheme must be ws or wss")
	}
	if c.Relay.ReconnectMinMs <= 0 {
		return errors.New("relay.reconnect_min_ms must be > 0")
	}
	if c.Relay.ReconnectMaxMs < c.Relay.ReconnectMinMs {
		return errors.New("relay.reconnect_max_ms must be >= relay.reconnect_min_ms")
	}
	if c.Relay.QueueSize <= 0 {
		return errors.New("relay.queue_size must be > 0")
	}

	// Call
	if c.Call.NegotiationTimeoutSec < 1 || c.Call.NegotiationTimeoutSec > 600 {
		return errors.New("call.negotiation_timeout_seconds must be 1..600")
	}
	if !c.Call.Video && !c.Call.Audio {
		return errors.New("call.video and call.audio cannot both be false")
	}
	if c.Call.ICEDisconnectedSec < 0 || c.Call.ICEFailedSec < 0 || c.Call.ICEKeepaliveSec < 0 {
		return errors.New("call ICE timeouts must be >= 0")
	}

	// Viewer
	if a := strings.TrimSpace(c.Viewer.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be 1..65535")
	}
	if b := c.Server.Bind; b != "" && net.ParseIP(b) == nil {
		return errors.New("server.bind must be a valid IP address")
	}
	switch c.Server.History {
	case "memory", "sqlite":
	case "redis":
		if strings.TrimSpace(c.Server.RedisURL) == "" {
			return errors.New("server.redis_url is required when server.history is redis")
		}
	default:
		return errors.New("server.history must be memory, sqlite or redis")
	}
	if c.Server.History == "sqlite" && strings.TrimSpace(c.Server.DBPath) == "" {
		return errors.New("server.db_path is required when server.history is sqlite")
	}
	if c.Server.HistorySize <= 0 {
		return errors.New("server.history_size must be > 0")
	}
	if c.Server.SnapshotLimit <= 0 {
		return errors.New("server.snapshot_limit must be > 0")
	}

	// Log
	if _, err := logging.LevelFromString(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	return nil
}

func (r Relay) MinBackoff() time.Duration { return time.Duration(r.ReconnectMinMs) * time.Millisecond }
func (r Relay) MaxBackoff() time.Duration { return time.Duration(r.ReconnectMaxMs) * time.Millisecond }

func (c Call) NegotiationTimeout() time.Duration {
	return time.Duration(c.NegotiationTimeoutSec) * time.Second
}

func (s Server) Addr() string {
	return net.JoinHostPort(s.Bind, fmt.Sprint(s.Port))
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// ApplyLogLevel sets every go-log logger to level.
func ApplyLogLevel(level string) error {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return err
	}
	logging.SetAllLoggers(lvl)
	return nil
}
