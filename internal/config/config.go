package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	// APIKeyPrefix marks control-surface API keys so they can be told
	// apart from backend access tokens in logs and config.
	APIKeyPrefix = "os_"

	// APIKeyMinLen is the prefix plus 32 hex characters (16 random bytes).
	APIKeyMinLen = len(APIKeyPrefix) + 32
)

// Config holds all environment-based configuration for otr-sync.
type Config struct {
	// Backend endpoint and credentials.
	BackendURL   string `env:"BACKEND_URL"`
	WebsocketURL string `env:"WEBSOCKET_URL"`
	AccessToken  string `env:"ACCESS_TOKEN"`

	// Identity of the local user and device.
	SelfUserID   string `env:"SELF_USER_ID"`
	SelfClientID string `env:"SELF_CLIENT_ID"`

	// Maximum number of devices per prekey fetch.
	PrekeyPageSize int `env:"PREKEY_PAGE_SIZE" envDefault:"128"`

	// How long an outbound message may stay unsent before it expires.
	MessageTimeout time.Duration `env:"MESSAGE_TIMEOUT" envDefault:"60s"`

	SendDeliveryReceipts bool `env:"SEND_DELIVERY_RECEIPTS" envDefault:"true"`

	// Local state database. Defaults to ~/.otr-sync/state.db.
	StatePath string `env:"STATE_PATH"`

	// Spool directory for outbound messages. Empty disables the watcher.
	OutboxDir string `env:"OUTBOX_DIR"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Control surface settings.
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. The access token lives there.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.WebsocketURL == "" {
		ws, err := deriveWebsocketURL(cfg.BackendURL, cfg.SelfClientID)
		if err != nil {
			return nil, err
		}

		cfg.WebsocketURL = ws
	}

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	if cfg.OutboxDir != "" {
		absDir, err := filepath.Abs(cfg.OutboxDir)
		if err != nil {
			return nil, fmt.Errorf("resolving outbox dir to absolute path: %w", err)
		}

		cfg.OutboxDir = absDir
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL is required")
	}

	u, err := url.Parse(c.BackendURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("BACKEND_URL must be an absolute URL")
	}

	if c.AccessToken == "" {
		return fmt.Errorf("ACCESS_TOKEN is required")
	}

	if _, err := uuid.Parse(c.SelfUserID); err != nil {
		return fmt.Errorf("SELF_USER_ID must be a UUID")
	}

	if c.SelfClientID == "" {
		return fmt.Errorf("SELF_CLIENT_ID is required")
	}

	if c.PrekeyPageSize <= 0 {
		return fmt.Errorf("PREKEY_PAGE_SIZE must be positive, got %d", c.PrekeyPageSize)
	}

	if c.MessageTimeout <= 0 {
		return fmt.Errorf("MESSAGE_TIMEOUT must be positive")
	}

	if c.EnableMCP && c.MCPAPIKeys == "" {
		return fmt.Errorf("MCP_API_KEYS is required when MCP is enabled")
	}

	return nil
}

// deriveWebsocketURL maps https://host/base to wss://host/base/await.
func deriveWebsocketURL(backend, clientID string) (string, error) {
	u, err := url.Parse(backend)
	if err != nil {
		return "", fmt.Errorf("parsing backend url: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/await"
	q := u.Query()
	q.Set("client", clientID)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// DefaultStatePath returns ~/.otr-sync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".otr-sync", "state.db"), nil
}

// SelfUser returns the parsed self user id. Only valid after Load.
func (c *Config) SelfUser() uuid.UUID {
	return uuid.MustParse(c.SelfUserID)
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// APIKeyEntry holds a pre-configured API key and its associated user
// identity parsed from MCP_API_KEYS.
type APIKeyEntry struct {
	UserID string
	Key    string
}

// ParseMCPAPIKeys parses the MCP_API_KEYS string.
// Format: "user1:os_key1,user2:os_key2"
func (c *Config) ParseMCPAPIKeys() ([]APIKeyEntry, error) {
	if c.MCPAPIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.MCPAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		key := pair[idx+1:]
		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(key, APIKeyPrefix) {
			return nil, fmt.Errorf("API key must start with %q prefix in entry %d", APIKeyPrefix, len(entries)+1)
		}

		if len(key) < APIKeyMinLen {
			return nil, fmt.Errorf("API key too short in entry %d (minimum %d characters)", len(entries)+1, APIKeyMinLen)
		}

		if _, err := hex.DecodeString(key[len(APIKeyPrefix):]); err != nil {
			return nil, fmt.Errorf("API key contains non-hex characters after %q prefix in entry %d", APIKeyPrefix, len(entries)+1)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in MCP_API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, APIKeyEntry{UserID: userID, Key: key})
	}

	return entries, nil
}
