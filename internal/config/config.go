package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/caseline/relay/internal/model/cases"
)

// Default values for optional settings.
const (
	DefaultPort          = "8080"
	DefaultVictimID      = "victim-michael"
	DefaultOfficerID     = "off1"
	DefaultCrimeNumber   = "CRI/UNASSIGNED"
	DefaultQueueLimit    = 500
	DefaultSendBuffer    = 64
	DefaultHistorySize   = 50
	DefaultRateLimit     = 20.0
	DefaultRateBurst     = 40
	DefaultMaxFrameBytes = 64 * 1024
)

// Config aggregates every setting of the relay process.
type Config struct {
	Server ServerConfig
	Relay  RelayConfig
	Cases  []cases.Case
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

// RelayConfig describes routing defaults and per-connection limits.
type RelayConfig struct {
	VictimID       string
	OfficerID      string
	AdminID        string
	Actors         map[string]string
	CrimeNumber    string
	QueueLimit     int
	SendBuffer     int
	HistorySize    int
	Presence       bool
	CloseDisplaced bool
	RateLimit      float64
	RateBurst      int
	MaxFrameBytes  int64
}

// Load reads configuration from the environment, then applies the YAML file
// named by RELAY_CONFIG_FILE when set.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	relayCfg, err := loadRelayConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{Server: server, Relay: relayCfg}

	if path := strings.TrimSpace(os.Getenv("RELAY_CONFIG_FILE")); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if len(cfg.Cases) == 0 {
		cfg.Cases = cases.Seed()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the loaded values are usable.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server address is required")
	}
	if c.Relay.VictimID == "" {
		return errors.New("relay victim id is required")
	}
	if c.Relay.OfficerID == "" {
		return errors.New("relay officer id is required")
	}
	if c.Relay.QueueLimit < 0 {
		return fmt.Errorf("relay queue limit must be >= 0, got %d", c.Relay.QueueLimit)
	}
	if c.Relay.SendBuffer < 1 {
		return fmt.Errorf("relay send buffer must be >= 1, got %d", c.Relay.SendBuffer)
	}
	if c.Relay.HistorySize < 0 {
		return fmt.Errorf("relay history size must be >= 0, got %d", c.Relay.HistorySize)
	}
	if c.Relay.RateLimit < 0 {
		return fmt.Errorf("relay rate limit must be >= 0, got %v", c.Relay.RateLimit)
	}
	if c.Relay.RateLimit > 0 && c.Relay.RateBurst < 1 {
		return fmt.Errorf("relay rate burst must be >= 1 when rate limiting, got %d", c.Relay.RateBurst)
	}
	if c.Relay.MaxFrameBytes < 1 {
		return fmt.Errorf("relay max frame bytes must be >= 1, got %d", c.Relay.MaxFrameBytes)
	}
	return nil
}

// loadServerConfig parses the listen address.
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = DefaultPort
	}

	if strings.Contains(port, ":") {
		// Allow ":8080" or "127.0.0.1:8080" directly.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

func loadRelayConfig() (RelayConfig, error) {
	queueLimit, err := intEnvOrDefault("RELAY_QUEUE_LIMIT", DefaultQueueLimit)
	if err != nil {
		return RelayConfig{}, err
	}

	sendBuffer, err := intEnvOrDefault("RELAY_SEND_BUFFER", DefaultSendBuffer)
	if err != nil {
		return RelayConfig{}, err
	}

	historySize, err := intEnvOrDefault("RELAY_HISTORY_SIZE", DefaultHistorySize)
	if err != nil {
		return RelayConfig{}, err
	}

	presence, err := parseBoolEnv("RELAY_PRESENCE", true)
	if err != nil {
		return RelayConfig{}, err
	}

	closeDisplaced, err := parseBoolEnv("RELAY_CLOSE_DISPLACED", true)
	if err != nil {
		return RelayConfig{}, err
	}

	rateLimit := DefaultRateLimit
	if override, err := parseOptionalFloatEnv("RELAY_RATE_LIMIT"); err != nil {
		return RelayConfig{}, err
	} else if override != nil {
		rateLimit = *override
	}

	rateBurst, err := intEnvOrDefault("RELAY_RATE_BURST", DefaultRateBurst)
	if err != nil {
		return RelayConfig{}, err
	}

	maxFrame, err := intEnvOrDefault("RELAY_MAX_FRAME_BYTES", DefaultMaxFrameBytes)
	if err != nil {
		return RelayConfig{}, err
	}

	crimeNumber := DefaultCrimeNumber
	if raw, ok := os.LookupEnv("RELAY_DEFAULT_CRIME_NUMBER"); ok {
		// An explicitly empty value disables stamping.
		crimeNumber = strings.TrimSpace(raw)
	}

	return RelayConfig{
		VictimID:       getEnvOrDefault("RELAY_VICTIM_ID", DefaultVictimID),
		OfficerID:      getEnvOrDefault("RELAY_OFFICER_ID", DefaultOfficerID),
		AdminID:        strings.TrimSpace(os.Getenv("RELAY_ADMIN_ID")),
		CrimeNumber:    crimeNumber,
		QueueLimit:     queueLimit,
		SendBuffer:     sendBuffer,
		HistorySize:    historySize,
		Presence:       presence,
		CloseDisplaced: closeDisplaced,
		RateLimit:      rateLimit,
		RateBurst:      rateBurst,
		MaxFrameBytes:  int64(maxFrame),
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func intEnvOrDefault(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	return *val, nil
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
