package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all terminal daemon configuration
type Config struct {
	NodeEnv string
	Port    string // localhost control API port (UI shell)

	// Role of this terminal: "host" (Admin, catalog authority) or "staff"
	Role string

	// StoreKey is the shared secret of the shop, used to sign link tokens
	// and encrypt relay export blobs. Same value on every terminal.
	StoreKey string

	// PeerPort is the LAN port the peer link listener binds on the
	// initiator side during a handshake.
	PeerPort int

	// ScanInterval is the camera poll interval in milliseconds.
	ScanInterval int

	InstanceID string
	StaffName  string
	ShopName   string // printed on sync reports

	Database DatabaseConfig
}

// DatabaseConfig holds local store configuration
type DatabaseConfig struct {
	Driver   string // "embedded", "postgres" or "sqlite"
	Host     string
	Port     string
	Username string
	Password string
	Database string
	Path     string // sqlite file path

	// Verbose turns on SQL statement logging, set from NODE_ENV.
	Verbose bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	storeKey := os.Getenv("STORE_KEY")
	if storeKey == "" {
		return nil, fmt.Errorf("STORE_KEY is required (shared shop secret)")
	}

	role := getEnv("POS_ROLE", "staff")
	if role != "host" && role != "staff" {
		return nil, fmt.Errorf("POS_ROLE must be 'host' or 'staff', got %q", role)
	}

	return &Config{
		NodeEnv:      getEnv("NODE_ENV", "development"),
		Port:         getEnv("PORT", "3001"),
		Role:         role,
		StoreKey:     storeKey,
		PeerPort:     getEnvInt("PEER_PORT", 3210),
		ScanInterval: getEnvInt("SCAN_INTERVAL_MS", 300),
		InstanceID:   os.Getenv("INSTANCE_ID"),
		StaffName:    getEnv("STAFF_NAME", "operator"),
		ShopName:     getEnv("SHOP_NAME", ""),
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "embedded"),
			Host:     getEnv("PG_HOST", "localhost"),
			Port:     getEnv("PG_PORT", "5432"),
			Username: getEnv("PG_USERNAME", "postgres"),
			Password: os.Getenv("PG_PASSWORD"),
			Database: getEnv("PG_DATABASE", "kasipos"),
			Path:     getEnv("SQLITE_PATH", "kasipos.db"),
		},
	}, nil
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
