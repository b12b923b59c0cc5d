package main

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Mode string

const (
	ModeProduction Mode = "production"
	ModeTest       Mode = "test"
)

const (
	configDirPathEnv     = "CLEARNODE_CONFIG_DIR_PATH"
	defaultConfigDirPath = "."
	defaultMessageExpiry = 60 // seconds
)

// Config holds everything the broker needs to come up: which chains it
// watches, which assets it accepts, how it signs, where it stores ledger
// state, and how long a signed RPC request stays valid for replay checks.
type Config struct {
	mode          Mode
	blockchains   map[uint32]BlockchainConfig
	assets        AssetsConfig
	privateKeyHex string
	dbConf        DatabaseConfig
	msgExpiryTime int // seconds a signed RPC request remains valid for
}

// LoadConfig assembles a Config from environment variables (optionally
// seeded from a .env file under configDirPathEnv) plus the blockchain and
// asset definition files LoadBlockchains/LoadAssets read from that same
// directory.
func LoadConfig(logger Logger) (*Config, error) {
	logger = logger.NewSystem("config")

	configDirPath := os.Getenv(configDirPathEnv)
	if configDirPath == "" {
		configDirPath = defaultConfigDirPath
	}

	dotEnvPath := filepath.Join(configDirPath, ".env")
	logger.Info("loading .env file", "path", dotEnvPath)
	if err := godotenv.Load(dotEnvPath); err != nil {
		logger.Warn(".env file not found")
	}

	mode, err := resolveMode(logger)
	if err != nil {
		return nil, err
	}

	dbConf, err := loadDatabaseConfig(logger)
	if err != nil {
		return nil, err
	}

	privateKeyHex := os.Getenv("BROKER_PRIVATE_KEY")
	if privateKeyHex == "" {
		logger.Fatal("BROKER_PRIVATE_KEY environment variable is required")
	}

	msgExpiryTime := resolveMessageExpiry(logger)

	blockchains, err := LoadBlockchains(configDirPath)
	if err != nil {
		logger.Fatal("failed to load blockchains", "error", err)
	}

	assets, err := LoadAssets(configDirPath)
	if err != nil {
		logger.Fatal("failed to load assets", "error", err)
	}

	return &Config{
		mode:          mode,
		blockchains:   blockchains,
		assets:        assets,
		privateKeyHex: privateKeyHex,
		dbConf:        dbConf,
		msgExpiryTime: msgExpiryTime,
	}, nil
}

// resolveMode reads CLEARNODE_MODE, defaulting to ModeProduction and
// refusing to start on anything other than the two recognized modes.
func resolveMode(logger Logger) (Mode, error) {
	mode := Mode(os.Getenv("CLEARNODE_MODE"))
	switch mode {
	case "":
		mode = ModeProduction
	case ModeProduction, ModeTest:
	default:
		logger.Fatal("invalid CLEARNODE_MODE value", "value", mode)
	}
	logger.Info("set mode", "value", mode)
	return mode, nil
}

// loadDatabaseConfig prefers a single CLEARNODE_DATABASE_URL connection
// string when present, falling back to discrete env vars via cleanenv.
func loadDatabaseConfig(logger Logger) (DatabaseConfig, error) {
	if dbURL := os.Getenv("CLEARNODE_DATABASE_URL"); dbURL != "" {
		dbConf, err := ParseConnectionString(dbURL)
		if err != nil {
			logger.Error("failed to parse connection string", "err", err)
			return DatabaseConfig{}, err
		}
		return dbConf, nil
	}

	var dbConf DatabaseConfig
	if err := cleanenv.ReadEnv(&dbConf); err != nil {
		logger.Error("failed to read env", "err", err)
		return DatabaseConfig{}, err
	}
	return dbConf, nil
}

// resolveMessageExpiry reads MSG_EXPIRY_TIME, falling back to
// defaultMessageExpiry on an absent, non-numeric, or non-positive value.
func resolveMessageExpiry(logger Logger) int {
	raw := os.Getenv("MSG_EXPIRY_TIME")
	if raw == "" {
		return defaultMessageExpiry
	}

	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		logger.Warn("invalid MSG_EXPIRY_TIME", "messageExpiry", raw)
		return defaultMessageExpiry
	}

	logger.Info("set message expiry time", "value", parsed)
	return parsed
}
