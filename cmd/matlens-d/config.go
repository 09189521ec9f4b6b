package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rmax-ai/matlens/pkg/store"
)

const (
	defaultAddr     = "127.0.0.1:8095"
	defaultDriver   = "sqlite"
	defaultLogMode  = "dev"
	defaultShutdown = 30 * time.Second
)

type Config struct {
	DBDriver     string
	DBDSN        string
	ConfigPath   string
	Addr         string
	RedisAddr    string
	AdminToken   string
	LogMode      string
	TLSCertFile  string
	TLSKeyFile   string
	ShutdownWait time.Duration
}

func LoadConfig(args []string) (Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf("failed to get cwd: %w", err)
	}

	driver := envOrDefault("MATLENS_DB_DRIVER", defaultDriver)
	dsn := os.Getenv("MATLENS_DB_DSN")
	configPath := envOrDefault("MATLENS_CONFIG_PATH", filepath.Join(cwd, "matlens.yaml"))
	addr := addrFromEnv(defaultAddr)
	redisAddr := os.Getenv("MATLENS_REDIS_ADDR")
	adminToken := os.Getenv("MATLENS_ADMIN_TOKEN")
	logMode := envOrDefault("MATLENS_LOG_MODE", defaultLogMode)

	flagSet := flag.NewFlagSet("matlens-d", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagDriver := flagSet.String("db-driver", driver, "database driver: sqlite|postgres|mysql")
	flagDSN := flagSet.String("db-dsn", dsn, "database DSN (sqlite: file path, default ./matlens.db)")
	flagConfig := flagSet.String("config", configPath, "path to engine YAML config")
	flagAddr := flagSet.String("addr", addr, "HTTP listen address")
	flagRedis := flagSet.String("redis-addr", redisAddr, "Redis address for the summary cache and rebuild lease (optional)")
	flagToken := flagSet.String("admin-token", adminToken, "bearer token required by POST /v1/rebuild (optional)")
	flagLogMode := flagSet.String("log-mode", logMode, "log mode: dev|prod")
	flagCert := flagSet.String("tls-cert", "", "TLS certificate file")
	flagKey := flagSet.String("tls-key", "", "TLS key file")
	flagShutdown := flagSet.Duration("shutdown-timeout", defaultShutdown, "graceful shutdown timeout")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			flagSet.SetOutput(os.Stdout)
			flagSet.PrintDefaults()
			return Config{}, err
		}
		return Config{}, err
	}

	config := Config{
		DBDriver:     strings.ToLower(strings.TrimSpace(*flagDriver)),
		DBDSN:        strings.TrimSpace(*flagDSN),
		ConfigPath:   resolvePath(*flagConfig, cwd),
		Addr:         strings.TrimSpace(*flagAddr),
		RedisAddr:    strings.TrimSpace(*flagRedis),
		AdminToken:   *flagToken,
		LogMode:      strings.TrimSpace(*flagLogMode),
		TLSCertFile:  resolvePath(*flagCert, cwd),
		TLSKeyFile:   resolvePath(*flagKey, cwd),
		ShutdownWait: *flagShutdown,
	}

	dialect, err := store.ParseDialect(config.DBDriver)
	if err != nil {
		return Config{}, err
	}
	if config.DBDSN == "" {
		if dialect != store.DialectSQLite {
			return Config{}, fmt.Errorf("db-dsn is required for driver %s", config.DBDriver)
		}
		config.DBDSN = filepath.Join(cwd, "matlens.db")
	}

	if config.Addr == "" {
		return Config{}, errors.New("addr cannot be empty")
	}
	if (config.TLSCertFile == "") != (config.TLSKeyFile == "") {
		return Config{}, errors.New("tls-cert and tls-key must be set together")
	}
	if config.ShutdownWait <= 0 {
		return Config{}, errors.New("shutdown timeout must be positive")
	}

	return config, nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func addrFromEnv(fallback string) string {
	if value := os.Getenv("MATLENS_ADDR"); value != "" {
		return value
	}
	if port := os.Getenv("MATLENS_PORT"); port != "" {
		return fmt.Sprintf("127.0.0.1:%s", port)
	}
	return fallback
}

func resolvePath(path string, cwd string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return trimmed
	}
	if filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(cwd, trimmed)
}
