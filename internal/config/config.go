package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port        string `json:"port" yaml:"port"`
	DBURL       string `json:"dbUrl" yaml:"dbUrl"`
	AutoMigrate bool   `json:"autoMigrate" yaml:"autoMigrate"`
	// файл или папка YAML-фикстур, грузится при старте
	SeedPath string `json:"seedPath" yaml:"seedPath"`

	LogLevel      string `json:"logLevel" yaml:"logLevel"`
	LogFile       string `json:"logFile" yaml:"logFile"` // пусто = stdout
	LogMaxSizeMB  int    `json:"logMaxSizeMB" yaml:"logMaxSizeMB"`
	LogMaxBackups int    `json:"logMaxBackups" yaml:"logMaxBackups"`

	TxTimeout string `json:"txTimeout" yaml:"txTimeout"` // "30s"
	GinMode   string `json:"ginMode" yaml:"ginMode"`     // debug | release | test
}

func def() Config {
	return Config{
		Port:        "8080",
		DBURL:       "",
		AutoMigrate: false,
		SeedPath:    "",

		LogLevel:      "info",
		LogFile:       "",
		LogMaxSizeMB:  50,
		LogMaxBackups: 3,

		TxTimeout: "30s",
		GinMode:   "release",
	}
}

// Timeout: TxTimeout как длительность; 0, если не задан.
func (c Config) Timeout() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(c.TxTimeout))
	if err != nil {
		return 0
	}
	return d
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Port) == "" {
		return fmt.Errorf("config: port is empty")
	}
	if c.TxTimeout != "" {
		if d, err := time.ParseDuration(c.TxTimeout); err != nil || d < 0 {
			return fmt.Errorf("config: bad txTimeout %q", c.TxTimeout)
		}
	}
	switch c.GinMode {
	case "", "debug", "release", "test":
	default:
		return fmt.Errorf("config: bad ginMode %q", c.GinMode)
	}
	return nil
}

// loadFile читает JSON или YAML (по расширению) поверх defaults.
func loadFile(path string) (Config, error) {
	c := def()
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &c)
	default:
		err = json.Unmarshal(b, &c)
	}
	if err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func getenv(k, fallback string) string {
	if v, ok := os.LookupEnv(k); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func getenvBool(k string, fallback bool) bool {
	if v, ok := os.LookupEnv(k); ok {
		if b, ok := parseBool(v); ok {
			return b
		}
	}
	return fallback
}

func getenvInt(k string, fallback int) int {
	if v, ok := os.LookupEnv(k); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func parseBool(v string) (bool, bool) {
	switch strings.TrimSpace(strings.ToLower(v)) {
	case "1", "true", "yes":
		return true, true
	case "0", "false", "no":
		return false, true
	}
	return false, false
}

// Load: LoadWithPath с файлом по умолчанию.
func Load(args []string) (Config, error) {
	return LoadWithPath("config.json", args)
}

// LoadWithPath: defaults → файл (если есть) → ENV (TREELEAF_*) → флаги из args.
func LoadWithPath(path string, args []string) (Config, error) {
	cfg := def()

	if st, err := os.Stat(path); err == nil && !st.IsDir() {
		c2, err := loadFile(path)
		if err != nil {
			return cfg, err
		}
		cfg = c2
	}

	// ENV overrides
	cfg.Port = getenv("TREELEAF_PORT", cfg.Port)
	cfg.DBURL = getenv("TREELEAF_DB_URL", cfg.DBURL)
	cfg.AutoMigrate = getenvBool("TREELEAF_AUTO_MIGRATE", cfg.AutoMigrate)
	cfg.SeedPath = getenv("TREELEAF_SEED_PATH", cfg.SeedPath)
	cfg.LogLevel = getenv("TREELEAF_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = getenv("TREELEAF_LOG_FILE", cfg.LogFile)
	cfg.LogMaxSizeMB = getenvInt("TREELEAF_LOG_MAX_SIZE_MB", cfg.LogMaxSizeMB)
	cfg.LogMaxBackups = getenvInt("TREELEAF_LOG_MAX_BACKUPS", cfg.LogMaxBackups)
	cfg.TxTimeout = getenv("TREELEAF_TX_TIMEOUT", cfg.TxTimeout)
	cfg.GinMode = getenv("TREELEAF_GIN_MODE", cfg.GinMode)

	// Flags overrides
	fs := flag.NewFlagSet("treeleaf", flag.ContinueOnError)
	configPath := fs.String("config", path, "Path to config (JSON or YAML)")
	port := fs.String("port", cfg.Port, "HTTP port")
	db := fs.String("db", cfg.DBURL, "postgres:// or sqlite path (empty = in-memory)")
	auto := fs.String("auto-migrate", strconv.FormatBool(cfg.AutoMigrate), "Apply DDL on start (true/false)")
	seedPath := fs.String("seed", cfg.SeedPath, "YAML fixture file or directory")
	logLevel := fs.String("log-level", cfg.LogLevel, "debug|info|warn|error")
	logFile := fs.String("log-file", cfg.LogFile, "Log file (rotated); empty = stdout")
	txTimeout := fs.String("tx-timeout", cfg.TxTimeout, "Timeout of one copy transaction")
	ginMode := fs.String("gin-mode", cfg.GinMode, "gin mode")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	// Если через флаг передали другой конфиг: перечитаем
	if *configPath != path {
		return LoadWithPath(*configPath, args)
	}

	cfg.Port = strings.TrimSpace(*port)
	cfg.DBURL = strings.TrimSpace(*db)
	if b, ok := parseBool(*auto); ok {
		cfg.AutoMigrate = b
	}
	cfg.SeedPath = strings.TrimSpace(*seedPath)
	cfg.LogLevel = strings.TrimSpace(*logLevel)
	cfg.LogFile = strings.TrimSpace(*logFile)
	cfg.TxTimeout = strings.TrimSpace(*txTimeout)
	cfg.GinMode = strings.TrimSpace(*ginMode)

	return cfg, cfg.Validate()
}
