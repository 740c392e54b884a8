package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

const AppName = "podlink"

type Config struct {
	LogLevel     string
	LogFile      string
	ConfigDir    string
	ListenHost   string
	ListenPort   int
	RPCTimeout   time.Duration
	RetryCount   int
	RetryWait    time.Duration
	DBPath       string
	SettingsPath string
}

var (
	cacheTTL   = 10 * time.Second
	nowFunc    = time.Now
	cacheMu    sync.RWMutex
	cachedCfg  Config
	cachedAt   time.Time
	cacheValid bool

	dotenvOnce sync.Once
	// envFiles are loaded once, existing variables win.
	envFiles = []string{".env"}
)

func LoadConfig() Config {
	cfg := load()
	cacheMu.Lock()
	cachedCfg = cfg
	cachedAt = nowFunc()
	cacheValid = true
	cacheMu.Unlock()
	return cfg
}

func GetConfig() *Config {
	now := nowFunc()
	cacheMu.RLock()
	valid := cacheValid && now.Sub(cachedAt) < cacheTTL
	if valid {
		out := cachedCfg
		cacheMu.RUnlock()
		return &out
	}
	cacheMu.RUnlock()

	cfg := load()
	cacheMu.Lock()
	cachedCfg = cfg
	cachedAt = now
	cacheValid = true
	cacheMu.Unlock()

	out := cfg
	return &out
}

func load() Config {
	dotenvOnce.Do(loadDotEnv)
	dir := strings.TrimSpace(os.Getenv("PODLINK_CONFIG_DIR"))
	if dir == "" {
		dir = defaultConfigDir()
	}
	file, _ := NewFileStore(dir).Load()
	return loadFromEnv(dir, file)
}

func loadDotEnv() {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		_ = godotenv.Load(f)
	}
}

// loadFromEnv layers the environment over the config file.
func loadFromEnv(dir string, file FileConfig) Config {
	level := os.Getenv("PODLINK_LOG_LEVEL")
	if level == "" {
		level = file.LogLevel
	}
	host := os.Getenv("PODLINK_LISTEN_HOST")
	if host == "" {
		host = file.ListenHost
	}
	dbPath := os.Getenv("PODLINK_DB_PATH")
	if dbPath == "" {
		dbPath = filepath.Join(dir, AppName+".db")
	}
	settingsPath := os.Getenv("PODLINK_SETTINGS_PATH")
	if settingsPath == "" {
		settingsPath = filepath.Join(dir, "settings.json")
	}
	return Config{
		LogLevel:     level,
		LogFile:      os.Getenv("PODLINK_LOG_FILE"),
		ConfigDir:    dir,
		ListenHost:   host,
		ListenPort:   atoiOrDefault(os.Getenv("PODLINK_LISTEN_PORT"), file.ListenPort),
		RPCTimeout:   time.Duration(atoiOrDefault(os.Getenv("PODLINK_RPC_TIMEOUT_MS"), file.RPC.TimeoutMS)) * time.Millisecond,
		RetryCount:   atoiOrDefault(os.Getenv("PODLINK_RETRY_COUNT"), file.Retry.Count),
		RetryWait:    time.Duration(atoiOrDefault(os.Getenv("PODLINK_RETRY_WAIT_MS"), file.Retry.WaitMS)) * time.Millisecond,
		DBPath:       dbPath,
		SettingsPath: settingsPath,
	}
}

func defaultConfigDir() string {
	if base, err := os.UserConfigDir(); err == nil && base != "" {
		return filepath.Join(base, AppName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+AppName)
}

// atoiOrDefault falls back on malformed and non-positive values.
func atoiOrDefault(v string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
