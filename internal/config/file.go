package config

import (
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

const configTOMLFileName = "config.toml"

type RetryConfig struct {
	Count  int `toml:"count"`
	WaitMS int `toml:"wait_ms"`
}

type RPCConfig struct {
	TimeoutMS int `toml:"timeout_ms"`
}

type FileConfig struct {
	LogLevel   string      `toml:"log_level"`
	ListenHost string      `toml:"listen_host"`
	ListenPort int         `toml:"listen_port"`
	RPC        RPCConfig   `toml:"rpc"`
	Retry      RetryConfig `toml:"retry"`
}

type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) Path() string {
	return filepath.Join(s.dir, configTOMLFileName)
}

// Load reads the file without creating it, a missing file gives the defaults.
func (s *FileStore) Load() (FileConfig, error) {
	b, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return normalizeFile(FileConfig{}), nil
		}
		return normalizeFile(FileConfig{}), err
	}
	var cfg FileConfig
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return normalizeFile(FileConfig{}), err
	}
	return normalizeFile(cfg), nil
}

func (s *FileStore) LoadOrInit() (FileConfig, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return FileConfig{}, err
	}
	if _, err := os.Stat(s.Path()); err == nil {
		return s.Load()
	} else if !os.IsNotExist(err) {
		return FileConfig{}, err
	}
	cfg := normalizeFile(FileConfig{})
	if err := writeTOMLAtomically(s.Path(), cfg); err != nil {
		return FileConfig{}, err
	}
	return cfg, nil
}

func (s *FileStore) Save(cfg FileConfig) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return writeTOMLAtomically(s.Path(), normalizeFile(cfg))
}

func normalizeFile(cfg FileConfig) FileConfig {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.ListenHost = strings.TrimSpace(cfg.ListenHost)
	if cfg.ListenHost == "" {
		cfg.ListenHost = "127.0.0.1"
	}
	if cfg.ListenPort <= 0 {
		cfg.ListenPort = 4680
	}
	if cfg.RPC.TimeoutMS <= 0 {
		cfg.RPC.TimeoutMS = 60000
	}
	if cfg.Retry.Count <= 0 {
		cfg.Retry.Count = 15
	}
	if cfg.Retry.WaitMS <= 0 {
		cfg.Retry.WaitMS = 1000
	}
	return cfg
}

func writeTOMLAtomically(path string, v any) error {
	b, err := toml.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
