package usersettings

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"podlink/cli/internal/model"
)

const (
	FileName = "settings.json"

	KeyDefaultConnector = "connector.default"
	KeyStartAPI         = "startApi"
	KeyLogLevel         = "logging.level"

	connectorsKey = "connectors"
)

// Store is a JSON document addressed by dotted keys, e.g. "connector.default".
type Store struct {
	path string

	mu  sync.RWMutex
	raw []byte
}

// Open reads path, a missing file is an empty document.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// StoragePath is the file backing the store.
func (s *Store) StoragePath() string { return s.path }

func (s *Store) reload() error {
	b, err := os.ReadFile(s.path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "read user settings")
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		b = []byte("{}")
	}
	if !gjson.ValidBytes(b) {
		return model.NewError(model.CodeInvalidArgument, "user settings are not valid json: "+s.path, nil)
	}
	s.mu.Lock()
	s.raw = b
	s.mu.Unlock()
	return nil
}

func (s *Store) Get(key string) gjson.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return gjson.GetBytes(s.raw, key)
}

func (s *Store) GetString(key, fallback string) string {
	v := s.Get(key)
	if !v.Exists() || strings.TrimSpace(v.String()) == "" {
		return fallback
	}
	return v.String()
}

func (s *Store) GetBool(key string, fallback bool) bool {
	v := s.Get(key)
	if !v.Exists() {
		return fallback
	}
	return v.Bool()
}

func (s *Store) Set(key string, value any) error {
	return s.update(func(raw []byte) ([]byte, error) {
		return sjson.SetBytes(raw, key, value)
	})
}

func (s *Store) Delete(key string) error {
	return s.update(func(raw []byte) ([]byte, error) {
		return sjson.DeleteBytes(raw, key)
	})
}

func (s *Store) update(fn func([]byte) ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := fn(append([]byte(nil), s.raw...))
	if err != nil {
		return errors.Wrap(err, "update user settings")
	}
	if err := writeAtomically(s.path, next); err != nil {
		return err
	}
	s.raw = next
	return nil
}

func writeAtomically(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create settings dir")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return errors.Wrap(err, "write user settings")
	}
	return os.Rename(tmp, path)
}

// connectorKey escapes the dots of a connector id so it stays one path segment.
func connectorKey(id string) string {
	return connectorsKey + "." + strings.ReplaceAll(id, ".", `\.`)
}

// ConnectorSettings is the user layer of a connector, nil when unset.
func (s *Store) ConnectorSettings(id string) (*model.EngineConnectorSettings, error) {
	v := s.Get(connectorKey(id))
	if !v.Exists() || !v.IsObject() {
		return nil, nil
	}
	var out model.EngineConnectorSettings
	if err := json.Unmarshal([]byte(v.Raw), &out); err != nil {
		return nil, model.NewError(model.CodeInvalidArgument, "invalid settings of connector "+id, err)
	}
	return &out, nil
}

func (s *Store) SetConnectorSettings(id string, settings model.EngineConnectorSettings) error {
	if strings.TrimSpace(id) == "" {
		return model.NewError(model.CodeInvalidArgument, "connector id is required", nil)
	}
	b, err := json.Marshal(settings)
	if err != nil {
		return errors.Wrap(err, "encode connector settings")
	}
	key := connectorKey(id)
	return s.update(func(raw []byte) ([]byte, error) {
		return sjson.SetRawBytes(raw, key, b)
	})
}

func (s *Store) DeleteConnectorSettings(id string) error {
	return s.Delete(connectorKey(id))
}

func (s *Store) DefaultConnector() string {
	return s.GetString(KeyDefaultConnector, "")
}

func (s *Store) StartAPI() bool {
	return s.GetBool(KeyStartAPI, false)
}

// Watch reloads the document when the file changes on disk and calls onChange
// after each successful reload. It blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create settings watcher")
	}
	defer w.Close()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create settings dir")
	}
	if err := w.Add(dir); err != nil {
		return errors.Wrapf(err, "watch %s", dir)
	}
	name := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := s.reload(); err != nil {
				log.WithError(err).Warn("user settings reload failed")
				continue
			}
			if onChange != nil {
				onChange()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("user settings watcher error")
		}
	}
}
