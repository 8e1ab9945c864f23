package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/PuertOcho/puertocho-assistant-server/go/intentengine/internal/metrics"
)

// Manager watches the voting configuration file and publishes validated
// snapshots. Consumers call Current and always see a fully-applied
// configuration; a half-written or invalid file keeps the previous
// snapshot in place.
type Manager struct {
	path    string
	current atomic.Pointer[VotingConfig]
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu       sync.Mutex
	handlers []func(*VotingConfig)
	stopCh   chan struct{}
	started  bool
}

// NewManager creates a manager for the given voting config file. The
// file is loaded immediately; if it does not exist the defaults are
// published and the directory is still watched so the file can appear
// later.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	if path == "" {
		return nil, fmt.Errorf("voting config path cannot be empty")
	}
	m := &Manager{
		path:   path,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	if err := m.reload("initial_load"); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		m.logger.Warn("Voting config file missing, using defaults",
			zap.String("path", path))
		def := DefaultVotingConfig()
		def.LoadedAt = time.Now()
		m.current.Store(def)
	}
	return m, nil
}

// Start begins watching the config file's directory for changes.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files by
	// rename, which drops a direct file watch.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config directory: %w", err)
	}
	m.watcher = watcher
	m.started = true
	go m.watchLoop()

	m.logger.Info("Voting config manager started", zap.String("path", m.path))
	return nil
}

// Stop ends the watch loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	close(m.stopCh)
	m.watcher.Close()
	m.started = false
}

// Current returns the latest published snapshot. Never nil.
func (m *Manager) Current() *VotingConfig {
	return m.current.Load()
}

// OnReload registers a callback invoked with each newly published
// snapshot.
func (m *Manager) OnReload(fn func(*VotingConfig)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

// Reload forces a synchronous reload, for the admin reload endpoint.
func (m *Manager) Reload() error {
	return m.reload("manual_reload")
}

func (m *Manager) watchLoop() {
	for {
		select {
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(m.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Editors often fire several events per save.
			time.Sleep(50 * time.Millisecond)
			if err := m.reload("file_change"); err != nil {
				m.logger.Error("Voting config reload failed, keeping previous snapshot",
					zap.String("path", m.path),
					zap.Error(err),
				)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("Config watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) reload(action string) error {
	cfg, err := loadVotingFile(m.path)
	if err != nil {
		metrics.ConfigReloads.WithLabelValues("error").Inc()
		return err
	}
	cfg.LoadedAt = time.Now()
	m.current.Store(cfg)
	metrics.ConfigReloads.WithLabelValues("ok").Inc()

	m.mu.Lock()
	handlers := make([]func(*VotingConfig), len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()
	for _, fn := range handlers {
		fn(cfg)
	}

	m.logger.Info("Voting configuration loaded",
		zap.String("action", action),
		zap.Bool("enabled", cfg.Enabled),
		zap.Int("participants", len(cfg.Participants)),
		zap.String("algorithm", cfg.ConsensusAlgorithm),
	)
	return nil
}

// loadVotingFile reads, parses and validates a voting config file.
func loadVotingFile(path string) (*VotingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg VotingConfig
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse YAML voting config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse JSON voting config: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("voting config validation: %w", err)
	}
	return &cfg, nil
}
