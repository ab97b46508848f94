package runtimecfg

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"possync/internal/domain"
)

const DefaultBatchSize = 50

var (
	ErrInvalidWindow    = errors.New("min sale date is after max sale date")
	ErrInvalidBatchSize = errors.New("batch size must be positive")
)

// Provider hands out the sync window. Implementations must not cache across calls.
type Provider interface {
	Current() (domain.RuntimeConfig, error)
}

// Store is a Provider whose values can be changed while the worker runs.
type Store interface {
	Provider
	SaveMinSaleDateUtc(at time.Time) error
	SaveSyncWindow(minAt *time.Time, maxAt *time.Time) error
	ClearMaxSaleDateUtc() error
	SetBatchSize(n int) error
}

type syncSection struct {
	BatchSize      int    `yaml:"batch_size,omitempty"`
	MinSaleDateUtc string `yaml:"min_sale_date_utc,omitempty"`
	MaxSaleDateUtc string `yaml:"max_sale_date_utc,omitempty"`
}

// FileStore keeps the window under the "sync" key of a YAML settings file that
// other tools may also write to. Unknown keys are preserved on save.
type FileStore struct {
	mu           sync.Mutex
	path         string
	defaultBatch int
}

var _ Store = (*FileStore)(nil)

func NewFileStore(path string, defaultBatch int) *FileStore {
	if defaultBatch < 1 {
		defaultBatch = DefaultBatchSize
	}
	return &FileStore{path: path, defaultBatch: defaultBatch}
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Current() (domain.RuntimeConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	root, err := s.readRoot()
	if err != nil {
		return domain.RuntimeConfig{}, err
	}
	section, err := decodeSection(root)
	if err != nil {
		return domain.RuntimeConfig{}, err
	}
	return s.toRuntimeConfig(section)
}

func (s *FileStore) SaveMinSaleDateUtc(at time.Time) error {
	return s.update(func(sec *syncSection) {
		sec.MinSaleDateUtc = formatUTC(at)
	})
}

func (s *FileStore) SaveSyncWindow(minAt *time.Time, maxAt *time.Time) error {
	if minAt != nil && maxAt != nil && minAt.After(*maxAt) {
		return ErrInvalidWindow
	}
	return s.update(func(sec *syncSection) {
		sec.MinSaleDateUtc = ""
		sec.MaxSaleDateUtc = ""
		if minAt != nil {
			sec.MinSaleDateUtc = formatUTC(*minAt)
		}
		if maxAt != nil {
			sec.MaxSaleDateUtc = formatUTC(*maxAt)
		}
	})
}

func (s *FileStore) ClearMaxSaleDateUtc() error {
	return s.update(func(sec *syncSection) {
		sec.MaxSaleDateUtc = ""
	})
}

func (s *FileStore) SetBatchSize(n int) error {
	if n < 1 {
		return fmt.Errorf("%w, got %d", ErrInvalidBatchSize, n)
	}
	return s.update(func(sec *syncSection) {
		sec.BatchSize = n
	})
}

func (s *FileStore) update(mutate func(sec *syncSection)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	root, err := s.readRoot()
	if err != nil {
		return err
	}
	section, err := decodeSection(root)
	if err != nil {
		return err
	}
	mutate(&section)

	node := map[string]any{}
	if section.BatchSize > 0 {
		node["batch_size"] = section.BatchSize
	}
	if section.MinSaleDateUtc != "" {
		node["min_sale_date_utc"] = section.MinSaleDateUtc
	}
	if section.MaxSaleDateUtc != "" {
		node["max_sale_date_utc"] = section.MaxSaleDateUtc
	}
	root["sync"] = node

	raw, err := yaml.Marshal(root)
	if err != nil {
		return err
	}
	return writeAtomic(s.path, raw)
}

func (s *FileStore) readRoot() (map[string]any, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings %s: %w", s.path, err)
	}

	root := map[string]any{}
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", s.path, err)
	}
	if root == nil {
		root = map[string]any{}
	}
	return root, nil
}

func decodeSection(root map[string]any) (syncSection, error) {
	var section syncSection
	raw, ok := root["sync"]
	if !ok || raw == nil {
		return section, nil
	}
	encoded, err := yaml.Marshal(raw)
	if err != nil {
		return section, err
	}
	if err := yaml.Unmarshal(encoded, &section); err != nil {
		return section, fmt.Errorf("parse sync settings: %w", err)
	}
	return section, nil
}

func (s *FileStore) toRuntimeConfig(section syncSection) (domain.RuntimeConfig, error) {
	cfg := domain.RuntimeConfig{BatchSize: section.BatchSize}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = s.defaultBatch
	}

	var err error
	if cfg.MinOccurredAt, err = parseUTC(section.MinSaleDateUtc); err != nil {
		return domain.RuntimeConfig{}, fmt.Errorf("min_sale_date_utc: %w", err)
	}
	if cfg.MaxOccurredAt, err = parseUTC(section.MaxSaleDateUtc); err != nil {
		return domain.RuntimeConfig{}, fmt.Errorf("max_sale_date_utc: %w", err)
	}
	return cfg, nil
}

func parseUTC(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if at, err := time.Parse(layout, raw); err == nil {
			at = at.UTC()
			return &at, nil
		}
	}
	return nil, fmt.Errorf("unrecognised timestamp %q", raw)
}

func formatUTC(at time.Time) string {
	return at.UTC().Format(time.RFC3339)
}

func writeAtomic(path string, raw []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Static is an in-memory Store.
type Static struct {
	mu  sync.RWMutex
	cfg domain.RuntimeConfig
}

var _ Store = (*Static)(nil)

func NewStatic(cfg domain.RuntimeConfig) *Static {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Static{cfg: cfg}
}

func (s *Static) Current() (domain.RuntimeConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyConfig(s.cfg), nil
}

func (s *Static) SaveMinSaleDateUtc(at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	at = at.UTC()
	s.cfg.MinOccurredAt = &at
	return nil
}

func (s *Static) SaveSyncWindow(minAt *time.Time, maxAt *time.Time) error {
	if minAt != nil && maxAt != nil && minAt.After(*maxAt) {
		return ErrInvalidWindow
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.MinOccurredAt = utcPtr(minAt)
	s.cfg.MaxOccurredAt = utcPtr(maxAt)
	return nil
}

func (s *Static) ClearMaxSaleDateUtc() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.MaxOccurredAt = nil
	return nil
}

func (s *Static) SetBatchSize(n int) error {
	if n < 1 {
		return fmt.Errorf("%w, got %d", ErrInvalidBatchSize, n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.BatchSize = n
	return nil
}

func copyConfig(cfg domain.RuntimeConfig) domain.RuntimeConfig {
	cfg.MinOccurredAt = utcPtr(cfg.MinOccurredAt)
	cfg.MaxOccurredAt = utcPtr(cfg.MaxOccurredAt)
	return cfg
}

func utcPtr(at *time.Time) *time.Time {
	if at == nil {
		return nil
	}
	v := at.UTC()
	return &v
}

// Apply changes the window in s. Bounds left nil in req keep their stored
// value unless the matching Clear flag is set.
func Apply(s Store, req domain.WindowUpdateRequest) (domain.RuntimeConfig, error) {
	if req.BatchSize != nil {
		if err := s.SetBatchSize(*req.BatchSize); err != nil {
			return domain.RuntimeConfig{}, err
		}
	}

	current, err := s.Current()
	if err != nil {
		return domain.RuntimeConfig{}, err
	}
	if req.MinOccurredAt == nil && req.MaxOccurredAt == nil && !req.ClearMin && !req.ClearMax {
		return current, nil
	}

	minAt, maxAt := current.MinOccurredAt, current.MaxOccurredAt
	if req.MinOccurredAt != nil || req.ClearMin {
		minAt = req.MinOccurredAt
	}
	if req.MaxOccurredAt != nil || req.ClearMax {
		maxAt = req.MaxOccurredAt
	}
	if err := s.SaveSyncWindow(minAt, maxAt); err != nil {
		return domain.RuntimeConfig{}, err
	}
	return s.Current()
}
