package runtimecfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"possync/internal/domain"
)

func TestFileStoreMissingFileUsesDefaults(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "settings.yaml"), 25)

	cfg, err := s.Current()
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.BatchSize)
	assert.Nil(t, cfg.MinOccurredAt)
	assert.Nil(t, cfg.MaxOccurredAt)
}

func TestFileStoreReadsExternalEditsEveryCall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	s := NewFileStore(path, 50)

	require.NoError(t, os.WriteFile(path, []byte("sync:\n  batch_size: 10\n"), 0o600))
	cfg, err := s.Current()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.BatchSize)

	require.NoError(t, os.WriteFile(path, []byte("sync:\n  batch_size: 3\n  min_sale_date_utc: 2025-03-14T00:00:00Z\n"), 0o600))
	cfg, err = s.Current()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.BatchSize)
	require.NotNil(t, cfg.MinOccurredAt)
	assert.True(t, cfg.MinOccurredAt.Equal(time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)))
}

func TestFileStoreSavePreservesOtherKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tray:\n  theme: dark\nsync:\n  batch_size: 7\n"), 0o600))
	s := NewFileStore(path, 50)

	cutoff := time.Date(2025, 3, 14, 8, 0, 0, 0, time.FixedZone("EAT", 3*3600))
	require.NoError(t, s.SaveMinSaleDateUtc(cutoff))

	cfg, err := s.Current()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.BatchSize)
	require.NotNil(t, cfg.MinOccurredAt)
	assert.True(t, cfg.MinOccurredAt.Equal(cutoff))
	assert.Equal(t, time.UTC, cfg.MinOccurredAt.Location())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var root map[string]any
	require.NoError(t, yaml.Unmarshal(raw, &root))
	assert.Equal(t, map[string]any{"theme": "dark"}, root["tray"])
}

func TestFileStoreWindowLifecycle(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "nested", "settings.yaml"), 50)
	minAt := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	maxAt := time.Date(2025, 3, 31, 23, 59, 59, 0, time.UTC)

	require.ErrorIs(t, s.SaveSyncWindow(&maxAt, &minAt), ErrInvalidWindow)
	require.NoError(t, s.SaveSyncWindow(&minAt, &maxAt))
	require.NoError(t, s.SetBatchSize(5))

	cfg, err := s.Current()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.BatchSize)
	require.NotNil(t, cfg.MaxOccurredAt)
	assert.True(t, cfg.MaxOccurredAt.Equal(maxAt))

	require.NoError(t, s.ClearMaxSaleDateUtc())
	cfg, err = s.Current()
	require.NoError(t, err)
	assert.Nil(t, cfg.MaxOccurredAt)
	require.NotNil(t, cfg.MinOccurredAt)

	require.Error(t, s.SetBatchSize(0))
}

func TestFileStoreRejectsGarbageTimestamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  max_sale_date_utc: yesterday\n"), 0o600))

	_, err := NewFileStore(path, 50).Current()
	require.Error(t, err)
}

func TestStaticReturnsCopies(t *testing.T) {
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	s := NewStatic(domainConfig(0, &at))

	cfg, err := s.Current()
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)

	*cfg.MinOccurredAt = cfg.MinOccurredAt.Add(time.Hour)
	again, err := s.Current()
	require.NoError(t, err)
	assert.True(t, again.MinOccurredAt.Equal(at))
}

func domainConfig(batch int, minAt *time.Time) domain.RuntimeConfig {
	return domain.RuntimeConfig{BatchSize: batch, MinOccurredAt: minAt}
}

func TestApplyKeepsUnsetBounds(t *testing.T) {
	s := NewStatic(domain.RuntimeConfig{})
	minAt := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	maxAt := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)

	cfg, err := Apply(s, domain.WindowUpdateRequest{MinOccurredAt: &minAt, MaxOccurredAt: &maxAt})
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)

	batch := 5
	cfg, err = Apply(s, domain.WindowUpdateRequest{BatchSize: &batch})
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.BatchSize)
	require.NotNil(t, cfg.MaxOccurredAt)
	assert.True(t, cfg.MaxOccurredAt.Equal(maxAt))

	cfg, err = Apply(s, domain.WindowUpdateRequest{ClearMin: true})
	require.NoError(t, err)
	assert.Nil(t, cfg.MinOccurredAt)
	assert.NotNil(t, cfg.MaxOccurredAt)

	zero := 0
	_, err = Apply(s, domain.WindowUpdateRequest{BatchSize: &zero})
	assert.ErrorIs(t, err, ErrInvalidBatchSize)
}
