// Package store persists coordinator state so a restart can resume with
// the same regimes, allocations, and in-flight handoffs it crashed with.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-desk/coordinator/internal/capital"
	"github.com/meridian-desk/coordinator/internal/regime"
	"github.com/meridian-desk/coordinator/internal/risk"
	"github.com/meridian-desk/coordinator/internal/transition"
	"github.com/meridian-desk/coordinator/pkg/types"
)

// ErrNoSnapshot indicates no prior state exists, i.e. a cold start.
var ErrNoSnapshot = errors.New("store: no snapshot")

// Snapshot is the full persisted coordinator state.
type Snapshot struct {
	SavedAt     time.Time                                      `json:"savedAt"`
	Instruments []string                                       `json:"instruments"`
	Regimes     map[string]regime.State                        `json:"regimes"`
	ActiveSets  map[string][]types.StrategyKind                `json:"activeSets"`
	Allocations map[string]capital.Record                      `json:"allocations"`
	Risk        risk.PortfolioState                            `json:"risk"`
	Transitions map[string]transition.State                    `json:"transitions"`
	Performance map[types.StrategyKind]types.PerformanceStats  `json:"performance"`
}

// StateStore persists and restores snapshots.
type StateStore interface {
	Save(snap *Snapshot) error
	Load() (*Snapshot, error)
}

// FileStore writes snapshots as JSON with a write-then-rename so a crash
// mid-save never corrupts the last good snapshot.
type FileStore struct {
	logger *zap.Logger
	path   string

	mu sync.Mutex
}

// NewFileStore creates the snapshot directory if needed.
func NewFileStore(logger *zap.Logger, path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{
		logger: logger.Named("store"),
		path:   path,
	}, nil
}

// Save writes the snapshot atomically.
func (s *FileStore) Save(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.SavedAt = time.Now().UTC()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	s.logger.Debug("snapshot saved",
		zap.String("path", s.path),
		zap.Int("bytes", len(data)),
	)
	return nil
}

// Load reads the last snapshot, or ErrNoSnapshot on a cold start.
func (s *FileStore) Load() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
