package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/promethea/promethea/internal/fault"
	"github.com/promethea/promethea/pkg/models"
)

// EventEmitter is the slice of the bus the service needs. Kept as an
// interface so tests can observe emissions without a live bus.
type EventEmitter interface {
	Emit(ctx context.Context, eventType models.EventType, payload map[string]any)
}

// Service publishes layered configuration snapshots. Merge precedence,
// low to high: embedded defaults, system file, per-user file,
// environment overrides. Readers never observe a torn snapshot: the
// system view is swapped via an atomic pointer and per-user views are
// immutable values replaced wholesale.
type Service struct {
	systemPath string
	usersDir   string
	envTree    map[string]any

	mu         sync.RWMutex
	systemTree map[string]any
	userTrees  map[string]map[string]any
	userSnaps  map[string]*Snapshot

	systemSnap atomic.Pointer[Snapshot]

	emitter EventEmitter
}

// NewService loads the system file and environment and publishes the
// initial snapshot. systemPath may name a missing file; usersDir is
// created on first per-user write.
func NewService(systemPath, usersDir string, environ []string, emitter EventEmitter) (*Service, error) {
	s := &Service{
		systemPath: systemPath,
		usersDir:   usersDir,
		envTree:    EnvOverlay(environ),
		userTrees:  make(map[string]map[string]any),
		userSnaps:  make(map[string]*Snapshot),
		emitter:    emitter,
	}
	if err := s.Reload(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// SetEmitter attaches the bus after construction. The logger's level
// comes from config, so the bus cannot exist before the first load.
func (s *Service) SetEmitter(emitter EventEmitter) {
	s.mu.Lock()
	s.emitter = emitter
	s.mu.Unlock()
}

// Snapshot returns the current system-level snapshot.
func (s *Service) Snapshot() *Snapshot {
	return s.systemSnap.Load()
}

// ForUser returns the snapshot with the user's overrides applied.
// Unknown users see the system snapshot.
func (s *Service) ForUser(userID string) *Snapshot {
	s.mu.RLock()
	if snap, ok := s.userSnaps[userID]; ok {
		s.mu.RUnlock()
		return snap
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if snap, ok := s.userSnaps[userID]; ok {
		return snap
	}
	snap, err := s.buildUserLocked(userID)
	if err != nil {
		return s.systemSnap.Load()
	}
	s.userSnaps[userID] = snap
	return snap
}

// Reload rereads the system file and environment, republishes the
// system snapshot and invalidates per-user caches. Emits
// config.changed with the affected paths.
func (s *Service) Reload(ctx context.Context) error {
	systemTree, err := LoadFile(s.systemPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	before := s.systemTree
	s.systemTree = systemTree
	s.userSnaps = make(map[string]*Snapshot)
	snap, err := Decode(MergeTrees(systemTree, s.envTree))
	if err != nil {
		s.systemTree = before
		s.mu.Unlock()
		return err
	}
	s.systemSnap.Store(&snap)
	s.mu.Unlock()

	if before != nil {
		s.emitChanged(ctx, "", DiffSummary(before, systemTree))
	}
	return nil
}

// UpdateSystemConfig merges a patch into the system file. A patch
// carrying a secret-typed field is rejected without write.
func (s *Service) UpdateSystemConfig(ctx context.Context, patch map[string]any) (*Snapshot, error) {
	if secrets := FindSecrets(patch); len(secrets) > 0 {
		return nil, fault.Newf(fault.KindInvalidArguments, "secret fields %v are environment-only", secrets)
	}

	s.mu.Lock()
	before := s.systemTree
	merged := MergeTrees(before, patch)
	snap, err := Decode(MergeTrees(merged, s.envTree))
	if err != nil {
		s.mu.Unlock()
		return nil, fault.Wrap(fault.KindInvalidArguments, "config patch does not decode", err)
	}
	if err := writeTreeAtomic(s.systemPath, merged); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.systemTree = merged
	s.userSnaps = make(map[string]*Snapshot)
	s.systemSnap.Store(&snap)
	s.mu.Unlock()

	s.emitChanged(ctx, "", DiffSummary(before, merged))
	return &snap, nil
}

// UpdateUserConfig merges a patch into the user's override file and
// returns the user's new merged snapshot.
func (s *Service) UpdateUserConfig(ctx context.Context, userID string, patch map[string]any) (*Snapshot, error) {
	if userID == "" {
		return nil, fault.New(fault.KindInvalidArguments, "user_id is required")
	}
	if secrets := FindSecrets(patch); len(secrets) > 0 {
		return nil, fault.Newf(fault.KindInvalidArguments, "secret fields %v are environment-only", secrets)
	}

	s.mu.Lock()
	before, err := s.userTreeLocked(userID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	merged := MergeTrees(before, patch)
	snap, err := s.decodeUserLocked(merged)
	if err != nil {
		s.mu.Unlock()
		return nil, fault.Wrap(fault.KindInvalidArguments, "config patch does not decode", err)
	}
	if err := writeTreeAtomic(s.userPath(userID), merged); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.userTrees[userID] = merged
	s.userSnaps[userID] = snap
	s.mu.Unlock()

	s.emitChanged(ctx, userID, DiffSummary(before, merged))
	return snap, nil
}

// ResetUser removes the user's override file, reverting them to the
// system snapshot.
func (s *Service) ResetUser(ctx context.Context, userID string) error {
	if userID == "" {
		return fault.New(fault.KindInvalidArguments, "user_id is required")
	}

	s.mu.Lock()
	before := s.userTrees[userID]
	delete(s.userTrees, userID)
	delete(s.userSnaps, userID)
	err := os.Remove(s.userPath(userID))
	s.mu.Unlock()

	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove user config: %w", err)
	}
	if before != nil {
		s.emitChanged(ctx, userID, DiffSummary(before, map[string]any{}))
	}
	return nil
}

// Public returns a copy of the snapshot with secret fields blanked,
// safe for API responses.
func Public(snap *Snapshot) Snapshot {
	out := *snap
	out.API.APIKey = ""
	out.Auth.JWTSecret = ""
	out.Memory.Neo4j.Password = ""
	out.Channels.Telegram.BotToken = ""
	return out
}

func (s *Service) userPath(userID string) string {
	return filepath.Join(s.usersDir, userID, "config.json")
}

func (s *Service) userTreeLocked(userID string) (map[string]any, error) {
	if tree, ok := s.userTrees[userID]; ok {
		return tree, nil
	}
	tree, err := LoadFile(s.userPath(userID))
	if err != nil {
		return nil, err
	}
	s.userTrees[userID] = tree
	return tree, nil
}

func (s *Service) buildUserLocked(userID string) (*Snapshot, error) {
	tree, err := s.userTreeLocked(userID)
	if err != nil {
		return nil, err
	}
	return s.decodeUserLocked(tree)
}

func (s *Service) decodeUserLocked(userTree map[string]any) (*Snapshot, error) {
	merged := MergeTrees(MergeTrees(s.systemTree, userTree), s.envTree)
	snap, err := Decode(merged)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *Service) emitChanged(ctx context.Context, userID string, changed []string) {
	s.mu.RLock()
	emitter := s.emitter
	s.mu.RUnlock()
	if emitter == nil || len(changed) == 0 {
		return
	}
	payload := map[string]any{"changed": changed}
	if userID != "" {
		payload["user_id"] = userID
	}
	emitter.Emit(ctx, models.EventConfigChanged, payload)
}

// writeTreeAtomic persists a raw tree as JSON via temp-file-and-rename
// so readers never observe a partial write.
func writeTreeAtomic(path string, tree map[string]any) error {
	data, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("temp config file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close config: %w", err)
	}
	return os.Rename(tmpName, path)
}
