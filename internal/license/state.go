package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"licensekit/pkg/contracts/domain"
)

// errStateIO marks failures to persist activation state.
var errStateIO = errors.New("activation state I/O failure")

// StateStore persists the single ActivationState of an installation as a
// JSON file. Mutations run under an in-process mutex plus an advisory lock
// on a sibling "<path>.lock" file, so concurrent verifications in one or
// several processes serialize their read-modify-write cycles.
type StateStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewStateStore creates a store backed by the file at path. The file is
// created on the first successful verification.
func NewStateStore(path string, logger *slog.Logger) *StateStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateStore{
		path:   path,
		logger: logger.With(slog.String("component", "license_state")),
	}
}

// Path returns the state file location.
func (s *StateStore) Path() string {
	return s.path
}

// Load reads the persisted state without taking the file lock. A missing
// file yields the empty state. A corrupt or unreadable file is logged and
// also yields the empty state; healed reports that case.
func (s *StateStore) Load(ctx context.Context) (state domain.ActivationState, healed bool) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return domain.ActivationState{}, false
	}
	if err != nil {
		s.logger.WarnContext(ctx, "Activation state unreadable, treating as not activated",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
		return domain.ActivationState{}, true
	}

	parsed, err := decodeState(data)
	if err != nil {
		s.logger.WarnContext(ctx, "Activation state corrupt, treating as not activated",
			slog.String("path", s.path),
			slog.Int("size_bytes", len(data)),
			slog.String("error", err.Error()),
		)
		return domain.ActivationState{}, true
	}
	return parsed, false
}

// Update runs fn against the current state inside the critical section and
// persists the result. When fn returns an error nothing is written. healed
// reports that the previous file was corrupt and has been replaced.
func (s *StateStore) Update(ctx context.Context, fn func(*domain.ActivationState) error) (updated domain.ActivationState, healed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return domain.ActivationState{}, false, fmt.Errorf("%w: create state directory: %v", errStateIO, err)
	}

	unlock, err := lockFile(ctx, s.path+".lock")
	if err != nil {
		return domain.ActivationState{}, false, fmt.Errorf("%w: acquire state lock: %v", errStateIO, err)
	}
	defer unlock()

	state, healed := s.Load(ctx)
	if healed {
		s.logger.InfoContext(ctx, "Rebuilding activation state from scratch", slog.String("path", s.path))
	}

	if err := fn(&state); err != nil {
		return domain.ActivationState{}, healed, err
	}

	if err := s.save(state); err != nil {
		return domain.ActivationState{}, healed, err
	}
	return state, healed, nil
}

// save replaces the state file through a synced temp file and a rename, so
// readers see either the old or the new state.
func (s *StateStore) save(state domain.ActivationState) error {
	if state.ActivatedPlugins == nil {
		state.ActivatedPlugins = []string{}
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal state: %v", errStateIO, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp state: %v", errStateIO, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: write state: %v", errStateIO, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: sync state: %v", errStateIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close state: %v", errStateIO, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("%w: replace state: %v", errStateIO, err)
	}
	committed = true
	return nil
}

// decodeState parses and sanity-checks persisted state.
func decodeState(data []byte) (domain.ActivationState, error) {
	var state domain.ActivationState
	if err := json.Unmarshal(data, &state); err != nil {
		return domain.ActivationState{}, err
	}
	switch {
	case state.ActiveTier < 0:
		return domain.ActivationState{}, fmt.Errorf("negative active tier %d", state.ActiveTier)
	case state.ActiveTier > 0 && state.TierActivationDate == nil:
		return domain.ActivationState{}, errors.New("active tier without activation date")
	case state.ActiveTier == 0 && state.TierActivationDate != nil:
		return domain.ActivationState{}, errors.New("activation date without active tier")
	}
	state.ActivatedPlugins = dedupePlugins(state.ActivatedPlugins)
	return state, nil
}

func dedupePlugins(plugins []string) []string {
	seen := make(map[string]struct{}, len(plugins))
	out := make([]string, 0, len(plugins))
	for _, p := range plugins {
		if _, ok := seen[p]; ok || p == "" {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
