package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"licensekit/internal/shared/testutil"
	"licensekit/pkg/contracts/domain"
)

// =============================================================================
// Activation State Store Tests
// =============================================================================

type StateStoreTestSuite struct {
	suite.Suite
	fx    *testutil.LicenseTestFixtures
	logs  *testutil.BufferedSlogHandler
	store *StateStore
	ctx   context.Context
}

func (s *StateStoreTestSuite) SetupTest() {
	s.fx = testutil.NewLicenseTestFixtures(s.T())
	logger, logs := testutil.NewTestLogger(s.T())
	s.logs = logs
	s.store = NewStateStore(s.fx.StatePath(), logger)
	s.ctx = context.Background()
}

func (s *StateStoreTestSuite) TestMissingFileIsUnset() {
	state, healed := s.store.Load(s.ctx)
	s.False(healed)
	s.Equal(0, state.ActiveTier)
	s.Nil(state.TierActivationDate)
	s.Empty(state.ActivatedPlugins)
	s.Equal(0, s.logs.Count())
}

func (s *StateStoreTestSuite) TestRoundTrip() {
	want := s.fx.ActiveState(90, 5*24*time.Hour, "p1", "p2")
	s.fx.WriteState(s.T(), s.fx.StatePath(), want)

	got, healed := s.store.Load(s.ctx)
	s.False(healed)
	s.Equal(want.ActiveTier, got.ActiveTier)
	s.True(want.TierActivationDate.Equal(*got.TierActivationDate))
	s.Equal([]string{"p1", "p2"}, got.ActivatedPlugins)
}

func (s *StateStoreTestSuite) TestDuplicatePluginsCollapsed() {
	state := s.fx.ActiveState(30, time.Hour, "p1", "p1", "p2", "")
	s.fx.WriteState(s.T(), s.fx.StatePath(), state)

	got, _ := s.store.Load(s.ctx)
	s.Equal([]string{"p1", "p2"}, got.ActivatedPlugins)
}

func (s *StateStoreTestSuite) TestCorruptFilesAreHealed() {
	for name, body := range s.fx.CorruptStateContents() {
		s.Run(name, func() {
			s.logs.Clear()
			s.fx.WriteFile(s.T(), s.fx.StatePath(), body)

			state, healed := s.store.Load(s.ctx)
			s.True(healed)
			s.Equal(domain.ActivationState{}, state)
			testutil.AssertLogContains(s.T(), s.logs, slog.LevelWarn, "corrupt")

			updated, healed, err := s.store.Update(s.ctx, func(st *domain.ActivationState) error {
				st.ActivatedPlugins = append(st.ActivatedPlugins, "p1")
				return nil
			})
			s.Require().NoError(err)
			s.True(healed)
			s.Equal([]string{"p1"}, updated.ActivatedPlugins)

			rewritten := s.fx.ReadState(s.T(), s.fx.StatePath())
			s.Equal([]string{"p1"}, rewritten.ActivatedPlugins)
		})
	}
}

func (s *StateStoreTestSuite) TestUpdateCreatesFileWithOwnerPermissions() {
	_, _, err := s.store.Update(s.ctx, func(st *domain.ActivationState) error {
		st.ActiveTier = 7
		now := s.fx.Now
		st.TierActivationDate = &now
		return nil
	})
	s.Require().NoError(err)

	info, err := os.Stat(s.fx.StatePath())
	s.Require().NoError(err)
	if filepath.Separator == '/' {
		s.Equal(os.FileMode(0o600), info.Mode().Perm())
	}

	data, err := os.ReadFile(s.fx.StatePath())
	s.Require().NoError(err)
	s.Contains(string(data), `"activeTier": 7`)

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(s.fx.StatePath()), "*.tmp"))
	s.Require().NoError(err)
	s.Empty(leftovers)
	s.Contains(string(data), `"activatedPlugins": []`)
}

func (s *StateStoreTestSuite) TestUpdateErrorLeavesFileUntouched() {
	s.fx.WriteState(s.T(), s.fx.StatePath(), s.fx.ActiveState(60, time.Hour, "p1"))
	before, err := os.ReadFile(s.fx.StatePath())
	s.Require().NoError(err)

	boom := errors.New("boom")
	_, _, err = s.store.Update(s.ctx, func(st *domain.ActivationState) error {
		st.ActiveTier = 7
		return boom
	})
	s.ErrorIs(err, boom)

	after, err := os.ReadFile(s.fx.StatePath())
	s.Require().NoError(err)
	s.Equal(before, after)
}

func (s *StateStoreTestSuite) TestUpdateHonorsCancelledContext() {
	// Another store holds the lock, so Update has to wait and sees the
	// cancelled context.
	other := NewStateStore(s.fx.StatePath(), nil)
	release := make(chan struct{})
	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = other.Update(context.Background(), func(*domain.ActivationState) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := s.store.Update(ctx, func(*domain.ActivationState) error { return nil })
	close(release)
	<-done

	s.Error(err)
	s.Equal(ErrCodeStateIO, Classify(err))
}

func TestStateStoreTestSuite(t *testing.T) {
	suite.Run(t, new(StateStoreTestSuite))
}

// =============================================================================
// Concurrency
// =============================================================================

func TestStateStoreSerializesConcurrentUpdates(t *testing.T) {
	fx := testutil.NewLicenseTestFixtures(t)
	ctx := context.Background()

	// Two stores on one path model two processes sharing the state file.
	stores := []*StateStore{
		NewStateStore(fx.StatePath(), nil),
		NewStateStore(fx.StatePath(), nil),
	}

	const perStore = 25
	var wg sync.WaitGroup
	for i, store := range stores {
		for j := 0; j < perStore; j++ {
			wg.Add(1)
			go func(store *StateStore, id string) {
				defer wg.Done()
				_, _, err := store.Update(ctx, func(st *domain.ActivationState) error {
					st.ActivatedPlugins = append(st.ActivatedPlugins, id)
					return nil
				})
				assert.NoError(t, err)
			}(store, fmt.Sprintf("%d-%d", i, j))
		}
	}
	wg.Wait()

	final := fx.ReadState(t, fx.StatePath())
	require.Len(t, final.ActivatedPlugins, len(stores)*perStore)
}
