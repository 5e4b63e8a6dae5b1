package fleet

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	prov "github.com/omniprox/omniprox/internal/providers"
	"github.com/omniprox/omniprox/pkg/api"
)

// stubDriver for testing the manager without any cloud API.
type stubDriver struct {
	created    int
	failOn     map[int]error // attempt number (1-based) -> error
	remote     []prov.Endpoint
	deleted    []string
	deleteErr  map[string]error
	initErr    error
	failDelete int
}

func (s *stubDriver) Name() string { return "stub" }

func (s *stubDriver) Init(ctx context.Context) error { return s.initErr }

func (s *stubDriver) CreateOne(ctx context.Context, targetURL string) (*prov.Endpoint, error) {
	s.created++
	if err, ok := s.failOn[s.created]; ok {
		return nil, err
	}
	ep := prov.Endpoint{
		ID:        fmt.Sprintf("stub-%d", s.created),
		PublicURL: fmt.Sprintf("https://stub-%d.example.local", s.created),
		TargetURL: targetURL,
		CreatedAt: time.Now().UTC(),
	}
	s.remote = append(s.remote, ep)
	return &ep, nil
}

func (s *stubDriver) ListAll(ctx context.Context) ([]prov.Endpoint, error) {
	return append([]prov.Endpoint(nil), s.remote...), nil
}

func (s *stubDriver) DeleteOne(ctx context.Context, ep prov.Endpoint) error {
	if err, ok := s.deleteErr[ep.ID]; ok {
		return err
	}
	s.deleted = append(s.deleted, ep.ID)
	var remaining []prov.Endpoint
	for _, r := range s.remote {
		if r.ID != ep.ID {
			remaining = append(remaining, r)
		}
	}
	s.remote = remaining
	return nil
}

func (s *stubDriver) DeleteAll(ctx context.Context) (int, int, error) {
	deleted := 0
	failed := 0
	for _, r := range append([]prov.Endpoint(nil), s.remote...) {
		if err := s.DeleteOne(context.Background(), r); err != nil {
			failed++
			continue
		}
		deleted++
	}
	failed += s.failDelete
	return deleted, failed, nil
}

// memStore records every save so tests can assert persistence happened
// per success, not per batch.
type memStore struct {
	fleets map[string][]prov.Endpoint
	saves  int
	failAt int // fail the n-th save (1-based), 0 = never
}

func newMemStore() *memStore {
	return &memStore{fleets: map[string][]prov.Endpoint{}}
}

func (m *memStore) LoadFleet(provider, profile string) ([]prov.Endpoint, error) {
	return append([]prov.Endpoint(nil), m.fleets[provider+"/"+profile]...), nil
}

func (m *memStore) SaveFleet(provider, profile string, fleet []prov.Endpoint) error {
	m.saves++
	if m.failAt > 0 && m.saves == m.failAt {
		return errors.New("disk full")
	}
	m.fleets[provider+"/"+profile] = append([]prov.Endpoint(nil), fleet...)
	return nil
}

func newTestManager(d prov.Driver, s Store) *Manager {
	return New(Options{
		Driver:  d,
		Store:   s,
		Profile: "default",
		Delay:   time.Millisecond,
		Backoff: time.Millisecond,
	})
}

func TestCreateBatchAllSucceed(t *testing.T) {
	driver := &stubDriver{}
	st := newMemStore()
	m := newTestManager(driver, st)

	report, err := m.CreateBatch(context.Background(), "https://example.local", 3)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Requested)
	assert.Equal(t, 3, report.Succeeded)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, api.BatchSucceeded, report.State)

	fleet, err := st.LoadFleet("stub", "default")
	require.NoError(t, err)
	require.Len(t, fleet, 3)
	for i, ep := range fleet {
		assert.Equal(t, fmt.Sprintf("stub-%d", i+1), ep.ID, "creation order must be preserved")
		assert.Equal(t, "https://example.local", ep.TargetURL)
	}
}

func TestCreateBatchPartialFailureContinues(t *testing.T) {
	driver := &stubDriver{failOn: map[int]error{
		2: &prov.CreateError{Provider: "stub", Kind: prov.NetworkFailure, Err: errors.New("timeout")},
	}}
	st := newMemStore()
	m := newTestManager(driver, st)

	report, err := m.CreateBatch(context.Background(), "https://example.local", 5)
	require.NoError(t, err)

	assert.Equal(t, 4, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, api.BatchPartialFailure, report.State)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, 1, report.Errors[0].Index)

	fleet, _ := st.LoadFleet("stub", "default")
	require.Len(t, fleet, 4)
	assert.Equal(t, []string{"stub-1", "stub-3", "stub-4", "stub-5"},
		[]string{fleet[0].ID, fleet[1].ID, fleet[2].ID, fleet[3].ID})
}

func TestCreateBatchAllFail(t *testing.T) {
	driver := &stubDriver{failOn: map[int]error{
		1: &prov.CreateError{Kind: prov.UnknownCreate, Err: errors.New("boom")},
		2: &prov.CreateError{Kind: prov.UnknownCreate, Err: errors.New("boom")},
	}}
	m := newTestManager(driver, newMemStore())

	report, err := m.CreateBatch(context.Background(), "https://example.local", 2)
	require.NoError(t, err)
	assert.Equal(t, api.BatchFailed, report.State)
	assert.Equal(t, 0, report.Succeeded)
}

func TestCreateBatchPersistsEachSuccess(t *testing.T) {
	driver := &stubDriver{}
	st := newMemStore()
	m := newTestManager(driver, st)

	_, err := m.CreateBatch(context.Background(), "https://example.local", 3)
	require.NoError(t, err)
	// One save per successful create, so killing the process after the
	// k-th success leaves exactly k endpoints on disk.
	assert.Equal(t, 3, st.saves)
}

func TestCreateBatchPersistenceFailureStillReports(t *testing.T) {
	driver := &stubDriver{}
	st := newMemStore()
	st.failAt = 2
	m := newTestManager(driver, st)

	report, err := m.CreateBatch(context.Background(), "https://example.local", 3)
	require.Error(t, err)
	require.NotNil(t, report)
	// The endpoint that could not be persisted is still surfaced.
	assert.Equal(t, 2, report.Succeeded)

	fleet, _ := st.LoadFleet("stub", "default")
	assert.Len(t, fleet, 1)
}

func TestCreateBatchValidation(t *testing.T) {
	m := newTestManager(&stubDriver{}, newMemStore())

	var verr prov.ValidationError
	_, err := m.CreateBatch(context.Background(), "", 1)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "url", verr.Field)

	_, err = m.CreateBatch(context.Background(), "not-a-url", 1)
	require.ErrorAs(t, err, &verr)

	_, err = m.CreateBatch(context.Background(), "ftp://example.local/x", 1)
	require.ErrorAs(t, err, &verr)

	_, err = m.CreateBatch(context.Background(), "https://example.local", 0)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "count", verr.Field)

	_, err = m.CreateBatch(context.Background(), "https://example.local", MaxBatchSize+1)
	require.ErrorAs(t, err, &verr)
}

func TestCreateBatchAuthFatal(t *testing.T) {
	driver := &stubDriver{initErr: &prov.AuthError{Provider: "stub", Kind: prov.InvalidToken}}
	m := newTestManager(driver, newMemStore())

	_, err := m.CreateBatch(context.Background(), "https://example.local", 1)
	var authErr *prov.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, prov.InvalidToken, authErr.Kind)
	assert.Zero(t, driver.created, "no create attempt after auth failure")
}

func TestCreateBatchCancellationKeepsCreated(t *testing.T) {
	driver := &stubDriver{}
	st := newMemStore()
	m := New(Options{
		Driver: driver, Store: st, Profile: "default",
		Delay: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// Cancel while the manager sleeps between attempts.
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	report, err := m.CreateBatch(ctx, "https://example.local", 10)
	require.NoError(t, err)
	assert.True(t, report.Interrupted)
	assert.Greater(t, report.Succeeded, 0)
	assert.Less(t, report.Succeeded, 10)

	fleet, _ := st.LoadFleet("stub", "default")
	assert.Len(t, fleet, report.Succeeded, "persisted endpoints match the report")
}

func TestListMergesRemoteTruth(t *testing.T) {
	driver := &stubDriver{remote: []prov.Endpoint{
		{ID: "A", PublicURL: "https://a.example.local"},
		{ID: "B", PublicURL: "https://b.example.local"},
	}}
	st := newMemStore()
	st.fleets["stub/default"] = []prov.Endpoint{
		{ID: "A", PublicURL: "https://a.example.local", TargetURL: "https://target.local"},
	}
	m := newTestManager(driver, st)

	merged, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, merged, 2)
	assert.Equal(t, "A", merged[0].ID)
	assert.Equal(t, "https://target.local", merged[0].TargetURL, "local-only fields survive the merge")
	assert.Equal(t, "B", merged[1].ID, "remote-only endpoints are imported")

	// Out-of-band deletion drops the local record on the next list.
	driver.remote = driver.remote[1:]
	merged, err = m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, merged, 1)
	assert.Equal(t, "B", merged[0].ID)

	stored, _ := st.LoadFleet("stub", "default")
	require.Len(t, stored, 1)
	assert.Equal(t, "B", stored[0].ID)
}

func TestListReturnsMergeWhenSaveFails(t *testing.T) {
	driver := &stubDriver{remote: []prov.Endpoint{{ID: "A"}, {ID: "B"}}}
	st := newMemStore()
	st.failAt = 1
	m := newTestManager(driver, st)

	merged, err := m.List(context.Background())
	require.Error(t, err)
	// The merged view is still returned so callers can show it.
	require.Len(t, merged, 2)
	assert.Equal(t, "A", merged[0].ID)
	assert.Equal(t, "B", merged[1].ID)
}

func TestDeleteOneIdempotent(t *testing.T) {
	driver := &stubDriver{remote: []prov.Endpoint{{ID: "X"}}}
	st := newMemStore()
	st.fleets["stub/default"] = []prov.Endpoint{{ID: "X"}}
	m := newTestManager(driver, st)

	require.NoError(t, m.DeleteOne(context.Background(), "X"))
	fleet, _ := st.LoadFleet("stub", "default")
	assert.Empty(t, fleet)

	// Second delete of the same id is still a success.
	require.NoError(t, m.DeleteOne(context.Background(), "X"))
}

func TestDeleteOneNotFoundFromDriverIsSuccess(t *testing.T) {
	driver := &stubDriver{
		remote: []prov.Endpoint{{ID: "X"}},
		deleteErr: map[string]error{
			"X": &prov.DeleteError{Provider: "stub", Kind: prov.NotFound, ID: "X", Err: errors.New("gone")},
		},
	}
	st := newMemStore()
	st.fleets["stub/default"] = []prov.Endpoint{{ID: "X"}}
	m := newTestManager(driver, st)

	require.NoError(t, m.DeleteOne(context.Background(), "X"))
	fleet, _ := st.LoadFleet("stub", "default")
	assert.Empty(t, fleet, "local record removed even when remote says already gone")
}

func TestDeleteOneRequiresID(t *testing.T) {
	m := newTestManager(&stubDriver{}, newMemStore())
	var verr prov.ValidationError
	require.ErrorAs(t, m.DeleteOne(context.Background(), ""), &verr)
}

func TestDeleteAllClearsStoreOnPartialFailure(t *testing.T) {
	driver := &stubDriver{
		remote: []prov.Endpoint{{ID: "A"}, {ID: "B"}},
		deleteErr: map[string]error{
			"B": &prov.DeleteError{Provider: "stub", Kind: prov.DeleteNetwork, ID: "B", Err: errors.New("refused")},
		},
	}
	st := newMemStore()
	st.fleets["stub/default"] = []prov.Endpoint{{ID: "A"}, {ID: "B"}}
	m := newTestManager(driver, st)

	deleted, failed, err := m.DeleteAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, 1, failed)

	fleet, _ := st.LoadFleet("stub", "default")
	assert.Empty(t, fleet, "local fleet cleared even on partial remote failure")
}

func TestDeleteAllRespectsConfirmation(t *testing.T) {
	driver := &stubDriver{remote: []prov.Endpoint{{ID: "A"}}}
	m := New(Options{
		Driver: driver, Store: newMemStore(), Profile: "default",
		Delay:   time.Millisecond,
		Confirm: func(string) bool { return false },
	})

	_, _, err := m.DeleteAll(context.Background())
	require.Error(t, err)
	assert.Len(t, driver.remote, 1, "nothing deleted without confirmation")
}

func TestCreateBatchRateLimitedBacksOff(t *testing.T) {
	driver := &stubDriver{failOn: map[int]error{
		1: &prov.CreateError{Provider: "stub", Kind: prov.RateLimited, Err: errors.New("429")},
	}}
	st := newMemStore()
	start := time.Now()
	m := New(Options{
		Driver: driver, Store: st, Profile: "default",
		Delay:   time.Millisecond,
		Backoff: 30 * time.Millisecond,
	})

	report, err := m.CreateBatch(context.Background(), "https://example.local", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond, "backoff applied after rate limit")
}
