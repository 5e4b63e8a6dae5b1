package fleet

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	prov "github.com/omniprox/omniprox/internal/providers"
	"github.com/omniprox/omniprox/pkg/api"
)

// echoDriver hands out endpoints whose public URLs point at local test
// servers, each echoing a fixed egress address.
type echoDriver struct {
	urls    []string
	created int
	deleted []string
}

func (d *echoDriver) Name() string { return "echo" }

func (d *echoDriver) Init(ctx context.Context) error { return nil }

func (d *echoDriver) ListAll(ctx context.Context) ([]prov.Endpoint, error) {
	return nil, nil
}

func (d *echoDriver) CreateOne(ctx context.Context, targetURL string) (*prov.Endpoint, error) {
	if d.created >= len(d.urls) {
		return nil, &prov.CreateError{Provider: "echo", Kind: prov.UnknownCreate, Err: fmt.Errorf("no more endpoints")}
	}
	ep := prov.Endpoint{
		ID:        fmt.Sprintf("echo-%d", d.created+1),
		PublicURL: d.urls[d.created],
		TargetURL: targetURL,
		CreatedAt: time.Now().UTC(),
	}
	d.created++
	return &ep, nil
}

func (d *echoDriver) DeleteOne(ctx context.Context, ep prov.Endpoint) error {
	d.deleted = append(d.deleted, ep.ID)
	return nil
}

func (d *echoDriver) DeleteAll(ctx context.Context) (int, int, error) {
	return 0, 0, nil
}

func echoServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		fmt.Fprintln(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newRotationManager(t *testing.T, urls []string) (*Manager, *echoDriver) {
	t.Helper()
	driver := &echoDriver{urls: urls}
	m := New(Options{
		Driver:      driver,
		Store:       newMemStore(),
		Profile:     "default",
		Delay:       time.Millisecond,
		Backoff:     time.Millisecond,
		HTTPClient:  &http.Client{Timeout: 2 * time.Second},
		TestCleanup: func(string) bool { return true },
	})
	return m, driver
}

func TestRotationConfirmed(t *testing.T) {
	a := echoServer(t, "203.0.113.10", http.StatusOK)
	b := echoServer(t, "203.0.113.11", http.StatusOK)
	c := echoServer(t, "203.0.113.10", http.StatusOK)
	m, driver := newRotationManager(t, []string{a.URL, b.URL, c.URL})

	report, err := m.RotationTest(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Responded)
	assert.Equal(t, 2, report.UniqueEgress)
	assert.Equal(t, []string{"203.0.113.10", "203.0.113.11"}, report.Egress)
	assert.Equal(t, api.RotationConfirmed, report.Verdict)
	assert.Len(t, driver.deleted, 3, "test endpoints cleaned up")
}

func TestRotationNotObserved(t *testing.T) {
	srv := echoServer(t, "203.0.113.20", http.StatusOK)
	m, _ := newRotationManager(t, []string{srv.URL, srv.URL, srv.URL})

	report, err := m.RotationTest(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Responded)
	assert.Equal(t, 1, report.UniqueEgress)
	assert.Equal(t, api.NoRotation, report.Verdict)
}

func TestRotationTotalFailure(t *testing.T) {
	srv := echoServer(t, "upstream error", http.StatusBadGateway)
	m, _ := newRotationManager(t, []string{srv.URL, srv.URL, srv.URL})

	report, err := m.RotationTest(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Responded)
	assert.Equal(t, 0, report.UniqueEgress)
	assert.Equal(t, api.TotalFailure, report.Verdict)
}

func TestRotationSkipsCleanupWhenDeclined(t *testing.T) {
	srv := echoServer(t, "203.0.113.30", http.StatusOK)
	driver := &echoDriver{urls: []string{srv.URL, srv.URL, srv.URL}}
	m := New(Options{
		Driver:      driver,
		Store:       newMemStore(),
		Profile:     "default",
		Delay:       time.Millisecond,
		HTTPClient:  &http.Client{Timeout: 2 * time.Second},
		TestCleanup: func(string) bool { return false },
	})

	report, err := m.RotationTest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, api.NoRotation, report.Verdict)
	assert.Empty(t, driver.deleted, "endpoints kept when cleanup declined")
}

func TestRotationKeepsEndpointsWithoutCleanupDecision(t *testing.T) {
	srv := echoServer(t, "203.0.113.40", http.StatusOK)
	driver := &echoDriver{urls: []string{srv.URL, srv.URL, srv.URL}}
	st := newMemStore()
	m := New(Options{
		Driver:     driver,
		Store:      st,
		Profile:    "default",
		Delay:      time.Millisecond,
		HTTPClient: &http.Client{Timeout: 2 * time.Second},
	})

	report, err := m.RotationTest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, api.NoRotation, report.Verdict)
	// No cleanup callback means a scripted run keeps its test fleet.
	assert.Empty(t, driver.deleted)
	fleet, _ := st.LoadFleet("echo", "default")
	assert.Len(t, fleet, 3, "test endpoints stay tracked")
}
