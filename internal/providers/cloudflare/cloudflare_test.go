package cloudflare

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	prov "github.com/omniprox/omniprox/internal/providers"
)

func testProfile() prov.Profile {
	return prov.Profile{
		Provider: "cloudflare",
		Name:     "default",
		Credentials: map[string]string{
			"api_token":  "test-token",
			"account_id": "acct-1",
		},
	}
}

// fakeAPI emulates the minimal slice of the v4 API the driver touches.
type fakeAPI struct {
	t        *testing.T
	scripts  map[string]string // name -> uploaded script body
	verified int
}

func newFakeAPI(t *testing.T) (*fakeAPI, *Driver) {
	t.Helper()
	f := &fakeAPI{t: t, scripts: map[string]string{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	d := New(testProfile())
	d.BaseURL = srv.URL
	return f, d
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer test-token" {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"success":false,"errors":[{"code":10000,"message":"authentication error"}]}`)
		return
	}
	path := r.URL.Path
	switch {
	case path == "/user/tokens/verify":
		f.verified++
		fmt.Fprint(w, `{"success":true,"result":{"status":"active"}}`)
	case path == "/accounts/acct-1/workers/subdomain":
		fmt.Fprint(w, `{"success":true,"result":{"subdomain":"unittest"}}`)
	case path == "/accounts/acct-1/workers/scripts" && r.Method == http.MethodGet:
		var items []map[string]string
		for name := range f.scripts {
			items = append(items, map[string]string{"id": name})
		}
		raw, _ := json.Marshal(items)
		fmt.Fprintf(w, `{"success":true,"result":%s}`, raw)
	case strings.HasSuffix(path, "/subdomain") && r.Method == http.MethodPost:
		fmt.Fprint(w, `{"success":true,"result":{"enabled":true}}`)
	case strings.HasPrefix(path, "/accounts/acct-1/workers/scripts/") && r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		name := strings.TrimPrefix(path, "/accounts/acct-1/workers/scripts/")
		f.scripts[name] = string(body)
		fmt.Fprintf(w, `{"success":true,"result":{"id":%q}}`, name)
	case strings.HasPrefix(path, "/accounts/acct-1/workers/scripts/") && r.Method == http.MethodDelete:
		name := strings.TrimPrefix(path, "/accounts/acct-1/workers/scripts/")
		if _, ok := f.scripts[name]; !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"success":false,"errors":[{"code":10007,"message":"workers.api.error.script_not_found"}]}`)
			return
		}
		delete(f.scripts, name)
		fmt.Fprint(w, `{"success":true,"result":null}`)
	default:
		f.t.Errorf("unexpected request: %s %s", r.Method, path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestInitVerifiesToken(t *testing.T) {
	f, d := newFakeAPI(t)
	require.NoError(t, d.Init(context.Background()))
	assert.Equal(t, 1, f.verified)
}

func TestInitMissingCredentials(t *testing.T) {
	d := New(prov.Profile{Provider: "cloudflare", Name: "default"})
	err := d.Init(context.Background())
	var authErr *prov.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, prov.MissingCredentials, authErr.Kind)
	assert.Contains(t, authErr.Remediation, "CLOUDFLARE_API_TOKEN")
}

func TestInitInvalidToken(t *testing.T) {
	_, d := newFakeAPI(t)
	d.profile.Credentials["api_token"] = "wrong"

	err := d.Init(context.Background())
	var authErr *prov.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, prov.InvalidToken, authErr.Kind)
}

func TestCreateOneDeploysWorker(t *testing.T) {
	f, d := newFakeAPI(t)

	ep, err := d.CreateOne(context.Background(), "https://origin.example.local/api")
	require.NoError(t, err)

	assert.True(t, prov.Managed(ep.ID))
	assert.Equal(t, "https://"+ep.ID+".unittest.workers.dev", ep.PublicURL)
	assert.Equal(t, "https://origin.example.local/api", ep.TargetURL)
	assert.False(t, ep.CreatedAt.IsZero())

	script, ok := f.scripts[ep.ID]
	require.True(t, ok, "script uploaded under the endpoint id")
	assert.Contains(t, script, `"https://origin.example.local/api"`)
	assert.Contains(t, script, "export default")
}

func TestListAllFiltersForeignScripts(t *testing.T) {
	f, d := newFakeAPI(t)
	f.scripts["omniprox-target-abc123"] = "..."
	f.scripts["customer-worker"] = "..."

	eps, err := d.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, "omniprox-target-abc123", eps[0].ID)
	assert.Equal(t, "https://omniprox-target-abc123.unittest.workers.dev", eps[0].PublicURL)
}

func TestDeleteOneMissingScriptIsNotFound(t *testing.T) {
	_, d := newFakeAPI(t)

	err := d.DeleteOne(context.Background(), prov.Endpoint{ID: "omniprox-gone-ffffff"})
	require.Error(t, err)
	assert.True(t, prov.IsNotFound(err))
}

func TestDeleteAllRemovesOnlyManaged(t *testing.T) {
	f, d := newFakeAPI(t)
	f.scripts["omniprox-a-111111"] = "..."
	f.scripts["omniprox-b-222222"] = "..."
	f.scripts["customer-worker"] = "..."

	deleted, failed, err := d.DeleteAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	assert.Equal(t, 0, failed)
	_, ok := f.scripts["customer-worker"]
	assert.True(t, ok, "foreign script untouched")
}
