// Package cloudflare manages Workers-based pass-through proxies on the
// workers.dev edge. Every request through a worker egresses from the
// Cloudflare edge network, so rotation depends on edge POP assignment.
package cloudflare

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	prov "github.com/omniprox/omniprox/internal/providers"
)

const defaultAPI = "https://api.cloudflare.com/client/v4"

// workerScript is the pass-through proxy deployed per endpoint. The %q is
// the target origin.
const workerScript = `export default {
  async fetch(request) {
    const target = new URL(%q);
    const url = new URL(request.url);
    target.pathname = url.pathname === "/" ? target.pathname : url.pathname;
    target.search = url.search;
    const init = {
      method: request.method,
      headers: request.headers,
      body: request.method === "GET" || request.method === "HEAD" ? undefined : request.body,
      redirect: "follow",
    };
    return fetch(target.toString(), init);
  },
};`

type Driver struct {
	profile prov.Profile
	httpc   *prov.RetryableHTTPClient
	// BaseURL is overridable for tests; defaults to the public API.
	BaseURL   string
	subdomain string
}

func New(profile prov.Profile) *Driver {
	return &Driver{
		profile: profile,
		httpc:   prov.NewRetryableHTTPClient(30*time.Second, 4),
		BaseURL: defaultAPI,
	}
}

func (d *Driver) Name() string { return "cloudflare" }

type envelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (d *Driver) Init(ctx context.Context) error {
	token := d.profile.Credential("api_token")
	account := d.profile.Credential("account_id")
	if token == "" || account == "" {
		return &prov.AuthError{
			Provider: d.Name(), Kind: prov.MissingCredentials,
			Remediation: "set CLOUDFLARE_API_TOKEN and CLOUDFLARE_ACCOUNT_ID or add them to the profile",
		}
	}
	status, _, err := d.do(ctx, http.MethodGet, "/user/tokens/verify", "", nil)
	if err != nil {
		return &prov.AuthError{Provider: d.Name(), Kind: prov.ServiceUnavailable, Err: err,
			Remediation: "check network connectivity to api.cloudflare.com"}
	}
	if status != http.StatusOK {
		return &prov.AuthError{Provider: d.Name(), Kind: prov.ClassifyAuthStatus(status),
			Remediation: "create a token with Workers Scripts edit permission at dash.cloudflare.com"}
	}
	return nil
}

func (d *Driver) CreateOne(ctx context.Context, targetURL string) (*prov.Endpoint, error) {
	name := prov.ResourceName(targetURL)
	script := fmt.Sprintf(workerScript, targetURL)

	status, body, err := d.do(ctx, http.MethodPut,
		"/accounts/"+d.profile.Credential("account_id")+"/workers/scripts/"+name,
		"application/javascript+module", strings.NewReader(script))
	if err != nil {
		return nil, &prov.CreateError{Provider: d.Name(), Kind: prov.NetworkFailure, Err: err}
	}
	if status >= 300 {
		return nil, &prov.CreateError{Provider: d.Name(), Kind: prov.ClassifyCreateStatus(status),
			Err: fmt.Errorf("upload worker: status %d: %s", status, truncate(body))}
	}

	// workers.dev routing is off by default for new scripts.
	if status, body, err = d.do(ctx, http.MethodPost,
		"/accounts/"+d.profile.Credential("account_id")+"/workers/scripts/"+name+"/subdomain",
		"application/json", strings.NewReader(`{"enabled":true}`)); err != nil || status >= 300 {
		if err == nil {
			err = fmt.Errorf("enable workers.dev route: status %d: %s", status, truncate(body))
		}
		return nil, &prov.CreateError{Provider: d.Name(), Kind: prov.IncompleteProvisioning,
			ResourceID: name, Err: err}
	}

	sub, err := d.workerSubdomain(ctx)
	if err != nil {
		return nil, &prov.CreateError{Provider: d.Name(), Kind: prov.IncompleteProvisioning,
			ResourceID: name, Err: err}
	}

	return &prov.Endpoint{
		ID:        name,
		PublicURL: fmt.Sprintf("https://%s.%s.workers.dev", name, sub),
		TargetURL: targetURL,
		CreatedAt: time.Now().UTC(),
		Metadata:  map[string]string{"subdomain": sub},
	}, nil
}

func (d *Driver) ListAll(ctx context.Context) ([]prov.Endpoint, error) {
	status, body, err := d.do(ctx, http.MethodGet,
		"/accounts/"+d.profile.Credential("account_id")+"/workers/scripts", "", nil)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	if status >= 300 {
		return nil, fmt.Errorf("list workers: status %d: %s", status, truncate(body))
	}
	var env envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, fmt.Errorf("decode worker list: %w", err)
	}
	var scripts []struct {
		ID        string    `json:"id"`
		CreatedOn time.Time `json:"created_on"`
	}
	if err := json.Unmarshal(env.Result, &scripts); err != nil {
		return nil, fmt.Errorf("decode worker list: %w", err)
	}

	sub, subErr := d.workerSubdomain(ctx)
	var out []prov.Endpoint
	for _, s := range scripts {
		if !prov.Managed(s.ID) {
			continue
		}
		ep := prov.Endpoint{ID: s.ID, CreatedAt: s.CreatedOn}
		if subErr == nil {
			ep.PublicURL = fmt.Sprintf("https://%s.%s.workers.dev", s.ID, sub)
		} else {
			ep.Incomplete = true
		}
		out = append(out, ep)
	}
	return out, nil
}

func (d *Driver) DeleteOne(ctx context.Context, ep prov.Endpoint) error {
	status, body, err := d.do(ctx, http.MethodDelete,
		"/accounts/"+d.profile.Credential("account_id")+"/workers/scripts/"+ep.ID, "", nil)
	if err != nil {
		return &prov.DeleteError{Provider: d.Name(), Kind: prov.DeleteNetwork, ID: ep.ID, Err: err}
	}
	if status == http.StatusNotFound {
		return &prov.DeleteError{Provider: d.Name(), Kind: prov.NotFound, ID: ep.ID,
			Err: fmt.Errorf("worker already gone")}
	}
	if status >= 300 {
		return &prov.DeleteError{Provider: d.Name(), Kind: prov.DeleteNetwork, ID: ep.ID,
			Err: fmt.Errorf("status %d: %s", status, truncate(body))}
	}
	return nil
}

func (d *Driver) DeleteAll(ctx context.Context) (deleted, failed int, err error) {
	eps, err := d.ListAll(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, ep := range eps {
		if delErr := d.DeleteOne(ctx, ep); delErr != nil && !prov.IsNotFound(delErr) {
			failed++
			continue
		}
		deleted++
	}
	return deleted, failed, nil
}

// Status summarizes the account's worker deployment.
func (d *Driver) Status(ctx context.Context) (string, error) {
	if err := d.Init(ctx); err != nil {
		return "", err
	}
	eps, err := d.ListAll(ctx)
	if err != nil {
		return "", err
	}
	sub, _ := d.workerSubdomain(ctx)
	return fmt.Sprintf("token valid, subdomain %s.workers.dev, %d managed workers", sub, len(eps)), nil
}

// Usage reports deployment counts against the free-plan ceiling. Request
// analytics need a paid plan, so this stays at resource granularity.
func (d *Driver) Usage(ctx context.Context) (string, error) {
	if err := d.Init(ctx); err != nil {
		return "", err
	}
	eps, err := d.ListAll(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d managed workers deployed (free plan allows 100 scripts, 100k requests/day)", len(eps)), nil
}

func (d *Driver) workerSubdomain(ctx context.Context) (string, error) {
	if d.subdomain != "" {
		return d.subdomain, nil
	}
	status, body, err := d.do(ctx, http.MethodGet,
		"/accounts/"+d.profile.Credential("account_id")+"/workers/subdomain", "", nil)
	if err != nil {
		return "", fmt.Errorf("fetch workers.dev subdomain: %w", err)
	}
	if status >= 300 {
		return "", fmt.Errorf("fetch workers.dev subdomain: status %d: %s", status, truncate(body))
	}
	var env envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return "", err
	}
	var result struct {
		Subdomain string `json:"subdomain"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return "", err
	}
	if result.Subdomain == "" {
		return "", fmt.Errorf("account has no workers.dev subdomain registered")
	}
	d.subdomain = result.Subdomain
	return d.subdomain, nil
}

func (d *Driver) do(ctx context.Context, method, path, contentType string, body io.Reader) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, method, d.BaseURL+path, body)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Authorization", "Bearer "+d.profile.Credential("api_token"))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := d.httpc.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, "", err
	}
	return resp.StatusCode, string(raw), nil
}

func truncate(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
