// Package alibaba manages Alibaba Cloud API Gateway pass-through proxies.
// One endpoint is an API group plus a single wildcard HTTP API deployed to
// the RELEASE stage; the group subdomain is the public URL.
package alibaba

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	prov "github.com/omniprox/omniprox/internal/providers"
)

const apiVersion = "2016-07-14"

type Driver struct {
	profile prov.Profile
	region  string
	httpc   *prov.RetryableHTTPClient
	// Endpoint is overridable for tests; empty means the regional default.
	Endpoint string
}

func New(profile prov.Profile) *Driver {
	region := profile.Region
	if region == "" {
		region = "cn-hangzhou"
	}
	return &Driver{
		profile: profile,
		region:  region,
		httpc:   prov.NewRetryableHTTPClient(30*time.Second, 4),
	}
}

func (d *Driver) Name() string { return "alibaba" }

func (d *Driver) endpoint() string {
	if d.Endpoint != "" {
		return d.Endpoint
	}
	return fmt.Sprintf("https://apigateway.%s.aliyuncs.com", d.region)
}

func (d *Driver) Init(ctx context.Context) error {
	if d.profile.Credential("access_key_id") == "" || d.profile.Credential("access_key_secret") == "" {
		return &prov.AuthError{
			Provider: d.Name(), Kind: prov.MissingCredentials,
			Remediation: "set ALIBABA_CLOUD_ACCESS_KEY_ID and ALIBABA_CLOUD_ACCESS_KEY_SECRET or add them to the profile",
		}
	}
	// DescribeApiGroups with no filter doubles as a credential check.
	if _, err := d.describeGroups(ctx); err != nil {
		return &prov.AuthError{Provider: d.Name(), Kind: prov.InvalidToken, Err: err,
			Remediation: "verify the RAM key pair has ApiGateway full access"}
	}
	return nil
}

type apiGroup struct {
	GroupID     string `json:"GroupId"`
	GroupName   string `json:"GroupName"`
	SubDomain   string `json:"SubDomain"`
	Description string `json:"Description"`
	CreatedTime string `json:"CreatedTime"`
}

func (d *Driver) CreateOne(ctx context.Context, targetURL string) (*prov.Endpoint, error) {
	name := prov.ResourceName(targetURL)

	var created apiGroup
	if err := d.call(ctx, "CreateApiGroup", map[string]string{
		"GroupName":   name,
		"Description": "managed-by=omniprox target=" + targetURL,
	}, &created); err != nil {
		return nil, classifyCreate(d.Name(), "", err)
	}

	var api struct {
		ApiID string `json:"ApiId"`
	}
	if err := d.call(ctx, "CreateApi", map[string]string{
		"GroupId":       created.GroupID,
		"ApiName":       "passthrough",
		"Visibility":    "PRIVATE",
		"AuthType":      "ANONYMOUS",
		"RequestConfig": requestConfig(),
		"ServiceConfig": serviceConfig(targetURL),
		"ResultType":    "PASSTHROUGH",
	}, &api); err != nil {
		return nil, &prov.CreateError{Provider: d.Name(), Kind: prov.IncompleteProvisioning,
			ResourceID: created.GroupID, Err: fmt.Errorf("create api: %w", err)}
	}

	if err := d.call(ctx, "DeployApi", map[string]string{
		"GroupId":     created.GroupID,
		"ApiId":       api.ApiID,
		"StageName":   "RELEASE",
		"Description": "omniprox deploy",
	}, nil); err != nil {
		return nil, &prov.CreateError{Provider: d.Name(), Kind: prov.IncompleteProvisioning,
			ResourceID: created.GroupID, Err: fmt.Errorf("deploy api: %w", err)}
	}

	return &prov.Endpoint{
		ID:        created.GroupID,
		PublicURL: "http://" + created.SubDomain,
		TargetURL: targetURL,
		CreatedAt: time.Now().UTC(),
		Metadata:  map[string]string{"group_name": name, "api_id": api.ApiID},
	}, nil
}

func (d *Driver) ListAll(ctx context.Context) ([]prov.Endpoint, error) {
	groups, err := d.describeGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list api groups: %w", err)
	}
	var out []prov.Endpoint
	for _, g := range groups {
		if !prov.Managed(g.GroupName) {
			continue
		}
		ep := prov.Endpoint{
			ID:        g.GroupID,
			PublicURL: "http://" + g.SubDomain,
			Metadata:  map[string]string{"group_name": g.GroupName},
		}
		if g.SubDomain == "" {
			ep.PublicURL = ""
			ep.Incomplete = true
		}
		if t, err := time.Parse(time.RFC3339, g.CreatedTime); err == nil {
			ep.CreatedAt = t
		}
		out = append(out, ep)
	}
	return out, nil
}

func (d *Driver) DeleteOne(ctx context.Context, ep prov.Endpoint) error {
	// APIs inside the group must go first or DeleteApiGroup rejects.
	var apis struct {
		ApiInfos struct {
			ApiInfo []struct {
				ApiID string `json:"ApiId"`
			} `json:"ApiInfo"`
		} `json:"ApiInfos"`
	}
	if err := d.call(ctx, "DescribeApis", map[string]string{"GroupId": ep.ID}, &apis); err != nil {
		if isNotFound(err) {
			return &prov.DeleteError{Provider: d.Name(), Kind: prov.NotFound, ID: ep.ID, Err: err}
		}
		return &prov.DeleteError{Provider: d.Name(), Kind: prov.DeleteNetwork, ID: ep.ID, Err: err}
	}
	for _, a := range apis.ApiInfos.ApiInfo {
		_ = d.call(ctx, "AbolishApi", map[string]string{
			"GroupId": ep.ID, "ApiId": a.ApiID, "StageName": "RELEASE",
		}, nil)
		if err := d.call(ctx, "DeleteApi", map[string]string{
			"GroupId": ep.ID, "ApiId": a.ApiID,
		}, nil); err != nil && !isNotFound(err) {
			return &prov.DeleteError{Provider: d.Name(), Kind: prov.DependencyExists, ID: ep.ID, Err: err}
		}
	}
	if err := d.call(ctx, "DeleteApiGroup", map[string]string{"GroupId": ep.ID}, nil); err != nil {
		if isNotFound(err) {
			return &prov.DeleteError{Provider: d.Name(), Kind: prov.NotFound, ID: ep.ID, Err: err}
		}
		return &prov.DeleteError{Provider: d.Name(), Kind: prov.DeleteNetwork, ID: ep.ID, Err: err}
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

func (d *Driver) describeGroups(ctx context.Context) ([]apiGroup, error) {
	var resp struct {
		ApiGroupAttributes struct {
			ApiGroupAttribute []apiGroup `json:"ApiGroupAttribute"`
		} `json:"ApiGroupAttributes"`
	}
	if err := d.call(ctx, "DescribeApiGroups", map[string]string{"PageSize": "50"}, &resp); err != nil {
		return nil, err
	}
	return resp.ApiGroupAttributes.ApiGroupAttribute, nil
}

// call performs one signed RPC request and decodes the JSON response.
func (d *Driver) call(ctx context.Context, action string, params map[string]string, out interface{}) error {
	query := signedQuery(action, apiVersion, d.region,
		d.profile.Credential("access_key_id"),
		d.profile.Credential("access_key_secret"),
		params)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint()+"/?"+query, nil)
	if err != nil {
		return err
	}
	resp, err := d.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr rpcError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != "" {
			apiErr.status = resp.StatusCode
			return &apiErr
		}
		return fmt.Errorf("%s: status %d: %s", action, resp.StatusCode, string(body))
	}
	if out != nil {
		return json.Unmarshal(body, out)
	}
	return nil
}

func classifyCreate(provider, resourceID string, err error) error {
	kind := prov.UnknownCreate
	var apiErr *rpcError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.status == 429 || strings.Contains(apiErr.Code, "Throttling"):
			kind = prov.RateLimited
		case strings.Contains(apiErr.Code, "Quota") || strings.Contains(apiErr.Code, "Exceed"):
			kind = prov.QuotaExceeded
		case apiErr.status >= 500:
			kind = prov.NetworkFailure
		}
	}
	return &prov.CreateError{Provider: provider, Kind: kind, ResourceID: resourceID, Err: err}
}

// requestConfig matches any path and method on the group subdomain.
func requestConfig() string {
	cfg := map[string]string{
		"RequestProtocol":   "HTTP,HTTPS",
		"RequestHttpMethod": "ANY",
		"RequestPath":       "/*",
		"RequestMode":       "PASSTHROUGH",
	}
	raw, _ := json.Marshal(cfg)
	return string(raw)
}

// serviceConfig forwards to the target origin verbatim.
func serviceConfig(targetURL string) string {
	cfg := map[string]interface{}{
		"ServiceProtocol":   "HTTP",
		"ServiceAddress":    targetURL,
		"ServicePath":       "/*",
		"ServiceHttpMethod": "ANY",
		"ServiceTimeout":    10000,
	}
	raw, _ := json.Marshal(cfg)
	return string(raw)
}
