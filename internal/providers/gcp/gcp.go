// Package gcp manages API Gateway pass-through proxies. One endpoint is
// an API + API config + gateway triple; the gateway's default hostname is
// the public URL.
package gcp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	apigateway "google.golang.org/api/apigateway/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	prov "github.com/omniprox/omniprox/internal/providers"
)

const (
	defaultRegion = "us-central1"

	// Gateway provisioning is the slowest create in the whole tool.
	operationTimeout = 15 * time.Minute
	operationPoll    = 5 * time.Second
)

// openAPITemplate is the driver-owned proxy spec: every path forwards to
// the backend address.
const openAPITemplate = `swagger: "2.0"
info:
  title: %s
  version: "1.0.0"
schemes:
  - https
paths:
  /:
    get:
      operationId: root
      x-google-backend:
        address: %s
      responses:
        "200":
          description: proxied
  /{path=**}:
    get:
      operationId: any
      x-google-backend:
        address: %s
      responses:
        "200":
          description: proxied
`

type Driver struct {
	profile prov.Profile
	region  string
	svc     *apigateway.Service
}

func New(profile prov.Profile) *Driver {
	region := profile.Region
	if region == "" {
		region = defaultRegion
	}
	return &Driver{profile: profile, region: region}
}

func (d *Driver) Name() string { return "gcp" }

func (d *Driver) project() string { return d.profile.Credential("project") }

func (d *Driver) Init(ctx context.Context) error {
	if d.svc != nil {
		return nil
	}
	if d.project() == "" {
		return &prov.AuthError{
			Provider: d.Name(), Kind: prov.MissingCredentials,
			Remediation: "set GOOGLE_CLOUD_PROJECT or add project to the profile",
		}
	}
	var opts []option.ClientOption
	if f := d.profile.Credential("credentials_file"); f != "" {
		opts = append(opts, option.WithCredentialsFile(f))
	}
	svc, err := apigateway.NewService(ctx, opts...)
	if err != nil {
		return &prov.AuthError{Provider: d.Name(), Kind: prov.InvalidToken, Err: err,
			Remediation: "run 'gcloud auth application-default login' or set GOOGLE_APPLICATION_CREDENTIALS"}
	}
	d.svc = svc
	return nil
}

func (d *Driver) globalParent() string {
	return fmt.Sprintf("projects/%s/locations/global", d.project())
}

func (d *Driver) regionParent() string {
	return fmt.Sprintf("projects/%s/locations/%s", d.project(), d.region)
}

func (d *Driver) CreateOne(ctx context.Context, targetURL string) (*prov.Endpoint, error) {
	id := prov.ResourceName(targetURL)
	labels := map[string]string{"managed-by": "omniprox"}

	op, err := d.svc.Projects.Locations.Apis.Create(d.globalParent(), &apigateway.ApigatewayApi{
		DisplayName: id,
		Labels:      labels,
	}).ApiId(id).Context(ctx).Do()
	if err != nil {
		return nil, classifyCreate(d.Name(), "", err)
	}
	if err := d.waitOperation(ctx, op.Name); err != nil {
		return nil, classifyCreate(d.Name(), id, err)
	}

	apiName := fmt.Sprintf("%s/apis/%s", d.globalParent(), id)
	spec := fmt.Sprintf(openAPITemplate, id, targetURL, targetURL)
	op, err = d.svc.Projects.Locations.Apis.Configs.Create(apiName, &apigateway.ApigatewayApiConfig{
		DisplayName: id,
		Labels:      labels,
		OpenapiDocuments: []*apigateway.ApigatewayApiConfigOpenApiDocument{{
			Document: &apigateway.ApigatewayApiConfigFile{
				Path:     "openapi.yaml",
				Contents: base64.StdEncoding.EncodeToString([]byte(spec)),
			},
		}},
	}).ApiConfigId(id).Context(ctx).Do()
	if err != nil {
		return nil, &prov.CreateError{Provider: d.Name(), Kind: prov.IncompleteProvisioning,
			ResourceID: id, Err: fmt.Errorf("create api config: %w", err)}
	}
	if err := d.waitOperation(ctx, op.Name); err != nil {
		return nil, &prov.CreateError{Provider: d.Name(), Kind: prov.IncompleteProvisioning,
			ResourceID: id, Err: err}
	}

	op, err = d.svc.Projects.Locations.Gateways.Create(d.regionParent(), &apigateway.ApigatewayGateway{
		ApiConfig:   fmt.Sprintf("%s/configs/%s", apiName, id),
		DisplayName: id,
		Labels:      labels,
	}).GatewayId(id).Context(ctx).Do()
	if err != nil {
		return nil, &prov.CreateError{Provider: d.Name(), Kind: prov.IncompleteProvisioning,
			ResourceID: id, Err: fmt.Errorf("create gateway: %w", err)}
	}
	if err := d.waitOperation(ctx, op.Name); err != nil {
		return nil, &prov.CreateError{Provider: d.Name(), Kind: prov.IncompleteProvisioning,
			ResourceID: id, Err: err}
	}

	gw, err := d.svc.Projects.Locations.Gateways.Get(
		fmt.Sprintf("%s/gateways/%s", d.regionParent(), id)).Context(ctx).Do()
	if err != nil || gw.DefaultHostname == "" {
		if err == nil {
			err = fmt.Errorf("gateway %s has no default hostname yet", id)
		}
		return nil, &prov.CreateError{Provider: d.Name(), Kind: prov.IncompleteProvisioning,
			ResourceID: id, Err: err}
	}

	return &prov.Endpoint{
		ID:        id,
		PublicURL: "https://" + gw.DefaultHostname,
		TargetURL: targetURL,
		CreatedAt: time.Now().UTC(),
		Metadata:  map[string]string{"region": d.region},
	}, nil
}

func (d *Driver) ListAll(ctx context.Context) ([]prov.Endpoint, error) {
	var out []prov.Endpoint
	gateways := map[string]string{}
	err := d.svc.Projects.Locations.Gateways.List(d.regionParent()).Pages(ctx,
		func(page *apigateway.ApigatewayListGatewaysResponse) error {
			for _, gw := range page.Gateways {
				gateways[shortName(gw.Name)] = gw.DefaultHostname
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("list gateways: %w", err)
	}

	err = d.svc.Projects.Locations.Apis.List(d.globalParent()).Pages(ctx,
		func(page *apigateway.ApigatewayListApisResponse) error {
			for _, a := range page.Apis {
				id := shortName(a.Name)
				if !prov.Managed(id) && a.Labels["managed-by"] != "omniprox" {
					continue
				}
				ep := prov.Endpoint{
					ID:       id,
					Metadata: map[string]string{"region": d.region},
				}
				if host := gateways[id]; host != "" {
					ep.PublicURL = "https://" + host
				} else {
					ep.Incomplete = true
				}
				if t, err := time.Parse(time.RFC3339, a.CreateTime); err == nil {
					ep.CreatedAt = t
				}
				out = append(out, ep)
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("list apis: %w", err)
	}
	return out, nil
}

// DeleteOne tears down gateway, configs and the API in dependency order.
func (d *Driver) DeleteOne(ctx context.Context, ep prov.Endpoint) error {
	gwName := fmt.Sprintf("%s/gateways/%s", d.regionParent(), ep.ID)
	if op, err := d.svc.Projects.Locations.Gateways.Delete(gwName).Context(ctx).Do(); err != nil {
		if !isNotFound(err) {
			return classifyDelete(d.Name(), ep.ID, err)
		}
	} else if err := d.waitOperation(ctx, op.Name); err != nil {
		return classifyDelete(d.Name(), ep.ID, err)
	}

	apiName := fmt.Sprintf("%s/apis/%s", d.globalParent(), ep.ID)
	err := d.svc.Projects.Locations.Apis.Configs.List(apiName).Pages(ctx,
		func(page *apigateway.ApigatewayListApiConfigsResponse) error {
			for _, cfg := range page.ApiConfigs {
				op, err := d.svc.Projects.Locations.Apis.Configs.Delete(cfg.Name).Context(ctx).Do()
				if err != nil {
					return err
				}
				if err := d.waitOperation(ctx, op.Name); err != nil {
					return err
				}
			}
			return nil
		})
	if err != nil && !isNotFound(err) {
		return classifyDelete(d.Name(), ep.ID, err)
	}

	op, err := d.svc.Projects.Locations.Apis.Delete(apiName).Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return &prov.DeleteError{Provider: d.Name(), Kind: prov.NotFound, ID: ep.ID, Err: err}
		}
		return classifyDelete(d.Name(), ep.ID, err)
	}
	return d.waitOperation(ctx, op.Name)
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

// Status summarizes the managed API Gateway footprint in the project.
func (d *Driver) Status(ctx context.Context) (string, error) {
	if err := d.Init(ctx); err != nil {
		return "", err
	}
	eps, err := d.ListAll(ctx)
	if err != nil {
		return "", err
	}
	incomplete := 0
	for _, ep := range eps {
		if ep.Incomplete {
			incomplete++
		}
	}
	return fmt.Sprintf("project %s: %d managed APIs (%d without a live gateway)",
		d.project(), len(eps), incomplete), nil
}

func (d *Driver) waitOperation(ctx context.Context, name string) error {
	deadline := time.Now().Add(operationTimeout)
	for {
		op, err := d.svc.Projects.Locations.Operations.Get(name).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("poll operation %s: %w", name, err)
		}
		if op.Done {
			if op.Error != nil {
				return fmt.Errorf("operation %s: %s", name, op.Error.Message)
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("operation %s timed out after %s", name, operationTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(operationPoll):
		}
	}
}

func shortName(full string) string {
	if i := strings.LastIndexByte(full, '/'); i >= 0 {
		return full[i+1:]
	}
	return full
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 404
}

func classifyCreate(provider, resourceID string, err error) error {
	kind := prov.UnknownCreate
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		kind = prov.ClassifyCreateStatus(gerr.Code)
	}
	return &prov.CreateError{Provider: provider, Kind: kind, ResourceID: resourceID, Err: err}
}

func classifyDelete(provider, id string, err error) error {
	kind := prov.DeleteNetwork
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case 404:
			kind = prov.NotFound
		case 400, 409:
			kind = prov.DependencyExists
		}
	}
	return &prov.DeleteError{Provider: provider, Kind: kind, ID: id, Err: err}
}
