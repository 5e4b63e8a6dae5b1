// Package azure manages a pool of Container Instances, one pass-through
// proxy container per endpoint. Each container group gets its own public
// IP, which is what makes this provider useful for egress rotation.
package azure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/containerinstance/armcontainerinstance/v2"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources/v2"

	prov "github.com/omniprox/omniprox/internal/providers"
)

const (
	defaultRegion = "eastus"

	// proxyImage and its command are the opaque proxy template this driver
	// owns: a reverse proxy from :80 to the target origin.
	proxyImage = "caddy:2-alpine"
)

type Driver struct {
	profile prov.Profile
	region  string

	groups *armcontainerinstance.ContainerGroupsClient
	rgs    *armresources.ResourceGroupsClient
}

func New(profile prov.Profile) *Driver {
	region := profile.Region
	if region == "" {
		region = defaultRegion
	}
	return &Driver{profile: profile, region: region}
}

func (d *Driver) Name() string { return "azure" }

func (d *Driver) resourceGroup() string {
	return prov.NamePrefix + d.profile.Name
}

func (d *Driver) Init(ctx context.Context) error {
	if d.groups != nil {
		return nil
	}
	sub := d.profile.Credential("subscription_id")
	if sub == "" {
		return &prov.AuthError{
			Provider: d.Name(), Kind: prov.MissingCredentials,
			Remediation: "set AZURE_SUBSCRIPTION_ID or add subscription_id to the profile",
		}
	}

	var (
		cred azcore.TokenCredential
		err  error
	)
	tenant := d.profile.Credential("tenant_id")
	client := d.profile.Credential("client_id")
	secret := d.profile.Credential("client_secret")
	if tenant != "" && client != "" && secret != "" {
		cred, err = azidentity.NewClientSecretCredential(tenant, client, secret, nil)
	} else {
		// Fall back to the ambient chain (az login, managed identity, env).
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return &prov.AuthError{Provider: d.Name(), Kind: prov.InvalidToken, Err: err,
			Remediation: "run 'az login' or provide a service principal in the profile"}
	}

	if d.groups, err = armcontainerinstance.NewContainerGroupsClient(sub, cred, nil); err != nil {
		return &prov.AuthError{Provider: d.Name(), Kind: prov.ServiceUnavailable, Err: err,
			Remediation: "verify the subscription id and Azure endpoint reachability"}
	}
	if d.rgs, err = armresources.NewResourceGroupsClient(sub, cred, nil); err != nil {
		return &prov.AuthError{Provider: d.Name(), Kind: prov.ServiceUnavailable, Err: err,
			Remediation: "verify the subscription id and Azure endpoint reachability"}
	}
	return nil
}

// ensureResourceGroup creates the tool-owned resource group if missing.
func (d *Driver) ensureResourceGroup(ctx context.Context) error {
	_, err := d.rgs.CreateOrUpdate(ctx, d.resourceGroup(), armresources.ResourceGroup{
		Location: to.Ptr(d.region),
		Tags:     map[string]*string{"managed-by": to.Ptr("omniprox")},
	}, nil)
	if err != nil {
		return fmt.Errorf("ensure resource group %s: %w", d.resourceGroup(), err)
	}
	return nil
}

func (d *Driver) CreateOne(ctx context.Context, targetURL string) (*prov.Endpoint, error) {
	if err := d.ensureResourceGroup(ctx); err != nil {
		return nil, classifyCreate(d.Name(), "", err)
	}

	name := prov.ResourceName(targetURL)
	group := armcontainerinstance.ContainerGroup{
		Location: to.Ptr(d.region),
		Tags:     map[string]*string{"managed-by": to.Ptr("omniprox")},
		Properties: &armcontainerinstance.ContainerGroupPropertiesProperties{
			OSType:        to.Ptr(armcontainerinstance.OperatingSystemTypesLinux),
			RestartPolicy: to.Ptr(armcontainerinstance.ContainerGroupRestartPolicyAlways),
			Containers: []*armcontainerinstance.Container{{
				Name: to.Ptr(name),
				Properties: &armcontainerinstance.ContainerProperties{
					Image: to.Ptr(proxyImage),
					Command: []*string{
						to.Ptr("caddy"), to.Ptr("reverse-proxy"),
						to.Ptr("--from"), to.Ptr(":80"),
						to.Ptr("--to"), to.Ptr(targetURL),
						to.Ptr("--change-host-header"),
					},
					Ports: []*armcontainerinstance.ContainerPort{{Port: to.Ptr[int32](80)}},
					Resources: &armcontainerinstance.ResourceRequirements{
						Requests: &armcontainerinstance.ResourceRequests{
							CPU:        to.Ptr(1.0),
							MemoryInGB: to.Ptr(0.5),
						},
					},
				},
			}},
			IPAddress: &armcontainerinstance.IPAddress{
				Type:         to.Ptr(armcontainerinstance.ContainerGroupIPAddressTypePublic),
				DNSNameLabel: to.Ptr(name),
				Ports: []*armcontainerinstance.Port{{
					Port:     to.Ptr[int32](80),
					Protocol: to.Ptr(armcontainerinstance.ContainerGroupNetworkProtocolTCP),
				}},
			},
		},
	}

	poller, err := d.groups.BeginCreateOrUpdate(ctx, d.resourceGroup(), name, group, nil)
	if err != nil {
		return nil, classifyCreate(d.Name(), name, err)
	}
	resp, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return nil, classifyCreate(d.Name(), name, err)
	}

	ep := d.toEndpoint(&resp.ContainerGroup)
	ep.TargetURL = targetURL
	ep.CreatedAt = time.Now().UTC()
	if ep.PublicURL == "" {
		// ACI can report success before the public IP lands.
		return nil, &prov.CreateError{Provider: d.Name(), Kind: prov.IncompleteProvisioning,
			ResourceID: name, Err: fmt.Errorf("container group %s has no public address yet", name)}
	}
	return &ep, nil
}

func (d *Driver) ListAll(ctx context.Context) ([]prov.Endpoint, error) {
	var out []prov.Endpoint
	pager := d.groups.NewListByResourceGroupPager(d.resourceGroup(), nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			if isNotFound(err) {
				// Resource group not created yet means no endpoints.
				return nil, nil
			}
			return nil, fmt.Errorf("list container groups: %w", err)
		}
		for _, g := range page.Value {
			if g.Name == nil || !prov.Managed(*g.Name) {
				continue
			}
			out = append(out, d.toEndpoint(g))
		}
	}
	return out, nil
}

func (d *Driver) DeleteOne(ctx context.Context, ep prov.Endpoint) error {
	poller, err := d.groups.BeginDelete(ctx, d.resourceGroup(), ep.ID, nil)
	if err != nil {
		return classifyDelete(d.Name(), ep.ID, err)
	}
	if _, err := poller.PollUntilDone(ctx, nil); err != nil {
		return classifyDelete(d.Name(), ep.ID, err)
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

func (d *Driver) toEndpoint(g *armcontainerinstance.ContainerGroup) prov.Endpoint {
	ep := prov.Endpoint{
		Metadata: map[string]string{"resource_group": d.resourceGroup()},
	}
	if g.Name != nil {
		ep.ID = *g.Name
	}
	p := g.Properties
	if p != nil && p.IPAddress != nil {
		if p.IPAddress.IP != nil {
			ep.Egress = *p.IPAddress.IP
		}
		switch {
		case p.IPAddress.Fqdn != nil && *p.IPAddress.Fqdn != "":
			ep.PublicURL = "http://" + *p.IPAddress.Fqdn
		case ep.Egress != "":
			ep.PublicURL = "http://" + ep.Egress
		}
	}
	if p != nil && len(p.Containers) > 0 && p.Containers[0].Properties != nil {
		cmd := p.Containers[0].Properties.Command
		// Recover the target from the container command so out-of-band
		// imports round-trip.
		for i, arg := range cmd {
			if arg != nil && *arg == "--to" && i+1 < len(cmd) && cmd[i+1] != nil {
				ep.TargetURL = *cmd[i+1]
			}
		}
	}
	ep.Incomplete = ep.PublicURL == ""
	return ep
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}

func classifyCreate(provider, resourceID string, err error) error {
	kind := prov.UnknownCreate
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		kind = prov.ClassifyCreateStatus(respErr.StatusCode)
		if respErr.ErrorCode != "" && strings.Contains(strings.ToLower(respErr.ErrorCode), "quota") {
			kind = prov.QuotaExceeded
		}
	}
	return &prov.CreateError{Provider: provider, Kind: kind, ResourceID: resourceID, Err: err}
}

func classifyDelete(provider, id string, err error) error {
	kind := prov.DeleteNetwork
	if isNotFound(err) {
		kind = prov.NotFound
	}
	return &prov.DeleteError{Provider: provider, Kind: kind, ID: id, Err: err}
}
