package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NamePrefix tags every cloud resource this tool creates. Drivers filter
// ListAll by it so foreign resources are never touched.
const NamePrefix = "omniprox-"

// Endpoint is one provisioned pass-through proxy instance.
type Endpoint struct {
	ID        string    `json:"id" yaml:"id"`
	PublicURL string    `json:"public_url" yaml:"public_url"`
	TargetURL string    `json:"target_url" yaml:"target_url"`
	Egress    string    `json:"egress,omitempty" yaml:"egress,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	// Incomplete marks an endpoint whose public URL was not assigned by the
	// time the provider reported success (seen with Azure DNS propagation).
	Incomplete bool              `json:"incomplete,omitempty" yaml:"incomplete,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Profile is a named credential/configuration bundle for one provider.
type Profile struct {
	Provider    string            `yaml:"provider"`
	Name        string            `yaml:"name"`
	Region      string            `yaml:"region,omitempty"`
	Credentials map[string]string `yaml:"credentials,omitempty"`
}

func (p Profile) Credential(key string) string {
	return p.Credentials[key]
}

// Driver is the capability contract one cloud vendor implements.
// CreateOne blocks for the full provisioning round trip; callers cancel
// through ctx. DeleteOne is idempotent: a resource that is already gone
// counts as deleted.
type Driver interface {
	Name() string
	Init(ctx context.Context) error
	CreateOne(ctx context.Context, targetURL string) (*Endpoint, error)
	ListAll(ctx context.Context) ([]Endpoint, error)
	DeleteOne(ctx context.Context, ep Endpoint) error
	DeleteAll(ctx context.Context) (deleted, failed int, err error)
}

// StatusReporter is implemented by drivers that can summarize account and
// deployment state. Others report not-supported through the dispatcher.
type StatusReporter interface {
	Status(ctx context.Context) (string, error)
}

// UsageReporter is implemented by drivers that expose request/quota usage.
type UsageReporter interface {
	Usage(ctx context.Context) (string, error)
}

// ResourceName builds a tagged, collision-resistant resource name from the
// target host, e.g. "omniprox-example-7f3a2c".
func ResourceName(targetURL string) string {
	host := targetURL
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/:"); i >= 0 {
		host = host[:i]
	}
	parts := strings.Split(host, ".")
	label := host
	if len(parts) >= 2 {
		label = parts[len(parts)-2]
	}
	label = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' {
			return r
		}
		return '-'
	}, strings.ToLower(label))
	return fmt.Sprintf("%s%s-%s", NamePrefix, label, UniqueSuffix())
}

// UniqueSuffix returns a short lowercase suffix for resource names.
func UniqueSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}

// Managed reports whether a remote resource name belongs to this tool.
func Managed(name string) bool {
	return strings.HasPrefix(name, NamePrefix)
}
