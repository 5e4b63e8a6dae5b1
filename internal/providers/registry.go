package providers

import (
	"fmt"
	"sort"
)

// aliases maps the short names accepted on the command line to canonical
// driver names.
var aliases = map[string]string{
	"cf":     "cloudflare",
	"az":     "azure",
	"aliyun": "alibaba",
}

// Canonical resolves a provider alias to its canonical driver name.
func Canonical(name string) string {
	if c, ok := aliases[name]; ok {
		return c
	}
	return name
}

type Registry struct {
	drivers map[string]Driver
}

func NewRegistry() *Registry {
	return &Registry{drivers: map[string]Driver{}}
}

func (r *Registry) Register(d Driver) {
	r.drivers[d.Name()] = d
}

func (r *Registry) Get(name string) (Driver, error) {
	d, ok := r.drivers[Canonical(name)]
	if !ok {
		return nil, fmt.Errorf("provider not registered: %s", name)
	}
	return d, nil
}

// Names returns registered driver names in stable order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.drivers))
	for n := range r.drivers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
