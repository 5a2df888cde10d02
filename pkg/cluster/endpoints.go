package cluster

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JiHyuk-Byun/agent-infra/pkg/backend"
	"github.com/JiHyuk-Byun/agent-infra/pkg/config"
)

// Endpoint is one reachable backend address as supplied by the cluster
// collaborator. The proxy sees only local (post-tunnel) addresses.
type Endpoint struct {
	// Model is the logical model name the backend serves.
	Model string `yaml:"model"`

	// Host and Port form the locally reachable address.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Partition is the cluster partition the backend runs on (optional).
	Partition string `yaml:"partition"`
}

// Addr returns the host:port address.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// endpointsFile is the YAML shape of the watched endpoints file.
type endpointsFile struct {
	Endpoints []Endpoint `yaml:"endpoints"`
}

// FromConfig expands the configured models into their replica endpoints:
// replica i of a model listens on base_port+i on localhost.
func FromConfig(models []config.ModelConfig) []Endpoint {
	var out []Endpoint
	for _, m := range models {
		for i := 0; i < m.Replicas; i++ {
			out = append(out, Endpoint{
				Model:     m.Name,
				Host:      "127.0.0.1",
				Port:      m.BasePort + i,
				Partition: m.Partition,
			})
		}
	}
	return out
}

// ParseBackendSpecs parses command-line backend specs of the form
// "model=host:port,host:port". Used by the standalone proxy command.
func ParseBackendSpecs(specs []string) ([]Endpoint, error) {
	var out []Endpoint
	for _, spec := range specs {
		model, endpoints, ok := strings.Cut(spec, "=")
		if !ok || model == "" {
			return nil, fmt.Errorf("invalid backend spec %q: expected model=host:port[,host:port...]", spec)
		}
		for _, ep := range strings.Split(endpoints, ",") {
			host, portStr, ok := strings.Cut(strings.TrimSpace(ep), ":")
			if !ok || host == "" {
				return nil, fmt.Errorf("invalid endpoint %q in spec %q", ep, spec)
			}
			port, err := strconv.Atoi(portStr)
			if err != nil || port < 1 || port > 65535 {
				return nil, fmt.Errorf("invalid port %q in spec %q", portStr, spec)
			}
			out = append(out, Endpoint{Model: model, Host: host, Port: port})
		}
	}
	return out, nil
}

// LoadEndpointsFile reads the endpoints list the cluster collaborator
// maintains.
func LoadEndpointsFile(path string) ([]Endpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read endpoints file %q: %w", path, err)
	}

	var parsed endpointsFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse endpoints file %q: %w", path, err)
	}

	return parsed.Endpoints, nil
}

// Descriptors converts an endpoint list to registry descriptors. Replica
// indices are assigned per model in list order, so the derived ids are
// stable for a stable file.
func Descriptors(endpoints []Endpoint, maxInFlight int) []backend.Descriptor {
	replica := make(map[string]int)
	out := make([]backend.Descriptor, 0, len(endpoints))
	for _, ep := range endpoints {
		idx := replica[ep.Model]
		replica[ep.Model]++
		out = append(out, backend.Descriptor{
			ID:          backend.ID(ep.Model, idx),
			Model:       ep.Model,
			Endpoint:    ep.Addr(),
			Partition:   ep.Partition,
			MaxInFlight: maxInFlight,
		})
	}
	return out
}

// SyncRegistry reconciles the registry with the given endpoint list:
// every listed endpoint is upserted and every registered backend missing
// from the list is removed.
func SyncRegistry(registry *backend.Registry, endpoints []Endpoint, maxInFlight int) (added, removed int) {
	descriptors := Descriptors(endpoints, maxInFlight)

	want := make(map[string]bool, len(descriptors))
	for _, d := range descriptors {
		want[d.ID] = true
	}

	have := make(map[string]bool)
	for _, s := range registry.List() {
		have[s.ID] = true
	}

	// Upsert in sorted order so registry events are reproducible.
	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].ID < descriptors[j].ID })
	for _, d := range descriptors {
		if !have[d.ID] {
			added++
		}
		registry.Upsert(d)
	}

	for id := range have {
		if !want[id] {
			if registry.Remove(id) {
				removed++
			}
		}
	}

	return added, removed
}
