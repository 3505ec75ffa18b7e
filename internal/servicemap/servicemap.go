// Package servicemap loads the static service registry: the authoritative
// source of "which services depend on the contract owner", their repo
// locations, and the path globs the bundle builder and guardrails consult.
package servicemap

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"
)

// Service is one entry in the registry.
type Service struct {
	Repo                 string   `yaml:"repo"`
	// Host is "github" (default) or "gitlab" — which API the status
	// reconciler uses to fetch CI results and search open PRs for Repo.
	Host                 string   `yaml:"host"`
	Language             string   `yaml:"language"`
	ClientPaths          []string `yaml:"client_paths"`
	TestPaths            []string `yaml:"test_paths"`
	FrontendPaths        []string `yaml:"frontend_paths"`
	DependsOn            []string `yaml:"depends_on"`
	IncludeInTopCallers  bool     `yaml:"include_in_top_callers"`
}

// Map is the immutable, loaded-once service registry, keyed by service name.
type Map struct {
	services map[string]Service
}

type fileFormat struct {
	Services map[string]Service `yaml:"services"`
}

// Load reads a service_map.yaml document from path.
func Load(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading service map %s: %w", path, err)
	}
	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("parsing service map %s: %w", path, err)
	}
	if ff.Services == nil {
		ff.Services = map[string]Service{}
	}
	return &Map{services: ff.Services}, nil
}

// Get returns the Service registered under name, or false if unknown.
func (m *Map) Get(name string) (Service, bool) {
	s, ok := m.services[name]
	return s, ok
}

// Names returns every registered service name.
func (m *Map) Names() []string {
	names := make([]string, 0, len(m.services))
	for n := range m.services {
		names = append(names, n)
	}
	return names
}

// DependentsOf returns the names of every service that declares name among
// its depends_on entries — i.e. services that would break if name's
// contract changed in a way that matters to them.
func (m *Map) DependentsOf(name string) []string {
	var out []string
	for svcName, svc := range m.services {
		for _, dep := range svc.DependsOn {
			if dep == name {
				out = append(out, svcName)
				break
			}
		}
	}
	return out
}

// All returns the full registry.
func (m *Map) All() map[string]Service {
	return m.services
}
