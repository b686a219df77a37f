package discovery

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// hostsFile is the on-disk shape read by StaticFileProvider: a YAML mapping
// of hostname to slot count, e.g.
//
//	h1: 4
//	h2: 4
type hostsFile map[string]uint

// StaticFileProvider implements elastic.Provider by re-reading a YAML host
// list from disk on every poll. It stands in for a real cluster discovery
// provider (a scheduler API, etcd watch, etc.) -- see the pack's
// other_examples/ for those shapes -- and is meant for local runs and
// tests, not production clusters.
type StaticFileProvider struct {
	path string
}

// NewStaticFileProvider creates a provider that reads path on every call to
// ListHosts.
func NewStaticFileProvider(path string) *StaticFileProvider {
	return &StaticFileProvider{path: path}
}

// ListHosts reads and parses the YAML host file. A missing file is treated
// as zero available hosts rather than an error, so a driver started before
// its first host registers simply waits instead of aborting.
func (p *StaticFileProvider) ListHosts(ctx context.Context) (map[string]uint, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]uint{}, nil
		}
		return nil, fmt.Errorf("read hosts file %s: %w", p.path, err)
	}

	var hf hostsFile
	if err := yaml.Unmarshal(data, &hf); err != nil {
		return nil, fmt.Errorf("parse hosts file %s: %w", p.path, err)
	}

	out := make(map[string]uint, len(hf))
	for host, slots := range hf {
		out[host] = slots
	}
	return out, nil
}
