// Package consul provides a catalog source backed by Consul's health
// endpoint. Long-polling maps directly onto Consul blocking queries:
// WaitIndex carries the caller's index and the response's LastIndex
// becomes the new one.
package consul

import (
	"context"
	"fmt"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/quayside/quayside/pkg/catalog"
)

// Instance metadata keys expected on registered services.
const (
	metaImageID  = "image_id"
	metaHostname = "hostname"
)

// Source is a Consul-backed catalog source.
type Source struct {
	client *consulapi.Client
	config *catalog.Config
}

// New creates a Consul source and verifies agent connectivity.
func New(config *catalog.Config) (*Source, error) {
	if config == nil {
		config = catalog.DefaultConfig()
	}

	apiConfig := consulapi.DefaultConfig()
	if config.Address != "" {
		apiConfig.Address = config.Address
	}
	if config.Token != "" {
		apiConfig.Token = config.Token
	}

	client, err := consulapi.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("consul catalog: %w", err)
	}
	if _, err := client.Agent().Self(); err != nil {
		return nil, fmt.Errorf("consul catalog: agent unreachable: %w", err)
	}

	return &Source{client: client, config: config}, nil
}

// Services implements catalog.Source using a Consul blocking query.
// passingOnly is false: the health monitor owns routability, the catalog
// only reports membership and Consul's own health view.
func (s *Source) Services(ctx context.Context, service string, waitIndex uint64, wait time.Duration) ([]*catalog.Instance, uint64, error) {
	opts := &consulapi.QueryOptions{
		WaitIndex: waitIndex,
		WaitTime:  wait,
	}
	opts = opts.WithContext(ctx)

	entries, meta, err := s.client.Health().Service(service, "", false, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("consul catalog: query %s: %w", service, err)
	}

	instances := make([]*catalog.Instance, 0, len(entries))
	for _, entry := range entries {
		instances = append(instances, entryInstance(service, entry))
	}
	return instances, meta.LastIndex, nil
}

// Close implements catalog.Source. The Consul client holds no persistent
// connection that needs releasing.
func (s *Source) Close() error { return nil }

func entryInstance(service string, entry *consulapi.ServiceEntry) *catalog.Instance {
	host := entry.Service.Address
	if host == "" {
		host = entry.Node.Address
	}

	return &catalog.Instance{
		ID:       entry.Service.ID,
		Service:  service,
		Host:     host,
		Port:     entry.Service.Port,
		ImageID:  entry.Service.Meta[metaImageID],
		Hostname: entry.Service.Meta[metaHostname],
		Healthy:  entry.Checks.AggregatedStatus() == consulapi.HealthPassing,
		Metadata: entry.Service.Meta,
	}
}
