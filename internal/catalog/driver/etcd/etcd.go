// Package etcd provides a catalog source backed by an etcd prefix. Every
// instance lives at <prefix>/<service>/<id> as a JSON document; the store
// revision serves as the long-poll index.
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/quayside/quayside/pkg/catalog"
)

// Source is an etcd-backed catalog source.
type Source struct {
	client *clientv3.Client
	config *catalog.Config
}

// New creates an etcd source and verifies cluster connectivity.
func New(config *catalog.Config) (*Source, error) {
	if config == nil {
		config = catalog.DefaultConfig()
	}

	endpoints := config.Endpoints
	if len(endpoints) == 0 && config.Address != "" {
		endpoints = []string{config.Address}
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("etcd catalog: no endpoints configured")
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: config.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd catalog: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()
	if _, err := client.Status(ctx, endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd catalog: cluster unreachable: %w", err)
	}

	return &Source{client: client, config: config}, nil
}

// servicePrefix is the key prefix holding one service's instances.
func (s *Source) servicePrefix(service string) string {
	return s.config.Prefix + "/" + service + "/"
}

// Services implements catalog.Source. etcd has no blocking read, so the
// long-poll is emulated: when the current revision has not advanced past
// waitIndex, a prefix watch starting after waitIndex blocks until an
// event or the wait duration, then the full set is re-read.
func (s *Source) Services(ctx context.Context, service string, waitIndex uint64, wait time.Duration) ([]*catalog.Instance, uint64, error) {
	instances, revision, err := s.fetch(ctx, service)
	if err != nil {
		return nil, 0, err
	}
	if revision > waitIndex || wait <= 0 {
		return instances, revision, nil
	}

	if err := s.awaitChange(ctx, service, waitIndex, wait); err != nil {
		return nil, 0, err
	}
	return s.fetch(ctx, service)
}

// fetch reads the full instance set and the store revision.
func (s *Source) fetch(ctx context.Context, service string) ([]*catalog.Instance, uint64, error) {
	opCtx := ctx
	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	resp, err := s.client.Get(opCtx, s.servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("etcd catalog: get %s: %w", service, err)
	}

	instances := make([]*catalog.Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst catalog.Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			continue
		}
		if inst.Service == "" {
			inst.Service = service
		}
		instances = append(instances, &inst)
	}
	return instances, uint64(resp.Header.Revision), nil
}

// awaitChange blocks until the service prefix changes after waitIndex,
// the wait duration elapses, or ctx is cancelled.
func (s *Source) awaitChange(ctx context.Context, service string, waitIndex uint64, wait time.Duration) error {
	watchCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	watchCh := s.client.Watch(watchCtx, s.servicePrefix(service),
		clientv3.WithPrefix(),
		clientv3.WithRev(int64(waitIndex)+1),
	)

	select {
	case resp, ok := <-watchCh:
		if !ok {
			return nil
		}
		if err := resp.Err(); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	case <-watchCtx.Done():
		// Wait elapsed without a change, or the caller cancelled.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}
}

// Close implements catalog.Source.
func (s *Source) Close() error {
	return s.client.Close()
}
