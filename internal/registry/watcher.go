package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quayside/quayside/internal/routing"
	"github.com/quayside/quayside/internal/types"
	"github.com/quayside/quayside/pkg/catalog"
	"github.com/quayside/quayside/pkg/log"
)

// WatcherConfig controls the catalog watch loop.
type WatcherConfig struct {
	// Service is the catalog service name to watch.
	Service string

	// Wait bounds how long a single long-poll may block.
	Wait time.Duration

	// FailureThreshold is the number of consecutive watch failures after
	// which the registry is marked degraded.
	FailureThreshold int

	// RetryInterval is the pause between failed watch attempts.
	RetryInterval time.Duration
}

// Watcher long-polls the service catalog with a monotonically increasing
// index and reconciles each response into the registry as a batch of
// register/deregister calls. An index regression from the backend is
// treated as "discard local state, refetch everything".
type Watcher struct {
	registry *Registry
	source   catalog.Source
	config   WatcherConfig

	// lastSeen tracks catalog instances from the previous response so a
	// new response can be diffed into registrations and deregistrations.
	lastSeen map[string]*catalog.Instance
	index    uint64

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex

	logger log.Logger
}

// NewWatcher creates a catalog watcher feeding the given registry.
func NewWatcher(reg *Registry, source catalog.Source, cfg WatcherConfig, logger log.Logger) *Watcher {
	if logger == nil {
		logger = log.Component("registry.watcher")
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	return &Watcher{
		registry: reg,
		source:   source,
		config:   cfg,
		lastSeen: make(map[string]*catalog.Instance),
		logger:   logger,
	}
}

// Start launches the watch loop.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher is already running")
	}
	w.running = true

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx)
	}()
	return nil
}

// Stop terminates the watch loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context) {
	failures := 0

	for {
		if ctx.Err() != nil {
			return
		}

		instances, newIndex, err := w.source.Services(ctx, w.config.Service, w.index, w.config.Wait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			w.logger.Warn("catalog watch failed",
				log.String("service", w.config.Service),
				log.Int("consecutive_failures", failures),
				log.Err(err),
			)
			if failures >= w.config.FailureThreshold {
				w.registry.SetDegraded(true)
			}
			select {
			case <-time.After(w.config.RetryInterval):
			case <-ctx.Done():
				return
			}
			continue
		}

		failures = 0
		w.registry.SetDegraded(false)

		if newIndex < w.index {
			// Index rolled over. Discard the diff baseline and refetch
			// from zero; the next full response reconciles everything.
			w.logger.Warn("catalog index regressed, forcing full resync",
				log.Uint64("last_index", w.index),
				log.Uint64("new_index", newIndex),
			)
			w.index = 0
			w.lastSeen = make(map[string]*catalog.Instance)
			continue
		}

		w.reconcile(instances)
		w.index = newIndex
	}
}

// reconcile diffs a catalog response against the previous one and applies
// the difference as register/deregister batches.
func (w *Watcher) reconcile(instances []*catalog.Instance) {
	current := make(map[string]*catalog.Instance, len(instances))

	for _, inst := range instances {
		if inst == nil || inst.ID == "" {
			continue
		}
		current[inst.ID] = inst
		w.registry.Register(instanceEndpoint(inst), instanceKeys(inst))
	}

	for id := range w.lastSeen {
		if _, ok := current[id]; !ok {
			w.registry.Deregister(id)
		}
	}

	w.lastSeen = current
}

// instanceEndpoint converts a catalog instance into a registry endpoint.
func instanceEndpoint(inst *catalog.Instance) *types.Endpoint {
	return &types.Endpoint{
		ID:       inst.ID,
		Host:     inst.Host,
		Port:     inst.Port,
		ImageID:  inst.ImageID,
		Hostname: inst.Hostname,
		Healthy:  inst.Healthy,
	}
}

// instanceKeys derives the routing keys an instance serves.
func instanceKeys(inst *catalog.Instance) []string {
	var keys []string
	if inst.Hostname != "" {
		keys = append(keys, routing.Normalize(inst.Hostname))
	}
	if inst.ImageID != "" {
		keys = append(keys, inst.ImageID)
	}
	return keys
}
