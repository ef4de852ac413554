// Package health actively probes registered endpoints and applies a
// configurable hysteresis before flipping their health, damping noisy
// signals: a single dropped packet must not mark an endpoint unhealthy.
package health

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quayside/quayside/internal/config"
	"github.com/quayside/quayside/internal/types"
	"github.com/quayside/quayside/pkg/log"
)

// StatusCallback is invoked when an endpoint's health flips.
type StatusCallback func(endpointID string, healthy bool)

// DialFunc opens a probe connection. Injectable for tests.
type DialFunc func(network, address string, timeout time.Duration) (net.Conn, error)

// probeState tracks per-endpoint probe bookkeeping.
type probeState struct {
	endpoint            *types.Endpoint
	healthy             bool
	consecutiveFailures int
	consecutiveSuccess  int
	lastCheckTime       time.Time
	lastError           error
}

// Monitor issues lightweight TCP connectivity probes to every tracked
// endpoint on a fixed interval. A transition to unhealthy requires
// UnhealthyThreshold consecutive failures; a transition back to healthy
// requires HealthyThreshold consecutive successes.
type Monitor struct {
	mu        sync.Mutex
	targets   map[string]*probeState
	config    config.HealthCheckConfig
	dial      DialFunc
	callbacks []StatusCallback

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool

	logger log.Logger
}

// NewMonitor creates a health monitor.
func NewMonitor(cfg config.HealthCheckConfig, logger log.Logger) *Monitor {
	if logger == nil {
		logger = log.Component("health.monitor")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.UnhealthyThreshold < 1 {
		cfg.UnhealthyThreshold = 2
	}
	if cfg.HealthyThreshold < 1 {
		cfg.HealthyThreshold = 1
	}
	return &Monitor{
		targets: make(map[string]*probeState),
		config:  cfg,
		dial:    net.DialTimeout,
		logger:  logger,
	}
}

// SetDialFunc replaces the probe dialer. Tests use this to simulate
// endpoint failures without real sockets.
func (m *Monitor) SetDialFunc(dial DialFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dial = dial
}

// AddStatusCallback registers a callback for health transitions.
func (m *Monitor) AddStatusCallback(cb StatusCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Track starts probing an endpoint. The endpoint's current health seeds
// the probe state.
func (m *Monitor) Track(endpoint *types.Endpoint) {
	if endpoint == nil || endpoint.ID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.targets[endpoint.ID]; exists {
		return
	}
	m.targets[endpoint.ID] = &probeState{
		endpoint: endpoint,
		healthy:  endpoint.Healthy,
	}
}

// Forget stops probing an endpoint.
func (m *Monitor) Forget(endpointID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.targets, endpointID)
}

// Start launches the probe loop.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("health monitor is already running")
	}
	m.running = true
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go m.loop()
	return nil
}

// Stop terminates the probe loop and waits for in-flight probes.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.probeAll()

	for {
		select {
		case <-ticker.C:
			m.probeAll()
		case <-m.stopCh:
			return
		}
	}
}

// probeAll probes every tracked endpoint concurrently and waits for the
// round to finish.
func (m *Monitor) probeAll() {
	m.mu.Lock()
	dial := m.dial
	targets := make(map[string]*types.Endpoint, len(m.targets))
	for id, state := range m.targets {
		targets[id] = state.endpoint
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for id, ep := range targets {
		wg.Add(1)
		go func(id, addr string) {
			defer wg.Done()
			conn, err := dial("tcp", addr, m.config.Timeout)
			if err == nil {
				conn.Close()
			}
			m.record(id, err)
		}(id, ep.Addr())
	}
	wg.Wait()
}

// ReportSuccess feeds a passive health signal: a forwarded request to the
// endpoint completed. Subject to the same hysteresis as active probes.
func (m *Monitor) ReportSuccess(endpointID string) {
	m.record(endpointID, nil)
}

// ReportFailure feeds a passive health signal: a forwarded request to the
// endpoint failed with a connection error or timeout.
func (m *Monitor) ReportFailure(endpointID string, err error) {
	if err == nil {
		err = fmt.Errorf("upstream request failed")
	}
	m.record(endpointID, err)
}

// record applies one probe result to the endpoint's hysteresis counters
// and fires callbacks on a transition.
func (m *Monitor) record(endpointID string, probeErr error) {
	m.mu.Lock()
	state, exists := m.targets[endpointID]
	if !exists {
		m.mu.Unlock()
		return
	}

	state.lastCheckTime = time.Now()
	state.lastError = probeErr
	wasHealthy := state.healthy

	if probeErr == nil {
		state.consecutiveSuccess++
		state.consecutiveFailures = 0
		if !state.healthy && state.consecutiveSuccess >= m.config.HealthyThreshold {
			state.healthy = true
		}
	} else {
		state.consecutiveFailures++
		state.consecutiveSuccess = 0
		if state.healthy && state.consecutiveFailures >= m.config.UnhealthyThreshold {
			state.healthy = false
		}
	}

	changed := wasHealthy != state.healthy
	nowHealthy := state.healthy
	callbacks := make([]StatusCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	if !changed {
		return
	}

	if nowHealthy {
		m.logger.Info("endpoint recovered", log.String("endpoint_id", endpointID))
	} else {
		m.logger.Warn("endpoint unhealthy",
			log.String("endpoint_id", endpointID),
			log.Err(probeErr),
		)
	}
	for _, cb := range callbacks {
		cb(endpointID, nowHealthy)
	}
}

// Status returns an introspection snapshot of all probe states.
func (m *Monitor) Status() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	targets := make([]map[string]interface{}, 0, len(m.targets))
	healthyCount := 0
	for id, state := range m.targets {
		if state.healthy {
			healthyCount++
		}
		entry := map[string]interface{}{
			"endpoint_id":          id,
			"addr":                 state.endpoint.Addr(),
			"healthy":              state.healthy,
			"consecutive_failures": state.consecutiveFailures,
			"consecutive_success":  state.consecutiveSuccess,
			"last_check_time":      state.lastCheckTime,
		}
		if state.lastError != nil {
			entry["last_error"] = state.lastError.Error()
		}
		targets = append(targets, entry)
	}

	return map[string]interface{}{
		"running":         m.running,
		"interval":        m.config.Interval.String(),
		"total_targets":   len(m.targets),
		"healthy_targets": healthyCount,
		"targets":         targets,
	}
}
