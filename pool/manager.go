// Package pool manages reference-counted cluster connections keyed by
// connection coordinates. Connections are created on first acquire, shared
// by every subsequent acquire for an equal coordinate, and disconnected when
// the last handle is released.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// readinessInterval is the size of one readiness-wait attempt. The wait
// accumulates these fixed increments against the coordinate's connect
// timeout so authentication failures surface within a single increment
// instead of after the whole budget.
const readinessInterval = 500 * time.Millisecond

// Manager is the connection pool. Construct it once per process with
// NewManager and share it; the zero value is not usable. All refcount and
// cache mutation is linearized under a single pool-wide lock.
type Manager struct {
	mu       sync.Mutex
	clusters map[string]*clusterConn
	refs     map[string]int64
	envs     map[string]*environment
}

// NewManager creates an empty pool. The shared transport environments are
// built lazily on first acquire and live until ShutdownAll.
func NewManager() *Manager {
	return &Manager{
		clusters: make(map[string]*clusterConn),
		refs:     make(map[string]int64),
		envs:     make(map[string]*environment),
	}
}

// Acquire returns a handle for the coordinate, connecting if this is the
// first handle for it. Connection creation validates the TLS configuration
// eagerly, then opens the transport and runs the readiness wait; on any
// failure the just-taken reference is rolled back before the error is
// returned. Creation, including the readiness wait, runs under the pool
// lock, so a second acquire for the same coordinate observes either a fully
// connected entry or none.
func (m *Manager) Acquire(ctx context.Context, coord Coordinate) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := coord.Key()
	m.refs[key]++
	slog.Debug("Incremented handle count.", "count", m.refs[key], "coordinate", coord.String())

	if conn, ok := m.clusters[key]; ok {
		acquiresCounter.Inc()
		openHandlesGauge.Inc()
		return &Handle{mgr: m, coord: coord, conn: conn}, nil
	}

	conn, err := m.connectLocked(ctx, coord)
	if err != nil {
		m.rollbackRefLocked(key)
		return nil, err
	}

	m.clusters[key] = conn
	acquiresCounter.Inc()
	connectionsOpenedCounter.Inc()
	openHandlesGauge.Inc()
	return &Handle{mgr: m, coord: coord, conn: conn}, nil
}

func (m *Manager) connectLocked(ctx context.Context, coord Coordinate) (*clusterConn, error) {
	envKey := tlsConfigKey(coord)
	env, ok := m.envs[envKey]
	if !ok {
		built, err := buildEnvironment(coord)
		if err != nil {
			return nil, err
		}
		m.envs[envKey] = built
		env = built
	}

	conn, err := newClusterConn(coord, env)
	if err != nil {
		return nil, err
	}

	if err := m.waitUntilReady(ctx, coord, conn); err != nil {
		conn.disconnect()
		return nil, err
	}
	return conn, nil
}

// waitUntilReady polls the cluster in readinessInterval increments until it
// responds, the connect-timeout budget is exhausted, or the diagnostics
// report an authentication failure. With no budget configured the wait is
// skipped entirely and the connection proceeds lazily.
func (m *Manager) waitUntilReady(ctx context.Context, coord Coordinate, conn *clusterConn) error {
	budget := coord.ConnectTimeout()
	if budget <= 0 {
		slog.Debug("No connect timeout set, skipping readiness wait.", "coordinate", coord.String())
		return nil
	}

	slog.Debug("Applying cumulative readiness timeout.", "budget", budget,
		"coordinate", coord.String())

	var spent time.Duration
	for {
		started := time.Now()
		err := conn.probeReady(ctx, readinessInterval)
		if err == nil {
			return nil
		}
		spent += readinessInterval

		if conn.diag.hasAuthFailure() {
			authFailuresCounter.Inc()
			return &ConnectionError{Kind: KindAuthenticationFailed,
				Msg: "authentication/authorization error - please verify credentials", Err: err}
		}
		if spent >= budget {
			return &ConnectionError{Kind: KindTimeout,
				Msg: fmt.Sprintf("cluster not ready within %s", budget), Err: err}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A refused connection fails in microseconds; pad the attempt out
		// to its full increment so the loop does not spin.
		if remaining := readinessInterval - time.Since(started); remaining > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(remaining):
			}
		}
	}
}

// Release drops one reference for the coordinate. The last release removes
// the cached connection and disconnects it; a second disconnect of an
// already-removed entry is a no-op. Releasing a coordinate with no
// outstanding handle reports ErrNoOpenHandle.
func (m *Manager) Release(coord Coordinate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := coord.Key()
	count, ok := m.refs[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoOpenHandle, coord.String())
	}

	count--
	slog.Debug("Decremented handle count.", "count", count, "coordinate", coord.String())
	openHandlesGauge.Dec()

	if count > 0 {
		m.refs[key] = count
		return nil
	}

	delete(m.refs, key)
	if conn, ok := m.clusters[key]; ok {
		delete(m.clusters, key)
		conn.disconnect()
		slog.Debug("Handle count reached zero, disconnected cluster connection.",
			"coordinate", coord.String())
	}
	return nil
}

// ShutdownAll disconnects every pooled connection and releases the shared
// transport environments. Intended for process-wide teardown; a subsequent
// Acquire rebuilds a fresh environment.
func (m *Manager) ShutdownAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	slog.Debug("Shutting down pooled connections.", "connections", len(m.clusters))

	for key, conn := range m.clusters {
		conn.disconnect()
		delete(m.clusters, key)
	}
	for key, count := range m.refs {
		openHandlesGauge.Sub(float64(count))
		delete(m.refs, key)
	}
	for key, env := range m.envs {
		env.shutdown()
		delete(m.envs, key)
	}
}

func (m *Manager) rollbackRefLocked(key string) {
	if count := m.refs[key] - 1; count > 0 {
		m.refs[key] = count
	} else {
		delete(m.refs, key)
	}
}
