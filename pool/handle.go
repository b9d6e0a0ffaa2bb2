package pool

import (
	"context"
	"net/http"
	"time"
)

// Handle is one reference to a pooled cluster connection. Handles are cheap;
// every logical connection in the layer above holds its own and closes it
// exactly once.
type Handle struct {
	mgr   *Manager
	coord Coordinate
	conn  *clusterConn
}

// Coordinate returns the coordinate this handle was acquired for.
func (h *Handle) Coordinate() Coordinate {
	return h.coord
}

// Execute issues a raw HTTP request against the analytics service. A zero
// timeout leaves the request bounded only by ctx.
func (h *Handle) Execute(ctx context.Context, method, path string, headers map[string]string, body []byte, timeout time.Duration) (*http.Response, error) {
	return h.conn.do(ctx, method, path, headers, body, timeout)
}

// ClusterVersion fetches the server's implementation version from the
// management endpoint.
func (h *Handle) ClusterVersion(ctx context.Context) (string, error) {
	return h.conn.version(ctx)
}

// Close releases the handle's reference; the last close for a coordinate
// disconnects the underlying connection.
func (h *Handle) Close() error {
	return h.mgr.Release(h.coord)
}
