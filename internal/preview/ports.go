// Package preview implements the Preview Manager: starts and stops dev-server
// child processes for completed builds and binds them to allocated ports
// (§4.2).
package preview

import (
	"fmt"
	"sync"
)

// ErrNoPortsAvailable is returned when the configured range is exhausted.
var ErrNoPortsAvailable = fmt.Errorf("preview: no ports available")

// PortPool allocates ports from a contiguous range, lowest-first, guarded by
// a single mutex shared between allocation and release (§4.2, §5
// "Shared-resource policy").
type PortPool struct {
	mu    sync.Mutex
	min   int
	max   int
	inUse map[int]bool
}

// NewPortPool creates a pool spanning [min, max] inclusive.
func NewPortPool(min, max int) *PortPool {
	return &PortPool{min: min, max: max, inUse: make(map[int]bool)}
}

// Allocate returns the lowest free port in the range, or ErrNoPortsAvailable.
func (p *PortPool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for port := p.min; port <= p.max; port++ {
		if !p.inUse[port] {
			p.inUse[port] = true
			return port, nil
		}
	}
	return 0, ErrNoPortsAvailable
}

// Release returns port to the free pool. Releasing a port not currently
// allocated is a no-op, since the reaper may race a Stop() call.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, port)
}

// InUse reports whether port is currently allocated.
func (p *PortPool) InUse(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse[port]
}

// Size returns the total number of ports in the pool.
func (p *PortPool) Size() int {
	return p.max - p.min + 1
}
