// Package allocator implements the monotonic pool allocators used for
// vsock ports and VLAN IDs (spec.md §4.2). Each allocator is a single
// mutex-guarded owner of its free/used bitmap, mirroring the
// serialized-owner shape the teacher repo uses for its container pool.
package allocator

import (
	"fmt"
	"sync"

	"github.com/arcabridge/arcad/internal/bridgeerr"
)

// Pool is a bounded, monotonic integer allocator over [base, base+size).
// Allocate scans forward from the last-issued cursor so that freed entries
// are reused only after the window has wrapped once, matching the
// "wraps forward past freed entries" contract in spec.md §4.2.
type Pool struct {
	mu     sync.Mutex
	base   int
	size   int
	used   []bool
	cursor int
}

// New creates a pool covering [base, base+size).
func New(base, size int) *Pool {
	return &Pool{base: base, size: size, used: make([]bool, size)}
}

// Allocate returns the next free integer in the pool and marks it used.
func (p *Pool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < p.size; i++ {
		idx := (p.cursor + i) % p.size
		if !p.used[idx] {
			p.used[idx] = true
			p.cursor = (idx + 1) % p.size
			return p.base + idx, nil
		}
	}
	return 0, bridgeerr.Newf(bridgeerr.KindExhausted, "allocator.Allocate",
		"pool [%d,%d) exhausted", p.base, p.base+p.size)
}

// Release returns n to the pool. It is a no-op if n is out of range or
// already free, matching the idempotent-release contract relied on by
// detach/cleanup paths (spec.md §7: "local state is still cleared").
func (p *Pool) Release(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := n - p.base
	if idx < 0 || idx >= p.size {
		return
	}
	p.used[idx] = false
}

// Reserve marks n as used without going through the cursor scan, used at
// startup reconciliation to rebuild allocator state from persisted
// attachments (spec.md §4.7) so no two live relays can ever collide.
func (p *Pool) Reserve(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := n - p.base
	if idx < 0 || idx >= p.size {
		return fmt.Errorf("allocator.Reserve: %d out of range [%d,%d)", n, p.base, p.base+p.size)
	}
	p.used[idx] = true
	return nil
}

// InUse reports whether n is currently allocated.
func (p *Pool) InUse(n int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := n - p.base
	if idx < 0 || idx >= p.size {
		return false
	}
	return p.used[idx]
}
