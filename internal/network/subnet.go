package network

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/arcabridge/arcad/internal/bridgeerr"
	"github.com/arcabridge/arcad/internal/store"
)

const (
	subnetCursorMin = 18
	subnetCursorMax = 31
)

// subnetRE extracts the third octet of a 172.X.0.0/16 CIDR.
var subnetRE = regexp.MustCompile(`^172\.(\d{1,3})\.0\.0/16$`)

// SubnetAllocator hands out the next free 172.<cursor>.0.0/16 band,
// persisting the cursor through the store (spec.md §3, §4.6).
type SubnetAllocator struct {
	store *store.Store
}

// NewSubnetAllocator builds an allocator backed by s.
func NewSubnetAllocator(s *store.Store) *SubnetAllocator {
	return &SubnetAllocator{store: s}
}

// Allocate returns the next free subnet and advances the persisted cursor.
func (a *SubnetAllocator) Allocate(ctx context.Context) (string, error) {
	cursor, err := a.store.GetNextSubnetByte(ctx)
	if err != nil {
		return "", err
	}
	if cursor > subnetCursorMax {
		return "", bridgeerr.Newf(bridgeerr.KindExhausted, "network.SubnetAllocator.Allocate", "subnet pool exhausted (172.%d-%d.0.0/16)", subnetCursorMin, subnetCursorMax)
	}
	if err := a.store.UpdateNextSubnetByte(ctx, cursor+1); err != nil {
		return "", err
	}
	return fmt.Sprintf("172.%d.0.0/16", cursor), nil
}

// ReconcileCursor advances the persisted cursor past every subnet
// currently in use by an active network, so a restart never reissues a
// subnet that's already assigned (spec.md §4.6's bridge-driver startup
// reconciliation, generalized to any 172.X.0.0/16-using driver).
func (a *SubnetAllocator) ReconcileCursor(ctx context.Context, networks []*store.Network) error {
	maxSeen := subnetCursorMin - 1
	for _, n := range networks {
		m := subnetRE.FindStringSubmatch(n.Subnet)
		if m == nil {
			continue
		}
		octet, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if octet > maxSeen {
			maxSeen = octet
		}
	}
	next := maxSeen + 1
	if next < subnetCursorMin {
		next = subnetCursorMin
	}

	current, err := a.store.GetNextSubnetByte(ctx)
	if err != nil {
		return err
	}
	if next > current {
		return a.store.UpdateNextSubnetByte(ctx, next)
	}
	return nil
}

// GatewayFor returns the .1 gateway address for a 172.X.0.0/16 subnet.
func GatewayFor(subnet string) (string, error) {
	m := subnetRE.FindStringSubmatch(subnet)
	if m == nil {
		return "", bridgeerr.Newf(bridgeerr.KindInvalidArgument, "network.GatewayFor", "not a 172.X.0.0/16 subnet: %q", subnet)
	}
	return fmt.Sprintf("172.%s.0.1", m[1]), nil
}
