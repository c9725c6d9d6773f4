package network

import (
	"context"
	"testing"

	"github.com/arcabridge/arcad/internal/bridgeerr"
	"github.com/arcabridge/arcad/internal/rpc"
	"github.com/arcabridge/arcad/internal/store"
)

func failingHelperDial(ctx context.Context) (*rpc.HelperVMClient, error) {
	return nil, bridgeerr.Newf(bridgeerr.KindDependencyFailed, "test", "no helper VM in tests")
}

func failingGuestDial(ctx context.Context, cid uint32) (*rpc.NetworkConfigClient, error) {
	return nil, bridgeerr.Newf(bridgeerr.KindDependencyFailed, "test", "no guest VM in tests")
}

func TestVlanCreateNetworkReleasesIDOnHelperFailure(t *testing.T) {
	s := newTestStore(t)
	v := NewVLAN(s, failingHelperDial, failingGuestDial)
	ctx := context.Background()

	if _, err := v.CreateNetwork(ctx, "172.18.0.0/16", nil, nil); err == nil {
		t.Fatal("expected helper dial failure")
	}
	if v.ids.InUse(vlanIDBase) {
		t.Fatal("VLAN ID must be released after a failed CreateNetwork")
	}
}

func TestVlanIDOfRejectsMissingOption(t *testing.T) {
	n := &store.Network{ID: "net1", OptionsJSON: `{}`}
	if _, err := vlanIDOf(n); bridgeerr.KindOf(err) != bridgeerr.KindInvalidArgument {
		t.Fatalf("vlanIDOf(no vlanId) = %v, want KindInvalidArgument", err)
	}
}

func TestVlanIDOfParsesOption(t *testing.T) {
	n := &store.Network{ID: "net1", OptionsJSON: `{"vlanId":"142"}`}
	id, err := vlanIDOf(n)
	if err != nil {
		t.Fatalf("vlanIDOf: %v", err)
	}
	if id != 142 {
		t.Fatalf("vlanIDOf = %d, want 142", id)
	}
}

func TestVlanReconcileReservesIDs(t *testing.T) {
	s := newTestStore(t)
	v := NewVLAN(s, failingHelperDial, failingGuestDial)

	networks := []*store.Network{
		{ID: "net1", Driver: "vlan", Subnet: "172.18.0.0/16", OptionsJSON: `{"vlanId":"100"}`},
	}
	if err := v.Reconcile(context.Background(), networks); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !v.ids.InUse(100) {
		t.Fatal("Reconcile must reserve VLAN IDs observed on existing networks")
	}
}
