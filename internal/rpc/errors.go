package rpc

import "github.com/arcabridge/arcad/internal/bridgeerr"

// mountFailedErr and unmountFailedErr both surface as RemoteFailure per
// spec.md §7 ("in-guest RPC returned success=false ... converts to
// RemoteFailure"); MountFailed/UnmountFailed in spec.md §4.4 name the
// failure mode, not a distinct error kind.
func mountFailedErr(op, msg string) error {
	return bridgeerr.Newf(bridgeerr.KindRemoteFailure, op, "mount failed: %s", msg)
}

func unmountFailedErr(op, msg string) error {
	return bridgeerr.Newf(bridgeerr.KindRemoteFailure, op, "unmount failed: %s", msg)
}
