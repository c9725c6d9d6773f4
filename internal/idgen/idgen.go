// Package idgen produces Docker-compatible identifiers for containers,
// networks and images.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// ContainerID returns a 64-hex-char Docker-compatible container ID.
//
// Preserved behavior (spec.md §9 Open Question): this concatenates a
// 32-hex-char random value with itself to reach the 64-char length Docker
// containers use, rather than drawing 32 fresh random bytes. That halves
// the effective entropy of the ID. We keep this exactly as specified
// instead of "fixing" it silently; a true 32-byte random source is a
// candidate follow-up, not a correctness bug in the current contract.
func ContainerID() (string, error) {
	half, err := randomHex(16)
	if err != nil {
		return "", err
	}
	return half + half, nil
}

// NetworkID returns a 64-hex-char network ID using a full-entropy random
// source (networks are not subject to the Docker-ID open question above).
func NetworkID() (string, error) {
	return randomHex(32)
}

// ExecID returns a 64-hex-char exec instance ID.
func ExecID() (string, error) {
	return randomHex(32)
}

// ImageDigest formats a sha256 hex digest as a Docker-compatible image ID.
func ImageDigest(hexDigest string) string {
	return fmt.Sprintf("sha256:%s", hexDigest)
}

// VolumeName generates an anonymous volume name, "<unix-ts>_<12-hex>"
// (spec.md §4.5).
func VolumeName() (string, error) {
	suffix, err := randomHex(6)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d_%s", time.Now().Unix(), suffix), nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
