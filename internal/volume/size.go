package volume

import (
	"strconv"
	"strings"

	"github.com/arcabridge/arcad/internal/bridgeerr"
)

// DefaultSizeBytes is used when driverOpts["size"] is absent: 512 GiB,
// thin-provisioned (spec.md §4.5).
const DefaultSizeBytes int64 = 512 << 30

const (
	kib int64 = 1 << 10
	mib       = 1 << 20
	gib       = 1 << 30
	tib       = 1 << 40
)

// ParseSize parses a size string with suffix K, M, G, or T (case
// insensitive, e.g. "20G") into a byte count. An empty string yields
// DefaultSizeBytes.
func ParseSize(s string) (int64, error) {
	if s == "" {
		return DefaultSizeBytes, nil
	}

	s = strings.TrimSpace(s)
	suffix := s[len(s)-1]
	var unit int64
	switch suffix {
	case 'k', 'K':
		unit = kib
	case 'm', 'M':
		unit = mib
	case 'g', 'G':
		unit = gib
	case 't', 'T':
		unit = tib
	default:
		return 0, bridgeerr.Newf(bridgeerr.KindInvalidArgument, "volume.ParseSize", "size %q: unrecognized suffix, want one of K, M, G, T", s)
	}

	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil || n <= 0 {
		return 0, bridgeerr.Newf(bridgeerr.KindInvalidArgument, "volume.ParseSize", "size %q: invalid numeric prefix", s)
	}
	return n * unit, nil
}
