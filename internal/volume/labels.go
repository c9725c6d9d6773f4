package volume

import (
	"encoding/json"
	"strings"

	"github.com/arcabridge/arcad/internal/bridgeerr"
)

func marshalLabels(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", bridgeerr.Wrap(bridgeerr.KindInvalidArgument, "volume.marshalLabels", err)
	}
	return string(b), nil
}

// matchesLabel reports whether labelsJSON contains filter, which is either
// a bare key ("env") or a "key=value" pair — matching Docker's
// --filter label=k[=v] semantics.
func matchesLabel(labelsJSON, filter string) bool {
	var labels map[string]string
	if err := json.Unmarshal([]byte(labelsJSON), &labels); err != nil {
		return false
	}

	key, wantValue, hasValue := strings.Cut(filter, "=")
	value, ok := labels[key]
	if !ok {
		return false
	}
	if !hasValue {
		return true
	}
	return value == wantValue
}
