package image

import "strings"

// NormalizeReference applies Docker's two-step normalization to a
// user-supplied reference: default the tag to "latest" when neither a tag
// nor a digest is present, then default the registry host to docker.io
// (and the repository path to library/) when the first path component
// doesn't look like a host.
func NormalizeReference(ref string) string {
	ref = withDefaultTag(ref)
	return withDefaultHost(ref)
}

func withDefaultTag(ref string) string {
	// A digest reference ("name@sha256:...") is already fully qualified.
	if strings.Contains(ref, "@") {
		return ref
	}
	// The tag, if any, follows the last colon after the last slash (so a
	// registry port like "localhost:5000/x" isn't mistaken for a tag).
	slash := strings.LastIndex(ref, "/")
	rest := ref
	if slash >= 0 {
		rest = ref[slash+1:]
	}
	if strings.Contains(rest, ":") {
		return ref
	}
	return ref + ":latest"
}

func withDefaultHost(ref string) string {
	first := ref
	if idx := strings.IndexByte(ref, '/'); idx >= 0 {
		first = ref[:idx]
	} else {
		// Single component, e.g. "alpine:latest" — definitely short form.
		return "docker.io/library/" + ref
	}

	if looksLikeHost(first) {
		return ref
	}
	return "docker.io/" + ref
}

// looksLikeHost mirrors Docker's heuristic: a registry host contains a dot
// (a domain) or a colon (an explicit port), or is literally "localhost".
func looksLikeHost(component string) bool {
	return strings.Contains(component, ".") || strings.Contains(component, ":") || component == "localhost"
}
