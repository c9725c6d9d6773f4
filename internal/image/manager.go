// Package image implements the ImageStore/ImageManager described in
// spec.md §4.3: reference normalization, lookup precedence, OCI pull via
// go-containerregistry, and persistence of the resulting digest/reference
// rows through internal/store.
package image

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/arcabridge/arcad/internal/bridgeerr"
	"github.com/arcabridge/arcad/internal/store"
)

// Auth carries registry credentials for a pull; nil means anonymous.
type Auth struct {
	Username string
	Password string
}

func (a *Auth) authenticator() authn.Authenticator {
	if a == nil {
		return authn.Anonymous
	}
	return &authn.Basic{Username: a.Username, Password: a.Password}
}

// ProgressFunc receives layer-level pull progress. Pull calls it once per
// layer, with done == total == the layer's size from the manifest, as it
// records the layer's metadata; Pull does not download layer bytes.
type ProgressFunc func(layerDigest string, done, total int64)

// Manager is the ImageStore/ImageManager of spec.md §4.3.
type Manager struct {
	store *store.Store
}

// NewManager builds a Manager backed by the given state store.
func NewManager(s *store.Store) *Manager {
	return &Manager{store: s}
}

// Summary is the list()/inspect() projection of a stored image: its digest,
// every human reference currently pointing at it, and layer/size detail.
type Summary struct {
	Digest         string
	ManifestDigest string
	References     []string
	SizeBytes      int64
	PlatformOS     string
	PlatformArch   string
	Layers         []store.ImageLayer
	PulledAt       time.Time
}

// List returns every stored image with its references.
func (m *Manager) List(ctx context.Context) ([]*Summary, error) {
	imgs, err := m.store.LoadAllImages(ctx)
	if err != nil {
		return nil, err
	}
	refsByDigest, err := m.store.AllImageReferences(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*Summary, 0, len(imgs))
	for _, img := range imgs {
		out = append(out, &Summary{
			Digest:         img.Digest,
			ManifestDigest: img.ManifestDigest,
			References:     refsByDigest[img.Digest],
			SizeBytes:      img.SizeBytes,
			PlatformOS:     img.PlatformOS,
			PlatformArch:   img.PlatformArch,
			Layers:         img.Layers,
			PulledAt:       img.PulledAt,
		})
	}
	return out, nil
}

// GetImage resolves nameOrID to a stored image following the lookup
// precedence in spec.md §4.3: exact reference, normalized reference,
// short-ID prefix (12–64 hex chars), full long ID.
func (m *Manager) GetImage(ctx context.Context, nameOrID string) (*Summary, error) {
	digest, err := m.resolveDigest(ctx, nameOrID)
	if err != nil {
		return nil, err
	}
	img, err := m.store.GetImageByDigest(ctx, digest)
	if err != nil {
		return nil, err
	}
	refs, err := m.store.GetImageReferences(ctx, digest)
	if err != nil {
		return nil, err
	}
	return &Summary{
		Digest: img.Digest, ManifestDigest: img.ManifestDigest, References: refs,
		SizeBytes: img.SizeBytes, PlatformOS: img.PlatformOS, PlatformArch: img.PlatformArch,
		Layers: img.Layers, PulledAt: img.PulledAt,
	}, nil
}

// Inspect is an alias of GetImage kept distinct in the exposed interface to
// mirror spec.md §4.3's naming; today the two behave identically.
func (m *Manager) Inspect(ctx context.Context, nameOrID string) (*Summary, error) {
	return m.GetImage(ctx, nameOrID)
}

func (m *Manager) resolveDigest(ctx context.Context, nameOrID string) (string, error) {
	// (a) exact reference match.
	if digest, err := m.store.ResolveImageReference(ctx, nameOrID); err == nil {
		return digest, nil
	}

	// (b) normalized reference match.
	normalized := NormalizeReference(nameOrID)
	if normalized != nameOrID {
		if digest, err := m.store.ResolveImageReference(ctx, normalized); err == nil {
			return digest, nil
		}
	}

	stripped := strings.TrimPrefix(nameOrID, "sha256:")
	if isHexPrefix(stripped) && len(stripped) >= 12 && len(stripped) <= 64 {
		imgs, err := m.store.LoadAllImages(ctx)
		if err != nil {
			return "", err
		}
		var match string
		for _, img := range imgs {
			full := strings.TrimPrefix(img.Digest, "sha256:")
			// (c) short-ID prefix; (d) full long ID falls out of the same
			// prefix check when stripped is the full 64 chars.
			if strings.HasPrefix(full, stripped) {
				if match != "" {
					return "", bridgeerr.Newf(bridgeerr.KindInvalidArgument, "image.resolveDigest", "ambiguous short id %q", nameOrID)
				}
				match = img.Digest
			}
		}
		if match != "" {
			return match, nil
		}
	}

	return "", bridgeerr.Newf(bridgeerr.KindNotFound, "image.resolveDigest", "image %s", nameOrID)
}

func isHexPrefix(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}

// Pull fetches reference from its registry, selecting the manifest for the
// current platform out of a manifest index when present, and persists the
// resulting image row and reference. auth may be nil for anonymous pulls.
func (m *Manager) Pull(ctx context.Context, reference string, auth *Auth, progress ProgressFunc) (*Summary, error) {
	normalized := NormalizeReference(reference)
	ref, err := name.ParseReference(normalized)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindInvalidArgument, "image.Pull", err)
	}

	desc, err := remote.Get(ref, remote.WithContext(ctx), remote.WithAuth(auth.authenticator()))
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "image.Pull", err)
	}

	img, platformDigest, err := selectPlatformImage(desc)
	if err != nil {
		return nil, err
	}

	manifestDigest, err := img.Digest()
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "image.Pull", err)
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "image.Pull", err)
	}

	layerMeta := make([]store.ImageLayer, 0, len(layers))
	var totalSize int64
	for _, l := range layers {
		d, err := l.Digest()
		if err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "image.Pull", err)
		}
		size, err := l.Size()
		if err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "image.Pull", err)
		}
		layerMeta = append(layerMeta, store.ImageLayer{Digest: d.String(), Size: size})
		totalSize += size
		if progress != nil {
			progress(d.String(), size, size)
		}
	}

	// The Docker-compatible content ID is the config digest of the
	// selected platform manifest, not the manifest-index digest — this is
	// what "docker images" reports as IMAGE ID for a multi-arch pull.
	configDigest, err := configDigest(img)
	if err != nil {
		return nil, err
	}

	dockerID := "sha256:" + configDigest

	// Size reported is the sum of compressed layer sizes, a documented
	// under-report versus Docker's uncompressed figure (spec.md §4.3).
	row := &store.Image{
		Digest:         dockerID,
		ManifestDigest: platformDigest,
		SizeBytes:      totalSize,
		PlatformOS:     runtime.GOOS,
		PlatformArch:   runtime.GOARCH,
		Layers:         layerMeta,
		PulledAt:       time.Now(),
	}
	if err := m.store.SaveImage(ctx, row); err != nil {
		return nil, err
	}
	if err := m.store.SaveImageReference(ctx, normalized, dockerID); err != nil {
		return nil, err
	}
	if normalized != reference {
		if err := m.store.SaveImageReference(ctx, reference, dockerID); err != nil {
			return nil, err
		}
	}

	slog.InfoContext(ctx, "image.Pull", "reference", normalized, "digest", dockerID, "layers", len(layerMeta), "size_bytes", totalSize)

	return m.GetImage(ctx, dockerID)
}

func configDigest(img v1.Image) (string, error) {
	raw, err := img.RawConfigFile()
	if err != nil {
		return "", bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "image.configDigest", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// selectPlatformImage resolves a remote descriptor to a concrete
// single-platform v1.Image, walking a manifest index to find the entry
// matching the current (os, architecture) when the root descriptor is an
// index (spec.md §4.3's platform resolution rule).
func selectPlatformImage(desc *remote.Descriptor) (v1.Image, string, error) {
	if !desc.MediaType.IsIndex() {
		img, err := desc.Image()
		if err != nil {
			return nil, "", bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "image.selectPlatformImage", err)
		}
		return img, desc.Digest.String(), nil
	}

	idx, err := desc.ImageIndex()
	if err != nil {
		return nil, "", bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "image.selectPlatformImage", err)
	}
	manifest, err := idx.IndexManifest()
	if err != nil {
		return nil, "", bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "image.selectPlatformImage", err)
	}

	for _, m := range manifest.Manifests {
		if m.Platform == nil {
			continue
		}
		if m.Platform.OS == runtime.GOOS && m.Platform.Architecture == runtime.GOARCH {
			img, err := idx.Image(m.Digest)
			if err != nil {
				return nil, "", bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "image.selectPlatformImage", err)
			}
			return img, m.Digest.String(), nil
		}
	}

	return nil, "", bridgeerr.Newf(bridgeerr.KindInvalidArgument, "image.selectPlatformImage",
		"no manifest for platform %s/%s", runtime.GOOS, runtime.GOARCH)
}

// FetchLayerBlob re-resolves reference and opens the compressed tar stream
// for the single layer matching digest. Used by the overlay orchestrator's
// cache-miss path: Pull only records layer digests/sizes, it never unpacks
// a layer into an EXT4 image, so the first Plan for a freshly pulled image
// fetches each layer's bytes through here.
func (m *Manager) FetchLayerBlob(ctx context.Context, reference, digest string, auth *Auth) (io.ReadCloser, error) {
	normalized := NormalizeReference(reference)
	ref, err := name.ParseReference(normalized)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindInvalidArgument, "image.FetchLayerBlob", err)
	}

	desc, err := remote.Get(ref, remote.WithContext(ctx), remote.WithAuth(auth.authenticator()))
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "image.FetchLayerBlob", err)
	}
	img, _, err := selectPlatformImage(desc)
	if err != nil {
		return nil, err
	}
	layers, err := img.Layers()
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "image.FetchLayerBlob", err)
	}
	for _, l := range layers {
		d, err := l.Digest()
		if err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "image.FetchLayerBlob", err)
		}
		if d.String() != digest {
			continue
		}
		rc, err := l.Compressed()
		if err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "image.FetchLayerBlob", err)
		}
		return rc, nil
	}
	return nil, bridgeerr.Newf(bridgeerr.KindNotFound, "image.FetchLayerBlob", "layer %s not in %s", digest, reference)
}

// Tag points an additional human reference at an already-stored image.
func (m *Manager) Tag(ctx context.Context, source, target string) error {
	digest, err := m.resolveDigest(ctx, source)
	if err != nil {
		return err
	}
	return m.store.SaveImageReference(ctx, NormalizeReference(target), digest)
}

// Delete removes nameOrID. Unless force is set, returns StateConflict when
// any container still references the digest, and when nameOrID is a
// reference and more than one reference points at the image, removes only
// that reference and keeps the image.
func (m *Manager) Delete(ctx context.Context, nameOrID string, force bool) error {
	digest, err := m.resolveDigest(ctx, nameOrID)
	if err != nil {
		return err
	}

	if !force {
		inUse, err := m.store.ImageDigestInUse(ctx, digest)
		if err != nil {
			return err
		}
		if inUse {
			return bridgeerr.Newf(bridgeerr.KindStateConflict, "image.Delete", "image %s is in use by a container", digest)
		}
	}

	refs, err := m.store.GetImageReferences(ctx, digest)
	if err != nil {
		return err
	}

	// Deleting by a reference that isn't the only one just untags it,
	// matching `docker rmi` when multiple tags point at one digest.
	if !force && len(refs) > 1 && isReferenceLike(nameOrID) {
		return m.store.DeleteImageReference(ctx, NormalizeReference(nameOrID))
	}

	return m.store.DeleteImage(ctx, digest)
}

func isReferenceLike(s string) bool {
	return !strings.HasPrefix(s, "sha256:") && !isHexPrefix(s)
}

// ResolveManifestLayers returns the ordered layer digests/sizes and
// manifest digest a reference would pull, without persisting anything —
// used by the overlay orchestrator to plan device layout ahead of a pull.
func (m *Manager) ResolveManifestLayers(ctx context.Context, reference string, auth *Auth) (layerDigests []string, layerSizes []int64, manifestDigest string, err error) {
	normalized := NormalizeReference(reference)
	ref, err := name.ParseReference(normalized)
	if err != nil {
		return nil, nil, "", bridgeerr.Wrap(bridgeerr.KindInvalidArgument, "image.ResolveManifestLayers", err)
	}

	desc, err := remote.Get(ref, remote.WithContext(ctx), remote.WithAuth(auth.authenticator()))
	if err != nil {
		return nil, nil, "", bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "image.ResolveManifestLayers", err)
	}

	img, platformDigest, err := selectPlatformImage(desc)
	if err != nil {
		return nil, nil, "", err
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, nil, "", bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "image.ResolveManifestLayers", err)
	}
	for _, l := range layers {
		d, err := l.Digest()
		if err != nil {
			return nil, nil, "", bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "image.ResolveManifestLayers", err)
		}
		size, err := l.Size()
		if err != nil {
			return nil, nil, "", bridgeerr.Wrap(bridgeerr.KindRemoteFailure, "image.ResolveManifestLayers", err)
		}
		layerDigests = append(layerDigests, d.String())
		layerSizes = append(layerSizes, size)
	}

	return layerDigests, layerSizes, platformDigest, nil
}
