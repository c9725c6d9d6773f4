package overlay

import (
	"archive/tar"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/arcabridge/arcad/internal/bridgeerr"
)

// ExtUnpacker is the production Unpacker: it extracts an OCI layer tar
// into a scratch directory, then builds an EXT4 block image from that
// directory tree via `mkfs.ext4 -d` (e2fsprogs), sized to the extracted
// tree plus headroom for overlayfs metadata.
type ExtUnpacker struct {
	// ScratchDir holds the temporary extraction tree; defaults to
	// os.TempDir() when empty.
	ScratchDir string
	// Headroom is added to the extracted tree size before formatting, in
	// bytes, to leave room for whiteouts and filesystem overhead.
	Headroom int64
}

// Unpack extracts tarStream into a scratch directory and formats dest as
// an EXT4 image populated from it.
func (u ExtUnpacker) Unpack(ctx context.Context, tarStream io.Reader, dest string) (int64, error) {
	scratchRoot := u.ScratchDir
	if scratchRoot == "" {
		scratchRoot = os.TempDir()
	}
	scratch, err := os.MkdirTemp(scratchRoot, "arcad-layer-*")
	if err != nil {
		return 0, bridgeerr.Wrap(bridgeerr.KindDependencyFailed, "overlay.ExtUnpacker.Unpack", err)
	}
	defer os.RemoveAll(scratch)

	size, err := extractTar(tarStream, scratch)
	if err != nil {
		return 0, bridgeerr.Wrap(bridgeerr.KindDependencyFailed, "overlay.ExtUnpacker.Unpack", err)
	}

	headroom := u.Headroom
	if headroom == 0 {
		headroom = 64 << 20
	}
	imgSize := size + headroom

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, bridgeerr.Wrap(bridgeerr.KindDependencyFailed, "overlay.ExtUnpacker.Unpack", err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return 0, bridgeerr.Wrap(bridgeerr.KindDependencyFailed, "overlay.ExtUnpacker.Unpack", err)
	}
	if err := f.Truncate(imgSize); err != nil {
		f.Close()
		os.Remove(dest)
		return 0, bridgeerr.Wrap(bridgeerr.KindDependencyFailed, "overlay.ExtUnpacker.Unpack", err)
	}
	f.Close()

	slog.InfoContext(ctx, "overlay.ExtUnpacker: formatting layer image", "dest", dest, "size_bytes", imgSize)
	if err := mkfsFromDir(ctx, scratch, dest); err != nil {
		os.Remove(dest)
		return 0, err
	}

	return imgSize, nil
}

// mkfsFromDir formats an already-sized, already-created file at dest as
// EXT4 populated from srcDir's tree (e2fsprogs' `mkfs.ext4 -d`).
func mkfsFromDir(ctx context.Context, srcDir, dest string) error {
	cmd := exec.CommandContext(ctx, "mkfs.ext4", "-q", "-d", srcDir, dest)
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return bridgeerr.Wrap(bridgeerr.KindDependencyFailed, "overlay.mkfsFromDir", err)
	}
	return nil
}

// extractTar writes tarStream's entries under dir and returns the total
// uncompressed byte count written, preserving whiteout filenames verbatim
// so the resulting tree round-trips through overlayfs semantics untouched.
func extractTar(tarStream io.Reader, dir string) (int64, error) {
	tr := tar.NewReader(tarStream)
	var total int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, err
		}
		target := filepath.Join(dir, filepath.Clean(hdr.Name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return total, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return total, err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return total, err
			}
			n, err := io.Copy(out, tr)
			out.Close()
			if err != nil {
				return total, err
			}
			total += n
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return total, err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return total, err
			}
		default:
			// Hardlinks, devices, and other rare tar entry types are
			// skipped: they don't occur in practice in OCI layer tars
			// outside of device nodes, which containers rarely ship.
		}
	}
	return total, nil
}
