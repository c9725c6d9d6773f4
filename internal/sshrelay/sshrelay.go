// Package sshrelay maintains an ssh_config file mapping container aliases
// to their current connection endpoint (vmnet IP + published SSH port),
// so an operator convenience like `arca ssh <container>` can resolve a
// plain container name the way any other Host entry resolves, instead of
// requiring the caller to track IPs that change across restarts.
package sshrelay

import (
	"bufio"
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kevinburke/ssh_config"
)

// Endpoint is the resolved connection target for a container alias.
type Endpoint struct {
	HostName string
	Port     int
	User     string
}

// FileSystem abstracts the filesystem calls Registry makes, so tests can
// run against an in-memory fake instead of real paths under $HOME.
type FileSystem interface {
	Stat(name string) (fs.FileInfo, error)
	MkdirAll(name string, perm fs.FileMode) error
	ReadFile(name string) ([]byte, error)
	TempFile(dir, pattern string) (*os.File, error)
	Rename(oldpath, newpath string) error
	SafeWriteFile(name string, data []byte, perm fs.FileMode) error
}

// RealFileSystem implements FileSystem against the OS.
type RealFileSystem struct{}

func (RealFileSystem) Stat(name string) (fs.FileInfo, error)        { return os.Stat(name) }
func (RealFileSystem) MkdirAll(name string, perm fs.FileMode) error { return os.MkdirAll(name, perm) }
func (RealFileSystem) ReadFile(name string) ([]byte, error)         { return os.ReadFile(name) }
func (RealFileSystem) TempFile(dir, pattern string) (*os.File, error) {
	return os.CreateTemp(dir, pattern)
}
func (RealFileSystem) Rename(oldpath, newpath string) error { return os.Rename(oldpath, newpath) }

// SafeWriteFile writes to a temp file in the same directory, syncs it,
// and renames it over the target so a crash mid-write never leaves a
// truncated ssh_config behind.
func (RealFileSystem) SafeWriteFile(name string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(name)
	tmp, err := os.CreateTemp(dir, filepath.Base(name)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, name); err != nil {
		return fmt.Errorf("rename temp file into place: %w", err)
	}
	return os.Chmod(name, perm)
}

// Registry owns one ssh_config file: one Host block per container alias,
// kept current as containers start, restart with a new IP, or are removed.
type Registry struct {
	fs   FileSystem
	path string
}

// NewRegistry manages the ssh_config file at path, creating its parent
// directory if needed.
func NewRegistry(fsys FileSystem, path string) (*Registry, error) {
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sshrelay.NewRegistry: %w", err)
	}
	return &Registry{fs: fsys, path: path}, nil
}

// Upsert (re)writes the Host block for alias, replacing any prior block
// for the same alias so restarts with a new IP don't leave stale entries.
func (r *Registry) Upsert(alias string, ep Endpoint) error {
	blocks, err := r.readBlocks()
	if err != nil {
		return err
	}
	blocks = removeBlock(blocks, alias)
	blocks = append(blocks, hostBlock(alias, ep))
	return r.fs.SafeWriteFile(r.path, []byte(strings.Join(blocks, "\n\n")+"\n"), 0o644)
}

// Remove deletes alias's Host block, e.g. when its container is removed.
func (r *Registry) Remove(alias string) error {
	blocks, err := r.readBlocks()
	if err != nil {
		return err
	}
	blocks = removeBlock(blocks, alias)
	content := ""
	if len(blocks) > 0 {
		content = strings.Join(blocks, "\n\n") + "\n"
	}
	return r.fs.SafeWriteFile(r.path, []byte(content), 0o644)
}

// Resolve looks up alias's current endpoint.
func (r *Registry) Resolve(alias string) (Endpoint, error) {
	data, err := r.fs.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Endpoint{}, fmt.Errorf("sshrelay.Resolve: no ssh_config written yet")
		}
		return Endpoint{}, err
	}
	cfg, err := ssh_config.Decode(bytes.NewReader(data))
	if err != nil {
		return Endpoint{}, fmt.Errorf("sshrelay.Resolve: decode ssh_config: %w", err)
	}

	hostName, err := cfg.Get(alias, "HostName")
	if err != nil || hostName == "" {
		return Endpoint{}, fmt.Errorf("sshrelay.Resolve: no Host entry for %q", alias)
	}
	ep := Endpoint{HostName: hostName}
	if portStr, _ := cfg.Get(alias, "Port"); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			ep.Port = p
		}
	}
	ep.User, _ = cfg.Get(alias, "User")
	return ep, nil
}

func hostBlock(alias string, ep Endpoint) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Host %s\n", alias)
	fmt.Fprintf(&b, "    HostName %s\n", ep.HostName)
	if ep.Port != 0 {
		fmt.Fprintf(&b, "    Port %d\n", ep.Port)
	}
	if ep.User != "" {
		fmt.Fprintf(&b, "    User %s\n", ep.User)
	}
	fmt.Fprintf(&b, "    StrictHostKeyChecking no\n")
	return strings.TrimRight(b.String(), "\n")
}

// readBlocks splits the managed file's current content into whole "Host
// <alias>" blocks, so Upsert/Remove can filter by exact alias without a
// full ssh_config-aware rewrite.
func (r *Registry) readBlocks() ([]string, error) {
	data, err := r.fs.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var blocks []string
	var cur []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "Host ") {
			if len(cur) > 0 {
				blocks = append(blocks, strings.Join(cur, "\n"))
			}
			cur = []string{line}
			continue
		}
		if len(cur) > 0 {
			cur = append(cur, line)
		}
	}
	if len(cur) > 0 {
		blocks = append(blocks, strings.Join(cur, "\n"))
	}
	return blocks, nil
}

func removeBlock(blocks []string, alias string) []string {
	want := "Host " + alias
	out := blocks[:0:0]
	for _, b := range blocks {
		first, _, _ := strings.Cut(b, "\n")
		if strings.TrimSpace(first) == want {
			continue
		}
		out = append(out, b)
	}
	return out
}

// EnsureIncluded verifies the user's ~/.ssh/config has an Include line
// for the managed path, adding one (at the top, so it takes priority
// over any later catch-all Host *) if it's missing.
func EnsureIncluded(fsys FileSystem, managedPath string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	userConfigPath := filepath.Join(home, ".ssh", "config")
	includeLine := "Include " + managedPath

	existing, err := fsys.ReadFile(userConfigPath)
	if err != nil {
		if os.IsNotExist(err) {
			if err := fsys.MkdirAll(filepath.Dir(userConfigPath), 0o700); err != nil {
				return err
			}
			return fsys.SafeWriteFile(userConfigPath, []byte(includeLine+"\n"), 0o644)
		}
		return err
	}

	cfg, err := ssh_config.Decode(bytes.NewReader(existing))
	if err != nil {
		return fmt.Errorf("sshrelay.EnsureIncluded: decode ~/.ssh/config: %w", err)
	}
	for _, host := range cfg.Hosts {
		for _, node := range host.Nodes {
			if inc, ok := node.(*ssh_config.Include); ok {
				if strings.TrimSpace(inc.String()) == includeLine {
					return nil
				}
			}
		}
	}

	updated := append([]byte(includeLine+"\n"), existing...)
	return fsys.SafeWriteFile(userConfigPath, updated, 0o644)
}
