// Command arcad is the arca-bridge host daemon: it owns the state
// database and every in-process component (image, volume, overlay,
// network, portmap, exec, container) and keeps them running until told
// to stop. The HTTP Docker API server, the in-guest agents it talks to
// over vsock RPC, and the platform virtualization library are all
// external collaborators this binary wires up rather than implements.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	"github.com/jotaen/kong-completion"
	"github.com/posener/complete"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Context is what every subcommand's Run method is handed: the parsed
// flags and the daemon's home directory on disk. Each subcommand that
// needs the core components builds its own App via buildApp rather than
// sharing one through Context, since arcad's subcommands (daemon, exec)
// are ordinarily separate process invocations against the same state
// database, not calls into a shared in-process daemon.
type Context struct {
	CLI        *CLI
	AppBaseDir string
}

// CLI is the full flag/subcommand surface, parsed by kong the way
// cmd/sand/main.go's CLI struct is: a flat set of global flags plus one
// struct field per subcommand tagged `cmd:""`.
type CLI struct {
	DBPath            string `default:"" placeholder:"<path>" help:"state database path (default: <app-dir>/state.db)"`
	DiskRoot          string `default:"" placeholder:"<dir>" help:"root dir for per-container writable/layer EXT4 images (default: <app-dir>/disks)"`
	LayerCacheRoot    string `default:"" placeholder:"<dir>" help:"root dir for the shared OCI layer cache (default: <app-dir>/layers)"`
	VolumeRoot        string `default:"" placeholder:"<dir>" help:"root dir for named volume EXT4 images (default: <app-dir>/volumes)"`
	VMHelperBin       string `default:"arcavm" placeholder:"<bin>" help:"external VM helper binary used to boot guests and exec into them"`
	LogFile           string `default:"" placeholder:"<path>" help:"daemon log file (default: <app-dir>/arcad.log)"`
	LogLevel          string `default:"info" placeholder:"<debug|info|warn|error>" help:"logging level"`
	TelemetryEndpoint string `default:"" placeholder:"<host:port>" help:"OTLP gRPC collector endpoint; empty disables tracing"`
	TelemetryInsecure bool   `default:"false" help:"dial the OTLP collector without TLS"`

	Daemon  DaemonCmd  `cmd:"" help:"run the arcad daemon in the foreground"`
	Exec    ExecCmd    `cmd:"" help:"exec a command in a running container and attach to it"`
	Version VersionCmd `cmd:"" help:"print version information"`
}

// initSlog installs a JSON slog handler writing to a lumberjack-rotated
// log file, the rotation-aware generalization of
// cmd/sand/main.go's initSlog (which opens c.LogFile directly with no
// rotation at all).
func (c *CLI) initSlog(appBaseDir string, command string) {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logFile := c.LogFile
	if logFile == "" {
		logFile = filepath.Join(appBaseDir, "arcad.log")
	}
	writer := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    64, // MB
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}
	logger := slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	slog.Info("slog initialized", "file", logFile, "command", command)
}

const description = `arcad: host-side daemon bridging a Docker-compatible API to lightweight Linux VMs on macOS.`

// appHomeDir returns (creating if absent) this daemon's per-user state
// directory, the same role cmd/sand/main.go's appHomeDir plays for sand.
func appHomeDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	dir := filepath.Join(homeDir, "Library", "Application Support", "ArcaBridge")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating application support directory: %w", err)
	}
	return dir, nil
}

func main() {
	var cli CLI

	parser, err := kong.New(&cli,
		kong.Configuration(kongyaml.Loader, ".arcad.yaml", "~/.arcad.yaml"),
		kong.Description(description))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := kongcompletion.Register(parser,
		kongcompletion.WithPredictor("path", complete.PredictFiles("*")),
	); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	appBaseDir, err := appHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to get application home directory: %v\n", err)
		os.Exit(1)
	}
	cli.initSlog(appBaseDir, kctx.Command())

	if cli.DBPath == "" {
		cli.DBPath = filepath.Join(appBaseDir, "state.db")
	}
	if cli.DiskRoot == "" {
		cli.DiskRoot = filepath.Join(appBaseDir, "disks")
	}
	if cli.LayerCacheRoot == "" {
		cli.LayerCacheRoot = filepath.Join(appBaseDir, "layers")
	}
	if cli.VolumeRoot == "" {
		cli.VolumeRoot = filepath.Join(appBaseDir, "volumes")
	}
	slog.Info("main", "app_base_dir", appBaseDir, "command", kctx.Command())

	err = kctx.Run(&Context{CLI: &cli, AppBaseDir: appBaseDir})
	kctx.FatalIfErrorf(err)
}
