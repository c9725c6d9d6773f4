package exec

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creack/pty"

	"github.com/arcabridge/arcad/internal/bridgeerr"
)

type fakeResolver struct{ running bool }

func (f *fakeResolver) IsRunning(ctx context.Context, containerID string) (bool, error) {
	return f.running, nil
}

type fakeProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdout  *io.PipeReader
	stdoutW *io.PipeWriter
	stderr  *io.PipeReader
	stderrW *io.PipeWriter

	mergeStderr bool

	mu       sync.Mutex
	resized  []pty.Winsize
	exitCode int
	exitErr  error
	done     chan struct{}
}

func newFakeProcess(mergeStderr bool) *fakeProcess {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	p := &fakeProcess{
		stdinR: stdinR, stdinW: stdinW,
		stdout: stdoutR, stdoutW: stdoutW,
		mergeStderr: mergeStderr,
		done:        make(chan struct{}),
	}
	if !mergeStderr {
		p.stderr, p.stderrW = io.Pipe()
	}
	return p
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdout }
func (p *fakeProcess) Stderr() io.Reader {
	if p.mergeStderr {
		return nil
	}
	return p.stderr
}
func (p *fakeProcess) Resize(ws pty.Winsize) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resized = append(p.resized, ws)
	return nil
}
func (p *fakeProcess) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.exitErr
}
func (p *fakeProcess) Kill() error {
	p.finish(-1)
	return nil
}
func (p *fakeProcess) finish(code int) {
	select {
	case <-p.done:
	default:
		p.exitCode = code
		close(p.done)
	}
}

type fakeRuntime struct {
	mu    sync.Mutex
	procs map[string]*fakeProcess
	err   error
}

func newFakeRuntime() *fakeRuntime { return &fakeRuntime{procs: make(map[string]*fakeProcess)} }

func (r *fakeRuntime) StartProcess(ctx context.Context, containerID string, spec ProcessSpec) (Process, error) {
	if r.err != nil {
		return nil, r.err
	}
	p := newFakeProcess(spec.TTY)
	r.mu.Lock()
	r.procs[containerID] = p
	r.mu.Unlock()
	return p, nil
}

func TestParseUserSpec(t *testing.T) {
	cases := []struct {
		in      string
		wantUID *uint32
		wantGID *uint32
		wantU   string
	}{
		{"", nil, nil, ""},
		{"alice", nil, nil, "alice"},
	}
	for _, c := range cases {
		got, err := ParseUserSpec(c.in)
		if err != nil {
			t.Fatalf("ParseUserSpec(%q): %v", c.in, err)
		}
		if got.Username != c.wantU {
			t.Fatalf("ParseUserSpec(%q).Username = %q, want %q", c.in, got.Username, c.wantU)
		}
	}

	got, err := ParseUserSpec("1000:1000")
	if err != nil {
		t.Fatalf("ParseUserSpec(uid:gid): %v", err)
	}
	if got.UID == nil || *got.UID != 1000 || got.GID == nil || *got.GID != 1000 {
		t.Fatalf("ParseUserSpec(1000:1000) = %+v, want uid=gid=1000", got)
	}

	if _, err := ParseUserSpec("notanumber:1"); bridgeerr.KindOf(err) != bridgeerr.KindInvalidArgument {
		t.Fatalf("ParseUserSpec(bad uid) kind = %v, want InvalidArgument", bridgeerr.KindOf(err))
	}
}

func TestCreateRejectsEmptyCommand(t *testing.T) {
	m := NewManager(newFakeRuntime(), &fakeResolver{running: true})
	_, err := m.Create(context.Background(), CreateRequest{ContainerID: "c1"})
	if bridgeerr.KindOf(err) != bridgeerr.KindInvalidArgument {
		t.Fatalf("Create(empty cmd) kind = %v, want InvalidArgument", bridgeerr.KindOf(err))
	}
}

func TestCreateRejectsStoppedContainer(t *testing.T) {
	m := NewManager(newFakeRuntime(), &fakeResolver{running: false})
	_, err := m.Create(context.Background(), CreateRequest{ContainerID: "c1", Cmd: []string{"ls"}})
	if bridgeerr.KindOf(err) != bridgeerr.KindStateConflict {
		t.Fatalf("Create(stopped container) kind = %v, want StateConflict", bridgeerr.KindOf(err))
	}
}

func TestStartAttachedRelaysStdoutAndRecordsExit(t *testing.T) {
	rt := newFakeRuntime()
	m := NewManager(rt, &fakeResolver{running: true})
	ctx := context.Background()

	id, err := m.Create(ctx, CreateRequest{ContainerID: "c1", Cmd: []string{"echo", "hi"}, AttachStdout: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var out bytes.Buffer
	if err := m.Start(ctx, id, StartOptions{Stdout: &out}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	proc := rt.procs["c1"]
	proc.stdoutW.Write([]byte("hello-exec"))
	proc.stdoutW.Close()
	proc.finish(0)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		info, err := m.Inspect(id)
		if err != nil {
			t.Fatalf("Inspect: %v", err)
		}
		if !info.Running && info.ExitCode != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	info, err := m.Inspect(id)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.Running {
		t.Fatal("exec still marked running after process exit")
	}
	if info.ExitCode == nil || *info.ExitCode != 0 {
		t.Fatalf("ExitCode = %v, want 0", info.ExitCode)
	}
	if !strings.Contains(out.String(), "hello-exec") {
		t.Fatalf("stdout = %q, want it to contain hello-exec", out.String())
	}
}

func TestResizeNoopWithoutTTY(t *testing.T) {
	rt := newFakeRuntime()
	m := NewManager(rt, &fakeResolver{running: true})
	ctx := context.Background()

	id, err := m.Create(ctx, CreateRequest{ContainerID: "c1", Cmd: []string{"sh"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Start(ctx, id, StartOptions{Detach: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Resize(id, 80, 24); err != nil {
		t.Fatalf("Resize: %v", err)
	}

	proc := rt.procs["c1"]
	proc.mu.Lock()
	n := len(proc.resized)
	proc.mu.Unlock()
	if n != 0 {
		t.Fatalf("Resize() dispatched %d calls for a non-TTY exec, want 0", n)
	}
	proc.finish(0)
}

func TestDeleteRemovesRecordAndKillsRunningProcess(t *testing.T) {
	rt := newFakeRuntime()
	m := NewManager(rt, &fakeResolver{running: true})
	ctx := context.Background()

	id, err := m.Create(ctx, CreateRequest{ContainerID: "c1", Cmd: []string{"sleep", "100"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Start(ctx, id, StartOptions{Detach: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := m.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	rt.mu.Lock()
	proc := rt.procs["c1"]
	rt.mu.Unlock()
	select {
	case <-proc.done:
	default:
		t.Fatal("Delete did not kill the still-running process")
	}
	if _, err := m.Inspect(id); bridgeerr.KindOf(err) != bridgeerr.KindNotFound {
		t.Fatalf("Inspect after Delete kind = %v, want NotFound", bridgeerr.KindOf(err))
	}
}
