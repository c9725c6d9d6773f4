package vmshell

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/arcabridge/arcad/internal/container"
)

// fakeHelper writes a tiny shell script standing in for the external VM
// helper binary, the same way tests of os/exec-wrapping code in this
// corpus (applecontainer's ContainerSvc) assume the real `container`
// binary is on PATH — here we control it end to end instead.
func fakeHelper(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell helper script requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-arcavm")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write fake helper: %v", err)
	}
	return path
}

func TestBootParsesGuestCIDAndPID(t *testing.T) {
	bin := fakeHelper(t, `echo '{"guest_cid":7,"pid":4242}'
echo "guest stdout line"
exit 0
`)
	r := New(bin)
	handle, err := r.Boot(context.Background(), container.BootSpec{ContainerID: "c1"})
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if handle.GuestCID() != 7 {
		t.Fatalf("GuestCID = %d, want 7", handle.GuestCID())
	}
	if handle.PID() != 4242 {
		t.Fatalf("PID = %d, want 4242", handle.PID())
	}

	buf := make([]byte, 64)
	n, err := handle.Stdout().Read(buf)
	if err != nil {
		t.Fatalf("Stdout().Read: %v", err)
	}
	if got := string(buf[:n]); got != "guest stdout line\n" {
		t.Fatalf("stdout = %q, want %q", got, "guest stdout line\n")
	}

	code, err := r.Wait(context.Background(), handle)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestWaitReturnsNonZeroExitCode(t *testing.T) {
	bin := fakeHelper(t, `echo '{"guest_cid":1,"pid":1}'
exit 3
`)
	r := New(bin)
	handle, err := r.Boot(context.Background(), container.BootSpec{ContainerID: "c2"})
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	code, err := r.Wait(context.Background(), handle)
	if err == nil {
		t.Fatalf("expected Wait to return an error for non-zero exit")
	}
	if code != 3 {
		t.Fatalf("exit code = %d, want 3", code)
	}
}

func TestBootFailsOnMalformedResultLine(t *testing.T) {
	bin := fakeHelper(t, `echo 'not json'
exit 0
`)
	r := New(bin)
	if _, err := r.Boot(context.Background(), container.BootSpec{ContainerID: "c3"}); err == nil {
		t.Fatalf("expected Boot to fail on a malformed boot-result line")
	}
}

func TestSignalInvokesHelperWithPID(t *testing.T) {
	bin := fakeHelper(t, `echo '{"guest_cid":1,"pid":1}'
exit 0
`)
	r := New(bin)
	handle, err := r.Boot(context.Background(), container.BootSpec{ContainerID: "c4"})
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	r.Wait(context.Background(), handle)

	sigBin := fakeHelper(t, `if [ "$3" != "1" ]; then exit 1; fi
exit 0
`)
	r2 := New(sigBin)
	if err := r2.Signal(context.Background(), handle, container.SIGTERM); err != nil {
		t.Fatalf("Signal: %v", err)
	}
}
