package netbridge

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestRelayForwardsBothDirections(t *testing.T) {
	containerPeer, containerConn := net.Pipe()
	helperPeer, helperConn := net.Pipe()

	r := New(containerConn, helperConn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	go func() {
		containerPeer.Write([]byte("hello from container"))
	}()
	buf := make([]byte, 64)
	n, err := helperPeer.Read(buf)
	if err != nil {
		t.Fatalf("helperPeer.Read: %v", err)
	}
	if string(buf[:n]) != "hello from container" {
		t.Fatalf("got %q", buf[:n])
	}

	go func() {
		helperPeer.Write([]byte("hello from helper"))
	}()
	n, err = containerPeer.Read(buf)
	if err != nil {
		t.Fatalf("containerPeer.Read: %v", err)
	}
	if string(buf[:n]) != "hello from helper" {
		t.Fatalf("got %q", buf[:n])
	}

	r.Cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Cancel")
	}
}

func TestRelayTerminatesOnEOF(t *testing.T) {
	containerPeer, containerConn := net.Pipe()
	_, helperConn := net.Pipe()

	r := New(containerConn, helperConn)
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	containerPeer.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after peer EOF")
	}

	if _, err := containerConn.Write([]byte("x")); err == nil {
		t.Fatal("expected containerConn to be closed after relay termination")
	}
}
