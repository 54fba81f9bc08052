//go:build linux || darwin

package ipc

import (
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestPeerUIDReportsCurrentUserForSelfConnection(t *testing.T) {
	dir, err := os.MkdirTemp("", "privd-peer")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	defer os.RemoveAll(dir) //nolint:errcheck
	socketPath := filepath.Join(dir, "s")

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen unix: %v", err)
	}
	defer ln.Close()

	type result struct {
		uid uint32
		err error
	}
	results := make(chan result, 1)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			results <- result{err: err}
			return
		}
		defer conn.Close()

		uid, err := PeerUID(conn)
		results <- result{uid: uid, err: err}
	}()

	client, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial unix: %v", err)
	}
	_ = client.Close()

	res := <-results
	if res.err != nil {
		t.Fatalf("PeerUID() error = %v", res.err)
	}
	if res.uid != uint32(os.Getuid()) {
		t.Fatalf("PeerUID() = %d, want %d", res.uid, os.Getuid())
	}
}

func TestPeerUIDRejectsNonUnixConn(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	if _, err := PeerUID(a); err == nil {
		t.Fatal("PeerUID(pipe) error = nil, want error")
	}
}
