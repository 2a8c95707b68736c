package serial_test

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/fourdof/scanner/serial"
)

// pipeOpener returns an Opener backed by a net.Pipe, plus the peer end the
// test can read/write to simulate firmware behavior.
func pipeOpener() (serial.Opener, net.Conn) {
	client, peer := net.Pipe()
	return func() (io.ReadWriteCloser, error) {
		return client, nil
	}, peer
}

func TestLinkWriteAppendsNewline(t *testing.T) {
	open, peer := pipeOpener()
	link := serial.NewLink(open)
	if err := link.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer link.Close()

	done := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := peer.Read(buf)
		done <- string(buf[:n])
	}()

	if err := link.Write("G21 G90 G94"); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case got := <-done:
		if got != "G21 G90 G94\n" {
			t.Fatalf("unexpected write: %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for write")
	}
}

func TestLinkBroadcastsLines(t *testing.T) {
	open, peer := pipeOpener()
	link := serial.NewLink(open)
	if err := link.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer link.Close()

	ch, cancel := link.Subscribe()
	defer cancel()

	go func() {
		io.WriteString(peer, "ok\r\n")
	}()

	select {
	case line := <-ch:
		if line.Text != "ok" {
			t.Fatalf("expected 'ok', got %q", line.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

// TestLinkReconnectsAfterReadError grounds the spec §8 "recoverable link
// hiccup" scenario: a read error on the current connection triggers
// markUnhealthy, and the next reader loop iteration reconnects via a
// fresh call to Opener rather than giving up.
func TestLinkReconnectsAfterReadError(t *testing.T) {
	client1, peer1 := net.Pipe()
	client2, peer2 := net.Pipe()
	calls := 0
	open := func() (io.ReadWriteCloser, error) {
		calls++
		if calls == 1 {
			return client1, nil
		}
		return client2, nil
	}

	link := serial.NewLink(open)
	if err := link.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer link.Close()

	ch, cancel := link.Subscribe()
	defer cancel()

	// Simulate a read error on the first connection by closing its peer,
	// which makes the reader's ReadString fail and triggers reconnect.
	peer1.Close()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("link never reconnected after simulated read error")
		default:
		}
		if calls >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	go func() { io.WriteString(peer2, "ok\r\n") }()
	select {
	case line := <-ch:
		if line.Text != "ok" {
			t.Fatalf("expected 'ok' over the reconnected link, got %q", line.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for line over reconnected link")
	}
	if !link.Healthy() {
		t.Fatal("expected link to report healthy after successful reconnect")
	}
}

func TestLinkMultipleSubscribers(t *testing.T) {
	open, peer := pipeOpener()
	link := serial.NewLink(open)
	if err := link.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer link.Close()

	chA, cancelA := link.Subscribe()
	defer cancelA()
	chB, cancelB := link.Subscribe()
	defer cancelB()

	go func() { io.WriteString(peer, "<Idle|MPos:0,0,0,0>\r\n") }()

	for _, ch := range []<-chan serial.Line{chA, chB} {
		select {
		case line := <-ch:
			if line.Text == "" {
				t.Fatal("expected non-empty line")
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for broadcast to subscriber")
		}
	}
}
