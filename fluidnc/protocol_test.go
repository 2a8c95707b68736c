package fluidnc_test

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/fourdof/scanner/fluidnc"
	"github.com/fourdof/scanner/serial"
)

func pipeOpener() (serial.Opener, net.Conn) {
	client, peer := net.Pipe()
	return func() (io.ReadWriteCloser, error) {
		return client, nil
	}, peer
}

func newTestProtocol(t *testing.T) (*fluidnc.Protocol, net.Conn) {
	t.Helper()
	open, peer := pipeOpener()
	link := serial.NewLink(open)
	if err := link.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { link.Close() })
	p := fluidnc.NewProtocol(link)
	p.Start()
	t.Cleanup(p.Stop)
	return p, peer
}

func TestProtocolParsesStatusFrame(t *testing.T) {
	p, peer := newTestProtocol(t)
	go io.WriteString(peer, "<Idle|MPos:1.000,2.000,3.000,4.000|FS:0,0>\r\n")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		snap := p.Snapshot()
		if snap.State == fluidnc.Idle && snap.MachinePos.X == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("snapshot never reflected parsed status frame")
}

func TestProtocolCompletesOldestPendingOnOk(t *testing.T) {
	p, peer := newTestProtocol(t)
	done, err := p.Send("$H")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	go io.WriteString(peer, "ok\r\n")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for command completion")
	}
}

func TestProtocolReportsProtocolErrorOnErrorLine(t *testing.T) {
	p, peer := newTestProtocol(t)
	done, err := p.Send("G1 X99999")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	go io.WriteString(peer, "error:9\r\n")

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected protocol error")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error completion")
	}
}

func TestProtocolAlarmFailsAllPending(t *testing.T) {
	p, peer := newTestProtocol(t)
	done1, _ := p.Send("G1 X1")
	done2, _ := p.Send("G1 X2")
	go io.WriteString(peer, "ALARM:1\r\n")

	for _, d := range []<-chan error{done1, done2} {
		select {
		case err := <-d:
			if err == nil {
				t.Fatal("expected alarm error")
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for alarm to fail pending commands")
		}
	}
	snap := p.Snapshot()
	if snap.State != fluidnc.Alarm {
		t.Fatalf("expected Alarm state, got %v", snap.State)
	}
}

func TestProtocolSeenHomingDone(t *testing.T) {
	p, peer := newTestProtocol(t)
	if p.SeenHomingDone() {
		t.Fatal("should not report homing done before any message")
	}
	go io.WriteString(peer, "[MSG:Homing done]\r\n")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.SeenHomingDone() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("homing done message was never observed")
}
