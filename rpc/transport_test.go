package rpc

import (
	"net"
	"testing"
	"time"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cmd := Command{ClientToken: "tok", AuthToken: "auth", Line: "look"}

	done := make(chan error, 1)
	go func() { done <- WriteFrame(client, "Command", cmd) }()

	f, err := ReadFrame(server)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if f.Kind != "Command" {
		t.Fatalf("got kind %q, want Command", f.Kind)
	}
	var got Command
	if err := f.Into(&got); err != nil {
		t.Fatalf("Into: %v", err)
	}
	if got != cmd {
		t.Fatalf("got %+v, want %+v", got, cmd)
	}
}

func TestConnSendRecvMultipleFrames(t *testing.T) {
	a, b := net.Pipe()
	ca := NewConn(a)
	cb := NewConn(b)
	defer ca.Close()
	defer cb.Close()

	go func() {
		ca.Send("Event", Event{Kind: EventNarrative, Text: "hello"})
		ca.Send("Event", Event{Kind: EventSystemMsg, Text: "bye"})
	}()

	f1, err := cb.Recv()
	if err != nil {
		t.Fatalf("Recv 1: %v", err)
	}
	var ev1 Event
	f1.Into(&ev1)
	if ev1.Text != "hello" {
		t.Fatalf("got %q, want hello", ev1.Text)
	}

	f2, err := cb.Recv()
	if err != nil {
		t.Fatalf("Recv 2: %v", err)
	}
	var ev2 Event
	f2.Into(&ev2)
	if ev2.Text != "bye" {
		t.Fatalf("got %q, want bye", ev2.Text)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		lenBuf := []byte{0xff, 0xff, 0xff, 0xff}
		a.Write(lenBuf)
		time.Sleep(10 * time.Millisecond)
		a.Close()
	}()

	_, err := ReadFrame(b)
	if err == nil {
		t.Fatalf("expected oversized-frame error")
	}
}
