package rpc

import (
	"testing"
	"time"
)

func TestEstablishAndAttachPlayer(t *testing.T) {
	r := NewConnectionRegistry()
	clientID := r.Establish(123, "example.org", 8080, 54321, []string{"text/plain"}, nil)
	if clientID == "" {
		t.Fatalf("expected a non-empty client id")
	}
	rec, ok := r.Get(clientID)
	if !ok {
		t.Fatalf("expected Get to find the just-established client")
	}
	if rec.HasPlayer {
		t.Fatalf("fresh connection should not have a player yet")
	}
	if !r.AttachPlayer(clientID, 42) {
		t.Fatalf("AttachPlayer failed")
	}
	rec, _ = r.Get(clientID)
	if !rec.HasPlayer || rec.Player != 42 {
		t.Fatalf("player not attached: %+v", rec)
	}
	clients := r.ClientsForPlayer(42)
	if len(clients) != 1 || clients[0] != clientID {
		t.Fatalf("ClientsForPlayer = %v, want [%s]", clients, clientID)
	}
}

func TestMultipleClientsPerPlayer(t *testing.T) {
	r := NewConnectionRegistry()
	c1 := r.Establish(1, "a", 1, 1, nil, nil)
	c2 := r.Establish(1, "b", 1, 2, nil, nil)
	r.AttachPlayer(c1, 7)
	r.AttachPlayer(c2, 7)

	if clients := r.ClientsForPlayer(7); len(clients) != 2 {
		t.Fatalf("expected 2 clients for player, got %v", clients)
	}
}

func TestDetachLastClientFiresCallback(t *testing.T) {
	r := NewConnectionRegistry()
	var detached int64 = -1
	r.OnLastClientDetached(func(player int64) { detached = player })

	c1 := r.Establish(1, "a", 1, 1, nil, nil)
	c2 := r.Establish(1, "b", 1, 2, nil, nil)
	r.AttachPlayer(c1, 9)
	r.AttachPlayer(c2, 9)

	r.Detach(c1)
	if detached != -1 {
		t.Fatalf("callback should not fire while another client remains, got %d", detached)
	}

	r.Detach(c2)
	if detached != 9 {
		t.Fatalf("expected last-client-detached callback for player 9, got %d", detached)
	}

	if _, ok := r.Get(c2); ok {
		t.Fatalf("detached client should no longer be present")
	}
}

func TestEvictStaleDetachesAgedPings(t *testing.T) {
	r := NewConnectionRegistry()
	r.pingTimeout = 10 * time.Millisecond
	clientID := r.Establish(1, "a", 1, 1, nil, nil)

	time.Sleep(20 * time.Millisecond)
	evicted := r.EvictStale(time.Now())
	if len(evicted) != 1 || evicted[0] != clientID {
		t.Fatalf("expected %s to be evicted, got %v", clientID, evicted)
	}
	if _, ok := r.Get(clientID); ok {
		t.Fatalf("evicted client should be gone from the registry")
	}
}

func TestTouchRefreshesPingAndKeepsAlive(t *testing.T) {
	r := NewConnectionRegistry()
	r.pingTimeout = 30 * time.Millisecond
	clientID := r.Establish(1, "a", 1, 1, nil, nil)

	time.Sleep(15 * time.Millisecond)
	r.Touch(clientID, true)
	time.Sleep(15 * time.Millisecond)

	evicted := r.EvictStale(time.Now())
	if len(evicted) != 0 {
		t.Fatalf("recently touched client should not be evicted, got %v", evicted)
	}
}
