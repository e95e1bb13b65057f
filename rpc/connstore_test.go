package rpc

import (
	"testing"

	"mooreactor/storage"
)

func TestConnStoreSurvivesRegistryRestart(t *testing.T) {
	p, err := storage.Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()
	store := NewConnStore(p)

	reg := NewConnectionRegistry()
	if err := reg.SetStore(store); err != nil {
		t.Fatalf("SetStore: %v", err)
	}
	clientID := reg.Establish(-12, "host.example.com", 7777, 50312, []string{"text/plain"}, nil)
	if !reg.AttachPlayer(clientID, 2) {
		t.Fatalf("AttachPlayer failed")
	}

	// A second registry over the same store sees the record, as a
	// restarted daemon would.
	reg2 := NewConnectionRegistry()
	if err := reg2.SetStore(store); err != nil {
		t.Fatalf("SetStore on restart: %v", err)
	}
	rec, ok := reg2.Get(clientID)
	if !ok {
		t.Fatalf("record %s lost across restart", clientID)
	}
	if rec.ConnectionObj != -12 || rec.Hostname != "host.example.com" {
		t.Errorf("record = %+v", rec)
	}
	if !rec.HasPlayer || rec.Player != 2 {
		t.Errorf("player association lost: %+v", rec)
	}
	if obj, ok := reg2.LookupByHostname("host.example.com"); !ok || obj != -12 {
		t.Errorf("LookupByHostname = %d, %v", obj, ok)
	}

	// Detach deletes the durable row too.
	reg2.Detach(clientID)
	reg3 := NewConnectionRegistry()
	if err := reg3.SetStore(store); err != nil {
		t.Fatalf("SetStore after detach: %v", err)
	}
	if _, ok := reg3.Get(clientID); ok {
		t.Errorf("detached record %s still persisted", clientID)
	}
}
