package rpc

import (
	"testing"
	"time"
)

func TestMintAndVerifyRoundTrip(t *testing.T) {
	s, err := NewSigner()
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	tok, err := s.Mint(TokenAuth, "player:42", time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	data, err := s.Verify(tok, TokenAuth)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if data != "player:42" {
		t.Fatalf("got %q, want %q", data, "player:42")
	}
}

func TestVerifyRejectsWrongKind(t *testing.T) {
	s, err := NewSigner()
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	tok, err := s.Mint(TokenClient, "conn:1", time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := s.Verify(tok, TokenAuth); err == nil {
		t.Fatalf("expected kind mismatch to be rejected")
	}
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	s1, _ := NewSigner()
	s2, _ := NewSigner()
	tok, err := s1.Mint(TokenHost, "host-a", time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := s2.Verify(tok, TokenHost); err == nil {
		t.Fatalf("expected signature from a different keypair to be rejected")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	s, _ := NewSigner()
	tok, err := s.Mint(TokenWorker, "w1", -time.Second)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := s.Verify(tok, TokenWorker); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}
