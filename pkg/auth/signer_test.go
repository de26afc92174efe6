package auth

import (
	"encoding/base64"
	"testing"
	"time"
)

func TestPlainSignerFormat(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	sig := PlainSigner{}.Sign("user-1", "res-1", "read", true, ts)

	decoded, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		t.Fatalf("signature is not base64: %v", err)
	}
	want := "user-1:res-1:read:true:2026-03-14T09:26:53.589Z"
	if string(decoded) != want {
		t.Fatalf("payload mismatch:\n got %q\nwant %q", decoded, want)
	}
}

func TestPlainSignerDeterministic(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := PlainSigner{}.Sign("u", "r", "write", false, ts)
	b := PlainSigner{}.Sign("u", "r", "write", false, ts)
	if a != b {
		t.Fatal("same inputs must produce the same signature")
	}
	c := PlainSigner{}.Sign("u", "r", "write", true, ts)
	if a == c {
		t.Fatal("granted flag must change the signature")
	}
}

func TestPlainSignerVerify(t *testing.T) {
	ts := time.Now()
	s := PlainSigner{}
	sig := s.Sign("u", "r", "read", true, ts)
	if !s.Verify(sig, "u", "r", "read", true, ts) {
		t.Fatal("expected signature to verify")
	}
	if s.Verify(sig, "u", "r", "read", false, ts) {
		t.Fatal("expected verification failure for altered fields")
	}
}

func TestHMACSignerVerify(t *testing.T) {
	ts := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	s := NewHMACSigner([]byte("k1"))
	sig := s.Sign("u", "r", "read", true, ts)
	if sig == (PlainSigner{}).Sign("u", "r", "read", true, ts) {
		t.Fatal("hmac signature must differ from the plain scheme")
	}
	if !s.Verify(sig, "u", "r", "read", true, ts) {
		t.Fatal("expected hmac signature to verify")
	}
	other := NewHMACSigner([]byte("k2"))
	if other.Verify(sig, "u", "r", "read", true, ts) {
		t.Fatal("different key must not verify")
	}
}
