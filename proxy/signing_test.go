package proxy

import (
	"testing"
	"time"
)

func TestSignLocation_VerifyRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	token := SignLocation(secret, "/stream/abc", time.Now().Add(time.Hour))

	streamId, err := VerifyLocation(secret, token)
	if err != nil {
		t.Fatalf("VerifyLocation failed: %v", err)
	}
	if streamId != "/stream/abc" {
		t.Errorf("expected streamId %q, got %q", "/stream/abc", streamId)
	}
}

func TestVerifyLocation_ExpiredTokenRejected(t *testing.T) {
	secret := []byte("test-secret")
	token := SignLocation(secret, "/stream/abc", time.Now().Add(-time.Minute))

	if _, err := VerifyLocation(secret, token); err == nil {
		t.Error("expected expired token to be rejected")
	}
}

func TestVerifyLocation_WrongSecretRejected(t *testing.T) {
	token := SignLocation([]byte("secret-a"), "/stream/abc", time.Now().Add(time.Hour))

	if _, err := VerifyLocation([]byte("secret-b"), token); err == nil {
		t.Error("expected token signed with a different secret to be rejected")
	}
}

func TestVerifyLocation_MalformedTokenRejected(t *testing.T) {
	if _, err := VerifyLocation([]byte("secret"), "not-a-valid-token"); err == nil {
		t.Error("expected malformed token to be rejected")
	}
}

func TestVerifyLocation_TamperedStreamIdRejected(t *testing.T) {
	secret := []byte("test-secret")
	token := SignLocation(secret, "/stream/abc", time.Now().Add(time.Hour))

	tampered := "/stream/xyz" + token[len("/stream/abc"):]
	if _, err := VerifyLocation(secret, tampered); err == nil {
		t.Error("expected tampered stream id to be rejected")
	}
}
