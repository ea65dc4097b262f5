package auth

import (
	"errors"
	"testing"
)

func TestHashPasswordAndCheckPasswordBcrypt(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if hash == "" || hash == "s3cret" {
		t.Fatalf("expected opaque non-empty hash, got %q", hash)
	}
	if !CheckPassword("s3cret", hash) {
		t.Fatalf("expected bcrypt password check to pass")
	}
	if CheckPassword("wrong", hash) {
		t.Fatalf("expected bcrypt password check to fail")
	}
}

func TestHashPasswordIsSalted(t *testing.T) {
	a, err := HashPassword("same")
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	b, err := HashPassword("same")
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct salted hashes")
	}
}

func TestHashPasswordRejectsEmpty(t *testing.T) {
	if _, err := HashPassword(""); !errors.Is(err, ErrPasswordRequired) {
		t.Fatalf("expected ErrPasswordRequired, got %v", err)
	}
	if CheckPassword("", "anything") {
		t.Fatalf("empty password must never match")
	}
}
