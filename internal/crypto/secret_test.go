package crypto

import (
	"errors"
	"strings"
	"testing"
)

func TestHashAndCompareKey(t *testing.T) {
	hash, err := HashKey("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if hash == "s3cret" {
		t.Fatal("hash must not equal the key")
	}
	if err := CompareKey(hash, "s3cret"); err != nil {
		t.Fatalf("expected match, got %v", err)
	}
	if err := CompareKey(hash, "wrong"); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("expected ErrKeyMismatch, got %v", err)
	}
	if err := CompareKey(hash, ""); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
}

func TestHashKeyLimits(t *testing.T) {
	if _, err := HashKey(""); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
	if _, err := HashKey(strings.Repeat("k", 73)); !errors.Is(err, ErrKeyTooLong) {
		t.Fatalf("expected ErrKeyTooLong, got %v", err)
	}
}

func TestTokenEqual(t *testing.T) {
	if !TokenEqual("dev-token", "dev-token") {
		t.Fatal("expected equal tokens to match")
	}
	if TokenEqual("dev-token", "other") || TokenEqual("", "") {
		t.Fatal("unexpected match")
	}
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken(32)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := GenerateToken(32)
	if a == b || len(a) != 43 {
		t.Fatalf("unexpected tokens %q %q", a, b)
	}
}
