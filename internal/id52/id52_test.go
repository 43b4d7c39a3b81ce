package id52

import (
	"path/filepath"
	"testing"
)

func TestGenerateRoundTrip(t *testing.T) {
	key, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(key.ID52()) != 52 {
		t.Fatalf("expected 52-char ID52, got %d: %s", len(key.ID52()), key.ID52())
	}
	pub, err := Decode(key.ID52())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	msg := []byte("hello peer")
	sig := key.Sign(msg)
	ok, err := Verify(key.ID52(), msg, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected signature to verify")
	}
	if EncodePublic(pub) != key.ID52() {
		t.Fatalf("round trip through Decode/EncodePublic changed identity")
	}
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	key, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	sig := key.Sign([]byte("original"))
	ok, err := Verify(key.ID52(), []byte("tampered"), sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatalf("expected signature over different message to fail verification")
	}
}

func TestReadOrCreatePersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.key")

	first, err := ReadOrCreate(path)
	if err != nil {
		t.Fatalf("ReadOrCreate (create): %v", err)
	}

	second, err := ReadOrCreate(path)
	if err != nil {
		t.Fatalf("ReadOrCreate (reload): %v", err)
	}

	if first.ID52() != second.ID52() {
		t.Fatalf("expected same identity across reload, got %s != %s", first.ID52(), second.ID52())
	}
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	if _, err := Decode("tooshort"); err == nil {
		t.Fatalf("expected error decoding a too-short ID52")
	}
}
