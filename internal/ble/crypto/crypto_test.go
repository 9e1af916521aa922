package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"AA:BB:CC:DD:EE:FF", "ffeeddccbbaa"},
		{"aabbccddeeff", "ffeeddccbbaa"},
		{"01-02-03-04-05-06", "060504030201"},
	}
	for _, tt := range tests {
		got, err := ParseAddress(tt.in)
		if err != nil {
			t.Fatalf("ParseAddress(%q) error = %v", tt.in, err)
		}
		if hex.EncodeToString(got) != tt.want {
			t.Errorf("ParseAddress(%q) = %x, want %s", tt.in, got, tt.want)
		}
	}
}

func TestParseAddressInvalid(t *testing.T) {
	for _, in := range []string{"", "AA:BB", "zz:bb:cc:dd:ee:ff", "AA:BB:CC:DD:EE:FF:00"} {
		if _, err := ParseAddress(in); err == nil {
			t.Errorf("ParseAddress(%q) expected error", in)
		}
	}
}

func TestDeriveKeyReferenceVector(t *testing.T) {
	meshKey := mustHex(t, "00112233445566778899aabbccddeeff")
	addr, err := ParseAddress("AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatalf("ParseAddress() error = %v", err)
	}

	got, err := DeriveKey(meshKey, addr)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	want := mustHex(t, "2b64e92080beb7ee0ece46c5a0283f74")
	if !bytes.Equal(got, want) {
		t.Errorf("DeriveKey() = %x, want %x", got, want)
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	meshKey := bytes.Repeat([]byte{0x5a}, KeySize)
	addr := []byte{1, 2, 3, 4, 5, 6}

	first, err := DeriveKey(meshKey, addr)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		again, _ := DeriveKey(meshKey, addr)
		if !bytes.Equal(first, again) {
			t.Fatalf("call %d: DeriveKey() = %x, want %x", i, again, first)
		}
	}

	other, _ := DeriveKey(meshKey, []byte{1, 2, 3, 4, 5, 7})
	if bytes.Equal(first, other) {
		t.Error("different addresses produced the same key")
	}
}

func TestDeriveKeyRejectsBadSizes(t *testing.T) {
	if _, err := DeriveKey(make([]byte, 15), make([]byte, 6)); !errors.Is(err, ErrKeySize) {
		t.Errorf("short key: err = %v, want ErrKeySize", err)
	}
	if _, err := DeriveKey(make([]byte, 16), make([]byte, 5)); !errors.Is(err, ErrAddressSize) {
		t.Errorf("short address: err = %v, want ErrAddressSize", err)
	}
}

func TestCryptFrameReferenceVectors(t *testing.T) {
	key := mustHex(t, "2b64e92080beb7ee0ece46c5a0283f74")

	tests := []struct {
		name  string
		plain string
		want  string
	}{
		{"dim frame", "01000264", "2a64eb44"},
		{"wraps keystream", "000102030405060708090a0b0c0d0e0f10111213", "2b65eb2384bbb1e906c74cceac25317b3b75fb33"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CryptFrame(key, mustHex(t, tt.plain))
			if hex.EncodeToString(got) != tt.want {
				t.Errorf("CryptFrame() = %x, want %s", got, tt.want)
			}
		})
	}
}

func TestCryptFrameSelfInverse(t *testing.T) {
	key := mustHex(t, "2b64e92080beb7ee0ece46c5a0283f74")
	plain := []byte("a payload longer than one keystream block")

	enc := CryptFrame(key, plain)
	if bytes.Equal(enc, plain) {
		t.Fatal("CryptFrame() returned plaintext unchanged")
	}
	if dec := CryptFrame(key, enc); !bytes.Equal(dec, plain) {
		t.Errorf("CryptFrame(CryptFrame(x)) = %q, want %q", dec, plain)
	}
}

func TestCryptFrameDoesNotMutateInput(t *testing.T) {
	key := bytes.Repeat([]byte{0xff}, KeySize)
	in := []byte{1, 2, 3}
	_ = CryptFrame(key, in)
	if !bytes.Equal(in, []byte{1, 2, 3}) {
		t.Errorf("input mutated to %x", in)
	}
}

func TestAuthResponseReferenceVector(t *testing.T) {
	meshKey := mustHex(t, "00112233445566778899aabbccddeeff")
	challenge := mustHex(t, "0f0e0d0c0b0a09080706050403020100")

	got, err := AuthResponse(meshKey, challenge)
	if err != nil {
		t.Fatalf("AuthResponse() error = %v", err)
	}
	want := mustHex(t, "5e3758373ac517d890e0853676865452")
	if !bytes.Equal(got, want) {
		t.Errorf("AuthResponse() = %x, want %x", got, want)
	}
}

func TestAuthResponseRejectsShortChallenge(t *testing.T) {
	if _, err := AuthResponse(make([]byte, KeySize), make([]byte, 8)); err == nil {
		t.Error("AuthResponse() with 8-byte challenge expected error")
	}
}

func TestParseMeshKey(t *testing.T) {
	key, err := ParseMeshKey("00112233-4455-6677-8899-aabbccddeeff")
	if err != nil {
		t.Fatalf("ParseMeshKey() error = %v", err)
	}
	if hex.EncodeToString(key) != "00112233445566778899aabbccddeeff" {
		t.Errorf("ParseMeshKey() = %x", key)
	}

	if _, err := ParseMeshKey("0011"); !errors.Is(err, ErrKeySize) {
		t.Errorf("short key: err = %v, want ErrKeySize", err)
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := DeriveCacheKey([]byte("correct horse battery staple"))
	if err != nil {
		t.Fatalf("DeriveCacheKey() error = %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("cache key length = %d, want 32", len(key))
	}

	plain := []byte(`{"plejdMesh":{"cryptoKey":"secret"}}`)
	sealed, err := Seal(key, plain)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if bytes.Contains(sealed, []byte("cryptoKey")) {
		t.Error("sealed output contains plaintext")
	}

	opened, err := Open(key, sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(opened, plain) {
		t.Errorf("Open() = %q, want %q", opened, plain)
	}
}

func TestOpenWrongKey(t *testing.T) {
	k1, _ := DeriveCacheKey([]byte("one"))
	k2, _ := DeriveCacheKey([]byte("two"))

	sealed, err := Seal(k1, []byte("site"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if _, err := Open(k2, sealed); err == nil {
		t.Error("Open() with wrong key expected error")
	}
	if _, err := Open(k1, sealed[:4]); err == nil {
		t.Error("Open() with truncated input expected error")
	}
}

func TestDeriveCacheKeyEmptySecret(t *testing.T) {
	if _, err := DeriveCacheKey(nil); err == nil {
		t.Error("DeriveCacheKey(nil) expected error")
	}
}
