package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func TestGeneratePrivateKeyDerivesAddress(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	addr := key.PubKey().Address()
	encoded := addr.String()
	if !strings.HasPrefix(encoded, string(ClearingPrefix)) {
		t.Fatalf("address missing prefix: %s", encoded)
	}

	decoded, err := DecodeAddress(encoded)
	if err != nil {
		t.Fatalf("decode address: %v", err)
	}
	if !bytes.Equal(decoded.Bytes(), addr.Bytes()) {
		t.Fatalf("round trip changed address bytes")
	}
	if decoded.Prefix() != ClearingPrefix {
		t.Fatalf("unexpected prefix: %s", decoded.Prefix())
	}
}

func TestPrivateKeyBytesRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	restored, err := PrivateKeyFromBytes(key.Bytes())
	if err != nil {
		t.Fatalf("restore key: %v", err)
	}
	if restored.PubKey().Address().String() != key.PubKey().Address().String() {
		t.Fatalf("restored key derives a different address")
	}
}

func TestNewAddressValidatesLength(t *testing.T) {
	if _, err := NewAddress(ClearingPrefix, make([]byte, 19)); err == nil {
		t.Fatalf("expected error for short address")
	}
	if _, err := NewAddress(ClearingPrefix, make([]byte, 21)); err == nil {
		t.Fatalf("expected error for long address")
	}
	if _, err := NewAddress(ClearingPrefix, make([]byte, 20)); err != nil {
		t.Fatalf("unexpected error for 20-byte address: %v", err)
	}
}

func TestDecodeAddressRejectsGarbage(t *testing.T) {
	if _, err := DecodeAddress("not-bech32"); err == nil {
		t.Fatalf("expected error for invalid encoding")
	}
}
