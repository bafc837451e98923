package mdoc

import (
	"bytes"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"

	"github.com/kokukuma/mdoc-credential/pkg/codec"
)

func TestDeriveEMacKeySymmetric(t *testing.T) {
	devicePriv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	readerPriv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	sessionTranscript := []byte("session transcript bytes")

	deviceSide, err := DeriveEMacKey(devicePriv, readerPriv.PublicKey(), sessionTranscript)
	if err != nil {
		t.Fatalf("device side derivation failed: %v", err)
	}
	readerSide, err := DeriveEMacKey(readerPriv, devicePriv.PublicKey(), sessionTranscript)
	if err != nil {
		t.Fatalf("reader side derivation failed: %v", err)
	}

	if !bytes.Equal(deviceSide, readerSide) {
		t.Error("both sides must derive the same EMacKey")
	}
	if len(deviceSide) != 32 {
		t.Errorf("EMacKey has %d bytes, want 32", len(deviceSide))
	}

	if _, err := DeriveEMacKey(nil, readerPriv.PublicKey(), sessionTranscript); err == nil {
		t.Error("expected error for missing private key")
	}
	if _, err := DeriveEMacKey(devicePriv, readerPriv.PublicKey(), nil); err == nil {
		t.Error("expected error for empty session transcript")
	}
}

// The MAC tag must equal a reference HMAC-SHA-256 computed from
// HKDF(ECDH, salt=SHA-256(transcript), info="EMacKey") over the hand-built
// MAC structure.
func TestDeviceMacReference(t *testing.T) {
	devicePriv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	readerPriv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	sessionTranscript := []byte("fixed session transcript")
	payload := []byte("device authentication bytes")

	eMacKey, err := DeriveEMacKey(devicePriv, readerPriv.PublicKey(), sessionTranscript)
	if err != nil {
		t.Fatal(err)
	}

	deviceMac := NewDeviceMac0()
	deviceMac.Payload = payload
	if err := deviceMac.CreateTag(eMacKey, nil); err != nil {
		t.Fatalf("CreateTag failed: %v", err)
	}

	// reference derivation, independent of DeriveEMacKey internals
	shared, err := readerPriv.ECDH(devicePriv.PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	salt := sha256.Sum256(sessionTranscript)
	refKey := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt[:], []byte("EMacKey")), refKey); err != nil {
		t.Fatal(err)
	}

	// MAC_structure with the hand-written protected header {1: 5}
	macStructure, err := codec.Marshal([]interface{}{
		"MAC0",
		cbor.RawMessage{0x43, 0xa1, 0x01, 0x05},
		[]byte{},
		payload,
	})
	if err != nil {
		t.Fatal(err)
	}
	ref := hmac.New(sha256.New, refKey)
	ref.Write(macStructure)

	if !bytes.Equal(deviceMac.Tag, ref.Sum(nil)) {
		t.Error("MAC tag does not match the reference HMAC")
	}

	if err := deviceMac.VerifyTag(eMacKey, nil); err != nil {
		t.Errorf("VerifyTag failed: %v", err)
	}

	wrongKey := make([]byte, 32)
	if err := deviceMac.VerifyTag(wrongKey, nil); err == nil {
		t.Error("expected error for wrong MAC key")
	}
}

func TestMac0MarshalRoundTrip(t *testing.T) {
	deviceMac := NewDeviceMac0()
	deviceMac.Payload = []byte("payload")
	if err := deviceMac.CreateTag(bytes.Repeat([]byte{0x42}, 32), nil); err != nil {
		t.Fatal(err)
	}

	// detached payload on the wire
	deviceMac.Payload = nil
	encoded, err := codec.Marshal(deviceMac)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var decoded UntaggedMac0Message
	if err := codec.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Payload != nil {
		t.Error("detached payload must decode as nil")
	}
	if !bytes.Equal(decoded.Tag, deviceMac.Tag) {
		t.Error("tag changed across the round trip")
	}

	alg, err := decoded.Headers.Protected.Algorithm()
	if err != nil {
		t.Fatalf("failed to read algorithm: %v", err)
	}
	if alg != AlgorithmHMAC256 {
		t.Errorf("alg = %d, want %d", alg, AlgorithmHMAC256)
	}

	// reattach and verify
	decoded.Payload = []byte("payload")
	if err := decoded.VerifyTag(bytes.Repeat([]byte{0x42}, 32), nil); err != nil {
		t.Errorf("VerifyTag after round trip failed: %v", err)
	}
}
