package mdoc

import (
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"
	"golang.org/x/crypto/hkdf"

	"github.com/kokukuma/mdoc-credential/pkg/codec"
)

// AlgorithmHMAC256 is the COSE algorithm identifier for HMAC 256/256
// (RFC 8152 Table 7); go-cose only defines signature algorithms.
const AlgorithmHMAC256 cose.Algorithm = 5

const emacKeyInfo = "EMacKey"

// UntaggedMac0Message is a COSE_Mac0 without the leading CBOR tag, the form
// deviceMac takes inside DeviceAuth. The payload is detached on the wire.
type UntaggedMac0Message struct {
	Headers cose.Headers
	Payload []byte
	Tag     []byte
}

type mac0Message struct {
	_           struct{} `cbor:",toarray"`
	Protected   cbor.RawMessage
	Unprotected cbor.RawMessage
	Payload     []byte
	Tag         []byte
}

// NewDeviceMac0 prepares a deviceMac message with the HMAC 256/256
// protected header.
func NewDeviceMac0() *UntaggedMac0Message {
	return &UntaggedMac0Message{
		Headers: cose.Headers{
			Protected: cose.ProtectedHeader{
				cose.HeaderLabelAlgorithm: AlgorithmHMAC256,
			},
		},
	}
}

func (m *UntaggedMac0Message) MarshalCBOR() ([]byte, error) {
	protected, err := m.Headers.MarshalProtected()
	if err != nil {
		return nil, err
	}
	unprotected, err := m.Headers.MarshalUnprotected()
	if err != nil {
		return nil, err
	}
	return codec.Marshal(mac0Message{
		Protected:   protected,
		Unprotected: unprotected,
		Payload:     m.Payload,
		Tag:         m.Tag,
	})
}

func (m *UntaggedMac0Message) UnmarshalCBOR(data []byte) error {
	var raw mac0Message
	if err := codec.Unmarshal(data, &raw); err != nil {
		return err
	}
	headers := cose.Headers{
		RawProtected:   raw.Protected,
		RawUnprotected: raw.Unprotected,
	}
	if err := headers.UnmarshalFromRaw(); err != nil {
		return err
	}
	m.Headers = headers
	m.Payload = raw.Payload
	m.Tag = raw.Tag
	return nil
}

// toBeMaced builds the RFC 8152 MAC_structure:
// ["MAC0", body_protected, external_aad, payload].
func (m *UntaggedMac0Message) toBeMaced(external []byte) ([]byte, error) {
	if m.Payload == nil {
		return nil, &CryptoError{Msg: "missing payload for MAC computation"}
	}
	protected, err := m.Headers.MarshalProtected()
	if err != nil {
		return nil, err
	}
	if external == nil {
		external = []byte{}
	}
	macStructure := []interface{}{
		"MAC0",
		cbor.RawMessage(protected),
		external,
		m.Payload,
	}
	return codec.Marshal(macStructure)
}

func (m *UntaggedMac0Message) checkAlgorithm() error {
	alg, err := m.Headers.Protected.Algorithm()
	if err != nil {
		return &ParseError{Msg: "failed to get MAC algorithm", Err: err}
	}
	if alg != AlgorithmHMAC256 {
		return &CryptoError{Msg: "unsupported MAC algorithm"}
	}
	return nil
}

// CreateTag computes the HMAC tag over the MAC structure with key.
func (m *UntaggedMac0Message) CreateTag(key, external []byte) error {
	if err := m.checkAlgorithm(); err != nil {
		return err
	}
	tbm, err := m.toBeMaced(external)
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(tbm)
	m.Tag = mac.Sum(nil)
	return nil
}

// VerifyTag recomputes the HMAC tag and compares in constant time.
func (m *UntaggedMac0Message) VerifyTag(key, external []byte) error {
	if err := m.checkAlgorithm(); err != nil {
		return err
	}
	tbm, err := m.toBeMaced(external)
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(tbm)
	if subtle.ConstantTimeCompare(mac.Sum(nil), m.Tag) != 1 {
		return &CryptoError{Msg: "device MAC invalid"}
	}
	return nil
}

// DeriveEMacKey derives the 18013-5 9.1.3.5 EMacKey: HKDF-SHA-256 over the
// ECDH shared secret with salt SHA-256(sessionTranscript) and info
// "EMacKey". The shared secret is scrubbed before returning.
func DeriveEMacKey(priv *ecdh.PrivateKey, pub *ecdh.PublicKey, sessionTranscript []byte) ([]byte, error) {
	if priv == nil || pub == nil {
		return nil, &CryptoError{Msg: "missing key material for EMacKey derivation"}
	}
	if len(sessionTranscript) == 0 {
		return nil, &CryptoError{Msg: "session transcript is empty"}
	}

	shared, err := priv.ECDH(pub)
	if err != nil {
		return nil, &CryptoError{Msg: "ECDH failed", Err: err}
	}

	salt := sha256.Sum256(sessionTranscript)
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt[:], []byte(emacKeyInfo)), key); err != nil {
		return nil, &CryptoError{Msg: "HKDF failed", Err: err}
	}

	for i := range shared {
		shared[i] = 0
	}
	return key, nil
}
