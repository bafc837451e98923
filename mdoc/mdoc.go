// Package mdoc implements the mdoc data model of ISO/IEC 18013-5: the
// DeviceResponse envelope, issuer-signed namespaces with their Mobile
// Security Object digest commitments, and mdoc authentication.
package mdoc

import (
	"crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/x509"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"

	"github.com/kokukuma/mdoc-credential/pkg/codec"
	"github.com/kokukuma/mdoc-credential/pkg/hash"
)

type DocType string

type NameSpace string

type ElementIdentifier string

type ElementValue interface{}

const (
	// DeviceResponseVersion is the only version this package produces and
	// accepts.
	DeviceResponseVersion = "1.0"

	// MSOVersion is the MobileSecurityObject version.
	MSOVersion = "1.0"

	// StatusOK is the DeviceResponse status code for success.
	StatusOK uint = 0
)

type DeviceResponse struct {
	Version        string          `json:"version"`
	Documents      []Document      `json:"documents,omitempty"`
	DocumentErrors []DocumentError `json:"documentErrors,omitempty"`
	Status         uint            `json:"status"`
}

func (d *DeviceResponse) GetDocument(docType DocType) (*Document, error) {
	for i := range d.Documents {
		if d.Documents[i].DocType == docType {
			return &d.Documents[i], nil
		}
	}
	return nil, &ParseError{Msg: "failed to find doc: doctype=" + string(docType)}
}

type Document struct {
	DocType      DocType       `json:"docType"`
	IssuerSigned IssuerSigned  `json:"issuerSigned"`
	DeviceSigned *DeviceSigned `json:"deviceSigned,omitempty"`
	Errors       Errors        `json:"errors,omitempty"`
}

func (d *Document) GetElementValue(namespace NameSpace, elementIdentifier ElementIdentifier) (ElementValue, error) {
	return d.IssuerSigned.GetElementValue(namespace, elementIdentifier)
}

// IssuerSignedDocument is a document as handed out by the issuer, before
// any device binding: the OID4VCI §A.2.4 payload plus its docType.
type IssuerSignedDocument struct {
	DocType      DocType
	IssuerSigned IssuerSigned
}

// IntoDocument wraps the issuer-signed part for carriage in a
// DeviceResponse without device authentication.
func (d *IssuerSignedDocument) IntoDocument() Document {
	return Document{
		DocType:      d.DocType,
		IssuerSigned: d.IssuerSigned,
	}
}

func (d *IssuerSignedDocument) GetElementValue(namespace NameSpace, elementIdentifier ElementIdentifier) (ElementValue, error) {
	return d.IssuerSigned.GetElementValue(namespace, elementIdentifier)
}

type IssuerSigned struct {
	NameSpaces IssuerNameSpaces          `json:"nameSpaces,omitempty"`
	IssuerAuth cose.UntaggedSign1Message `json:"issuerAuth"`
}

func (i *IssuerSigned) GetNameSpaces() []NameSpace {
	nss := []NameSpace{}
	for ns := range i.NameSpaces {
		nss = append(nss, ns)
	}
	return nss
}

func (i *IssuerSigned) GetIssuerSignedItems(ns NameSpace) ([]IssuerSignedItem, error) {
	isis := []IssuerSignedItem{}

	if len(i.NameSpaces[ns]) == 0 {
		return nil, &ParseError{Msg: "no such namespace: " + string(ns)}
	}
	for _, b := range i.NameSpaces[ns] {
		isi, err := b.IssuerSignedItem()
		if err != nil {
			return nil, &ParseError{Msg: "failed to parse issuerSignedItem", Err: err}
		}
		isis = append(isis, *isi)
	}
	return isis, nil
}

func (i *IssuerSigned) GetElementValue(namespace NameSpace, elementIdentifier ElementIdentifier) (ElementValue, error) {
	itemBytes, exists := i.NameSpaces[namespace]
	if !exists {
		return nil, &ParseError{Msg: "namespace " + string(namespace) + " not found"}
	}

	for _, ib := range itemBytes {
		item, err := ib.IssuerSignedItem()
		if err != nil {
			return nil, &ParseError{Msg: "failed to get issuer signed item", Err: err}
		}
		if item.ElementIdentifier == elementIdentifier {
			if tag, ok := item.ElementValue.(cbor.Tag); ok {
				return tag.Content, nil
			}
			return item.ElementValue, nil
		}
	}
	return nil, &ParseError{Msg: "element " + string(elementIdentifier) + " not found in namespace " + string(namespace)}
}

func (i *IssuerSigned) GetIssuerAuth() cose.UntaggedSign1Message {
	return i.IssuerAuth
}

func (i *IssuerSigned) Alg() (cose.Algorithm, error) {
	if i.IssuerAuth.Headers.Protected == nil {
		return 0, &ParseError{Msg: "protected header is nil"}
	}
	return i.IssuerAuth.Headers.Protected.Algorithm()
}

func (i *IssuerSigned) DocumentSigningKey() (crypto.PublicKey, error) {
	certificate, err := i.DocumentSigningCertificate()
	if err != nil {
		return nil, err
	}

	switch pub := certificate.PublicKey.(type) {
	case *ecdsa.PublicKey:
		return pub, nil
	case ed25519.PublicKey:
		return pub, nil
	}
	return nil, &CryptoError{Msg: "unsupported document signing key type"}
}

func (i *IssuerSigned) DocumentSigningCertificate() (*x509.Certificate, error) {
	certificates, err := i.DocumentSigningCertificateChain()
	if err != nil {
		return nil, err
	}
	return certificates[0], nil
}

func (i *IssuerSigned) DocumentSigningCertificateChain() ([]*x509.Certificate, error) {
	if i.IssuerAuth.Headers.Unprotected == nil {
		return nil, &ParseError{Msg: "missing unprotected headers"}
	}

	rawX5Chain, ok := i.IssuerAuth.Headers.Unprotected[cose.HeaderLabelX5Chain]
	if !ok {
		return nil, &ParseError{Msg: "x5chain not found in unprotected headers"}
	}

	var rawX5ChainBytes [][]byte
	switch v := rawX5Chain.(type) {
	case [][]byte:
		rawX5ChainBytes = v
	case []byte:
		rawX5ChainBytes = [][]byte{v}
	case []interface{}:
		for _, c := range v {
			cb, ok := c.([]byte)
			if !ok {
				return nil, &ParseError{Msg: "unexpected x5chain element type"}
			}
			rawX5ChainBytes = append(rawX5ChainBytes, cb)
		}
	default:
		return nil, &ParseError{Msg: "unexpected x5chain type"}
	}

	if len(rawX5ChainBytes) == 0 {
		return nil, &ParseError{Msg: "empty x5chain"}
	}

	certs := make([]*x509.Certificate, 0, len(rawX5ChainBytes))
	for _, certData := range rawX5ChainBytes {
		cert, err := x509.ParseCertificate(certData)
		if err != nil {
			return nil, &ParseError{Msg: "error parsing certificate", Err: err}
		}
		certs = append(certs, cert)
	}

	return certs, nil
}

func (i *IssuerSigned) MobileSecurityObject() (*MobileSecurityObject, error) {
	if i.IssuerAuth.Payload == nil {
		return nil, &ParseError{Msg: "missing issuerAuth payload"}
	}

	content, err := codec.UntagBytes(i.IssuerAuth.Payload)
	if err != nil {
		return nil, &ParseError{Msg: "failed to unwrap MSO payload", Err: err}
	}

	var mso MobileSecurityObject
	if err := codec.Unmarshal(content, &mso); err != nil {
		return nil, &ParseError{Msg: "failed to unmarshal MSO", Err: err}
	}

	return &mso, nil
}

type IssuerNameSpaces map[NameSpace][]IssuerSignedItemBytes

// IssuerSignedItemBytes holds the encoded IssuerSignedItem exactly as it
// appeared inside its #6.24 wrapper on the wire. Digests are computed over
// the re-tagged form, so these bytes must never be re-encoded.
type IssuerSignedItemBytes []byte

func (i IssuerSignedItemBytes) MarshalCBOR() ([]byte, error) {
	return codec.Tag24(i)
}

func (i *IssuerSignedItemBytes) UnmarshalCBOR(data []byte) error {
	inner, err := codec.UntagBytes(data)
	if err != nil {
		return err
	}
	*i = inner
	return nil
}

// TaggedBytes returns the #6.24(bstr) wrapping, the exact digest input.
func (i IssuerSignedItemBytes) TaggedBytes() ([]byte, error) {
	return codec.Tag24(i)
}

func (i IssuerSignedItemBytes) IssuerSignedItem() (*IssuerSignedItem, error) {
	if len(i) == 0 {
		return nil, &ParseError{Msg: "empty issuer signed item bytes"}
	}
	var item IssuerSignedItem
	if err := codec.Unmarshal(i, &item); err != nil {
		return nil, &ParseError{Msg: "failed to unmarshal issuer signed item", Err: err}
	}
	item.rawBytes = i
	return &item, nil
}

// Digest hashes the tagged item bytes with the MSO's digest algorithm.
func (i IssuerSignedItemBytes) Digest(alg string) ([]byte, error) {
	tagged, err := i.TaggedBytes()
	if err != nil {
		return nil, err
	}
	return hash.Digest(tagged, alg)
}

type IssuerSignedItem struct {
	DigestID          DigestID          `json:"digestID"`
	Random            []byte            `json:"random"`
	ElementIdentifier ElementIdentifier `json:"elementIdentifier"`
	ElementValue      ElementValue      `json:"elementValue"`
	rawBytes          IssuerSignedItemBytes
}

// Bytes returns the encoded form the item arrived in, encoding it fresh
// only for items that were built locally and never serialised.
func (i *IssuerSignedItem) Bytes() (IssuerSignedItemBytes, error) {
	if i.rawBytes != nil {
		return i.rawBytes, nil
	}
	b, err := codec.Marshal(i)
	if err != nil {
		return nil, err
	}
	return IssuerSignedItemBytes(b), nil
}

func (i *IssuerSignedItem) Digest(alg string) ([]byte, error) {
	if i == nil {
		return nil, &ParseError{Msg: "issuer signed item is nil"}
	}
	b, err := i.Bytes()
	if err != nil {
		return nil, err
	}
	return b.Digest(alg)
}

type MobileSecurityObject struct {
	Version         string        `json:"version"`
	DigestAlgorithm string        `json:"digestAlgorithm"`
	ValueDigests    ValueDigests  `json:"valueDigests"`
	DeviceKeyInfo   DeviceKeyInfo `json:"deviceKeyInfo"`
	DocType         DocType       `json:"docType"`
	ValidityInfo    ValidityInfo  `json:"validityInfo"`
}

func (m *MobileSecurityObject) GetDocType() DocType {
	return m.DocType
}

func (m *MobileSecurityObject) DigestAlg() string {
	return m.DigestAlgorithm
}

func (m *MobileSecurityObject) GetValidityInfo() ValidityInfo {
	return m.ValidityInfo
}

func (m *MobileSecurityObject) DeviceKey() (*ecdsa.PublicKey, error) {
	if m == nil || m.DeviceKeyInfo.DeviceKey == nil {
		return nil, &ParseError{Msg: "device key not available"}
	}
	return m.DeviceKeyInfo.DeviceKey.PublicKey()
}

// DeviceKeyECDH returns the device key in ECDH form for EMacKey derivation.
func (m *MobileSecurityObject) DeviceKeyECDH() (*ecdh.PublicKey, error) {
	pub, err := m.DeviceKey()
	if err != nil {
		return nil, err
	}
	ecdhPub, err := pub.ECDH()
	if err != nil {
		return nil, &CryptoError{Msg: "failed to convert device key for ECDH", Err: err}
	}
	return ecdhPub, nil
}

func (m *MobileSecurityObject) GetDigest(ns NameSpace, digestID DigestID) (Digest, error) {
	digests, ok := m.ValueDigests[ns]
	if !ok {
		return nil, &IntegrityError{Msg: "value digests not found: " + string(ns)}
	}
	digest, ok := digests[digestID]
	if !ok {
		return nil, &IntegrityError{Msg: "digest not found in namespace " + string(ns)}
	}
	return digest, nil
}

func (m *MobileSecurityObject) KeyAuthorizations() (*KeyAuthorizations, error) {
	if m == nil || m.DeviceKeyInfo.KeyAuthorizations == nil {
		return nil, &ParseError{Msg: "device key authorizations not available"}
	}
	return m.DeviceKeyInfo.KeyAuthorizations, nil
}

type DeviceKeyInfo struct {
	DeviceKey         *COSEKey           `json:"deviceKey"`
	KeyAuthorizations *KeyAuthorizations `json:"keyAuthorizations,omitempty"`
	KeyInfo           *KeyInfo           `json:"keyInfo,omitempty"`
}

type COSEKey struct {
	Kty       int             `cbor:"1,keyasint,omitempty"`
	Kid       []byte          `cbor:"2,keyasint,omitempty"`
	Alg       int             `cbor:"3,keyasint,omitempty"`
	KeyOpts   int             `cbor:"4,keyasint,omitempty"`
	IV        []byte          `cbor:"5,keyasint,omitempty"`
	CrvOrNOrK cbor.RawMessage `cbor:"-1,keyasint,omitempty"` // K for symmetric keys, Crv for elliptic curve keys, N for RSA modulus
	XOrE      cbor.RawMessage `cbor:"-2,keyasint,omitempty"` // X for curve x-coordinate, E for RSA public exponent
	Y         cbor.RawMessage `cbor:"-3,keyasint,omitempty"` // Y for curve y-coordinate
	D         []byte          `cbor:"-4,keyasint,omitempty"`
}

// RFC 8152 Table 21 curve identifiers.
const (
	P256          = 1
	P384          = 2
	P521          = 3
	BrainpoolP256 = 8
	BrainpoolP384 = 9
	BrainpoolP512 = 10
)

const coseKeyTypeEC2 = 2

// NewCOSEKeyFromECDSA builds the EC2 COSE_Key for an ECDSA public key.
func NewCOSEKeyFromECDSA(pub *ecdsa.PublicKey) (*COSEKey, error) {
	if pub == nil {
		return nil, &CryptoError{Msg: "nil public key"}
	}

	var crv int
	switch pub.Curve {
	case elliptic.P256():
		crv = P256
	case elliptic.P384():
		crv = P384
	case elliptic.P521():
		crv = P521
	default:
		return nil, &CryptoError{Msg: "unsupported curve: " + pub.Curve.Params().Name}
	}

	size := (pub.Curve.Params().BitSize + 7) / 8
	crvRaw, err := codec.Marshal(crv)
	if err != nil {
		return nil, err
	}
	xRaw, err := codec.Marshal(pub.X.FillBytes(make([]byte, size)))
	if err != nil {
		return nil, err
	}
	yRaw, err := codec.Marshal(pub.Y.FillBytes(make([]byte, size)))
	if err != nil {
		return nil, err
	}

	return &COSEKey{
		Kty:       coseKeyTypeEC2,
		CrvOrNOrK: crvRaw,
		XOrE:      xRaw,
		Y:         yRaw,
	}, nil
}

// PublicKey converts an EC2 COSE_Key into an ECDSA public key.
func (k *COSEKey) PublicKey() (*ecdsa.PublicKey, error) {
	if k == nil {
		return nil, &ParseError{Msg: "cose key is nil"}
	}

	var crv int
	if err := codec.Unmarshal(k.CrvOrNOrK, &crv); err != nil {
		return nil, &ParseError{Msg: "failed to unmarshal curve", Err: err}
	}

	var xBytes []byte
	if err := codec.Unmarshal(k.XOrE, &xBytes); err != nil {
		return nil, &ParseError{Msg: "failed to unmarshal X coordinate", Err: err}
	}

	var yBytes []byte
	if err := codec.Unmarshal(k.Y, &yBytes); err != nil {
		return nil, &ParseError{Msg: "failed to unmarshal Y coordinate", Err: err}
	}

	if len(xBytes) == 0 || len(yBytes) == 0 {
		return nil, &ParseError{Msg: "invalid coordinates"}
	}

	var curve elliptic.Curve
	switch crv {
	case P256:
		curve = elliptic.P256()
	case P384:
		curve = elliptic.P384()
	case P521:
		curve = elliptic.P521()
	default:
		return nil, &CryptoError{Msg: "unsupported curve"}
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}

type KeyAuthorizations struct {
	NameSpaces   []NameSpace                       `cbor:"nameSpaces,omitempty"`
	DataElements map[NameSpace][]ElementIdentifier `cbor:"dataElements,omitempty"`
}

// Permit reports whether the device key is authorized to sign the element.
func (k *KeyAuthorizations) Permit(ns NameSpace, id ElementIdentifier) bool {
	if k == nil {
		return false
	}
	for _, authorized := range k.NameSpaces {
		if authorized == ns {
			return true
		}
	}
	for _, authorized := range k.DataElements[ns] {
		if authorized == id {
			return true
		}
	}
	return false
}

type KeyInfo map[int]interface{}

type ValueDigests map[NameSpace]DigestIDs

type DigestIDs map[DigestID]Digest

type DigestID uint32

type Digest []byte

type ValidityInfo struct {
	Signed         time.Time  `json:"signed"`
	ValidFrom      time.Time  `json:"validFrom"`
	ValidUntil     time.Time  `json:"validUntil"`
	ExpectedUpdate *time.Time `json:"expectedUpdate,omitempty"`
}

type DeviceSigned struct {
	NameSpaces DeviceNameSpacesBytes `json:"nameSpaces"`
	DeviceAuth DeviceAuth            `json:"deviceAuth"`
}

// DeviceNameSpacesBytes carries the encoded DeviceNameSpaces map inside a
// #6.24 wrapper, raw bytes retained like issuer signed items.
type DeviceNameSpacesBytes []byte

func (d DeviceNameSpacesBytes) MarshalCBOR() ([]byte, error) {
	return codec.Tag24(d)
}

func (d *DeviceNameSpacesBytes) UnmarshalCBOR(data []byte) error {
	inner, err := codec.UntagBytes(data)
	if err != nil {
		return err
	}
	*d = inner
	return nil
}

type DeviceNameSpaces map[NameSpace]DeviceSignedItems

type DeviceSignedItems map[ElementIdentifier]ElementValue

func (d *DeviceSigned) Alg() (cose.Algorithm, error) {
	if d == nil || d.DeviceAuth.DeviceSignature == nil {
		return 0, &ParseError{Msg: "device signature not available"}
	}
	if d.DeviceAuth.DeviceSignature.Headers.Protected == nil {
		return 0, &ParseError{Msg: "protected headers not available"}
	}
	return d.DeviceAuth.DeviceSignature.Headers.Protected.Algorithm()
}

func (d *DeviceSigned) DeviceAuthMac() *UntaggedMac0Message {
	return d.DeviceAuth.DeviceMac
}

func (d *DeviceSigned) DeviceAuthSignature() *cose.UntaggedSign1Message {
	return d.DeviceAuth.DeviceSignature
}

// DeviceAuthenticationBytes builds the detached payload of 18013-5 9.1.3:
// #6.24(["DeviceAuthentication", SessionTranscript, docType,
// DeviceNameSpacesBytes]).
func (d *DeviceSigned) DeviceAuthenticationBytes(docType DocType, sessionTranscript []byte) ([]byte, error) {
	if d == nil {
		return nil, &ParseError{Msg: "device signed is nil"}
	}
	return DeviceAuthenticationBytes(docType, d.NameSpaces, sessionTranscript)
}

// DeviceAuthenticationBytes is shared by the holder building device auth
// and the verifier reconstructing it.
func DeviceAuthenticationBytes(docType DocType, nameSpaces DeviceNameSpacesBytes, sessionTranscript []byte) ([]byte, error) {
	if len(sessionTranscript) == 0 {
		return nil, &ParseError{Msg: "session transcript is empty"}
	}

	deviceAuthentication := []interface{}{
		"DeviceAuthentication",
		cbor.RawMessage(sessionTranscript),
		docType,
		nameSpaces,
	}

	da, err := codec.Marshal(deviceAuthentication)
	if err != nil {
		return nil, &ParseError{Msg: "failed to marshal device authentication", Err: err}
	}

	return codec.Tag24(da)
}

func (d *DeviceSigned) DeviceNameSpaces() (DeviceNameSpaces, error) {
	if d.NameSpaces == nil {
		return nil, &ParseError{Msg: "device name spaces bytes is nil"}
	}

	var nameSpaces DeviceNameSpaces
	if err := codec.Unmarshal(d.NameSpaces, &nameSpaces); err != nil {
		return nil, &ParseError{Msg: "failed to unmarshal device name spaces", Err: err}
	}

	return nameSpaces, nil
}

// EmptyDeviceNameSpacesBytes encodes the empty DeviceNameSpaces map.
func EmptyDeviceNameSpacesBytes() (DeviceNameSpacesBytes, error) {
	b, err := codec.Marshal(DeviceNameSpaces{})
	if err != nil {
		return nil, err
	}
	return DeviceNameSpacesBytes(b), nil
}

type DeviceAuth struct {
	DeviceSignature *cose.UntaggedSign1Message `json:"deviceSignature,omitempty"`
	DeviceMac       *UntaggedMac0Message       `json:"deviceMac,omitempty"`
}

type DocumentError map[DocType]ErrorCode

type Errors map[NameSpace]ErrorItems

type ErrorItems map[ElementIdentifier]ErrorCode

type ErrorCode int
