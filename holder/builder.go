// Package holder assembles OID4VP-bound DeviceResponses: it selectively
// discloses issuer signed items and authenticates the presentation with the
// device key.
package holder

import (
	"crypto"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"

	"github.com/veraison/go-cose"

	"github.com/kokukuma/mdoc-credential/document"
	"github.com/kokukuma/mdoc-credential/mdoc"
	"github.com/kokukuma/mdoc-credential/session_transcript"
)

// DeviceResponseBuilder carries one issuer document towards a presentation.
// Item bytes are kept exactly as they were issued so the MSO digests stay
// valid; disclosure only ever copies a subset.
type DeviceResponseBuilder struct {
	doc               *mdoc.IssuerSignedDocument
	selected          mdoc.IssuerNameSpaces
	sessionTranscript []byte

	signKey crypto.Signer
	signAlg cose.Algorithm

	macDeviceKey *ecdh.PrivateKey
	macReaderKey *ecdh.PublicKey

	err error
}

// FromDocument starts a presentation from an already-parsed document.
func FromDocument(doc *mdoc.IssuerSignedDocument) *DeviceResponseBuilder {
	b := &DeviceResponseBuilder{doc: doc}
	if doc == nil {
		b.err = &mdoc.BuilderError{Msg: "document is nil"}
	}
	return b
}

// FromIssuerSigned starts from a bare OID4VCI IssuerSigned payload.
func FromIssuerSigned(data []byte, docType mdoc.DocType) *DeviceResponseBuilder {
	doc, err := mdoc.ParseIssuerSigned(data, docType)
	if err != nil {
		return &DeviceResponseBuilder{err: err}
	}
	return FromDocument(doc)
}

// FromDeviceResponse starts from a stored DeviceResponse, picking the
// document of the given docType. The decoded item bytes are retained
// verbatim, never re-encoded.
func FromDeviceResponse(data []byte, docType mdoc.DocType) *DeviceResponseBuilder {
	deviceResponse, err := mdoc.ParseDeviceResponse(data)
	if err != nil {
		return &DeviceResponseBuilder{err: err}
	}
	doc, err := deviceResponse.GetDocument(docType)
	if err != nil {
		return &DeviceResponseBuilder{err: err}
	}
	return FromDocument(&mdoc.IssuerSignedDocument{
		DocType:      doc.DocType,
		IssuerSigned: doc.IssuerSigned,
	})
}

func (b *DeviceResponseBuilder) fail(err error) *DeviceResponseBuilder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// WithPresentationDefinition filters the disclosed items per the DIF PE
// constraints. With limit_disclosure "required" only requested
// namespace/element pairs survive; otherwise everything is disclosed.
func (b *DeviceResponseBuilder) WithPresentationDefinition(pd *document.PresentationDefinition) *DeviceResponseBuilder {
	if b.err != nil {
		return b
	}

	descriptor, ok := pd.DescriptorForDocType(b.doc.DocType)
	if !ok {
		return b.fail(&mdoc.BuilderError{Msg: "no input descriptor for doc type " + string(b.doc.DocType)})
	}

	if !descriptor.LimitsDisclosure() {
		b.selected = copyNameSpaces(b.doc.IssuerSigned.NameSpaces)
		return b
	}

	requested, err := descriptor.RequestedElements()
	if err != nil {
		return b.fail(&mdoc.BuilderError{Msg: "invalid field path: " + err.Error()})
	}

	selected := mdoc.IssuerNameSpaces{}
	for ns, items := range b.doc.IssuerSigned.NameSpaces {
		wanted := map[mdoc.ElementIdentifier]bool{}
		for _, id := range requested[ns] {
			wanted[id] = true
		}
		if len(wanted) == 0 {
			continue
		}
		for _, itemBytes := range items {
			item, err := itemBytes.IssuerSignedItem()
			if err != nil {
				return b.fail(err)
			}
			if wanted[item.ElementIdentifier] {
				selected[ns] = append(selected[ns], itemBytes)
			}
		}
	}
	b.selected = selected
	return b
}

// WithSessionTranscriptOID4VP binds the presentation to one OID4VP
// exchange.
func (b *DeviceResponseBuilder) WithSessionTranscriptOID4VP(mdocGeneratedNonce, clientID, responseURI string, verifierGeneratedNonce []byte) *DeviceResponseBuilder {
	if b.err != nil {
		return b
	}
	transcript, err := session_transcript.OID4VPHandover(verifierGeneratedNonce, clientID, responseURI, mdocGeneratedNonce)
	if err != nil {
		return b.fail(&mdoc.BuilderError{Msg: "failed to build session transcript: " + err.Error()})
	}
	b.sessionTranscript = transcript
	return b
}

// WithSessionTranscript accepts an externally built transcript.
func (b *DeviceResponseBuilder) WithSessionTranscript(transcript []byte) *DeviceResponseBuilder {
	if b.err != nil {
		return b
	}
	b.sessionTranscript = transcript
	return b
}

// AuthenticateWithSignature signs DeviceAuthentication with the device
// private key.
func (b *DeviceResponseBuilder) AuthenticateWithSignature(key crypto.Signer, alg cose.Algorithm) *DeviceResponseBuilder {
	if b.err != nil {
		return b
	}
	if b.macDeviceKey != nil {
		return b.fail(&mdoc.BuilderError{Msg: "device auth already configured"})
	}
	b.signKey = key
	b.signAlg = alg
	return b
}

// AuthenticateWithMAC MACs DeviceAuthentication with the EMacKey derived
// from ECDH between the device key and the reader's ephemeral key.
func (b *DeviceResponseBuilder) AuthenticateWithMAC(deviceKey *ecdh.PrivateKey, readerPub *ecdh.PublicKey) *DeviceResponseBuilder {
	if b.err != nil {
		return b
	}
	if b.signKey != nil {
		return b.fail(&mdoc.BuilderError{Msg: "device auth already configured"})
	}
	b.macDeviceKey = deviceKey
	b.macReaderKey = readerPub
	return b
}

// Sign assembles the DeviceSignedDocument and wraps it in a
// DeviceResponse.
func (b *DeviceResponseBuilder) Sign() (*mdoc.DeviceResponse, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.sessionTranscript) == 0 {
		return nil, &mdoc.BuilderError{Msg: "session transcript must be set before signing"}
	}
	if b.signKey == nil && b.macDeviceKey == nil {
		return nil, &mdoc.BuilderError{Msg: "device authentication must be configured before signing"}
	}

	nameSpaces := b.selected
	if nameSpaces == nil {
		nameSpaces = copyNameSpaces(b.doc.IssuerSigned.NameSpaces)
	}

	deviceNameSpaces, err := mdoc.EmptyDeviceNameSpacesBytes()
	if err != nil {
		return nil, err
	}

	authBytes, err := mdoc.DeviceAuthenticationBytes(b.doc.DocType, deviceNameSpaces, b.sessionTranscript)
	if err != nil {
		return nil, err
	}

	var deviceAuth mdoc.DeviceAuth
	switch {
	case b.signKey != nil:
		signature, err := b.signDeviceAuth(authBytes)
		if err != nil {
			return nil, err
		}
		deviceAuth.DeviceSignature = signature
	default:
		deviceMac, err := b.macDeviceAuth(authBytes)
		if err != nil {
			return nil, err
		}
		deviceAuth.DeviceMac = deviceMac
	}

	doc := mdoc.Document{
		DocType: b.doc.DocType,
		IssuerSigned: mdoc.IssuerSigned{
			NameSpaces: nameSpaces,
			IssuerAuth: b.doc.IssuerSigned.IssuerAuth,
		},
		DeviceSigned: &mdoc.DeviceSigned{
			NameSpaces: deviceNameSpaces,
			DeviceAuth: deviceAuth,
		},
	}

	return mdoc.NewDeviceResponse(doc), nil
}

func (b *DeviceResponseBuilder) signDeviceAuth(authBytes []byte) (*cose.UntaggedSign1Message, error) {
	signer, err := cose.NewSigner(b.signAlg, b.signKey)
	if err != nil {
		return nil, &mdoc.CryptoError{Msg: "failed to create device signer", Err: err}
	}

	msg := cose.UntaggedSign1Message{
		Headers: cose.Headers{
			Protected: cose.ProtectedHeader{
				cose.HeaderLabelAlgorithm: b.signAlg,
			},
		},
		Payload: authBytes,
	}
	if err := msg.Sign(rand.Reader, nil, signer); err != nil {
		return nil, &mdoc.CryptoError{Msg: "failed to sign device authentication", Err: err}
	}

	// detached payload on the wire
	msg.Payload = nil
	return &msg, nil
}

func (b *DeviceResponseBuilder) macDeviceAuth(authBytes []byte) (*mdoc.UntaggedMac0Message, error) {
	eMacKey, err := mdoc.DeriveEMacKey(b.macDeviceKey, b.macReaderKey, b.sessionTranscript)
	if err != nil {
		return nil, err
	}
	defer func() {
		for i := range eMacKey {
			eMacKey[i] = 0
		}
	}()

	deviceMac := mdoc.NewDeviceMac0()
	deviceMac.Payload = authBytes
	if err := deviceMac.CreateTag(eMacKey, nil); err != nil {
		return nil, err
	}
	deviceMac.Payload = nil
	return deviceMac, nil
}

func copyNameSpaces(src mdoc.IssuerNameSpaces) mdoc.IssuerNameSpaces {
	dst := mdoc.IssuerNameSpaces{}
	for ns, items := range src {
		dst[ns] = append([]mdoc.IssuerSignedItemBytes(nil), items...)
	}
	return dst
}

// GenerateMdocNonce draws the mdoc-generated nonce carried in the APU of
// the OID4VP response (base64url, no padding).
func GenerateMdocNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", &mdoc.CryptoError{Msg: "failed to generate nonce", Err: err}
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
