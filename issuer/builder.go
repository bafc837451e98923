// Package issuer builds and signs mdoc documents: issuer signed items with
// fresh salts, the MSO digest commitment, and the IssuerAuth COSE_Sign1.
package issuer

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/binary"
	"sort"
	"time"

	"github.com/veraison/go-cose"

	"github.com/kokukuma/mdoc-credential/mdoc"
	"github.com/kokukuma/mdoc-credential/pkg/codec"
	"github.com/kokukuma/mdoc-credential/pkg/hash"
)

const saltLength = 16

type element struct {
	id    mdoc.ElementIdentifier
	value mdoc.ElementValue
}

type namespaceEntry struct {
	ns       mdoc.NameSpace
	elements []element
}

// DocumentBuilder accumulates the content of one document. Methods chain;
// the first configuration error is kept and reported by Sign.
type DocumentBuilder struct {
	docType    mdoc.DocType
	namespaces []namespaceEntry
	digestAlg  string
	validity   *mdoc.ValidityInfo
	deviceKey  *mdoc.COSEKey
	err        error
}

// NewDocument starts a builder for docType with empty namespaces.
func NewDocument(docType mdoc.DocType) *DocumentBuilder {
	return &DocumentBuilder{docType: docType}
}

// AddIssuerNameSpace appends data elements to a namespace. The elements of
// one call are ordered by identifier so repeated builds list them in the
// same order.
func (b *DocumentBuilder) AddIssuerNameSpace(ns mdoc.NameSpace, values map[mdoc.ElementIdentifier]mdoc.ElementValue) *DocumentBuilder {
	ids := make([]mdoc.ElementIdentifier, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for i := range b.namespaces {
		if b.namespaces[i].ns == ns {
			for _, id := range ids {
				b.namespaces[i].elements = append(b.namespaces[i].elements, element{id: id, value: values[id]})
			}
			return b
		}
	}

	entry := namespaceEntry{ns: ns}
	for _, id := range ids {
		entry.elements = append(entry.elements, element{id: id, value: values[id]})
	}
	b.namespaces = append(b.namespaces, entry)
	return b
}

// UseDigestAlgorithm selects the MSO digest algorithm; required before Sign.
func (b *DocumentBuilder) UseDigestAlgorithm(alg string) *DocumentBuilder {
	if !hash.Supported(alg) {
		b.fail("unsupported digest algorithm: " + alg)
		return b
	}
	b.digestAlg = alg
	return b
}

// AddValidityInfo sets the validity window. ValidFrom defaults to Signed,
// ValidUntil to Signed plus one year.
func (b *DocumentBuilder) AddValidityInfo(info mdoc.ValidityInfo) *DocumentBuilder {
	if info.Signed.IsZero() {
		b.fail("validity info requires a signed date")
		return b
	}
	if info.ValidFrom.IsZero() {
		info.ValidFrom = info.Signed
	}
	if info.ValidUntil.IsZero() {
		info.ValidUntil = info.Signed.AddDate(1, 0, 0)
	}
	if info.Signed.After(info.ValidFrom) || info.ValidFrom.After(info.ValidUntil) {
		b.fail("validity info requires signed <= validFrom <= validUntil")
		return b
	}
	b.validity = &info
	return b
}

// AddDeviceKeyInfo binds the credential to the holder's device key. The key
// may be a *mdoc.COSEKey, *ecdsa.PublicKey, *ecdsa.PrivateKey,
// *jose.JSONWebKey, or a JWK map.
func (b *DocumentBuilder) AddDeviceKeyInfo(key interface{}) *DocumentBuilder {
	coseKey, err := toCOSEKey(key)
	if err != nil {
		if b.err == nil {
			b.err = err
		}
		return b
	}
	b.deviceKey = coseKey
	return b
}

func (b *DocumentBuilder) fail(msg string) {
	if b.err == nil {
		b.err = &mdoc.BuilderError{Msg: msg}
	}
}

// SignOptions configures Sign. Exactly one of IssuerPrivateKey and Signer
// must be set.
type SignOptions struct {
	IssuerPrivateKey crypto.Signer
	Signer           Signer
	Certificates     []*x509.Certificate
	Alg              cose.Algorithm
	KeyID            []byte
}

// Sign freezes the builder content into an IssuerSignedDocument: items get
// fresh salts and digest IDs, the MSO commits to their digests, and the
// IssuerAuth is signed with the issuer key or the external signer.
func (b *DocumentBuilder) Sign(opts SignOptions) (*mdoc.IssuerSignedDocument, error) {
	if b.err != nil {
		return nil, b.err
	}
	if opts.IssuerPrivateKey != nil && opts.Signer != nil {
		return nil, &mdoc.BuilderError{Msg: "cannot provide both issuerPrivateKey and signer"}
	}
	if opts.IssuerPrivateKey == nil && opts.Signer == nil {
		return nil, &mdoc.BuilderError{Msg: "either issuerPrivateKey or signer must be provided"}
	}
	if b.digestAlg == "" {
		return nil, &mdoc.BuilderError{Msg: "digest algorithm must be set before signing"}
	}
	if b.validity == nil {
		return nil, &mdoc.BuilderError{Msg: "validity info must be set before signing"}
	}
	if b.deviceKey == nil {
		return nil, &mdoc.BuilderError{Msg: "device key info must be set before signing"}
	}
	if len(b.namespaces) == 0 {
		return nil, &mdoc.BuilderError{Msg: "at least one issuer namespace is required"}
	}
	if len(opts.Certificates) == 0 {
		return nil, &mdoc.BuilderError{Msg: "issuer certificate is required"}
	}
	if opts.Alg == 0 {
		return nil, &mdoc.BuilderError{Msg: "signature algorithm is required"}
	}

	nameSpaces := mdoc.IssuerNameSpaces{}
	valueDigests := mdoc.ValueDigests{}

	for _, entry := range b.namespaces {
		digests := mdoc.DigestIDs{}
		for _, elem := range entry.elements {
			digestID, err := newDigestID(digests)
			if err != nil {
				return nil, err
			}

			salt := make([]byte, saltLength)
			if _, err := rand.Read(salt); err != nil {
				return nil, &mdoc.CryptoError{Msg: "failed to generate item salt", Err: err}
			}

			item := mdoc.IssuerSignedItem{
				DigestID:          digestID,
				Random:            salt,
				ElementIdentifier: elem.id,
				ElementValue:      elem.value,
			}
			encoded, err := codec.Marshal(item)
			if err != nil {
				return nil, &mdoc.BuilderError{Msg: "failed to encode issuer signed item: " + err.Error()}
			}
			itemBytes := mdoc.IssuerSignedItemBytes(encoded)

			digest, err := itemBytes.Digest(b.digestAlg)
			if err != nil {
				return nil, err
			}

			nameSpaces[entry.ns] = append(nameSpaces[entry.ns], itemBytes)
			digests[digestID] = digest
		}
		valueDigests[entry.ns] = digests
	}

	mso := mdoc.MobileSecurityObject{
		Version:         mdoc.MSOVersion,
		DigestAlgorithm: b.digestAlg,
		ValueDigests:    valueDigests,
		DeviceKeyInfo: mdoc.DeviceKeyInfo{
			DeviceKey: b.deviceKey,
		},
		DocType:      b.docType,
		ValidityInfo: *b.validity,
	}

	msoBytes, err := codec.Marshal(&mso)
	if err != nil {
		return nil, &mdoc.BuilderError{Msg: "failed to encode MSO: " + err.Error()}
	}
	payload, err := codec.Tag24(msoBytes)
	if err != nil {
		return nil, &mdoc.BuilderError{Msg: "failed to wrap MSO payload: " + err.Error()}
	}

	unprotected := cose.UnprotectedHeader{
		cose.HeaderLabelX5Chain: x5chainValue(opts.Certificates),
	}
	if len(opts.KeyID) > 0 {
		unprotected[cose.HeaderLabelKeyID] = opts.KeyID
	}

	issuerAuth := cose.UntaggedSign1Message{
		Headers: cose.Headers{
			Protected: cose.ProtectedHeader{
				cose.HeaderLabelAlgorithm: opts.Alg,
			},
			Unprotected: unprotected,
		},
		Payload: payload,
	}

	coseSigner, err := resolveSigner(opts, issuerAuth.Headers, payload)
	if err != nil {
		return nil, err
	}

	if err := issuerAuth.Sign(rand.Reader, nil, coseSigner); err != nil {
		return nil, &mdoc.CryptoError{Msg: "failed to sign issuer auth", Err: err}
	}

	return &mdoc.IssuerSignedDocument{
		DocType: b.docType,
		IssuerSigned: mdoc.IssuerSigned{
			NameSpaces: nameSpaces,
			IssuerAuth: issuerAuth,
		},
	}, nil
}

// newDigestID draws uniform random 32-bit IDs until one is unused in the
// namespace.
func newDigestID(used mdoc.DigestIDs) (mdoc.DigestID, error) {
	for attempt := 0; attempt < 100; attempt++ {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, &mdoc.CryptoError{Msg: "failed to generate digest ID", Err: err}
		}
		id := mdoc.DigestID(binary.BigEndian.Uint32(buf[:]))
		if _, exists := used[id]; !exists {
			return id, nil
		}
	}
	return 0, &mdoc.BuilderError{Msg: "digest ID collision in namespace"}
}

func x5chainValue(certs []*x509.Certificate) interface{} {
	if len(certs) == 1 {
		return certs[0].Raw
	}
	chain := make([][]byte, 0, len(certs))
	for _, cert := range certs {
		chain = append(chain, cert.Raw)
	}
	return chain
}

// ValidityFor is a convenience for the common window: signed at the given
// time and valid from then for the given duration.
func ValidityFor(signed time.Time, duration time.Duration) mdoc.ValidityInfo {
	return mdoc.ValidityInfo{
		Signed:     signed,
		ValidFrom:  signed,
		ValidUntil: signed.Add(duration),
	}
}
