package holder

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/veraison/go-cose"

	"github.com/kokukuma/mdoc-credential/document"
	"github.com/kokukuma/mdoc-credential/issuer"
	"github.com/kokukuma/mdoc-credential/mdoc"
	"github.com/kokukuma/mdoc-credential/pkg/codec"
	"github.com/kokukuma/mdoc-credential/session_transcript"
)

const (
	testClientID    = "example-verifier"
	testResponseURI = "https://verifier.example.com/response"
	testMdocNonce   = "bWRvYy1nZW5lcmF0ZWQtbm9uY2U"
)

var testVerifierNonce = []byte("verifier-generated-nonce")

func ecdsaEphemeral() (*ecdh.PrivateKey, error) {
	return ecdh.P256().GenerateKey(rand.Reader)
}

type testSetup struct {
	roots     *x509.CertPool
	doc       *mdoc.IssuerSignedDocument
	deviceKey *ecdsa.PrivateKey
}

func newTestSetup(t *testing.T) *testSetup {
	t.Helper()

	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test IACA Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, &rootKey.PublicKey, rootKey)
	require.NoError(t, err)
	rootCert, err := x509.ParseCertificate(rootDER)
	require.NoError(t, err)

	dsKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	dsTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Test Document Signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(5, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	dsDER, err := x509.CreateCertificate(rand.Reader, dsTemplate, rootCert, &dsKey.PublicKey, rootKey)
	require.NoError(t, err)
	dsCert, err := x509.ParseCertificate(dsDER)
	require.NoError(t, err)

	deviceKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	doc, err := issuer.NewDocument(document.IsoMDL).
		AddIssuerNameSpace(document.ISO1801351, map[mdoc.ElementIdentifier]mdoc.ElementValue{
			document.IsoGivenName:  "John",
			document.IsoFamilyName: "Doe",
			document.IsoBirthDate:  codec.FullDate("1990-01-01"),
		}).
		UseDigestAlgorithm("SHA-256").
		AddValidityInfo(mdoc.ValidityInfo{Signed: time.Now().UTC().Truncate(time.Second)}).
		AddDeviceKeyInfo(&deviceKey.PublicKey).
		Sign(issuer.SignOptions{
			IssuerPrivateKey: dsKey,
			Certificates:     []*x509.Certificate{dsCert},
			Alg:              cose.AlgorithmES256,
		})
	require.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(rootCert)

	return &testSetup{roots: roots, doc: doc, deviceKey: deviceKey}
}

func testTranscript(t *testing.T) []byte {
	t.Helper()
	transcript, err := session_transcript.OID4VPHandover(testVerifierNonce, testClientID, testResponseURI, testMdocNonce)
	require.NoError(t, err)
	return transcript
}

func TestPresentAndVerifyWithSignature(t *testing.T) {
	setup := newTestSetup(t)

	deviceResponse, err := FromDocument(setup.doc).
		WithSessionTranscriptOID4VP(testMdocNonce, testClientID, testResponseURI, testVerifierNonce).
		AuthenticateWithSignature(setup.deviceKey, cose.AlgorithmES256).
		Sign()
	require.NoError(t, err)

	wire, err := deviceResponse.Encode()
	require.NoError(t, err)

	verifier := mdoc.NewVerifier(setup.roots)
	verified, err := verifier.Verify(wire, testTranscript(t))
	require.NoError(t, err)

	doc, err := verified.GetDocument(document.IsoMDL)
	require.NoError(t, err)

	value, err := doc.GetElementValue(document.ISO1801351, document.IsoGivenName)
	require.NoError(t, err)
	require.Equal(t, "John", value)

	info := verifier.DiagnosticInformation(wire, testTranscript(t))
	require.True(t, info.Valid)
	require.Len(t, info.Documents, 1)
	for _, check := range info.Documents[0].Checks {
		require.True(t, check.Passed, "check %s failed: %s", check.Name, check.Detail)
	}
	require.NotEmpty(t, info.Documents[0].Certificates)
	require.Equal(t, 3, info.Documents[0].DigestCounts[document.ISO1801351])
}

func TestPresentAndVerifyWithMAC(t *testing.T) {
	setup := newTestSetup(t)

	readerKey, err := ecdsaEphemeral()
	require.NoError(t, err)

	deviceECDH, err := setup.deviceKey.ECDH()
	require.NoError(t, err)

	deviceResponse, err := FromDocument(setup.doc).
		WithSessionTranscriptOID4VP(testMdocNonce, testClientID, testResponseURI, testVerifierNonce).
		AuthenticateWithMAC(deviceECDH, readerKey.PublicKey()).
		Sign()
	require.NoError(t, err)

	wire, err := deviceResponse.Encode()
	require.NoError(t, err)

	verifier := mdoc.NewVerifier(setup.roots, mdoc.WithEphemeralReaderKey(readerKey))
	_, err = verifier.Verify(wire, testTranscript(t))
	require.NoError(t, err)

	// without the reader key the MAC cannot be checked
	verifierWithoutKey := mdoc.NewVerifier(setup.roots)
	_, err = verifierWithoutKey.Verify(wire, testTranscript(t))
	require.Error(t, err)
}

func TestSelectiveDisclosure(t *testing.T) {
	setup := newTestSetup(t)

	elements := document.Elements{
		document.IsoMDL: {
			document.ISO1801351: {document.IsoFamilyName},
		},
	}
	pd := elements.PresentationDefinition("test-pd")

	deviceResponse, err := FromDocument(setup.doc).
		WithPresentationDefinition(&pd).
		WithSessionTranscriptOID4VP(testMdocNonce, testClientID, testResponseURI, testVerifierNonce).
		AuthenticateWithSignature(setup.deviceKey, cose.AlgorithmES256).
		Sign()
	require.NoError(t, err)

	disclosed := deviceResponse.Documents[0].IssuerSigned.NameSpaces[document.ISO1801351]
	require.Len(t, disclosed, 1)

	item, err := disclosed[0].IssuerSignedItem()
	require.NoError(t, err)
	require.Equal(t, document.IsoFamilyName, item.ElementIdentifier)

	// disclosed items are a byte-identical subset of the issued ones
	issued := setup.doc.IssuerSigned.NameSpaces[document.ISO1801351]
	found := false
	for _, issuedItem := range issued {
		if bytes.Equal(issuedItem, disclosed[0]) {
			found = true
		}
	}
	require.True(t, found, "disclosed item bytes must match an issued item exactly")

	// digests still validate after filtering
	wire, err := deviceResponse.Encode()
	require.NoError(t, err)
	_, err = mdoc.NewVerifier(setup.roots).Verify(wire, testTranscript(t))
	require.NoError(t, err)
}

func TestDiscloseAllWithoutLimitDisclosure(t *testing.T) {
	setup := newTestSetup(t)

	pd := document.PresentationDefinition{
		ID: "test-pd",
		InputDescriptors: []document.InputDescriptor{
			{
				ID: string(document.IsoMDL),
				Constraints: document.Constraints{
					Fields: document.FormatFields(document.ISO1801351, false, document.IsoFamilyName),
				},
			},
		},
	}

	deviceResponse, err := FromDocument(setup.doc).
		WithPresentationDefinition(&pd).
		WithSessionTranscriptOID4VP(testMdocNonce, testClientID, testResponseURI, testVerifierNonce).
		AuthenticateWithSignature(setup.deviceKey, cose.AlgorithmES256).
		Sign()
	require.NoError(t, err)

	require.Len(t, deviceResponse.Documents[0].IssuerSigned.NameSpaces[document.ISO1801351], 3)
}

func TestBuilderStateErrors(t *testing.T) {
	setup := newTestSetup(t)

	_, err := FromDocument(setup.doc).
		AuthenticateWithSignature(setup.deviceKey, cose.AlgorithmES256).
		Sign()
	require.Error(t, err)
	require.Contains(t, err.Error(), "session transcript must be set")
	require.True(t, mdoc.IsBuilderError(err))

	_, err = FromDocument(setup.doc).
		WithSessionTranscriptOID4VP(testMdocNonce, testClientID, testResponseURI, testVerifierNonce).
		Sign()
	require.Error(t, err)
	require.Contains(t, err.Error(), "device authentication must be configured")

	readerKey, err := ecdsaEphemeral()
	require.NoError(t, err)
	deviceECDH, err := setup.deviceKey.ECDH()
	require.NoError(t, err)

	_, err = FromDocument(setup.doc).
		AuthenticateWithSignature(setup.deviceKey, cose.AlgorithmES256).
		AuthenticateWithMAC(deviceECDH, readerKey.PublicKey()).
		Sign()
	require.Error(t, err)
	require.Contains(t, err.Error(), "device auth already configured")

	pd := document.PresentationDefinition{ID: "empty"}
	_, err = FromDocument(setup.doc).
		WithPresentationDefinition(&pd).
		Sign()
	require.Error(t, err)
	require.Contains(t, err.Error(), "no input descriptor")
}

func TestFromIssuerSigned(t *testing.T) {
	setup := newTestSetup(t)

	encoded, err := setup.doc.EncodeIssuerSigned()
	require.NoError(t, err)

	deviceResponse, err := FromIssuerSigned(encoded, document.IsoMDL).
		WithSessionTranscriptOID4VP(testMdocNonce, testClientID, testResponseURI, testVerifierNonce).
		AuthenticateWithSignature(setup.deviceKey, cose.AlgorithmES256).
		Sign()
	require.NoError(t, err)

	wire, err := deviceResponse.Encode()
	require.NoError(t, err)

	_, err = mdoc.NewVerifier(setup.roots).Verify(wire, testTranscript(t))
	require.NoError(t, err)
}

func TestGenerateMdocNonce(t *testing.T) {
	a, err := GenerateMdocNonce()
	require.NoError(t, err)
	b, err := GenerateMdocNonce()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.NotContains(t, a, "=")
}
