// Demo of the full credential lifecycle: issue an mDL, disclose a subset
// of its elements bound to an OID4VP session, and verify the result.
package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/veraison/go-cose"

	"github.com/kokukuma/mdoc-credential/document"
	"github.com/kokukuma/mdoc-credential/holder"
	"github.com/kokukuma/mdoc-credential/issuer"
	"github.com/kokukuma/mdoc-credential/mdoc"
	"github.com/kokukuma/mdoc-credential/pkg/codec"
	"github.com/kokukuma/mdoc-credential/session_transcript"
)

var (
	clientID    = "example-verifier"
	responseURI = "https://verifier.example.com/response"
)

func main() {
	rootCert, rootKey, err := newRootCertificate()
	if err != nil {
		panic("failed to create root certificate: " + err.Error())
	}
	dsCert, dsKey, err := newDSCertificate(rootCert, rootKey)
	if err != nil {
		panic("failed to create document signer certificate: " + err.Error())
	}

	deviceKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic("failed to create device key: " + err.Error())
	}

	// issue
	doc, err := issuer.NewDocument(document.IsoMDL).
		AddIssuerNameSpace(document.ISO1801351, map[mdoc.ElementIdentifier]mdoc.ElementValue{
			document.IsoFamilyName: "Doe",
			document.IsoGivenName:  "John",
			document.IsoBirthDate:  codec.FullDate("1990-01-01"),
		}).
		UseDigestAlgorithm("SHA-256").
		AddValidityInfo(mdoc.ValidityInfo{Signed: time.Now().UTC()}).
		AddDeviceKeyInfo(&deviceKey.PublicKey).
		Sign(issuer.SignOptions{
			IssuerPrivateKey: dsKey,
			Certificates:     []*x509.Certificate{dsCert},
			Alg:              cose.AlgorithmES256,
		})
	if err != nil {
		panic("failed to issue document: " + err.Error())
	}

	credential, err := doc.EncodeIssuerSignedString()
	if err != nil {
		panic("failed to encode credential: " + err.Error())
	}
	fmt.Println("issued credential:", credential[:32], "...")

	// present
	mdocNonce, err := holder.GenerateMdocNonce()
	if err != nil {
		panic("failed to generate nonce: " + err.Error())
	}
	verifierNonce := []byte("verifier-nonce")

	elements := document.Elements{
		document.IsoMDL: {
			document.ISO1801351: {document.IsoFamilyName, document.IsoGivenName},
		},
	}
	pd := elements.PresentationDefinition("")

	parsed, err := mdoc.ParseIssuerSignedString(credential, document.IsoMDL)
	if err != nil {
		panic("failed to parse credential: " + err.Error())
	}

	deviceResponse, err := holder.FromDocument(parsed).
		WithPresentationDefinition(&pd).
		WithSessionTranscriptOID4VP(mdocNonce, clientID, responseURI, verifierNonce).
		AuthenticateWithSignature(deviceKey, cose.AlgorithmES256).
		Sign()
	if err != nil {
		panic("failed to build device response: " + err.Error())
	}

	encoded, err := deviceResponse.Encode()
	if err != nil {
		panic("failed to encode device response: " + err.Error())
	}

	// verify
	roots := x509.NewCertPool()
	roots.AddCert(rootCert)

	sessTrans, err := sessionTranscript(mdocNonce, verifierNonce)
	if err != nil {
		panic("failed to build session transcript: " + err.Error())
	}

	verifier := mdoc.NewVerifier(roots)
	verified, err := verifier.Verify(encoded, sessTrans)
	if err != nil {
		panic("failed to verify mdoc: " + err.Error())
	}

	docIsoMDL, err := verified.GetDocument(document.IsoMDL)
	if err != nil {
		panic("failed to get document: " + err.Error())
	}

	for _, elemName := range []mdoc.ElementIdentifier{
		document.IsoFamilyName,
		document.IsoGivenName,
	} {
		elemValue, err := docIsoMDL.GetElementValue(document.ISO1801351, elemName)
		if err != nil {
			panic("failed to get element: " + err.Error())
		}
		fmt.Println(elemName, ":", elemValue)
	}

	spew.Dump(verifier.DiagnosticInformation(encoded, sessTrans))
}

func sessionTranscript(mdocNonce string, verifierNonce []byte) ([]byte, error) {
	return session_transcript.OID4VPHandover(verifierNonce, clientID, responseURI, mdocNonce)
}

func newRootCertificate() (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Demo IACA Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	return cert, key, err
}

func newDSCertificate(parent *x509.Certificate, parentKey *ecdsa.PrivateKey) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Demo Document Signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(5, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, parentKey)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	return cert, key, err
}
