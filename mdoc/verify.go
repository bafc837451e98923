package mdoc

import (
	"bytes"
	"crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/veraison/go-cose"
)

// Interfaces over the concrete model so the verification steps can be
// exercised against mocks.

type IssuerSigneder interface {
	Alg() (cose.Algorithm, error)
	DocumentSigningKey() (crypto.PublicKey, error)
	GetIssuerAuth() cose.UntaggedSign1Message
	GetNameSpaces() []NameSpace
	GetIssuerSignedItems(NameSpace) ([]IssuerSignedItem, error)
}

type MSOer interface {
	DeviceKey() (*ecdsa.PublicKey, error)
	DeviceKeyECDH() (*ecdh.PublicKey, error)
	GetDocType() DocType
	GetDigest(NameSpace, DigestID) (Digest, error)
	DigestAlg() string
	GetValidityInfo() ValidityInfo
	KeyAuthorizations() (*KeyAuthorizations, error)
}

type DeviceSigneder interface {
	Alg() (cose.Algorithm, error)
	DeviceAuthMac() *UntaggedMac0Message
	DeviceAuthSignature() *cose.UntaggedSign1Message
	DeviceAuthenticationBytes(DocType, []byte) ([]byte, error)
	DeviceNameSpaces() (DeviceNameSpaces, error)
}

type VerifierOption func(*Verifier)

func AllowSelfCert() VerifierOption {
	return func(v *Verifier) {
		v.allowSelfCert = true
	}
}

func WithSignCurrentTime(date time.Time) VerifierOption {
	return func(v *Verifier) {
		v.signCurrentTime = date
	}
}

func WithCertCurrentTime(date time.Time) VerifierOption {
	return func(v *Verifier) {
		v.certCurrentTime = date
	}
}

// WithEphemeralReaderKey supplies the reader's ephemeral ECDH key so
// deviceMac authentication can be verified.
func WithEphemeralReaderKey(key *ecdh.PrivateKey) VerifierOption {
	return func(v *Verifier) {
		v.ephemeralReaderKey = key
	}
}

// WithLogger attaches a structured logger; each check logs its outcome.
func WithLogger(logger *logrus.Logger) VerifierOption {
	return func(v *Verifier) {
		v.logger = logger
	}
}

func SkipVerifyCertificate() VerifierOption {
	return func(v *Verifier) {
		v.skipVerifyCertificate = true
	}
}

func SkipVerifyDeviceSigned() VerifierOption {
	return func(v *Verifier) {
		v.skipVerifyDeviceSigned = true
	}
}

func SkipVerifyIssuerAuth() VerifierOption {
	return func(v *Verifier) {
		v.skipVerifyIssuerAuth = true
	}
}

func SkipValidateCertification() VerifierOption {
	return func(v *Verifier) {
		v.skipValidateCertification = true
	}
}

func SkipSignedDateValidation() VerifierOption {
	return func(v *Verifier) {
		v.skipSignedDateValidation = true
	}
}

type Verifier struct {
	roots                     *x509.CertPool
	allowSelfCert             bool
	skipVerifyDeviceSigned    bool
	skipVerifyCertificate     bool
	skipVerifyIssuerAuth      bool
	skipValidateCertification bool
	skipSignedDateValidation  bool
	signCurrentTime           time.Time
	certCurrentTime           time.Time
	ephemeralReaderKey        *ecdh.PrivateKey
	logger                    *logrus.Logger
}

func NewVerifier(roots *x509.CertPool, opts ...VerifierOption) *Verifier {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	verifier := &Verifier{
		roots:           roots,
		signCurrentTime: time.Now(),
		certCurrentTime: time.Now(),
		logger:          logger,
	}

	for _, opt := range opts {
		opt(verifier)
	}
	return verifier
}

// Verify decodes a DeviceResponse and runs the full inspection procedure
// on every document. Independent checks all run; failures are accumulated
// into one summary error.
func (v *Verifier) Verify(data []byte, sessionTranscript []byte) (*DeviceResponse, error) {
	deviceResponse, err := ParseDeviceResponse(data)
	if err != nil {
		return nil, err
	}
	if deviceResponse.Status != StatusOK {
		return nil, &ParseError{Msg: fmt.Sprintf("device response status %d", deviceResponse.Status)}
	}
	if len(deviceResponse.Documents) == 0 {
		return nil, &ParseError{Msg: "device response carries no documents"}
	}

	var failed []string
	for i := range deviceResponse.Documents {
		if err := v.VerifyDocument(&deviceResponse.Documents[i], sessionTranscript); err != nil {
			failed = append(failed, err.Error())
		}
	}
	if len(failed) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(failed, "; "))
	}
	return deviceResponse, nil
}

// VerifyDocument runs the 9.3.1 inspection procedure on one document.
func (v *Verifier) VerifyDocument(doc *Document, sessionTranscript []byte) error {
	results := v.documentChecks(doc, sessionTranscript)

	var failed []string
	for _, res := range results {
		if !res.Passed {
			failed = append(failed, res.Name+": "+res.Detail)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("document %s failed verification: %s", doc.DocType, strings.Join(failed, "; "))
	}
	return nil
}

// documentChecks runs every check, never short-circuiting between
// independent ones, and records each outcome.
func (v *Verifier) documentChecks(doc *Document, sessionTranscript []byte) []CheckResult {
	var results []CheckResult
	record := func(name string, err error) {
		res := CheckResult{Name: name, Passed: err == nil}
		if err != nil {
			res.Detail = err.Error()
		}
		if v.logger != nil {
			entry := v.logger.WithFields(logrus.Fields{"docType": doc.DocType, "check": name})
			if err != nil {
				entry.WithError(err).Warn("mdoc check failed")
			} else {
				entry.Debug("mdoc check passed")
			}
		}
		results = append(results, res)
	}

	issuerSigned := &doc.IssuerSigned

	mso, msoErr := issuerSigned.MobileSecurityObject()
	record("mso", msoErr)

	certs, chainErr := issuerSigned.DocumentSigningCertificateChain()
	certErr := chainErr
	if v.skipVerifyCertificate {
		certErr = nil
	} else if chainErr == nil {
		certErr = v.verifyDSCertificate(certs)
	}
	record("certificate chain", certErr)

	record("issuer signature", v.verifyIssuerAuthSignature(issuerSigned))

	if msoErr == nil {
		record("value digests", v.verifyDigests(issuerSigned, mso))

		var docTypeErr error
		if doc.DocType != mso.DocType {
			docTypeErr = &ParseError{Msg: fmt.Sprintf("docType mismatch: document %s, MSO %s", doc.DocType, mso.DocType)}
		}
		record("docType", docTypeErr)

		var validityErr error
		switch {
		case v.skipValidateCertification:
		case chainErr != nil:
			validityErr = chainErr
		default:
			validityErr = v.verifyMSOValidity(certs[0], mso)
		}
		record("validity window", validityErr)

		record("device authentication", v.verifyMDocAuthentication(mso, doc.DeviceSigned, sessionTranscript))
	}

	return results
}

// verifyDSCertificate validates the document signer certificate chain
// against the trust anchors (9.3.3).
func (v *Verifier) verifyDSCertificate(certs []*x509.Certificate) error {
	if v.skipVerifyCertificate {
		return nil
	}
	if len(certs) == 0 {
		return &TrustError{Msg: "no document signer certificate"}
	}

	roots := v.roots
	if roots == nil {
		roots = x509.NewCertPool()
	}
	if v.allowSelfCert {
		for _, cert := range certs {
			roots.AddCert(cert)
		}
	}

	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}

	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		CurrentTime:   v.certCurrentTime,
	}

	if _, err := certs[0].Verify(opts); err != nil {
		return &TrustError{Msg: "failed to verify dsCert chain", Err: err}
	}
	return nil
}

// verifyIssuerAuthSignature checks the IssuerAuth COSE_Sign1 (9.3.1 step 2).
func (v *Verifier) verifyIssuerAuthSignature(issuerSigned IssuerSigneder) error {
	if v.skipVerifyIssuerAuth {
		return nil
	}

	alg, err := issuerSigned.Alg()
	if err != nil {
		return &ParseError{Msg: "failed to get alg", Err: err}
	}

	documentSigningKey, err := issuerSigned.DocumentSigningKey()
	if err != nil {
		return &CryptoError{Msg: "failed to get document signing key", Err: err}
	}

	verifier, err := cose.NewVerifier(alg, documentSigningKey)
	if err != nil {
		return &CryptoError{Msg: "failed to create signature verifier", Err: err}
	}

	issuerAuth := issuerSigned.GetIssuerAuth()
	if err := issuerAuth.Verify(nil, verifier); err != nil {
		return &CryptoError{Msg: "failed to verify issuer signature", Err: err}
	}
	return nil
}

// verifyDigests recomputes every disclosed item digest (9.3.1 step 3).
// Extra digests in the MSO are items that were not disclosed and are fine.
func (v *Verifier) verifyDigests(issuerSigned IssuerSigneder, mso MSOer) error {
	for _, ns := range issuerSigned.GetNameSpaces() {
		items, err := issuerSigned.GetIssuerSignedItems(ns)
		if err != nil {
			return &ParseError{Msg: "failed to get issuer signed items", Err: err}
		}

		for i := range items {
			item := &items[i]
			digest, err := mso.GetDigest(ns, item.DigestID)
			if err != nil {
				return &IntegrityError{Msg: fmt.Sprintf("digest ID %d not found in namespace %s", item.DigestID, ns), Err: err}
			}

			calc, err := item.Digest(mso.DigestAlg())
			if err != nil {
				return &IntegrityError{Msg: "failed to calculate digest", Err: err}
			}

			if !bytes.Equal(digest, calc) {
				return &IntegrityError{Msg: fmt.Sprintf("digest mismatch for ID %d in namespace %s", item.DigestID, ns)}
			}
		}
	}
	return nil
}

// verifyMSOValidity checks the ValidityInfo against the DS certificate and
// the current time (9.3.1 step 5).
func (v *Verifier) verifyMSOValidity(dsCert *x509.Certificate, mso MSOer) error {
	if v.skipValidateCertification {
		return nil
	}
	validityInfo := mso.GetValidityInfo()

	if !v.skipSignedDateValidation {
		if validityInfo.Signed.Before(dsCert.NotBefore) || validityInfo.Signed.After(dsCert.NotAfter) {
			return &ValidityError{Msg: fmt.Sprintf("MSO signed date outside dsCert validity period: signed=%v notBefore=%v notAfter=%v",
				validityInfo.Signed, dsCert.NotBefore, dsCert.NotAfter)}
		}
		if v.signCurrentTime.Before(validityInfo.Signed) {
			return &ValidityError{Msg: fmt.Sprintf("MSO signed date is in the future: signed=%v", validityInfo.Signed)}
		}
	}
	if v.signCurrentTime.Before(validityInfo.ValidFrom) || v.signCurrentTime.After(validityInfo.ValidUntil) {
		return &ValidityError{Msg: fmt.Sprintf("current time outside MSO validity period: validFrom=%v validUntil=%v",
			validityInfo.ValidFrom, validityInfo.ValidUntil)}
	}
	return nil
}

// verifyMDocAuthentication checks device binding (9.1.3): either a device
// signature with the MSO device key, or a deviceMac derived from ECDH with
// the reader's ephemeral key.
func (v *Verifier) verifyMDocAuthentication(mso MSOer, deviceSigned DeviceSigneder, sessionTranscript []byte) error {
	if v.skipVerifyDeviceSigned {
		return nil
	}
	if deviceSigned == nil || isNilDeviceSigned(deviceSigned) {
		return &ParseError{Msg: "device signed is nil"}
	}

	deviceNameSpaces, err := deviceSigned.DeviceNameSpaces()
	if err != nil {
		return &CryptoError{Msg: "key authorization verification failed", Err: err}
	}
	if len(deviceNameSpaces) > 0 {
		keyAuth, err := mso.KeyAuthorizations()
		if err != nil {
			return &CryptoError{Msg: "key authorization verification failed", Err: err}
		}
		for ns, elems := range deviceNameSpaces {
			for id := range elems {
				if !keyAuth.Permit(ns, id) {
					return &CryptoError{Msg: fmt.Sprintf("key authorization verification failed: %s/%s not authorized", ns, id)}
				}
			}
		}
	}

	switch {
	case deviceSigned.DeviceAuthSignature() != nil:
		return v.verifyDeviceSignature(mso, deviceSigned, sessionTranscript)
	case deviceSigned.DeviceAuthMac() != nil:
		return v.verifyDeviceMac(mso, deviceSigned, sessionTranscript)
	}
	return &ParseError{Msg: "device auth carries neither signature nor MAC"}
}

func (v *Verifier) verifyDeviceSignature(mso MSOer, deviceSigned DeviceSigneder, sessionTranscript []byte) error {
	alg, err := deviceSigned.Alg()
	if err != nil {
		return &ParseError{Msg: "failed to get signature algorithm", Err: err}
	}

	pubKey, err := mso.DeviceKey()
	if err != nil {
		return &CryptoError{Msg: "failed to get device public key", Err: err}
	}

	deviceAuthenticationBytes, err := deviceSigned.DeviceAuthenticationBytes(mso.GetDocType(), sessionTranscript)
	if err != nil {
		return &ParseError{Msg: "failed to generate device authentication bytes", Err: err}
	}

	verifier, err := cose.NewVerifier(alg, pubKey)
	if err != nil {
		return &CryptoError{Msg: "failed to create signature verifier", Err: err}
	}

	signature := deviceSigned.DeviceAuthSignature()
	signature.Payload = deviceAuthenticationBytes

	if err := signature.Verify(nil, verifier); err != nil {
		return &CryptoError{Msg: "failed to verify device signature", Err: err}
	}
	return nil
}

func (v *Verifier) verifyDeviceMac(mso MSOer, deviceSigned DeviceSigneder, sessionTranscript []byte) error {
	if v.ephemeralReaderKey == nil {
		return &CryptoError{Msg: "deviceMac requires the ephemeral reader key"}
	}

	devicePub, err := mso.DeviceKeyECDH()
	if err != nil {
		return &CryptoError{Msg: "failed to get device public key", Err: err}
	}

	eMacKey, err := DeriveEMacKey(v.ephemeralReaderKey, devicePub, sessionTranscript)
	if err != nil {
		return err
	}

	deviceAuthenticationBytes, err := deviceSigned.DeviceAuthenticationBytes(mso.GetDocType(), sessionTranscript)
	if err != nil {
		return &ParseError{Msg: "failed to generate device authentication bytes", Err: err}
	}

	mac := deviceSigned.DeviceAuthMac()
	mac.Payload = deviceAuthenticationBytes

	if err := mac.VerifyTag(eMacKey, nil); err != nil {
		return err
	}
	return nil
}

func isNilDeviceSigned(d DeviceSigneder) bool {
	ds, ok := d.(*DeviceSigned)
	return ok && ds == nil
}
