package issuer

import (
	"io"

	"github.com/veraison/go-cose"

	"github.com/kokukuma/mdoc-credential/mdoc"
)

// Signer delegates the raw signature computation to an external key holder
// such as an HSM or KMS. The variant is chosen explicitly by the caller;
// there is no trial-and-fallback between the two, since a lenient HSM could
// silently sign the wrong bytes.
type Signer interface {
	coseSigner(alg cose.Algorithm, headers cose.Headers, payload []byte) cose.Signer
}

// SignRequest is the full signing context handed to a contextual signer.
type SignRequest struct {
	// SigStructure is the encoded Sig_structure, the exact bytes to sign.
	SigStructure []byte
	Protected    cose.ProtectedHeader
	Unprotected  cose.UnprotectedHeader
	Algorithm    cose.Algorithm
	Payload      []byte
}

// BasicSignerFunc receives the encoded Sig_structure and returns the raw
// signature (r||s for ES*, 64 bytes for Ed25519).
type BasicSignerFunc func(sigStructure []byte) ([]byte, error)

// ContextualSignerFunc receives the whole signing context.
type ContextualSignerFunc func(req *SignRequest) ([]byte, error)

// Basic wraps a signer that only needs the Sig_structure bytes.
func Basic(fn BasicSignerFunc) Signer {
	return basicSigner{fn: fn}
}

// Contextual wraps a signer that needs headers and payload as well.
func Contextual(fn ContextualSignerFunc) Signer {
	return contextualSigner{fn: fn}
}

type basicSigner struct {
	fn BasicSignerFunc
}

func (s basicSigner) coseSigner(alg cose.Algorithm, headers cose.Headers, payload []byte) cose.Signer {
	return &externalCoseSigner{
		alg: alg,
		sign: func(content []byte) ([]byte, error) {
			return s.fn(content)
		},
	}
}

type contextualSigner struct {
	fn ContextualSignerFunc
}

func (s contextualSigner) coseSigner(alg cose.Algorithm, headers cose.Headers, payload []byte) cose.Signer {
	return &externalCoseSigner{
		alg: alg,
		sign: func(content []byte) ([]byte, error) {
			return s.fn(&SignRequest{
				SigStructure: content,
				Protected:    headers.Protected,
				Unprotected:  headers.Unprotected,
				Algorithm:    alg,
				Payload:      payload,
			})
		},
	}
}

// externalCoseSigner adapts an external signing callback to go-cose.
type externalCoseSigner struct {
	alg  cose.Algorithm
	sign func([]byte) ([]byte, error)
}

func (s *externalCoseSigner) Algorithm() cose.Algorithm {
	return s.alg
}

func (s *externalCoseSigner) Sign(_ io.Reader, content []byte) ([]byte, error) {
	return s.sign(content)
}

func resolveSigner(opts SignOptions, headers cose.Headers, payload []byte) (cose.Signer, error) {
	if opts.Signer != nil {
		return opts.Signer.coseSigner(opts.Alg, headers, payload), nil
	}
	signer, err := cose.NewSigner(opts.Alg, opts.IssuerPrivateKey)
	if err != nil {
		return nil, &mdoc.CryptoError{Msg: "failed to create signer", Err: err}
	}
	return signer, nil
}
