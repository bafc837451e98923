// Package session_transcript builds the SessionTranscript structures that
// bind an mdoc presentation to one protocol exchange.
package session_transcript

import (
	"crypto/sha256"
	"fmt"

	"github.com/kokukuma/mdoc-credential/pkg/codec"
)

func sha256Sum(b []byte) []byte {
	hash := sha256.Sum256(b)
	return hash[:]
}

// OID4VPHandover builds the ISO 18013-7 OID4VP session transcript:
//
//	[null, null, [clientIdHash, responseURIHash, nonce]]
//
// where the hashes commit to the verifier identifiers together with the
// mdoc-generated nonce.
// https://github.com/eu-digital-identity-wallet/eudi-lib-android-wallet-core/blob/327c006eeb256353a8ed064adb12487db1bd352c/wallet-core/src/main/java/eu/europa/ec/eudi/wallet/internal/Openid4VpUtils.kt#L26
func OID4VPHandover(nonce []byte, clientID, responseURI, mdocGeneratedNonce string) ([]byte, error) {
	if len(nonce) == 0 {
		return nil, fmt.Errorf("nonce cannot be empty")
	}
	if clientID == "" {
		return nil, fmt.Errorf("clientID cannot be empty")
	}
	if responseURI == "" {
		return nil, fmt.Errorf("responseURI cannot be empty")
	}
	if mdocGeneratedNonce == "" {
		return nil, fmt.Errorf("mdocGeneratedNonce cannot be empty")
	}

	clientIDToHash, err := codec.Marshal([]interface{}{clientID, mdocGeneratedNonce})
	if err != nil {
		return nil, fmt.Errorf("failed to encode clientID for hashing: %w", err)
	}

	responseURIToHash, err := codec.Marshal([]interface{}{responseURI, mdocGeneratedNonce})
	if err != nil {
		return nil, fmt.Errorf("failed to encode responseURI for hashing: %w", err)
	}

	// nonce is carried as tstr
	oid4vpHandover := []interface{}{
		nil, // DeviceEngagementBytes
		nil, // EReaderKeyBytes
		[]interface{}{
			sha256Sum(clientIDToHash),
			sha256Sum(responseURIToHash),
			string(nonce),
		},
	}

	transcript, err := codec.Marshal(oid4vpHandover)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session transcript: %w", err)
	}

	return transcript, nil
}
