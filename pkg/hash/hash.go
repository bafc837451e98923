// Package hash computes value digests for the algorithms an MSO may
// declare (ISO/IEC 18013-5 9.1.2.5).
package hash

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
)

const (
	SHA256 = "SHA-256"
	SHA384 = "SHA-384"
	SHA512 = "SHA-512"
)

func newHasher(alg string) (hash.Hash, error) {
	switch alg {
	case SHA256:
		return sha256.New(), nil
	case SHA384:
		return sha512.New384(), nil
	case SHA512:
		return sha512.New(), nil
	}
	return nil, fmt.Errorf("unsupported digest algorithm: %s", alg)
}

// Digest hashes message with the named algorithm.
func Digest(message []byte, alg string) ([]byte, error) {
	hasher, err := newHasher(alg)
	if err != nil {
		return nil, err
	}
	hasher.Write(message)
	return hasher.Sum(nil), nil
}

// Supported reports whether alg names a digest algorithm an MSO may use.
func Supported(alg string) bool {
	_, err := newHasher(alg)
	return err == nil
}
