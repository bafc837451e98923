// Package pki loads key material and trust anchors from PEM files.
package pki

import (
	"crypto/ecdh"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadPrivateKey reads a SEC 1 EC private key and converts it for ECDH use.
func LoadPrivateKey(path string) (*ecdh.PrivateKey, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, fmt.Errorf("failed to decode PEM block containing private key")
	}

	ecdsaPriv, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	ecdhPriv, err := ecdsaPriv.ECDH()
	if err != nil {
		return nil, fmt.Errorf("failed to convert to ECDH private key: %w", err)
	}
	return ecdhPriv, nil
}

// LoadCertificate reads a single PEM-encoded certificate.
func LoadCertificate(path string) (*x509.Certificate, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("failed to decode PEM block containing certificate")
	}
	return x509.ParseCertificate(block.Bytes)
}

// GetRootCertificate builds a cert pool from one PEM file.
func GetRootCertificate(path string) (*x509.CertPool, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %s, err: %v", path, err)
	}

	roots := x509.NewCertPool()
	if ok := roots.AppendCertsFromPEM(pemBytes); !ok {
		return nil, fmt.Errorf("failed to load pem")
	}
	return roots, nil
}

// GetRootCertificates builds a cert pool from every .pem file in a directory.
func GetRootCertificates(dirPath string) (*x509.CertPool, error) {
	files, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, err
	}

	roots := x509.NewCertPool()
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".pem") {
			continue
		}
		pemBytes, err := os.ReadFile(filepath.Join(dirPath, file.Name()))
		if err != nil {
			return nil, err
		}
		if ok := roots.AppendCertsFromPEM(pemBytes); !ok {
			return nil, fmt.Errorf("failed to load pem: %s", file.Name())
		}
	}
	return roots, nil
}
