package issuer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"math/big"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/square/go-jose.v2"

	"github.com/kokukuma/mdoc-credential/mdoc"
)

func toCOSEKey(key interface{}) (*mdoc.COSEKey, error) {
	switch k := key.(type) {
	case *mdoc.COSEKey:
		return k, nil
	case mdoc.COSEKey:
		return &k, nil
	case *ecdsa.PublicKey:
		return mdoc.NewCOSEKeyFromECDSA(k)
	case *ecdsa.PrivateKey:
		return mdoc.NewCOSEKeyFromECDSA(&k.PublicKey)
	case *jose.JSONWebKey:
		return joseToCOSEKey(k)
	case jose.JSONWebKey:
		return joseToCOSEKey(&k)
	case map[string]interface{}:
		pub, err := jwkMapToECDSA(k)
		if err != nil {
			return nil, err
		}
		return mdoc.NewCOSEKeyFromECDSA(pub)
	}
	return nil, &mdoc.BuilderError{Msg: "unsupported device key type"}
}

func joseToCOSEKey(jwk *jose.JSONWebKey) (*mdoc.COSEKey, error) {
	public := jwk.Public()
	pub, ok := public.Key.(*ecdsa.PublicKey)
	if !ok {
		return nil, &mdoc.BuilderError{Msg: "device key JWK must be an EC key"}
	}
	return mdoc.NewCOSEKeyFromECDSA(pub)
}

// jwkFields is the subset of RFC 7517 needed for an EC public key.
type jwkFields struct {
	Kty string `mapstructure:"kty"`
	Crv string `mapstructure:"crv"`
	X   string `mapstructure:"x"`
	Y   string `mapstructure:"y"`
}

func jwkMapToECDSA(m map[string]interface{}) (*ecdsa.PublicKey, error) {
	var fields jwkFields
	if err := mapstructure.Decode(m, &fields); err != nil {
		return nil, &mdoc.BuilderError{Msg: "failed to decode JWK map: " + err.Error()}
	}

	if fields.Kty != "EC" {
		return nil, &mdoc.BuilderError{Msg: "device key JWK must have kty EC"}
	}

	var curve elliptic.Curve
	switch fields.Crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, &mdoc.BuilderError{Msg: "unsupported JWK curve: " + fields.Crv}
	}

	xBytes, err := base64.RawURLEncoding.DecodeString(fields.X)
	if err != nil {
		return nil, &mdoc.BuilderError{Msg: "invalid JWK x coordinate: " + err.Error()}
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(fields.Y)
	if err != nil {
		return nil, &mdoc.BuilderError{Msg: "invalid JWK y coordinate: " + err.Error()}
	}
	if len(xBytes) == 0 || len(yBytes) == 0 {
		return nil, &mdoc.BuilderError{Msg: "JWK coordinates are empty"}
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}
