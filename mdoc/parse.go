package mdoc

import (
	"encoding/base64"

	"github.com/fxamacker/cbor/v2"

	"github.com/kokukuma/mdoc-credential/pkg/codec"
)

// ParseDeviceResponse decodes an ISO 18013-5 DeviceResponse.
func ParseDeviceResponse(data []byte) (*DeviceResponse, error) {
	var dr DeviceResponse
	if err := codec.Unmarshal(data, &dr); err != nil {
		return nil, &ParseError{Msg: "unable to decode device response", Err: err}
	}
	if dr.Version != DeviceResponseVersion {
		return nil, &ParseError{Msg: "unable to decode device response: unsupported version " + dr.Version}
	}
	return &dr, nil
}

// NewDeviceResponse wraps documents in a success DeviceResponse envelope.
func NewDeviceResponse(docs ...Document) *DeviceResponse {
	return &DeviceResponse{
		Version:   DeviceResponseVersion,
		Documents: docs,
		Status:    StatusOK,
	}
}

// Encode serialises the DeviceResponse to its wire form.
func (d *DeviceResponse) Encode() ([]byte, error) {
	return codec.Marshal(d)
}

// EncodeIssuerSigned serialises the two-key {nameSpaces, issuerAuth} map of
// OID4VCI §A.2.4. The docType travels out of band.
func (d *IssuerSignedDocument) EncodeIssuerSigned() ([]byte, error) {
	return codec.Marshal(&d.IssuerSigned)
}

// EncodeIssuerSignedString returns the base64url (no padding) form used in
// OID4VCI credential responses.
func (d *IssuerSignedDocument) EncodeIssuerSignedString() (string, error) {
	b, err := d.EncodeIssuerSigned()
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ParseIssuerSigned decodes a bare IssuerSigned payload and binds it to the
// docType the credential was issued under.
func ParseIssuerSigned(data []byte, docType DocType) (*IssuerSignedDocument, error) {
	var probe map[string]cbor.RawMessage
	if err := codec.Unmarshal(data, &probe); err != nil {
		return nil, &ParseError{Msg: "invalid IssuerSigned structure", Err: err}
	}
	if _, ok := probe["nameSpaces"]; !ok {
		return nil, &ParseError{Msg: "invalid IssuerSigned structure: missing nameSpaces or issuerAuth"}
	}
	if _, ok := probe["issuerAuth"]; !ok {
		return nil, &ParseError{Msg: "invalid IssuerSigned structure: missing nameSpaces or issuerAuth"}
	}

	var is IssuerSigned
	if err := codec.Unmarshal(data, &is); err != nil {
		return nil, &ParseError{Msg: "invalid IssuerSigned structure", Err: err}
	}

	mso, err := is.MobileSecurityObject()
	if err != nil {
		return nil, err
	}
	if mso.Version != MSOVersion {
		return nil, &ParseError{Msg: "unsupported MSO version " + mso.Version}
	}
	if mso.DocType != docType {
		return nil, &ParseError{Msg: "docType mismatch: MSO carries " + string(mso.DocType) + ", expected " + string(docType)}
	}

	return &IssuerSignedDocument{
		DocType:      docType,
		IssuerSigned: is,
	}, nil
}

// ParseIssuerSignedString accepts the base64url credential string. Some
// wallets pad the encoding, so padded input is tolerated.
func ParseIssuerSignedString(s string, docType DocType) (*IssuerSignedDocument, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		decoded, err = base64.URLEncoding.DecodeString(s)
		if err != nil {
			return nil, &ParseError{Msg: "failed to decode base64 credential", Err: err}
		}
	}
	return ParseIssuerSigned(decoded, docType)
}
