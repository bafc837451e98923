package mdoc

import "time"

// CheckResult is the outcome of one verification step.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// CertificateInfo is the x5chain metadata surfaced for diagnostics.
type CertificateInfo struct {
	Subject   string    `json:"subject"`
	Issuer    string    `json:"issuer"`
	NotBefore time.Time `json:"notBefore"`
	NotAfter  time.Time `json:"notAfter"`
}

// DocumentDiagnostics enumerates every check and the disclosed content of
// one document.
type DocumentDiagnostics struct {
	DocType             DocType                           `json:"docType"`
	DigestAlgorithm     string                            `json:"digestAlgorithm,omitempty"`
	Checks              []CheckResult                     `json:"checks"`
	Certificates        []CertificateInfo                 `json:"certificates,omitempty"`
	DigestCounts        map[NameSpace]int                 `json:"digestCounts,omitempty"`
	DisclosedAttributes map[NameSpace][]ElementIdentifier `json:"disclosedAttributes,omitempty"`
	Valid               bool                              `json:"valid"`
}

// DiagnosticInformation is the full report of a verification run. It is
// produced even when verification fails.
type DiagnosticInformation struct {
	Version   string                `json:"version"`
	Status    uint                  `json:"status"`
	Valid     bool                  `json:"valid"`
	ParseErr  string                `json:"parseError,omitempty"`
	Documents []DocumentDiagnostics `json:"documents,omitempty"`
}

// DiagnosticInformation runs every check on every document and reports the
// outcomes without short-circuiting.
func (v *Verifier) DiagnosticInformation(data []byte, sessionTranscript []byte) *DiagnosticInformation {
	info := &DiagnosticInformation{}

	deviceResponse, err := ParseDeviceResponse(data)
	if err != nil {
		info.ParseErr = err.Error()
		return info
	}
	info.Version = deviceResponse.Version
	info.Status = deviceResponse.Status

	info.Valid = deviceResponse.Status == StatusOK
	for i := range deviceResponse.Documents {
		docInfo := v.documentDiagnostics(&deviceResponse.Documents[i], sessionTranscript)
		if !docInfo.Valid {
			info.Valid = false
		}
		info.Documents = append(info.Documents, docInfo)
	}
	return info
}

func (v *Verifier) documentDiagnostics(doc *Document, sessionTranscript []byte) DocumentDiagnostics {
	docInfo := DocumentDiagnostics{
		DocType: doc.DocType,
		Checks:  v.documentChecks(doc, sessionTranscript),
		Valid:   true,
	}
	for _, check := range docInfo.Checks {
		if !check.Passed {
			docInfo.Valid = false
		}
	}

	if certs, err := doc.IssuerSigned.DocumentSigningCertificateChain(); err == nil {
		for _, cert := range certs {
			docInfo.Certificates = append(docInfo.Certificates, CertificateInfo{
				Subject:   cert.Subject.String(),
				Issuer:    cert.Issuer.String(),
				NotBefore: cert.NotBefore,
				NotAfter:  cert.NotAfter,
			})
		}
	}

	if mso, err := doc.IssuerSigned.MobileSecurityObject(); err == nil {
		docInfo.DigestAlgorithm = mso.DigestAlgorithm
		docInfo.DigestCounts = map[NameSpace]int{}
		for ns, digests := range mso.ValueDigests {
			docInfo.DigestCounts[ns] = len(digests)
		}
	}

	docInfo.DisclosedAttributes = map[NameSpace][]ElementIdentifier{}
	for _, ns := range doc.IssuerSigned.GetNameSpaces() {
		items, err := doc.IssuerSigned.GetIssuerSignedItems(ns)
		if err != nil {
			continue
		}
		for i := range items {
			docInfo.DisclosedAttributes[ns] = append(docInfo.DisclosedAttributes[ns], items[i].ElementIdentifier)
		}
	}

	return docInfo
}
