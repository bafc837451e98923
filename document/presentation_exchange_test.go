package document

import (
	"testing"

	"github.com/kokukuma/mdoc-credential/mdoc"
)

func TestFieldPathRoundTrip(t *testing.T) {
	path := FieldPath(ISO1801351, IsoFamilyName)
	if path != "$['org.iso.18013.5.1']['family_name']" {
		t.Errorf("unexpected path: %s", path)
	}

	ns, id, err := ParseFieldPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ns != ISO1801351 || id != IsoFamilyName {
		t.Errorf("round trip mismatch: %s %s", ns, id)
	}
}

func TestParseFieldPathInvalid(t *testing.T) {
	tests := []string{
		"",
		"$.family_name",
		"$['only-namespace']",
		"$['ns']['elem']['extra']",
	}
	for _, path := range tests {
		if _, _, err := ParseFieldPath(path); err == nil {
			t.Errorf("ParseFieldPath(%q) error = nil, want error", path)
		}
	}
}

func TestRequestedElements(t *testing.T) {
	descriptor := InputDescriptor{
		ID: string(IsoMDL),
		Constraints: Constraints{
			LimitDisclosure: LimitDisclosureRequired,
			Fields: FormatFields(ISO1801351, false,
				IsoFamilyName, IsoGivenName, IsoBirthDate),
		},
	}

	requested, err := descriptor.RequestedElements()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	elems := requested[ISO1801351]
	if len(elems) != 3 {
		t.Fatalf("requested %d elements, want 3", len(elems))
	}
	if !descriptor.LimitsDisclosure() {
		t.Error("LimitsDisclosure() = false, want true")
	}
}

func TestElementsPresentationDefinition(t *testing.T) {
	elements := Elements{
		IsoMDL: {
			ISO1801351: {IsoFamilyName, IsoGivenName},
		},
	}

	pd := elements.PresentationDefinition("")
	if pd.ID == "" {
		t.Error("expected generated definition ID")
	}

	descriptor, ok := pd.DescriptorForDocType(IsoMDL)
	if !ok {
		t.Fatal("descriptor for IsoMDL not found")
	}
	if descriptor.Constraints.LimitDisclosure != LimitDisclosureRequired {
		t.Errorf("limit_disclosure = %q, want %q", descriptor.Constraints.LimitDisclosure, LimitDisclosureRequired)
	}
	if len(descriptor.Constraints.Fields) != 2 {
		t.Errorf("descriptor has %d fields, want 2", len(descriptor.Constraints.Fields))
	}

	if _, ok := pd.DescriptorForDocType(mdoc.DocType("unknown")); ok {
		t.Error("unexpected descriptor for unknown doc type")
	}
}
