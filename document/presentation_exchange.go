package document

// https://identity.foundation/presentation-exchange/spec/v2.0.0/

import (
	"fmt"
	"regexp"

	"github.com/kokukuma/mdoc-credential/mdoc"
)

const LimitDisclosureRequired = "required"

type PresentationDefinition struct {
	ID               string            `json:"id"`
	InputDescriptors []InputDescriptor `json:"input_descriptors"`
}

type InputDescriptor struct {
	Name        string      `json:"name,omitempty"`
	ID          string      `json:"id"`
	Format      Format      `json:"format,omitempty"`
	Constraints Constraints `json:"constraints"`
	Purpose     string      `json:"purpose,omitempty"`
	Group       []string    `json:"group,omitempty"`
}

type Constraints struct {
	LimitDisclosure string      `json:"limit_disclosure,omitempty"`
	Fields          []PathField `json:"fields,omitempty"`
}

type Format struct {
	MsoMdoc MsoMdoc `json:"mso_mdoc,omitempty"`
}

type MsoMdoc struct {
	Alg []string `json:"alg,omitempty"`
}

type PathField struct {
	Path           []string `json:"path"`
	Filter         *Filter  `json:"filter,omitempty"`
	IntentToRetain bool     `json:"intent_to_retain"`
	ID             string   `json:"id,omitempty"`
	Purpose        string   `json:"purpose,omitempty"`
	Name           string   `json:"name,omitempty"`
	Optional       bool     `json:"optional,omitempty"`
}

type Filter struct {
	Type    string `json:"type,omitempty"`
	Pattern string `json:"pattern,omitempty"`
}

// FieldPath renders the JSONPath-like selector for one data element:
// $['org.iso.18013.5.1']['family_name'].
func FieldPath(ns mdoc.NameSpace, id mdoc.ElementIdentifier) string {
	return fmt.Sprintf("$['%s']['%s']", ns, id)
}

var fieldPathRe = regexp.MustCompile(`^\$\['([^']+)'\]\['([^']+)'\]$`)

// ParseFieldPath inverts FieldPath.
func ParseFieldPath(path string) (mdoc.NameSpace, mdoc.ElementIdentifier, error) {
	m := fieldPathRe.FindStringSubmatch(path)
	if m == nil {
		return "", "", fmt.Errorf("unsupported field path: %s", path)
	}
	return mdoc.NameSpace(m[1]), mdoc.ElementIdentifier(m[2]), nil
}

// FormatFields builds PathFields for the elements of one namespace.
func FormatFields(ns mdoc.NameSpace, retain bool, ids ...mdoc.ElementIdentifier) []PathField {
	fields := make([]PathField, 0, len(ids))
	for _, id := range ids {
		fields = append(fields, PathField{
			Path:           []string{FieldPath(ns, id)},
			IntentToRetain: retain,
		})
	}
	return fields
}

// DescriptorForDocType finds the input descriptor targeting docType. The
// descriptor ID carries the doc type per ISO 18013-7 annex B.
func (pd *PresentationDefinition) DescriptorForDocType(docType mdoc.DocType) (*InputDescriptor, bool) {
	for i := range pd.InputDescriptors {
		if pd.InputDescriptors[i].ID == string(docType) {
			return &pd.InputDescriptors[i], true
		}
	}
	return nil, false
}

// RequestedElements parses every field path of the descriptor. Paths that
// do not address a namespace/element pair are reported as errors.
func (d *InputDescriptor) RequestedElements() (map[mdoc.NameSpace][]mdoc.ElementIdentifier, error) {
	requested := map[mdoc.NameSpace][]mdoc.ElementIdentifier{}
	for _, field := range d.Constraints.Fields {
		for _, path := range field.Path {
			ns, id, err := ParseFieldPath(path)
			if err != nil {
				return nil, err
			}
			requested[ns] = append(requested[ns], id)
		}
	}
	return requested, nil
}

// LimitsDisclosure reports whether only requested elements may be revealed.
func (d *InputDescriptor) LimitsDisclosure() bool {
	return d.Constraints.LimitDisclosure == LimitDisclosureRequired
}
