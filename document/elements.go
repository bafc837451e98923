package document

import (
	"github.com/google/uuid"

	"github.com/kokukuma/mdoc-credential/mdoc"
)

// Elements describes which data elements a verifier wants per doc type and
// namespace.
type Elements map[mdoc.DocType]map[mdoc.NameSpace][]mdoc.ElementIdentifier

// PresentationDefinition renders the element selection as a DIF PE
// definition with limit_disclosure required. An empty id is replaced with a
// generated one.
func (d Elements) PresentationDefinition(id string) PresentationDefinition {
	if id == "" {
		id = uuid.NewString()
	}

	pd := PresentationDefinition{ID: id}
	for docType, namespaces := range d {
		descriptor := InputDescriptor{
			ID: string(docType),
			Format: Format{
				MsoMdoc: MsoMdoc{Alg: []string{"ES256"}},
			},
			Constraints: Constraints{
				LimitDisclosure: LimitDisclosureRequired,
			},
		}
		for ns, elems := range namespaces {
			descriptor.Constraints.Fields = append(descriptor.Constraints.Fields, FormatFields(ns, false, elems...)...)
		}
		pd.InputDescriptors = append(pd.InputDescriptors, descriptor)
	}
	return pd
}
