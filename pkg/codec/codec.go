// Package codec holds the process-wide CBOR encode/decode configuration
// used for every mdoc structure. ISO/IEC 18013-5 requires deterministically
// encoded CBOR, so the encode side is locked to the RFC 8949 core
// deterministic profile; the decode side stays permissive.
package codec

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const (
	// TagEncodedCBOR is the CBOR tag for an embedded, pre-encoded data item.
	TagEncodedCBOR = 24

	// TagFullDate is the CBOR tag for an RFC 8943 full-date string.
	TagFullDate = 1004
)

// FullDate is a calendar date without a time component, encoded as a
// tag 1004 text string ("YYYY-MM-DD").
type FullDate string

// NewFullDate formats t as a FullDate in UTC.
func NewFullDate(t time.Time) FullDate {
	return FullDate(t.UTC().Format("2006-01-02"))
}

// Time parses the full-date back into a time.Time at midnight UTC.
func (d FullDate) Time() (time.Time, error) {
	return time.Parse("2006-01-02", string(d))
}

var (
	mu     sync.Mutex
	frozen bool

	encOpts = defaultEncOptions()
	decOpts = defaultDecOptions()

	encMode cbor.EncMode
	decMode cbor.DecMode
)

func defaultEncOptions() cbor.EncOptions {
	return cbor.EncOptions{
		Sort:        cbor.SortCoreDeterministic,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeRFC3339,
		TimeTag:     cbor.EncTagRequired,
		NaNConvert:  cbor.NaNConvertReject,
	}
}

func defaultDecOptions() cbor.DecOptions {
	return cbor.DecOptions{}
}

func tagSet() (cbor.TagSet, error) {
	tags := cbor.NewTagSet()
	err := tags.Add(
		cbor.TagOptions{EncTag: cbor.EncTagRequired, DecTag: cbor.DecTagOptional},
		reflect.TypeOf(FullDate("")),
		TagFullDate,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register full-date tag: %w", err)
	}
	return tags, nil
}

// Options returns the CBOR options currently in effect.
func Options() (cbor.EncOptions, cbor.DecOptions) {
	mu.Lock()
	defer mu.Unlock()
	return encOpts, decOpts
}

// SetOptions replaces the process-wide CBOR options. It must be called
// before the first Marshal or Unmarshal; afterwards the options are frozen
// and SetOptions fails.
func SetOptions(enc cbor.EncOptions, dec cbor.DecOptions) error {
	mu.Lock()
	defer mu.Unlock()
	if frozen {
		return fmt.Errorf("codec options are frozen after first use")
	}
	encOpts = enc
	decOpts = dec
	encMode = nil
	decMode = nil
	return nil
}

func modes() (cbor.EncMode, cbor.DecMode, error) {
	mu.Lock()
	defer mu.Unlock()
	if encMode == nil || decMode == nil {
		tags, err := tagSet()
		if err != nil {
			return nil, nil, err
		}
		em, err := encOpts.EncModeWithTags(tags)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid encode options: %w", err)
		}
		dm, err := decOpts.DecModeWithTags(tags)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid decode options: %w", err)
		}
		encMode = em
		decMode = dm
	}
	frozen = true
	return encMode, decMode, nil
}

// Marshal encodes v with the deterministic encoding profile.
func Marshal(v interface{}) ([]byte, error) {
	em, _, err := modes()
	if err != nil {
		return nil, err
	}
	return em.Marshal(v)
}

// Unmarshal decodes data into v. Indefinite-length items are accepted;
// re-encoding normalises them.
func Unmarshal(data []byte, v interface{}) error {
	_, dm, err := modes()
	if err != nil {
		return err
	}
	if err := dm.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cbor decode failed: %w", err)
	}
	return nil
}

// Tag24 wraps already-encoded CBOR in #6.24(bstr). The returned bytes are
// the digest input mandated by 18013-5 for issuer signed items and the
// IssuerAuth payload carrying the MSO.
func Tag24(content []byte) ([]byte, error) {
	return Marshal(cbor.Tag{Number: TagEncodedCBOR, Content: content})
}

// UntagBytes unwraps a #6.24(bstr) data item to the embedded encoded CBOR.
// A bare byte string is accepted as well; some wallets omit the tag.
func UntagBytes(data []byte) ([]byte, error) {
	_, dm, err := modes()
	if err != nil {
		return nil, err
	}
	var tag cbor.Tag
	if err := dm.Unmarshal(data, &tag); err == nil && tag.Number != 0 {
		if tag.Number != TagEncodedCBOR {
			return nil, fmt.Errorf("unexpected tag number %d, want %d", tag.Number, TagEncodedCBOR)
		}
		content, ok := tag.Content.([]byte)
		if !ok {
			return nil, fmt.Errorf("unexpected tag content type: %T", tag.Content)
		}
		return content, nil
	}
	var b []byte
	if err := dm.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("cbor decode failed: %w", err)
	}
	return b, nil
}
