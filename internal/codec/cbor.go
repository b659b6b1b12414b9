// Package codec wraps the CBOR encoder and decoder used for tokens, claim
// values, COSE structures and persisted snapshots.
package codec

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) so that the
// same claim set always produces identical bytes. Token-id synthesis
// and snapshot stability depend on it.
var encMode cbor.EncMode

// decMode accepts standard CBOR with integer map keys.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// COSE structures are tagged; tags must be preserved on decode so
		// that RawTag can be inspected.
		TagsMd: cbor.TagsAllowed,
		// Untyped integers decode to int64 regardless of sign so that
		// claim values compare uniformly.
		IntDec: cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// ErrEmpty is returned by Classify when given no data.
var ErrEmpty = errors.New("codec: empty input")

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Valid reports whether data is exactly one well-formed CBOR item.
func Valid(data []byte) error {
	return decMode.Wellformed(data)
}

// RawMessage is a raw encoded CBOR value.
type RawMessage = cbor.RawMessage

// RawTag is a CBOR tag number with its undecoded content.
type RawTag = cbor.RawTag

// Kind classifies the first data item of an encoded value by its major
// type, without decoding the item.
type Kind int

const (
	KindUnsigned Kind = iota
	KindNegative
	KindBytes
	KindText
	KindArray
	KindMap
	KindTag
	KindSimple
)

func (k Kind) String() string {
	switch k {
	case KindUnsigned:
		return "unsigned"
	case KindNegative:
		return "negative"
	case KindBytes:
		return "bytes"
	case KindText:
		return "text"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	case KindTag:
		return "tag"
	default:
		return "simple"
	}
}

// Classify returns the major type of the first item in data.
func Classify(data []byte) (Kind, error) {
	if len(data) == 0 {
		return 0, ErrEmpty
	}
	return Kind(data[0] >> 5), nil
}
