// Package key holds the proof-of-possession keys bound to access tokens:
// COSE_Key parsing and serialization, key identifiers, and secret material
// kept in protected memory.
package key

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the COSE key type (kty).
type Type int

const (
	OKP       Type = 1
	EC2       Type = 2
	Symmetric Type = 4
)

// ErrUnknownType is returned when an unrecognized key type is encountered.
var ErrUnknownType = errors.New("unknown key type")

func (t Type) String() string {
	switch t {
	case OKP:
		return "OKP"
	case EC2:
		return "EC2"
	case Symmetric:
		return "Symmetric"
	default:
		return "Unknown"
	}
}

// Asymmetric reports whether keys of this type can authenticate a peer by
// raw public key.
func (t Type) Asymmetric() bool {
	return t == OKP || t == EC2
}

func (t *Type) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("unmarshaling key type: %w", err)
	}

	switch s {
	case "OKP":
		*t = OKP
	case "EC2":
		*t = EC2
	case "Symmetric":
		*t = Symmetric
	default:
		return ErrUnknownType
	}

	return nil
}

func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}
