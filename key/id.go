package key

import (
	"bytes"
	"encoding/base64"
	"fmt"
)

// ID is a key identifier. Its canonical text form is standard Base64.
type ID []byte

func (id ID) String() string {
	return base64.StdEncoding.EncodeToString(id)
}

// Equal reports whether both identifiers hold the same bytes.
func (id ID) Equal(other ID) bool {
	return bytes.Equal(id, other)
}

// ParseID parses the canonical text form of a key identifier.
func ParseID(s string) (ID, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("parsing key id: %w", err)
	}
	if len(b) == 0 {
		return nil, ErrMissingKeyID
	}
	return ID(b), nil
}
