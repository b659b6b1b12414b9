package claims

import (
	"errors"
	"fmt"

	"github.com/jmcleod/acers/internal/codec"
)

// ErrConfirmation is returned when the cnf claim is not one of the known
// confirmation shapes.
var ErrConfirmation = errors.New("malformed confirmation claim")

// Members of the cnf map.
const (
	cnfKey          = 1
	cnfEncryptedKey = 2
	cnfKeyID        = 3
)

// Confirmation is the key a token is bound to. It is one of PlainKey,
// EncryptedKey or KeyReference.
type Confirmation interface {
	confirmation()
}

// PlainKey carries an encoded COSE_Key.
type PlainKey struct {
	Key codec.RawMessage
}

// EncryptedKey carries a COSE_Encrypt0 message wrapping a COSE_Key.
type EncryptedKey struct {
	Message codec.RawMessage
}

// KeyReference names a key the server already holds.
type KeyReference struct {
	KeyID []byte
}

func (PlainKey) confirmation()     {}
func (EncryptedKey) confirmation() {}
func (KeyReference) confirmation() {}

// Confirmation parses the cnf claim. When several members are present a
// plain key takes precedence over an encrypted key, which takes precedence
// over a key reference.
func (s Set) Confirmation() (Confirmation, error) {
	v, err := s.raw(Cnf, codec.KindMap)
	if err != nil {
		return nil, err
	}
	return ParseConfirmation(v)
}

// ParseConfirmation decodes an encoded cnf map.
func ParseConfirmation(data []byte) (Confirmation, error) {
	var m map[int64]codec.RawMessage
	if err := codec.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfirmation, err)
	}
	if v, ok := m[cnfKey]; ok {
		if k, _ := codec.Classify(v); k != codec.KindMap {
			return nil, fmt.Errorf("%w: COSE_Key is %s", ErrConfirmation, k)
		}
		return PlainKey{Key: v}, nil
	}
	if v, ok := m[cnfEncryptedKey]; ok {
		k, _ := codec.Classify(v)
		if k != codec.KindArray && k != codec.KindTag {
			return nil, fmt.Errorf("%w: encrypted COSE_Key is %s", ErrConfirmation, k)
		}
		return EncryptedKey{Message: v}, nil
	}
	if v, ok := m[cnfKeyID]; ok {
		var kid []byte
		if k, _ := codec.Classify(v); k != codec.KindBytes {
			return nil, fmt.Errorf("%w: kid is %s", ErrConfirmation, k)
		}
		if err := codec.Unmarshal(v, &kid); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfirmation, err)
		}
		return KeyReference{KeyID: kid}, nil
	}
	return nil, fmt.Errorf("%w: no known member", ErrConfirmation)
}

// EncodeConfirmation returns the cnf map for c.
func EncodeConfirmation(c Confirmation) (codec.RawMessage, error) {
	m := map[int64]any{}
	switch c := c.(type) {
	case PlainKey:
		m[cnfKey] = c.Key
	case EncryptedKey:
		m[cnfEncryptedKey] = c.Message
	case KeyReference:
		m[cnfKeyID] = c.KeyID
	default:
		return nil, fmt.Errorf("%w: %T", ErrConfirmation, c)
	}
	return codec.Marshal(m)
}

// SetConfirmation stores c as the cnf claim.
func (s Set) SetConfirmation(c Confirmation) error {
	v, err := EncodeConfirmation(c)
	if err != nil {
		return err
	}
	s[Cnf] = v
	return nil
}
