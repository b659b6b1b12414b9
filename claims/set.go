package claims

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/jmcleod/acers/internal/codec"
	"github.com/jmcleod/acers/internal/util"
)

var (
	// ErrMissing is returned when a requested claim is absent.
	ErrMissing = errors.New("claim missing")
	// ErrWrongType is returned when a claim does not have the expected CBOR type.
	ErrWrongType = errors.New("claim has wrong type")
	// ErrMalformed is returned when bytes do not decode to a claims map.
	ErrMalformed = errors.New("malformed claims map")
)

// tokenIDSize is the length of a synthesized token identifier.
const tokenIDSize = 16

// Set maps claim labels to their encoded CBOR values. Values stay encoded
// so that persistence and hashing work on the exact bytes received.
type Set map[Label]codec.RawMessage

// Decode parses a CBOR map with integer keys into a Set.
func Decode(data []byte) (Set, error) {
	k, err := codec.Classify(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if k != codec.KindMap {
		return nil, fmt.Errorf("%w: got %s", ErrMalformed, k)
	}
	var s Set
	if err := codec.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if s == nil {
		s = Set{}
	}
	return s, nil
}

// Encode returns the deterministic CBOR encoding of the set.
func (s Set) Encode() ([]byte, error) {
	return codec.Marshal(map[Label]codec.RawMessage(s))
}

// Clone returns a deep copy of the set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for l, v := range s {
		out[l] = codec.RawMessage(util.CopyBytes(v))
	}
	return out
}

// Merge copies every claim of other into s; values from other win.
func (s Set) Merge(other Set) {
	for l, v := range other {
		s[l] = codec.RawMessage(util.CopyBytes(v))
	}
}

// Hash returns a token identifier derived from the deterministic encoding
// of the whole set.
func (s Set) Hash() ([]byte, error) {
	data, err := s.Encode()
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	return sum[:tokenIDSize], nil
}

// Has reports whether the claim is present.
func (s Set) Has(l Label) bool {
	_, ok := s[l]
	return ok
}

func (s Set) raw(l Label, want ...codec.Kind) (codec.RawMessage, error) {
	v, ok := s[l]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissing, l)
	}
	k, err := codec.Classify(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrWrongType, l)
	}
	for _, w := range want {
		if k == w {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %s is %s", ErrWrongType, l, k)
}

// Text returns a text string claim.
func (s Set) Text(l Label) (string, error) {
	v, err := s.raw(l, codec.KindText)
	if err != nil {
		return "", err
	}
	var out string
	if err := codec.Unmarshal(v, &out); err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrWrongType, l, err)
	}
	return out, nil
}

// Bytes returns a byte string claim.
func (s Set) Bytes(l Label) ([]byte, error) {
	v, err := s.raw(l, codec.KindBytes)
	if err != nil {
		return nil, err
	}
	var out []byte
	if err := codec.Unmarshal(v, &out); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrWrongType, l, err)
	}
	return out, nil
}

// Int returns an integer claim.
func (s Set) Int(l Label) (int64, error) {
	v, err := s.raw(l, codec.KindUnsigned, codec.KindNegative)
	if err != nil {
		return 0, err
	}
	var out int64
	if err := codec.Unmarshal(v, &out); err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrWrongType, l, err)
	}
	return out, nil
}

// Bool returns a boolean claim.
func (s Set) Bool(l Label) (bool, error) {
	v, err := s.raw(l, codec.KindSimple)
	if err != nil {
		return false, err
	}
	var out bool
	if err := codec.Unmarshal(v, &out); err != nil {
		return false, fmt.Errorf("%w: %s: %w", ErrWrongType, l, err)
	}
	return out, nil
}

// Audiences returns the aud claim as a list. A single text string becomes
// a one-element list; array entries that are not text strings are skipped.
func (s Set) Audiences() ([]string, error) {
	v, err := s.raw(Aud, codec.KindText, codec.KindArray)
	if err != nil {
		return nil, err
	}
	if k, _ := codec.Classify(v); k == codec.KindText {
		aud, err := s.Text(Aud)
		if err != nil {
			return nil, err
		}
		return []string{aud}, nil
	}
	var items []codec.RawMessage
	if err := codec.Unmarshal(v, &items); err != nil {
		return nil, fmt.Errorf("%w: aud: %w", ErrWrongType, err)
	}
	var out []string
	for _, item := range items {
		var aud string
		if k, _ := codec.Classify(item); k != codec.KindText {
			continue
		}
		if err := codec.Unmarshal(item, &aud); err == nil {
			out = append(out, aud)
		}
	}
	return out, nil
}

// Expired reports whether the exp claim, if present, lies before now.
func (s Set) Expired(now time.Time) (bool, error) {
	if !s.Has(Exp) {
		return false, nil
	}
	exp, err := s.Int(Exp)
	if err != nil {
		return false, err
	}
	return now.After(time.Unix(exp, 0)), nil
}

// NotYetValid reports whether the nbf claim, if present, lies after now.
func (s Set) NotYetValid(now time.Time) (bool, error) {
	if !s.Has(Nbf) {
		return false, nil
	}
	nbf, err := s.Int(Nbf)
	if err != nil {
		return false, err
	}
	return now.Before(time.Unix(nbf, 0)), nil
}

// Put encodes v and stores it under l.
func (s Set) Put(l Label, v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding claim %s: %w", l, err)
	}
	s[l] = data
	return nil
}
