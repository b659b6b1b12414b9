// Package storage persists snapshots of the token store. A snapshot is an
// ordered list of records, one per admitted token, each mapping a claim
// label in decimal text to the Base64 encoding of the claim's CBOR value.
// A record may also carry reserved named fields holding store state that
// is not part of the token's claims.
package storage

import (
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/jmcleod/acers/claims"
)

// ErrCorrupt is returned when a persisted record cannot be decoded.
var ErrCorrupt = errors.New("corrupt snapshot record")

// Record is one persisted claim set.
type Record map[string]string

// Reserved record fields. Their values are Base64 like claim values.
const (
	// FieldSubject is the authenticated name of the peer that submitted
	// the token.
	FieldSubject = "subject"
	// FieldKey is the COSE_Key a key reference resolves to, written once
	// no stored token carries that key in its own confirmation claim.
	FieldKey = "key"
)

func reserved(name string) bool {
	return name == FieldSubject || name == FieldKey
}

// SetField stores v under a reserved field name.
func (r Record) SetField(name string, v []byte) {
	r[name] = base64.StdEncoding.EncodeToString(v)
}

// Field returns the decoded value of a reserved field, or nil when the
// record does not carry it.
func (r Record) Field(name string) ([]byte, error) {
	v, ok := r[name]
	if !ok {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("%w: field %s: %w", ErrCorrupt, name, err)
	}
	return b, nil
}

// Snapshotter loads and replaces a whole snapshot. Save must fully replace
// the previous snapshot before returning. Load returns an empty snapshot
// when none has been saved yet.
type Snapshotter interface {
	Load() ([]Record, error)
	Save([]Record) error
}

// EncodeRecord converts a claim set into its persisted form.
func EncodeRecord(s claims.Set) Record {
	r := make(Record, len(s))
	for l, v := range s {
		r[strconv.Itoa(int(l))] = base64.StdEncoding.EncodeToString(v)
	}
	return r
}

// DecodeRecord converts a persisted record back into a claim set.
// Reserved fields are not claims and are skipped.
func DecodeRecord(r Record) (claims.Set, error) {
	s := make(claims.Set, len(r))
	for k, v := range r {
		if reserved(k) {
			if _, err := r.Field(k); err != nil {
				return nil, err
			}
			continue
		}
		l, err := claims.ParseLabel(k)
		if err != nil {
			return nil, fmt.Errorf("%w: label %q: %w", ErrCorrupt, k, err)
		}
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("%w: claim %s: %w", ErrCorrupt, l, err)
		}
		s[l] = b
	}
	return s, nil
}

// Labels returns the record's labels in ascending numeric order.
func (r Record) Labels() []claims.Label {
	out := make([]claims.Label, 0, len(r))
	for k := range r {
		if l, err := claims.ParseLabel(k); err == nil {
			out = append(out, l)
		}
	}
	slices.Sort(out)
	return out
}

// CloneRecords deep-copies a snapshot.
func CloneRecords(in []Record) []Record {
	if in == nil {
		return nil
	}
	out := make([]Record, len(in))
	for i, r := range in {
		c := make(Record, len(r))
		for k, v := range r {
			c[k] = v
		}
		out[i] = c
	}
	return out
}
