package tokenstore

import (
	"encoding/hex"
	"fmt"
	"slices"
)

// Verify checks the key and subject indexes against the token records:
// every token's key is registered, every registered key is referenced
// with a matching count, and every subject points at the newest token
// naming it.
func (s *Store) Verify() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verifyLocked()
}

func (s *Store) verifyLocked() error {
	refs := map[string]int{}
	bySeq := map[uint64]*record{}
	for id, rec := range s.records {
		if rec.id != id {
			return fmt.Errorf("%w: token %s indexed as %s", ErrConsistency, hex.EncodeToString([]byte(rec.id)), hex.EncodeToString([]byte(id)))
		}
		if _, ok := s.keys[rec.kid]; !ok {
			return fmt.Errorf("%w: token %s references unregistered key", ErrConsistency, hex.EncodeToString([]byte(id)))
		}
		refs[rec.kid]++
		bySeq[rec.seq] = rec
	}
	for kid, e := range s.keys {
		if refs[kid] == 0 {
			return fmt.Errorf("%w: key %x is not referenced by any token", ErrConsistency, kid)
		}
		if refs[kid] != e.refs {
			return fmt.Errorf("%w: key %x counts %d references, found %d", ErrConsistency, kid, e.refs, refs[kid])
		}
	}

	newest := map[string]*record{}
	for _, rec := range s.records {
		for _, sub := range rec.subjects {
			if cur := newest[sub]; cur == nil || rec.seq > cur.seq {
				newest[sub] = rec
			}
		}
	}
	if len(newest) != len(s.subjects) {
		return fmt.Errorf("%w: %d subjects bound, %d named by tokens", ErrConsistency, len(s.subjects), len(newest))
	}
	for sub, b := range s.subjects {
		rec, ok := bySeq[b.seq]
		if !ok || !slices.Contains(rec.subjects, sub) || rec.kid != b.kid {
			return fmt.Errorf("%w: subject %q bound to a token that does not name it", ErrConsistency, sub)
		}
		if newest[sub] != rec {
			return fmt.Errorf("%w: subject %q not bound to its newest token", ErrConsistency, sub)
		}
	}
	return nil
}
