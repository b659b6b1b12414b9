// Package tokenstore holds the admitted access tokens, the keys they are
// bound to, and the access decision over them.
package tokenstore

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jmcleod/acers/claims"
	"github.com/jmcleod/acers/cnf"
	"github.com/jmcleod/acers/key"
	"github.com/jmcleod/acers/storage"
)

var (
	ErrDuplicateToken      = errors.New("token id already admitted")
	ErrMissingScope        = errors.New("token has no scope")
	ErrMissingConfirmation = errors.New("token has no confirmation key")
	ErrKeyConflict         = errors.New("key id already bound to other key material")
	ErrNotFound            = errors.New("token not found")
	ErrPersist             = errors.New("persisting token snapshot")
	ErrClosed              = errors.New("token store closed")
	// ErrConsistency marks a stored token that violates the store's own
	// invariants. It indicates a defect, never a client error.
	ErrConsistency = errors.New("token store consistency violation")
)

// record is one admitted token. Claims are never mutated after commit.
type record struct {
	seq      uint64
	id       string
	claims   claims.Set
	kid      string
	subjects []string
	// submitter is the authenticated sender that posted the token.
	submitter string
	// bearer is set when the confirmation claim carries the key itself.
	bearer bool
}

type keyEntry struct {
	key  key.Key
	refs int
}

// binding maps a subject to the key of the most recently admitted token
// naming it.
type binding struct {
	kid string
	seq uint64
}

// Store is the token store. Mutations are serialized and persisted before
// they become visible; decisions and lookups run concurrently with each
// other.
type Store struct {
	mu       sync.RWMutex
	records  map[string]*record
	keys     map[string]*keyEntry
	subjects map[string]binding
	nextSeq  uint64
	closed   bool

	snap     storage.Snapshotter
	scopes   ScopeValidator
	resolver *cnf.Resolver
	logger   *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithResolver sets the confirmation-key resolver. The default cannot
// decrypt encrypted confirmation keys.
func WithResolver(r *cnf.Resolver) Option {
	return func(s *Store) {
		s.resolver = r
	}
}

// New returns a Store persisting to snap and restores the tokens of the
// last saved snapshot.
func New(snap storage.Snapshotter, scopes ScopeValidator, opts ...Option) (*Store, error) {
	s := &Store{
		records:  map[string]*record{},
		keys:     map[string]*keyEntry{},
		subjects: map[string]binding{},
		snap:     snap,
		scopes:   scopes,
		resolver: cnf.NewResolver(nil),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// prepared is an admission checked against the current state but not yet
// committed.
type prepared struct {
	rec    *record
	newKey key.Key
}

func (p *prepared) discard() {
	if p.newKey != nil {
		p.newKey.Destroy()
	}
}

func tokenID(c claims.Set) ([]byte, error) {
	if c.Has(claims.Cti) {
		id, err := c.Bytes(claims.Cti)
		if err != nil {
			return nil, err
		}
		if len(id) == 0 {
			return nil, fmt.Errorf("%w: empty cti", claims.ErrWrongType)
		}
		return id, nil
	}
	id, err := c.Hash()
	if err != nil {
		return nil, fmt.Errorf("deriving token id: %w", err)
	}
	if err := c.Put(claims.Cti, id); err != nil {
		return nil, err
	}
	return id, nil
}

func sameKey(a, b key.Key) bool {
	ea, err := key.Marshal(a)
	if err != nil {
		return false
	}
	eb, err := key.Marshal(b)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(ea, eb) == 1
}

// prepareLocked validates c for admission. It takes ownership of c.
func (s *Store) prepareLocked(c claims.Set, subject string) (*prepared, error) {
	if _, err := c.Text(claims.Scope); err != nil {
		if errors.Is(err, claims.ErrMissing) {
			return nil, ErrMissingScope
		}
		return nil, err
	}
	// Claims consulted by Decide must have the right type once stored.
	if _, err := c.Expired(time.Time{}); err != nil {
		return nil, err
	}
	if _, err := c.NotYetValid(time.Time{}); err != nil {
		return nil, err
	}
	if c.Has(claims.Sub) {
		if _, err := c.Text(claims.Sub); err != nil {
			return nil, err
		}
	}

	id, err := tokenID(c)
	if err != nil {
		return nil, err
	}
	if _, dup := s.records[string(id)]; dup {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateToken, hex.EncodeToString(id))
	}

	conf, err := c.Confirmation()
	if err != nil {
		if errors.Is(err, claims.ErrMissing) {
			return nil, ErrMissingConfirmation
		}
		return nil, err
	}
	res, err := s.resolver.Resolve(conf, subject, s.hasKeyLocked)
	if err != nil {
		return nil, err
	}

	p := &prepared{rec: &record{
		id:        string(id),
		claims:    c,
		kid:       string(res.KeyID),
		subjects:  res.Subjects,
		submitter: subject,
		bearer:    res.Key != nil,
	}}
	if res.Key != nil {
		if e, ok := s.keys[p.rec.kid]; ok {
			same := sameKey(e.key, res.Key)
			res.Key.Destroy()
			if !same {
				return nil, fmt.Errorf("%w: %s", ErrKeyConflict, res.KeyID)
			}
		} else {
			p.newKey = res.Key
		}
	}
	return p, nil
}

func (s *Store) commitLocked(p *prepared) {
	rec := p.rec
	rec.seq = s.nextSeq
	s.nextSeq++
	s.records[rec.id] = rec

	if p.newKey != nil {
		s.keys[rec.kid] = &keyEntry{key: p.newKey}
	}
	s.keys[rec.kid].refs++
	for _, sub := range rec.subjects {
		if b, ok := s.subjects[sub]; ok && b.seq > rec.seq {
			continue
		}
		s.subjects[sub] = binding{kid: rec.kid, seq: rec.seq}
	}
}

func (s *Store) dropLocked(rec *record) {
	delete(s.records, rec.id)

	if e := s.keys[rec.kid]; e != nil {
		e.refs--
		if e.refs <= 0 {
			e.key.Destroy()
			delete(s.keys, rec.kid)
		}
	}

	for _, sub := range rec.subjects {
		if b, ok := s.subjects[sub]; !ok || b.seq != rec.seq {
			continue
		}
		delete(s.subjects, sub)
		var newest *record
		for _, other := range s.records {
			if slices.Contains(other.subjects, sub) && (newest == nil || other.seq > newest.seq) {
				newest = other
			}
		}
		if newest != nil {
			s.subjects[sub] = binding{kid: newest.kid, seq: newest.seq}
		}
	}
}

// orderedLocked returns the records sorted by admission order.
func (s *Store) orderedLocked() []*record {
	out := make([]*record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b *record) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return out
}

// snapshotLocked returns the snapshot that results from removing the
// records in without and appending add. A key whose bearing tokens are
// all gone is written into the first remaining token referencing it.
func (s *Store) snapshotLocked(add *record, without map[string]bool) ([]storage.Record, error) {
	kept := make([]*record, 0, len(s.records)+1)
	for _, r := range s.orderedLocked() {
		if !without[r.id] {
			kept = append(kept, r)
		}
	}
	if add != nil {
		kept = append(kept, add)
	}

	carried := map[string]bool{}
	for _, r := range kept {
		if r.bearer {
			carried[r.kid] = true
		}
	}
	out := make([]storage.Record, 0, len(kept))
	for _, r := range kept {
		rec := storage.EncodeRecord(r.claims)
		if r.submitter != "" {
			rec.SetField(storage.FieldSubject, []byte(r.submitter))
		}
		if !carried[r.kid] {
			e, ok := s.keys[r.kid]
			if !ok {
				return nil, fmt.Errorf("%w: token %s references unregistered key", ErrConsistency, hex.EncodeToString([]byte(r.id)))
			}
			data, err := key.Marshal(e.key)
			if err != nil {
				return nil, fmt.Errorf("encoding key %s: %w", key.ID(r.kid), err)
			}
			rec.SetField(storage.FieldKey, data)
			carried[r.kid] = true
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) saveLocked(add *record, without map[string]bool) error {
	records, err := s.snapshotLocked(add, without)
	if err != nil {
		return err
	}
	if err := s.snap.Save(records); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

// Admit stores a validated claim set and binds its confirmation key.
// subject is the authenticated identity of the submitting peer, if any.
// A token id is derived from the claims when they carry none. The token
// is persisted before Admit returns; on any error nothing changes.
func (s *Store) Admit(c claims.Set, subject string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	p, err := s.prepareLocked(c.Clone(), subject)
	if err != nil {
		return nil, err
	}
	if err := s.saveLocked(p.rec, nil); err != nil {
		p.discard()
		return nil, err
	}
	s.commitLocked(p)

	s.logger.Debug("token admitted",
		slog.String("cti", hex.EncodeToString([]byte(p.rec.id))),
		slog.String("kid", key.ID(p.rec.kid).String()))
	return []byte(p.rec.id), nil
}

// Remove deletes a token and any key no other token references.
func (s *Store) Remove(id []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	rec, ok := s.records[string(id)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, hex.EncodeToString(id))
	}
	if err := s.saveLocked(nil, map[string]bool{rec.id: true}); err != nil {
		return err
	}
	s.dropLocked(rec)
	return nil
}

// Sweep removes every token expired at now and returns their ids.
func (s *Store) Sweep(now time.Time) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var expired []*record
	without := map[string]bool{}
	for _, rec := range s.orderedLocked() {
		gone, err := rec.claims.Expired(now)
		if err != nil {
			s.logger.Error("stored token has malformed expiry",
				slog.String("cti", hex.EncodeToString([]byte(rec.id))),
				slog.String("error", err.Error()))
			return nil, fmt.Errorf("%w: %w", ErrConsistency, err)
		}
		if gone {
			expired = append(expired, rec)
			without[rec.id] = true
		}
	}
	if len(expired) == 0 {
		return nil, nil
	}
	if err := s.saveLocked(nil, without); err != nil {
		return nil, err
	}

	ids := make([][]byte, 0, len(expired))
	for _, rec := range expired {
		s.dropLocked(rec)
		ids = append(ids, []byte(rec.id))
	}
	s.logger.Debug("expired tokens removed", slog.Int("count", len(ids)))
	return ids, nil
}

// Close persists the final snapshot and wipes all key material. The store
// rejects further mutations.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.saveLocked(nil, nil)
	for _, e := range s.keys {
		e.key.Destroy()
	}
	return err
}

func (s *Store) hasKeyLocked(kid key.ID) bool {
	_, ok := s.keys[string(kid)]
	return ok
}

// HasKey reports whether some token is bound to kid.
func (s *Store) HasKey(kid key.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasKeyLocked(kid)
}

// Key returns a copy of the key registered under kid.
func (s *Store) Key(kid key.ID) (key.Key, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.keys[string(kid)]
	if !ok || s.closed {
		return nil, false
	}
	return e.key.Copy(), true
}

// PoPKey returns a copy of the key the token id is bound to.
func (s *Store) PoPKey(id []byte) (key.Key, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[string(id)]
	if !ok || s.closed {
		return nil, false
	}
	e, ok := s.keys[rec.kid]
	if !ok {
		return nil, false
	}
	return e.key.Copy(), true
}

// KeyIDForSubject returns the key bound to an authenticated peer name.
func (s *Store) KeyIDForSubject(subject string) (key.ID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.subjects[subject]
	if !ok {
		return nil, false
	}
	return key.ID(b.kid), true
}

// Tokens returns the ids of all stored tokens in admission order.
func (s *Store) Tokens() [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.orderedLocked()
	ids := make([][]byte, len(recs))
	for i, r := range recs {
		ids[i] = []byte(r.id)
	}
	return ids
}

// Len returns the number of stored tokens.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Info describes a stored token.
type Info struct {
	ID       []byte
	KeyID    key.ID
	Subjects []string
	Claims   claims.Set
}

// Info returns a copy of what the store holds for a token id.
func (s *Store) Info(id []byte) (Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[string(id)]
	if !ok {
		return Info{}, false
	}
	return Info{
		ID:       []byte(rec.id),
		KeyID:    key.ID(rec.kid),
		Subjects: slices.Clone(rec.subjects),
		Claims:   rec.claims.Clone(),
	}, true
}
