package tokenstore

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmcleod/acers/claims"
	"github.com/jmcleod/acers/cnf"
	"github.com/jmcleod/acers/key"
	"github.com/jmcleod/acers/storage"
)

// persisted is one decoded snapshot record.
type persisted struct {
	seq     uint64
	claims  claims.Set
	subject string
	key     []byte
}

// load replays admission over the persisted snapshot. Keys written beside
// a key reference are registered first; a reference whose bearing token
// comes later in the file is retried once every other token is in. Each
// token keeps its position in the file as its admission order. Tokens
// that no longer admit are dropped with a warning; they disappear from
// the file on the next mutation.
func (s *Store) load() error {
	records, err := s.snap.Load()
	if err != nil {
		return fmt.Errorf("loading token snapshot: %w", err)
	}

	entries := make([]persisted, 0, len(records))
	for i, r := range records {
		e, err := decodePersisted(uint64(i), r)
		if err != nil {
			return fmt.Errorf("loading token snapshot: record %d: %w", i, err)
		}
		entries = append(entries, e)
	}

	for _, e := range entries {
		if e.key != nil {
			s.restoreKeyLocked(e.key)
		}
	}

	var deferred []persisted
	for _, e := range entries {
		err := s.replayLocked(e)
		if errors.Is(err, cnf.ErrUnknownKeyID) {
			deferred = append(deferred, e)
			continue
		}
		if err != nil {
			s.logger.Warn("dropping persisted token", slog.String("error", err.Error()))
		}
	}
	for _, e := range deferred {
		if err := s.replayLocked(e); err != nil {
			s.logger.Warn("dropping persisted token", slog.String("error", err.Error()))
		}
	}

	for kid, e := range s.keys {
		if e.refs == 0 {
			e.key.Destroy()
			delete(s.keys, kid)
		}
	}
	s.nextSeq = uint64(len(entries))

	if len(entries) > 0 {
		s.logger.Info("token snapshot loaded",
			slog.Int("records", len(entries)),
			slog.Int("tokens", len(s.records)))
	}
	return nil
}

func decodePersisted(seq uint64, r storage.Record) (persisted, error) {
	c, err := storage.DecodeRecord(r)
	if err != nil {
		return persisted{}, err
	}
	subject, err := r.Field(storage.FieldSubject)
	if err != nil {
		return persisted{}, err
	}
	k, err := r.Field(storage.FieldKey)
	if err != nil {
		return persisted{}, err
	}
	return persisted{seq: seq, claims: c, subject: string(subject), key: k}, nil
}

// restoreKeyLocked registers a persisted key with no references yet.
func (s *Store) restoreKeyLocked(data []byte) {
	k, err := key.Parse(data)
	if err != nil {
		s.logger.Warn("dropping persisted key", slog.String("error", err.Error()))
		return
	}
	if e, ok := s.keys[string(k.ID())]; ok {
		if !sameKey(e.key, k) {
			s.logger.Warn("dropping persisted key",
				slog.String("kid", k.ID().String()),
				slog.String("error", ErrKeyConflict.Error()))
		}
		k.Destroy()
		return
	}
	s.keys[string(k.ID())] = &keyEntry{key: k}
}

func (s *Store) replayLocked(e persisted) error {
	p, err := s.prepareLocked(e.claims.Clone(), e.subject)
	if err != nil {
		return err
	}
	s.nextSeq = e.seq
	s.commitLocked(p)
	return nil
}
