// Package popkey resolves the identity a peer presents during a PSK
// handshake to the proof-of-possession key it must demonstrate.
package popkey

import (
	"context"
	"encoding/base64"
	"log/slog"

	"github.com/jmcleod/acers/authzinfo"
	"github.com/jmcleod/acers/internal/codec"
	"github.com/jmcleod/acers/key"
	"github.com/jmcleod/acers/message"
	"github.com/jmcleod/acers/tokenstore"
)

// Identity map labels.
const (
	labelAccessToken = 1
	labelKeyID       = 2
)

// Lookup serves handshake key requests.
type Lookup struct {
	store    *tokenstore.Store
	endpoint *authzinfo.Endpoint
	logger   *slog.Logger
}

// Option configures a Lookup.
type Option func(*Lookup)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(lk *Lookup) {
		lk.logger = l
	}
}

// New returns a Lookup over store. endpoint admits access tokens carried
// in the identity and may be nil to disable that path.
func New(store *tokenstore.Store, endpoint *authzinfo.Endpoint, opts ...Option) *Lookup {
	lk := &Lookup{store: store, endpoint: endpoint, logger: slog.Default()}
	for _, opt := range opts {
		opt(lk)
	}
	return lk
}

// Key returns a copy of the symmetric key material for identity, or nil
// when none can be found. The identity is either the Base64 text of a key
// id, or a Base64 CBOR map carrying a key id (label 2) or an access token
// (label 1). A carried token is admitted as if posted to authz-info.
func (lk *Lookup) Key(ctx context.Context, identity string) []byte {
	if kid, err := key.ParseID(identity); err == nil {
		if k, ok := lk.store.Key(kid); ok {
			return lk.secret(k)
		}
	}
	// An identity that already delivered a token is bound to its key.
	if kid, ok := lk.store.KeyIDForSubject(identity); ok {
		if k, ok := lk.store.Key(kid); ok {
			return lk.secret(k)
		}
	}

	raw, err := base64.StdEncoding.DecodeString(identity)
	if err != nil {
		lk.logger.Debug("psk identity is not base64", slog.String("error", err.Error()))
		return nil
	}
	params, err := message.Parameters(raw)
	if err != nil {
		lk.logger.Debug("psk identity is not a CBOR map", slog.String("error", err.Error()))
		return nil
	}

	if v, ok := params[labelKeyID]; ok {
		var kid []byte
		if k, _ := codec.Classify(v); k != codec.KindBytes {
			lk.logger.Debug("psk identity kid is not a byte string")
			return nil
		}
		if err := codec.Unmarshal(v, &kid); err != nil || len(kid) == 0 {
			lk.logger.Debug("psk identity kid is not a byte string")
			return nil
		}
		k, ok := lk.store.Key(key.ID(kid))
		if !ok {
			lk.logger.Info("no key for psk identity", slog.String("kid", key.ID(kid).String()))
			return nil
		}
		return lk.secret(k)
	}

	token, ok := params[labelAccessToken]
	if !ok || lk.endpoint == nil {
		lk.logger.Debug("psk identity carries neither kid nor access token")
		return nil
	}
	res, err := lk.endpoint.Admit(ctx, token, identity)
	if err != nil {
		lk.logger.Info("token in psk identity not admitted", slog.String("error", err.Error()))
		return nil
	}
	k, ok := lk.store.PoPKey(res.TokenID)
	if !ok {
		return nil
	}
	return lk.secret(k)
}

// secret returns symmetric key material. Asymmetric keys cannot serve as
// a pre-shared key.
func (lk *Lookup) secret(k key.Key) []byte {
	defer k.Destroy()
	if k.Type() != key.Symmetric {
		return nil
	}
	s, err := k.Secret()
	if err != nil {
		lk.logger.Warn("key material unavailable", slog.String("kid", k.ID().String()), slog.String("error", err.Error()))
		return nil
	}
	return s
}
