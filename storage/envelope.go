package storage

import (
	"encoding/json"
	"fmt"

	"github.com/jmcleod/acers/internal/util"
)

const (
	envelopeVersion = 1
	envelopeScheme  = "aes256gcm"
	nonceSize       = 12
)

// Envelope is a sealed record containing AES-256-GCM encrypted data.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// SealRecord encrypts plaintext into an Envelope using the given record key and AAD.
func SealRecord(recordKey, plaintext, aad []byte) (*Envelope, error) {
	sealed, err := util.EncryptAESWithAAD(plaintext, recordKey, aad)
	if err != nil {
		return nil, err
	}
	// nonce || ciphertext
	return &Envelope{
		Ver:        envelopeVersion,
		Scheme:     envelopeScheme,
		Nonce:      sealed[:nonceSize],
		Ciphertext: sealed[nonceSize:],
	}, nil
}

// OpenRecord decrypts an Envelope using the given record key and AAD.
func OpenRecord(recordKey []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope.Ver != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != envelopeScheme {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}
	if len(envelope.Nonce) != nonceSize {
		return nil, fmt.Errorf("envelope nonce is %d bytes", len(envelope.Nonce))
	}
	return util.DecryptAESWithAAD(append(util.CopyBytes(envelope.Nonce), envelope.Ciphertext...), recordKey, aad)
}

// SealSnapshotRecord encodes r and seals it into the JSON form of an
// Envelope. aad must bind the record to its place in the snapshot.
func SealSnapshotRecord(recordKey []byte, r Record, aad []byte) ([]byte, error) {
	plain, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(plain)
	env, err := SealRecord(recordKey, plain, aad)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// OpenSnapshotRecord reverses SealSnapshotRecord. Every failure is
// ErrCorrupt.
func OpenSnapshotRecord(recordKey, data, aad []byte) (Record, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	plain, err := OpenRecord(recordKey, &env, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	defer util.WipeBytes(plain)
	var r Record
	if err := json.Unmarshal(plain, &r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return r, nil
}
