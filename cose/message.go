package cose

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"fmt"

	gocose "github.com/veraison/go-cose"

	"github.com/jmcleod/acers/internal/codec"
	"github.com/jmcleod/acers/internal/util"
)

// Header labels.
const (
	HeaderAlg = 1
	HeaderKid = 4
	HeaderIV  = 5
)

// CWTTag is the CBOR tag that may wrap a COSE message carrying a CWT.
const CWTTag = 61

type headers map[int64]codec.RawMessage

func (h headers) int(label int64) (int64, bool, error) {
	v, ok := h[label]
	if !ok {
		return 0, false, nil
	}
	var n int64
	if err := codec.Unmarshal(v, &n); err != nil {
		return 0, false, fmt.Errorf("%w: header %d: %w", ErrMalformed, label, err)
	}
	return n, true, nil
}

func (h headers) bytes(label int64) ([]byte, bool, error) {
	v, ok := h[label]
	if !ok {
		return nil, false, nil
	}
	var b []byte
	if err := codec.Unmarshal(v, &b); err != nil {
		return nil, false, fmt.Errorf("%w: header %d: %w", ErrMalformed, label, err)
	}
	return b, true, nil
}

// message is a decoded COSE structure. tag is the MAC or signature and is
// absent for Encrypt0.
type message struct {
	protected   []byte
	unprotected headers
	body        []byte
	tag         []byte

	protectedHeaders headers
}

func (m *message) lookup(label int64) (codec.RawMessage, bool) {
	if v, ok := m.protectedHeaders[label]; ok {
		return v, true
	}
	v, ok := m.unprotected[label]
	return v, ok
}

func (m *message) algorithm() (int64, error) {
	v, ok := m.lookup(HeaderAlg)
	if !ok {
		return 0, fmt.Errorf("%w: alg header missing", ErrMalformed)
	}
	n, _, err := headers{HeaderAlg: v}.int(HeaderAlg)
	return n, err
}

// unwrap strips the optional CWT tag and COSE tag around a message.
func unwrap(data []byte, want MessageType) ([]byte, error) {
	for range 2 {
		k, err := codec.Classify(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if k != codec.KindTag {
			return data, nil
		}
		var tag codec.RawTag
		if err := codec.Unmarshal(data, &tag); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		switch tag.Number {
		case CWTTag:
		case uint64(want):
		default:
			return nil, fmt.Errorf("%w: tag %d for %s", ErrMalformed, tag.Number, want)
		}
		data = tag.Content
	}
	return data, nil
}

func decode(data []byte, typ MessageType) (*message, error) {
	data, err := unwrap(data, typ)
	if err != nil {
		return nil, err
	}
	if k, _ := codec.Classify(data); k != codec.KindArray {
		return nil, fmt.Errorf("%w: not an array", ErrMalformed)
	}
	var parts []codec.RawMessage
	if err := codec.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	want := 4
	if typ == Encrypt0 {
		want = 3
	}
	if len(parts) != want {
		return nil, fmt.Errorf("%w: %s has %d elements", ErrMalformed, typ, len(parts))
	}

	m := &message{}
	if err := codec.Unmarshal(parts[0], &m.protected); err != nil {
		return nil, fmt.Errorf("%w: protected header: %w", ErrMalformed, err)
	}
	if len(m.protected) > 0 {
		if err := codec.Unmarshal(m.protected, &m.protectedHeaders); err != nil {
			return nil, fmt.Errorf("%w: protected header: %w", ErrMalformed, err)
		}
	}
	if err := codec.Unmarshal(parts[1], &m.unprotected); err != nil {
		return nil, fmt.Errorf("%w: unprotected header: %w", ErrMalformed, err)
	}
	if err := codec.Unmarshal(parts[2], &m.body); err != nil {
		return nil, fmt.Errorf("%w: payload: %w", ErrMalformed, err)
	}
	if typ != Encrypt0 {
		if err := codec.Unmarshal(parts[3], &m.tag); err != nil {
			return nil, fmt.Errorf("%w: tag: %w", ErrMalformed, err)
		}
	}
	return m, nil
}

func encode(typ MessageType, protected []byte, unprotected map[int64]any, body, tag []byte) ([]byte, error) {
	parts := []any{protected, unprotected, nilToEmpty(body)}
	if typ != Encrypt0 {
		parts = append(parts, tag)
	}
	return codec.Marshal(codec.RawTag{Number: uint64(typ), Content: mustMarshal(parts)})
}

func mustMarshal(v any) []byte {
	b, err := codec.Marshal(v)
	if err != nil {
		panic("cose: encoding internal structure: " + err.Error())
	}
	return b
}

// toBeMACed returns the MAC_structure for a Mac0 message.
func toBeMACed(protected, external, payload []byte) []byte {
	return mustMarshal([]any{"MAC0", protected, nilToEmpty(external), nilToEmpty(payload)})
}

// encStructure returns the Enc_structure used as AEAD associated data.
func encStructure(protected, external []byte) []byte {
	return mustMarshal([]any{"Encrypt0", protected, nilToEmpty(external)})
}

func nilToEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// Process verifies or decrypts a message protected according to c and
// returns its payload.
func Process(data []byte, c *Context) ([]byte, error) {
	m, err := decode(data, c.typ)
	if err != nil {
		return nil, err
	}
	alg, err := m.algorithm()
	if err != nil {
		return nil, err
	}
	if alg != c.alg {
		if !supported(c.typ, alg) {
			return nil, fmt.Errorf("%w: %d", ErrUnsupportedAlgorithm, alg)
		}
		return nil, fmt.Errorf("%w: algorithm %d, expected %d", ErrVerification, alg, c.alg)
	}

	switch c.typ {
	case MAC0:
		return m.verifyMAC(c)
	case Sign1:
		return verifySign1(data, c)
	case Encrypt0:
		return m.decrypt(c)
	}
	return nil, fmt.Errorf("%w: message type %s", ErrUnsupportedAlgorithm, c.typ)
}

func supported(typ MessageType, alg int64) bool {
	var err error
	switch typ {
	case MAC0:
		_, err = macFor(alg)
	case Sign1:
		_, err = signatureFor(alg)
	case Encrypt0:
		_, err = aeadFor(alg)
	}
	return err == nil
}

func (m *message) verifyMAC(c *Context) ([]byte, error) {
	mac, err := macFor(c.alg)
	if err != nil {
		return nil, err
	}
	k, err := c.contentKey(mac.keySize, m.protected)
	if err != nil {
		return nil, err
	}
	expected := mac.sum(k, toBeMACed(m.protected, c.externalAAD, m.body))
	if !hmac.Equal(expected, m.tag) {
		return nil, ErrVerification
	}
	return m.body, nil
}

// verifySign1 checks a COSE_Sign1 message against the context's public
// key.
func verifySign1(data []byte, c *Context) ([]byte, error) {
	sa, err := signatureFor(c.alg)
	if err != nil {
		return nil, err
	}
	if !sa.fits(c.verifier) {
		return nil, fmt.Errorf("%w: key does not match algorithm %d", ErrKey, c.alg)
	}
	verifier, err := gocose.NewVerifier(gocose.Algorithm(c.alg), c.verifier)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKey, err)
	}

	body, err := unwrap(data, Sign1)
	if err != nil {
		return nil, err
	}
	tagged, err := codec.Marshal(codec.RawTag{Number: uint64(Sign1), Content: body})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	var msg gocose.Sign1Message
	if err := msg.UnmarshalCBOR(tagged); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := msg.Verify(c.externalAAD, verifier); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVerification, err)
	}
	return nilToEmpty(msg.Payload), nil
}

func (m *message) decrypt(c *Context) ([]byte, error) {
	ae, err := aeadFor(c.alg)
	if err != nil {
		return nil, err
	}
	v, ok := m.lookup(HeaderIV)
	if !ok {
		return nil, fmt.Errorf("%w: IV missing", ErrMalformed)
	}
	iv, _, err := headers{HeaderIV: v}.bytes(HeaderIV)
	if err != nil {
		return nil, err
	}
	k, err := c.contentKey(ae.keySize, m.protected)
	if err != nil {
		return nil, err
	}
	aead, err := ae.build(k)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKey, err)
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: IV is %d bytes", ErrMalformed, len(iv))
	}
	plain, err := aead.Open(nil, iv, m.body, encStructure(m.protected, c.externalAAD))
	if err != nil {
		return nil, ErrVerification
	}
	return plain, nil
}

func (c *Context) protectedHeader() []byte {
	return mustMarshal(map[int64]any{HeaderAlg: c.alg})
}

func (c *Context) unprotectedHeader() map[int64]any {
	h := map[int64]any{}
	if len(c.keyID) > 0 {
		h[HeaderKid] = c.keyID
	}
	return h
}

// Create protects payload with the context's message type.
func Create(payload []byte, c *Context) ([]byte, error) {
	switch c.typ {
	case MAC0:
		return CreateMAC0(payload, c)
	case Sign1:
		return CreateSign1(payload, c)
	case Encrypt0:
		return CreateEncrypt0(payload, c)
	}
	return nil, fmt.Errorf("%w: message type %s", ErrUnsupportedAlgorithm, c.typ)
}

// CreateMAC0 returns a tagged COSE_Mac0 message over payload.
func CreateMAC0(payload []byte, c *Context) ([]byte, error) {
	mac, err := macFor(c.alg)
	if err != nil {
		return nil, err
	}
	protected := c.protectedHeader()
	k, err := c.contentKey(mac.keySize, protected)
	if err != nil {
		return nil, err
	}
	tag := mac.sum(k, toBeMACed(protected, c.externalAAD, payload))
	return encode(MAC0, protected, c.unprotectedHeader(), payload, tag)
}

// CreateSign1 returns a tagged COSE_Sign1 message over payload.
func CreateSign1(payload []byte, c *Context) ([]byte, error) {
	sa, err := signatureFor(c.alg)
	if err != nil {
		return nil, err
	}
	if c.signer == nil {
		return nil, fmt.Errorf("%w: no signing key", ErrKey)
	}
	if !sa.fits(c.signer) {
		return nil, fmt.Errorf("%w: key does not match algorithm %d", ErrKey, c.alg)
	}
	signer, err := gocose.NewSigner(gocose.Algorithm(c.alg), c.signer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKey, err)
	}

	msg := gocose.NewSign1Message()
	msg.Headers.Protected.SetAlgorithm(gocose.Algorithm(c.alg))
	if len(c.keyID) > 0 {
		msg.Headers.Unprotected[gocose.HeaderLabelKeyID] = c.keyID
	}
	msg.Payload = nilToEmpty(payload)
	if err := msg.Sign(rand.Reader, c.externalAAD, signer); err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	return msg.MarshalCBOR()
}

// CreateEncrypt0 returns a tagged COSE_Encrypt0 message encrypting payload
// under a fresh random IV.
func CreateEncrypt0(payload []byte, c *Context) ([]byte, error) {
	ae, err := aeadFor(c.alg)
	if err != nil {
		return nil, err
	}
	protected := c.protectedHeader()
	k, err := c.contentKey(ae.keySize, protected)
	if err != nil {
		return nil, err
	}
	aead, err := ae.build(k)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKey, err)
	}
	iv, err := util.RandomBytes(aead.NonceSize())
	if err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, iv, payload, encStructure(protected, c.externalAAD))
	unprotected := c.unprotectedHeader()
	unprotected[HeaderIV] = iv
	return encode(Encrypt0, protected, unprotected, ct, nil)
}

// KeyID returns the kid header of a message, if any, without verifying it.
func KeyID(data []byte, typ MessageType) ([]byte, bool) {
	m, err := decode(data, typ)
	if err != nil {
		return nil, false
	}
	v, ok := m.lookup(HeaderKid)
	if !ok {
		return nil, false
	}
	kid, ok, err := headers{HeaderKid: v}.bytes(HeaderKid)
	if err != nil || !ok {
		return nil, false
	}
	return bytes.Clone(kid), true
}
