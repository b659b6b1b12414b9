package message

import (
	"fmt"

	"github.com/jmcleod/acers/internal/codec"
)

// ErrorCode is an OAuth error code in its CBOR abbreviation.
type ErrorCode int

const (
	InvalidRequest          ErrorCode = 1
	InvalidClient           ErrorCode = 2
	InvalidGrant            ErrorCode = 3
	UnauthorizedClient      ErrorCode = 4
	UnsupportedGrantType    ErrorCode = 5
	InvalidScope            ErrorCode = 6
	UnsupportedPoPKey       ErrorCode = 7
	IncompatibleACEProfiles ErrorCode = 8
)

var errorNames = map[ErrorCode]string{
	InvalidRequest:          "invalid_request",
	InvalidClient:           "invalid_client",
	InvalidGrant:            "invalid_grant",
	UnauthorizedClient:      "unauthorized_client",
	UnsupportedGrantType:    "unsupported_grant_type",
	InvalidScope:            "invalid_scope",
	UnsupportedPoPKey:       "unsupported_pop_key",
	IncompatibleACEProfiles: "incompatible_ace_profiles",
}

func (e ErrorCode) String() string {
	if n, ok := errorNames[e]; ok {
		return n
	}
	return fmt.Sprintf("error(%d)", int(e))
}

// Error payload labels.
const (
	LabelError            = 30
	LabelErrorDescription = 31
)

// ErrorPayload encodes {error: code, error_description: description}.
// The description is omitted when empty.
func ErrorPayload(code ErrorCode, description string) []byte {
	m := map[int64]any{LabelError: int64(code)}
	if description != "" {
		m[LabelErrorDescription] = description
	}
	data, err := codec.Marshal(m)
	if err != nil {
		return nil
	}
	return data
}

// ParseError decodes an error payload.
func ParseError(payload []byte) (ErrorCode, string, error) {
	m, err := Parameters(payload)
	if err != nil {
		return 0, "", err
	}
	var (
		code ErrorCode
		desc string
	)
	if v, ok := m[LabelError]; ok {
		if err := codec.Unmarshal(v, &code); err != nil {
			return 0, "", fmt.Errorf("%w: error code: %w", ErrParameters, err)
		}
	}
	if v, ok := m[LabelErrorDescription]; ok {
		if err := codec.Unmarshal(v, &desc); err != nil {
			return 0, "", fmt.Errorf("%w: error description: %w", ErrParameters, err)
		}
	}
	return code, desc, nil
}

// AS-info labels.
const (
	labelASURI = 0
	labelNonce = 5
)

// ASInfo tells an unauthorized client where to obtain a token.
type ASInfo struct {
	URI   string
	Nonce []byte
}

// Marshal encodes the AS-info map.
func (a ASInfo) Marshal() []byte {
	m := map[int64]any{labelASURI: a.URI}
	if len(a.Nonce) > 0 {
		m[labelNonce] = a.Nonce
	}
	data, err := codec.Marshal(m)
	if err != nil {
		return nil
	}
	return data
}

// ParseASInfo decodes an AS-info map.
func ParseASInfo(payload []byte) (ASInfo, error) {
	m, err := Parameters(payload)
	if err != nil {
		return ASInfo{}, err
	}
	var a ASInfo
	v, ok := m[labelASURI]
	if !ok {
		return ASInfo{}, fmt.Errorf("%w: AS URI missing", ErrParameters)
	}
	if err := codec.Unmarshal(v, &a.URI); err != nil {
		return ASInfo{}, fmt.Errorf("%w: AS URI: %w", ErrParameters, err)
	}
	if v, ok := m[labelNonce]; ok {
		if err := codec.Unmarshal(v, &a.Nonce); err != nil {
			return ASInfo{}, fmt.Errorf("%w: nonce: %w", ErrParameters, err)
		}
	}
	return a, nil
}
