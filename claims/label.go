// Package claims holds the typed claim set extracted from an access token,
// either decoded from a CWT payload or returned by token introspection.
package claims

import "strconv"

// Label is the integer key of a claim in a CWT claims map or an
// introspection response.
type Label int16

// Claim labels. The numbering is the contract with the issuing
// authorization server and must not change.
const (
	Iss         Label = 1
	Sub         Label = 2
	Aud         Label = 3
	Exp         Label = 4
	Nbf         Label = 5
	Iat         Label = 6
	Cti         Label = 7
	Cnf         Label = 8
	Scope       Label = 9
	Active      Label = 10
	ClientToken Label = 45
)

var labelNames = map[Label]string{
	Iss:         "iss",
	Sub:         "sub",
	Aud:         "aud",
	Exp:         "exp",
	Nbf:         "nbf",
	Iat:         "iat",
	Cti:         "cti",
	Cnf:         "cnf",
	Scope:       "scope",
	Active:      "active",
	ClientToken: "client_token",
}

func (l Label) String() string {
	if name, ok := labelNames[l]; ok {
		return name
	}
	return strconv.Itoa(int(l))
}

// ParseLabel parses the decimal text form used in persisted snapshots.
func ParseLabel(s string) (Label, error) {
	n, err := strconv.ParseInt(s, 10, 16)
	if err != nil {
		return 0, err
	}
	return Label(n), nil
}
