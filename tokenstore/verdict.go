package tokenstore

// Verdict is the outcome of an access decision.
type Verdict int

const (
	// Allow means a valid token grants the action on the resource.
	Allow Verdict = iota
	// NoToken means no token is bound to the key.
	NoToken
	// Forbidden means tokens exist but none grants the resource.
	Forbidden
	// MethodNotAllowed means a token grants the resource but not the action.
	MethodNotAllowed
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case NoToken:
		return "no_token"
	case Forbidden:
		return "forbidden"
	case MethodNotAllowed:
		return "method_not_allowed"
	default:
		return "unknown"
	}
}
