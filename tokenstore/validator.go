package tokenstore

import (
	"strings"
)

// ScopeValidator interprets scope strings. A scope is opaque to the
// store; only the validator knows which resources and actions it grants.
type ScopeValidator interface {
	// CoversResource reports whether scope grants any action on resource.
	CoversResource(scope, resource string) (bool, error)
	// CoversAction reports whether scope grants action on resource.
	CoversAction(scope, resource, action string) (bool, error)
}

// AudienceValidator decides which audiences this server accepts.
type AudienceValidator interface {
	Match(audience string) bool
}

// KissValidator is a table-driven validator: a set of accepted audiences
// and, per scope, the actions granted on each resource.
type KissValidator struct {
	audiences map[string]struct{}
	scopes    map[string]map[string]map[string]struct{}
}

var (
	_ ScopeValidator    = (*KissValidator)(nil)
	_ AudienceValidator = (*KissValidator)(nil)
)

// NewKissValidator builds a validator from the accepted audiences and a
// scope table mapping scope -> resource -> actions. Actions are compared
// case-insensitively.
func NewKissValidator(audiences []string, scopes map[string]map[string][]string) *KissValidator {
	v := &KissValidator{
		audiences: make(map[string]struct{}, len(audiences)),
		scopes:    make(map[string]map[string]map[string]struct{}, len(scopes)),
	}
	for _, a := range audiences {
		v.audiences[a] = struct{}{}
	}
	for scope, resources := range scopes {
		rs := make(map[string]map[string]struct{}, len(resources))
		for resource, actions := range resources {
			as := make(map[string]struct{}, len(actions))
			for _, a := range actions {
				as[strings.ToUpper(a)] = struct{}{}
			}
			rs[resource] = as
		}
		v.scopes[scope] = rs
	}
	return v
}

func (v *KissValidator) Match(audience string) bool {
	_, ok := v.audiences[audience]
	return ok
}

func (v *KissValidator) CoversResource(scope, resource string) (bool, error) {
	_, ok := v.scopes[scope][resource]
	return ok, nil
}

func (v *KissValidator) CoversAction(scope, resource, action string) (bool, error) {
	_, ok := v.scopes[scope][resource][strings.ToUpper(action)]
	return ok, nil
}
