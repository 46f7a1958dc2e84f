package command

import (
	"strings"
)

// Authorizer decides whether an identity may run commands and code.
type Authorizer interface {
	IsAuthorized(identity string) bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(identity string) bool

func (f AuthorizerFunc) IsAuthorized(identity string) bool { return f(identity) }

// AllowAll authorizes every identity, including the empty one.
type AllowAll struct{}

func (AllowAll) IsAuthorized(string) bool { return true }

// AllowList authorizes a fixed set of identities. Matching is
// case-insensitive; the empty identity is never authorized.
type AllowList struct {
	allowed map[string]struct{}
}

// NewAllowList builds an allow-list. Blank entries are ignored.
func NewAllowList(identities []string) *AllowList {
	a := &AllowList{allowed: make(map[string]struct{}, len(identities))}
	for _, id := range identities {
		id = normalizeIdentity(id)
		if id != "" {
			a.allowed[id] = struct{}{}
		}
	}
	return a
}

func (a *AllowList) IsAuthorized(identity string) bool {
	id := normalizeIdentity(identity)
	if id == "" {
		return false
	}
	_, ok := a.allowed[id]
	return ok
}

// Len returns the number of allowed identities.
func (a *AllowList) Len() int { return len(a.allowed) }

func normalizeIdentity(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
