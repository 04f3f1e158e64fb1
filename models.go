package main

import (
	"time"

	"github.com/example/panelauth/internal/token"
)

// Identity is a panel account.
type Identity struct {
	ID           string
	Email        string
	PasswordHash string
	Roles        []string
	Groups       []string
	Domains      []string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// subject snapshots the identity for token issuance.
func (i *Identity) subject() token.Subject {
	return token.Subject{
		ID:      i.ID,
		Email:   i.Email,
		Roles:   i.Roles,
		Groups:  i.Groups,
		Domains: i.Domains,
		Active:  i.Active,
	}
}

// identityView is the public JSON shape of an identity.
type identityView struct {
	ID      string   `json:"id"`
	Email   string   `json:"email"`
	Roles   []string `json:"roles"`
	Groups  []string `json:"groups"`
	Domains []string `json:"domains"`
}

func viewOf(s token.Subject) identityView {
	return identityView{ID: s.ID, Email: s.Email, Roles: labels(s.Roles), Groups: labels(s.Groups), Domains: labels(s.Domains)}
}

func viewOfClaims(c *token.Claims) identityView {
	return identityView{ID: c.Subject, Email: c.Email, Roles: labels(c.Roles), Groups: labels(c.Groups), Domains: labels(c.Domains)}
}

// TokenInfo is the introspection result. Inactive tokens carry nothing else.
type TokenInfo struct {
	Active    bool       `json:"active"`
	Kind      token.Kind `json:"kind,omitempty"`
	Subject   string     `json:"sub,omitempty"`
	Email     string     `json:"email,omitempty"`
	Roles     []string   `json:"roles,omitempty"`
	ExpiresAt *int64     `json:"exp,omitempty"`
}

func labels(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
