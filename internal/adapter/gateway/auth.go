package gateway

import (
	"crypto/subtle"

	"statemux/internal/domain"
)

// ClientInfo holds metadata about an authenticated gateway client.
type ClientInfo struct {
	Name  string
	Roles []domain.AuthRole
}

// Can reports whether the client holds perm.
func (c *ClientInfo) Can(perm domain.Permission) bool {
	return domain.HasPermission(c.Roles, perm)
}

// Authenticator validates incoming gateway connections.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

// Token is one configured credential.
type Token struct {
	Token string
	Name  string
	Roles []string
}

type authEntry struct {
	token []byte
	info  *ClientInfo
}

// StaticTokenAuth authenticates clients against a static token list
// using constant-time comparison.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from tokens. A token without
// roles is granted admin. Empty tokens are ignored.
func NewStaticTokenAuth(tokens []Token) *StaticTokenAuth {
	a := &StaticTokenAuth{}
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		roles := domain.StringsToAuthRoles(t.Roles)
		if len(roles) == 0 {
			roles = []domain.AuthRole{domain.AuthRoleAdmin}
		}
		a.entries = append(a.entries, authEntry{
			token: []byte(t.Token),
			info:  &ClientInfo{Name: t.Name, Roles: roles},
		})
	}
	return a
}

// Authenticate returns client info if the token is valid.
func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	if token == "" {
		return nil, domain.ErrGatewayAuthFailed
	}
	tokenBytes := []byte(token)
	var match *ClientInfo
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 && match == nil {
			match = e.info
		}
	}
	if match == nil {
		return nil, domain.ErrGatewayAuthFailed
	}
	return match, nil
}

// OpenAuth admits every client as admin. It backs loopback-only gateways
// started without any token.
type OpenAuth struct{}

// Authenticate always succeeds.
func (OpenAuth) Authenticate(string) (*ClientInfo, error) {
	return &ClientInfo{Name: "anonymous", Roles: []domain.AuthRole{domain.AuthRoleAdmin}}, nil
}
