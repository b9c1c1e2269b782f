package tenant

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// CredentialIssuer creates the API credential bound to a new tenant
type CredentialIssuer interface {
	Issue() (string, error)
}

// CredentialIssuerFunc adapts a function to CredentialIssuer
type CredentialIssuerFunc func() (string, error)

func (f CredentialIssuerFunc) Issue() (string, error) {
	return f()
}

// RandomCredentials issues prefixed hex keys from crypto/rand
type RandomCredentials struct {
	Prefix string
	Bytes  int
}

// DefaultCredentials issues 32 random bytes per key
var DefaultCredentials = RandomCredentials{Prefix: "lb_", Bytes: 32}

func (r RandomCredentials) Issue() (string, error) {
	n := r.Bytes
	if n <= 0 {
		n = 32
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate credential: %w", err)
	}
	return r.Prefix + hex.EncodeToString(buf), nil
}
