package tenant

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("tenant not found")
	ErrDuplicateName = errors.New("tenant name already exists")
	ErrInvalidName   = errors.New("invalid tenant name")
)

const (
	// NamespacePrefix prefixes every tenant namespace
	NamespacePrefix = "project_"

	// MaxNameLength bounds tenant display names
	MaxNameLength = 255
)

// AuthConfig toggles end-user authentication providers
type AuthConfig struct {
	EnableEmailAuth  bool `json:"enableEmailAuth"`
	EnableGithubAuth bool `json:"enableGithubAuth"`
}

// APIConfig toggles generated API surfaces
type APIConfig struct {
	EnableREST    bool `json:"enableREST"`
	EnableGraphQL bool `json:"enableGraphQL"`
}

// Config is a tenant's feature configuration, stored as JSON
type Config struct {
	Auth AuthConfig `json:"auth"`
	API  APIConfig  `json:"api"`
}

// Tenant is one isolated project. ID and Namespace never change after creation.
type Tenant struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Namespace  string    `json:"schema_name"`
	Credential string    `json:"api_key,omitempty"`
	Config     Config    `json:"config"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Clone returns a copy safe to hand to callers
func (t *Tenant) Clone() *Tenant {
	c := *t
	return &c
}

// Redacted returns a copy without the credential, for listings
func (t *Tenant) Redacted() *Tenant {
	c := t.Clone()
	c.Credential = ""
	return c
}

// NamespaceFor derives the namespace of a tenant ID
func NamespaceFor(id string) string {
	return NamespacePrefix + strings.ReplaceAll(id, "-", "_")
}

// IDFromNamespace reverses NamespaceFor. Only namespaces embedding a canonical
// lowercase UUID resolve, so every namespace maps back to at most one tenant.
func IDFromNamespace(namespace string) (string, bool) {
	rest, ok := strings.CutPrefix(namespace, NamespacePrefix)
	if !ok {
		return "", false
	}

	candidate := strings.ReplaceAll(rest, "_", "-")
	parsed, err := uuid.Parse(candidate)
	if err != nil || parsed.String() != candidate {
		return "", false
	}
	return candidate, true
}

// NewID allocates a tenant ID
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether id is a canonical tenant ID
func ValidID(id string) bool {
	parsed, err := uuid.Parse(id)
	return err == nil && parsed.String() == id
}

func validateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || len(trimmed) > MaxNameLength || trimmed != name {
		return ErrInvalidName
	}
	return nil
}
