package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kmal808/litebase/telemetry"
	"github.com/rs/zerolog/log"
)

// DeleteHook runs after a tenant has been deleted
type DeleteHook func(t *Tenant)

// Registry is the source of truth for tenants, their namespaces and credentials
type Registry struct {
	store  Store
	issuer CredentialIssuer
	cache  *lru.Cache[string, *Tenant]

	// cacheGen advances on every delete; a lookup caches its result only if no
	// delete ran while it read the store
	cacheMu  sync.Mutex
	cacheGen uint64

	mu       sync.RWMutex
	onDelete []DeleteHook
}

// NewRegistry creates a registry over store. cacheSize bounds the credential lookup cache.
func NewRegistry(store Store, issuer CredentialIssuer, cacheSize int) (*Registry, error) {
	if issuer == nil {
		issuer = DefaultCredentials
	}
	if cacheSize <= 0 {
		cacheSize = 1024
	}

	cache, err := lru.New[string, *Tenant](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential cache: %w", err)
	}

	return &Registry{
		store:  store,
		issuer: issuer,
		cache:  cache,
	}, nil
}

// OnDelete registers a hook run after every successful Delete
func (r *Registry) OnDelete(hook DeleteHook) {
	r.mu.Lock()
	r.onDelete = append(r.onDelete, hook)
	r.mu.Unlock()
}

// Create allocates an ID, derives the namespace, issues a credential and persists the tenant
func (r *Registry) Create(ctx context.Context, name string, config Config) (*Tenant, error) {
	t, err := r.create(ctx, name, config)
	telemetry.TenantOperationsTotal.With("create", telemetry.ResultLabel(err)).Inc()
	return t, err
}

func (r *Registry) create(ctx context.Context, name string, config Config) (*Tenant, error) {
	if err := validateName(name); err != nil {
		return nil, fmt.Errorf("%w: %q", err, name)
	}

	credential, err := r.issuer.Issue()
	if err != nil {
		return nil, err
	}

	id := NewID()
	now := time.Now().UTC()
	t := &Tenant{
		ID:         id,
		Name:       name,
		Namespace:  NamespaceFor(id),
		Credential: credential,
		Config:     config,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := r.store.Insert(ctx, t); err != nil {
		if errors.Is(err, ErrDuplicateName) {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}
		return nil, err
	}

	log.Info().
		Str("tenant_id", t.ID).
		Str("name", t.Name).
		Str("namespace", t.Namespace).
		Msg("Created tenant")
	return t.Clone(), nil
}

// Get returns the tenant with id, or ErrNotFound
func (r *Registry) Get(ctx context.Context, id string) (*Tenant, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	return r.store.Get(ctx, id)
}

// GetByCredential resolves a credential to its tenant, or ErrNotFound
func (r *Registry) GetByCredential(ctx context.Context, credential string) (*Tenant, error) {
	if credential == "" {
		return nil, ErrNotFound
	}

	if t, ok := r.cache.Get(credential); ok {
		telemetry.CredentialLookupsTotal.With("hit").Inc()
		return t.Clone(), nil
	}
	telemetry.CredentialLookupsTotal.With("miss").Inc()

	r.cacheMu.Lock()
	gen := r.cacheGen
	r.cacheMu.Unlock()

	t, err := r.store.GetByCredential(ctx, credential)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	if r.cacheGen == gen {
		r.cache.Add(credential, t.Clone())
	}
	r.cacheMu.Unlock()
	return t, nil
}

// List returns every tenant, newest first
func (r *Registry) List(ctx context.Context) ([]*Tenant, error) {
	return r.store.List(ctx)
}

// Delete drops the tenant's namespace and record, then runs the delete hooks
func (r *Registry) Delete(ctx context.Context, id string) error {
	err := r.delete(ctx, id)
	telemetry.TenantOperationsTotal.With("delete", telemetry.ResultLabel(err)).Inc()
	return err
}

func (r *Registry) delete(ctx context.Context, id string) error {
	if !ValidID(id) {
		return ErrNotFound
	}

	t, err := r.store.Delete(ctx, id)
	if err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cacheGen++
	r.cache.Remove(t.Credential)
	r.cacheMu.Unlock()

	log.Info().
		Str("tenant_id", t.ID).
		Str("namespace", t.Namespace).
		Msg("Deleted tenant")

	r.mu.RLock()
	hooks := append([]DeleteHook(nil), r.onDelete...)
	r.mu.RUnlock()

	for _, hook := range hooks {
		hook(t.Clone())
	}
	return nil
}

// Init prepares the backing store
func (r *Registry) Init(ctx context.Context) error {
	return r.store.Init(ctx)
}
