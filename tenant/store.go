package tenant

import (
	"context"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// Store persists tenant records. Insert and Delete also create and drop the
// tenant namespace, atomically with the record where the backend allows it.
type Store interface {
	Init(ctx context.Context) error
	Insert(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id string) (*Tenant, error)
	GetByCredential(ctx context.Context, credential string) (*Tenant, error)
	List(ctx context.Context) ([]*Tenant, error)
	Delete(ctx context.Context, id string) (*Tenant, error)
}

// MemoryStore keeps tenants in process memory. Namespaces are not materialized.
type MemoryStore struct {
	byID         *xsync.MapOf[string, *Tenant]
	byName       *xsync.MapOf[string, string]
	byCredential *xsync.MapOf[string, string]
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:         xsync.NewMapOf[string, *Tenant](),
		byName:       xsync.NewMapOf[string, string](),
		byCredential: xsync.NewMapOf[string, string](),
	}
}

func (m *MemoryStore) Init(context.Context) error {
	return nil
}

func (m *MemoryStore) Insert(_ context.Context, t *Tenant) error {
	if _, loaded := m.byName.LoadOrStore(t.Name, t.ID); loaded {
		return ErrDuplicateName
	}
	m.byCredential.Store(t.Credential, t.ID)
	m.byID.Store(t.ID, t.Clone())
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Tenant, error) {
	t, ok := m.byID.Load(id)
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) GetByCredential(ctx context.Context, credential string) (*Tenant, error) {
	id, ok := m.byCredential.Load(credential)
	if !ok {
		return nil, ErrNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) List(context.Context) ([]*Tenant, error) {
	tenants := make([]*Tenant, 0, m.byID.Size())
	m.byID.Range(func(_ string, t *Tenant) bool {
		tenants = append(tenants, t.Clone())
		return true
	})
	sort.Slice(tenants, func(i, j int) bool {
		return tenants[i].CreatedAt.After(tenants[j].CreatedAt)
	})
	return tenants, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) (*Tenant, error) {
	t, ok := m.byID.LoadAndDelete(id)
	if !ok {
		return nil, ErrNotFound
	}
	m.byName.Delete(t.Name)
	m.byCredential.Delete(t.Credential)
	return t, nil
}
